// Package auth holds the authorization predicates the engine evaluates
// before mutating state. Actors are explicit parameters; nothing here reads
// ambient identity.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ForbiddenError indicates the actor lacks the right to perform an action.
// It deliberately names only the action, never the field that failed.
type ForbiddenError struct {
	Action string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("not permitted: %s", e.Action)
}

// Service provides role lookups backed by SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (s Service) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE actor_id=?`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// IsApprover reports whether the actor holds any of the configured approver
// roles.
func (s Service) IsApprover(ctx context.Context, actorID string, approverRoles []string) (bool, error) {
	roles, err := s.ActorRoles(ctx, actorID)
	if err != nil {
		return false, err
	}
	return HasAnyRole(roles, approverRoles), nil
}

// AnyApprover reports whether any actor at all holds one of the approver
// roles. A deployment where none does is unbootstrapped.
func (s Service) AnyApprover(ctx context.Context, approverRoles []string) (bool, error) {
	if len(approverRoles) == 0 {
		return false, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(approverRoles)), ",")
	args := make([]any, len(approverRoles))
	for i, role := range approverRoles {
		args[i] = role
	}
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM actor_roles WHERE role_id IN (`+placeholders+`)`, args...).Scan(&n)
	return n > 0, err
}

// HasAnyRole is the pure membership predicate behind IsApprover.
func HasAnyRole(actorRoles, wanted []string) bool {
	for _, have := range actorRoles {
		for _, want := range wanted {
			if have == want {
				return true
			}
		}
	}
	return false
}
