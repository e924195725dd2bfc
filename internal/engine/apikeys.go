package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"flowline/internal/domain"
	"flowline/internal/events"
	"flowline/internal/repo"
)

type APIKeyCreateOptions struct {
	ActorID string
	Name    string
	// RequestedBy is the authenticated caller. A key for someone else needs
	// the approver predicate; self-service keys do not.
	RequestedBy string
}

// CreateAPIKey mints a key for an actor and returns the plaintext exactly
// once; only the hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, opts APIKeyCreateOptions) (domain.APIKey, string, error) {
	if opts.ActorID == "" {
		return domain.APIKey{}, "", errors.New("actor_id is required")
	}
	if opts.ActorID != opts.RequestedBy {
		if err := e.requireApprover(ctx, opts.RequestedBy, "mint api key for another actor"); err != nil {
			return domain.APIKey{}, "", err
		}
	}
	plaintext := uuid.NewString()
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   opts.ActorID,
		Name:      opts.Name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.nowRFC3339(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()

	if err := e.Auth.EnsureActor(ctx, tx, key.ActorID); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, "apikey.created", "", "actor", key.ActorID, opts.RequestedBy, events.EventPayload{
		"key_id": key.ID,
		"name":   key.Name,
	}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plaintext, nil
}
