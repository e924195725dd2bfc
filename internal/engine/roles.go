package engine

import (
	"context"
	"errors"

	"flowline/internal/events"
)

// requireRoleAdmin gates role administration on the approver predicate once
// the deployment has at least one approver.
func (e Engine) requireRoleAdmin(ctx context.Context, actorID, action string) error {
	bootstrapped, err := e.Auth.AnyApprover(ctx, e.Config.Approvers.Roles)
	if err != nil {
		return err
	}
	if !bootstrapped {
		return nil
	}
	return e.requireApprover(ctx, actorID, action)
}

// AssignRole grants a deployment-wide role to an actor. Roles feed the
// approver predicate; granting is idempotent. Only approvers administer
// roles, except that the very first approver grant on an empty deployment
// is open so a fresh workspace can bootstrap itself.
func (e Engine) AssignRole(ctx context.Context, actorID, roleID, grantedBy string) error {
	if actorID == "" || roleID == "" {
		return errors.New("actor and role are required")
	}
	if err := e.requireRoleAdmin(ctx, grantedBy, "assign role"); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.assigned", "", "actor", actorID, grantedBy, events.EventPayload{
		"role": roleID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes a role from an actor. Same administration gate as
// AssignRole.
func (e Engine) RevokeRole(ctx context.Context, actorID, roleID, revokedBy string) error {
	if actorID == "" || roleID == "" {
		return errors.New("actor and role are required")
	}
	if err := e.requireRoleAdmin(ctx, revokedBy, "revoke role"); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.RevokeRole(ctx, tx, actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.revoked", "", "actor", actorID, revokedBy, events.EventPayload{
		"role": roleID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
