package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flowline/internal/domain"
	"flowline/internal/engine/auth"
	"flowline/internal/events"
	"flowline/internal/rule"
)

// ObjectionRaiseOptions are parameters for raising an objection.
type ObjectionRaiseOptions struct {
	ProjectID          string
	StepNo             int
	Type               string
	RequestedDate      string
	ExtraDaysRequested int
	Remarks            string
	ActorID            string
}

// RaiseObjection files a pending objection against a step. Only a current
// assignee of a non-done step may raise one, at most one pending objection
// exists per step, and hold is refused on dependent-rule steps whose
// schedule is non-negotiable. The task itself is untouched until approval.
func (e Engine) RaiseObjection(ctx context.Context, opts ObjectionRaiseOptions) (domain.Objection, error) {
	switch opts.Type {
	case domain.ObjectionDateChange, domain.ObjectionHold, domain.ObjectionTerminate:
	default:
		return domain.Objection{}, fmt.Errorf("unknown objection type %q", opts.Type)
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Objection{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Objection{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, p.ID, opts.StepNo)
	if err != nil {
		return domain.Objection{}, err
	}
	if !t.Assigned(opts.ActorID) {
		return domain.Objection{}, auth.ForbiddenError{Action: "raise objection"}
	}
	if t.Status == domain.StatusDone || t.Status == domain.StatusTerminated {
		return domain.Objection{}, fmt.Errorf("step %d is %s: its schedule can no longer be objected to", t.StepNo, t.Status)
	}
	if opts.Type == domain.ObjectionHold && !rule.Negotiable(t.Rule) {
		return domain.Objection{}, fmt.Errorf("step %d has a dependent schedule: only date_change objections apply", t.StepNo)
	}
	var requestedDate *string
	if opts.Type == domain.ObjectionDateChange {
		if opts.RequestedDate == "" {
			return domain.Objection{}, errors.New("requested_date is required for a date_change objection")
		}
		parsed, err := parseInstant(opts.RequestedDate)
		if err != nil {
			return domain.Objection{}, err
		}
		s := parsed.Format(time.RFC3339)
		requestedDate = &s
	}
	pending, err := e.Repo.HasPendingObjection(ctx, tx, p.ID, t.StepNo)
	if err != nil {
		return domain.Objection{}, err
	}
	if pending {
		return domain.Objection{}, guardErr(ReasonObjectionPending, "step %d already has a pending objection", t.StepNo)
	}
	o := domain.Objection{
		ID:            uuid.NewString(),
		ProjectID:     p.ID,
		StepNo:        t.StepNo,
		Type:          opts.Type,
		RequestedDate: requestedDate,
		Remarks:       opts.Remarks,
		RequestedBy:   opts.ActorID,
		RequestedAt:   e.nowRFC3339(),
		Status:        "pending",
	}
	if opts.ExtraDaysRequested > 0 {
		extra := opts.ExtraDaysRequested
		o.ExtraDaysRequested = &extra
	}
	if err := e.Repo.InsertObjection(ctx, tx, o); err != nil {
		return domain.Objection{}, err
	}
	if err := e.Events.Append(ctx, tx, "objection.raised", p.ID, "objection", o.ID, opts.ActorID, events.EventPayload{
		"step_no": t.StepNo,
		"type":    o.Type,
	}); err != nil {
		return domain.Objection{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Objection{}, err
	}
	return o, nil
}

// ResolveObjection settles a pending objection exactly once. Approval and
// its effect on the task commit together: a reader never sees an approved
// date change next to the task's old due date. A second resolution attempt
// fails with ErrConflict.
func (e Engine) ResolveObjection(ctx context.Context, objectionID, decision, remarks, actorID string) (domain.Objection, error) {
	switch decision {
	case "approved", "rejected":
	default:
		return domain.Objection{}, fmt.Errorf("decision must be approved or rejected, got %q", decision)
	}
	if err := e.requireApprover(ctx, actorID, "resolve objection"); err != nil {
		return domain.Objection{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Objection{}, err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetObjectionTx(ctx, tx, objectionID)
	if err != nil {
		return domain.Objection{}, err
	}
	now := e.nowRFC3339()
	if err := e.Repo.ResolveObjection(ctx, tx, o.ID, decision, remarks, actorID, now); err != nil {
		return o, err
	}
	o.Status = decision
	o.ApprovedBy = &actorID
	o.ApprovedAt = &now
	if remarks != "" {
		o.ApprovalRemarks = &remarks
	}
	if decision == "approved" {
		if err := e.applyApprovedObjection(ctx, tx, o, actorID); err != nil {
			return o, err
		}
	}
	if err := e.Events.Append(ctx, tx, "objection.resolved", o.ProjectID, "objection", o.ID, actorID, events.EventPayload{
		"step_no":  o.StepNo,
		"type":     o.Type,
		"decision": decision,
	}); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	return o, nil
}

func (e Engine) applyApprovedObjection(ctx context.Context, tx *sql.Tx, o domain.Objection, actorID string) error {
	t, err := e.Repo.GetTaskTx(ctx, tx, o.ProjectID, o.StepNo)
	if err != nil {
		return err
	}
	if t.Status == domain.StatusDone {
		return fmt.Errorf("step %d completed while the objection was pending", t.StepNo)
	}
	now := e.nowRFC3339()
	switch o.Type {
	case domain.ObjectionDateChange:
		t.PlannedDueDate = o.RequestedDate
		// an approved date change also lifts a hold and satisfies a
		// pending date request
		if t.Status == domain.StatusHeld || t.Status == domain.StatusAwaitingDate {
			t.Status = domain.StatusPending
		}
	case domain.ObjectionHold:
		if !rule.Negotiable(t.Rule) {
			return fmt.Errorf("step %d has a dependent schedule: hold cannot apply", t.StepNo)
		}
		t.Status = domain.StatusHeld
	case domain.ObjectionTerminate:
		t.Status = domain.StatusTerminated
	}
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return err
	}
	var evtType string
	switch o.Type {
	case domain.ObjectionDateChange:
		evtType = "task.date_changed"
	case domain.ObjectionHold:
		evtType = "task.held"
	case domain.ObjectionTerminate:
		evtType = "task.terminated"
	}
	if err := e.Events.Append(ctx, tx, evtType, o.ProjectID, "task", stepEntityID(o.ProjectID, o.StepNo), actorID, events.EventPayload{
		"step_no":      o.StepNo,
		"objection_id": o.ID,
	}); err != nil {
		return err
	}
	if o.Type == domain.ObjectionTerminate {
		p, err := e.Repo.GetProject(ctx, o.ProjectID)
		if err != nil {
			return err
		}
		return e.maybeCompleteProject(ctx, tx, p, actorID)
	}
	return nil
}

// ReleaseHold lifts an approved hold, returning the step to pending so its
// successors can unblock once it completes.
func (e Engine) ReleaseHold(ctx context.Context, projectID string, stepNo int, actorID, remarks string) (domain.TaskInstance, error) {
	if err := e.requireApprover(ctx, actorID, "release hold"); err != nil {
		return domain.TaskInstance{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, projectID, stepNo)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	if t.Status != domain.StatusHeld {
		return t, fmt.Errorf("step %d is not held (status %s)", t.StepNo, t.Status)
	}
	t.Status = domain.StatusPending
	t.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.released", projectID, "task", stepEntityID(projectID, stepNo), actorID, events.EventPayload{
		"step_no": stepNo,
		"remarks": remarks,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Version++
	return t, nil
}
