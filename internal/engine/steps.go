package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"flowline/internal/domain"
	"flowline/internal/engine/auth"
	"flowline/internal/events"
	"flowline/internal/rule"
)

// ChecklistUpdate flips one checklist item's completion state.
type ChecklistUpdate struct {
	ID        string
	Completed bool
}

// StepTransitionOptions are parameters for advancing a step instance.
type StepTransitionOptions struct {
	ProjectID string
	StepNo    int
	// Status is the target state: in_progress or done. Empty applies the
	// checklist/attachment/notes changes without moving the step.
	Status      string
	ActorID     string
	Notes       string
	Checklist   []ChecklistUpdate
	Attachments []domain.Attachment
	// PlannedDueDate seeds this step's own date when its ask-on-completion
	// rule left it unset; required to enter done in that case.
	PlannedDueDate string
	// NextStepDate optionally seeds the successor's ask-on-completion date
	// in the same transaction as the completion.
	NextStepDate string
}

// TransitionStep applies one atomic step transition, enforcing dependency,
// checklist, attachment and date guards. Guard violations reject with a
// machine-readable reason and leave no partial state; a concurrent write to
// the same step loses with ErrConflict. Completing an already-done step is
// a no-op so retries stay safe.
func (e Engine) TransitionStep(ctx context.Context, opts StepTransitionOptions) (domain.TaskInstance, error) {
	if e.Config == nil {
		return domain.TaskInstance{}, errors.New("config not loaded")
	}
	switch opts.Status {
	case "", domain.StatusInProgress, domain.StatusDone:
	default:
		return domain.TaskInstance{}, fmt.Errorf("cannot request status %q: only in_progress and done are assignee transitions", opts.Status)
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	freq, err := e.templateFrequency(ctx, p.TemplateID)
	if err != nil {
		return domain.TaskInstance{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, p.ID, opts.StepNo)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	if !t.Assigned(opts.ActorID) {
		return t, auth.ForbiddenError{Action: "transition step"}
	}
	if t.Status == domain.StatusDone {
		if opts.Status == domain.StatusDone {
			// idempotent completion retry
			return t, nil
		}
		return t, fmt.Errorf("step %d is already done", t.StepNo)
	}
	if t.Status == domain.StatusTerminated {
		return t, fmt.Errorf("step %d is terminated", t.StepNo)
	}
	if t.Status == domain.StatusHeld {
		return t, fmt.Errorf("step %d is held: release the hold before progressing", t.StepNo)
	}

	now := e.nowRFC3339()

	if opts.Status != "" {
		if err := e.ensureDependencyMet(ctx, tx, p, t); err != nil {
			return t, err
		}
	}
	if opts.PlannedDueDate != "" {
		if t.PlannedDueDate != nil {
			return t, fmt.Errorf("step %d already has a planned due date", t.StepNo)
		}
		seeded, err := e.shiftedDate(opts.PlannedDueDate, freq)
		if err != nil {
			return t, err
		}
		t.PlannedDueDate = &seeded
		if t.Status == domain.StatusAwaitingDate {
			t.Status = domain.StatusPending
		}
	}
	if err := applyChecklist(&t, opts.Checklist); err != nil {
		return t, err
	}
	if err := e.appendAttachments(&t, opts.Attachments, now); err != nil {
		return t, err
	}
	if opts.Notes != "" {
		t.Notes = opts.Notes
	}

	switch opts.Status {
	case domain.StatusInProgress:
		if t.PlannedDueDate == nil {
			return t, guardErr(ReasonDateRequired, "step %d has no planned due date", t.StepNo)
		}
		t.Status = domain.StatusInProgress
	case domain.StatusDone:
		if t.ChecklistRequired && !checklistComplete(t.ChecklistItems) {
			return t, guardErr(ReasonChecklistIncomplete, "step %d has unchecked checklist items", t.StepNo)
		}
		if t.AttachmentsMandatory && len(t.Attachments) == 0 {
			return t, guardErr(ReasonAttachmentRequired, "step %d requires at least one attachment", t.StepNo)
		}
		if t.PlannedDueDate == nil {
			return t, guardErr(ReasonDateRequired, "step %d has no planned due date: supply one with the completion", t.StepNo)
		}
		t.Status = domain.StatusDone
		t.ActualCompletedOn = &now
		completedBy := opts.ActorID
		t.CompletedBy = &completedBy
	}
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}

	switch opts.Status {
	case "":
		if err := e.Events.Append(ctx, tx, "task.updated", p.ID, "task", stepEntityID(p.ID, t.StepNo), opts.ActorID, events.EventPayload{
			"step_no":     t.StepNo,
			"checklist":   len(opts.Checklist),
			"attachments": len(opts.Attachments),
		}); err != nil {
			return t, err
		}
	case domain.StatusInProgress:
		if err := e.Events.Append(ctx, tx, "task.started", p.ID, "task", stepEntityID(p.ID, t.StepNo), opts.ActorID, events.EventPayload{
			"step_no": t.StepNo,
		}); err != nil {
			return t, err
		}
	case domain.StatusDone:
		if err := e.Events.Append(ctx, tx, "task.completed", p.ID, "task", stepEntityID(p.ID, t.StepNo), opts.ActorID, events.EventPayload{
			"step_no":          t.StepNo,
			"planned_due_date": t.PlannedDueDate,
			"completed_on":     now,
		}); err != nil {
			return t, err
		}
		if err := e.writeStepScore(ctx, tx, t, opts.ActorID); err != nil {
			return t, err
		}
		if opts.NextStepDate != "" {
			if err := e.seedSuccessorDate(ctx, tx, p, t, opts.NextStepDate, freq, opts.ActorID); err != nil {
				return t, err
			}
		}
		if err := e.onStepCompleted(ctx, tx, p, t, freq, opts.ActorID); err != nil {
			return t, err
		}
		if err := e.maybeCompleteProject(ctx, tx, p, opts.ActorID); err != nil {
			return t, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Version++
	return t, nil
}

// ensureDependencyMet blocks a step from advancing while its predecessor is
// unfinished. A terminated predecessor satisfies the guard only when the
// template declared it skippable; a held predecessor never does.
func (e Engine) ensureDependencyMet(ctx context.Context, tx *sql.Tx, p domain.Project, t domain.TaskInstance) error {
	if t.StepNo <= 1 {
		return nil
	}
	prev, err := e.Repo.GetTaskTx(ctx, tx, p.ID, t.StepNo-1)
	if err != nil {
		return err
	}
	switch prev.Status {
	case domain.StatusDone:
		return nil
	case domain.StatusTerminated:
		if prev.SkipOnTerminate {
			return nil
		}
	}
	return guardErr(ReasonDependencyNotMet, "step %d is %s", prev.StepNo, prev.Status)
}

func applyChecklist(t *domain.TaskInstance, updates []ChecklistUpdate) error {
	for _, u := range updates {
		found := false
		for i := range t.ChecklistItems {
			if t.ChecklistItems[i].ID == u.ID {
				t.ChecklistItems[i].Completed = u.Completed
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("checklist item %s not found on step %d", u.ID, t.StepNo)
		}
	}
	return nil
}

func checklistComplete(items []domain.ChecklistItem) bool {
	for _, it := range items {
		if !it.Completed {
			return false
		}
	}
	return true
}

// appendAttachments adds metadata rows under the configured caps. The file
// bytes themselves live outside the transactional boundary.
func (e Engine) appendAttachments(t *domain.TaskInstance, add []domain.Attachment, now string) error {
	if len(add) == 0 {
		return nil
	}
	limits := e.Config.Attachments
	if len(t.Attachments)+len(add) > limits.MaxFiles {
		return fmt.Errorf("attachment cap exceeded: at most %d files per step", limits.MaxFiles)
	}
	for _, a := range add {
		if a.Filename == "" {
			return errors.New("attachment filename is required")
		}
		if a.Size > limits.MaxFileSizeByte {
			return fmt.Errorf("attachment %s exceeds %d bytes", a.Filename, limits.MaxFileSizeByte)
		}
		if a.UploadedAt == "" {
			a.UploadedAt = now
		}
		t.Attachments = append(t.Attachments, a)
	}
	return nil
}

func (e Engine) shiftedDate(raw string, freq domain.FrequencySettings) (string, error) {
	d, err := parseInstant(raw)
	if err != nil {
		return "", err
	}
	return rule.ShiftOffSunday(d, freq).Format(time.RFC3339), nil
}

// seedSuccessorDate sets the next step's ask-on-completion date in the same
// transaction as the predecessor's completion, so the completing assignee
// can supply it in one call.
func (e Engine) seedSuccessorDate(ctx context.Context, tx *sql.Tx, p domain.Project, completed domain.TaskInstance, raw string, freq domain.FrequencySettings, actorID string) error {
	next, err := e.Repo.GetTaskTx(ctx, tx, p.ID, completed.StepNo+1)
	if err != nil {
		return err
	}
	if next.Rule.Kind != domain.RuleAskOnCompletion {
		return fmt.Errorf("step %d does not take a supplied date", next.StepNo)
	}
	if next.PlannedDueDate != nil {
		return fmt.Errorf("step %d already has a planned due date", next.StepNo)
	}
	seeded, err := e.shiftedDate(raw, freq)
	if err != nil {
		return err
	}
	next.PlannedDueDate = &seeded
	next.Status = domain.StatusPending
	next.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateTask(ctx, tx, next); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "task.date_seeded", p.ID, "task", stepEntityID(p.ID, next.StepNo), actorID, events.EventPayload{
		"step_no":          next.StepNo,
		"planned_due_date": seeded,
	})
}

// SeedStepDate supplies the date an awaiting_date step is waiting for and
// opens it. Permitted for the step's own assignees and the predecessor's,
// since the predecessor's assignee names the date at handover.
func (e Engine) SeedStepDate(ctx context.Context, projectID string, stepNo int, date, actorID string) (domain.TaskInstance, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	freq, err := e.templateFrequency(ctx, p.TemplateID)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, p.ID, stepNo)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	if t.Status != domain.StatusAwaitingDate {
		return t, fmt.Errorf("step %d is not awaiting a date (status %s)", t.StepNo, t.Status)
	}
	allowed := t.Assigned(actorID) || (stepNo == 1 && p.CreatedBy == actorID)
	if !allowed && stepNo > 1 {
		prev, err := e.Repo.GetTaskTx(ctx, tx, p.ID, stepNo-1)
		if err != nil {
			return t, err
		}
		allowed = prev.Assigned(actorID)
	}
	if !allowed {
		return t, auth.ForbiddenError{Action: "seed step date"}
	}
	seeded, err := e.shiftedDate(date, freq)
	if err != nil {
		return t, err
	}
	t.PlannedDueDate = &seeded
	t.Status = domain.StatusPending
	t.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.date_seeded", p.ID, "task", stepEntityID(p.ID, t.StepNo), actorID, events.EventPayload{
		"step_no":          t.StepNo,
		"planned_due_date": seeded,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Version++
	return t, nil
}

// OverrideStepStatus is the privileged escape hatch: it bypasses the normal
// guards, so it demands an approver role and a reason, both recorded for
// audit. Moving a step to done this way still writes its score log and
// opens the successor.
func (e Engine) OverrideStepStatus(ctx context.Context, projectID string, stepNo int, status, actorID, reason string) (domain.TaskInstance, error) {
	if reason == "" {
		return domain.TaskInstance{}, errors.New("reason is required for an admin override")
	}
	switch status {
	case domain.StatusNotStarted, domain.StatusAwaitingDate, domain.StatusPending,
		domain.StatusInProgress, domain.StatusHeld, domain.StatusTerminated, domain.StatusDone:
	default:
		return domain.TaskInstance{}, fmt.Errorf("unknown status %q", status)
	}
	if err := e.requireApprover(ctx, actorID, "override step status"); err != nil {
		return domain.TaskInstance{}, err
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	freq, err := e.templateFrequency(ctx, p.TemplateID)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, p.ID, stepNo)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	now := e.nowRFC3339()
	from := t.Status
	t.Status = status
	if status == domain.StatusDone && t.ActualCompletedOn == nil {
		t.ActualCompletedOn = &now
		completedBy := actorID
		t.CompletedBy = &completedBy
	}
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.admin_status", p.ID, "task", stepEntityID(p.ID, t.StepNo), actorID, events.EventPayload{
		"step_no": t.StepNo,
		"from":    from,
		"to":      status,
		"reason":  reason,
	}); err != nil {
		return t, err
	}
	if status == domain.StatusDone {
		if t.PlannedDueDate != nil {
			if err := e.writeStepScore(ctx, tx, t, actorID); err != nil {
				return t, err
			}
		}
		if err := e.onStepCompleted(ctx, tx, p, t, freq, actorID); err != nil {
			return t, err
		}
	}
	if status == domain.StatusDone || status == domain.StatusTerminated {
		if err := e.maybeCompleteProject(ctx, tx, p, actorID); err != nil {
			return t, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Version++
	return t, nil
}

// OverrideStepDueDate rewrites a step's planned due date outside the
// objection workflow. Approver-only, reason recorded. The date is stored as
// given, without the Sunday shift: the override is deliberate.
func (e Engine) OverrideStepDueDate(ctx context.Context, projectID string, stepNo int, date, actorID, reason string) (domain.TaskInstance, error) {
	if reason == "" {
		return domain.TaskInstance{}, errors.New("reason is required for an admin override")
	}
	if err := e.requireApprover(ctx, actorID, "override step due date"); err != nil {
		return domain.TaskInstance{}, err
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	parsed, err := parseInstant(date)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, p.ID, stepNo)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	if t.Status == domain.StatusDone || t.Status == domain.StatusTerminated {
		return t, fmt.Errorf("step %d is %s: its schedule is frozen", t.StepNo, t.Status)
	}
	stored := parsed.Format(time.RFC3339)
	prev := t.PlannedDueDate
	t.PlannedDueDate = &stored
	if t.Status == domain.StatusAwaitingDate {
		t.Status = domain.StatusPending
	}
	t.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.admin_duedate", p.ID, "task", stepEntityID(p.ID, t.StepNo), actorID, events.EventPayload{
		"step_no": t.StepNo,
		"from":    prev,
		"to":      stored,
		"reason":  reason,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Version++
	return t, nil
}
