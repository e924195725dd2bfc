package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flowline/internal/domain"
	"flowline/internal/events"
	"flowline/internal/repo"
	"flowline/internal/rule"
)

// ProjectCreateOptions are parameters for instantiating a template.
type ProjectCreateOptions struct {
	ID         string
	TemplateID string
	Name       string
	StartDate  string
	ActorID    string
}

// InstantiateProject deep-copies a template's steps into task instances and
// persists the project. Step 1 is opened immediately: its due date is
// evaluated from the start date, or it waits for the creator to seed one
// when its rule is ask-on-completion. The template locks on first use so
// later edits never reach running projects.
func (e Engine) InstantiateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if e.Config == nil {
		return domain.Project{}, errors.New("config not loaded")
	}
	if opts.TemplateID == "" {
		return domain.Project{}, errors.New("template is required")
	}
	if opts.Name == "" {
		return domain.Project{}, errors.New("name is required")
	}
	start, err := parseInstant(opts.StartDate)
	if err != nil {
		return domain.Project{}, err
	}
	tmpl, err := e.Repo.GetTemplate(ctx, opts.TemplateID)
	if err != nil {
		return domain.Project{}, err
	}
	if len(tmpl.Steps) == 0 {
		return domain.Project{}, fmt.Errorf("template %s has no steps", tmpl.ID)
	}
	now := e.nowRFC3339()
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	p := domain.Project{
		ID:         id,
		TemplateID: tmpl.ID,
		Name:       opts.Name,
		StartDate:  start.Format(time.RFC3339),
		Status:     "active",
		CreatedBy:  opts.ActorID,
		CreatedAt:  now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.EnsureActor(ctx, tx, opts.ActorID); err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	for _, step := range tmpl.Steps {
		t := taskFromStep(p.ID, step, now)
		if step.StepNo == 1 {
			switch step.Rule.Kind {
			case domain.RuleAskOnCompletion:
				t.Status = domain.StatusAwaitingDate
			default:
				due, err := rule.Evaluate(step.Rule, start, tmpl.Frequency)
				if err != nil {
					return domain.Project{}, fmt.Errorf("step 1: %w", err)
				}
				t.Status = domain.StatusPending
				dueStr := due.Format(time.RFC3339)
				t.PlannedDueDate = &dueStr
			}
		}
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return domain.Project{}, fmt.Errorf("insert step %d: %w", step.StepNo, err)
		}
	}
	if err := e.Repo.LockTemplate(ctx, tx, tmpl.ID, now); err != nil {
		return domain.Project{}, fmt.Errorf("lock template: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.instantiated", p.ID, "project", p.ID, opts.ActorID, events.EventPayload{
		"template_id": tmpl.ID,
		"name":        p.Name,
		"start_date":  p.StartDate,
		"steps":       len(tmpl.Steps),
	}); err != nil {
		return domain.Project{}, err
	}
	if tmpl.LockedAt == nil {
		if err := e.Events.Append(ctx, tx, "template.locked", p.ID, "template", tmpl.ID, opts.ActorID, nil); err != nil {
			return domain.Project{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// taskFromStep snapshots a template step into a fresh task instance. The
// checklist template expands into unchecked items with stable ids.
func taskFromStep(projectID string, step domain.StepDef, now string) domain.TaskInstance {
	t := domain.TaskInstance{
		ProjectID:            projectID,
		StepNo:               step.StepNo,
		Description:          step.Description,
		Method:               step.Method,
		Assignees:            append([]string(nil), step.Assignees...),
		Rule:                 step.Rule,
		ChecklistRequired:    step.ChecklistRequired,
		AttachmentsRequired:  step.AttachmentsRequired,
		AttachmentsMandatory: step.AttachmentsMandatory,
		SkipOnTerminate:      step.SkipOnTerminate,
		Status:               domain.StatusNotStarted,
		UpdatedAt:            now,
	}
	for _, text := range step.ChecklistTemplate {
		t.ChecklistItems = append(t.ChecklistItems, domain.ChecklistItem{
			ID:   uuid.NewString(),
			Text: text,
		})
	}
	return t
}

// onStepCompleted advances the successor of a just-finished step inside the
// same transaction. Ask-on-completion successors surface as awaiting_date;
// everything else gets a due date computed from the completion instant. The
// seeding is idempotent: a successor already moved past not_started is left
// alone, so a retried completion cannot double-seed.
func (e Engine) onStepCompleted(ctx context.Context, tx *sql.Tx, p domain.Project, completed domain.TaskInstance, freq domain.FrequencySettings, actorID string) error {
	next, err := e.Repo.GetTaskTx(ctx, tx, p.ID, completed.StepNo+1)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return e.maybeCompleteProject(ctx, tx, p, actorID)
		}
		return err
	}
	if next.Status != domain.StatusNotStarted {
		return nil
	}
	now := e.nowRFC3339()
	if next.Rule.Kind == domain.RuleAskOnCompletion {
		next.Status = domain.StatusAwaitingDate
		next.PlannedDueDate = nil
	} else {
		base, err := parseInstant(completionInstant(completed, now))
		if err != nil {
			return err
		}
		due, err := rule.Evaluate(next.Rule, base, freq)
		if err != nil {
			return fmt.Errorf("step %d: %w", next.StepNo, err)
		}
		dueStr := due.Format(time.RFC3339)
		next.Status = domain.StatusPending
		next.PlannedDueDate = &dueStr
	}
	next.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, next); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "task.opened", p.ID, "task", stepEntityID(p.ID, next.StepNo), actorID, events.EventPayload{
		"step_no":          next.StepNo,
		"status":           next.Status,
		"planned_due_date": next.PlannedDueDate,
	})
}

func completionInstant(t domain.TaskInstance, fallback string) string {
	if t.ActualCompletedOn != nil {
		return *t.ActualCompletedOn
	}
	return fallback
}

// maybeCompleteProject flips the project to completed once every step has
// reached a terminal state.
func (e Engine) maybeCompleteProject(ctx context.Context, tx *sql.Tx, p domain.Project, actorID string) error {
	row := tx.QueryRowContext(ctx, `SELECT count(*) FROM project_tasks WHERE project_id=? AND status NOT IN (?,?)`,
		p.ID, domain.StatusDone, domain.StatusTerminated)
	var open int
	if err := row.Scan(&open); err != nil {
		return err
	}
	if open > 0 || p.Status == "completed" {
		return nil
	}
	if err := e.Repo.UpdateProjectStatus(ctx, tx, p.ID, "completed"); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "project.completed", p.ID, "project", p.ID, actorID, nil)
}

// DeleteProject removes a project and everything hanging off it. Requires a
// reason for the audit trail; the approver check keeps it an administrative
// action.
func (e Engine) DeleteProject(ctx context.Context, projectID, actorID, reason string) error {
	if reason == "" {
		return errors.New("reason is required")
	}
	if err := e.requireApprover(ctx, actorID, "delete project"); err != nil {
		return err
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// the audit row outlives the project rows it describes
	if err := e.Events.Append(ctx, tx, "project.deleted", p.ID, "project", p.ID, actorID, events.EventPayload{
		"reason": reason,
		"name":   p.Name,
	}); err != nil {
		return err
	}
	if err := e.Repo.DeleteProject(ctx, tx, p.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func stepEntityID(projectID string, stepNo int) string {
	return fmt.Sprintf("%s/%d", projectID, stepNo)
}
