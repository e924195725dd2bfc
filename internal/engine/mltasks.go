package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flowline/internal/domain"
	"flowline/internal/engine/auth"
	"flowline/internal/events"
)

// MultiLevelTaskCreateOptions are parameters for creating a delegated task.
type MultiLevelTaskCreateOptions struct {
	ID          string
	Title       string
	Description string
	AssignedTo  string
	DueDate     string
	Checklist   []string
	ActorID     string
}

// CreateMultiLevelTask creates an ad-hoc delegated task outside any
// template.
func (e Engine) CreateMultiLevelTask(ctx context.Context, opts MultiLevelTaskCreateOptions) (domain.MultiLevelTask, error) {
	if opts.Title == "" {
		return domain.MultiLevelTask{}, errors.New("title is required")
	}
	if opts.AssignedTo == "" {
		return domain.MultiLevelTask{}, errors.New("assigned_to is required")
	}
	due, err := parseInstant(opts.DueDate)
	if err != nil {
		return domain.MultiLevelTask{}, err
	}
	now := e.nowRFC3339()
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	t := domain.MultiLevelTask{
		ID:          id,
		Title:       opts.Title,
		Description: opts.Description,
		AssignedBy:  opts.ActorID,
		AssignedTo:  opts.AssignedTo,
		DueDate:     due.Format(time.RFC3339),
		Status:      "pending",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, text := range opts.Checklist {
		t.ChecklistItems = append(t.ChecklistItems, domain.ChecklistItem{ID: uuid.NewString(), Text: text})
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MultiLevelTask{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.EnsureActor(ctx, tx, opts.ActorID); err != nil {
		return domain.MultiLevelTask{}, err
	}
	if err := e.Repo.InsertMultiLevelTask(ctx, tx, t); err != nil {
		return domain.MultiLevelTask{}, err
	}
	if err := e.Events.Append(ctx, tx, "mltask.created", "", "mltask", t.ID, opts.ActorID, events.EventPayload{
		"title":       t.Title,
		"assigned_to": t.AssignedTo,
		"due_date":    t.DueDate,
	}); err != nil {
		return domain.MultiLevelTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.MultiLevelTask{}, err
	}
	return t, nil
}

// ForwardMultiLevelTask reassigns a delegated task to a new owner with a
// new due date, appending to the forwarding history. Only the current
// assignee may forward; the previous assignee loses write access. History
// is append-only: each entry's from is the previous owner.
func (e Engine) ForwardMultiLevelTask(ctx context.Context, id, forwardTo, dueDate, remarks, actorID string) (domain.MultiLevelTask, error) {
	if forwardTo == "" {
		return domain.MultiLevelTask{}, errors.New("forward_to is required")
	}
	due, err := parseInstant(dueDate)
	if err != nil {
		return domain.MultiLevelTask{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MultiLevelTask{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetMultiLevelTaskTx(ctx, tx, id)
	if err != nil {
		return domain.MultiLevelTask{}, err
	}
	if t.AssignedTo != actorID {
		return t, auth.ForbiddenError{Action: "forward task"}
	}
	if t.Status == "done" {
		return t, fmt.Errorf("task %s is done: nothing left to forward", t.ID)
	}
	if forwardTo == t.AssignedTo {
		return t, errors.New("task is already assigned to that user")
	}
	now := e.nowRFC3339()
	entry := domain.ForwardingEntry{
		From:        t.AssignedTo,
		To:          forwardTo,
		DueDate:     due.Format(time.RFC3339),
		Remarks:     remarks,
		ForwardedAt: now,
	}
	t.ForwardingHistory = append(t.ForwardingHistory, entry)
	t.AssignedTo = forwardTo
	t.DueDate = entry.DueDate
	t.UpdatedAt = now
	if err := e.Repo.UpdateMultiLevelTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Auth.EnsureActor(ctx, tx, forwardTo); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "mltask.forwarded", "", "mltask", t.ID, actorID, events.EventPayload{
		"from":     entry.From,
		"to":       entry.To,
		"due_date": entry.DueDate,
		"hops":     len(t.ForwardingHistory),
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Version++
	return t, nil
}

// CompleteMultiLevelTask finishes a delegated task and writes its score
// log. Completing an already-done task is a safe no-op.
func (e Engine) CompleteMultiLevelTask(ctx context.Context, id, remarks, actorID string, checklist []ChecklistUpdate) (domain.MultiLevelTask, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MultiLevelTask{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetMultiLevelTaskTx(ctx, tx, id)
	if err != nil {
		return domain.MultiLevelTask{}, err
	}
	if t.AssignedTo != actorID {
		return t, auth.ForbiddenError{Action: "complete task"}
	}
	if t.Status == "done" {
		return t, nil
	}
	for _, u := range checklist {
		found := false
		for i := range t.ChecklistItems {
			if t.ChecklistItems[i].ID == u.ID {
				t.ChecklistItems[i].Completed = u.Completed
				found = true
				break
			}
		}
		if !found {
			return t, fmt.Errorf("checklist item %s not found on task %s", u.ID, t.ID)
		}
	}
	if !checklistComplete(t.ChecklistItems) {
		return t, guardErr(ReasonChecklistIncomplete, "task %s has unchecked checklist items", t.ID)
	}
	now := e.nowRFC3339()
	t.Status = "done"
	t.CompletedAt = &now
	if remarks != "" {
		t.CompletionRemarks = &remarks
	}
	t.UpdatedAt = now
	if err := e.Repo.UpdateMultiLevelTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.writeMultiLevelScore(ctx, tx, t, actorID); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "mltask.completed", "", "mltask", t.ID, actorID, events.EventPayload{
		"completed_at": now,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Version++
	return t, nil
}
