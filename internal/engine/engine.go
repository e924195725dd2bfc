// Package engine is the transactional core: template publishing, project
// instantiation, step progression, objections and scoring. Every mutating
// operation takes explicit actor parameters and commits atomically.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flowline/internal/config"
	"flowline/internal/domain"
	"flowline/internal/engine/auth"
	"flowline/internal/events"
	"flowline/internal/repo"
	"flowline/internal/rule"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) requireApprover(ctx context.Context, actorID, action string) error {
	ok, err := e.Auth.IsApprover(ctx, actorID, e.Config.Approvers.Roles)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Action: action}
	}
	return nil
}

// parseInstant accepts RFC3339 or a bare date.
func parseInstant(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want RFC3339 or YYYY-MM-DD", s)
	}
	return t.UTC(), nil
}

// TemplateCreateOptions are parameters for publishing a template.
type TemplateCreateOptions struct {
	ID        string
	Name      string
	Category  string
	Frequency *domain.FrequencySettings
	Steps     []domain.StepDef
	ActorID   string
}

// CreateTemplate validates and persists a workflow template. Step numbers
// must be 1-based and contiguous; every duration rule must be well formed.
func (e Engine) CreateTemplate(ctx context.Context, opts TemplateCreateOptions) (domain.Template, error) {
	if e.Config == nil {
		return domain.Template{}, errors.New("config not loaded")
	}
	if opts.Name == "" {
		return domain.Template{}, errors.New("name is required")
	}
	if len(opts.Steps) == 0 {
		return domain.Template{}, errors.New("template needs at least one step")
	}
	for i, s := range opts.Steps {
		if s.StepNo != i+1 {
			return domain.Template{}, fmt.Errorf("step numbers must be contiguous from 1: got %d at position %d", s.StepNo, i+1)
		}
		if s.Description == "" {
			return domain.Template{}, fmt.Errorf("step %d: description is required", s.StepNo)
		}
		if len(s.Assignees) == 0 {
			return domain.Template{}, fmt.Errorf("step %d: at least one assignee is required", s.StepNo)
		}
		if err := rule.Validate(s.Rule); err != nil {
			return domain.Template{}, fmt.Errorf("step %d: %w", s.StepNo, err)
		}
	}
	now := e.nowRFC3339()
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	t := domain.Template{
		ID:        id,
		Name:      opts.Name,
		Category:  opts.Category,
		Frequency: e.Config.Frequency,
		Steps:     opts.Steps,
		CreatedBy: opts.ActorID,
		CreatedAt: now,
	}
	if opts.Frequency != nil {
		t.Frequency = *opts.Frequency
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Template{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.EnsureActor(ctx, tx, opts.ActorID); err != nil {
		return domain.Template{}, err
	}
	if err := e.Repo.InsertTemplate(ctx, tx, t); err != nil {
		return domain.Template{}, fmt.Errorf("insert template: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "template.created", "", "template", t.ID, opts.ActorID, events.EventPayload{
		"name":  t.Name,
		"steps": len(t.Steps),
	}); err != nil {
		return domain.Template{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Template{}, err
	}
	return t, nil
}

// UpdateTemplate replaces an unlocked template's definition. A template that
// has instantiated at least one project is locked and rejects edits; publish
// a new template instead.
func (e Engine) UpdateTemplate(ctx context.Context, opts TemplateCreateOptions) (domain.Template, error) {
	if opts.ID == "" {
		return domain.Template{}, errors.New("id is required")
	}
	existing, err := e.Repo.GetTemplate(ctx, opts.ID)
	if err != nil {
		return domain.Template{}, err
	}
	if existing.LockedAt != nil {
		return domain.Template{}, fmt.Errorf("template %s is locked since %s: publish a new template", existing.ID, *existing.LockedAt)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Template{}, err
	}
	defer tx.Rollback()

	// re-check under the transaction so a concurrent instantiation cannot
	// slip an edit onto a locked template
	row := tx.QueryRowContext(ctx, `SELECT locked_at FROM templates WHERE id=?`, opts.ID)
	var lockedAt sql.NullString
	if err := row.Scan(&lockedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.Template{}, repo.ErrNotFound
		}
		return domain.Template{}, err
	}
	if lockedAt.Valid {
		return domain.Template{}, fmt.Errorf("template %s is locked since %s: publish a new template", opts.ID, lockedAt.String)
	}
	updated := existing
	if opts.Name != "" {
		updated.Name = opts.Name
	}
	if opts.Category != "" {
		updated.Category = opts.Category
	}
	if opts.Frequency != nil {
		updated.Frequency = *opts.Frequency
	}
	if len(opts.Steps) > 0 {
		for i, s := range opts.Steps {
			if s.StepNo != i+1 {
				return domain.Template{}, fmt.Errorf("step numbers must be contiguous from 1: got %d at position %d", s.StepNo, i+1)
			}
			if err := rule.Validate(s.Rule); err != nil {
				return domain.Template{}, fmt.Errorf("step %d: %w", s.StepNo, err)
			}
		}
		updated.Steps = opts.Steps
	}
	if err := e.Repo.ReplaceTemplate(ctx, tx, updated); err != nil {
		return domain.Template{}, err
	}
	if err := e.Events.Append(ctx, tx, "template.updated", "", "template", updated.ID, opts.ActorID, events.EventPayload{
		"name": updated.Name,
	}); err != nil {
		return domain.Template{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Template{}, err
	}
	return updated, nil
}

// templateFrequency resolves the weekend-shift policy in effect for a
// project. The template is locked once instantiated, so the lookup is
// stable for the project's lifetime.
func (e Engine) templateFrequency(ctx context.Context, templateID string) (domain.FrequencySettings, error) {
	t, err := e.Repo.GetTemplate(ctx, templateID)
	if err != nil {
		if err == repo.ErrNotFound && e.Config != nil {
			return e.Config.Frequency, nil
		}
		return domain.FrequencySettings{}, err
	}
	return t.Frequency, nil
}
