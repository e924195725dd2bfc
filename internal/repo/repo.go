package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"flowline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict signals an optimistic-version race; the caller must
	// refetch and retry.
	ErrConflict = errors.New("conflict: stale version")
)

// --- templates ---

func (r Repo) InsertTemplate(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	freqJSON, err := json.Marshal(t.Frequency)
	if err != nil {
		return err
	}
	stepsJSON, err := json.Marshal(t.Steps)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO templates(id,name,category,frequency_json,steps_json,created_by,created_at,locked_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, nullable(t.Category), string(freqJSON), string(stepsJSON), t.CreatedBy, t.CreatedAt, nullableStringPtr(t.LockedAt))
	return err
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	var t domain.Template
	var category, lockedAt sql.NullString
	var freqJSON, stepsJSON string
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,category,frequency_json,steps_json,created_by,created_at,locked_at FROM templates WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &category, &freqJSON, &stepsJSON, &t.CreatedBy, &t.CreatedAt, &lockedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if category.Valid {
		t.Category = category.String
	}
	if lockedAt.Valid {
		t.LockedAt = &lockedAt.String
	}
	if err := json.Unmarshal([]byte(freqJSON), &t.Frequency); err != nil {
		return t, fmt.Errorf("template %s frequency: %w", id, err)
	}
	if err := json.Unmarshal([]byte(stepsJSON), &t.Steps); err != nil {
		return t, fmt.Errorf("template %s steps: %w", id, err)
	}
	return t, nil
}

func (r Repo) ListTemplates(ctx context.Context, category string) ([]domain.Template, error) {
	query := `SELECT id,name,category,frequency_json,steps_json,created_by,created_at,locked_at FROM templates`
	var args []any
	if category != "" {
		query += ` WHERE category=?`
		args = append(args, category)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Template
	for rows.Next() {
		var t domain.Template
		var cat, lockedAt sql.NullString
		var freqJSON, stepsJSON string
		if err := rows.Scan(&t.ID, &t.Name, &cat, &freqJSON, &stepsJSON, &t.CreatedBy, &t.CreatedAt, &lockedAt); err != nil {
			return nil, err
		}
		if cat.Valid {
			t.Category = cat.String
		}
		if lockedAt.Valid {
			t.LockedAt = &lockedAt.String
		}
		_ = json.Unmarshal([]byte(freqJSON), &t.Frequency)
		_ = json.Unmarshal([]byte(stepsJSON), &t.Steps)
		res = append(res, t)
	}
	return res, rows.Err()
}

// ReplaceTemplate rewrites an unlocked template's definition in place.
func (r Repo) ReplaceTemplate(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	freqJSON, err := json.Marshal(t.Frequency)
	if err != nil {
		return err
	}
	stepsJSON, err := json.Marshal(t.Steps)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE templates SET name=?, category=?, frequency_json=?, steps_json=? WHERE id=? AND locked_at IS NULL`,
		t.Name, nullable(t.Category), string(freqJSON), string(stepsJSON), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// LockTemplate marks a template immutable. Safe to call repeatedly: only the
// first call sets the timestamp.
func (r Repo) LockTemplate(ctx context.Context, tx *sql.Tx, id, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE templates SET locked_at=? WHERE id=? AND locked_at IS NULL`, now, id)
	return err
}

// --- projects ---

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,template_id,name,start_date,status,created_by,created_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.TemplateID, p.Name, p.StartDate, p.Status, p.CreatedBy, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,template_id,name,start_date,status,created_by,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.TemplateID, &p.Name, &p.StartDate, &p.Status, &p.CreatedBy, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

type ProjectFilters struct {
	AssigneeID      string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]domain.Project, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, `(created_by=? OR EXISTS (
			SELECT 1 FROM project_tasks pt
			WHERE pt.project_id=projects.id AND pt.assignees_json LIKE '%"'||?||'"%'
		))`)
		args = append(args, f.AssigneeID, f.AssigneeID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT id,template_id,name,start_date,status,created_by,created_at FROM projects WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.TemplateID, &p.Name, &p.StartDate, &p.Status, &p.CreatedBy, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProjectStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProject removes a project; tasks, objections and score logs cascade.
func (r Repo) DeleteProject(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM objections WHERE project_id=?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM score_logs WHERE entity_id=? OR entity_id LIKE ?||'/%'`, id, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM project_tasks WHERE project_id=?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
