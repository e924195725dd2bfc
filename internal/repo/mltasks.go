package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"flowline/internal/domain"
)

const mlTaskColumns = `id,title,description,assigned_by,assigned_to,due_date,status,
completion_remarks,completed_at,checklist_json,forwarding_json,version,created_at,updated_at`

func (r Repo) InsertMultiLevelTask(ctx context.Context, tx *sql.Tx, t domain.MultiLevelTask) error {
	checklist, err := json.Marshal(t.ChecklistItems)
	if err != nil {
		return err
	}
	history, err := json.Marshal(t.ForwardingHistory)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO ml_tasks(`+mlTaskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, nullable(t.Description), t.AssignedBy, t.AssignedTo, t.DueDate, t.Status,
		nullableStringPtr(t.CompletionRemarks), nullableStringPtr(t.CompletedAt),
		string(checklist), string(history), t.Version, t.CreatedAt, t.UpdatedAt)
	return err
}

func scanMLTask(scan func(dest ...any) error) (domain.MultiLevelTask, error) {
	var t domain.MultiLevelTask
	var description, remarks, completedAt, checklist, history sql.NullString
	err := scan(&t.ID, &t.Title, &description, &t.AssignedBy, &t.AssignedTo, &t.DueDate, &t.Status,
		&remarks, &completedAt, &checklist, &history, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = description.String
	}
	if remarks.Valid {
		t.CompletionRemarks = &remarks.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	if checklist.Valid {
		_ = json.Unmarshal([]byte(checklist.String), &t.ChecklistItems)
	}
	if history.Valid {
		_ = json.Unmarshal([]byte(history.String), &t.ForwardingHistory)
	}
	return t, nil
}

func (r Repo) GetMultiLevelTask(ctx context.Context, id string) (domain.MultiLevelTask, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+mlTaskColumns+` FROM ml_tasks WHERE id=?`, id)
	return scanMLTask(row.Scan)
}

func (r Repo) GetMultiLevelTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.MultiLevelTask, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+mlTaskColumns+` FROM ml_tasks WHERE id=?`, id)
	return scanMLTask(row.Scan)
}

// UpdateMultiLevelTask writes the task back under its optimistic version.
func (r Repo) UpdateMultiLevelTask(ctx context.Context, tx *sql.Tx, t domain.MultiLevelTask) error {
	checklist, err := json.Marshal(t.ChecklistItems)
	if err != nil {
		return err
	}
	history, err := json.Marshal(t.ForwardingHistory)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE ml_tasks SET
assigned_to=?, due_date=?, status=?, completion_remarks=?, completed_at=?,
checklist_json=?, forwarding_json=?, version=version+1, updated_at=?
WHERE id=? AND version=?`,
		t.AssignedTo, t.DueDate, t.Status, nullableStringPtr(t.CompletionRemarks), nullableStringPtr(t.CompletedAt),
		string(checklist), string(history), t.UpdatedAt, t.ID, t.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) ListMultiLevelTasks(ctx context.Context, assigneeID string, limit int) ([]domain.MultiLevelTask, error) {
	query := `SELECT ` + mlTaskColumns + ` FROM ml_tasks`
	var args []any
	if assigneeID != "" {
		query += ` WHERE assigned_to=?`
		args = append(args, assigneeID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MultiLevelTask
	for rows.Next() {
		t, err := scanMLTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
