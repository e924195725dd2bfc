package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"flowline/internal/domain"
)

const taskColumns = `project_id,step_no,description,method,assignees_json,rule_kind,rule_days,rule_hours,
checklist_required,attachments_required,attachments_mandatory,skip_on_terminate,status,planned_due_date,
actual_completed_on,completed_by,notes,checklist_json,attachments_json,version,updated_at`

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.TaskInstance) error {
	assignees, err := json.Marshal(t.Assignees)
	if err != nil {
		return err
	}
	checklist, err := json.Marshal(t.ChecklistItems)
	if err != nil {
		return err
	}
	attachments, err := json.Marshal(t.Attachments)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO project_tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ProjectID, t.StepNo, t.Description, nullable(t.Method), string(assignees),
		string(t.Rule.Kind), t.Rule.Days, t.Rule.Hours,
		boolToInt(t.ChecklistRequired), boolToInt(t.AttachmentsRequired), boolToInt(t.AttachmentsMandatory), boolToInt(t.SkipOnTerminate),
		t.Status, nullableStringPtr(t.PlannedDueDate), nullableStringPtr(t.ActualCompletedOn), nullableStringPtr(t.CompletedBy),
		nullable(t.Notes), string(checklist), string(attachments), t.Version, t.UpdatedAt)
	return err
}

func scanTask(scan func(dest ...any) error) (domain.TaskInstance, error) {
	var t domain.TaskInstance
	var method, plannedDue, completedOn, completedBy, notes sql.NullString
	var assignees, checklist, attachments sql.NullString
	var checklistReq, attReq, attMand, skip int
	err := scan(&t.ProjectID, &t.StepNo, &t.Description, &method, &assignees,
		(*string)(&t.Rule.Kind), &t.Rule.Days, &t.Rule.Hours,
		&checklistReq, &attReq, &attMand, &skip, &t.Status, &plannedDue,
		&completedOn, &completedBy, &notes, &checklist, &attachments, &t.Version, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.ChecklistRequired = checklistReq != 0
	t.AttachmentsRequired = attReq != 0
	t.AttachmentsMandatory = attMand != 0
	t.SkipOnTerminate = skip != 0
	if method.Valid {
		t.Method = method.String
	}
	if plannedDue.Valid {
		t.PlannedDueDate = &plannedDue.String
	}
	if completedOn.Valid {
		t.ActualCompletedOn = &completedOn.String
	}
	if completedBy.Valid {
		t.CompletedBy = &completedBy.String
	}
	if notes.Valid {
		t.Notes = notes.String
	}
	if assignees.Valid {
		_ = json.Unmarshal([]byte(assignees.String), &t.Assignees)
	}
	if checklist.Valid {
		_ = json.Unmarshal([]byte(checklist.String), &t.ChecklistItems)
	}
	if attachments.Valid {
		_ = json.Unmarshal([]byte(attachments.String), &t.Attachments)
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, projectID string, stepNo int) (domain.TaskInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM project_tasks WHERE project_id=? AND step_no=?`, projectID, stepNo)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, projectID string, stepNo int) (domain.TaskInstance, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM project_tasks WHERE project_id=? AND step_no=?`, projectID, stepNo)
	return scanTask(row.Scan)
}

func (r Repo) ListTasks(ctx context.Context, projectID string) ([]domain.TaskInstance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM project_tasks WHERE project_id=? ORDER BY step_no ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskInstance
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateTask persists a task guarded by its optimistic version: the stored
// row must still carry t.Version, and the write bumps it by one. A stale
// version returns ErrConflict.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.TaskInstance) error {
	assignees, err := json.Marshal(t.Assignees)
	if err != nil {
		return err
	}
	checklist, err := json.Marshal(t.ChecklistItems)
	if err != nil {
		return err
	}
	attachments, err := json.Marshal(t.Attachments)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE project_tasks SET
assignees_json=?, status=?, planned_due_date=?, actual_completed_on=?, completed_by=?, notes=?,
checklist_json=?, attachments_json=?, version=version+1, updated_at=?
WHERE project_id=? AND step_no=? AND version=?`,
		string(assignees), t.Status, nullableStringPtr(t.PlannedDueDate), nullableStringPtr(t.ActualCompletedOn),
		nullableStringPtr(t.CompletedBy), nullable(t.Notes), string(checklist), string(attachments), t.UpdatedAt,
		t.ProjectID, t.StepNo, t.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM project_tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
