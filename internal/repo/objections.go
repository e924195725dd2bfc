package repo

import (
	"context"
	"database/sql"
	"strings"

	"flowline/internal/domain"
)

const objectionColumns = `id,project_id,step_no,type,requested_date,extra_days_requested,remarks,
requested_by,requested_at,status,approval_remarks,approved_by,approved_at`

func (r Repo) InsertObjection(ctx context.Context, tx *sql.Tx, o domain.Objection) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO objections(`+objectionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.ProjectID, o.StepNo, o.Type, nullableStringPtr(o.RequestedDate), nullableIntPtr(o.ExtraDaysRequested),
		nullable(o.Remarks), o.RequestedBy, o.RequestedAt, o.Status,
		nullableStringPtr(o.ApprovalRemarks), nullableStringPtr(o.ApprovedBy), nullableStringPtr(o.ApprovedAt))
	return err
}

func scanObjection(scan func(dest ...any) error) (domain.Objection, error) {
	var o domain.Objection
	var requestedDate, remarks, approvalRemarks, approvedBy, approvedAt sql.NullString
	var extraDays sql.NullInt64
	err := scan(&o.ID, &o.ProjectID, &o.StepNo, &o.Type, &requestedDate, &extraDays, &remarks,
		&o.RequestedBy, &o.RequestedAt, &o.Status, &approvalRemarks, &approvedBy, &approvedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if requestedDate.Valid {
		o.RequestedDate = &requestedDate.String
	}
	if extraDays.Valid {
		d := int(extraDays.Int64)
		o.ExtraDaysRequested = &d
	}
	if remarks.Valid {
		o.Remarks = remarks.String
	}
	if approvalRemarks.Valid {
		o.ApprovalRemarks = &approvalRemarks.String
	}
	if approvedBy.Valid {
		o.ApprovedBy = &approvedBy.String
	}
	if approvedAt.Valid {
		o.ApprovedAt = &approvedAt.String
	}
	return o, nil
}

func (r Repo) GetObjection(ctx context.Context, id string) (domain.Objection, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+objectionColumns+` FROM objections WHERE id=?`, id)
	return scanObjection(row.Scan)
}

func (r Repo) GetObjectionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Objection, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+objectionColumns+` FROM objections WHERE id=?`, id)
	return scanObjection(row.Scan)
}

// HasPendingObjection reports whether the task already has an unresolved
// objection.
func (r Repo) HasPendingObjection(ctx context.Context, tx *sql.Tx, projectID string, stepNo int) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM objections WHERE project_id=? AND step_no=? AND status='pending' LIMIT 1`, projectID, stepNo)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ResolveObjection performs the exactly-once pending -> approved|rejected
// transition. A second resolution attempt returns ErrConflict.
func (r Repo) ResolveObjection(ctx context.Context, tx *sql.Tx, id, decision, remarks, approvedBy, approvedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE objections SET status=?, approval_remarks=?, approved_by=?, approved_at=? WHERE id=? AND status='pending'`,
		decision, nullable(remarks), approvedBy, approvedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// LatestApprovedDateChange returns the most recently approved date_change
// objection for a step, if any. Completion uses it to flag the score as
// impacted by an approved extension.
func (r Repo) LatestApprovedDateChange(ctx context.Context, tx *sql.Tx, projectID string, stepNo int) (domain.Objection, bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+objectionColumns+` FROM objections
WHERE project_id=? AND step_no=? AND type=? AND status='approved'
ORDER BY approved_at DESC, id DESC LIMIT 1`, projectID, stepNo, domain.ObjectionDateChange)
	o, err := scanObjection(row.Scan)
	if err == ErrNotFound {
		return domain.Objection{}, false, nil
	}
	if err != nil {
		return domain.Objection{}, false, err
	}
	return o, true, nil
}

type ObjectionFilters struct {
	ProjectID   string
	RequestedBy string
	Status      string
	Limit       int
}

func (r Repo) ListObjections(ctx context.Context, f ObjectionFilters) ([]domain.Objection, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.RequestedBy != "" {
		clauses = append(clauses, "requested_by=?")
		args = append(args, f.RequestedBy)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + objectionColumns + ` FROM objections WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY requested_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Objection
	for rows.Next() {
		o, err := scanObjection(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}
