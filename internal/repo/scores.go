package repo

import (
	"context"
	"database/sql"
	"strings"

	"flowline/internal/domain"
)

const scoreColumns = `id,entity_type,entity_id,user_id,planned_date,completed_date,planned_days,
actual_days,was_on_time,score_percentage,score_impacted,impact_reason,created_at`

func (r Repo) InsertScoreLog(ctx context.Context, tx *sql.Tx, s domain.ScoreLog) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO score_logs(`+scoreColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.EntityType, s.EntityID, s.UserID, nullableStringPtr(s.PlannedDate), s.CompletedDate,
		s.PlannedDays, s.ActualDays, boolToInt(s.WasOnTime), s.ScorePercentage,
		boolToInt(s.ScoreImpacted), nullableStringPtr(s.ImpactReason), s.CreatedAt)
	return err
}

// HasScoreLog reports whether a completion record already exists for the
// entity, so idempotent completion retries never write a second log.
func (r Repo) HasScoreLog(ctx context.Context, tx *sql.Tx, entityType, entityID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM score_logs WHERE entity_type=? AND entity_id=? LIMIT 1`, entityType, entityID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

type ScoreFilters struct {
	UserID     string
	EntityType string
	Limit      int
}

func (r Repo) ListScoreLogs(ctx context.Context, f ScoreFilters) ([]domain.ScoreLog, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	query := `SELECT ` + scoreColumns + ` FROM score_logs WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScoreLog
	for rows.Next() {
		var s domain.ScoreLog
		var plannedDate, impactReason sql.NullString
		var onTime, impacted int
		if err := rows.Scan(&s.ID, &s.EntityType, &s.EntityID, &s.UserID, &plannedDate, &s.CompletedDate,
			&s.PlannedDays, &s.ActualDays, &onTime, &s.ScorePercentage, &impacted, &impactReason, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.WasOnTime = onTime != 0
		s.ScoreImpacted = impacted != 0
		if plannedDate.Valid {
			s.PlannedDate = &plannedDate.String
		}
		if impactReason.Valid {
			s.ImpactReason = &impactReason.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
