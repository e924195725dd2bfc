package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flowline/internal/domain"
	"flowline/internal/events"
)

// Score log entity types. Step instances score under "fms" with the
// project-qualified step id; ad-hoc delegated tasks score under "task".
const (
	ScoreEntityStep = "fms"
	ScoreEntityTask = "task"
)

// daysLate counts whole days between the planned and actual instants,
// rounding any partial day up. Zero or negative lateness is on time.
func daysLate(planned, completed time.Time) int {
	d := completed.Sub(planned)
	if d <= 0 {
		return 0
	}
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) > 0 {
		days++
	}
	return days
}

// writeStepScore records the punctuality outcome of a completed step. At
// most one log exists per step completion: a retry that finds an existing
// log writes nothing. An approved date change on the step marks the score
// as impacted.
func (e Engine) writeStepScore(ctx context.Context, tx *sql.Tx, t domain.TaskInstance, actorID string) error {
	entityID := stepEntityID(t.ProjectID, t.StepNo)
	exists, err := e.Repo.HasScoreLog(ctx, tx, ScoreEntityStep, entityID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if t.PlannedDueDate == nil || t.ActualCompletedOn == nil {
		return fmt.Errorf("step %s: cannot score without planned and actual dates", entityID)
	}
	planned, err := parseInstant(*t.PlannedDueDate)
	if err != nil {
		return err
	}
	completed, err := parseInstant(*t.ActualCompletedOn)
	if err != nil {
		return err
	}
	late := daysLate(planned, completed)
	log := domain.ScoreLog{
		ID:              uuid.NewString(),
		EntityType:      ScoreEntityStep,
		EntityID:        entityID,
		UserID:          completedByOr(t, actorID),
		PlannedDate:     t.PlannedDueDate,
		CompletedDate:   *t.ActualCompletedOn,
		PlannedDays:     t.Rule.Days,
		ActualDays:      t.Rule.Days + late,
		WasOnTime:       late == 0,
		ScorePercentage: e.Config.Scoring.Score(late),
		CreatedAt:       e.nowRFC3339(),
	}
	if o, ok, err := e.Repo.LatestApprovedDateChange(ctx, tx, t.ProjectID, t.StepNo); err != nil {
		return err
	} else if ok {
		log.ScoreImpacted = true
		reason := fmt.Sprintf("date change objection %s approved", o.ID)
		if o.ExtraDaysRequested != nil {
			reason = fmt.Sprintf("%s (+%d days)", reason, *o.ExtraDaysRequested)
		}
		log.ImpactReason = &reason
	}
	if err := e.Repo.InsertScoreLog(ctx, tx, log); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "score.recorded", t.ProjectID, "score", log.ID, actorID, events.EventPayload{
		"entity_id":  entityID,
		"on_time":    log.WasOnTime,
		"percentage": log.ScorePercentage,
		"impacted":   log.ScoreImpacted,
	})
}

// writeMultiLevelScore records the outcome of a completed delegated task.
// Planned days are measured from creation to the due date in effect at
// completion, which reflects any forwarding extensions; a forwarded task's
// score is marked impacted.
func (e Engine) writeMultiLevelScore(ctx context.Context, tx *sql.Tx, t domain.MultiLevelTask, actorID string) error {
	exists, err := e.Repo.HasScoreLog(ctx, tx, ScoreEntityTask, t.ID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	created, err := parseInstant(t.CreatedAt)
	if err != nil {
		return err
	}
	due, err := parseInstant(t.DueDate)
	if err != nil {
		return err
	}
	if t.CompletedAt == nil {
		return fmt.Errorf("task %s: cannot score without a completion date", t.ID)
	}
	completed, err := parseInstant(*t.CompletedAt)
	if err != nil {
		return err
	}
	late := daysLate(due, completed)
	plannedDays := int(due.Sub(created) / (24 * time.Hour))
	log := domain.ScoreLog{
		ID:              uuid.NewString(),
		EntityType:      ScoreEntityTask,
		EntityID:        t.ID,
		UserID:          t.AssignedTo,
		PlannedDate:     &t.DueDate,
		CompletedDate:   *t.CompletedAt,
		PlannedDays:     plannedDays,
		ActualDays:      plannedDays + late,
		WasOnTime:       late == 0,
		ScorePercentage: e.Config.Scoring.Score(late),
		CreatedAt:       e.nowRFC3339(),
	}
	if n := len(t.ForwardingHistory); n > 0 {
		log.ScoreImpacted = true
		reason := fmt.Sprintf("forwarded %d times", n)
		log.ImpactReason = &reason
	}
	if err := e.Repo.InsertScoreLog(ctx, tx, log); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "score.recorded", "", "score", log.ID, actorID, events.EventPayload{
		"entity_id":  t.ID,
		"on_time":    log.WasOnTime,
		"percentage": log.ScorePercentage,
		"impacted":   log.ScoreImpacted,
	})
}

func completedByOr(t domain.TaskInstance, fallback string) string {
	if t.CompletedBy != nil {
		return *t.CompletedBy
	}
	return fallback
}
