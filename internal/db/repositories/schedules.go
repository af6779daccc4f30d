package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"botswarm/pkg/models"
)

type ScheduleRepo struct {
	db *sql.DB
}

func NewScheduleRepo(db *sql.DB) *ScheduleRepo {
	return &ScheduleRepo{db: db}
}

const scheduleColumns = `id, name, scenario_id, target_ids, mode, cron_expression, timezone,
	enabled, last_run_at, next_run_at, created_at, updated_at`

func (r *ScheduleRepo) Create(ctx context.Context, schedule *models.Schedule) error {
	now := time.Now().UTC()
	schedule.CreatedAt = now
	schedule.UpdatedAt = now
	if schedule.Timezone == "" {
		schedule.Timezone = "UTC"
	}
	if schedule.Mode == "" {
		schedule.Mode = models.BatchParallel
	}

	targetIDs, err := jsonColumn(schedule.TargetIDs)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO schedules (name, scenario_id, target_ids, mode, cron_expression, timezone,
			enabled, last_run_at, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		schedule.Name, schedule.ScenarioID, targetIDs, string(schedule.Mode),
		schedule.CronExpression, schedule.Timezone, schedule.Enabled,
		nullTime(schedule.LastRunAt), nullTime(schedule.NextRunAt),
		schedule.CreatedAt, schedule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert schedule: %w", err)
	}

	schedule.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read schedule id: %w", err)
	}
	return nil
}

func (r *ScheduleRepo) GetByID(ctx context.Context, id int64) (*models.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = ?`
	return scanSchedule(r.db.QueryRowContext(ctx, query, id))
}

func (r *ScheduleRepo) List(ctx context.Context) ([]*models.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules ORDER BY name`
	return r.query(ctx, query)
}

func (r *ScheduleRepo) ListEnabled(ctx context.Context) ([]*models.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE enabled = 1 ORDER BY name`
	return r.query(ctx, query)
}

// ListDue returns the enabled schedules whose next run is at or before
// now. A schedule that never ran yet (next_run_at NULL) is due.
func (r *ScheduleRepo) ListDue(ctx context.Context, now time.Time) ([]*models.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules
		WHERE enabled = 1 AND (next_run_at IS NULL OR next_run_at <= ?)
		ORDER BY name`
	return r.query(ctx, query, now)
}

func (r *ScheduleRepo) Update(ctx context.Context, schedule *models.Schedule) error {
	schedule.UpdatedAt = time.Now().UTC()

	targetIDs, err := jsonColumn(schedule.TargetIDs)
	if err != nil {
		return err
	}

	query := `
		UPDATE schedules
		SET name = ?, scenario_id = ?, target_ids = ?, mode = ?, cron_expression = ?,
			timezone = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`
	_, err = r.db.ExecContext(ctx, query,
		schedule.Name, schedule.ScenarioID, targetIDs, string(schedule.Mode),
		schedule.CronExpression, schedule.Timezone, schedule.Enabled,
		schedule.UpdatedAt, schedule.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	return nil
}

// MarkRun records a completed trigger and the next planned one.
func (r *ScheduleRepo) MarkRun(ctx context.Context, id int64, lastRun time.Time, nextRun *time.Time) error {
	query := `UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = ? WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, lastRun, nullTime(nextRun), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark schedule run: %w", err)
	}
	return nil
}

// SetNextRun re-anchors the next planned trigger without touching the run
// history.
func (r *ScheduleRepo) SetNextRun(ctx context.Context, id int64, nextRun *time.Time) error {
	query := `UPDATE schedules SET next_run_at = ?, updated_at = ? WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, nullTime(nextRun), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set schedule next run: %w", err)
	}
	return nil
}

func (r *ScheduleRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	return nil
}

func (r *ScheduleRepo) query(ctx context.Context, query string, args ...interface{}) ([]*models.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*models.Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedules: %w", err)
	}
	return schedules, nil
}

func scanSchedule(s rowScanner) (*models.Schedule, error) {
	var schedule models.Schedule
	var targetIDs, mode string
	var lastRun, nextRun sql.NullTime

	err := s.Scan(
		&schedule.ID,
		&schedule.Name,
		&schedule.ScenarioID,
		&targetIDs,
		&mode,
		&schedule.CronExpression,
		&schedule.Timezone,
		&schedule.Enabled,
		&lastRun,
		&nextRun,
		&schedule.CreatedAt,
		&schedule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	schedule.Mode = models.BatchMode(mode)
	schedule.LastRunAt = timePtr(lastRun)
	schedule.NextRunAt = timePtr(nextRun)
	if err := scanJSON(sql.NullString{String: targetIDs, Valid: true}, &schedule.TargetIDs); err != nil {
		return nil, err
	}
	return &schedule, nil
}
