package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/portwatch/portwatch/internal/logging"
)

// ScheduleStore persists schedule definitions.
type ScheduleStore struct {
	db     *DB
	logger *logging.Logger
}

// NewScheduleStore creates a schedule store.
func NewScheduleStore(database *DB, logger *logging.Logger) *ScheduleStore {
	if logger == nil {
		logger = logging.NewDefault()
	}
	return &ScheduleStore{
		db:     database,
		logger: logger.WithComponent("schedule_store"),
	}
}

// Create inserts a new schedule. A missing id or status is filled in.
func (s *ScheduleStore) Create(ctx context.Context, schedule *ScheduledScan) (err error) {
	start := time.Now()
	defer func() { observeQuery("create_schedule", start, err) }()

	if schedule.ID == uuid.Nil {
		schedule.ID = uuid.New()
	}
	if schedule.Status == "" {
		schedule.Status = ScheduleStatusPending
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_scans (id, target, profile, schedule_type,
		        scheduled_time, interval_type, interval_value, cron_expression,
		        start_time, end_time, last_run, next_run, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		schedule.ID, schedule.Target, schedule.Profile, schedule.ScheduleType,
		schedule.ScheduledTime, schedule.IntervalType, schedule.IntervalValue,
		schedule.CronExpression, schedule.StartTime, schedule.EndTime,
		schedule.LastRun, schedule.NextRun, schedule.Status, schedule.Metadata,
	)
	if err != nil {
		return sanitizeDBError("create schedule", err)
	}

	s.logger.InfoDatabase("created schedule",
		"schedule_id", schedule.ID.String(),
		"target", schedule.Target, "type", schedule.ScheduleType)
	return nil
}

// GetByID returns one schedule.
func (s *ScheduleStore) GetByID(ctx context.Context, id uuid.UUID) (*ScheduledScan, error) {
	var schedule ScheduledScan
	err := s.db.GetContext(ctx, &schedule,
		`SELECT * FROM scheduled_scans WHERE id = $1`, id)
	if err != nil {
		return nil, sanitizeDBError("get schedule", err)
	}
	return &schedule, nil
}

// List returns all schedules ordered by creation time.
func (s *ScheduleStore) List(ctx context.Context) ([]*ScheduledScan, error) {
	var schedules []*ScheduledScan
	err := s.db.SelectContext(ctx, &schedules,
		`SELECT * FROM scheduled_scans ORDER BY created_at DESC`)
	if err != nil {
		return nil, sanitizeDBError("list schedules", err)
	}
	return schedules, nil
}

// ListActive returns schedules in non-terminal statuses.
func (s *ScheduleStore) ListActive(ctx context.Context) (_ []*ScheduledScan, err error) {
	start := time.Now()
	defer func() { observeQuery("list_active_schedules", start, err) }()

	var schedules []*ScheduledScan
	err = s.db.SelectContext(ctx, &schedules, `
		SELECT * FROM scheduled_scans
		WHERE status IN ($1, $2)
		ORDER BY created_at`,
		ScheduleStatusPending, ScheduleStatusRunning)
	if err != nil {
		return nil, sanitizeDBError("list active schedules", err)
	}
	return schedules, nil
}

// UpdateStatus sets a schedule's status.
func (s *ScheduleStore) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_scans SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, id)
	if err != nil {
		return sanitizeDBError("update schedule status", err)
	}
	return requireAffected(result, "update schedule status")
}

// AdvanceRun records a trigger: last_run is set and next_run replaced.
func (s *ScheduleStore) AdvanceRun(
	ctx context.Context, id uuid.UUID, lastRun time.Time, nextRun *time.Time,
) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_scans
		SET last_run = $1, next_run = $2, updated_at = NOW()
		WHERE id = $3`,
		lastRun, nextRun, id)
	if err != nil {
		return sanitizeDBError("advance schedule run", err)
	}
	return requireAffected(result, "advance schedule run")
}

// SetNextRun bootstraps next_run without recording a trigger.
func (s *ScheduleStore) SetNextRun(ctx context.Context, id uuid.UUID, nextRun *time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_scans SET next_run = $1, updated_at = NOW() WHERE id = $2`,
		nextRun, id)
	if err != nil {
		return sanitizeDBError("set schedule next run", err)
	}
	return requireAffected(result, "set schedule next run")
}

// Delete removes a schedule.
func (s *ScheduleStore) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_scans WHERE id = $1`, id)
	if err != nil {
		return sanitizeDBError("delete schedule", err)
	}
	return requireAffected(result, "delete schedule")
}

// requireAffected converts a zero-row write into a not-found error.
func requireAffected(result sql.Result, operation string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return sanitizeDBError(operation, err)
	}
	if affected == 0 {
		return sanitizeDBError(operation, sql.ErrNoRows)
	}
	return nil
}
