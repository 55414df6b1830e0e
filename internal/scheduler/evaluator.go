// Package scheduler provides the schedule evaluator for portwatch. A single
// loop periodically fetches active schedule records, computes recurrence,
// triggers due scans through the scan façade, and persists results when the
// bound completion handler observes a terminal sentinel.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/portwatch/portwatch/internal/db"
	"github.com/portwatch/portwatch/internal/errors"
	"github.com/portwatch/portwatch/internal/logging"
	"github.com/portwatch/portwatch/internal/metrics"
	"github.com/portwatch/portwatch/internal/profiles"
	"github.com/portwatch/portwatch/internal/scanner"
)

const (
	defaultCheckInterval = 60 * time.Second
	defaultErrorCooldown = 5 * time.Second
)

// ScheduleStore is the persistence surface the evaluator needs for
// schedule records. *db.ScheduleStore satisfies it.
type ScheduleStore interface {
	Create(ctx context.Context, schedule *db.ScheduledScan) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.ScheduledScan, error)
	List(ctx context.Context) ([]*db.ScheduledScan, error)
	ListActive(ctx context.Context) ([]*db.ScheduledScan, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	AdvanceRun(ctx context.Context, id uuid.UUID, lastRun time.Time, nextRun *time.Time) error
	SetNextRun(ctx context.Context, id uuid.UUID, nextRun *time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// ResultStore persists completed scan results. *db.ScanStore satisfies it.
type ResultStore interface {
	SaveScanResult(ctx context.Context, target, profile, arguments string,
		result *scanner.Result, startedAt, finishedAt time.Time) (uuid.UUID, error)
}

// ScanRunner starts and controls scans. *profiles.Manager satisfies it.
type ScanRunner interface {
	StartScan(target, profile string, callback profiles.ProgressFunc) (uuid.UUID, error)
	Result(jobID uuid.UUID) (*scanner.Result, bool)
	CancelScan(jobID uuid.UUID) bool
}

// Config holds evaluator settings.
type Config struct {
	// CheckInterval is the evaluator tick period.
	CheckInterval time.Duration `yaml:"check_interval" json:"check_interval"`

	// ErrorCooldown is the pause after a failed tick.
	ErrorCooldown time.Duration `yaml:"error_cooldown" json:"error_cooldown"`
}

// DefaultConfig returns the evaluator defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval: defaultCheckInterval,
		ErrorCooldown: defaultErrorCooldown,
	}
}

// ScheduleRequest is the operator-facing payload for creating a schedule.
type ScheduleRequest struct {
	Target         string     `json:"target" validate:"required"`
	Profile        string     `json:"profile" validate:"required"`
	Type           string     `json:"type" validate:"required,oneof=one_time recurring cron"`
	ScheduledTime  *time.Time `json:"scheduled_time,omitempty" validate:"required_if=Type one_time"`
	IntervalType   string     `json:"interval_type,omitempty" validate:"required_if=Type recurring,omitempty,oneof=hours days weeks"`
	IntervalValue  int        `json:"interval_value,omitempty" validate:"required_if=Type recurring,omitempty,min=1"`
	CronExpression string     `json:"cron_expression,omitempty" validate:"required_if=Type cron"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	Metadata       db.JSONB   `json:"metadata,omitempty"`
}

// activeScan links a triggered schedule to its running job.
type activeScan struct {
	jobID     uuid.UUID
	target    string
	profile   string
	arguments string
	startedAt time.Time
}

// Evaluator runs the schedule loop.
type Evaluator struct {
	config   Config
	store    ScheduleStore
	results  ResultStore
	scans    ScanRunner
	logger   *logging.Logger
	validate *validator.Validate

	mutex  sync.Mutex
	active map[uuid.UUID]activeScan

	runMutex sync.Mutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// now is replaceable for tests.
	now func() time.Time
}

// New creates an evaluator.
func New(config Config, store ScheduleStore, results ResultStore, scans ScanRunner,
	logger *logging.Logger) *Evaluator {
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaultCheckInterval
	}
	if config.ErrorCooldown <= 0 {
		config.ErrorCooldown = defaultErrorCooldown
	}
	if logger == nil {
		logger = logging.NewDefault()
	}

	return &Evaluator{
		config:   config,
		store:    store,
		results:  results,
		scans:    scans,
		logger:   logger.WithComponent("scheduler"),
		validate: validator.New(),
		active:   make(map[uuid.UUID]activeScan),
		now:      time.Now,
	}
}

// Start launches the evaluator loop. Starting a running evaluator is a
// no-op.
func (e *Evaluator) Start() {
	e.runMutex.Lock()
	defer e.runMutex.Unlock()

	if e.running {
		return
	}
	e.running = true

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(1)
	go e.loop(ctx)

	e.logger.InfoScheduler("scheduler started",
		"check_interval", e.config.CheckInterval.String())
}

// Stop halts the loop and waits for it to exit.
func (e *Evaluator) Stop() {
	e.runMutex.Lock()
	if !e.running {
		e.runMutex.Unlock()
		return
	}
	e.running = false
	e.cancel()
	e.runMutex.Unlock()

	e.wg.Wait()
	e.logger.InfoScheduler("scheduler stopped")
}

// loop ticks until the context is cancelled. Tick errors are isolated: they
// are logged and followed by a cooldown, never fatal.
func (e *Evaluator) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.CheckInterval)
	defer ticker.Stop()

	for {
		if err := e.Tick(ctx); err != nil {
			e.logger.ErrorScheduler("schedule evaluation failed", err)
			select {
			case <-time.After(e.config.ErrorCooldown):
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Tick evaluates every active schedule once.
func (e *Evaluator) Tick(ctx context.Context) error {
	now := e.now()

	schedules, err := e.store.ListActive(ctx)
	if err != nil {
		return err
	}

	for _, schedule := range schedules {
		if schedule.Status == db.ScheduleStatusRunning {
			continue
		}

		if schedule.NextRun == nil {
			e.bootstrap(ctx, schedule, now)
			continue
		}

		if !schedule.NextRun.After(now) {
			e.trigger(ctx, schedule, now)
		}
	}
	return nil
}

// bootstrap fills in a missing next_run without triggering. A schedule with
// no further runs is marked completed.
func (e *Evaluator) bootstrap(ctx context.Context, schedule *db.ScheduledScan, now time.Time) {
	next := schedule.CalculateNextRun(now)
	if next == nil {
		if err := e.store.UpdateStatus(ctx, schedule.ID, db.ScheduleStatusCompleted); err != nil {
			e.logger.ErrorScheduler("failed to retire schedule", err,
				"schedule_id", schedule.ID.String())
		}
		return
	}

	if err := e.store.SetNextRun(ctx, schedule.ID, next); err != nil {
		e.logger.ErrorScheduler("failed to bootstrap next run", err,
			"schedule_id", schedule.ID.String())
	}
}

// trigger starts the scheduled scan and advances the recurrence.
func (e *Evaluator) trigger(ctx context.Context, schedule *db.ScheduledScan, now time.Time) {
	if err := e.store.UpdateStatus(ctx, schedule.ID, db.ScheduleStatusRunning); err != nil {
		e.logger.ErrorScheduler("failed to mark schedule running", err,
			"schedule_id", schedule.ID.String())
		return
	}

	scheduleID := schedule.ID
	jobID, err := e.scans.StartScan(schedule.Target, schedule.Profile,
		func(jID uuid.UUID, progress float64) {
			e.onProgress(scheduleID, jID, progress)
		})
	if err != nil {
		e.logger.ErrorScheduler("failed to start scheduled scan", err,
			"schedule_id", schedule.ID.String(), "target", schedule.Target)
		metrics.IncrementScheduleErrors("trigger")
		if statusErr := e.store.UpdateStatus(ctx, schedule.ID, db.ScheduleStatusError); statusErr != nil {
			e.logger.ErrorScheduler("failed to mark schedule errored", statusErr,
				"schedule_id", schedule.ID.String())
		}
		return
	}

	e.mutex.Lock()
	e.active[schedule.ID] = activeScan{
		jobID:     jobID,
		target:    schedule.Target,
		profile:   schedule.Profile,
		arguments: profiles.Arguments(schedule.Profile),
		startedAt: now,
	}
	active := len(e.active)
	e.mutex.Unlock()

	metrics.IncrementSchedulesTriggered(schedule.ScheduleType)
	metrics.SetActiveSchedules(active)

	// Advance the recurrence at trigger time, not completion time.
	schedule.LastRun = &now
	next := schedule.CalculateNextRun(now)
	if err := e.store.AdvanceRun(ctx, schedule.ID, now, next); err != nil {
		e.logger.ErrorScheduler("failed to advance schedule run", err,
			"schedule_id", schedule.ID.String())
	}

	e.logger.InfoScheduler("triggered scheduled scan",
		"schedule_id", schedule.ID.String(),
		"job_id", jobID.String(), "target", schedule.Target)
}

// onProgress is the completion handler bound to one schedule. Intermediate
// progress is ignored; the terminal sentinel persists the result and settles
// the schedule status.
func (e *Evaluator) onProgress(scheduleID, jobID uuid.UUID, progress float64) {
	if progress != scanner.ProgressComplete && progress >= 0 {
		return
	}

	ctx := context.Background()

	e.mutex.Lock()
	entry, tracked := e.active[scheduleID]
	delete(e.active, scheduleID)
	active := len(e.active)
	e.mutex.Unlock()

	// A missing entry means cancel or delete already settled the schedule.
	if !tracked {
		return
	}
	metrics.SetActiveSchedules(active)

	status := db.ScheduleStatusError
	if progress == scanner.ProgressComplete {
		status = db.ScheduleStatusCompleted

		if result, ok := e.scans.Result(jobID); ok {
			_, err := e.results.SaveScanResult(ctx, entry.target, entry.profile,
				entry.arguments, result, entry.startedAt, e.now())
			if err != nil {
				e.logger.ErrorScheduler("failed to save scheduled scan result", err,
					"schedule_id", scheduleID.String(), "job_id", jobID.String())
				metrics.IncrementScheduleErrors("persist")
			}
		}
	}

	if err := e.store.UpdateStatus(ctx, scheduleID, status); err != nil {
		e.logger.ErrorScheduler("failed to settle schedule status", err,
			"schedule_id", scheduleID.String())
		return
	}

	e.logger.InfoScheduler("scheduled scan finished",
		"schedule_id", scheduleID.String(),
		"job_id", jobID.String(), "status", status)
}

// Schedule validates a request and persists a new schedule with its initial
// next_run.
func (e *Evaluator) Schedule(ctx context.Context, req *ScheduleRequest) (*db.ScheduledScan, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, errors.WrapScheduleError(errors.CodeValidation,
			"invalid schedule request", err)
	}
	if !scanner.ValidTarget(req.Target) {
		return nil, errors.NewScheduleError(errors.CodeTargetInvalid,
			"invalid schedule target", req.Target)
	}

	schedule := &db.ScheduledScan{
		ID:            uuid.New(),
		Target:        req.Target,
		Profile:       req.Profile,
		ScheduleType:  req.Type,
		ScheduledTime: req.ScheduledTime,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
		Status:        db.ScheduleStatusPending,
		Metadata:      req.Metadata,
	}
	if req.IntervalType != "" {
		schedule.IntervalType = &req.IntervalType
	}
	if req.IntervalValue > 0 {
		schedule.IntervalValue = &req.IntervalValue
	}
	if req.CronExpression != "" {
		schedule.CronExpression = &req.CronExpression
	}

	switch req.Type {
	case db.ScheduleOneTime:
		schedule.NextRun = req.ScheduledTime
	default:
		schedule.NextRun = schedule.CalculateNextRun(e.now())
	}

	if err := e.store.Create(ctx, schedule); err != nil {
		return nil, err
	}
	return schedule, nil
}

// List returns all schedules, newest first.
func (e *Evaluator) List(ctx context.Context) ([]*db.ScheduledScan, error) {
	return e.store.List(ctx)
}

// CancelScheduled cancels a schedule. Terminal schedules are rejected; an
// active job is cancelled first.
func (e *Evaluator) CancelScheduled(ctx context.Context, id uuid.UUID) error {
	schedule, err := e.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if db.TerminalScheduleStatus(schedule.Status) {
		return errors.NewScheduleError(errors.CodeScheduleTerminal,
			"schedule already "+schedule.Status, id.String())
	}

	e.cancelActiveJob(id)
	return e.store.UpdateStatus(ctx, id, db.ScheduleStatusCancelled)
}

// DeleteScheduled removes a schedule, cancelling its active job first.
func (e *Evaluator) DeleteScheduled(ctx context.Context, id uuid.UUID) error {
	schedule, err := e.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if schedule.Status == db.ScheduleStatusRunning {
		e.cancelActiveJob(id)
	}
	return e.store.Delete(ctx, id)
}

func (e *Evaluator) cancelActiveJob(scheduleID uuid.UUID) {
	e.mutex.Lock()
	entry, ok := e.active[scheduleID]
	delete(e.active, scheduleID)
	e.mutex.Unlock()

	if ok {
		e.scans.CancelScan(entry.jobID)
	}
}

// ActiveCount returns the number of schedules with a running job.
func (e *Evaluator) ActiveCount() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return len(e.active)
}
