package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portwatch/portwatch/internal/db"
	"github.com/portwatch/portwatch/internal/errors"
	"github.com/portwatch/portwatch/internal/profiles"
	"github.com/portwatch/portwatch/internal/scanner"
)

func timePtr(t time.Time) *time.Time { return &t }
func strPtr(s string) *string        { return &s }
func intPtr(n int) *int              { return &n }

// fakeStore is an in-memory ScheduleStore.
type fakeStore struct {
	mu        sync.Mutex
	schedules map[uuid.UUID]*db.ScheduledScan
	listErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{schedules: make(map[uuid.UUID]*db.ScheduledScan)}
}

func (f *fakeStore) add(s *db.ScheduledScan) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	f.schedules[s.ID] = s
}

func (f *fakeStore) get(id uuid.UUID) *db.ScheduledScan {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.schedules[id]
}

func (f *fakeStore) Create(_ context.Context, s *db.ScheduledScan) error {
	f.add(s)
	return nil
}

func (f *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*db.ScheduledScan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schedules[id]
	if !ok {
		return nil, errors.NewStorageError(errors.CodeNotFound, "Resource not found")
	}
	return s, nil
}

func (f *fakeStore) List(_ context.Context) ([]*db.ScheduledScan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*db.ScheduledScan, 0, len(f.schedules))
	for _, s := range f.schedules {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) ListActive(_ context.Context) ([]*db.ScheduledScan, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*db.ScheduledScan
	for _, s := range f.schedules {
		if s.Status == db.ScheduleStatusPending || s.Status == db.ScheduleStatusRunning {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, id uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schedules[id]
	if !ok {
		return errors.NewStorageError(errors.CodeNotFound, "Resource not found")
	}
	s.Status = status
	return nil
}

func (f *fakeStore) AdvanceRun(_ context.Context, id uuid.UUID, lastRun time.Time, nextRun *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schedules[id]
	if !ok {
		return errors.NewStorageError(errors.CodeNotFound, "Resource not found")
	}
	s.LastRun = &lastRun
	s.NextRun = nextRun
	return nil
}

func (f *fakeStore) SetNextRun(_ context.Context, id uuid.UUID, nextRun *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schedules[id]
	if !ok {
		return errors.NewStorageError(errors.CodeNotFound, "Resource not found")
	}
	s.NextRun = nextRun
	return nil
}

func (f *fakeStore) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.schedules[id]; !ok {
		return errors.NewStorageError(errors.CodeNotFound, "Resource not found")
	}
	delete(f.schedules, id)
	return nil
}

// fakeResults records SaveScanResult calls.
type fakeResults struct {
	mu    sync.Mutex
	saved []savedResult
	err   error
}

type savedResult struct {
	target  string
	profile string
	result  *scanner.Result
}

func (f *fakeResults) SaveScanResult(_ context.Context, target, profile, _ string,
	result *scanner.Result, _, _ time.Time) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return uuid.Nil, f.err
	}
	f.saved = append(f.saved, savedResult{target: target, profile: profile, result: result})
	return uuid.New(), nil
}

func (f *fakeResults) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

// fakeRunner captures StartScan calls and lets tests drive callbacks.
type fakeRunner struct {
	mu        sync.Mutex
	started   []startedScan
	startErr  error
	results   map[uuid.UUID]*scanner.Result
	cancelled []uuid.UUID
}

type startedScan struct {
	jobID    uuid.UUID
	target   string
	profile  string
	callback profiles.ProgressFunc
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{results: make(map[uuid.UUID]*scanner.Result)}
}

func (f *fakeRunner) StartScan(target, profile string, callback profiles.ProgressFunc) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return uuid.Nil, f.startErr
	}
	jobID := uuid.New()
	f.started = append(f.started, startedScan{
		jobID: jobID, target: target, profile: profile, callback: callback,
	})
	return jobID, nil
}

func (f *fakeRunner) Result(jobID uuid.UUID) (*scanner.Result, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[jobID]
	return r, ok
}

func (f *fakeRunner) CancelScan(jobID uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return true
}

func (f *fakeRunner) lastStarted(t *testing.T) startedScan {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.started)
	return f.started[len(f.started)-1]
}

func (f *fakeRunner) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

type testHarness struct {
	evaluator *Evaluator
	store     *fakeStore
	results   *fakeResults
	runner    *fakeRunner
	now       time.Time
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		store:   newFakeStore(),
		results: &fakeResults{},
		runner:  newFakeRunner(),
		now:     time.Date(2025, 8, 31, 12, 0, 0, 0, time.UTC),
	}
	h.evaluator = New(DefaultConfig(), h.store, h.results, h.runner, nil)
	h.evaluator.now = func() time.Time { return h.now }
	return h
}

func TestTickBootstrapsNextRun(t *testing.T) {
	h := newHarness(t)

	s := &db.ScheduledScan{
		Target:        "10.0.0.0/24",
		Profile:       profiles.ProfileQuick,
		ScheduleType:  db.ScheduleRecurring,
		StartTime:     timePtr(h.now.Add(2 * time.Hour)),
		IntervalType:  strPtr(db.IntervalHours),
		IntervalValue: intPtr(6),
		Status:        db.ScheduleStatusPending,
	}
	h.store.add(s)

	require.NoError(t, h.evaluator.Tick(context.Background()))

	got := h.store.get(s.ID)
	require.NotNil(t, got.NextRun)
	assert.Equal(t, h.now.Add(2*time.Hour), *got.NextRun)
	assert.Zero(t, h.runner.startCount(), "bootstrap must not trigger")
	assert.Equal(t, db.ScheduleStatusPending, got.Status)
}

func TestTickRetiresSpentSchedule(t *testing.T) {
	h := newHarness(t)

	s := &db.ScheduledScan{
		Target:        "127.0.0.1",
		Profile:       profiles.ProfileQuick,
		ScheduleType:  db.ScheduleOneTime,
		ScheduledTime: timePtr(h.now.Add(-2 * time.Hour)),
		LastRun:       timePtr(h.now.Add(-time.Hour)),
		Status:        db.ScheduleStatusPending,
	}
	h.store.add(s)

	require.NoError(t, h.evaluator.Tick(context.Background()))

	assert.Equal(t, db.ScheduleStatusCompleted, h.store.get(s.ID).Status)
	assert.Zero(t, h.runner.startCount())
}

func TestTickSkipsRunningSchedules(t *testing.T) {
	h := newHarness(t)

	s := &db.ScheduledScan{
		Target:       "127.0.0.1",
		Profile:      profiles.ProfileQuick,
		ScheduleType: db.ScheduleOneTime,
		NextRun:      timePtr(h.now.Add(-time.Minute)),
		Status:       db.ScheduleStatusRunning,
	}
	h.store.add(s)

	require.NoError(t, h.evaluator.Tick(context.Background()))
	assert.Zero(t, h.runner.startCount())
}

func TestTickTriggersDueSchedule(t *testing.T) {
	h := newHarness(t)

	s := &db.ScheduledScan{
		Target:        "10.0.0.0/24",
		Profile:       profiles.ProfileService,
		ScheduleType:  db.ScheduleRecurring,
		IntervalType:  strPtr(db.IntervalHours),
		IntervalValue: intPtr(6),
		NextRun:       timePtr(h.now.Add(-time.Minute)),
		Status:        db.ScheduleStatusPending,
	}
	h.store.add(s)

	require.NoError(t, h.evaluator.Tick(context.Background()))

	started := h.runner.lastStarted(t)
	assert.Equal(t, "10.0.0.0/24", started.target)
	assert.Equal(t, profiles.ProfileService, started.profile)

	got := h.store.get(s.ID)
	assert.Equal(t, db.ScheduleStatusRunning, got.Status)
	require.NotNil(t, got.LastRun)
	assert.Equal(t, h.now, *got.LastRun, "last_run advanced at trigger time")
	require.NotNil(t, got.NextRun)
	assert.Equal(t, h.now.Add(6*time.Hour), *got.NextRun)
	assert.Equal(t, 1, h.evaluator.ActiveCount())
}

func TestTickNotYetDue(t *testing.T) {
	h := newHarness(t)

	s := &db.ScheduledScan{
		Target:       "127.0.0.1",
		Profile:      profiles.ProfileQuick,
		ScheduleType: db.ScheduleOneTime,
		NextRun:      timePtr(h.now.Add(time.Hour)),
		Status:       db.ScheduleStatusPending,
	}
	h.store.add(s)

	require.NoError(t, h.evaluator.Tick(context.Background()))
	assert.Zero(t, h.runner.startCount())
	assert.Equal(t, db.ScheduleStatusPending, h.store.get(s.ID).Status)
}

func TestTriggerStartFailure(t *testing.T) {
	h := newHarness(t)
	h.runner.startErr = fmt.Errorf("engine unavailable")

	s := &db.ScheduledScan{
		Target:       "127.0.0.1",
		Profile:      profiles.ProfileQuick,
		ScheduleType: db.ScheduleOneTime,
		NextRun:      timePtr(h.now.Add(-time.Minute)),
		Status:       db.ScheduleStatusPending,
	}
	h.store.add(s)

	require.NoError(t, h.evaluator.Tick(context.Background()))
	assert.Equal(t, db.ScheduleStatusError, h.store.get(s.ID).Status)
	assert.Zero(t, h.evaluator.ActiveCount())
}

func TestTickListFailureSurfaces(t *testing.T) {
	h := newHarness(t)
	h.store.listErr = fmt.Errorf("connection refused")

	assert.Error(t, h.evaluator.Tick(context.Background()))
}

func TestCompletionPersistsResult(t *testing.T) {
	h := newHarness(t)

	s := &db.ScheduledScan{
		Target:       "127.0.0.1",
		Profile:      profiles.ProfileQuick,
		ScheduleType: db.ScheduleOneTime,
		NextRun:      timePtr(h.now.Add(-time.Minute)),
		Status:       db.ScheduleStatusPending,
	}
	h.store.add(s)
	require.NoError(t, h.evaluator.Tick(context.Background()))

	started := h.runner.lastStarted(t)
	h.runner.mu.Lock()
	h.runner.results[started.jobID] = &scanner.Result{
		Hosts: []scanner.Host{{Status: "up", IP: "127.0.0.1"}},
	}
	h.runner.mu.Unlock()

	started.callback(started.jobID, 100)

	assert.Equal(t, db.ScheduleStatusCompleted, h.store.get(s.ID).Status)
	assert.Equal(t, 1, h.results.count())
	assert.Zero(t, h.evaluator.ActiveCount())
}

func TestCompletionFailureSetsError(t *testing.T) {
	h := newHarness(t)

	s := &db.ScheduledScan{
		Target:       "127.0.0.1",
		Profile:      profiles.ProfileQuick,
		ScheduleType: db.ScheduleOneTime,
		NextRun:      timePtr(h.now.Add(-time.Minute)),
		Status:       db.ScheduleStatusPending,
	}
	h.store.add(s)
	require.NoError(t, h.evaluator.Tick(context.Background()))

	started := h.runner.lastStarted(t)
	started.callback(started.jobID, -1)

	assert.Equal(t, db.ScheduleStatusError, h.store.get(s.ID).Status)
	assert.Zero(t, h.results.count(), "failed scans persist nothing")
	assert.Zero(t, h.evaluator.ActiveCount())
}

func TestCompletionIgnoresIntermediateProgress(t *testing.T) {
	h := newHarness(t)

	s := &db.ScheduledScan{
		Target:       "127.0.0.1",
		Profile:      profiles.ProfileQuick,
		ScheduleType: db.ScheduleOneTime,
		NextRun:      timePtr(h.now.Add(-time.Minute)),
		Status:       db.ScheduleStatusPending,
	}
	h.store.add(s)
	require.NoError(t, h.evaluator.Tick(context.Background()))

	started := h.runner.lastStarted(t)
	started.callback(started.jobID, 42.5)

	assert.Equal(t, db.ScheduleStatusRunning, h.store.get(s.ID).Status)
	assert.Equal(t, 1, h.evaluator.ActiveCount())
}

func TestSchedule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	t.Run("one time uses scheduled time as next run", func(t *testing.T) {
		when := h.now.Add(3 * time.Hour)
		schedule, err := h.evaluator.Schedule(ctx, &ScheduleRequest{
			Target:        "127.0.0.1",
			Profile:       profiles.ProfileQuick,
			Type:          db.ScheduleOneTime,
			ScheduledTime: &when,
		})
		require.NoError(t, err)
		require.NotNil(t, schedule.NextRun)
		assert.Equal(t, when, *schedule.NextRun)
		assert.Equal(t, db.ScheduleStatusPending, schedule.Status)
	})

	t.Run("recurring computes next run", func(t *testing.T) {
		schedule, err := h.evaluator.Schedule(ctx, &ScheduleRequest{
			Target:        "10.0.0.0/24",
			Profile:       profiles.ProfileService,
			Type:          db.ScheduleRecurring,
			IntervalType:  db.IntervalHours,
			IntervalValue: 12,
		})
		require.NoError(t, err)
		require.NotNil(t, schedule.NextRun)
		assert.Equal(t, h.now.Add(12*time.Hour), *schedule.NextRun)
	})

	t.Run("cron computes next run", func(t *testing.T) {
		schedule, err := h.evaluator.Schedule(ctx, &ScheduleRequest{
			Target:         "scanme.nmap.org",
			Profile:        profiles.ProfileQuick,
			Type:           db.ScheduleCron,
			CronExpression: "CRON_TZ=UTC 0 3 * * *",
		})
		require.NoError(t, err)
		require.NotNil(t, schedule.NextRun)
		assert.Equal(t, time.Date(2025, 9, 1, 3, 0, 0, 0, time.UTC), *schedule.NextRun)
	})

	t.Run("missing target", func(t *testing.T) {
		_, err := h.evaluator.Schedule(ctx, &ScheduleRequest{
			Profile: profiles.ProfileQuick,
			Type:    db.ScheduleOneTime,
		})
		require.Error(t, err)
		assert.Equal(t, errors.CodeValidation, errors.GetCode(err))
	})

	t.Run("unknown schedule type", func(t *testing.T) {
		_, err := h.evaluator.Schedule(ctx, &ScheduleRequest{
			Target:  "127.0.0.1",
			Profile: profiles.ProfileQuick,
			Type:    "hourly",
		})
		assert.Error(t, err)
	})

	t.Run("recurring without interval", func(t *testing.T) {
		_, err := h.evaluator.Schedule(ctx, &ScheduleRequest{
			Target:  "127.0.0.1",
			Profile: profiles.ProfileQuick,
			Type:    db.ScheduleRecurring,
		})
		assert.Error(t, err)
	})

	t.Run("invalid target", func(t *testing.T) {
		when := h.now.Add(time.Hour)
		_, err := h.evaluator.Schedule(ctx, &ScheduleRequest{
			Target:        "10.0.0.256",
			Profile:       profiles.ProfileQuick,
			Type:          db.ScheduleOneTime,
			ScheduledTime: &when,
		})
		require.Error(t, err)
		assert.Equal(t, errors.CodeTargetInvalid, errors.GetCode(err))
	})
}

func TestCancelScheduled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	t.Run("pending schedule", func(t *testing.T) {
		s := &db.ScheduledScan{
			Target:       "127.0.0.1",
			Profile:      profiles.ProfileQuick,
			ScheduleType: db.ScheduleOneTime,
			Status:       db.ScheduleStatusPending,
		}
		h.store.add(s)

		require.NoError(t, h.evaluator.CancelScheduled(ctx, s.ID))
		assert.Equal(t, db.ScheduleStatusCancelled, h.store.get(s.ID).Status)
	})

	t.Run("running schedule cancels active job", func(t *testing.T) {
		s := &db.ScheduledScan{
			Target:       "127.0.0.1",
			Profile:      profiles.ProfileQuick,
			ScheduleType: db.ScheduleOneTime,
			NextRun:      timePtr(h.now.Add(-time.Minute)),
			Status:       db.ScheduleStatusPending,
		}
		h.store.add(s)
		require.NoError(t, h.evaluator.Tick(ctx))
		started := h.runner.lastStarted(t)

		require.NoError(t, h.evaluator.CancelScheduled(ctx, s.ID))
		assert.Equal(t, db.ScheduleStatusCancelled, h.store.get(s.ID).Status)
		assert.Contains(t, h.runner.cancelled, started.jobID)

		// The job's terminal callback must not overwrite the settled status.
		started.callback(started.jobID, -1)
		assert.Equal(t, db.ScheduleStatusCancelled, h.store.get(s.ID).Status)
	})

	t.Run("terminal schedule rejected", func(t *testing.T) {
		s := &db.ScheduledScan{
			Target:       "127.0.0.1",
			Profile:      profiles.ProfileQuick,
			ScheduleType: db.ScheduleOneTime,
			Status:       db.ScheduleStatusCompleted,
		}
		h.store.add(s)

		err := h.evaluator.CancelScheduled(ctx, s.ID)
		require.Error(t, err)
		assert.Equal(t, errors.CodeScheduleTerminal, errors.GetCode(err))
	})

	t.Run("unknown schedule", func(t *testing.T) {
		err := h.evaluator.CancelScheduled(ctx, uuid.New())
		require.Error(t, err)
		assert.Equal(t, errors.CodeNotFound, errors.GetCode(err))
	})
}

func TestDeleteScheduled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	t.Run("pending schedule removed", func(t *testing.T) {
		s := &db.ScheduledScan{
			Target:       "127.0.0.1",
			Profile:      profiles.ProfileQuick,
			ScheduleType: db.ScheduleOneTime,
			Status:       db.ScheduleStatusPending,
		}
		h.store.add(s)

		require.NoError(t, h.evaluator.DeleteScheduled(ctx, s.ID))
		assert.Nil(t, h.store.get(s.ID))
	})

	t.Run("running schedule cancels job first", func(t *testing.T) {
		s := &db.ScheduledScan{
			Target:       "127.0.0.1",
			Profile:      profiles.ProfileQuick,
			ScheduleType: db.ScheduleOneTime,
			NextRun:      timePtr(h.now.Add(-time.Minute)),
			Status:       db.ScheduleStatusPending,
		}
		h.store.add(s)
		require.NoError(t, h.evaluator.Tick(ctx))
		started := h.runner.lastStarted(t)

		require.NoError(t, h.evaluator.DeleteScheduled(ctx, s.ID))
		assert.Nil(t, h.store.get(s.ID))
		assert.Contains(t, h.runner.cancelled, started.jobID)
	})
}

func TestStartStop(t *testing.T) {
	h := newHarness(t)

	h.evaluator.Start()
	h.evaluator.Start() // second start is a no-op
	h.evaluator.Stop()
	h.evaluator.Stop() // second stop is a no-op
}
