package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timePtr(t time.Time) *time.Time { return &t }
func strPtr(s string) *string        { return &s }
func intPtr(n int) *int              { return &n }

func TestCalculateNextRunOneTime(t *testing.T) {
	now := time.Date(2025, 8, 31, 12, 0, 0, 0, time.UTC)

	t.Run("future scheduled time", func(t *testing.T) {
		s := &ScheduledScan{
			ScheduleType:  ScheduleOneTime,
			ScheduledTime: timePtr(now.Add(time.Hour)),
		}
		next := s.CalculateNextRun(now)
		require.NotNil(t, next)
		assert.Equal(t, now.Add(time.Hour), *next)
	})

	t.Run("past scheduled time still due until run", func(t *testing.T) {
		s := &ScheduledScan{
			ScheduleType:  ScheduleOneTime,
			ScheduledTime: timePtr(now.Add(-time.Hour)),
		}
		next := s.CalculateNextRun(now)
		require.NotNil(t, next, "an overdue one-time schedule still fires")
		assert.Equal(t, now.Add(-time.Hour), *next)
	})

	t.Run("already run", func(t *testing.T) {
		s := &ScheduledScan{
			ScheduleType:  ScheduleOneTime,
			ScheduledTime: timePtr(now.Add(-time.Hour)),
			LastRun:       timePtr(now.Add(-time.Minute)),
		}
		assert.Nil(t, s.CalculateNextRun(now))
	})

	t.Run("no scheduled time", func(t *testing.T) {
		s := &ScheduledScan{ScheduleType: ScheduleOneTime}
		assert.Nil(t, s.CalculateNextRun(now))
	})
}

func TestCalculateNextRunRecurring(t *testing.T) {
	now := time.Date(2025, 8, 31, 12, 0, 0, 0, time.UTC)

	t.Run("not yet started", func(t *testing.T) {
		s := &ScheduledScan{
			ScheduleType:  ScheduleRecurring,
			StartTime:     timePtr(now.Add(2 * time.Hour)),
			IntervalType:  strPtr(IntervalHours),
			IntervalValue: intPtr(6),
		}
		next := s.CalculateNextRun(now)
		require.NotNil(t, next)
		assert.Equal(t, now.Add(2*time.Hour), *next, "first run is the start time")
	})

	t.Run("advances from last run", func(t *testing.T) {
		s := &ScheduledScan{
			ScheduleType:  ScheduleRecurring,
			StartTime:     timePtr(now.Add(-24 * time.Hour)),
			LastRun:       timePtr(now.Add(-time.Hour)),
			IntervalType:  strPtr(IntervalHours),
			IntervalValue: intPtr(6),
		}
		next := s.CalculateNextRun(now)
		require.NotNil(t, next)
		assert.Equal(t, now.Add(5*time.Hour), *next)
		assert.True(t, next.After(*s.LastRun), "next run follows last run")
	})

	t.Run("no last run uses now as base", func(t *testing.T) {
		s := &ScheduledScan{
			ScheduleType:  ScheduleRecurring,
			StartTime:     timePtr(now.Add(-time.Hour)),
			IntervalType:  strPtr(IntervalDays),
			IntervalValue: intPtr(2),
		}
		next := s.CalculateNextRun(now)
		require.NotNil(t, next)
		assert.Equal(t, now.Add(48*time.Hour), *next)
	})

	t.Run("week interval", func(t *testing.T) {
		s := &ScheduledScan{
			ScheduleType:  ScheduleRecurring,
			LastRun:       timePtr(now),
			IntervalType:  strPtr(IntervalWeeks),
			IntervalValue: intPtr(1),
		}
		next := s.CalculateNextRun(now)
		require.NotNil(t, next)
		assert.Equal(t, now.Add(7*24*time.Hour), *next)
	})

	t.Run("unknown interval unit defaults to one day", func(t *testing.T) {
		s := &ScheduledScan{
			ScheduleType:  ScheduleRecurring,
			LastRun:       timePtr(now),
			IntervalType:  strPtr("fortnights"),
			IntervalValue: intPtr(3),
		}
		next := s.CalculateNextRun(now)
		require.NotNil(t, next)
		assert.Equal(t, now.Add(24*time.Hour), *next)
	})

	t.Run("nil interval fields default to one day", func(t *testing.T) {
		s := &ScheduledScan{
			ScheduleType: ScheduleRecurring,
			LastRun:      timePtr(now),
		}
		next := s.CalculateNextRun(now)
		require.NotNil(t, next)
		assert.Equal(t, now.Add(24*time.Hour), *next)
	})

	t.Run("past end time", func(t *testing.T) {
		s := &ScheduledScan{
			ScheduleType:  ScheduleRecurring,
			LastRun:       timePtr(now.Add(-time.Hour)),
			EndTime:       timePtr(now.Add(-time.Minute)),
			IntervalType:  strPtr(IntervalHours),
			IntervalValue: intPtr(1),
		}
		assert.Nil(t, s.CalculateNextRun(now))
	})

	t.Run("next run would pass end time", func(t *testing.T) {
		s := &ScheduledScan{
			ScheduleType:  ScheduleRecurring,
			LastRun:       timePtr(now),
			EndTime:       timePtr(now.Add(30 * time.Minute)),
			IntervalType:  strPtr(IntervalHours),
			IntervalValue: intPtr(1),
		}
		assert.Nil(t, s.CalculateNextRun(now))
	})
}

func TestCalculateNextRunCron(t *testing.T) {
	now := time.Date(2025, 8, 31, 12, 30, 0, 0, time.UTC)

	t.Run("standard expression", func(t *testing.T) {
		s := &ScheduledScan{
			ScheduleType:   ScheduleCron,
			CronExpression: strPtr("CRON_TZ=UTC 0 * * * *"),
		}
		next := s.CalculateNextRun(now)
		require.NotNil(t, next)
		assert.Equal(t, time.Date(2025, 8, 31, 13, 0, 0, 0, time.UTC), *next)
	})

	t.Run("invalid expression", func(t *testing.T) {
		s := &ScheduledScan{
			ScheduleType:   ScheduleCron,
			CronExpression: strPtr("not a cron line"),
		}
		assert.Nil(t, s.CalculateNextRun(now))
	})

	t.Run("missing expression", func(t *testing.T) {
		s := &ScheduledScan{ScheduleType: ScheduleCron}
		assert.Nil(t, s.CalculateNextRun(now))
	})

	t.Run("past end time", func(t *testing.T) {
		s := &ScheduledScan{
			ScheduleType:   ScheduleCron,
			CronExpression: strPtr("CRON_TZ=UTC 0 * * * *"),
			EndTime:        timePtr(now.Add(time.Minute)),
		}
		assert.Nil(t, s.CalculateNextRun(now))
	})
}

func TestCalculateNextRunUnknownType(t *testing.T) {
	s := &ScheduledScan{ScheduleType: "interval"}
	assert.Nil(t, s.CalculateNextRun(time.Now()))
}

func TestTerminalScheduleStatus(t *testing.T) {
	assert.True(t, TerminalScheduleStatus(ScheduleStatusCompleted))
	assert.True(t, TerminalScheduleStatus(ScheduleStatusCancelled))
	assert.True(t, TerminalScheduleStatus(ScheduleStatusError))
	assert.False(t, TerminalScheduleStatus(ScheduleStatusPending))
	assert.False(t, TerminalScheduleStatus(ScheduleStatusRunning))
	assert.False(t, TerminalScheduleStatus(""))
}

func TestJSONB(t *testing.T) {
	t.Run("scan bytes", func(t *testing.T) {
		var j JSONB
		require.NoError(t, j.Scan([]byte(`{"a":1}`)))
		assert.Equal(t, `{"a":1}`, j.String())
	})

	t.Run("scan string", func(t *testing.T) {
		var j JSONB
		require.NoError(t, j.Scan(`{"b":2}`))
		assert.Equal(t, `{"b":2}`, j.String())
	})

	t.Run("scan nil", func(t *testing.T) {
		var j JSONB
		require.NoError(t, j.Scan(nil))
		assert.Nil(t, j)
	})

	t.Run("scan unsupported type", func(t *testing.T) {
		var j JSONB
		assert.Error(t, j.Scan(42))
	})

	t.Run("value round trip", func(t *testing.T) {
		j := JSONB(`{"c":3}`)
		v, err := j.Value()
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"c":3}`), v)
	})

	t.Run("nil value", func(t *testing.T) {
		var j JSONB
		v, err := j.Value()
		require.NoError(t, err)
		assert.Nil(t, v)
	})
}
