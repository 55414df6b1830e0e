package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Schedule types.
const (
	ScheduleOneTime   = "one_time"
	ScheduleRecurring = "recurring"
	ScheduleCron      = "cron"
)

// Recurrence interval units.
const (
	IntervalHours = "hours"
	IntervalDays  = "days"
	IntervalWeeks = "weeks"
)

// Schedule statuses.
const (
	ScheduleStatusPending   = "pending"
	ScheduleStatusRunning   = "running"
	ScheduleStatusCompleted = "completed"
	ScheduleStatusCancelled = "cancelled"
	ScheduleStatusError     = "error"
)

// TerminalScheduleStatus reports whether a schedule status permits no
// further transitions.
func TerminalScheduleStatus(status string) bool {
	switch status {
	case ScheduleStatusCompleted, ScheduleStatusCancelled, ScheduleStatusError:
		return true
	default:
		return false
	}
}

// JSONB wraps json.RawMessage for PostgreSQL JSONB columns.
type JSONB json.RawMessage

// Scan implements sql.Scanner.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		*j = JSONB(v)
		return nil
	case string:
		*j = JSONB([]byte(v))
		return nil
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return []byte(j), nil
}

// String returns the JSON string.
func (j JSONB) String() string {
	return string(j)
}

// MarshalJSON implements json.Marshaler.
func (j JSONB) MarshalJSON() ([]byte, error) {
	if j == nil {
		return []byte("null"), nil
	}
	return []byte(j), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (j *JSONB) UnmarshalJSON(data []byte) error {
	*j = JSONB(data)
	return nil
}

// Scan is a persisted scan run.
type Scan struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	Target     string     `db:"target" json:"target"`
	Profile    string     `db:"profile" json:"profile"`
	Arguments  string     `db:"arguments" json:"arguments"`
	Status     string     `db:"status" json:"status"`
	StartedAt  time.Time  `db:"started_at" json:"started_at"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	Elapsed    float64    `db:"elapsed" json:"elapsed"`
	Summary    *string    `db:"summary" json:"summary,omitempty"`
	HostsUp    int        `db:"hosts_up" json:"hosts_up"`
	HostsDown  int        `db:"hosts_down" json:"hosts_down"`
	HostsTotal int        `db:"hosts_total" json:"hosts_total"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// Host is one host entry belonging to a scan.
type Host struct {
	ID       uuid.UUID `db:"id" json:"id"`
	ScanID   uuid.UUID `db:"scan_id" json:"scan_id"`
	Status   string    `db:"status" json:"status"`
	IP       string    `db:"ip" json:"ip"`
	MAC      *string   `db:"mac" json:"mac,omitempty"`
	Hostname *string   `db:"hostname" json:"hostname,omitempty"`
	OSName   *string   `db:"os_name" json:"os_name,omitempty"`
	OSInfo   JSONB     `db:"os_info" json:"os_info,omitempty"`
	Distance int       `db:"distance" json:"distance"`
}

// Port is one port finding belonging to a host.
type Port struct {
	ID          uuid.UUID `db:"id" json:"id"`
	HostID      uuid.UUID `db:"host_id" json:"host_id"`
	Protocol    string    `db:"protocol" json:"protocol"`
	Number      int       `db:"number" json:"number"`
	State       string    `db:"state" json:"state"`
	Reason      *string   `db:"reason" json:"reason,omitempty"`
	Service     *string   `db:"service" json:"service,omitempty"`
	VersionInfo *string   `db:"version_info" json:"version_info,omitempty"`
}

// ScriptOutput is the stored output of one scan script run against a port.
type ScriptOutput struct {
	ID       uuid.UUID `db:"id" json:"id"`
	PortID   uuid.UUID `db:"port_id" json:"port_id"`
	ScriptID string    `db:"script_id" json:"script_id"`
	Output   string    `db:"output" json:"output"`
}

// ScheduledScan is a persisted schedule definition.
type ScheduledScan struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	Target         string     `db:"target" json:"target"`
	Profile        string     `db:"profile" json:"profile"`
	ScheduleType   string     `db:"schedule_type" json:"schedule_type"`
	ScheduledTime  *time.Time `db:"scheduled_time" json:"scheduled_time,omitempty"`
	IntervalType   *string    `db:"interval_type" json:"interval_type,omitempty"`
	IntervalValue  *int       `db:"interval_value" json:"interval_value,omitempty"`
	CronExpression *string    `db:"cron_expression" json:"cron_expression,omitempty"`
	StartTime      *time.Time `db:"start_time" json:"start_time,omitempty"`
	EndTime        *time.Time `db:"end_time" json:"end_time,omitempty"`
	LastRun        *time.Time `db:"last_run" json:"last_run,omitempty"`
	NextRun        *time.Time `db:"next_run" json:"next_run,omitempty"`
	Status         string     `db:"status" json:"status"`
	Metadata       JSONB      `db:"metadata" json:"metadata,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// CalculateNextRun computes the next trigger time relative to now. A nil
// result means the schedule has no further runs.
func (s *ScheduledScan) CalculateNextRun(now time.Time) *time.Time {
	switch s.ScheduleType {
	case ScheduleOneTime:
		if s.ScheduledTime == nil {
			return nil
		}
		if s.LastRun != nil && !s.LastRun.Before(*s.ScheduledTime) {
			return nil
		}
		t := *s.ScheduledTime
		return &t

	case ScheduleRecurring:
		if s.LastRun == nil && s.StartTime != nil && s.StartTime.After(now) {
			t := *s.StartTime
			return &t
		}
		if s.EndTime != nil && now.After(*s.EndTime) {
			return nil
		}

		base := now
		if s.LastRun != nil {
			base = *s.LastRun
		}

		next := base.Add(s.interval())
		if s.EndTime != nil && next.After(*s.EndTime) {
			return nil
		}
		return &next

	case ScheduleCron:
		if s.CronExpression == nil {
			return nil
		}
		schedule, err := cron.ParseStandard(*s.CronExpression)
		if err != nil {
			return nil
		}
		next := schedule.Next(now)
		if next.IsZero() {
			return nil
		}
		if s.EndTime != nil && next.After(*s.EndTime) {
			return nil
		}
		return &next
	}

	return nil
}

// interval converts the recurrence fields to a duration. Unknown units
// fall back to one day.
func (s *ScheduledScan) interval() time.Duration {
	value := 1
	if s.IntervalValue != nil {
		value = *s.IntervalValue
	}

	unit := ""
	if s.IntervalType != nil {
		unit = *s.IntervalType
	}

	switch unit {
	case IntervalHours:
		return time.Duration(value) * time.Hour
	case IntervalDays:
		return time.Duration(value) * 24 * time.Hour
	case IntervalWeeks:
		return time.Duration(value) * 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}
