// Package profiles provides the scan façade for portwatch. It maps symbolic
// profile names to argument sets, starts scans through the execution engine,
// caches extracted results, and exposes environment checks for tool
// availability and privileges.
package profiles

import (
	"fmt"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/portwatch/portwatch/internal/errors"
	"github.com/portwatch/portwatch/internal/logging"
	"github.com/portwatch/portwatch/internal/metrics"
	"github.com/portwatch/portwatch/internal/scanner"
)

// Profile names accepted by StartScan.
const (
	ProfileQuick         = "Quick"
	ProfileFull          = "Full"
	ProfilePing          = "Ping"
	ProfileService       = "Service"
	ProfileOSDetection   = "OS Detection"
	ProfileComprehensive = "Comprehensive"
)

// profileArguments maps profile names to fixed argument strings. Unknown
// names fall back to the Quick arguments.
var profileArguments = map[string]string{
	ProfileQuick:         "-T4 -F",
	ProfileFull:          "-T4 -p-",
	ProfilePing:          "-sn",
	ProfileService:       "-sV",
	ProfileOSDetection:   "-O",
	ProfileComprehensive: "-T4 -A -v -PE -PP -PS80,443 -PA3389 -PU40125 -PY -g 53",
}

// ProfileNames returns the known profile names.
func ProfileNames() []string {
	return []string{
		ProfileQuick, ProfileFull, ProfilePing,
		ProfileService, ProfileOSDetection, ProfileComprehensive,
	}
}

// Arguments resolves a profile name to its argument string. Unknown names
// resolve to the Quick profile's arguments.
func Arguments(profile string) string {
	if args, ok := profileArguments[profile]; ok {
		return args
	}
	return profileArguments[ProfileQuick]
}

// RequiresPrivilege reports whether the named profile needs elevated
// privileges to run.
func RequiresPrivilege(profile string) bool {
	switch profile {
	case ProfileOSDetection, ProfileComprehensive:
		return true
	default:
		return false
	}
}

// ProgressFunc receives numeric progress for a job: values in [0,100] while
// the scan runs, then exactly one terminal code (100, -1 or -2).
type ProgressFunc func(jobID uuid.UUID, progress float64)

// versionPattern extracts the version token from the tool's banner.
var versionPattern = regexp.MustCompile(`Nmap version (\S+)`)

// Manager is the scan façade. It owns no job state beyond cached results;
// job lifecycle belongs to the engine.
type Manager struct {
	engine  *scanner.Engine
	logger  *logging.Logger
	binary  string
	mutex   sync.RWMutex
	results map[uuid.UUID]*scanner.Result
}

// NewManager creates a façade over the given engine.
func NewManager(engine *scanner.Engine, binary string, logger *logging.Logger) *Manager {
	if binary == "" {
		binary = "nmap"
	}
	if logger == nil {
		logger = logging.NewDefault()
	}
	return &Manager{
		engine:  engine,
		logger:  logger.WithComponent("profiles"),
		binary:  binary,
		results: make(map[uuid.UUID]*scanner.Result),
	}
}

// StartScan resolves the profile, wraps the caller's callback so completed
// results are cached by job id, and delegates to the engine.
func (m *Manager) StartScan(target, profile string, callback ProgressFunc) (uuid.UUID, error) {
	arguments := Arguments(profile)

	m.logger.Info("starting profile scan",
		"target", target, "profile", profile, "arguments", arguments)

	observe := func(ev scanner.Event) {
		if ev.Type == scanner.EventCompleted && ev.Result != nil {
			m.mutex.Lock()
			m.results[ev.JobID] = ev.Result
			m.mutex.Unlock()
		}
		if ev.Terminal() {
			m.recordOutcome(profile, ev)
		}
		if callback != nil {
			callback(ev.JobID, ev.Sentinel())
		}
	}

	return m.engine.Submit(target, arguments, observe)
}

// recordOutcome updates scan metrics from a terminal event.
func (m *Manager) recordOutcome(profile string, ev scanner.Event) {
	status := string(scanner.StatusFailed)
	var duration time.Duration
	if snap, ok := m.engine.Status(ev.JobID); ok {
		status = string(snap.Status)
		if !snap.StartedAt.IsZero() && !snap.FinishedAt.IsZero() {
			duration = snap.FinishedAt.Sub(snap.StartedAt)
		}
	}

	metrics.ObserveScan(profile, status, duration)
	if ev.Err != nil {
		metrics.IncrementScanErrors(profile, string(errors.GetCode(ev.Err)))
	}
}

// Result returns the cached extracted result for a completed job.
func (m *Manager) Result(jobID uuid.UUID) (*scanner.Result, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	result, ok := m.results[jobID]
	return result, ok
}

// CancelScan requests cancellation of a running job.
func (m *Manager) CancelScan(jobID uuid.UUID) bool {
	return m.engine.Cancel(jobID)
}

// Status returns the engine's snapshot of one job.
func (m *Manager) Status(jobID uuid.UUID) (scanner.JobStatus, bool) {
	return m.engine.Status(jobID)
}

// AllScans returns snapshots of every known job.
func (m *Manager) AllScans() map[uuid.UUID]scanner.JobStatus {
	return m.engine.AllStatuses()
}

// CheckNmapInstallation probes the scan tool and returns its version token.
func (m *Manager) CheckNmapInstallation() (string, error) {
	out, err := exec.Command(m.binary, "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("scan tool not available: %w", err)
	}

	match := versionPattern.FindSubmatch(out)
	if match == nil {
		return "", fmt.Errorf("could not determine scan tool version")
	}
	return string(match[1]), nil
}

// CheckPrivileges reports whether the current process can run privileged
// scan types. The check is side-effect free.
func (m *Manager) CheckPrivileges() bool {
	return processElevated()
}
