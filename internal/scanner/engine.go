package scanner

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/portwatch/portwatch/internal/errors"
	"github.com/portwatch/portwatch/internal/logging"
	"github.com/portwatch/portwatch/internal/metrics"
)

// Status is the lifecycle state of a scan job.
type Status string

const (
	StatusRunning          Status = "running"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
	StatusPermissionDenied Status = "permission_denied"
)

// Progress sentinels reported through the terminal event of every job.
const (
	ProgressComplete         = 100.0
	ProgressFailed           = -1.0
	ProgressPermissionDenied = -2.0
)

// EventType identifies the kind of event emitted for a job.
type EventType string

const (
	EventProgress         EventType = "progress"
	EventCompleted        EventType = "completed"
	EventFailed           EventType = "failed"
	EventPermissionDenied EventType = "permission_denied"
)

// Event is a single lifecycle notification for a scan job. Progress events
// may arrive zero or more times; exactly one of the terminal kinds
// (completed, failed, permission_denied) follows them.
type Event struct {
	Type     EventType
	JobID    uuid.UUID
	Progress float64
	Result   *Result
	Err      error
}

// Terminal reports whether the event ends the job's lifecycle.
func (e Event) Terminal() bool {
	return e.Type != EventProgress
}

// Sentinel maps the event to its numeric progress code.
func (e Event) Sentinel() float64 {
	switch e.Type {
	case EventCompleted:
		return ProgressComplete
	case EventFailed:
		return ProgressFailed
	case EventPermissionDenied:
		return ProgressPermissionDenied
	default:
		return e.Progress
	}
}

// EventFunc observes job events. It is invoked from the job's worker
// goroutine and must not block for long.
type EventFunc func(Event)

// JobStatus is a point-in-time snapshot of a scan job.
type JobStatus struct {
	ID                uuid.UUID
	Target            string
	Arguments         string
	Status            Status
	Progress          float64
	CreatedAt         time.Time
	StartedAt         time.Time
	FinishedAt        time.Time
	Error             string
	RequiresPrivilege bool
	Result            *Result
}

// job is the engine-private mutable record for one scan.
type job struct {
	id                uuid.UUID
	target            string
	arguments         string
	status            Status
	progress          float64
	createdAt         time.Time
	startedAt         time.Time
	finishedAt        time.Time
	errMsg            string
	requiresPrivilege bool
	result            *Result
	observe           EventFunc
	process           *os.Process
	cancelled         bool
	finished          bool
	done              chan struct{}
}

// Config holds engine settings.
type Config struct {
	// Binary is the scan tool executable, "nmap" by default.
	Binary string

	// MaxConcurrentScans caps simultaneously executing jobs.
	MaxConcurrentScans int

	// StatsInterval controls how often the tool reports progress.
	StatsInterval time.Duration

	// StopGracePeriod is how long a cancelled process gets after SIGTERM
	// before it is killed.
	StopGracePeriod time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Binary:             "nmap",
		MaxConcurrentScans: 3,
		StatsInterval:      2 * time.Second,
		StopGracePeriod:    5 * time.Second,
	}
}

// progressPattern matches the tool's periodic stats lines.
var progressPattern = regexp.MustCompile(`About (\d+(?:\.\d+)?)% done`)

// privilegeDiagnostics are stderr substrings that indicate the scan needed
// elevated privileges.
var privilegeDiagnostics = []string{
	"requires root privileges",
	"requires privileged access",
}

// privilegedFlags are argument tokens that need elevated privileges to run.
var privilegedFlags = map[string]bool{
	"-O":             true,
	"--osscan-guess": true,
	"-sS":            true,
	"-A":             true,
}

// Engine executes scan jobs under bounded concurrency and tracks their
// lifecycle. All exported methods are safe for concurrent use.
type Engine struct {
	config    Config
	resources ResourceManager
	logger    *logging.Logger

	mutex sync.RWMutex
	jobs  map[uuid.UUID]*job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine with the given configuration.
func NewEngine(config Config, logger *logging.Logger) *Engine {
	if config.Binary == "" {
		config.Binary = "nmap"
	}
	if config.MaxConcurrentScans <= 0 {
		config.MaxConcurrentScans = 3
	}
	if config.StatsInterval <= 0 {
		config.StatsInterval = 2 * time.Second
	}
	if config.StopGracePeriod <= 0 {
		config.StopGracePeriod = 5 * time.Second
	}
	if logger == nil {
		logger = logging.NewDefault()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		config:    config,
		resources: NewFixedResourceManager(config.MaxConcurrentScans),
		logger:    logger.WithComponent("scanner"),
		jobs:      make(map[uuid.UUID]*job),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit validates the target, registers a running job and schedules it for
// asynchronous execution. The returned id is valid immediately; observe, if
// non-nil, receives progress events followed by exactly one terminal event.
func (e *Engine) Submit(target, arguments string, observe EventFunc) (uuid.UUID, error) {
	if !ValidTarget(target) {
		return uuid.Nil, errors.ErrInvalidTarget(target)
	}

	sanitized, err := SanitizeArgs(arguments)
	if err != nil {
		return uuid.Nil, errors.WrapScanError(errors.CodeValidation,
			"invalid scan arguments", err)
	}

	id := uuid.New()
	j := &job{
		id:                id,
		target:            target,
		arguments:         sanitized,
		status:            StatusRunning,
		createdAt:         time.Now(),
		requiresPrivilege: requiresPrivilege(sanitized),
		observe:           observe,
		done:              make(chan struct{}),
	}

	e.mutex.Lock()
	e.jobs[id] = j
	e.mutex.Unlock()

	e.wg.Add(1)
	go e.run(j)

	return id, nil
}

// Status returns a snapshot of the given job, or false if it is unknown.
func (e *Engine) Status(id uuid.UUID) (JobStatus, bool) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	j, ok := e.jobs[id]
	if !ok {
		return JobStatus{}, false
	}
	return snapshot(j), true
}

// AllStatuses returns snapshots of every known job keyed by id.
func (e *Engine) AllStatuses() map[uuid.UUID]JobStatus {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	out := make(map[uuid.UUID]JobStatus, len(e.jobs))
	for id, j := range e.jobs {
		out[id] = snapshot(j)
	}
	return out
}

// Cancel requests cancellation of a running job. It returns true only when
// the job exists and was still running; the job's status reads cancelled as
// soon as Cancel returns. The process group receives SIGTERM and, after the
// grace period, SIGKILL. The worker still emits the job's single terminal
// event once the process settles.
func (e *Engine) Cancel(id uuid.UUID) bool {
	e.mutex.Lock()
	j, ok := e.jobs[id]
	if !ok || j.status != StatusRunning {
		e.mutex.Unlock()
		return false
	}
	j.cancelled = true
	j.status = StatusCancelled
	process := j.process
	done := j.done
	e.mutex.Unlock()

	e.logger.InfoScan("cancelling scan", j.target, "job_id", id.String())

	if process != nil {
		_ = terminateProcess(process.Pid)
		go func() {
			select {
			case <-done:
			case <-time.After(e.config.StopGracePeriod):
				_ = killProcess(process.Pid)
			}
		}()
	}
	return true
}

// Wait blocks until every submitted job has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close cancels all running jobs, waits for workers to drain and releases
// the engine's resources.
func (e *Engine) Close() error {
	e.mutex.RLock()
	ids := make([]uuid.UUID, 0, len(e.jobs))
	for id, j := range e.jobs {
		if j.status == StatusRunning {
			ids = append(ids, id)
		}
	}
	e.mutex.RUnlock()

	for _, id := range ids {
		e.Cancel(id)
	}

	e.cancel()
	e.wg.Wait()
	return e.resources.Close()
}

// run executes one job end to end. It owns the job's terminal transition.
func (e *Engine) run(j *job) {
	defer e.wg.Done()
	defer close(j.done)

	if err := e.resources.Acquire(e.ctx, j.id.String()); err != nil {
		e.finish(j, StatusFailed, nil,
			fmt.Sprintf("could not acquire scan slot: %v", err))
		return
	}
	defer func() {
		e.resources.Release(j.id.String())
		metrics.SetActiveScans(e.resources.ActiveJobs())
	}()
	metrics.SetActiveScans(e.resources.ActiveJobs())

	e.mutex.Lock()
	if j.cancelled {
		e.mutex.Unlock()
		e.finish(j, StatusCancelled, nil, "scan cancelled before start")
		return
	}
	j.startedAt = time.Now()
	e.mutex.Unlock()

	tmpFile, err := os.CreateTemp("", "portwatch-*.xml")
	if err != nil {
		e.finish(j, StatusFailed, nil,
			fmt.Sprintf("could not create report file: %v", err))
		return
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()
	defer os.Remove(tmpPath)

	tokens, err := SplitArgs(j.arguments)
	if err != nil {
		e.finish(j, StatusFailed, nil,
			fmt.Sprintf("could not tokenize arguments: %v", err))
		return
	}

	interval := strconv.Itoa(int(e.config.StatsInterval.Seconds())) + "s"
	args := append(tokens, "-oX", tmpPath, "--stats-every", interval, j.target)

	cmd := exec.Command(e.config.Binary, args...)
	setProcessGroup(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		e.finish(j, StatusFailed, nil,
			fmt.Sprintf("could not open scan output: %v", err))
		return
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	e.logger.InfoScan("starting scan", j.target,
		"job_id", j.id.String(), "arguments", j.arguments)

	if err := cmd.Start(); err != nil {
		if isNotFound(err) {
			e.finish(j, StatusFailed, nil,
				fmt.Sprintf("scan tool not found: %s", e.config.Binary))
			return
		}
		e.finish(j, StatusFailed, nil,
			fmt.Sprintf("could not start scan: %v", err))
		return
	}

	e.mutex.Lock()
	cancelled := j.cancelled
	j.process = cmd.Process
	e.mutex.Unlock()

	if cancelled {
		// Cancel ran before the process existed, so it armed no kill
		// escalation. Do both here.
		pid := cmd.Process.Pid
		done := j.done
		_ = terminateProcess(pid)
		go func() {
			select {
			case <-done:
			case <-time.After(e.config.StopGracePeriod):
				_ = killProcess(pid)
			}
		}()
	}

	scannerOut := bufio.NewScanner(stdout)
	for scannerOut.Scan() {
		line := scannerOut.Text()
		if m := progressPattern.FindStringSubmatch(line); m != nil {
			if pct, perr := strconv.ParseFloat(m[1], 64); perr == nil {
				e.publishProgress(j, pct)
			}
		}
	}

	waitErr := cmd.Wait()

	e.mutex.RLock()
	cancelled = j.cancelled
	e.mutex.RUnlock()

	if cancelled {
		e.finish(j, StatusCancelled, nil, "scan cancelled")
		return
	}

	if waitErr != nil {
		diag := strings.TrimSpace(stderr.String())
		if isPrivilegeDiagnostic(diag) {
			e.finish(j, StatusPermissionDenied, nil,
				"scan requires elevated privileges")
			return
		}
		exitCode := -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		e.finish(j, StatusFailed, nil,
			fmt.Sprintf("scan exited with code %d: %s", exitCode, diag))
		return
	}

	raw, err := os.ReadFile(tmpPath)
	if err != nil {
		e.finish(j, StatusFailed, nil,
			fmt.Sprintf("could not read scan report: %v", err))
		return
	}

	result := ExtractResult(raw)
	if result.Error != "" {
		e.finish(j, StatusFailed, result,
			fmt.Sprintf("could not parse scan report: %s", result.Error))
		return
	}

	e.finish(j, StatusCompleted, result, "")
}

// publishProgress records a progress figure and notifies the observer.
func (e *Engine) publishProgress(j *job, pct float64) {
	e.mutex.Lock()
	if j.status != StatusRunning {
		e.mutex.Unlock()
		return
	}
	j.progress = pct
	e.mutex.Unlock()

	if j.observe != nil {
		j.observe(Event{
			Type:     EventProgress,
			JobID:    j.id,
			Progress: pct,
		})
	}
}

// finish transitions the job to a terminal status and emits exactly one
// terminal event. Later calls for the same job are ignored.
func (e *Engine) finish(j *job, status Status, result *Result, errMsg string) {
	e.mutex.Lock()
	if j.finished {
		e.mutex.Unlock()
		return
	}
	j.finished = true
	if j.status == StatusCancelled {
		// Cancel already settled the visible status; the worker's own
		// classification of the exit no longer applies.
		status = StatusCancelled
		if errMsg == "" {
			errMsg = "scan cancelled"
		}
	} else {
		j.status = status
	}
	j.finishedAt = time.Now()
	j.result = result
	j.errMsg = errMsg
	switch status {
	case StatusCompleted:
		j.progress = ProgressComplete
	case StatusPermissionDenied:
		j.progress = ProgressPermissionDenied
	default:
		j.progress = ProgressFailed
	}
	observe := j.observe
	e.mutex.Unlock()

	switch status {
	case StatusCompleted:
		e.logger.InfoScan("scan completed", j.target, "job_id", j.id.String())
	default:
		e.logger.ErrorScan("scan did not complete", j.target,
			errors.NewScanErrorWithTarget(errors.CodeScanFailed, errMsg, j.target),
			"job_id", j.id.String(), "status", string(status))
	}

	if observe == nil {
		return
	}

	switch status {
	case StatusCompleted:
		observe(Event{Type: EventCompleted, JobID: j.id, Progress: ProgressComplete, Result: result})
	case StatusPermissionDenied:
		observe(Event{
			Type:     EventPermissionDenied,
			JobID:    j.id,
			Progress: ProgressPermissionDenied,
			Err:      errors.ErrPrivilegesRequired(j.target),
		})
	case StatusCancelled:
		observe(Event{
			Type:     EventFailed,
			JobID:    j.id,
			Progress: ProgressFailed,
			Result:   result,
			Err:      errors.ErrScanCanceled(j.target),
		})
	default:
		observe(Event{
			Type:     EventFailed,
			JobID:    j.id,
			Progress: ProgressFailed,
			Result:   result,
			Err:      errors.NewScanErrorWithTarget(errors.CodeScanFailed, errMsg, j.target),
		})
	}
}

// snapshot deep-copies a job into a caller-owned status value. The engine
// mutex must be held.
func snapshot(j *job) JobStatus {
	return JobStatus{
		ID:                j.id,
		Target:            j.target,
		Arguments:         j.arguments,
		Status:            j.status,
		Progress:          j.progress,
		CreatedAt:         j.createdAt,
		StartedAt:         j.startedAt,
		FinishedAt:        j.finishedAt,
		Error:             j.errMsg,
		RequiresPrivilege: j.requiresPrivilege,
		Result:            j.result,
	}
}

// requiresPrivilege reports whether the argument string contains flags that
// need elevated privileges.
func requiresPrivilege(arguments string) bool {
	tokens, err := SplitArgs(arguments)
	if err != nil {
		return false
	}
	for _, tok := range tokens {
		if privilegedFlags[tok] {
			return true
		}
	}
	return false
}

// isPrivilegeDiagnostic reports whether stderr output names a privilege
// failure.
func isPrivilegeDiagnostic(diag string) bool {
	for _, marker := range privilegeDiagnostics {
		if strings.Contains(diag, marker) {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "executable file not found")
}
