package scanner

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portwatch/portwatch/internal/errors"
)

// stubReport is the minimal report a stub scan tool writes on success.
const stubReport = `<?xml version="1.0"?>
<nmaprun scanner="nmap" args="stub" version="7.95">
  <host>
    <status state="up" reason="syn-ack"/>
    <address addr="127.0.0.1" addrtype="ipv4"/>
  </host>
  <runstats>
    <finished time="1" timestr="now" elapsed="0.5" summary="done"/>
    <hosts up="1" down="0" total="1"/>
  </runstats>
</nmaprun>`

// findOutput is sh code locating the -oX argument in "$@" as $out.
const findOutput = `out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-oX" ]; then out="$a"; fi
  prev="$a"
done
`

// writeStub installs an executable shell script standing in for the scan
// tool and returns its path.
func writeStub(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nmap")
	script := "#!/bin/sh\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestEngine(t *testing.T, binary string) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Binary = binary
	cfg.MaxConcurrentScans = 2
	cfg.StopGracePeriod = 200 * time.Millisecond
	e := NewEngine(cfg, nil)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// eventRecorder collects job events and signals on the terminal one.
type eventRecorder struct {
	mu       sync.Mutex
	events   []Event
	terminal chan struct{}
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{terminal: make(chan struct{})}
}

func (r *eventRecorder) observe(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	if e.Terminal() {
		close(r.terminal)
	}
}

func (r *eventRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.terminal:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for terminal event")
	}
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func TestEngineSubmitInvalidTarget(t *testing.T) {
	e := newTestEngine(t, "nmap")

	id, err := e.Submit("10.0.0.256", "-T4", nil)
	require.Error(t, err)
	assert.Equal(t, uuid.Nil, id)
	assert.Equal(t, errors.CodeTargetInvalid, errors.GetCode(err))
	assert.Empty(t, e.AllStatuses(), "no job registered for invalid target")
}

func TestEngineSubmitInvalidArguments(t *testing.T) {
	e := newTestEngine(t, "nmap")

	_, err := e.Submit("127.0.0.1", "--script 'unterminated", nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.GetCode(err))
}

func TestEngineCompletedScan(t *testing.T) {
	stub := writeStub(t, findOutput+`
echo "About 25.00% done"
echo "About 75.50% done"
cat > "$out" <<'EOF'
`+stubReport+`
EOF
exit 0
`)
	e := newTestEngine(t, stub)
	rec := newEventRecorder()

	id, err := e.Submit("127.0.0.1", "-T4 -F", rec.observe)
	require.NoError(t, err)
	rec.wait(t)

	events := rec.all()
	require.NotEmpty(t, events)

	terminalCount := 0
	var progress []float64
	for _, ev := range events {
		assert.Equal(t, id, ev.JobID)
		if ev.Terminal() {
			terminalCount++
			assert.Equal(t, EventCompleted, ev.Type)
			require.NotNil(t, ev.Result)
			assert.Len(t, ev.Result.Hosts, 1)
			assert.Equal(t, ProgressComplete, ev.Sentinel())
		} else {
			progress = append(progress, ev.Progress)
		}
	}
	assert.Equal(t, 1, terminalCount, "exactly one terminal event")
	assert.Equal(t, []float64{25, 75.5}, progress)

	status, ok := e.Status(id)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, status.Status)
	assert.Equal(t, ProgressComplete, status.Progress)
	require.NotNil(t, status.Result)
	assert.Equal(t, "127.0.0.1", status.Target)
}

func TestEngineFailedScan(t *testing.T) {
	stub := writeStub(t, `echo "something broke" 1>&2
exit 3
`)
	e := newTestEngine(t, stub)
	rec := newEventRecorder()

	id, err := e.Submit("127.0.0.1", "-T4", rec.observe)
	require.NoError(t, err)
	rec.wait(t)

	events := rec.all()
	last := events[len(events)-1]
	assert.Equal(t, EventFailed, last.Type)
	assert.Equal(t, ProgressFailed, last.Sentinel())
	require.Error(t, last.Err)

	status, ok := e.Status(id)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, status.Status)
	assert.Equal(t, ProgressFailed, status.Progress)
	assert.Contains(t, status.Error, "code 3")
	assert.Contains(t, status.Error, "something broke")
}

func TestEnginePermissionDenied(t *testing.T) {
	stub := writeStub(t, `echo "You requested a scan type which requires root privileges." 1>&2
exit 1
`)
	e := newTestEngine(t, stub)
	rec := newEventRecorder()

	id, err := e.Submit("127.0.0.1", "-sS", rec.observe)
	require.NoError(t, err)
	rec.wait(t)

	events := rec.all()
	last := events[len(events)-1]
	assert.Equal(t, EventPermissionDenied, last.Type)
	assert.Equal(t, ProgressPermissionDenied, last.Sentinel())
	assert.Equal(t, errors.CodePermission, errors.GetCode(last.Err))

	status, ok := e.Status(id)
	require.True(t, ok)
	assert.Equal(t, StatusPermissionDenied, status.Status)
	assert.Equal(t, ProgressPermissionDenied, status.Progress)
	assert.True(t, status.RequiresPrivilege, "heuristic flags -sS")
}

func TestEngineParseFailureIsFailed(t *testing.T) {
	stub := writeStub(t, findOutput+`
echo "not a report" > "$out"
exit 0
`)
	e := newTestEngine(t, stub)
	rec := newEventRecorder()

	id, err := e.Submit("127.0.0.1", "-T4", rec.observe)
	require.NoError(t, err)
	rec.wait(t)

	status, ok := e.Status(id)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, status.Status)
	assert.Contains(t, status.Error, "parse")
}

func TestEngineCancel(t *testing.T) {
	stub := writeStub(t, `exec sleep 30
`)
	e := newTestEngine(t, stub)
	rec := newEventRecorder()

	id, err := e.Submit("127.0.0.1", "-T4", rec.observe)
	require.NoError(t, err)

	// Give the worker time to start the process.
	require.Eventually(t, func() bool {
		status, ok := e.Status(id)
		return ok && status.Status == StatusRunning
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.True(t, e.Cancel(id))
	rec.wait(t)

	status, ok := e.Status(id)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, status.Status)
	assert.Equal(t, ProgressFailed, status.Progress)

	assert.False(t, e.Cancel(id), "terminal job cannot be cancelled again")
	assert.False(t, e.Cancel(uuid.New()), "unknown job cannot be cancelled")
}

// stubbornStub ignores SIGTERM and keeps respawning children, so only a
// kill of the whole process group ends it.
const stubbornStub = `trap '' TERM
while :; do sleep 1; done
`

func TestEngineCancelStatusImmediate(t *testing.T) {
	stub := writeStub(t, stubbornStub)
	e := newTestEngine(t, stub)
	rec := newEventRecorder()

	id, err := e.Submit("127.0.0.1", "-T4", rec.observe)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := e.Status(id)
		return ok && status.Status == StatusRunning
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	require.True(t, e.Cancel(id))

	// The cancelled status is visible before the process settles.
	status, ok := e.Status(id)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, status.Status)

	rec.wait(t)

	terminalCount := 0
	for _, ev := range rec.all() {
		if ev.Terminal() {
			terminalCount++
			assert.Equal(t, EventFailed, ev.Type)
			assert.Equal(t, errors.CodeCanceled, errors.GetCode(ev.Err))
		}
	}
	assert.Equal(t, 1, terminalCount, "exactly one terminal event")
}

func TestEngineCancelEscalatesToKill(t *testing.T) {
	stub := writeStub(t, stubbornStub)
	e := newTestEngine(t, stub)
	rec := newEventRecorder()

	id, err := e.Submit("127.0.0.1", "-T4", rec.observe)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := e.Status(id)
		return ok && status.Status == StatusRunning
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.True(t, e.Cancel(id))
	rec.wait(t)

	// The grace period is 200ms; a tool that shrugs off SIGTERM must not
	// keep the job unsettled much past it.
	assert.Less(t, time.Since(start), 5*time.Second,
		"cancellation must be bounded by the grace period")

	status, ok := e.Status(id)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, status.Status)
}

func TestEngineToolMissing(t *testing.T) {
	e := newTestEngine(t, filepath.Join(t.TempDir(), "does-not-exist"))
	rec := newEventRecorder()

	id, err := e.Submit("127.0.0.1", "-T4", rec.observe)
	require.NoError(t, err, "tool absence surfaces in the job, not at submit")
	rec.wait(t)

	status, ok := e.Status(id)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, status.Status)
}

func TestEngineAllStatuses(t *testing.T) {
	stub := writeStub(t, findOutput+`
cat > "$out" <<'EOF'
`+stubReport+`
EOF
exit 0
`)
	e := newTestEngine(t, stub)

	recs := make([]*eventRecorder, 3)
	ids := make([]uuid.UUID, 3)
	for i := range recs {
		recs[i] = newEventRecorder()
		id, err := e.Submit("127.0.0.1", "-T4", recs[i].observe)
		require.NoError(t, err)
		ids[i] = id
	}
	for _, rec := range recs {
		rec.wait(t)
	}
	e.Wait()

	all := e.AllStatuses()
	require.Len(t, all, 3)
	for _, id := range ids {
		status, ok := all[id]
		require.True(t, ok)
		assert.Equal(t, StatusCompleted, status.Status)
	}
}

func TestRequiresPrivilege(t *testing.T) {
	tests := []struct {
		arguments string
		want      bool
	}{
		{"-T4 -F", false},
		{"-sV", false},
		{"-O", true},
		{"-T4 --osscan-guess", true},
		{"-sS -p 80", true},
		{"-T4 -A -v", true},
		{"", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, requiresPrivilege(tt.arguments), "arguments %q", tt.arguments)
	}
}
