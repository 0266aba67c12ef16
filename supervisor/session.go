package supervisor

import (
	"strings"
	"sync"
	"time"

	"github.com/databox/nfcbridge/exec"
)

// State is the lifecycle state of a MonitorSession.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// stderrTailLines is how many monitor stderr lines are kept for diagnostics.
const stderrTailLines = 20

// MonitorSession is one run of the long-running monitor script. The process
// handle is owned by the Supervisor; callers only observe the session.
type MonitorSession struct {
	ID        string
	StartedAt time.Time

	proc   exec.Process
	cancel func()

	mu       sync.Mutex
	state    State
	stopped  bool // stop was requested
	err      error
	dropped  int
	stderr   []string
	done     chan struct{}
	doneOnce sync.Once
}

func newMonitorSession(id string, cancel func()) *MonitorSession {
	return &MonitorSession{
		ID:        id,
		StartedAt: time.Now(),
		cancel:    cancel,
		state:     StateStarting,
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (m *MonitorSession) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Pid returns the monitor process id, or 0 before it started.
func (m *MonitorSession) Pid() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proc == nil {
		return 0
	}
	return m.proc.Pid()
}

// Done is closed once the process exited and its output was fully drained.
func (m *MonitorSession) Done() <-chan struct{} { return m.done }

// Err returns why the session ended. It is nil while running and after a
// requested stop.
func (m *MonitorSession) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Dropped returns how many malformed stdout lines were discarded.
func (m *MonitorSession) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// StderrTail returns the last lines the monitor wrote to stderr.
func (m *MonitorSession) StderrTail() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strings.Join(m.stderr, "\n")
}

func (m *MonitorSession) setRunning(proc exec.Process) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proc = proc
	if m.state == StateStarting {
		m.state = StateRunning
	}
}

// stop requests termination without waiting for the process to exit.
// It reports whether this call made the request.
func (m *MonitorSession) stop() bool {
	m.mu.Lock()
	if m.stopped || m.state == StateIdle {
		m.mu.Unlock()
		return false
	}
	m.stopped = true
	m.state = StateStopping
	proc := m.proc
	m.mu.Unlock()

	m.cancel()
	if proc != nil {
		proc.Kill()
	}
	return true
}

func (m *MonitorSession) stopRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *MonitorSession) appendStderr(line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stderr = append(m.stderr, line)
	if len(m.stderr) > stderrTailLines {
		m.stderr = m.stderr[len(m.stderr)-stderrTailLines:]
	}
}

func (m *MonitorSession) finish(err error, dropped int) {
	m.mu.Lock()
	m.state = StateIdle
	m.err = err
	m.dropped = dropped
	m.mu.Unlock()
	m.doneOnce.Do(func() { close(m.done) })
}
