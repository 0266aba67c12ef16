package exec

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrFakeKilled is returned by FakeProcess.Wait after the process was killed.
var ErrFakeKilled = errors.New("signal: killed")

// FakeScript drives a FakeProcess. It runs on its own goroutine right after
// the process is started.
type FakeScript func(p *FakeProcess)

// fakeRule pairs a command matcher with what to do when it matches.
type fakeRule struct {
	match  func(Command) bool
	script FakeScript
	err    error
}

// FakeLauncher starts in-memory processes. Rules are matched in order of
// registration; unmatched commands start a process that idles until it is
// killed or exited by the test.
type FakeLauncher struct {
	mu     sync.Mutex
	rules  []fakeRule
	starts []Command
	procs  []*FakeProcess
}

// NewFakeLauncher creates a FakeLauncher with no rules.
func NewFakeLauncher() *FakeLauncher {
	return &FakeLauncher{}
}

// On registers script for commands accepted by match.
func (l *FakeLauncher) On(match func(Command) bool, script FakeScript) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rules = append(l.rules, fakeRule{match: match, script: script})
}

// OnScript registers script for commands whose arguments mention name,
// typically the helper script file name.
func (l *FakeLauncher) OnScript(name string, script FakeScript) {
	l.On(ArgContains(name), script)
}

// FailOn makes Start return err for commands accepted by match.
func (l *FakeLauncher) FailOn(match func(Command) bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rules = append(l.rules, fakeRule{match: match, err: err})
}

// ArgContains matches commands with any argument containing s.
func ArgContains(s string) func(Command) bool {
	return func(c Command) bool {
		for _, a := range c.Args {
			if strings.Contains(a, s) {
				return true
			}
		}
		return false
	}
}

// Starts returns every command passed to Start, including failed ones.
func (l *FakeLauncher) Starts() []Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Command, len(l.starts))
	copy(out, l.starts)
	return out
}

// Processes returns the processes started so far, oldest first.
func (l *FakeLauncher) Processes() []*FakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*FakeProcess, len(l.procs))
	copy(out, l.procs)
	return out
}

// Last returns the most recently started process, or nil.
func (l *FakeLauncher) Last() *FakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

// Start implements Launcher.
func (l *FakeLauncher) Start(ctx context.Context, c Command) (Process, error) {
	l.mu.Lock()
	l.starts = append(l.starts, c)
	var rule *fakeRule
	for i := range l.rules {
		if l.rules[i].match(c) {
			rule = &l.rules[i]
			break
		}
	}
	if rule != nil && rule.err != nil {
		l.mu.Unlock()
		return nil, rule.err
	}
	p := newFakeProcess(c)
	l.procs = append(l.procs, p)
	l.mu.Unlock()

	// Mirror exec.CommandContext: a cancelled context kills the process.
	go func() {
		select {
		case <-ctx.Done():
			p.Kill()
		case <-p.exited:
		}
	}()

	if rule != nil && rule.script != nil {
		go rule.script(p)
	}
	return p, nil
}

var nextFakePid atomic.Int64

func init() {
	nextFakePid.Store(40000)
}

// FakeProcess is an in-memory process whose output is written by the test.
type FakeProcess struct {
	cmd Command
	pid int

	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter

	mu         sync.Mutex
	code       int
	killed     bool
	ignoreKill bool
	exitOnce   sync.Once
	exited     chan struct{}
}

func newFakeProcess(c Command) *FakeProcess {
	p := &FakeProcess{
		cmd:    c,
		pid:    int(nextFakePid.Add(1)),
		exited: make(chan struct{}),
	}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

// Command returns the command the process was started with.
func (p *FakeProcess) Command() Command { return p.cmd }

func (p *FakeProcess) Pid() int          { return p.pid }
func (p *FakeProcess) Stdout() io.Reader { return p.stdoutR }
func (p *FakeProcess) Stderr() io.Reader { return p.stderrR }

// WriteStdout writes s to stdout. It blocks until the reader consumed it and
// fails once the process has exited.
func (p *FakeProcess) WriteStdout(s string) error {
	_, err := io.WriteString(p.stdoutW, s)
	return err
}

// WriteStderr writes s to stderr.
func (p *FakeProcess) WriteStderr(s string) error {
	_, err := io.WriteString(p.stderrW, s)
	return err
}

// Exit closes the output streams and makes Wait return code. Only the first
// call has an effect.
func (p *FakeProcess) Exit(code int) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		p.stdoutW.Close()
		p.stderrW.Close()
		close(p.exited)
	})
}

// IgnoreKill makes Kill record the request without exiting, modelling a
// process that is slow to die. The test ends it with Exit.
func (p *FakeProcess) IgnoreKill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ignoreKill = true
}

// Killed reports whether Kill was called.
func (p *FakeProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Exited is closed once the process has exited.
func (p *FakeProcess) Exited() <-chan struct{} { return p.exited }

func (p *FakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	ignore := p.ignoreKill
	p.mu.Unlock()

	if !ignore {
		p.exitOnce.Do(func() {
			p.mu.Lock()
			p.code = -1
			p.mu.Unlock()
			p.stdoutW.CloseWithError(io.EOF)
			p.stderrW.CloseWithError(io.EOF)
			close(p.exited)
		})
	}
	return nil
}

func (p *FakeProcess) Wait() (int, error) {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.code == -1 {
		return -1, ErrFakeKilled
	}
	return p.code, nil
}

var (
	_ Launcher = (*FakeLauncher)(nil)
	_ Process  = (*FakeProcess)(nil)
)
