// Package supervisor owns the helper processes that talk to the NFC reader:
// at most one long-running monitor and at most one reader-bound one-shot at a
// time. Monitor output is decoded into tag events and handed to a sink along
// with the ID of the session that produced them.
package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/databox/nfcbridge/config"
	"github.com/databox/nfcbridge/decoder"
	"github.com/databox/nfcbridge/exec"
	"github.com/databox/nfcbridge/nfc"
)

// EventSink receives every event decoded from a monitor session, in the order
// the monitor printed them. It is called from the session's reader goroutine.
type EventSink func(sessionID string, ev nfc.TagEvent)

// Options configures a Supervisor.
type Options struct {
	Config   *config.Config
	Launcher exec.Launcher // defaults to exec.NewRealLauncher()
	Sink     EventSink
	Logger   *slog.Logger

	// OnMonitorExit is called when a monitor exits without being asked to.
	// err is nil for a clean exit.
	OnMonitorExit func(sessionID string, err error)
}

// RunResult is the collected output of a one-shot run.
type RunResult struct {
	ID       string
	Kind     config.ScriptKind
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Supervisor starts, stops and kills the helper processes.
type Supervisor struct {
	launcher exec.Launcher
	sink     EventSink
	onExit   func(string, error)
	log      *slog.Logger

	// reader serializes reader-bound one-shots.
	reader *semaphore.Weighted

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu         sync.Mutex
	cfg        *config.Config
	monitor    *MonitorSession
	readerJobs int
	oneShots   map[string]exec.Process
	closed     bool
}

// New creates a Supervisor. No process is started until asked.
func New(opts Options) *Supervisor {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	launcher := opts.Launcher
	if launcher == nil {
		launcher = exec.NewRealLauncher()
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	sink := opts.Sink
	if sink == nil {
		sink = func(string, nfc.TagEvent) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		launcher:   launcher,
		sink:       sink,
		onExit:     opts.OnMonitorExit,
		log:        log,
		reader:     semaphore.NewWeighted(1),
		baseCtx:    ctx,
		baseCancel: cancel,
		cfg:        cfg,
		oneShots:   make(map[string]exec.Process),
	}
}

// Config returns the configuration used for new spawns.
func (s *Supervisor) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetConfig replaces the configuration. Running processes are unaffected.
func (s *Supervisor) SetConfig(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// Monitor returns the live monitor session, or nil.
func (s *Supervisor) Monitor() *MonitorSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitor
}

func (s *Supervisor) command(cfg *config.Config, kind config.ScriptKind, args []string) exec.Command {
	return exec.Command{
		Name: cfg.Interpreter,
		Args: append([]string{cfg.ScriptPath(kind)}, args...),
		Dir:  cfg.ScriptsDir,
		Env:  cfg.Env,
	}
}

// StartMonitor spawns a fresh monitor session. A session that is already
// running is killed first without waiting for it to exit.
func (s *Supervisor) StartMonitor(ctx context.Context) (*MonitorSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrShutdown
	}
	if s.readerJobs > 0 {
		return nil, ErrReaderBusy
	}
	if old := s.monitor; old != nil {
		s.log.Info("replacing monitor session", "sessionID", old.ID)
		old.stop()
		s.monitor = nil
	}

	sessCtx, cancel := context.WithCancel(s.baseCtx)
	sess := newMonitorSession(uuid.New().String(), cancel)
	cmd := s.command(s.cfg, config.ScriptMonitor, nil)

	proc, err := s.launcher.Start(sessCtx, cmd)
	if err != nil {
		cancel()
		sess.finish(err, 0)
		s.log.Error("failed to start monitor", "command", cmd.String(), "error", err)
		return nil, &ProcessSpawnError{Kind: config.ScriptMonitor, Command: cmd.String(), Err: err}
	}
	sess.setRunning(proc)
	s.monitor = sess

	s.log.Info("monitor started", "sessionID", sess.ID, "pid", proc.Pid())

	s.wg.Add(1)
	go s.runMonitor(sess, proc)
	return sess, nil
}

// runMonitor drains the session's output and reaps the process.
func (s *Supervisor) runMonitor(sess *MonitorSession, proc exec.Process) {
	defer s.wg.Done()
	log := s.log.With("sessionID", sess.ID)

	var stderrDone sync.WaitGroup
	stderrDone.Add(1)
	go func() {
		defer stderrDone.Done()
		scanner := bufio.NewScanner(proc.Stderr())
		scanner.Buffer(make([]byte, 0, 4096), decoder.MaxLineBytes)
		for scanner.Scan() {
			line := scanner.Text()
			sess.appendStderr(line)
			log.Debug("monitor stderr", "line", line)
		}
		// Keep draining so the process never blocks on a full pipe.
		io.Copy(io.Discard, proc.Stderr())
	}()

	dec := decoder.New(func(ev nfc.TagEvent) {
		s.sink(sess.ID, ev)
	}, log)
	if _, err := dec.ReadFrom(proc.Stdout()); err != nil {
		log.Warn("monitor stdout read failed", "error", err)
		io.Copy(io.Discard, proc.Stdout())
	}
	stderrDone.Wait()

	code, waitErr := proc.Wait()
	sess.cancel()

	var exitErr error
	requested := sess.stopRequested()
	switch {
	case requested:
	case waitErr != nil:
		exitErr = fmt.Errorf("monitor terminated: %w", waitErr)
	case code != 0:
		exitErr = &NonZeroExitError{Kind: config.ScriptMonitor, Code: code, Stderr: sess.StderrTail()}
	}

	s.mu.Lock()
	if s.monitor == sess {
		s.monitor = nil
	}
	s.mu.Unlock()

	sess.finish(exitErr, dec.Dropped())
	log.Info("monitor exited", "code", code, "requested", requested, "dropped", dec.Dropped())

	if !requested && s.onExit != nil {
		s.onExit(sess.ID, exitErr)
	}
}

// StopMonitor requests termination of the live monitor session and forgets
// it. It does not wait for the process to exit. No-op when nothing runs.
func (s *Supervisor) StopMonitor() *MonitorSession {
	s.mu.Lock()
	sess := s.monitor
	s.monitor = nil
	s.mu.Unlock()

	if sess == nil {
		return nil
	}
	if sess.stop() {
		s.log.Info("monitor stop requested", "sessionID", sess.ID)
	}
	return sess
}

// RunOnce runs a one-shot helper script to completion under the configured
// timeout and returns its collected output. Reader-bound kinds wait for each
// other and are refused with ErrReaderBusy while a monitor session is live.
func (s *Supervisor) RunOnce(ctx context.Context, kind config.ScriptKind, args ...string) (*RunResult, error) {
	if kind == config.ScriptMonitor {
		return nil, fmt.Errorf("monitor script cannot be run as a one-shot")
	}

	if kind.UsesReader() {
		if err := s.reader.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer s.reader.Release(1)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShutdown
	}
	if kind.UsesReader() {
		if s.monitor != nil {
			s.mu.Unlock()
			return nil, ErrReaderBusy
		}
		s.readerJobs++
		defer func() {
			s.mu.Lock()
			s.readerJobs--
			s.mu.Unlock()
		}()
	}
	cfg := s.cfg
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	id := uuid.New().String()
	log := s.log.With("job", id, "kind", string(kind))

	runCtx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
	defer cancel()

	cmd := s.command(cfg, kind, args)
	start := time.Now()
	proc, err := s.launcher.Start(runCtx, cmd)
	if err != nil {
		log.Error("failed to start one-shot", "command", cmd.String(), "error", err)
		return nil, &ProcessSpawnError{Kind: kind, Command: cmd.String(), Err: err}
	}
	log.Debug("one-shot started", "pid", proc.Pid())

	s.mu.Lock()
	s.oneShots[id] = proc
	closed := s.closed
	s.mu.Unlock()
	if closed {
		proc.Kill()
	}
	defer func() {
		s.mu.Lock()
		delete(s.oneShots, id)
		s.mu.Unlock()
	}()

	var stdout, stderr bytes.Buffer
	var drain sync.WaitGroup
	drain.Add(1)
	go func() {
		defer drain.Done()
		io.Copy(&stderr, proc.Stderr())
	}()
	io.Copy(&stdout, proc.Stdout())
	drain.Wait()

	code, waitErr := proc.Wait()
	elapsed := time.Since(start)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		log.Warn("one-shot timed out", "timeout", cfg.RunTimeout)
		return nil, &TimeoutError{Kind: kind, Timeout: cfg.RunTimeout}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if waitErr != nil {
		return nil, fmt.Errorf("%s script terminated: %w", kind, waitErr)
	}

	log.Debug("one-shot finished", "code", code, "duration", elapsed)
	if code != 0 {
		return nil, &NonZeroExitError{Kind: kind, Code: code, Stdout: stdout.String(), Stderr: stderr.String()}
	}
	return &RunResult{
		ID:       id,
		Kind:     kind,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: code,
		Duration: elapsed,
	}, nil
}

// Shutdown kills the monitor session and every in-flight one-shot, then
// waits up to grace for them to be reaped. Later calls return ErrShutdown
// from every operation.
func (s *Supervisor) Shutdown(grace time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sess := s.monitor
	s.monitor = nil
	procs := make([]exec.Process, 0, len(s.oneShots))
	for _, p := range s.oneShots {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	if sess != nil {
		sess.stop()
	}
	for _, p := range procs {
		p.Kill()
	}
	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("supervisor shut down")
		return nil
	case <-time.After(grace):
		s.log.Warn("timed out waiting for helper processes", "grace", grace)
		return fmt.Errorf("helper processes still running after %s", grace)
	}
}
