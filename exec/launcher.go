// Package exec provides an abstraction over process spawning for testability.
// Production code uses RealLauncher, which wraps os/exec, while tests inject a
// FakeLauncher whose processes are driven line by line from the test.
package exec

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Command describes an external process to start.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string // appended to the parent environment
}

// String renders the command line for logs.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Launcher starts external processes.
type Launcher interface {
	// Start launches cmd. Cancelling ctx kills the process.
	Start(ctx context.Context, cmd Command) (Process, error)
}

// Process is a started external process.
//
// Stdout and Stderr must both be read to EOF. Wait may be called before or
// while they are read.
type Process interface {
	Pid() int
	Stdout() io.Reader
	Stderr() io.Reader

	// Wait blocks until the process exits. It returns the exit code when the
	// process exited on its own, or -1 and a non-nil error when it was
	// terminated by a signal or could not be waited on.
	Wait() (int, error)

	// Kill terminates the process. Killing an exited process is not an error.
	Kill() error
}

// pipeCloseDelay bounds how long Wait lingers on pipes held open by
// grandchildren after the direct child has exited or was killed.
const pipeCloseDelay = 2 * time.Second

// RealLauncher starts processes with os/exec. Each process runs in its own
// process group so Kill and context cancellation reach its children too.
type RealLauncher struct{}

// NewRealLauncher returns a new RealLauncher.
func NewRealLauncher() *RealLauncher {
	return &RealLauncher{}
}

// Start launches cmd with stdout and stderr piped back to the caller.
func (l *RealLauncher) Start(ctx context.Context, c Command) (Process, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = pipeCloseDelay

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		return nil, err
	}

	p := &realProcess{cmd: cmd, stdout: stdoutR, stderr: stderrR, done: make(chan struct{})}
	go p.reap(stdoutW, stderrW)
	return p, nil
}

// realProcess wraps a started exec.Cmd. A single reaper goroutine calls
// cmd.Wait, so the WaitDelay bound applies even while callers are still
// reading output.
type realProcess struct {
	cmd    *exec.Cmd
	stdout *io.PipeReader
	stderr *io.PipeReader

	done    chan struct{}
	waitErr error
}

func (p *realProcess) reap(stdout, stderr *io.PipeWriter) {
	p.waitErr = p.cmd.Wait()
	stdout.Close()
	stderr.Close()
	close(p.done)
}

func (p *realProcess) Pid() int          { return p.cmd.Process.Pid }
func (p *realProcess) Stdout() io.Reader { return p.stdout }
func (p *realProcess) Stderr() io.Reader { return p.stderr }

func (p *realProcess) Wait() (int, error) {
	<-p.done
	err := p.waitErr
	var exitErr *exec.ExitError
	switch {
	case err == nil, errors.Is(err, exec.ErrWaitDelay):
		return 0, nil
	case errors.As(err, &exitErr) && exitErr.ExitCode() >= 0:
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (p *realProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := killProcessGroup(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

var (
	_ Launcher = (*RealLauncher)(nil)
	_ Process  = (*realProcess)(nil)
)
