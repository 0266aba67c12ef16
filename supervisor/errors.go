package supervisor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/databox/nfcbridge/config"
)

// ErrReaderBusy is returned when the reader hardware is claimed by another
// process: a reader-bound one-shot while a monitor session is live, or a
// monitor start while a reader-bound one-shot is in flight.
var ErrReaderBusy = errors.New("nfc reader is busy")

// ErrShutdown is returned by every operation after Shutdown.
var ErrShutdown = errors.New("supervisor is shut down")

// ProcessSpawnError reports that a helper process could not be launched.
type ProcessSpawnError struct {
	Kind    config.ScriptKind
	Command string
	Err     error
}

func (e *ProcessSpawnError) Error() string {
	return fmt.Sprintf("failed to start %s script (%s): %v", e.Kind, e.Command, e.Err)
}

func (e *ProcessSpawnError) Unwrap() error { return e.Err }

// NonZeroExitError reports that a helper process exited with a non-zero code.
type NonZeroExitError struct {
	Kind   config.ScriptKind
	Code   int
	Stdout string
	Stderr string
}

func (e *NonZeroExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s script exited with code %d", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s script exited with code %d: %s", e.Kind, e.Code, msg)
}

// TimeoutError reports that a one-shot run exceeded its deadline and was killed.
type TimeoutError struct {
	Kind    config.ScriptKind
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s script timed out after %s", e.Kind, e.Timeout)
}
