package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/databox/nfcbridge/config"
	"github.com/databox/nfcbridge/nfc"
	"github.com/databox/nfcbridge/supervisor"
)

// DecodeError reports that a one-shot script printed something other than
// the single JSON document it is expected to print.
type DecodeError struct {
	Kind   config.ScriptKind
	Output string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s output: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// CardError carries the error a script reported inside its JSON document,
// such as no card on the reader or an unknown IDm.
type CardError struct {
	Kind    config.ScriptKind
	Message string
}

func (e *CardError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Kind, e.Message)
}

// Message renders err as the short human-readable text shown in the UI.
func Message(err error) string {
	if err == nil {
		return ""
	}

	var (
		validation *nfc.ValidationError
		spawn      *supervisor.ProcessSpawnError
		exit       *supervisor.NonZeroExitError
		timeout    *supervisor.TimeoutError
		decode     *DecodeError
		card       *CardError
	)
	switch {
	case errors.As(err, &validation):
		return "Invalid input: " + validation.Error()
	case errors.Is(err, supervisor.ErrReaderBusy):
		return "The NFC reader is busy. Try again once the current operation finishes."
	case errors.Is(err, supervisor.ErrShutdown):
		return "The NFC service is shutting down."
	case errors.As(err, &spawn):
		return fmt.Sprintf("Could not start the %s script: %v", spawn.Kind, spawn.Err)
	case errors.As(err, &exit):
		if msg := strings.TrimSpace(exit.Stderr); msg != "" {
			return msg
		}
		return fmt.Sprintf("The %s script failed with exit code %d.", exit.Kind, exit.Code)
	case errors.As(err, &timeout):
		return fmt.Sprintf("No response from the %s script within %s. Is a card on the reader?", timeout.Kind, timeout.Timeout)
	case errors.As(err, &decode):
		return fmt.Sprintf("The %s script returned unreadable output.", decode.Kind)
	case errors.As(err, &card):
		return card.Message
	case errors.Is(err, context.Canceled):
		return "The operation was cancelled."
	}
	return err.Error()
}
