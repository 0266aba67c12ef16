package server

import (
	"encoding/json"
	"errors"

	"github.com/databox/nfcbridge/bridge"
	"github.com/databox/nfcbridge/nfc"
	"github.com/databox/nfcbridge/supervisor"
)

// Request is a UI command sent over the WebSocket.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers exactly one Request.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is the error object of a failed Response. Message is ready to show.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Notification is pushed to every connected client without a request.
type Notification struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Methods understood by the server.
const (
	MethodStartMonitor = "startMonitor"
	MethodStopMonitor  = "stopMonitor"
	MethodWriteData    = "writeData"
	MethodReadOnce     = "readOnce"
	MethodLookup       = "lookup"
)

// Pushed event names.
const (
	EventDataRead     = "nfc-data-read"
	EventTagRemoved   = "nfc-tag-removed"
	EventMonitorError = "nfc-monitor-error"
)

// Protocol level error codes follow JSON-RPC 2.0.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Application error codes.
const (
	CodeReaderBusy   = 1001
	CodeScriptFailed = 1002
	CodeTimeout      = 1003
	CodeBadOutput    = 1004
	CodeCardError    = 1005
	CodeWriteFailed  = 1006
	CodeUnavailable  = 1007
)

// TagData is the payload of an nfc-data-read notification.
type TagData struct {
	IDm       string            `json:"idm"`
	Name      string            `json:"name"`
	Status    []int             `json:"status"`
	Stats     map[string]int    `json:"stats"`
	Admin     bool              `json:"admin"`
	Inventory []json.RawMessage `json:"inventory"`
}

type lookupParams struct {
	IDm string `json:"idm"`
}

type monitorState struct {
	Monitoring bool `json:"monitoring"`
}

// errorFor maps a bridge error to its wire representation.
func errorFor(err error) *Error {
	var (
		validation *nfc.ValidationError
		spawn      *supervisor.ProcessSpawnError
		exit       *supervisor.NonZeroExitError
		timeout    *supervisor.TimeoutError
		decode     *bridge.DecodeError
		card       *bridge.CardError
	)
	code := CodeInternalError
	switch {
	case errors.As(err, &validation):
		code = CodeInvalidParams
	case errors.Is(err, supervisor.ErrReaderBusy):
		code = CodeReaderBusy
	case errors.Is(err, supervisor.ErrShutdown):
		code = CodeUnavailable
	case errors.As(err, &spawn), errors.As(err, &exit):
		code = CodeScriptFailed
	case errors.As(err, &timeout):
		code = CodeTimeout
	case errors.As(err, &decode):
		code = CodeBadOutput
	case errors.As(err, &card):
		code = CodeCardError
	}
	return &Error{Code: code, Message: bridge.Message(err)}
}
