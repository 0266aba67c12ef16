// Package bridge connects UI requests to the helper processes. It forwards
// tag events from the active monitor session to subscribers and turns write,
// read and lookup requests into one-shot runs.
//
// Delivery is gated on session identity: once StopMonitor returns, no handler
// sees another event from the stopped session, even if its process is still
// flushing output. Handlers run on the session's reader goroutine and must not
// call StartMonitor or StopMonitor synchronously.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/databox/nfcbridge/config"
	"github.com/databox/nfcbridge/exec"
	"github.com/databox/nfcbridge/nfc"
	"github.com/databox/nfcbridge/supervisor"
)

// Handler receives tag events of the active monitor session.
type Handler func(nfc.TagEvent)

// Options configures a Bridge.
type Options struct {
	Config   *config.Config
	Launcher exec.Launcher // defaults to the real os/exec launcher
	Logger   *slog.Logger

	// OnMonitorError is called when the monitor dies on its own.
	OnMonitorError func(err error)
}

type subscription struct {
	id int
	h  Handler
}

// Bridge is the UI-facing side of the NFC helpers.
type Bridge struct {
	sup *supervisor.Supervisor
	log *slog.Logger

	// jobs is held across pause, run and resume of a reader-bound job.
	jobs *semaphore.Weighted

	// gate guards the active session. Delivery holds it for reading.
	gate        sync.RWMutex
	active      string // session whose events are delivered, "" when none
	wantMonitor bool   // monitoring requested by the UI, restored after jobs

	subsMu  sync.Mutex // guards subs and onError
	subs    []subscription
	nextID  int
	onError func(error)
}

// New creates a Bridge and the supervisor it drives.
func New(opts Options) *Bridge {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	b := &Bridge{
		log:     log,
		onError: opts.OnMonitorError,
		jobs:    semaphore.NewWeighted(1),
	}
	b.sup = supervisor.New(supervisor.Options{
		Config:        opts.Config,
		Launcher:      opts.Launcher,
		Logger:        log,
		Sink:          b.deliver,
		OnMonitorExit: b.monitorExited,
	})
	return b
}

// Config returns the configuration used for new runs.
func (b *Bridge) Config() *config.Config {
	return b.sup.Config()
}

// SetConfig applies a reloaded configuration to subsequent runs.
func (b *Bridge) SetConfig(cfg *config.Config) {
	b.sup.SetConfig(cfg)
}

// Subscribe registers h for every event of the active session, in arrival
// order. Subscriptions survive monitor restarts.
func (b *Bridge) Subscribe(h Handler) (unsubscribe func()) {
	b.subsMu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, h: h})
	b.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.subsMu.Lock()
			defer b.subsMu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *Bridge) handlers() []Handler {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	hs := make([]Handler, len(b.subs))
	for i, s := range b.subs {
		hs[i] = s.h
	}
	return hs
}

// deliver is the supervisor sink.
func (b *Bridge) deliver(sessionID string, ev nfc.TagEvent) {
	b.gate.RLock()
	defer b.gate.RUnlock()
	if b.active == "" || sessionID != b.active {
		return
	}
	for _, h := range b.handlers() {
		h(ev)
	}
}

func (b *Bridge) monitorExited(sessionID string, err error) {
	b.gate.Lock()
	current := b.active == sessionID
	if current {
		b.active = ""
		b.wantMonitor = false
	}
	b.gate.Unlock()

	if !current {
		return
	}
	if err != nil {
		b.log.Error("monitor exited unexpectedly", "sessionID", sessionID, "error", err)
	} else {
		b.log.Warn("monitor exited", "sessionID", sessionID)
		err = fmt.Errorf("monitor script exited")
	}
	b.subsMu.Lock()
	onError := b.onError
	b.subsMu.Unlock()
	if onError != nil {
		onError(err)
	}
}

// SetMonitorErrorHandler replaces the OnMonitorError callback.
func (b *Bridge) SetMonitorErrorHandler(fn func(error)) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	b.onError = fn
}

// StartMonitor starts tag monitoring. Calling it while already monitoring is
// a no-op. It waits for an in-flight read or write to finish first.
func (b *Bridge) StartMonitor(ctx context.Context) error {
	if err := b.jobs.Acquire(ctx, 1); err != nil {
		return err
	}
	defer b.jobs.Release(1)

	b.gate.Lock()
	defer b.gate.Unlock()

	if b.active != "" {
		if sess := b.sup.Monitor(); sess != nil && sess.ID == b.active {
			return nil
		}
	}
	sess, err := b.sup.StartMonitor(ctx)
	if err != nil {
		return err
	}
	b.active = sess.ID
	b.wantMonitor = true
	return nil
}

// StopMonitor stops tag monitoring. Once it returns, no handler is invoked
// for the stopped session. Stopping when not monitoring is a no-op.
func (b *Bridge) StopMonitor() {
	b.gate.Lock()
	defer b.gate.Unlock()

	b.wantMonitor = false
	if b.active == "" {
		return
	}
	b.active = ""
	b.sup.StopMonitor()
}

// Monitoring reports whether events are currently being delivered.
func (b *Bridge) Monitoring() bool {
	b.gate.RLock()
	defer b.gate.RUnlock()
	return b.active != ""
}

// pause stops an active monitor so a one-shot can use the reader. It waits
// up to the stop grace period for the process to release the device.
func (b *Bridge) pause() bool {
	b.gate.Lock()
	if b.active == "" {
		b.gate.Unlock()
		return false
	}
	b.active = ""
	sess := b.sup.StopMonitor()
	b.gate.Unlock()

	if sess == nil {
		return true
	}
	grace := b.sup.Config().StopGrace
	select {
	case <-sess.Done():
	case <-time.After(grace):
		b.log.Warn("monitor slow to exit, continuing", "sessionID", sess.ID, "grace", grace)
	}
	return true
}

// resume restarts monitoring after a one-shot unless the UI stopped it in
// the meantime.
func (b *Bridge) resume() {
	b.gate.Lock()
	defer b.gate.Unlock()

	if !b.wantMonitor || b.active != "" {
		return
	}
	sess, err := b.sup.StartMonitor(context.Background())
	if err != nil {
		b.wantMonitor = false
		b.log.Error("failed to resume monitor", "error", err)
		return
	}
	b.active = sess.ID
	b.log.Info("monitor resumed", "sessionID", sess.ID)
}

// runReaderJob runs a reader-bound script, pausing the monitor around it.
func (b *Bridge) runReaderJob(ctx context.Context, kind config.ScriptKind, args ...string) (*supervisor.RunResult, error) {
	if err := b.jobs.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer b.jobs.Release(1)

	if b.pause() {
		defer b.resume()
	}
	return b.sup.RunOnce(ctx, kind, args...)
}

// RequestWrite writes payload to the card on the reader. A name longer than
// the card holds is truncated. Success is decided by the success marker on
// stdout; a non-zero exit is returned as
// *supervisor.NonZeroExitError.
func (b *Bridge) RequestWrite(ctx context.Context, payload nfc.WritePayload) (nfc.WriteResult, error) {
	if fitted, cut := payload.FitName(); cut {
		b.log.Warn("name too long for card, truncated", "name", payload.Name, "written", fitted.Name)
		payload = fitted
	}
	if err := payload.Validate(); err != nil {
		return nfc.WriteResult{}, err
	}
	res, err := b.runReaderJob(ctx, config.ScriptWrite, payload.Args()...)
	if err != nil {
		return nfc.WriteResult{}, err
	}
	result := writeResult(res.Stdout, b.sup.Config().SuccessMarker)
	b.log.Info("write finished", "job", res.ID, "name", payload.Name, "success", result.Success)
	return result, nil
}

// writeResult looks for a stdout line starting with marker.
func writeResult(stdout, marker string) nfc.WriteResult {
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, marker) {
			return nfc.WriteResult{Success: true, Message: line}
		}
	}
	msg := strings.TrimSpace(stdout)
	if msg == "" {
		msg = "write script reported no result"
	}
	return nfc.WriteResult{Success: false, Message: msg}
}

// RequestRead reads the card on the reader once.
func (b *Bridge) RequestRead(ctx context.Context) (*nfc.ReadResult, error) {
	res, err := b.runReaderJob(ctx, config.ScriptRead)
	if err != nil {
		return nil, err
	}
	var out nfc.ReadResult
	if err := decodeDocument(config.ScriptRead, res.Stdout, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, &CardError{Kind: config.ScriptRead, Message: out.Error}
	}
	return &out, nil
}

// RequestLookup resolves a card IDm to its participant record. It does not
// use the reader and may run while monitoring.
func (b *Bridge) RequestLookup(ctx context.Context, idm string) (*nfc.LookupResult, error) {
	idm = strings.TrimSpace(idm)
	if idm == "" {
		return nil, &nfc.ValidationError{Field: "idm", Reason: "must not be empty"}
	}
	res, err := b.sup.RunOnce(ctx, config.ScriptLookup, idm)
	if err != nil {
		return nil, err
	}
	var out nfc.LookupResult
	if err := decodeDocument(config.ScriptLookup, res.Stdout, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, &CardError{Kind: config.ScriptLookup, Message: out.Error}
	}
	return &out, nil
}

// decodeDocument parses stdout as exactly one JSON value.
func decodeDocument(kind config.ScriptKind, stdout string, v any) error {
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), v); err != nil {
		return &DecodeError{Kind: kind, Output: stdout, Err: err}
	}
	return nil
}

// IsAdmin reports whether a status vector carries the administrator class.
func (b *Bridge) IsAdmin(status []int) bool {
	cfg := b.sup.Config()
	class, ok := cfg.StatusLayout.Value(status, nfc.StatClass)
	return ok && class == cfg.AdminClass
}

// Close stops monitoring and shuts the supervisor down, waiting up to the
// stop grace period for helper processes to exit.
func (b *Bridge) Close() error {
	b.StopMonitor()
	return b.sup.Shutdown(b.sup.Config().StopGrace)
}
