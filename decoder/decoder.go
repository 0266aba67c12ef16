// Package decoder turns the monitor script's newline-delimited JSON output
// into typed tag events.
//
// The stream is decoded leniently. The monitor shares stdout with whatever
// debug chatter its libraries print, so a line that is not valid JSON, lacks
// a "type" discriminator or carries an unknown one is dropped and counted,
// never reported as an error. Only lines that classify fully are emitted.
package decoder

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/databox/nfcbridge/nfc"
)

// MaxLineBytes bounds a single protocol line. Longer lines are discarded up
// to their terminating newline.
const MaxLineBytes = 1 << 20

// readChunkSize is the read size used by ReadFrom.
const readChunkSize = 32 * 1024

// envelope is the outer shape of every protocol line.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ParseLine classifies a single line. It reports false for anything that is
// not a well-formed data or removed record.
func ParseLine(line []byte) (nfc.TagEvent, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, false
	}

	switch nfc.EventKind(env.Type) {
	case nfc.KindData:
		payload := bytes.TrimSpace(env.Payload)
		if len(payload) == 0 || payload[0] != '{' {
			return nil, false
		}
		var ev nfc.DataEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, false
		}
		return ev, true
	case nfc.KindRemoved:
		return nfc.RemovedEvent{}, true
	default:
		return nil, false
	}
}

// Decoder reassembles lines from arbitrarily split chunks and emits one event
// per well-formed line, in input order. It is not safe for concurrent use;
// each monitor process gets its own Decoder fed from a single goroutine.
type Decoder struct {
	emit func(nfc.TagEvent)
	log  *slog.Logger

	buf        []byte
	discarding bool // inside an oversized line, skipping to its newline
	dropped    int
}

// New creates a Decoder that passes every decoded event to emit.
func New(emit func(nfc.TagEvent), log *slog.Logger) *Decoder {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Decoder{emit: emit, log: log}
}

// Write consumes a chunk of the stream. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			d.buffer(p)
			break
		}
		d.buffer(p[:i])
		if d.discarding {
			d.discarding = false
		} else {
			d.processLine(d.buf)
		}
		d.buf = d.buf[:0]
		p = p[i+1:]
	}
	return n, nil
}

// ReadFrom decodes r until EOF, then flushes a trailing unterminated line.
// It returns the first read error other than io.EOF.
func (d *Decoder) ReadFrom(r io.Reader) (int64, error) {
	chunk := make([]byte, readChunkSize)
	var total int64
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			total += int64(n)
			d.Write(chunk[:n])
		}
		if err != nil {
			d.Flush()
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
	}
}

// Flush decodes any buffered partial line as if it were terminated.
func (d *Decoder) Flush() {
	if !d.discarding && len(d.buf) > 0 {
		d.processLine(d.buf)
	}
	d.buf = d.buf[:0]
	d.discarding = false
}

// Dropped returns the number of non-empty lines that were discarded.
func (d *Decoder) Dropped() int {
	return d.dropped
}

func (d *Decoder) buffer(p []byte) {
	if d.discarding {
		return
	}
	if len(d.buf)+len(p) > MaxLineBytes {
		d.buf = d.buf[:0]
		d.discarding = true
		d.dropped++
		d.log.Warn("discarding oversized monitor line", "limit", MaxLineBytes)
		return
	}
	d.buf = append(d.buf, p...)
}

func (d *Decoder) processLine(line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	ev, ok := ParseLine(line)
	if !ok {
		d.dropped++
		d.log.Debug("ignoring non-protocol line", "line", truncate(line, 200))
		return
	}
	d.emit(ev)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
