package decoder

import (
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/databox/nfcbridge/nfc"
)

const (
	dataLine    = `{"type":"data","payload":{"idm":"04:AA:BB:CC","name":"Taro","status":[100,1,2,3,4,5,6],"inventory":[{"page":13,"data":"01 02 03 04"}]}}`
	removedLine = `{"type":"removed"}`
)

// collect returns a Decoder that appends every event to the returned slice.
func collect() (*Decoder, *[]nfc.TagEvent) {
	var events []nfc.TagEvent
	d := New(func(ev nfc.TagEvent) { events = append(events, ev) }, nil)
	return d, &events
}

func kinds(events []nfc.TagEvent) []nfc.EventKind {
	out := make([]nfc.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind()
	}
	return out
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want nfc.EventKind // empty means dropped
	}{
		{"data", dataLine, nfc.KindData},
		{"removed", removedLine, nfc.KindRemoved},
		{"removed with extra fields", `{"type":"removed","at":12}`, nfc.KindRemoved},
		{"surrounding whitespace", "  " + removedLine + "\r", nfc.KindRemoved},
		{"empty", "", ""},
		{"plain text", "debug: reader found", ""},
		{"truncated json", `{"type":"da`, ""},
		{"missing discriminator", `{"payload":{}}`, ""},
		{"unknown discriminator", `{"type":"status","message":"monitoring_started"}`, ""},
		{"discriminator wrong type", `{"type":1}`, ""},
		{"data without payload", `{"type":"data"}`, ""},
		{"data null payload", `{"type":"data","payload":null}`, ""},
		{"data array payload", `{"type":"data","payload":[1,2]}`, ""},
		{"data bad status", `{"type":"data","payload":{"status":"high"}}`, ""},
		{"json array", `[1,2,3]`, ""},
		{"json null", `null`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := ParseLine([]byte(tt.line))
			if tt.want == "" {
				if ok {
					t.Fatalf("ParseLine(%q) = %v, want dropped", tt.line, ev)
				}
				return
			}
			if !ok {
				t.Fatalf("ParseLine(%q) dropped, want %s", tt.line, tt.want)
			}
			if ev.Kind() != tt.want {
				t.Errorf("Kind() = %s, want %s", ev.Kind(), tt.want)
			}
		})
	}
}

func TestParseLine_DataFields(t *testing.T) {
	ev, ok := ParseLine([]byte(dataLine))
	if !ok {
		t.Fatal("data line dropped")
	}
	data, isData := ev.(nfc.DataEvent)
	if !isData {
		t.Fatalf("event type = %T, want nfc.DataEvent", ev)
	}
	if data.IDm != "04:AA:BB:CC" || data.Name != "Taro" {
		t.Errorf("IDm/Name = %q/%q", data.IDm, data.Name)
	}
	if !reflect.DeepEqual(data.Status, []int{100, 1, 2, 3, 4, 5, 6}) {
		t.Errorf("Status = %v", data.Status)
	}
	if pages := data.InventoryPages(); len(pages) != 1 || pages[0].Page != 13 {
		t.Errorf("InventoryPages() = %+v", pages)
	}
}

func TestDecoder_MixedInputKeepsOrder(t *testing.T) {
	d, events := collect()

	input := strings.Join([]string{
		"debug: readers polled",
		dataLine,
		"",
		`{"type":"heartbeat"}`,
		removedLine,
		"Traceback (most recent call last):",
		dataLine,
		removedLine,
	}, "\n") + "\n"

	d.Write([]byte(input))

	want := []nfc.EventKind{nfc.KindData, nfc.KindRemoved, nfc.KindData, nfc.KindRemoved}
	if got := kinds(*events); !reflect.DeepEqual(got, want) {
		t.Errorf("kinds = %v, want %v", got, want)
	}
	if d.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", d.Dropped())
	}
}

func TestDecoder_SplitAtEveryOffset(t *testing.T) {
	whole, wholeEvents := collect()
	whole.Write([]byte(dataLine + "\n"))
	if len(*wholeEvents) != 1 {
		t.Fatalf("whole line produced %d events", len(*wholeEvents))
	}

	line := dataLine + "\n"
	for i := 1; i < len(line); i++ {
		d, events := collect()
		d.Write([]byte(line[:i]))
		if len(*events) != 0 {
			t.Fatalf("split at %d: event emitted before newline", i)
		}
		d.Write([]byte(line[i:]))
		if !reflect.DeepEqual(*events, *wholeEvents) {
			t.Fatalf("split at %d: got %v, want %v", i, *events, *wholeEvents)
		}
	}
}

func TestDecoder_ByteAtATime(t *testing.T) {
	d, events := collect()
	input := removedLine + "\r\nnoise\n" + dataLine + "\n"
	for i := range len(input) {
		d.Write([]byte{input[i]})
	}
	want := []nfc.EventKind{nfc.KindRemoved, nfc.KindData}
	if got := kinds(*events); !reflect.DeepEqual(got, want) {
		t.Errorf("kinds = %v, want %v", got, want)
	}
}

func TestDecoder_Flush(t *testing.T) {
	d, events := collect()
	d.Write([]byte(removedLine))
	if len(*events) != 0 {
		t.Fatal("unterminated line should stay buffered")
	}
	d.Flush()
	if len(*events) != 1 {
		t.Fatalf("Flush emitted %d events, want 1", len(*events))
	}
	d.Flush()
	if len(*events) != 1 {
		t.Error("second Flush should not re-emit")
	}
}

func TestDecoder_OversizedLineDiscarded(t *testing.T) {
	d, events := collect()

	huge := `{"type":"data","payload":{"name":"` + strings.Repeat("x", MaxLineBytes) + `"}}`
	d.Write([]byte(huge[:MaxLineBytes/2]))
	d.Write([]byte(huge[MaxLineBytes/2:]))
	d.Write([]byte("\n" + removedLine + "\n"))

	want := []nfc.EventKind{nfc.KindRemoved}
	if got := kinds(*events); !reflect.DeepEqual(got, want) {
		t.Errorf("kinds = %v, want %v", got, want)
	}
	if d.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", d.Dropped())
	}
}

type chunkReader struct {
	chunks []string
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, r.err
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if r.chunks[0] == "" {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func TestDecoder_ReadFrom(t *testing.T) {
	d, events := collect()
	r := &chunkReader{chunks: []string{`{"type":"da`, `ta","payload":{"idm":"04"}}` + "\n" + `{"type":"rem`, `oved"}`}, err: io.EOF}

	n, err := d.ReadFrom(r)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if n == 0 {
		t.Error("ReadFrom should report bytes read")
	}
	want := []nfc.EventKind{nfc.KindData, nfc.KindRemoved}
	if got := kinds(*events); !reflect.DeepEqual(got, want) {
		t.Errorf("kinds = %v, want %v", got, want)
	}
}

func TestDecoder_ReadFromError(t *testing.T) {
	d, events := collect()
	boom := errors.New("pipe broken")
	r := &chunkReader{chunks: []string{removedLine + "\n"}, err: boom}

	if _, err := d.ReadFrom(r); !errors.Is(err, boom) {
		t.Errorf("ReadFrom error = %v, want %v", err, boom)
	}
	if len(*events) != 1 {
		t.Errorf("events before the error should still be emitted, got %d", len(*events))
	}
}
