package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/databox/nfcbridge/bridge"
	"github.com/databox/nfcbridge/config"
	"github.com/databox/nfcbridge/exec"
)

// frame is any message the server sends.
type frame struct {
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T, launcher *exec.FakeLauncher) (*Server, *websocket.Conn) {
	t.Helper()
	cfg := config.Default()
	cfg.Interpreter = "python3"
	cfg.ScriptsDir = "/opt/nfc"
	cfg.RunTimeout = 2 * time.Second

	b := bridge.New(bridge.Options{Config: cfg, Launcher: launcher, Logger: testLogger()})
	srv := New(b, testLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		b.Close()
	})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return srv, conn
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// next reads frames until match accepts one.
func next(t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("bad frame %s: %v", data, err)
		}
		if match(f) {
			return f
		}
	}
}

func response(id string) func(frame) bool {
	return func(f frame) bool {
		if id == "null" {
			return f.Event == "" && (len(f.ID) == 0 || string(f.ID) == "null")
		}
		return string(f.ID) == id
	}
}

func event(name string) func(frame) bool {
	return func(f frame) bool { return f.Event == name }
}

func TestHealthz(t *testing.T) {
	b := bridge.New(bridge.Options{Config: config.Default(), Launcher: exec.NewFakeLauncher()})
	defer b.Close()
	srv := New(b, nil)
	defer srv.Close()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestWriteData(t *testing.T) {
	launcher := exec.NewFakeLauncher()
	launcher.OnScript("nfc_writer.py", func(p *exec.FakeProcess) {
		p.WriteStdout("✅ NFCカードへの書き込みが成功しました！\n")
		p.Exit(0)
	})
	_, conn := setup(t, launcher)

	send(t, conn, `{"id":7,"method":"writeData","params":{"name":"Alice","age":20,"money":100,"class":1}}`)
	f := next(t, conn, response("7"))
	if f.Error != nil {
		t.Fatalf("error = %+v", f.Error)
	}
	var msg string
	if err := json.Unmarshal(f.Result, &msg); err != nil {
		t.Fatal(err)
	}
	if msg != "✅ NFCカードへの書き込みが成功しました！" {
		t.Errorf("result = %q", msg)
	}
}

func TestRequestErrors(t *testing.T) {
	launcher := exec.NewFakeLauncher()
	launcher.OnScript("nfc_writer.py", func(p *exec.FakeProcess) {
		p.WriteStderr("bad card")
		p.Exit(2)
	})
	launcher.OnScript("nfc_reader.py", func(p *exec.FakeProcess) {
		p.WriteStdout("not json")
		p.Exit(0)
	})
	_, conn := setup(t, launcher)

	tests := []struct {
		name     string
		msg      string
		id       string
		wantCode int
		wantMsg  string
	}{
		{"parse error", `{"id":`, "null", CodeParseError, "Parse error"},
		{"missing method", `{"id":"a"}`, `"a"`, CodeInvalidRequest, "Invalid Request"},
		{"unknown method", `{"id":1,"method":"format"}`, "1", CodeMethodNotFound, "Method not found: format"},
		{"missing params", `{"id":2,"method":"writeData"}`, "2", CodeInvalidParams, ""},
		{"invalid payload", `{"id":3,"method":"writeData","params":{"name":""}}`, "3", CodeInvalidParams, ""},
		{"script failure", `{"id":4,"method":"writeData","params":{"name":"Bob"}}`, "4", CodeScriptFailed, "bad card"},
		{"bad read output", `{"id":5,"method":"readOnce"}`, "5", CodeBadOutput, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, conn, tt.msg)
			f := next(t, conn, response(tt.id))
			if f.Error == nil {
				t.Fatalf("no error in %+v", f)
			}
			if f.Error.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", f.Error.Code, tt.wantCode)
			}
			if tt.wantMsg != "" && f.Error.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", f.Error.Message, tt.wantMsg)
			}
		})
	}
}

func TestMonitorNotifications(t *testing.T) {
	launcher := exec.NewFakeLauncher()
	_, conn := setup(t, launcher)

	send(t, conn, `{"id":1,"method":"startMonitor"}`)
	if f := next(t, conn, response("1")); f.Error != nil {
		t.Fatalf("startMonitor: %+v", f.Error)
	}

	monitor := launcher.Last()
	go func() {
		monitor.WriteStdout(`{"type":"data","payload":{"idm":"04AABBCC","name":"Alice","status":[100,1,2,3,4,5,65535]}}` + "\n")
		monitor.WriteStdout(`{"type":"removed"}` + "\n")
	}()

	f := next(t, conn, event(EventDataRead))
	var data TagData
	if err := json.Unmarshal(f.Payload, &data); err != nil {
		t.Fatal(err)
	}
	if data.IDm != "04AABBCC" || data.Name != "Alice" {
		t.Errorf("payload = %+v", data)
	}
	if data.Stats["money"] != 100 || !data.Admin {
		t.Errorf("stats = %v admin = %v", data.Stats, data.Admin)
	}
	next(t, conn, event(EventTagRemoved))

	send(t, conn, `{"id":2,"method":"stopMonitor"}`)
	f = next(t, conn, response("2"))
	if string(f.Result) != `{"monitoring":false}` {
		t.Errorf("stopMonitor result = %s", f.Result)
	}
}

func TestMonitorErrorNotification(t *testing.T) {
	launcher := exec.NewFakeLauncher()
	launcher.OnScript("monitor_nfc.py", func(p *exec.FakeProcess) {
		p.WriteStderr("No readers available")
		p.Exit(1)
	})
	_, conn := setup(t, launcher)

	send(t, conn, `{"id":1,"method":"startMonitor"}`)
	f := next(t, conn, event(EventMonitorError))
	if !strings.Contains(string(f.Payload), "No readers available") {
		t.Errorf("payload = %s", f.Payload)
	}
}

func TestClose_DisconnectsClients(t *testing.T) {
	srv, conn := setup(t, exec.NewFakeLauncher())

	deadline := time.Now().Add(2 * time.Second)
	for srv.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	srv.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("read after Close err = %v, want normal closure", err)
	}
}

func TestRequestsRunConcurrently(t *testing.T) {
	launcher := exec.NewFakeLauncher()
	// The reader script is left without a rule, so it idles until the run
	// timeout kills it.
	launcher.OnScript("get_db_data.py", func(p *exec.FakeProcess) {
		p.WriteStdout(`{"found":true,"data":{"nfc_card_id":"04AABBCC","user_name":"Alice"}}`)
		p.Exit(0)
	})
	_, conn := setup(t, launcher)

	send(t, conn, `{"id":1,"method":"readOnce"}`)
	deadline := time.Now().Add(2 * time.Second)
	for len(launcher.Starts()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("read script never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	start := time.Now()
	send(t, conn, `{"id":2,"method":"lookup","params":{"idm":"04AABBCC"}}`)
	f := next(t, conn, response("2"))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("lookup answered after %s, queued behind the pending read", elapsed)
	}
	if f.Error != nil {
		t.Fatalf("lookup error = %+v", f.Error)
	}

	f = next(t, conn, response("1"))
	if f.Error == nil || f.Error.Code != CodeTimeout {
		t.Errorf("read error = %+v, want code %d", f.Error, CodeTimeout)
	}
}
