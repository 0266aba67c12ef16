package logger

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/databox/nfcbridge/paths"
)

// setupTestLogger creates a temp log file and initializes the logger with it.
func setupTestLogger(t *testing.T) string {
	t.Helper()
	Reset()
	t.Cleanup(Reset)

	logPath := filepath.Join(t.TempDir(), "test-debug.log")
	if err := Init(logPath); err != nil {
		t.Fatalf("Failed to init logger: %v", err)
	}
	return logPath
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	return string(content)
}

func TestGet_StructuredLogging(t *testing.T) {
	logPath := setupTestLogger(t)

	Get().Info("card written", "idm", "04:AA:BB", "money", 100)

	content := readLog(t, logPath)
	for _, want := range []string{"card written", "idm=04:AA:BB", "money=100", "logger initialized"} {
		if !strings.Contains(content, want) {
			t.Errorf("log should contain %q, got:\n%s", want, content)
		}
	}
}

func TestPath(t *testing.T) {
	logPath := setupTestLogger(t)
	if got := Path(); got != logPath {
		t.Errorf("Path() = %q, want %q", got, logPath)
	}
}

func TestLogLevel_Filtering(t *testing.T) {
	logPath := setupTestLogger(t)

	Get().Debug("hidden debug line")
	SetDebug(true)
	Get().Debug("visible debug line")
	SetDebug(false)

	content := readLog(t, logPath)
	if strings.Contains(content, "hidden debug line") {
		t.Error("debug line should be filtered at info level")
	}
	if !strings.Contains(content, "visible debug line") {
		t.Error("debug line should be written after SetDebug(true)")
	}
}

func TestWithComponent(t *testing.T) {
	logPath := setupTestLogger(t)

	WithComponent("supervisor").Info("monitor started")

	if content := readLog(t, logPath); !strings.Contains(content, "component=supervisor") {
		t.Errorf("log should contain component attr, got:\n%s", content)
	}
}

func TestWithSession(t *testing.T) {
	logPath := setupTestLogger(t)

	WithSession("sess-42").Info("tag removed", "events", 3)

	content := readLog(t, logPath)
	if !strings.Contains(content, "sessionID=sess-42") {
		t.Errorf("log should contain sessionID attr, got:\n%s", content)
	}
	if !strings.Contains(content, "events=3") {
		t.Errorf("log should contain additional attrs, got:\n%s", content)
	}
}

func TestInit_Idempotent(t *testing.T) {
	first := setupTestLogger(t)
	second := filepath.Join(t.TempDir(), "other.log")

	if err := Init(second); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if Path() != first {
		t.Errorf("Path() = %q, want first path %q", Path(), first)
	}
	if _, err := os.Stat(second); !os.IsNotExist(err) {
		t.Error("second Init should not create a new log file")
	}
}

func TestConcurrent_Logging(t *testing.T) {
	setupTestLogger(t)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			WithComponent("worker").Info("tick", "n", i)
		}()
	}
	wg.Wait()
}

func TestClearLogs(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("NFCBRIDGE_HOME", "")
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	paths.Reset()
	t.Cleanup(paths.Reset)
	Reset()
	t.Cleanup(Reset)

	dir, err := paths.LogsDir()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"nfcbridge.log", "nfcbridge-old.log", "keep.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	n, err := ClearLogs()
	if err != nil {
		t.Fatalf("ClearLogs: %v", err)
	}
	if n != 2 {
		t.Errorf("ClearLogs removed %d files, want 2", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "keep.txt")); err != nil {
		t.Error("ClearLogs should leave unrelated files alone")
	}
}
