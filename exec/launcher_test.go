package exec

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found in PATH, skipping test")
	}
}

// drain reads both streams to EOF the way the supervisor does before Wait.
func drain(t *testing.T, p Process) (string, string) {
	t.Helper()
	errCh := make(chan string, 1)
	go func() {
		b, _ := io.ReadAll(p.Stderr())
		errCh <- string(b)
	}()
	out, _ := io.ReadAll(p.Stdout())
	return string(out), <-errCh
}

func TestRealLauncher_Output(t *testing.T) {
	requireSh(t)
	l := NewRealLauncher()

	p, err := l.Start(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo hello; echo oops >&2; exit 3"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stdout, stderr := drain(t, p)
	code, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if stdout != "hello\n" {
		t.Errorf("stdout = %q, want %q", stdout, "hello\n")
	}
	if stderr != "oops\n" {
		t.Errorf("stderr = %q, want %q", stderr, "oops\n")
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}

func TestRealLauncher_Env(t *testing.T) {
	requireSh(t)
	p, err := NewRealLauncher().Start(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "printf %s \"$NFC_TEST_VAR\""},
		Env:  []string{"NFC_TEST_VAR=reader-1"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stdout, _ := drain(t, p)
	p.Wait()
	if stdout != "reader-1" {
		t.Errorf("stdout = %q, want %q", stdout, "reader-1")
	}
}

func TestRealLauncher_MissingBinary(t *testing.T) {
	_, err := NewRealLauncher().Start(context.Background(), Command{Name: "nfcbridge-no-such-binary"})
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	if !errors.Is(err, exec.ErrNotFound) {
		t.Errorf("expected exec.ErrNotFound, got %v", err)
	}
}

func TestRealLauncher_Kill(t *testing.T) {
	requireSh(t)
	p, err := NewRealLauncher().Start(context.Background(), Command{Name: "sh", Args: []string{"-c", "exec sleep 30"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	drain(t, p)
	code, err := p.Wait()
	if code != -1 || err == nil {
		t.Errorf("Wait after kill = (%d, %v), want (-1, non-nil)", code, err)
	}
	if err := p.Kill(); err != nil {
		t.Errorf("second Kill should be a no-op, got %v", err)
	}
}

func TestRealLauncher_KillReachesChildren(t *testing.T) {
	requireSh(t)
	p, err := NewRealLauncher().Start(context.Background(), Command{Name: "sh", Args: []string{"-c", "sleep 30 & wait"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	done := make(chan struct{})
	go func() {
		drain(t, p)
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(pipeCloseDelay + time.Second):
		t.Fatal("output still open after Kill: background child survived")
	}
}

func TestRealLauncher_ContextCancelBoundsWait(t *testing.T) {
	requireSh(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	p, err := NewRealLauncher().Start(ctx, Command{Name: "sh", Args: []string{"-c", "echo started; sleep 30 & wait"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	stdout, _ := drain(t, p)
	code, err := p.Wait()
	if elapsed := time.Since(start); elapsed > pipeCloseDelay+time.Second {
		t.Errorf("drain and Wait took %s after cancellation", elapsed)
	}
	if stdout != "started\n" {
		t.Errorf("stdout = %q, want %q", stdout, "started\n")
	}
	if code != -1 || err == nil {
		t.Errorf("Wait after cancel = (%d, %v), want (-1, non-nil)", code, err)
	}
}

func TestCommand_String(t *testing.T) {
	c := Command{Name: "python3", Args: []string{"nfc_writer.py", "Taro", "10"}}
	if got, want := c.String(), "python3 nfc_writer.py Taro 10"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestFakeLauncher_Script(t *testing.T) {
	l := NewFakeLauncher()
	l.OnScript("nfc_writer.py", func(p *FakeProcess) {
		p.WriteStdout("✅ written\n")
		p.Exit(0)
	})

	p, err := l.Start(context.Background(), Command{Name: "python3", Args: []string{"/x/nfc_writer.py", "Taro"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stdout, _ := drain(t, p)
	code, err := p.Wait()
	if err != nil || code != 0 {
		t.Fatalf("Wait = (%d, %v), want (0, nil)", code, err)
	}
	if stdout != "✅ written\n" {
		t.Errorf("stdout = %q", stdout)
	}

	starts := l.Starts()
	if len(starts) != 1 || starts[0].Args[1] != "Taro" {
		t.Errorf("Starts() = %+v", starts)
	}
}

func TestFakeLauncher_FailOn(t *testing.T) {
	l := NewFakeLauncher()
	want := errors.New("permission denied")
	l.FailOn(ArgContains("monitor"), want)

	if _, err := l.Start(context.Background(), Command{Name: "python3", Args: []string{"monitor_nfc.py"}}); !errors.Is(err, want) {
		t.Errorf("Start error = %v, want %v", err, want)
	}
	if len(l.Processes()) != 0 {
		t.Error("failed start should not record a process")
	}
	if len(l.Starts()) != 1 {
		t.Error("failed start should still be recorded in Starts")
	}
}

func TestFakeProcess_KillAndIgnoreKill(t *testing.T) {
	l := NewFakeLauncher()

	p, _ := l.Start(context.Background(), Command{Name: "monitor"})
	p.Kill()
	code, err := p.Wait()
	if code != -1 || !errors.Is(err, ErrFakeKilled) {
		t.Errorf("Wait after kill = (%d, %v)", code, err)
	}

	slow, _ := l.Start(context.Background(), Command{Name: "monitor"})
	fp := slow.(*FakeProcess)
	fp.IgnoreKill()
	fp.Kill()
	if !fp.Killed() {
		t.Error("Killed() should report the kill request")
	}
	select {
	case <-fp.Exited():
		t.Fatal("process ignoring kill should still be running")
	default:
	}

	go func() {
		fp.WriteStdout("late line\n")
		fp.Exit(0)
	}()
	out, _ := drain(t, fp)
	if out != "late line\n" {
		t.Errorf("stdout = %q, want late line", out)
	}
	if code, err := fp.Wait(); code != 0 || err != nil {
		t.Errorf("Wait = (%d, %v), want (0, nil)", code, err)
	}
}

func TestFakeLauncher_ContextCancelKills(t *testing.T) {
	l := NewFakeLauncher()
	ctx, cancel := context.WithCancel(context.Background())

	p, _ := l.Start(ctx, Command{Name: "reader"})
	cancel()

	select {
	case <-p.(*FakeProcess).Exited():
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled context should kill the fake process")
	}
	if !strings.Contains(l.Last().Command().Name, "reader") {
		t.Errorf("Last() = %+v", l.Last().Command())
	}
}
