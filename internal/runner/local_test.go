package runner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test drives the POSIX shell")
	}
}

type testLogger struct {
	logs []string
}

func (l *testLogger) Debugf(format string, args ...interface{}) {
	l.logs = append(l.logs, format)
}

func TestLocalRunCapturesOutput(t *testing.T) {
	skipOnWindows(t)
	l := NewLocal(false)
	res, err := l.Run(context.Background(), StepSpec{
		Name:   "hello",
		Script: "echo one\necho two",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.OK() {
		t.Errorf("ExitCode = %d", res.ExitCode)
	}
	if res.Output != "one\ntwo\n" {
		t.Errorf("Output = %q", res.Output)
	}
	if res.Duration < 0 {
		t.Errorf("Duration = %v", res.Duration)
	}
}

func TestLocalRunFailsFast(t *testing.T) {
	skipOnWindows(t)
	l := NewLocal(false)
	res, err := l.Run(context.Background(), StepSpec{
		Name:   "failing",
		Script: "echo before\nfalse\necho after",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.OK() {
		t.Fatal("step succeeded, want failure")
	}
	if strings.Contains(res.Output, "after") {
		t.Errorf("lines after the failure still ran: %q", res.Output)
	}
	if !strings.Contains(res.Output, "before") {
		t.Errorf("lines before the failure missing: %q", res.Output)
	}
}

func TestLocalRunExitCode(t *testing.T) {
	skipOnWindows(t)
	l := NewLocal(false)
	res, err := l.Run(context.Background(), StepSpec{Name: "exit", Script: "exit 3"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
}

func TestLocalRunEnv(t *testing.T) {
	skipOnWindows(t)
	l := NewLocal(false)
	res, err := l.Run(context.Background(), StepSpec{
		Name:   "env",
		Script: "echo $OS/$PYTHON",
		Env:    map[string]string{"OS": "ubuntu-latest", "PYTHON": "3.9"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := strings.TrimSpace(res.Output); got != "ubuntu-latest/3.9" {
		t.Errorf("Output = %q", got)
	}
}

func TestLocalRunWorkingDir(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	l := NewLocal(false)
	res, err := l.Run(context.Background(), StepSpec{
		Name:       "pwd",
		Script:     "ls",
		WorkingDir: dir,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(res.Output, "marker.txt") {
		t.Errorf("Output = %q, want directory listing", res.Output)
	}
}

func TestLocalRunLogSink(t *testing.T) {
	skipOnWindows(t)
	var lines []string
	l := NewLocal(false)
	_, err := l.Run(context.Background(), StepSpec{
		Name:    "sink",
		Script:  "echo a\necho b",
		LogSink: func(line string) { lines = append(lines, line) },
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(lines) != 2 || lines[0] != "a" || lines[1] != "b" {
		t.Errorf("sink lines = %v", lines)
	}
}

func TestLocalRunDryRun(t *testing.T) {
	l := NewLocal(true)
	res, err := l.Run(context.Background(), StepSpec{Name: "dry", Script: "rm -rf /"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.OK() {
		t.Errorf("ExitCode = %d", res.ExitCode)
	}
	if !strings.Contains(res.Output, "[DRY-RUN]") {
		t.Errorf("Output = %q", res.Output)
	}
}

func TestLocalSetLogger(t *testing.T) {
	skipOnWindows(t)
	l := NewLocal(false)
	logger := &testLogger{}
	l.SetLogger(logger)

	if _, err := l.Run(context.Background(), StepSpec{Name: "logged", Script: "true"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(logger.logs) == 0 {
		t.Error("debug logger captured nothing")
	}

	// SetLogger with nil should not panic
	l.SetLogger(nil)
	if _, err := l.Run(context.Background(), StepSpec{Name: "still-logged", Script: "true"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestLocalRunCancelled(t *testing.T) {
	skipOnWindows(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	l := NewLocal(false)
	_, err := l.Run(ctx, StepSpec{Name: "slow", Script: "sleep 5"})
	if err == nil {
		t.Fatal("Run() succeeded, want context error")
	}
}

func TestLocalRunRejectsEmptyScript(t *testing.T) {
	l := NewLocal(false)
	if _, err := l.Run(context.Background(), StepSpec{Name: "empty"}); err == nil {
		t.Fatal("Run() succeeded with empty script")
	}
}

func TestShellCommand(t *testing.T) {
	tests := []struct {
		shell    string
		wantName string
		wantArgs int
	}{
		{"cmd", "cmd", 2},
		{"powershell", "powershell", 2},
		{"bash", "bash", 4},
		{"python", "python", 2},
		{"zsh", "zsh", 2},
	}
	for _, tt := range tests {
		name, args := shellCommand(tt.shell, "x")
		if name != tt.wantName || len(args) != tt.wantArgs {
			t.Errorf("shellCommand(%q) = %q %v", tt.shell, name, args)
		}
	}
}
