package runner

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLineWriter(t *testing.T) {
	var lines []string
	w := newLineWriter(func(line string) { lines = append(lines, line) })

	w.Write([]byte("par"))
	w.Write([]byte("tial\nfull line\ntail"))
	got := w.String()

	if got != "partial\nfull line\ntail" {
		t.Errorf("String() = %q", got)
	}
	want := []string{"partial", "full line", "tail"}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Errorf("sink lines mismatch (-want +got):\n%s", diff)
	}
}

func TestLineWriterStripsCarriageReturn(t *testing.T) {
	var lines []string
	w := newLineWriter(func(line string) { lines = append(lines, line) })
	w.Write([]byte("windows line\r\n"))
	if len(lines) != 1 || lines[0] != "windows line" {
		t.Errorf("lines = %v", lines)
	}
}

func TestLineWriterNilSink(t *testing.T) {
	w := newLineWriter(nil)
	w.Write([]byte("a\nb"))
	if w.String() != "a\nb" {
		t.Errorf("String() = %q", w.String())
	}
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/bin", "HOME=/root", "PYTHON=old"}
	got := mergeEnv(base, map[string]string{"PYTHON": "3.9", "OS": "linux"})
	sort.Strings(got)
	want := []string{"HOME=/root", "OS=linux", "PATH=/bin", "PYTHON=3.9"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mergeEnv mismatch (-want +got):\n%s", diff)
	}

	if got := mergeEnv(base, nil); len(got) != len(base) {
		t.Errorf("mergeEnv with empty overlay = %v", got)
	}
}

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry()

	res, err := r.Run(context.Background(), StepSpec{Uses: "actions/setup-python@v4", With: map[string]string{"python-version": "3.9"}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(res.Output, "3.9") {
		t.Errorf("Output = %q", res.Output)
	}

	// The version suffix does not affect dispatch.
	if _, err := r.Run(context.Background(), StepSpec{Uses: "actions/setup-python@v5"}); err != nil {
		t.Errorf("v5 dispatch error = %v", err)
	}

	if _, err := r.Run(context.Background(), StepSpec{Uses: "frobnicate/unknown@v1"}); err == nil {
		t.Error("unknown action did not error")
	}
}

func TestRegistryCheckoutWithoutRepo(t *testing.T) {
	r := NewRegistry()
	res, err := r.Run(context.Background(), StepSpec{Uses: "actions/checkout@v3", WorkingDir: "/src"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.OK() || !strings.Contains(res.Output, "/src") {
		t.Errorf("result = %+v", res)
	}
}

func TestRegistryCacheNoop(t *testing.T) {
	r := NewRegistry()
	res, err := r.Run(context.Background(), StepSpec{Uses: "actions/cache@v3"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.OK() {
		t.Errorf("ExitCode = %d", res.ExitCode)
	}
}

func TestRegistryRegisterAndNames(t *testing.T) {
	r := NewRegistry()
	r.Register("custom/action", func(ctx context.Context, spec StepSpec) (StepResult, error) {
		return StepResult{Output: "custom\n"}, nil
	})
	names := r.Names()
	found := false
	for _, n := range names {
		if n == "custom/action" {
			found = true
		}
	}
	if !found {
		t.Errorf("Names() = %v", names)
	}
	res, err := r.Run(context.Background(), StepSpec{Uses: "custom/action@v1"})
	if err != nil || res.Output != "custom\n" {
		t.Errorf("custom handler = %+v, %v", res, err)
	}
}

func TestProviderRouting(t *testing.T) {
	local := NewLocal(true)
	p := NewProvider(local, nil)

	if got := p.For(StepSpec{Uses: "actions/checkout@v3"}); got != p.Registry {
		t.Errorf("uses step routed to %T", got)
	}
	if got := p.For(StepSpec{Script: "true", Platform: "Linux"}); got != Runner(local) {
		t.Errorf("linux script without docker routed to %T", got)
	}
	if got := p.For(StepSpec{Script: "true", Platform: "Windows"}); got != Runner(local) {
		t.Errorf("windows script routed to %T", got)
	}

	p.Docker = &Docker{DefaultImage: "python:3.11"}
	if got := p.For(StepSpec{Script: "true", Platform: "Linux"}); got != Runner(p.Docker) {
		t.Errorf("linux script with docker routed to %T", got)
	}
	if got := p.For(StepSpec{Script: "true", Platform: "Windows"}); got != Runner(local) {
		t.Errorf("windows script with docker routed to %T", got)
	}
}

func TestShellQuote(t *testing.T) {
	if got := shellQuote("plain"); got != "'plain'" {
		t.Errorf("shellQuote(plain) = %q", got)
	}
	if got := shellQuote("it's"); got != `'it'\''s'` {
		t.Errorf("shellQuote(it's) = %q", got)
	}
}

func TestCheckoutScript(t *testing.T) {
	got := checkoutScript("https://example.com/repo.git", "master")
	want := "git clone --depth 1 --branch 'master' 'https://example.com/repo.git' ."
	if got != want {
		t.Errorf("checkoutScript() = %q, want %q", got, want)
	}
	got = checkoutScript("https://example.com/repo.git", "")
	if strings.Contains(got, "--branch") {
		t.Errorf("checkoutScript() without ref = %q", got)
	}
}
