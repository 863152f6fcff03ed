package workflow

import (
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func parseMatrix(t *testing.T, src string) *Matrix {
	t.Helper()
	full := "on: push\njobs:\n  a:\n    runs-on: u\n    strategy:\n      matrix:\n" + indent(src, 8) + "    steps:\n      - run: true\n"
	wf, err := Parse(strings.NewReader(full))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	job, _ := wf.Jobs.Get("a")
	return &job.Strategy.Matrix
}

func indent(s string, n int) string {
	pad := strings.Repeat(" ", n)
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := range lines {
		lines[i] = pad + lines[i]
	}
	return strings.Join(lines, "\n") + "\n"
}

func comboSet(combos []Combination, order []string) []string {
	out := make([]string, len(combos))
	for i, c := range combos {
		out[i] = c.Describe(order)
	}
	sort.Strings(out)
	return out
}

func TestExpandProduct(t *testing.T) {
	m := parseMatrix(t, "os: [linux, windows]\npython: [\"3.9\", \"3.10\"]\n")
	got := comboSet(m.Expand(), m.Axes())
	want := []string{
		"linux, 3.10",
		"linux, 3.9",
		"windows, 3.10",
		"windows, 3.9",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("combinations mismatch (-want +got):\n%s", diff)
	}
}

func TestExpandAxisOrder(t *testing.T) {
	m := parseMatrix(t, "python: [\"3.9\"]\nos: [linux]\n")
	if diff := cmp.Diff([]string{"python", "os"}, m.Axes()); diff != "" {
		t.Errorf("axis order mismatch (-want +got):\n%s", diff)
	}
	combos := m.Expand()
	if got := combos[0].Describe(m.Axes()); got != "3.9, linux" {
		t.Errorf("Describe() = %q", got)
	}
}

func TestExpandExclude(t *testing.T) {
	m := parseMatrix(t, `os: [linux, windows, macos]
python: ["3.9", "3.10"]
exclude:
  - os: windows
    python: "3.9"
`)
	combos := m.Expand()
	if len(combos) != 5 {
		t.Fatalf("Expand() returned %d combinations, want 5", len(combos))
	}
	for _, c := range combos {
		if c["os"] == "windows" && c["python"] == "3.9" {
			t.Error("excluded combination survived expansion")
		}
	}
}

func TestExpandExcludePartialMatch(t *testing.T) {
	m := parseMatrix(t, `os: [linux, windows]
python: ["3.9", "3.10"]
exclude:
  - os: windows
`)
	combos := m.Expand()
	if len(combos) != 2 {
		t.Fatalf("Expand() returned %d combinations, want 2", len(combos))
	}
	for _, c := range combos {
		if c["os"] == "windows" {
			t.Error("partial exclude should drop every windows combination")
		}
	}
}

func TestExpandIncludeExtends(t *testing.T) {
	m := parseMatrix(t, `os: [linux, windows]
include:
  - os: windows
    shell: cmd
`)
	combos := m.Expand()
	if len(combos) != 2 {
		t.Fatalf("Expand() returned %d combinations, want 2", len(combos))
	}
	for _, c := range combos {
		switch c["os"] {
		case "windows":
			if c["shell"] != "cmd" {
				t.Errorf("windows combination missing include key: %v", c)
			}
		case "linux":
			if _, ok := c["shell"]; ok {
				t.Errorf("linux combination gained include key: %v", c)
			}
		}
	}
}

func TestExpandIncludeAppends(t *testing.T) {
	m := parseMatrix(t, `os: [linux]
include:
  - os: freebsd
`)
	combos := m.Expand()
	if len(combos) != 2 {
		t.Fatalf("Expand() returned %d combinations, want 2", len(combos))
	}
	got := comboSet(combos, m.Axes())
	if diff := cmp.Diff([]string{"freebsd", "linux"}, got); diff != "" {
		t.Errorf("combinations mismatch (-want +got):\n%s", diff)
	}
}

func TestExpandIncludeOnly(t *testing.T) {
	m := parseMatrix(t, `include:
  - site: production
  - site: staging
`)
	combos := m.Expand()
	if len(combos) != 2 {
		t.Fatalf("Expand() returned %d combinations, want one per include row", len(combos))
	}
	got := comboSet(combos, m.Axes())
	if diff := cmp.Diff([]string{"production", "staging"}, got); diff != "" {
		t.Errorf("combinations mismatch (-want +got):\n%s", diff)
	}
}

func TestExpandEmptyMatrix(t *testing.T) {
	var m *Matrix
	if !m.Empty() {
		t.Error("nil matrix should be empty")
	}
	if got := m.Expand(); got != nil {
		t.Errorf("Expand() = %v, want nil", got)
	}
}

func TestDescribeIncludeOnlyKeysSorted(t *testing.T) {
	c := Combination{"os": "linux", "zeta": "z", "alpha": "a"}
	if got := c.Describe([]string{"os"}); got != "linux, a, z" {
		t.Errorf("Describe() = %q", got)
	}
}
