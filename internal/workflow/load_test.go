package workflow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeWorkflow(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

const loadFixture = `
name: %s
on:
  push:
    branches: [master]
jobs:
  build:
    runs-on: ubuntu-latest
    steps:
      - run: make
`

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "b-second.yml", strings.Replace(loadFixture, "%s", "Second", 1))
	writeWorkflow(t, dir, "a-first.yaml", strings.Replace(loadFixture, "%s", "First", 1))
	writeWorkflow(t, dir, "notes.txt", "not a workflow")
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	wfs, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}

	var names, sources []string
	for _, wf := range wfs {
		names = append(names, wf.Name)
		sources = append(sources, filepath.Base(wf.Source))
	}
	if diff := cmp.Diff([]string{"First", "Second"}, names); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a-first.yaml", "b-second.yml"}, sources); diff != "" {
		t.Errorf("sources mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadDirEmpty(t *testing.T) {
	wfs, err := LoadDir(t.TempDir())
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if len(wfs) != 0 {
		t.Errorf("got %d workflows, want 0", len(wfs))
	}
}

func TestLoadDirMissing(t *testing.T) {
	if _, err := LoadDir(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("LoadDir() on missing dir, want error")
	}
}

func TestLoadDirDuplicateName(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "one.yml", strings.Replace(loadFixture, "%s", "CI", 1))
	writeWorkflow(t, dir, "two.yml", strings.Replace(loadFixture, "%s", "CI", 1))

	_, err := LoadDir(dir)
	if err == nil || !strings.Contains(err.Error(), "already used") {
		t.Fatalf("LoadDir() error = %v, want duplicate name error", err)
	}
}

func TestLoadDirBadWorkflow(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "bad.yml", "name: Broken\njobs: {}\n")

	_, err := LoadDir(dir)
	if err == nil || !strings.Contains(err.Error(), "bad.yml") {
		t.Fatalf("LoadDir() error = %v, want path-annotated error", err)
	}
}
