// Package runner provides the execution backends steps run on: the local
// host, a Docker container, or a built-in handler for uses: steps.
package runner

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"
)

// Logger defines the interface for debug logging.
type Logger interface {
	Debugf(format string, args ...interface{})
}

// nopLogger is a no-op logger implementation.
type nopLogger struct{}

func (n nopLogger) Debugf(format string, args ...interface{}) {}

// StepSpec describes one step execution with every value already
// interpolated.
type StepSpec struct {
	RunID      string
	InstanceID string
	Name       string

	// Script is the shell script for run: steps. Empty when Uses is set.
	Script string
	// Uses names a built-in action for uses: steps. Empty when Script is set.
	Uses string
	// With carries the action's inputs.
	With map[string]string

	Shell      string
	Env        map[string]string
	WorkingDir string
	// Platform is the runner.os value for the owning instance. Backends
	// that execute on a fixed OS ignore it.
	Platform string

	// Repo and Ref name the clone source for the run. The checkout action
	// falls back to them when the step does not choose a repository itself.
	// Repo is a clonable URL, Ref a branch name.
	Repo string
	Ref  string

	// LogSink, when set, receives output lines as they are produced.
	LogSink func(line string)
}

// StepResult is the outcome of one step execution. A non-zero ExitCode is a
// step failure; errors from Run cover the step not executing at all.
type StepResult struct {
	ExitCode int
	Output   string
	Started  time.Time
	Duration time.Duration
}

// OK reports whether the step succeeded.
func (r StepResult) OK() bool { return r.ExitCode == 0 }

// Runner executes a single step.
type Runner interface {
	Run(ctx context.Context, spec StepSpec) (StepResult, error)
}

// lineWriter accumulates output and feeds completed lines to a sink.
type lineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	line bytes.Buffer
	sink func(line string)
}

func newLineWriter(sink func(string)) *lineWriter {
	return &lineWriter{sink: sink}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	if w.sink == nil {
		return len(p), nil
	}
	for _, b := range p {
		if b == '\n' {
			w.sink(strings.TrimRight(w.line.String(), "\r"))
			w.line.Reset()
			continue
		}
		w.line.WriteByte(b)
	}
	return len(p), nil
}

// String returns everything written so far, flushing any unterminated line
// to the sink first.
func (w *lineWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sink != nil && w.line.Len() > 0 {
		w.sink(w.line.String())
		w.line.Reset()
	}
	return w.buf.String()
}

// mergeEnv layers overlay onto base environ entries.
func mergeEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overlay))
	for _, kv := range base {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if _, shadowed := overlay[key]; !shadowed {
			out = append(out, kv)
		}
	}
	for k, v := range overlay {
		out = append(out, k+"="+v)
	}
	return out
}
