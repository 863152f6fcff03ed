package runner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ActionFunc handles one uses: step.
type ActionFunc func(ctx context.Context, spec StepSpec) (StepResult, error)

// Registry resolves uses: references to built-in handlers. References are
// matched on the part before the @, so actions/checkout@v3 and @v4 share a
// handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]ActionFunc
}

// NewRegistry returns a registry with the built-in handlers installed.
func NewRegistry() *Registry {
	r := &Registry{handlers: map[string]ActionFunc{}}
	r.Register("actions/checkout", checkoutAction)
	r.Register("actions/setup-python", setupPythonAction)
	r.Register("actions/cache", cacheAction)
	return r
}

// Register installs or replaces the handler for an action name.
func (r *Registry) Register(name string, fn ActionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// Names lists the registered actions, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run dispatches the step to its handler. An unknown action is an
// execution error, not a step failure.
func (r *Registry) Run(ctx context.Context, spec StepSpec) (StepResult, error) {
	name := spec.Uses
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	r.mu.RLock()
	fn, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return StepResult{}, fmt.Errorf("unknown action %q", spec.Uses)
	}
	return fn(ctx, spec)
}

// note builds a successful result carrying a single log line.
func note(spec StepSpec, format string, args ...interface{}) StepResult {
	line := fmt.Sprintf(format, args...)
	if spec.LogSink != nil {
		spec.LogSink(line)
	}
	return StepResult{Output: line + "\n", Started: time.Now()}
}

// checkoutAction materializes the repository into the instance workspace.
// With no clone source configured it leaves the workspace as provided,
// which covers runs started against an already checked-out tree.
func checkoutAction(ctx context.Context, spec StepSpec) (StepResult, error) {
	repo := spec.With["repository"]
	if repo == "" {
		repo = spec.Repo
	}
	if repo == "" {
		return note(spec, "Using existing workspace %s", spec.WorkingDir), nil
	}
	ref := spec.With["ref"]
	if ref == "" {
		ref = spec.Ref
	}
	clone := StepSpec{
		RunID:      spec.RunID,
		InstanceID: spec.InstanceID,
		Name:       spec.Name,
		Script:     checkoutScript(repo, ref),
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		LogSink:    spec.LogSink,
	}
	return NewLocal(false).Run(ctx, clone)
}

func checkoutScript(repo, ref string) string {
	var b strings.Builder
	b.WriteString("git clone --depth 1")
	if ref != "" {
		fmt.Fprintf(&b, " --branch %s", shellQuote(ref))
	}
	fmt.Fprintf(&b, " %s .", shellQuote(repo))
	return b.String()
}

// setupPythonAction records the interpreter requested for the job. The
// interpreter itself comes from the host or container image.
func setupPythonAction(ctx context.Context, spec StepSpec) (StepResult, error) {
	version := spec.With["python-version"]
	if version == "" {
		version = "system"
	}
	return note(spec, "Using Python %s", version), nil
}

// cacheAction acknowledges cache steps without caching; correctness never
// depends on a cache hit.
func cacheAction(ctx context.Context, spec StepSpec) (StepResult, error) {
	return note(spec, "Cache disabled; continuing without restore"), nil
}

// shellQuote wraps s in single quotes for safe interpolation into a script.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
