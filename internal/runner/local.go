package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"
)

// Local executes steps directly on the host with the platform's shell.
type Local struct {
	// DryRun reports what would execute without running anything.
	DryRun bool
	Logger Logger
}

// NewLocal creates a host-shell runner.
func NewLocal(dryRun bool) *Local {
	return &Local{DryRun: dryRun, Logger: nopLogger{}}
}

// SetLogger sets the debug logger for the runner.
func (l *Local) SetLogger(logger Logger) {
	if logger != nil {
		l.Logger = logger
	}
}

// Run executes the step's script. The script fails fast: the first failing
// line fails the whole step.
func (l *Local) Run(ctx context.Context, spec StepSpec) (StepResult, error) {
	if spec.Script == "" {
		return StepResult{}, fmt.Errorf("step %q has no script", spec.Name)
	}
	if l.DryRun {
		out := fmt.Sprintf("[DRY-RUN] Would execute: %s", spec.Script)
		if spec.LogSink != nil {
			spec.LogSink(out)
		}
		return StepResult{Output: out, Started: time.Now()}, nil
	}

	name, args := shellCommand(spec.Shell, spec.Script)
	l.Logger.Debugf("Executing step %q: %s %v", spec.Name, name, args[:len(args)-1])

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.Dir = spec.WorkingDir

	out := newLineWriter(spec.LogSink)
	cmd.Stdout = out
	cmd.Stderr = out

	started := time.Now()
	err := cmd.Run()
	result := StepResult{
		Output:   out.String(),
		Started:  started,
		Duration: time.Since(started),
	}
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return result, fmt.Errorf("starting step %q: %w", spec.Name, err)
		}
		result.ExitCode = exitErr.ExitCode()
		l.Logger.Debugf("Step %q exited %d", spec.Name, result.ExitCode)
	}
	return result, nil
}

// shellCommand picks the interpreter invocation for a script. The default
// follows the host OS; a step's shell field overrides it.
func shellCommand(shell, script string) (string, []string) {
	if shell == "" {
		if runtime.GOOS == "windows" {
			shell = "cmd"
		} else {
			shell = "sh"
		}
	}
	switch shell {
	case "cmd":
		return "cmd", []string{"/C", script}
	case "powershell", "pwsh":
		return shell, []string{"-Command", script}
	case "bash":
		return "bash", []string{"-eo", "pipefail", "-c", script}
	case "python":
		return "python", []string{"-c", script}
	default:
		// -e stops the script at its first failing line.
		return shell, []string{"-ec", script}
	}
}
