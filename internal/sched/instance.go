package sched

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/banshee-data/gantry.build/internal/bus"
	"github.com/banshee-data/gantry.build/internal/expr"
	"github.com/banshee-data/gantry.build/internal/runner"
	"github.com/banshee-data/gantry.build/internal/workflow"
)

// runInstance executes one job instance: steps in order, first failure
// short-circuiting the rest. It owns jr exclusively until it sends it back
// on results.
func (s *Scheduler) runInstance(ctx context.Context, sem chan struct{}, runID string, jr *JobRun, github, wfEnv map[string]string, results chan<- *JobRun) {
	sem <- struct{}{}
	defer func() { results <- jr }()
	defer func() { <-sem }()

	inst := jr.Instance
	jr.StartedAt = s.Clock.Now()
	s.recordJob(ctx, runID, jr)
	s.publish(bus.Message{
		Kind:       bus.JobStarted,
		RunID:      runID,
		JobID:      inst.JobID,
		InstanceID: inst.ID,
		Status:     string(StatusRunning),
		Time:       jr.StartedAt,
	})

	jctx := ctx
	if inst.Job.TimeoutMinutes > 0 {
		var cancel context.CancelFunc
		jctx, cancel = context.WithTimeout(ctx, time.Duration(inst.Job.TimeoutMinutes)*time.Minute)
		defer cancel()
	}

	runnerCtx := map[string]string{"os": inst.Platform, "arch": inst.Arch}
	jobEnv, err := expr.ExpandMap(inst.Job.Env, &expr.Context{
		GitHub:  github,
		Runner:  runnerCtx,
		Matrix:  inst.Matrix,
		Env:     wfEnv,
		Secrets: s.Secrets,
	})
	if err != nil {
		s.failInstance(jr, fmt.Sprintf("job env: %v", err))
		return
	}
	env := mergeMaps(wfEnv, jobEnv)

	var workdir string
	if s.Workspaces != nil {
		workdir, err = s.Workspaces.Allocate(runID, inst.ID)
		if err != nil {
			s.failInstance(jr, fmt.Sprintf("allocating workspace: %v", err))
			return
		}
	}

	failed := false
	failReason := ""
	cancelled := false

	for i, step := range inst.Job.Steps {
		sr := jr.Steps[i]
		if jctx.Err() != nil {
			sr.Status = StatusCompleted
			if jobTimedOut(ctx, jctx) {
				sr.Conclusion = ConclusionSkipped
			} else {
				sr.Conclusion = ConclusionCancelled
				cancelled = true
			}
			s.recordStep(ctx, runID, inst.ID, sr)
			continue
		}

		stepCtx := &expr.Context{
			GitHub:  github,
			Runner:  runnerCtx,
			Matrix:  inst.Matrix,
			Env:     env,
			Secrets: s.Secrets,
			Status:  StatusSuccessFor(!failed),
		}
		shouldRun, err := evalStepCondition(step.If, !failed, stepCtx)
		if err != nil {
			sr.Status = StatusCompleted
			sr.Conclusion = ConclusionFailure
			sr.Output = fmt.Sprintf("condition: %v", err)
			failed, failReason = true, sr.Output
			s.recordStep(ctx, runID, inst.ID, sr)
			continue
		}
		if !shouldRun {
			sr.Status = StatusCompleted
			sr.Conclusion = ConclusionSkipped
			s.recordStep(ctx, runID, inst.ID, sr)
			continue
		}

		s.runStep(jctx, ctx, runID, jr, sr, i, step, stepCtx, env, workdir)
		switch sr.Conclusion {
		case ConclusionFailure:
			if !inst.Job.Steps[i].ContinueOnError {
				failed = true
				if failReason == "" {
					failReason = fmt.Sprintf("step %q failed", sr.Name)
				}
			}
		case ConclusionCancelled:
			cancelled = true
		}
	}

	jr.Status = StatusCompleted
	jr.FinishedAt = s.Clock.Now()
	switch {
	case cancelled:
		jr.Conclusion = ConclusionCancelled
		jr.Reason = "run cancelled"
	case jobTimedOut(ctx, jctx):
		jr.Conclusion = ConclusionFailure
		jr.Reason = fmt.Sprintf("timed out after %dm", inst.Job.TimeoutMinutes)
	case failed:
		jr.Conclusion = ConclusionFailure
		jr.Reason = failReason
	default:
		jr.Conclusion = ConclusionSuccess
	}
}

// runStep executes one step and fills sr. jctx carries the job timeout;
// runCtx is the run-level context used to distinguish cancellation from
// timeout.
func (s *Scheduler) runStep(jctx, runCtx context.Context, runID string, jr *JobRun, sr *StepRun, index int, step workflow.Step, stepCtx *expr.Context, env map[string]string, workdir string) {
	inst := jr.Instance

	stepEnv, err := expr.ExpandMap(step.Env, stepCtx)
	if err != nil {
		sr.Status = StatusCompleted
		sr.Conclusion = ConclusionFailure
		sr.Output = fmt.Sprintf("step env: %v", err)
		s.recordStep(runCtx, runID, inst.ID, sr)
		return
	}

	spec := runner.StepSpec{
		RunID:      runID,
		InstanceID: inst.ID,
		Name:       sr.Name,
		Shell:      step.Shell,
		Env:        mergeMaps(env, stepEnv),
		Platform:   inst.Platform,
		Repo:       s.RepoURL,
		Ref:        stepCtx.GitHub["ref_name"],
		WorkingDir: workdir,
		LogSink: func(line string) {
			s.publish(bus.Message{
				Kind:       bus.StepLog,
				RunID:      runID,
				JobID:      inst.JobID,
				InstanceID: inst.ID,
				StepIndex:  index,
				Detail:     line,
			})
			_ = s.Recorder.AppendLog(context.WithoutCancel(runCtx), runID, inst.ID, index, line)
		},
	}
	if step.WorkingDirectory != "" {
		wd, err := expr.Expand(step.WorkingDirectory, stepCtx)
		if err != nil {
			sr.Status = StatusCompleted
			sr.Conclusion = ConclusionFailure
			sr.Output = fmt.Sprintf("working-directory: %v", err)
			s.recordStep(runCtx, runID, inst.ID, sr)
			return
		}
		if workdir != "" && !filepath.IsAbs(wd) {
			wd = filepath.Join(workdir, wd)
		}
		spec.WorkingDir = wd
	}

	if step.Uses != "" {
		spec.Uses, err = expr.Expand(step.Uses, stepCtx)
		if err == nil {
			spec.With, err = expr.ExpandMap(step.With, stepCtx)
		}
	} else {
		spec.Script, err = expr.Expand(step.Run, stepCtx)
	}
	if err != nil {
		sr.Status = StatusCompleted
		sr.Conclusion = ConclusionFailure
		sr.Output = fmt.Sprintf("interpolating step: %v", err)
		s.recordStep(runCtx, runID, inst.ID, sr)
		return
	}

	sr.Status = StatusRunning
	sr.StartedAt = s.Clock.Now()
	s.recordStep(runCtx, runID, inst.ID, sr)
	s.publish(bus.Message{
		Kind:       bus.StepStarted,
		RunID:      runID,
		JobID:      inst.JobID,
		InstanceID: inst.ID,
		StepIndex:  index,
		Status:     string(StatusRunning),
		Time:       sr.StartedAt,
	})

	sctx := jctx
	if step.TimeoutMinutes > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(jctx, time.Duration(step.TimeoutMinutes)*time.Minute)
		defer cancel()
	}

	res, err := s.Provider.Run(sctx, spec)
	sr.Output = res.Output
	sr.ExitCode = res.ExitCode
	sr.Status = StatusCompleted
	sr.FinishedAt = s.Clock.Now()

	switch {
	case err == nil && res.OK():
		sr.Conclusion = ConclusionSuccess
	case err == nil:
		sr.Conclusion = ConclusionFailure
	case runCtx.Err() != nil:
		sr.Conclusion = ConclusionCancelled
	case errors.Is(err, context.DeadlineExceeded):
		// Job or step timeout, not a run cancellation.
		sr.Conclusion = ConclusionFailure
		sr.Output = appendLine(sr.Output, "timed out")
	default:
		sr.Conclusion = ConclusionFailure
		sr.Output = appendLine(sr.Output, fmt.Sprintf("execution error: %v", err))
	}

	s.recordStep(runCtx, runID, inst.ID, sr)
	s.publish(bus.Message{
		Kind:       bus.StepFinished,
		RunID:      runID,
		JobID:      inst.JobID,
		InstanceID: inst.ID,
		StepIndex:  index,
		Status:     string(sr.Status),
		Conclusion: string(sr.Conclusion),
		Time:       sr.FinishedAt,
	})
}

// evalStepCondition mirrors the job condition rules for steps: an implicit
// success() guard unless the condition consults a status function itself.
func evalStepCondition(cond string, priorOK bool, ctx *expr.Context) (bool, error) {
	if cond == "" {
		return priorOK, nil
	}
	if hasStatusFunc(cond) {
		return expr.EvalBool(cond, ctx)
	}
	if !priorOK {
		return false, nil
	}
	return expr.EvalBool(cond, ctx)
}

// failInstance concludes an instance that could not start its steps. The
// caller's deferred results send carries it to finalize for recording.
func (s *Scheduler) failInstance(jr *JobRun, reason string) {
	now := s.Clock.Now()
	jr.Status = StatusCompleted
	jr.Conclusion = ConclusionFailure
	jr.Reason = reason
	jr.FinishedAt = now
	for _, sr := range jr.Steps {
		if sr.Status == StatusQueued {
			sr.Status = StatusCompleted
			sr.Conclusion = ConclusionSkipped
		}
	}
}

// jobTimedOut reports whether the job context expired while the run context
// is still live.
func jobTimedOut(runCtx, jctx context.Context) bool {
	return errors.Is(jctx.Err(), context.DeadlineExceeded) && runCtx.Err() == nil
}

// mergeMaps layers b over a into a fresh map.
func mergeMaps(a, b map[string]string) map[string]string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// appendLine appends a line to accumulated output.
func appendLine(out, line string) string {
	if out == "" {
		return line + "\n"
	}
	if out[len(out)-1] != '\n' {
		out += "\n"
	}
	return out + line + "\n"
}
