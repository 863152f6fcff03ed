// Package sched executes a compiled plan: it releases job instances as
// their prerequisites succeed, fans matrix instances out across a bounded
// worker pool, and propagates skips and failures downstream.
package sched

import (
	"context"
	"fmt"
	"strings"

	"github.com/banshee-data/gantry.build/internal/bus"
	"github.com/banshee-data/gantry.build/internal/expr"
	"github.com/banshee-data/gantry.build/internal/fsutil"
	"github.com/banshee-data/gantry.build/internal/monitoring"
	"github.com/banshee-data/gantry.build/internal/plan"
	"github.com/banshee-data/gantry.build/internal/runner"
	"github.com/banshee-data/gantry.build/internal/timeutil"
)

// DefaultMaxParallel bounds concurrently running job instances when the
// caller does not choose a limit.
const DefaultMaxParallel = 4

// Scheduler runs plans. Zero-value fields fall back to sane defaults in
// New; Provider is the only required dependency.
type Scheduler struct {
	Provider *runner.Provider

	// Bus, when set, receives progress messages for live subscribers.
	Bus *bus.Bus
	// Recorder persists progress; NopRecorder by default.
	Recorder Recorder
	// Clock supplies timestamps, swappable for tests.
	Clock timeutil.Clock
	// Workspaces, when set, gives each instance a scratch directory.
	Workspaces *fsutil.Workspaces
	// Secrets feed the secrets.* expression context.
	Secrets map[string]string
	// MaxParallel bounds concurrently running instances.
	MaxParallel int
	// RepoURL is the clone source handed to checkout steps that do not
	// name a repository themselves.
	RepoURL string
}

// New creates a scheduler with defaults around the given provider.
func New(provider *runner.Provider) *Scheduler {
	return &Scheduler{
		Provider:    provider,
		Recorder:    NopRecorder{},
		Clock:       timeutil.RealClock{},
		MaxParallel: DefaultMaxParallel,
	}
}

// Execute runs the plan to completion and returns the final run state. The
// returned error covers run-level definition problems (a workflow env that
// does not interpolate); step and job failures are reported in the run
// state, not as errors. Cancelling ctx cancels the run: running steps are
// killed and waiting instances conclude cancelled.
func (s *Scheduler) Execute(ctx context.Context, runID string, p *plan.Plan) (*Run, error) {
	run := &Run{
		ID:           runID,
		WorkflowName: p.Workflow.Name,
		Event:        p.Event,
		Status:       StatusQueued,
	}
	for _, inst := range p.Instances {
		jr := &JobRun{Instance: inst, Status: StatusQueued}
		for i, step := range inst.Job.Steps {
			jr.Steps = append(jr.Steps, &StepRun{Index: i, Name: step.DisplayName(), Status: StatusQueued})
		}
		run.Jobs = append(run.Jobs, jr)
	}

	run.Status = StatusRunning
	run.StartedAt = s.Clock.Now()
	s.recordRun(ctx, run)
	// Seed every planned instance so observers see the full set up front.
	for _, jr := range run.Jobs {
		s.recordJob(ctx, run.ID, jr)
	}
	s.publish(bus.Message{Kind: bus.RunStarted, RunID: run.ID, Time: run.StartedAt})

	github := plan.GitHubContext(p.Event)
	wfEnv, err := expr.ExpandMap(p.Workflow.Env, &expr.Context{GitHub: github, Secrets: s.Secrets})
	if err != nil {
		run.Status = StatusCompleted
		run.Conclusion = ConclusionFailure
		run.FinishedAt = s.Clock.Now()
		s.recordRun(ctx, run)
		s.publish(bus.Message{Kind: bus.RunFinished, RunID: run.ID, Conclusion: string(run.Conclusion)})
		return run, fmt.Errorf("workflow env: %w", err)
	}

	maxParallel := s.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	sem := make(chan struct{}, maxParallel)
	results := make(chan *JobRun)

	pending := len(run.Jobs)
	cancelSeen := false

	// dispatch releases every instance whose prerequisites have completed.
	// An instance concluded here (skipped, condition failure) can release
	// further instances in the same call, so passes repeat until none
	// conclude; otherwise a skip cascade would leave the run waiting on a
	// worker that was never started.
	dispatch := func() {
		if ctx.Err() != nil {
			return
		}
		for again := true; again; {
			again = false
			for _, jr := range run.Jobs {
				if jr.Status != StatusQueued {
					continue
				}
				ready, needsOK, blockedBy := s.needsState(p, run, jr.Instance)
				if !ready {
					continue
				}
				shouldRun, reason, err := s.evalJobCondition(jr, needsOK, github, wfEnv)
				if err != nil {
					s.conclude(ctx, run, jr, ConclusionFailure, fmt.Sprintf("condition: %v", err))
					pending--
					again = true
					continue
				}
				if !shouldRun {
					if reason == "" && blockedBy != "" {
						reason = fmt.Sprintf("prerequisite %s did not succeed", blockedBy)
					}
					s.conclude(ctx, run, jr, ConclusionSkipped, reason)
					pending--
					again = true
					continue
				}
				jr.Status = StatusRunning
				go s.runInstance(ctx, sem, run.ID, jr, github, wfEnv, results)
			}
		}
	}

	dispatch()
	for pending > 0 {
		select {
		case <-ctx.Done():
			if !cancelSeen {
				cancelSeen = true
				for _, jr := range run.Jobs {
					if jr.Status == StatusQueued {
						s.conclude(ctx, run, jr, ConclusionCancelled, "run cancelled")
						pending--
					}
				}
			}
			if pending > 0 {
				// Running workers observe the cancellation themselves;
				// collect their results.
				jr := <-results
				s.finalize(ctx, run, jr)
				pending--
			}
		case jr := <-results:
			s.finalize(ctx, run, jr)
			pending--
			dispatch()
		}
	}

	run.Status = StatusCompleted
	run.Conclusion = runConclusion(run)
	run.FinishedAt = s.Clock.Now()
	s.recordRun(ctx, run)
	s.publish(bus.Message{
		Kind:       bus.RunFinished,
		RunID:      run.ID,
		Status:     string(run.Status),
		Conclusion: string(run.Conclusion),
		Time:       run.FinishedAt,
	})

	if s.Workspaces != nil {
		if err := s.Workspaces.Release(run.ID); err != nil {
			monitoring.Logf("sched: releasing workspaces for run %s: %v", run.ID, err)
		}
	}
	return run, nil
}

// runConclusion folds instance conclusions into the run conclusion. Skipped
// instances do not fail a run.
func runConclusion(run *Run) Conclusion {
	conclusion := ConclusionSuccess
	for _, jr := range run.Jobs {
		switch jr.Conclusion {
		case ConclusionFailure:
			return ConclusionFailure
		case ConclusionCancelled:
			conclusion = ConclusionCancelled
		}
	}
	return conclusion
}

// needsState reports whether every prerequisite of inst has completed
// (ready), whether they all succeeded (needsOK), and if not, one
// prerequisite that got in the way.
func (s *Scheduler) needsState(p *plan.Plan, run *Run, inst *plan.JobInstance) (ready, needsOK bool, blockedBy string) {
	ready, needsOK = true, true
	for _, need := range inst.Needs {
		for _, prereq := range p.InstancesOf(need) {
			jr := run.Job(prereq.ID)
			if jr == nil || jr.Status != StatusCompleted {
				return false, false, ""
			}
			if jr.Conclusion != ConclusionSuccess {
				needsOK = false
				if blockedBy == "" {
					blockedBy = prereq.ID
				}
			}
		}
	}
	return ready, needsOK, blockedBy
}

// evalJobCondition decides whether an instance whose prerequisites have all
// completed should run. A condition without a status function carries an
// implicit success() guard, so prerequisite failure skips the instance
// unless the condition opts out with always() or failure().
func (s *Scheduler) evalJobCondition(jr *JobRun, needsOK bool, github, wfEnv map[string]string) (bool, string, error) {
	inst := jr.Instance
	cond := inst.Job.If
	ctx := &expr.Context{
		GitHub:  github,
		Runner:  map[string]string{"os": inst.Platform, "arch": inst.Arch},
		Matrix:  inst.Matrix,
		Env:     wfEnv,
		Secrets: s.Secrets,
		Status:  StatusSuccessFor(needsOK),
	}
	if strings.TrimSpace(cond) == "" {
		return needsOK, "", nil
	}
	if hasStatusFunc(cond) {
		ok, err := expr.EvalBool(cond, ctx)
		if err != nil {
			return false, "", err
		}
		if !ok {
			return false, fmt.Sprintf("condition %q is false", cond), nil
		}
		return true, "", nil
	}
	if !needsOK {
		return false, "", nil
	}
	ok, err := expr.EvalBool(cond, ctx)
	if err != nil {
		return false, "", err
	}
	if !ok {
		return false, fmt.Sprintf("condition %q is false", cond), nil
	}
	return true, "", nil
}

// StatusSuccessFor maps a prerequisite outcome onto the expression status.
func StatusSuccessFor(ok bool) expr.Status {
	if ok {
		return expr.StatusSuccess
	}
	return expr.StatusFailure
}

var statusFuncs = []string{"success()", "failure()", "cancelled()", "canceled()", "always()"}

// hasStatusFunc reports whether cond consults a status function and
// therefore controls its own behavior after prerequisite failure.
func hasStatusFunc(cond string) bool {
	flat := strings.ReplaceAll(cond, " ", "")
	for _, fn := range statusFuncs {
		if strings.Contains(flat, fn) {
			return true
		}
	}
	return false
}

// conclude completes an instance without running it.
func (s *Scheduler) conclude(ctx context.Context, run *Run, jr *JobRun, c Conclusion, reason string) {
	now := s.Clock.Now()
	jr.Status = StatusCompleted
	jr.Conclusion = c
	jr.Reason = reason
	jr.StartedAt = now
	jr.FinishedAt = now
	for _, sr := range jr.Steps {
		sr.Status = StatusCompleted
		sr.Conclusion = ConclusionSkipped
	}
	s.recordJob(ctx, run.ID, jr)
	s.publish(bus.Message{
		Kind:       bus.JobFinished,
		RunID:      run.ID,
		JobID:      jr.Instance.JobID,
		InstanceID: jr.Instance.ID,
		Status:     string(jr.Status),
		Conclusion: string(jr.Conclusion),
		Detail:     reason,
		Time:       now,
	})
}

// finalize records a worker's completed instance.
func (s *Scheduler) finalize(ctx context.Context, run *Run, jr *JobRun) {
	s.recordJob(ctx, run.ID, jr)
	s.publish(bus.Message{
		Kind:       bus.JobFinished,
		RunID:      run.ID,
		JobID:      jr.Instance.JobID,
		InstanceID: jr.Instance.ID,
		Status:     string(jr.Status),
		Conclusion: string(jr.Conclusion),
		Detail:     jr.Reason,
		Time:       jr.FinishedAt,
	})
}

func (s *Scheduler) publish(msg bus.Message) {
	if s.Bus != nil {
		s.Bus.Publish(msg)
	}
}

// The record helpers detach from cancellation: a cancelled run still has to
// persist its final cancelled state.

func (s *Scheduler) recordRun(ctx context.Context, run *Run) {
	if err := s.Recorder.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		monitoring.Logf("sched: recording run %s: %v", run.ID, err)
	}
}

func (s *Scheduler) recordJob(ctx context.Context, runID string, jr *JobRun) {
	if err := s.Recorder.RecordJob(context.WithoutCancel(ctx), runID, jr); err != nil {
		monitoring.Logf("sched: recording job %s/%s: %v", runID, jr.Instance.ID, err)
	}
}

func (s *Scheduler) recordStep(ctx context.Context, runID, instanceID string, sr *StepRun) {
	if err := s.Recorder.RecordStep(context.WithoutCancel(ctx), runID, instanceID, sr); err != nil {
		monitoring.Logf("sched: recording step %s/%s#%d: %v", runID, instanceID, sr.Index, err)
	}
}
