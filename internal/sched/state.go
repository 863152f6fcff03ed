package sched

import (
	"context"
	"time"

	"github.com/banshee-data/gantry.build/internal/event"
	"github.com/banshee-data/gantry.build/internal/plan"
)

// Status is the lifecycle phase of a run, job instance or step.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
)

// Conclusion is the terminal outcome of a completed run, instance or step.
// Empty until the item completes.
type Conclusion string

const (
	ConclusionSuccess   Conclusion = "success"
	ConclusionFailure   Conclusion = "failure"
	ConclusionSkipped   Conclusion = "skipped"
	ConclusionCancelled Conclusion = "cancelled"
)

// Run is the live and final state of one pipeline execution.
type Run struct {
	ID           string
	WorkflowName string
	Event        event.Event
	Status       Status
	Conclusion   Conclusion
	Jobs         []*JobRun
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Job returns the job run for an instance ID.
func (r *Run) Job(instanceID string) *JobRun {
	for _, j := range r.Jobs {
		if j.Instance.ID == instanceID {
			return j
		}
	}
	return nil
}

// JobRun is the execution state of one job instance.
type JobRun struct {
	Instance   *plan.JobInstance
	Status     Status
	Conclusion Conclusion
	// Reason explains a skip or records the execution error that failed the
	// instance.
	Reason     string
	Steps      []*StepRun
	StartedAt  time.Time
	FinishedAt time.Time
}

// StepRun is the execution state of one step within a job instance.
type StepRun struct {
	Index      int
	Name       string
	Status     Status
	Conclusion Conclusion
	ExitCode   int
	Output     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Recorder persists scheduler progress. Calls may arrive from concurrent
// job workers; implementations serialize as needed. Errors are logged by
// the scheduler, not treated as run failures.
type Recorder interface {
	RecordRun(ctx context.Context, run *Run) error
	RecordJob(ctx context.Context, runID string, job *JobRun) error
	RecordStep(ctx context.Context, runID, instanceID string, step *StepRun) error
	AppendLog(ctx context.Context, runID, instanceID string, stepIndex int, line string) error
}

// NopRecorder discards all progress.
type NopRecorder struct{}

func (NopRecorder) RecordRun(context.Context, *Run) error { return nil }

func (NopRecorder) RecordJob(context.Context, string, *JobRun) error { return nil }

func (NopRecorder) RecordStep(context.Context, string, string, *StepRun) error { return nil }

func (NopRecorder) AppendLog(context.Context, string, string, int, string) error { return nil }
