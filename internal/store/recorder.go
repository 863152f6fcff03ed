package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/gantry.build/internal/sched"
)

// Store implements sched.Recorder. RecordRun touches only run-level columns;
// job and step rows are owned by the worker executing the instance, so the
// writes never overlap.
var _ sched.Recorder = (*Store)(nil)

// RecordRun upserts the run-level row. The insert arm covers one-shot
// executions that never went through CreateRun.
func (s *Store) RecordRun(ctx context.Context, run *sched.Run) error {
	createdAt := run.StartedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_name, event_type, ref, sha, repository, actor, delivery_id, status, conclusion, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			conclusion = excluded.conclusion,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		run.ID, run.WorkflowName, string(run.Event.Type), run.Event.Ref, run.Event.SHA,
		run.Event.Repository(), run.Event.Actor, run.Event.DeliveryID,
		string(run.Status), string(run.Conclusion), createdAt.UnixMilli(),
		ms(run.StartedAt), ms(run.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.ID, err)
	}
	return nil
}

// RecordJob upserts one job instance and all of its step rows. Steps are
// included because skip and cancel paths conclude whole instances without
// individual RecordStep calls.
func (s *Store) RecordJob(ctx context.Context, runID string, job *sched.JobRun) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	inst := job.Instance
	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_runs (run_id, instance_id, job_id, name, runs_on, platform, matrix, status, conclusion, reason, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, instance_id) DO UPDATE SET
			status = excluded.status,
			conclusion = excluded.conclusion,
			reason = excluded.reason,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		runID, inst.ID, inst.JobID, inst.Name, inst.RunsOn, inst.Platform, encodeMatrix(inst.Matrix),
		string(job.Status), string(job.Conclusion), job.Reason,
		ms(job.StartedAt), ms(job.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to record job %s/%s: %w", runID, inst.ID, err)
	}

	for _, st := range job.Steps {
		if err := upsertStep(ctx, tx, runID, inst.ID, st); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecordStep upserts one step row.
func (s *Store) RecordStep(ctx context.Context, runID, instanceID string, step *sched.StepRun) error {
	return upsertStep(ctx, s.DB, runID, instanceID, step)
}

// AppendLog stores one line of step output.
func (s *Store) AppendLog(ctx context.Context, runID, instanceID string, stepIndex int, line string) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO step_logs (run_id, instance_id, step_index, line, logged_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, instanceID, stepIndex, line, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append log for %s/%s: %w", runID, instanceID, err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertStep(ctx context.Context, ex execer, runID, instanceID string, step *sched.StepRun) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO step_runs (run_id, instance_id, step_index, name, status, conclusion, exit_code, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, instance_id, step_index) DO UPDATE SET
			status = excluded.status,
			conclusion = excluded.conclusion,
			exit_code = excluded.exit_code,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		runID, instanceID, step.Index, step.Name, string(step.Status), string(step.Conclusion),
		step.ExitCode, ms(step.StartedAt), ms(step.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to record step %s/%s[%d]: %w", runID, instanceID, step.Index, err)
	}
	return nil
}

func encodeMatrix(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMatrix(raw string) map[string]string {
	if raw == "" || raw == "{}" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}
