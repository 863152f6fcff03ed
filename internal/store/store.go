// Package store persists pipeline runs, job instances, steps and log lines
// to SQLite. The schema is managed by embedded golang-migrate migrations.
package store

import (
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/gantry.build/internal/event"
)

// ErrNotFound is returned when a run or job instance does not exist.
var ErrNotFound = errors.New("store: not found")

type Store struct {
	*sql.DB
}

// New opens (creating if necessary) the SQLite database at path. The schema
// is not touched here; call MigrateUp before first use.
func New(path string) (*Store, error) {
	// busy_timeout covers concurrent writers (scheduler workers and the API
	// read side share this database), WAL lets readers proceed during writes.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &Store{db}, nil
}

// NewRunID returns a fresh unique run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// RunSummary is one row of run history.
type RunSummary struct {
	ID           string    `json:"id"`
	WorkflowName string    `json:"workflow_name"`
	EventType    string    `json:"event_type"`
	Ref          string    `json:"ref"`
	SHA          string    `json:"sha,omitempty"`
	Repository   string    `json:"repository,omitempty"`
	Actor        string    `json:"actor,omitempty"`
	DeliveryID   string    `json:"delivery_id,omitempty"`
	Status       string    `json:"status"`
	Conclusion   string    `json:"conclusion,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	FinishedAt   time.Time `json:"finished_at,omitzero"`
}

// RunDetail is a run together with all of its job instances and steps.
type RunDetail struct {
	RunSummary
	Jobs []JobSummary `json:"jobs"`
}

// JobSummary is the stored state of one job instance.
type JobSummary struct {
	InstanceID string            `json:"instance_id"`
	JobID      string            `json:"job_id"`
	Name       string            `json:"name"`
	RunsOn     string            `json:"runs_on"`
	Platform   string            `json:"platform"`
	Matrix     map[string]string `json:"matrix,omitempty"`
	Status     string            `json:"status"`
	Conclusion string            `json:"conclusion,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	StartedAt  time.Time         `json:"started_at,omitzero"`
	FinishedAt time.Time         `json:"finished_at,omitzero"`
	Steps      []StepSummary     `json:"steps"`
}

// StepSummary is the stored state of one step within a job instance.
type StepSummary struct {
	Index      int       `json:"index"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion,omitempty"`
	ExitCode   int       `json:"exit_code"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// LogLine is one captured line of step output.
type LogLine struct {
	StepIndex int       `json:"step_index"`
	Line      string    `json:"line"`
	LoggedAt  time.Time `json:"logged_at"`
}

// CreateRun inserts a queued run for a received event.
func (s *Store) CreateRun(ctx context.Context, id, workflowName string, ev event.Event, createdAt time.Time) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_name, event_type, ref, sha, repository, actor, delivery_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'queued', ?)`,
		id, workflowName, string(ev.Type), ev.Ref, ev.SHA, ev.Repository(), ev.Actor, ev.DeliveryID, ms(createdAt))
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", id, err)
	}
	return nil
}

// ListOptions narrows and bounds ListRuns.
type ListOptions struct {
	Ref   string
	Limit int
}

const runColumns = `id, workflow_name, event_type, ref, sha, repository, actor, delivery_id, status, conclusion, created_at, started_at, finished_at`

// ListRuns returns run history, newest first.
func (s *Store) ListRuns(ctx context.Context, opts ListOptions) ([]RunSummary, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if opts.Ref != "" {
		query += ` WHERE ref = ?`
		args = append(args, opts.Ref)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns a single run with its job instances and steps. Job order is
// insertion order, which follows the compiled plan.
func (s *Store) GetRun(ctx context.Context, id string) (*RunDetail, error) {
	row := s.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	summary, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	detail := &RunDetail{RunSummary: summary}

	jobs, err := s.QueryContext(ctx, `
		SELECT instance_id, job_id, name, runs_on, platform, matrix, status, conclusion, reason, started_at, finished_at
		FROM job_runs WHERE run_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query job runs: %w", err)
	}
	defer jobs.Close()

	index := map[string]int{}
	for jobs.Next() {
		var j JobSummary
		var matrixJSON string
		var started, finished sql.NullInt64
		if err := jobs.Scan(&j.InstanceID, &j.JobID, &j.Name, &j.RunsOn, &j.Platform, &matrixJSON,
			&j.Status, &j.Conclusion, &j.Reason, &started, &finished); err != nil {
			return nil, err
		}
		j.Matrix = decodeMatrix(matrixJSON)
		j.StartedAt = fromMS(started)
		j.FinishedAt = fromMS(finished)
		index[j.InstanceID] = len(detail.Jobs)
		detail.Jobs = append(detail.Jobs, j)
	}
	if err := jobs.Err(); err != nil {
		return nil, err
	}

	steps, err := s.QueryContext(ctx, `
		SELECT instance_id, step_index, name, status, conclusion, exit_code, started_at, finished_at
		FROM step_runs WHERE run_id = ? ORDER BY instance_id, step_index`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query step runs: %w", err)
	}
	defer steps.Close()

	for steps.Next() {
		var instanceID string
		var st StepSummary
		var started, finished sql.NullInt64
		if err := steps.Scan(&instanceID, &st.Index, &st.Name, &st.Status, &st.Conclusion, &st.ExitCode, &started, &finished); err != nil {
			return nil, err
		}
		st.StartedAt = fromMS(started)
		st.FinishedAt = fromMS(finished)
		if i, ok := index[instanceID]; ok {
			detail.Jobs[i].Steps = append(detail.Jobs[i].Steps, st)
		}
	}
	return detail, steps.Err()
}

// JobLogs returns the captured output of one job instance in arrival order.
func (s *Store) JobLogs(ctx context.Context, runID, instanceID string) ([]LogLine, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT step_index, line, logged_at
		FROM step_logs WHERE run_id = ? AND instance_id = ? ORDER BY id`, runID, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query step logs: %w", err)
	}
	defer rows.Close()

	var lines []LogLine
	for rows.Next() {
		var l LogLine
		var logged int64
		if err := rows.Scan(&l.StepIndex, &l.Line, &logged); err != nil {
			return nil, err
		}
		l.LoggedAt = time.UnixMilli(logged).UTC()
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// LatestRun returns the most recently created run for a ref.
func (s *Store) LatestRun(ctx context.Context, ref string) (*RunSummary, error) {
	row := s.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE ref = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, ref)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no runs for ref %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ActiveRuns returns queued or running runs for a ref, oldest first. A new
// push to the same ref supersedes these.
func (s *Store) ActiveRuns(ctx context.Context, ref string) ([]RunSummary, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE ref = ? AND status IN ('queued', 'running')
		ORDER BY created_at, rowid`, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to query active runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CloseAbandonedRuns marks every queued or running run as cancelled. Called
// at daemon startup to clean up runs interrupted by the previous shutdown.
// Returns the number of runs closed.
func (s *Store) CloseAbandonedRuns(ctx context.Context, at time.Time) (int64, error) {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stamp := at.UnixMilli()
	_, err = tx.ExecContext(ctx, `
		UPDATE step_runs SET status = 'completed', conclusion = 'cancelled', finished_at = COALESCE(finished_at, ?)
		WHERE status != 'completed'
		AND run_id IN (SELECT id FROM runs WHERE status IN ('queued', 'running'))`, stamp)
	if err != nil {
		return 0, fmt.Errorf("failed to close abandoned steps: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE job_runs SET status = 'completed', conclusion = 'cancelled', reason = 'interrupted by restart', finished_at = COALESCE(finished_at, ?)
		WHERE status != 'completed'
		AND run_id IN (SELECT id FROM runs WHERE status IN ('queued', 'running'))`, stamp)
	if err != nil {
		return 0, fmt.Errorf("failed to close abandoned jobs: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = 'completed', conclusion = 'cancelled', finished_at = COALESCE(finished_at, ?)
		WHERE status IN ('queued', 'running')`, stamp)
	if err != nil {
		return 0, fmt.Errorf("failed to close abandoned runs: %w", err)
	}
	closed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return closed, tx.Commit()
}

// JobDuration is one finished job instance with its wall-clock runtime.
type JobDuration struct {
	RunID      string
	JobID      string
	InstanceID string
	Name       string
	Conclusion string
	Seconds    float64
	FinishedAt time.Time
}

// JobDurations returns recently finished job instances that actually ran,
// newest first.
func (s *Store) JobDurations(ctx context.Context, limit int) ([]JobDuration, error) {
	if limit <= 0 || limit > 2000 {
		limit = 200
	}
	rows, err := s.QueryContext(ctx, `
		SELECT run_id, job_id, instance_id, name, conclusion,
		       (finished_at - started_at) / 1000.0, finished_at
		FROM job_runs
		WHERE status = 'completed' AND conclusion IN ('success', 'failure')
		AND started_at IS NOT NULL AND finished_at IS NOT NULL
		ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query job durations: %w", err)
	}
	defer rows.Close()

	var durations []JobDuration
	for rows.Next() {
		var d JobDuration
		var finished int64
		if err := rows.Scan(&d.RunID, &d.JobID, &d.InstanceID, &d.Name, &d.Conclusion, &d.Seconds, &finished); err != nil {
			return nil, err
		}
		d.FinishedAt = time.UnixMilli(finished).UTC()
		durations = append(durations, d)
	}
	return durations, rows.Err()
}

// RunOutcomes returns completed run counts keyed by conclusion.
func (s *Store) RunOutcomes(ctx context.Context) (map[string]int, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT conclusion, COUNT(*) FROM runs WHERE status = 'completed' GROUP BY conclusion`)
	if err != nil {
		return nil, fmt.Errorf("failed to query run outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := map[string]int{}
	for rows.Next() {
		var conclusion string
		var count int
		if err := rows.Scan(&conclusion, &count); err != nil {
			return nil, err
		}
		outcomes[conclusion] = count
	}
	return outcomes, rows.Err()
}

func (s *Store) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://gantry.db", s.DB, &tailsql.DBOptions{
		Label: "Pipeline DB",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		unixTime := time.Now().Unix()
		backupPath := fmt.Sprintf("backup-%d.db", unixTime)
		if _, err := s.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}

		// close the backup file after sending it
		// and remove it from the filesystem
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write backup file: %v", err), http.StatusInternalServerError)
			return
		}
	}))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunSummary, error) {
	var r RunSummary
	var created int64
	var started, finished sql.NullInt64
	err := row.Scan(&r.ID, &r.WorkflowName, &r.EventType, &r.Ref, &r.SHA, &r.Repository, &r.Actor,
		&r.DeliveryID, &r.Status, &r.Conclusion, &created, &started, &finished)
	if err != nil {
		return RunSummary{}, err
	}
	r.CreatedAt = time.UnixMilli(created).UTC()
	r.StartedAt = fromMS(started)
	r.FinishedAt = fromMS(finished)
	return r, nil
}

// ms converts a time to unix milliseconds for storage. Zero times store as NULL.
func ms(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMS(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}
