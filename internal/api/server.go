// Package api exposes the pipeline orchestrator over HTTP: webhook intake,
// run history and live progress, badges and report charts.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/banshee-data/gantry.build/internal/bus"
	"github.com/banshee-data/gantry.build/internal/event"
	"github.com/banshee-data/gantry.build/internal/httputil"
	"github.com/banshee-data/gantry.build/internal/monitoring"
	"github.com/banshee-data/gantry.build/internal/plan"
	"github.com/banshee-data/gantry.build/internal/report"
	"github.com/banshee-data/gantry.build/internal/sched"
	"github.com/banshee-data/gantry.build/internal/store"
	"github.com/banshee-data/gantry.build/internal/version"
	"github.com/banshee-data/gantry.build/internal/workflow"
)

// Options tune server behavior beyond its required dependencies.
type Options struct {
	// WebhookSecret is the HMAC key for X-Hub-Signature-256 verification.
	// Empty disables verification.
	WebhookSecret string
	// SupersedeRuns cancels queued and running runs on a ref when a new
	// push to that ref arrives.
	SupersedeRuns bool
	// DefaultBranch fills the ref for dispatch requests that omit one.
	DefaultBranch string
}

// Server routes HTTP traffic to the store, the scheduler and the event bus.
type Server struct {
	store     *store.Store
	bus       *bus.Bus
	scheduler *sched.Scheduler
	workflows []*workflow.Workflow
	reports   *report.Handlers
	opts      Options
	startedAt time.Time

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(st *store.Store, b *bus.Bus, scheduler *sched.Scheduler, workflows []*workflow.Workflow, opts Options) *Server {
	if opts.DefaultBranch == "" {
		opts.DefaultBranch = "master"
	}
	s := &Server{
		store:     st,
		bus:       b,
		scheduler: scheduler,
		workflows: workflows,
		opts:      opts,
		startedAt: time.Now(),
		active:    map[string]context.CancelFunc{},
	}
	if st != nil {
		s.reports = report.NewHandlers(st)
	}
	return s
}

// Routes returns the API router. Callers mount it alongside the debug
// routes and wrap the whole mux in LoggingMiddleware.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/api/webhook", s.handleWebhook)
	r.Post("/api/dispatch", s.handleDispatch)

	r.Get("/api/runs", s.handleListRuns)
	r.Get("/api/runs/{runID}", s.handleGetRun)
	r.Post("/api/runs/{runID}/cancel", s.handleCancelRun)
	r.Get("/api/runs/{runID}/jobs/{instanceID}/logs", s.handleJobLogs)

	r.Get("/api/events", s.handleEvents)
	r.Get("/api/badge/{branch}", s.handleBadge)
	r.Get("/api/workflows", s.handleWorkflows)
	r.Get("/api/healthz", s.handleHealthz)

	if s.reports != nil {
		r.Get("/api/reports/stats", s.reports.HandleStats)
		r.Get("/api/reports/durations", s.reports.HandleDurationsChart)
		r.Get("/api/reports/outcomes", s.reports.HandleOutcomesChart)
	}
	return r
}

// launch compiles a plan for the workflow, records the queued run and
// starts executing it in the background. Returns the new run ID.
func (s *Server) launch(wf *workflow.Workflow, ev event.Event) (string, error) {
	p, err := plan.Compile(wf, ev)
	if err != nil {
		return "", fmt.Errorf("compiling plan: %w", err)
	}

	if s.opts.SupersedeRuns && ev.Type == event.Push {
		s.cancelRunsOnRef(wf.Name, ev.Ref)
	}

	runID := store.NewRunID()
	if err := s.store.CreateRun(context.Background(), runID, wf.Name, ev, time.Now()); err != nil {
		return "", err
	}
	if s.bus != nil {
		s.bus.Publish(bus.Message{Kind: bus.RunQueued, RunID: runID, Detail: wf.Name, Time: time.Now()})
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.active[runID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.active, runID)
			s.mu.Unlock()
		}()
		if _, err := s.scheduler.Execute(runCtx, runID, p); err != nil {
			monitoring.Logf("run %s finished with error: %v", runID, err)
		}
	}()
	return runID, nil
}

// cancelRunsOnRef cancels in-flight runs of the named workflow on a ref
// through the cancel registry. One push can launch several workflows, and
// each supersedes only its own predecessors. Runs left over from a previous
// process are handled by CloseAbandonedRuns at startup, not here.
func (s *Server) cancelRunsOnRef(workflowName, ref string) {
	active, err := s.store.ActiveRuns(context.Background(), ref)
	if err != nil {
		monitoring.Logf("listing active runs for %s: %v", ref, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range active {
		if run.WorkflowName != workflowName {
			continue
		}
		if cancel, ok := s.active[run.ID]; ok {
			monitoring.Logf("superseding run %s on %s", run.ID, ref)
			cancel()
		}
	}
}

// cancelRun cancels one run by ID. Reports whether the run was in flight.
func (s *Server) cancelRun(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.active[runID]
	if ok {
		cancel()
	}
	return ok
}

// Shutdown cancels all in-flight runs and waits for their workers to drain,
// bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.active {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) findWorkflow(name string) *workflow.Workflow {
	for _, wf := range s.workflows {
		if wf.Name == name {
			return wf
		}
	}
	return nil
}

type workflowInfo struct {
	Name   string   `json:"name"`
	Source string   `json:"source,omitempty"`
	Events []string `json:"events"`
	Jobs   []string `json:"jobs"`
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	infos := make([]workflowInfo, 0, len(s.workflows))
	for _, wf := range s.workflows {
		info := workflowInfo{Name: wf.Name, Source: wf.Source, Jobs: wf.Jobs.IDs()}
		if wf.On.Push != nil {
			info.Events = append(info.Events, string(event.Push))
		}
		if wf.On.PullRequest != nil {
			info.Events = append(info.Events, string(event.PullRequest))
		}
		infos = append(infos, info)
	}
	httputil.WriteJSONOK(w, infos)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	inFlight := len(s.active)
	s.mu.Unlock()

	httputil.WriteJSONOK(w, map[string]any{
		"status":         "ok",
		"version":        version.Version,
		"git_sha":        version.GitSHA,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"workflows":      len(s.workflows),
		"active_runs":    inFlight,
	})
}
