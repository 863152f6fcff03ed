package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/gantry.build/internal/api"
	"github.com/banshee-data/gantry.build/internal/bus"
	"github.com/banshee-data/gantry.build/internal/config"
	"github.com/banshee-data/gantry.build/internal/fsutil"
	"github.com/banshee-data/gantry.build/internal/runner"
	"github.com/banshee-data/gantry.build/internal/sched"
	"github.com/banshee-data/gantry.build/internal/store"
	"github.com/banshee-data/gantry.build/internal/version"
	"github.com/banshee-data/gantry.build/internal/workflow"
)

var (
	configPath   = flag.String("config", "", "Path to JSON config file")
	listen       = flag.String("listen", "", "HTTP listen address (overrides config)")
	dbFile       = flag.String("db", "", "Path to the SQLite database file (overrides config)")
	workflowsDir = flag.String("workflows", "", "Directory of workflow YAML files (overrides config)")
	workspaces   = flag.String("workspaces", "", "Root directory for job workspaces (overrides config)")
	parallel     = flag.Int("parallel", 0, "Max concurrently running job instances (overrides config)")
	useDocker    = flag.Bool("docker", false, "Run Linux jobs in Docker containers")
	dryRun       = flag.Bool("dry-run", false, "Log step commands instead of executing them")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

// loadConfig reads the config file when one is given, otherwise starts from
// defaults so the daemon runs with no config at all.
func loadConfig(path string) *config.ServerConfig {
	if path == "" {
		return config.EmptyServerConfig()
	}
	cfg, err := config.LoadServerConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func main() {
	// Subcommands peel off before flag parsing.
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		runMigrate(os.Args[2:])
		return
	}
	flag.Parse()

	if *showVersion {
		log.Printf("gantry %s", version.String())
		return
	}

	cfg := loadConfig(*configPath)
	if *listen != "" {
		cfg.ListenAddr = listen
	}
	if *dbFile != "" {
		cfg.DatabasePath = dbFile
	}
	if *workflowsDir != "" {
		cfg.WorkflowsDir = workflowsDir
	}
	if *workspaces != "" {
		cfg.WorkspacesRoot = workspaces
	}
	if *parallel > 0 {
		cfg.MaxParallel = parallel
	}
	if *useDocker {
		cfg.DockerEnabled = useDocker
	}

	st, err := store.New(cfg.GetDatabasePath())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer st.Close()

	if err := st.MigrateUp(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Runs left behind by a previous process can never finish; close them
	// before accepting new work.
	closed, err := st.CloseAbandonedRuns(ctx, time.Now())
	if err != nil {
		log.Fatalf("Failed to close abandoned runs: %v", err)
	}
	if closed > 0 {
		log.Printf("closed %d abandoned run(s) from a previous process", closed)
	}

	workflows, err := workflow.LoadDir(cfg.GetWorkflowsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("workflow dir %s does not exist; starting with no workflows", cfg.GetWorkflowsDir())
		} else {
			log.Fatalf("Failed to load workflows: %v", err)
		}
	}
	for _, wf := range workflows {
		log.Printf("loaded workflow %q from %s (%d jobs)", wf.Name, wf.Source, wf.Jobs.Len())
	}

	ws, err := fsutil.NewWorkspaces(cfg.GetWorkspacesRoot())
	if err != nil {
		log.Fatalf("Failed to prepare workspaces: %v", err)
	}
	ws.Keep = cfg.GetKeepWorkspaces()

	var docker *runner.Docker
	if cfg.GetDockerEnabled() {
		docker, err = runner.NewDocker(cfg.GetDockerImages(), cfg.GetDockerImage())
		if err != nil {
			log.Fatalf("Failed to connect to Docker: %v", err)
		}
		defer docker.Close()
		log.Printf("Docker runner enabled (default image %s)", cfg.GetDockerImage())
	}

	b := bus.New()
	defer b.Close()

	scheduler := sched.New(runner.NewProvider(runner.NewLocal(*dryRun), docker))
	scheduler.Bus = b
	scheduler.Recorder = st
	scheduler.Workspaces = ws
	scheduler.Secrets = cfg.GetSecrets(os.Environ())
	scheduler.MaxParallel = cfg.GetMaxParallel()
	scheduler.RepoURL = cfg.GetRepoURL()

	server := api.NewServer(st, b, scheduler, workflows, api.Options{
		WebhookSecret: cfg.GetWebhookSecret(),
		SupersedeRuns: cfg.GetSupersedeRuns(),
		DefaultBranch: cfg.GetDefaultBranch(),
	})

	// Wait group for the HTTP server and the run drain routine.
	var wg sync.WaitGroup

	// Cancel in-flight runs once shutdown begins and wait for their
	// workers to finish recording.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		log.Println("cancelling in-flight runs...")
		drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(drainCtx); err != nil {
			log.Printf("run drain error: %v", err)
		}
		log.Printf("run drain complete")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// mount the admin debugging routes (accessible only in dev mode or over Tailscale)
		st.AttachAdminRoutes(mux)

		mux.Handle("/", server.Routes())

		httpServer := &http.Server{
			Addr:    cfg.GetListenAddr(),
			Handler: api.LoggingMiddleware(mux),
		}
		// Closing the bus ends the SSE streams, so Shutdown is not stuck
		// waiting on them.
		httpServer.RegisterOnShutdown(b.Close)

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("gantry %s listening on %s", version.Version, cfg.GetListenAddr())
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		// Create a shutdown context with a timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// runMigrate handles 'gantry migrate <action>'.
func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to JSON config file")
	dbFile := fs.String("db", "", "Path to the SQLite database file (overrides config)")
	fs.Parse(args)

	path := loadConfig(*configPath).GetDatabasePath()
	if *dbFile != "" {
		path = *dbFile
	}
	store.RunMigrateCommand(fs.Args(), path)
}
