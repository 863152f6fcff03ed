// gantry-run executes one workflow locally and reports the outcome on the
// exit code, the shape a git hook or a cron entry wants. No daemon, no
// webhook: the event is synthesized from flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/gantry.build/internal/config"
	"github.com/banshee-data/gantry.build/internal/event"
	"github.com/banshee-data/gantry.build/internal/fsutil"
	"github.com/banshee-data/gantry.build/internal/plan"
	"github.com/banshee-data/gantry.build/internal/runner"
	"github.com/banshee-data/gantry.build/internal/sched"
	"github.com/banshee-data/gantry.build/internal/store"
	"github.com/banshee-data/gantry.build/internal/trigger"
	"github.com/banshee-data/gantry.build/internal/workflow"
)

var (
	workflowPath = flag.String("workflow", "", "Path to the workflow YAML file (required)")
	eventName    = flag.String("event", "push", "Event type: push or pull_request")
	branch       = flag.String("branch", "master", "Branch the event targets")
	owner        = flag.String("owner", "", "Repository owner")
	repoName     = flag.String("repo", "", "Repository name")
	sha          = flag.String("sha", "", "Head commit SHA")
	actor        = flag.String("actor", "", "User the event is attributed to")
	changed      = flag.String("changed", "", "Comma-separated changed paths for path filters")
	repoURL      = flag.String("repo-url", "", "Clone source for checkout steps")
	workspaces   = flag.String("workspaces", "", "Root directory for job workspaces")
	keep         = flag.Bool("keep", false, "Keep workspaces on disk after the run")
	parallel     = flag.Int("parallel", sched.DefaultMaxParallel, "Max concurrently running job instances")
	dbFile       = flag.String("db", "", "Record the run into this SQLite database")
	dryRun       = flag.Bool("dry-run", false, "Log step commands instead of executing them")
	force        = flag.Bool("force", false, "Run even when trigger filters would skip the event")
	planOnly     = flag.Bool("plan", false, "Print the compiled plan and exit without running")
)

// Exit codes: 0 the run succeeded or was filtered out, 1 the run failed,
// 2 the workflow definition is broken.
const (
	exitOK         = 0
	exitRunFailed  = 1
	exitDefinition = 2
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	if *workflowPath == "" {
		fmt.Fprintln(os.Stderr, "-workflow is required")
		flag.Usage()
		return exitDefinition
	}

	wf, err := workflow.ParseFile(*workflowPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid workflow: %v\n", err)
		return exitDefinition
	}

	ev := event.Event{
		Type:       event.Type(*eventName),
		Ref:        "refs/heads/" + *branch,
		Owner:      *owner,
		Repo:       *repoName,
		SHA:        *sha,
		Actor:      *actor,
		ReceivedAt: time.Now(),
	}
	if *changed != "" {
		for _, p := range strings.Split(*changed, ",") {
			if p = strings.TrimSpace(p); p != "" {
				ev.ChangedPaths = append(ev.ChangedPaths, p)
			}
		}
	}
	if err := ev.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid event: %v\n", err)
		return exitDefinition
	}

	if !*force {
		d, err := trigger.Evaluate(wf.On, ev)
		if err != nil {
			fmt.Fprintf(os.Stderr, "trigger filters: %v\n", err)
			return exitDefinition
		}
		if !d.Run {
			fmt.Printf("skipped: %s\n", d.Reason)
			return exitOK
		}
	}

	p, err := plan.Compile(wf, ev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "compiling plan: %v\n", err)
		return exitDefinition
	}

	printPlan(p)
	if *planOnly {
		return exitOK
	}

	scheduler := sched.New(runner.NewProvider(runner.NewLocal(*dryRun), nil))
	scheduler.MaxParallel = *parallel
	scheduler.Secrets = config.EmptyServerConfig().GetSecrets(os.Environ())
	scheduler.RepoURL = *repoURL

	ws, err := fsutil.NewWorkspaces(*workspaces)
	if err != nil {
		fmt.Fprintf(os.Stderr, "preparing workspaces: %v\n", err)
		return exitDefinition
	}
	ws.Keep = *keep
	scheduler.Workspaces = ws

	if *dbFile != "" {
		st, err := store.New(*dbFile)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer st.Close()
		if err := st.MigrateUp(); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		scheduler.Recorder = st
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := scheduler.Execute(ctx, store.NewRunID(), p)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run error: %v\n", err)
		return exitDefinition
	}

	printResults(res)
	if res.Conclusion == sched.ConclusionSuccess || res.Conclusion == sched.ConclusionSkipped {
		return exitOK
	}
	return exitRunFailed
}

// printPlan lists the compiled instances layer by layer, so the dependency
// order is visible before anything runs.
func printPlan(p *plan.Plan) {
	fmt.Printf("workflow %q: %d job instance(s)\n", p.Workflow.Name, len(p.Instances))
	for i, layer := range p.Layers() {
		fmt.Printf("  layer %d:\n", i+1)
		for _, inst := range layer {
			line := fmt.Sprintf("    %s (%s)", inst.ID, inst.RunsOn)
			if len(inst.Needs) > 0 {
				line += " needs " + strings.Join(inst.Needs, ", ")
			}
			fmt.Println(line)
		}
	}
}

func printResults(run *sched.Run) {
	fmt.Println()
	for _, jr := range run.Jobs {
		dur := ""
		if !jr.StartedAt.IsZero() && !jr.FinishedAt.IsZero() {
			dur = fmt.Sprintf(" in %s", jr.FinishedAt.Sub(jr.StartedAt).Round(time.Millisecond))
		}
		line := fmt.Sprintf("%-9s %s%s", jr.Conclusion, jr.Instance.Name, dur)
		if jr.Reason != "" {
			line += fmt.Sprintf(" (%s)", jr.Reason)
		}
		fmt.Println(line)
	}
	fmt.Printf("\nrun %s: %s\n", run.ID, run.Conclusion)
}
