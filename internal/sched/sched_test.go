package sched

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/gantry.build/internal/event"
	"github.com/banshee-data/gantry.build/internal/plan"
	"github.com/banshee-data/gantry.build/internal/runner"
	"github.com/banshee-data/gantry.build/internal/workflow"
)

// testRecorder captures the scheduler's progress calls as a flat timeline
// so tests can assert ordering.
type testRecorder struct {
	mu      sync.Mutex
	entries []string
}

func (r *testRecorder) add(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (r *testRecorder) RecordRun(_ context.Context, run *Run) error {
	r.add("run %s %s", run.Status, run.Conclusion)
	return nil
}

func (r *testRecorder) RecordJob(_ context.Context, _ string, jr *JobRun) error {
	r.add("job %s %s %s", jr.Instance.ID, jr.Status, jr.Conclusion)
	return nil
}

func (r *testRecorder) RecordStep(_ context.Context, _, instanceID string, sr *StepRun) error {
	r.add("step %s %d %s %s", instanceID, sr.Index, sr.Status, sr.Conclusion)
	return nil
}

func (r *testRecorder) AppendLog(context.Context, string, string, int, string) error { return nil }

// indexOf returns the position of the first timeline entry with the prefix,
// or -1.
func (r *testRecorder) indexOf(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if strings.HasPrefix(e, prefix) {
			return i
		}
	}
	return -1
}

func (r *testRecorder) has(prefix string) bool { return r.indexOf(prefix) >= 0 }

func pushEvent() event.Event {
	return event.Event{
		Type:  event.Push,
		Ref:   "refs/heads/master",
		Owner: "mindspore-lab",
		Repo:  "mindnlp",
		SHA:   "abc123",
		Actor: "lvyufeng",
	}
}

func compilePlan(t *testing.T, src string, ev event.Event) *plan.Plan {
	t.Helper()
	wf, err := workflow.Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	p, err := plan.Compile(wf, ev)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return p
}

func runPipeline(t *testing.T, src string, ev event.Event) (*Run, *testRecorder) {
	t.Helper()
	rec := &testRecorder{}
	s := New(runner.NewProvider(runner.NewLocal(false), nil))
	s.Recorder = rec
	run, err := s.Execute(context.Background(), "test-run", compilePlan(t, src, ev))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	return run, rec
}

func TestExecuteOrdersDependents(t *testing.T) {
	src := `
on: push
jobs:
  a:
    runs-on: ubuntu-latest
    steps:
      - run: echo a
  b:
    needs: a
    runs-on: ubuntu-latest
    steps:
      - run: echo b
`
	run, rec := runPipeline(t, src, pushEvent())

	if run.Conclusion != ConclusionSuccess {
		t.Fatalf("run conclusion = %s", run.Conclusion)
	}
	aDone := rec.indexOf("job a completed success")
	bStart := rec.indexOf("job b running")
	if aDone < 0 || bStart < 0 || bStart < aDone {
		t.Errorf("b started (%d) before a completed (%d)", bStart, aDone)
	}
}

func TestMatrixGateRequiresAllInstances(t *testing.T) {
	src := `
on: push
jobs:
  pylint-check:
    runs-on: ubuntu-latest
    steps:
      - run: echo lint
  ut-test:
    needs: pylint-check
    runs-on: ${{ matrix.os }}
    strategy:
      matrix:
        os: [ubuntu-latest, macos-latest, windows-latest]
    steps:
      - run: echo testing
  st-test:
    needs: ut-test
    runs-on: ubuntu-latest
    steps:
      - run: echo st
`
	run, rec := runPipeline(t, src, pushEvent())

	if run.Conclusion != ConclusionSuccess {
		t.Fatalf("run conclusion = %s", run.Conclusion)
	}
	stStart := rec.indexOf("job st-test running")
	if stStart < 0 {
		t.Fatal("st-test never started")
	}
	for i := 0; i < 3; i++ {
		utDone := rec.indexOf(fmt.Sprintf("job ut-test#%d completed success", i))
		if utDone < 0 {
			t.Fatalf("ut-test#%d never completed", i)
		}
		if utDone > stStart {
			t.Errorf("st-test started (%d) before ut-test#%d completed (%d)", stStart, i, utDone)
		}
	}
}

func TestSingleMatrixFailureBlocksDependent(t *testing.T) {
	src := `
on: push
jobs:
  ut-test:
    runs-on: ${{ matrix.os }}
    strategy:
      matrix:
        os: [ubuntu-latest, macos-latest, windows-latest]
    env:
      OS: ${{ matrix.os }}
    steps:
      - run: test "$OS" != windows-latest
  st-test:
    needs: ut-test
    runs-on: ubuntu-latest
    steps:
      - run: echo st
`
	run, _ := runPipeline(t, src, pushEvent())

	if run.Conclusion != ConclusionFailure {
		t.Fatalf("run conclusion = %s, want failure", run.Conclusion)
	}
	st := run.Job("st-test")
	if st.Conclusion != ConclusionSkipped {
		t.Errorf("st-test conclusion = %s, want skipped", st.Conclusion)
	}
	var failed, succeeded int
	for i := 0; i < 3; i++ {
		jr := run.Job(fmt.Sprintf("ut-test#%d", i))
		switch jr.Conclusion {
		case ConclusionFailure:
			failed++
		case ConclusionSuccess:
			succeeded++
		}
	}
	if failed != 1 || succeeded != 2 {
		t.Errorf("ut-test outcomes: %d failed, %d succeeded; want 1 and 2", failed, succeeded)
	}
}

func TestFailurePropagationSkipsNotFails(t *testing.T) {
	src := `
on: push
jobs:
  lint:
    runs-on: ubuntu-latest
    steps:
      - run: exit 1
  ut:
    needs: lint
    runs-on: ubuntu-latest
    steps:
      - run: echo never
  st:
    needs: ut
    runs-on: ubuntu-latest
    steps:
      - run: echo never
`
	run, rec := runPipeline(t, src, pushEvent())

	if run.Conclusion != ConclusionFailure {
		t.Fatalf("run conclusion = %s, want failure", run.Conclusion)
	}
	if got := run.Job("lint").Conclusion; got != ConclusionFailure {
		t.Errorf("lint conclusion = %s", got)
	}
	for _, id := range []string{"ut", "st"} {
		jr := run.Job(id)
		if jr.Conclusion != ConclusionSkipped {
			t.Errorf("%s conclusion = %s, want skipped", id, jr.Conclusion)
		}
		if jr.Reason == "" {
			t.Errorf("%s has no skip reason", id)
		}
	}
	// The skipped jobs never reached running state.
	if rec.has("job ut running") || rec.has("job st running") {
		t.Error("a skipped job was dispatched")
	}
}

func TestIndependentBranchesProceed(t *testing.T) {
	src := `
on: push
jobs:
  lint:
    runs-on: ubuntu-latest
    steps:
      - run: echo ok
  ut:
    needs: lint
    runs-on: ubuntu-latest
    steps:
      - run: exit 1
  release:
    needs: lint
    runs-on: ubuntu-latest
    steps:
      - run: echo released
  st:
    needs: ut
    runs-on: ubuntu-latest
    steps:
      - run: echo never
`
	run, _ := runPipeline(t, src, pushEvent())

	if run.Conclusion != ConclusionFailure {
		t.Fatalf("run conclusion = %s, want failure", run.Conclusion)
	}
	if got := run.Job("release").Conclusion; got != ConclusionSuccess {
		t.Errorf("release conclusion = %s, want success despite sibling failure", got)
	}
	if got := run.Job("st").Conclusion; got != ConclusionSkipped {
		t.Errorf("st conclusion = %s, want skipped", got)
	}
}

func TestStepFailFast(t *testing.T) {
	src := `
on: push
jobs:
  j:
    runs-on: ubuntu-latest
    steps:
      - name: first
        run: echo first
      - name: breaks
        run: exit 7
      - name: after
        run: echo after
`
	run, _ := runPipeline(t, src, pushEvent())

	jr := run.Job("j")
	if jr.Conclusion != ConclusionFailure {
		t.Fatalf("job conclusion = %s", jr.Conclusion)
	}
	wantConclusions := []Conclusion{ConclusionSuccess, ConclusionFailure, ConclusionSkipped}
	for i, want := range wantConclusions {
		if got := jr.Steps[i].Conclusion; got != want {
			t.Errorf("step %d conclusion = %s, want %s", i, got, want)
		}
	}
	if jr.Steps[1].ExitCode != 7 {
		t.Errorf("failing step ExitCode = %d, want 7", jr.Steps[1].ExitCode)
	}
}

func TestContinueOnError(t *testing.T) {
	src := `
on: push
jobs:
  j:
    runs-on: ubuntu-latest
    steps:
      - run: exit 1
        continue-on-error: true
      - run: echo survived
`
	run, _ := runPipeline(t, src, pushEvent())

	jr := run.Job("j")
	if jr.Conclusion != ConclusionSuccess {
		t.Fatalf("job conclusion = %s, want success", jr.Conclusion)
	}
	if got := jr.Steps[0].Conclusion; got != ConclusionFailure {
		t.Errorf("step 0 conclusion = %s", got)
	}
	if got := jr.Steps[1].Conclusion; got != ConclusionSuccess {
		t.Errorf("step 1 conclusion = %s", got)
	}
	if run.Conclusion != ConclusionSuccess {
		t.Errorf("run conclusion = %s", run.Conclusion)
	}
}

func TestConditionalGateSkipsForPullRequest(t *testing.T) {
	src := `
on: [push, pull_request]
jobs:
  kaggle-gpu-test:
    if: github.event_name == 'push' && github.repository_owner == 'mindspore-lab'
    runs-on: ubuntu-latest
    steps:
      - run: echo gpu
  other:
    runs-on: ubuntu-latest
    steps:
      - run: echo ok
`
	prEvent := event.Event{
		Type:  event.PullRequest,
		Ref:   "refs/heads/master",
		Owner: "mindspore-lab",
		Repo:  "mindnlp",
	}
	run, _ := runPipeline(t, src, prEvent)

	if got := run.Job("kaggle-gpu-test").Conclusion; got != ConclusionSkipped {
		t.Errorf("gated job conclusion = %s, want skipped", got)
	}
	if run.Conclusion != ConclusionSuccess {
		t.Errorf("run conclusion = %s; a skipped job must not fail the run", run.Conclusion)
	}

	run, _ = runPipeline(t, src, pushEvent())
	if got := run.Job("kaggle-gpu-test").Conclusion; got != ConclusionSuccess {
		t.Errorf("gated job on push = %s, want success", got)
	}
}

func TestConditionalGateSkipsForForkOwner(t *testing.T) {
	src := `
on: push
jobs:
  kaggle-gpu-test:
    if: github.event_name == 'push' && github.repository_owner == 'mindspore-lab'
    runs-on: ubuntu-latest
    steps:
      - run: echo gpu
`
	fork := pushEvent()
	fork.Owner = "some-fork"
	run, _ := runPipeline(t, src, fork)

	if got := run.Job("kaggle-gpu-test").Conclusion; got != ConclusionSkipped {
		t.Errorf("conclusion = %s, want skipped on fork", got)
	}
}

func TestDependentOfSkippedIsSkipped(t *testing.T) {
	src := `
on: push
jobs:
  gated:
    if: github.event_name == 'pull_request'
    runs-on: ubuntu-latest
    steps:
      - run: echo gated
  follower:
    needs: gated
    runs-on: ubuntu-latest
    steps:
      - run: echo follower
`
	run, _ := runPipeline(t, src, pushEvent())

	if got := run.Job("gated").Conclusion; got != ConclusionSkipped {
		t.Fatalf("gated conclusion = %s", got)
	}
	if got := run.Job("follower").Conclusion; got != ConclusionSkipped {
		t.Errorf("follower conclusion = %s, want skipped", got)
	}
	if run.Conclusion != ConclusionSuccess {
		t.Errorf("run conclusion = %s", run.Conclusion)
	}
}

func TestSkipCascadeWithDependentDeclaredFirst(t *testing.T) {
	// The follower is declared before the job it needs. When that job is
	// skipped without a worker ever starting, the follower must still be
	// released; nothing else will wake the dispatcher.
	src := `
on: push
jobs:
  follower:
    needs: gated
    runs-on: ubuntu-latest
    steps:
      - run: echo follower
  gated:
    if: github.event_name == 'pull_request'
    runs-on: ubuntu-latest
    steps:
      - run: echo gated
`
	run, _ := runPipeline(t, src, pushEvent())

	if got := run.Job("gated").Conclusion; got != ConclusionSkipped {
		t.Fatalf("gated conclusion = %s", got)
	}
	if got := run.Job("follower").Conclusion; got != ConclusionSkipped {
		t.Errorf("follower conclusion = %s, want skipped", got)
	}
}

func TestAlwaysRunsAfterFailure(t *testing.T) {
	src := `
on: push
jobs:
  breaks:
    runs-on: ubuntu-latest
    steps:
      - run: exit 1
  cleanup:
    needs: breaks
    if: always()
    runs-on: ubuntu-latest
    steps:
      - run: echo cleanup
`
	run, _ := runPipeline(t, src, pushEvent())

	if got := run.Job("cleanup").Conclusion; got != ConclusionSuccess {
		t.Errorf("cleanup conclusion = %s, want success", got)
	}
	if run.Conclusion != ConclusionFailure {
		t.Errorf("run conclusion = %s, want failure from breaks", run.Conclusion)
	}
}

func TestStepConditionPlatformBranching(t *testing.T) {
	src := `
on: push
jobs:
  ut-test:
    runs-on: ${{ matrix.os }}
    strategy:
      matrix:
        os: [ubuntu-latest, windows-latest]
    steps:
      - name: windows variant
        if: runner.os == 'Windows'
        run: echo windows path
      - name: default variant
        if: runner.os != 'Windows'
        run: echo default path
`
	run, _ := runPipeline(t, src, pushEvent())

	linux := run.Job("ut-test#0")
	if got := linux.Steps[0].Conclusion; got != ConclusionSkipped {
		t.Errorf("linux windows-step conclusion = %s", got)
	}
	if got := linux.Steps[1].Conclusion; got != ConclusionSuccess {
		t.Errorf("linux default-step conclusion = %s", got)
	}

	windows := run.Job("ut-test#1")
	if got := windows.Steps[0].Conclusion; got != ConclusionSuccess {
		t.Errorf("windows windows-step conclusion = %s", got)
	}
	if got := windows.Steps[1].Conclusion; got != ConclusionSkipped {
		t.Errorf("windows default-step conclusion = %s", got)
	}
	if run.Conclusion != ConclusionSuccess {
		t.Errorf("run conclusion = %s", run.Conclusion)
	}
}

func TestEnvLayeringAndSecrets(t *testing.T) {
	src := `
on: push
env:
  LEVEL: workflow
  TOKEN: ${{ secrets.KAGGLE_API_KEY }}
jobs:
  j:
    runs-on: ubuntu-latest
    env:
      LEVEL: job
      PYTHON: "3.9"
    steps:
      - run: echo "$LEVEL/$PYTHON/$TOKEN/$EXTRA"
        env:
          EXTRA: step
`
	rec := &testRecorder{}
	s := New(runner.NewProvider(runner.NewLocal(false), nil))
	s.Recorder = rec
	s.Secrets = map[string]string{"KAGGLE_API_KEY": "k-123"}
	run, err := s.Execute(context.Background(), "env-run", compilePlan(t, src, pushEvent()))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	out := strings.TrimSpace(run.Job("j").Steps[0].Output)
	if out != "job/3.9/k-123/step" {
		t.Errorf("step output = %q", out)
	}
}

func TestCancellation(t *testing.T) {
	src := `
on: push
jobs:
  slow:
    runs-on: ubuntu-latest
    steps:
      - run: sleep 30
  after:
    needs: slow
    runs-on: ubuntu-latest
    steps:
      - run: echo never
`
	rec := &testRecorder{}
	s := New(runner.NewProvider(runner.NewLocal(false), nil))
	s.Recorder = rec
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan *Run, 1)
	go func() {
		run, err := s.Execute(ctx, "cancel-run", compilePlan(t, src, pushEvent()))
		if err != nil {
			t.Errorf("Execute() error = %v", err)
		}
		done <- run
	}()

	// Wait for the slow step to start, then cancel the run.
	deadline := time.After(5 * time.Second)
	for rec.indexOf("step slow 0 running") < 0 {
		select {
		case <-deadline:
			t.Fatal("slow step never started")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()

	var run *Run
	select {
	case run = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Execute did not return after cancellation")
	}

	if run.Conclusion != ConclusionCancelled {
		t.Errorf("run conclusion = %s, want cancelled", run.Conclusion)
	}
	if got := run.Job("slow").Conclusion; got != ConclusionCancelled {
		t.Errorf("slow conclusion = %s", got)
	}
	if got := run.Job("after").Conclusion; got != ConclusionCancelled {
		t.Errorf("after conclusion = %s", got)
	}
}

func TestMaxParallelBounded(t *testing.T) {
	src := `
on: push
jobs:
  fan:
    runs-on: ubuntu-latest
    strategy:
      matrix:
        n: ["1", "2", "3", "4", "5", "6"]
    steps:
      - run: sleep 0.05
`
	rec := &testRecorder{}
	s := New(runner.NewProvider(runner.NewLocal(false), nil))
	s.Recorder = rec
	s.MaxParallel = 2
	run, err := s.Execute(context.Background(), "parallel-run", compilePlan(t, src, pushEvent()))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if run.Conclusion != ConclusionSuccess {
		t.Errorf("run conclusion = %s", run.Conclusion)
	}
	for i := 0; i < 6; i++ {
		if got := run.Job(fmt.Sprintf("fan#%d", i)).Conclusion; got != ConclusionSuccess {
			t.Errorf("fan#%d conclusion = %s", i, got)
		}
	}
}

func TestJobTimedOutHelper(t *testing.T) {
	run := context.Background()
	expired, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-expired.Done()

	if !jobTimedOut(run, expired) {
		t.Error("expired job context not reported as timeout")
	}
	if jobTimedOut(expired, expired) {
		t.Error("run-level expiry misreported as job timeout")
	}
	if jobTimedOut(run, run) {
		t.Error("live contexts reported as timeout")
	}
}

func TestRunConclusionPrecedence(t *testing.T) {
	mk := func(concs ...Conclusion) *Run {
		r := &Run{}
		for _, c := range concs {
			r.Jobs = append(r.Jobs, &JobRun{Conclusion: c, Instance: nil})
		}
		return r
	}
	tests := []struct {
		name string
		run  *Run
		want Conclusion
	}{
		{"all success", mk(ConclusionSuccess, ConclusionSuccess), ConclusionSuccess},
		{"skips do not fail", mk(ConclusionSuccess, ConclusionSkipped), ConclusionSuccess},
		{"failure wins", mk(ConclusionSuccess, ConclusionFailure, ConclusionCancelled), ConclusionFailure},
		{"cancelled over success", mk(ConclusionSuccess, ConclusionCancelled), ConclusionCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := runConclusion(tt.run); got != tt.want {
				t.Errorf("runConclusion() = %s, want %s", got, tt.want)
			}
		})
	}
}
