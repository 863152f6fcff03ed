package workflow

import (
	"fmt"
	"strings"
)

// Validate checks the structural rules a workflow must satisfy before it can
// be planned: at least one trigger and one job, steps that do exactly one
// thing, needs edges that resolve, and an acyclic dependency graph.
func (w *Workflow) Validate() error {
	if w.On.Push == nil && w.On.PullRequest == nil {
		return fmt.Errorf("workflow %q: no triggers declared", w.Name)
	}
	if w.Jobs.Len() == 0 {
		return fmt.Errorf("workflow %q: no jobs declared", w.Name)
	}
	for _, job := range w.Jobs.All() {
		if err := w.validateJob(job); err != nil {
			return err
		}
	}
	if cycle := w.findCycle(); cycle != nil {
		return fmt.Errorf("workflow %q: dependency cycle: %s", w.Name, strings.Join(cycle, " -> "))
	}
	return nil
}

func (w *Workflow) validateJob(job *Job) error {
	if job.RunsOn == "" {
		return fmt.Errorf("job %q: runs-on is required", job.ID)
	}
	if len(job.Steps) == 0 {
		return fmt.Errorf("job %q: no steps", job.ID)
	}
	if job.TimeoutMinutes < 0 {
		return fmt.Errorf("job %q: negative timeout-minutes", job.ID)
	}
	for i, step := range job.Steps {
		hasRun, hasUses := step.Run != "", step.Uses != ""
		if hasRun == hasUses {
			return fmt.Errorf("job %q step %d: exactly one of run or uses is required", job.ID, i+1)
		}
		if step.TimeoutMinutes < 0 {
			return fmt.Errorf("job %q step %d: negative timeout-minutes", job.ID, i+1)
		}
	}
	for _, need := range job.Needs {
		if need == job.ID {
			return fmt.Errorf("job %q: needs itself", job.ID)
		}
		if _, ok := w.Jobs.Get(need); !ok {
			return fmt.Errorf("job %q: needs unknown job %q", job.ID, need)
		}
	}
	if job.Strategy != nil {
		for _, axis := range job.Strategy.Matrix.Axes() {
			if len(job.Strategy.Matrix.axes[axis]) == 0 {
				return fmt.Errorf("job %q: matrix axis %q has no values", job.ID, axis)
			}
		}
	}
	return nil
}

// findCycle runs a depth-first walk over the needs edges and returns the
// first cycle found as a job ID path, or nil.
func (w *Workflow) findCycle() []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, w.Jobs.Len())
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = visiting
		stack = append(stack, id)
		job, _ := w.Jobs.Get(id)
		for _, need := range job.Needs {
			switch state[need] {
			case visiting:
				// Trim the stack to the start of the loop.
				for i, sid := range stack {
					if sid == need {
						return append(append([]string{}, stack[i:]...), need)
					}
				}
			case unvisited:
				if cycle := visit(need); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range w.Jobs.IDs() {
		if state[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
