// Package plan compiles a workflow and a triggering event into the concrete
// set of job instances a run will execute.
//
// Matrix jobs fan out into one instance per combination at compile time, so
// everything downstream (scheduler, store, API) deals in instances. Needs
// edges stay at the job level: a dependent is released only when every
// instance of the needed job has succeeded.
package plan

import (
	"fmt"
	"strings"

	"github.com/banshee-data/gantry.build/internal/event"
	"github.com/banshee-data/gantry.build/internal/expr"
	"github.com/banshee-data/gantry.build/internal/workflow"
)

// Plan is the compiled form of one run.
type Plan struct {
	Workflow  *workflow.Workflow
	Event     event.Event
	Instances []*JobInstance

	byJob map[string][]*JobInstance
}

// JobInstance is one schedulable unit: a job, or one matrix combination of
// a job.
type JobInstance struct {
	// ID is the instance key, stable across replans: the job ID alone for
	// plain jobs, jobID#n for the nth matrix combination.
	ID string
	// JobID is the declaring job's ID.
	JobID string
	// Name is the display title, matrix values appended in axis order.
	Name string
	Job  *workflow.Job
	// Matrix holds this instance's combination, nil for plain jobs.
	Matrix workflow.Combination
	// RunsOn is the runner label after interpolation.
	RunsOn string
	// Platform is the runner OS implied by RunsOn: Linux, Windows or macOS.
	Platform string
	// Arch is the runner architecture implied by RunsOn.
	Arch string
	// Needs lists prerequisite job IDs.
	Needs []string
}

// Compile expands the workflow against the event into a Plan. Instances
// appear in job declaration order, matrix combinations in expansion order.
func Compile(wf *workflow.Workflow, ev event.Event) (*Plan, error) {
	p := &Plan{
		Workflow: wf,
		Event:    ev,
		byJob:    make(map[string][]*JobInstance, wf.Jobs.Len()),
	}
	github := GitHubContext(ev)
	for _, job := range wf.Jobs.All() {
		instances, err := expandJob(job, github)
		if err != nil {
			return nil, err
		}
		p.Instances = append(p.Instances, instances...)
		p.byJob[job.ID] = instances
	}
	return p, nil
}

func expandJob(job *workflow.Job, github map[string]string) ([]*JobInstance, error) {
	var combos []workflow.Combination
	if job.Strategy != nil && !job.Strategy.Matrix.Empty() {
		combos = job.Strategy.Matrix.Expand()
	}
	if combos == nil {
		inst, err := newInstance(job, job.ID, nil, nil, github)
		if err != nil {
			return nil, err
		}
		return []*JobInstance{inst}, nil
	}

	axes := job.Strategy.Matrix.Axes()
	instances := make([]*JobInstance, 0, len(combos))
	for i, combo := range combos {
		id := fmt.Sprintf("%s#%d", job.ID, i)
		inst, err := newInstance(job, id, combo, axes, github)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func newInstance(job *workflow.Job, id string, combo workflow.Combination, axes []string, github map[string]string) (*JobInstance, error) {
	ctx := &expr.Context{GitHub: github, Matrix: combo}
	runsOn, err := expr.Expand(job.RunsOn, ctx)
	if err != nil {
		return nil, fmt.Errorf("job %q: expanding runs-on: %w", job.ID, err)
	}
	if strings.TrimSpace(runsOn) == "" {
		return nil, fmt.Errorf("job %q: runs-on resolves to empty", job.ID)
	}

	name := job.DisplayName()
	if len(combo) > 0 {
		name = fmt.Sprintf("%s (%s)", name, combo.Describe(axes))
	}
	return &JobInstance{
		ID:       id,
		JobID:    job.ID,
		Name:     name,
		Job:      job,
		Matrix:   combo,
		RunsOn:   runsOn,
		Platform: PlatformFor(runsOn),
		Arch:     ArchFor(runsOn),
		Needs:    job.Needs,
	}, nil
}

// InstancesOf returns the instances compiled for a job ID.
func (p *Plan) InstancesOf(jobID string) []*JobInstance {
	return p.byJob[jobID]
}

// Instance looks an instance up by its ID.
func (p *Plan) Instance(id string) (*JobInstance, bool) {
	for _, inst := range p.Instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return nil, false
}

// Layers groups instances into dependency layers: every instance in layer n
// depends only on jobs in layers before n. Jobs keep declaration order
// within a layer. Used for run summaries and the report view.
func (p *Plan) Layers() [][]*JobInstance {
	depth := make(map[string]int, p.Workflow.Jobs.Len())
	var jobDepth func(id string) int
	jobDepth = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		depth[id] = 0 // cycle guard; validation rejects real cycles
		job, _ := p.Workflow.Jobs.Get(id)
		d := 0
		for _, need := range job.Needs {
			if nd := jobDepth(need) + 1; nd > d {
				d = nd
			}
		}
		depth[id] = d
		return d
	}

	max := 0
	for _, id := range p.Workflow.Jobs.IDs() {
		if d := jobDepth(id); d > max {
			max = d
		}
	}
	layers := make([][]*JobInstance, max+1)
	for _, inst := range p.Instances {
		d := depth[inst.JobID]
		layers[d] = append(layers[d], inst)
	}
	return layers
}

// GitHubContext builds the github.* expression context for an event.
func GitHubContext(ev event.Event) map[string]string {
	return map[string]string{
		"event_name":       string(ev.Type),
		"ref":              ev.Ref,
		"ref_name":         ev.Branch(),
		"sha":              ev.SHA,
		"repository":       ev.Repository(),
		"repository_owner": ev.Owner,
		"actor":            ev.Actor,
	}
}

// PlatformFor maps a runner label to the OS name the runner.os context
// reports.
func PlatformFor(runsOn string) string {
	label := strings.ToLower(runsOn)
	switch {
	case strings.Contains(label, "windows"):
		return "Windows"
	case strings.Contains(label, "macos"), strings.Contains(label, "osx"):
		return "macOS"
	default:
		return "Linux"
	}
}

// ArchFor maps a runner label to the architecture the runner.arch context
// reports.
func ArchFor(runsOn string) string {
	label := strings.ToLower(runsOn)
	if strings.Contains(label, "arm64") || strings.Contains(label, "aarch64") {
		return "ARM64"
	}
	return "X64"
}
