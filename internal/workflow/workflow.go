// Package workflow defines the pipeline definition model and its YAML codec.
//
// A workflow file names its triggers, a set of jobs keyed by ID, and the
// steps each job runs. Declaration order of jobs and matrix axes is
// preserved because it drives display names and report ordering.
package workflow

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Workflow is a parsed pipeline definition.
type Workflow struct {
	Name string    `yaml:"name"`
	On   Triggers  `yaml:"on"`
	Env  StringMap `yaml:"env"`
	Jobs Jobs      `yaml:"jobs"`

	// Source is the path the workflow was loaded from, when known.
	Source string `yaml:"-"`
}

// Job is one node in the workflow's dependency graph.
type Job struct {
	// ID is the mapping key the job was declared under.
	ID string `yaml:"-"`

	Name           string     `yaml:"name"`
	RunsOn         string     `yaml:"runs-on"`
	Needs          StringList `yaml:"needs"`
	If             string     `yaml:"if"`
	Env            StringMap  `yaml:"env"`
	Strategy       *Strategy  `yaml:"strategy"`
	Steps          []Step     `yaml:"steps"`
	TimeoutMinutes int        `yaml:"timeout-minutes"`
}

// DisplayName returns the job's name field, falling back to its ID.
func (j *Job) DisplayName() string {
	if j.Name != "" {
		return j.Name
	}
	return j.ID
}

// Strategy controls how a job's matrix expands.
type Strategy struct {
	// FailFast is accepted for compatibility; step execution within a job
	// always stops at the first failure regardless.
	FailFast *bool  `yaml:"fail-fast"`
	Matrix   Matrix `yaml:"matrix"`
}

// Step is a single unit of work inside a job. Exactly one of Run or Uses
// must be set.
type Step struct {
	ID               string    `yaml:"id"`
	Name             string    `yaml:"name"`
	If               string    `yaml:"if"`
	Uses             string    `yaml:"uses"`
	With             StringMap `yaml:"with"`
	Run              string    `yaml:"run"`
	Shell            string    `yaml:"shell"`
	Env              StringMap `yaml:"env"`
	WorkingDirectory string    `yaml:"working-directory"`
	ContinueOnError  bool      `yaml:"continue-on-error"`
	TimeoutMinutes   int       `yaml:"timeout-minutes"`
}

// DisplayName returns the step's name, falling back to its uses reference or
// the first line of its run script.
func (s Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Uses != "" {
		return s.Uses
	}
	line := s.Run
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

// Triggers records which events start the workflow and the filters applied
// to each. A nil filter means the event matches unconditionally.
type Triggers struct {
	Push        *Filter
	PullRequest *Filter
}

// Filter restricts an event by branch and by the paths it touched.
// Patterns use gitignore-style globs; path patterns may be negated with a
// leading '!', later patterns winning over earlier ones.
type Filter struct {
	Branches       []string `yaml:"branches"`
	BranchesIgnore []string `yaml:"branches-ignore"`
	Paths          []string `yaml:"paths"`
	PathsIgnore    []string `yaml:"paths-ignore"`
}

// UnmarshalYAML accepts the three trigger spellings: a single event name, a
// list of event names, or a mapping from event name to filter.
func (t *Triggers) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		return t.enable(value.Value, nil)
	case yaml.SequenceNode:
		for _, item := range value.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: trigger list entries must be event names", item.Line)
			}
			if err := t.enable(item.Value, nil); err != nil {
				return err
			}
		}
		return nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(value.Content); i += 2 {
			key, val := value.Content[i], value.Content[i+1]
			f := &Filter{}
			if val.Kind != yaml.ScalarNode || val.Value != "" {
				if err := val.Decode(f); err != nil {
					return fmt.Errorf("trigger %q: %w", key.Value, err)
				}
			}
			if err := t.enable(key.Value, f); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("line %d: cannot parse triggers", value.Line)
	}
}

func (t *Triggers) enable(name string, f *Filter) error {
	if f == nil {
		f = &Filter{}
	}
	switch name {
	case "push":
		t.Push = f
	case "pull_request":
		t.PullRequest = f
	default:
		return fmt.Errorf("unsupported trigger %q", name)
	}
	return nil
}

// For returns the filter for the named event and whether the workflow
// listens for it at all.
func (t Triggers) For(name string) (*Filter, bool) {
	switch name {
	case "push":
		return t.Push, t.Push != nil
	case "pull_request":
		return t.PullRequest, t.PullRequest != nil
	}
	return nil, false
}

// StringList decodes either a single scalar or a sequence of scalars.
type StringList []string

func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*l = StringList{value.Value}
		return nil
	case yaml.SequenceNode:
		out := make(StringList, 0, len(value.Content))
		for _, item := range value.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: expected scalar list entry", item.Line)
			}
			out = append(out, item.Value)
		}
		*l = out
		return nil
	default:
		return fmt.Errorf("line %d: expected scalar or list", value.Line)
	}
}

// StringMap decodes a mapping of scalars keeping each value's literal text,
// so version numbers like 3.10 survive as written instead of resolving to
// floats.
type StringMap map[string]string

func (m *StringMap) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected mapping", value.Line)
	}
	out := make(StringMap, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: value for %q must be a scalar", val.Line, key.Value)
		}
		out[key.Value] = val.Value
	}
	*m = out
	return nil
}

// Jobs holds the workflow's jobs in declaration order.
type Jobs struct {
	list []*Job
	byID map[string]*Job
}

func (j *Jobs) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: jobs must be a mapping", value.Line)
	}
	j.list = nil
	j.byID = make(map[string]*Job, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]
		if _, dup := j.byID[key.Value]; dup {
			return fmt.Errorf("line %d: duplicate job %q", key.Line, key.Value)
		}
		job := &Job{}
		if err := val.Decode(job); err != nil {
			return fmt.Errorf("job %q: %w", key.Value, err)
		}
		job.ID = key.Value
		j.list = append(j.list, job)
		j.byID[key.Value] = job
	}
	return nil
}

// All returns the jobs in declaration order.
func (j Jobs) All() []*Job { return j.list }

// Get looks a job up by ID.
func (j Jobs) Get(id string) (*Job, bool) {
	job, ok := j.byID[id]
	return job, ok
}

// IDs returns the job IDs in declaration order.
func (j Jobs) IDs() []string {
	ids := make([]string, len(j.list))
	for i, job := range j.list {
		ids[i] = job.ID
	}
	return ids
}

func (j Jobs) Len() int { return len(j.list) }

// Parse reads a workflow definition and validates it.
func Parse(r io.Reader) (*Workflow, error) {
	var wf Workflow
	dec := yaml.NewDecoder(r)
	dec.KnownFields(false)
	if err := dec.Decode(&wf); err != nil {
		return nil, fmt.Errorf("parsing workflow: %w", err)
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return &wf, nil
}

// ParseFile loads and validates the workflow at path.
func ParseFile(path string) (*Workflow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening workflow: %w", err)
	}
	defer f.Close()
	wf, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	wf.Source = path
	return wf, nil
}
