// Package trigger decides whether an incoming event should start a run for
// a workflow, applying its branch and path filters.
package trigger

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/banshee-data/gantry.build/internal/event"
	"github.com/banshee-data/gantry.build/internal/workflow"
)

// Decision is the outcome of filter evaluation. Reason is a short
// human-readable note recorded with the run (or with the drop).
type Decision struct {
	Run    bool
	Reason string
}

// Evaluate applies the workflow's trigger filters to the event. Filters
// combine with AND: the event type must be listened for, the branch must
// pass, and at least one changed path must survive the path patterns. An
// event with an unknown changeset passes path filtering, since skipping work
// on missing information is worse than running it.
func Evaluate(t workflow.Triggers, ev event.Event) (Decision, error) {
	filter, ok := t.For(string(ev.Type))
	if !ok {
		return Decision{Reason: fmt.Sprintf("workflow does not listen for %s events", ev.Type)}, nil
	}

	branch := ev.Branch()
	ok, err := branchAllowed(filter, branch)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Decision{Reason: fmt.Sprintf("branch %q does not pass branch filters", branch)}, nil
	}

	d, err := pathsAllowed(filter, ev.ChangedPaths)
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}

func branchAllowed(f *workflow.Filter, branch string) (bool, error) {
	if len(f.Branches) > 0 {
		ok, err := matchAny(f.Branches, branch)
		if err != nil || !ok {
			return false, err
		}
	}
	if len(f.BranchesIgnore) > 0 {
		ok, err := matchAny(f.BranchesIgnore, branch)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
	}
	return true, nil
}

func pathsAllowed(f *workflow.Filter, changed []string) (Decision, error) {
	if len(f.Paths) == 0 && len(f.PathsIgnore) == 0 {
		return Decision{Run: true, Reason: "no path filters"}, nil
	}
	if len(changed) == 0 {
		return Decision{Run: true, Reason: "changed paths unknown"}, nil
	}

	if len(f.PathsIgnore) > 0 {
		for _, p := range changed {
			ok, err := matchAny(f.PathsIgnore, p)
			if err != nil {
				return Decision{}, err
			}
			if !ok {
				return Decision{Run: true, Reason: fmt.Sprintf("path %q not ignored", p)}, nil
			}
		}
		return Decision{Reason: "every changed path is ignored"}, nil
	}

	for _, p := range changed {
		ok, err := pathIncluded(f.Paths, p)
		if err != nil {
			return Decision{}, err
		}
		if ok {
			return Decision{Run: true, Reason: fmt.Sprintf("path %q matched", p)}, nil
		}
	}
	return Decision{Reason: "no changed path matched path filters"}, nil
}

// pathIncluded walks the patterns in order, later matches overriding
// earlier ones. A plain pattern that matches marks the path included; a
// '!'-prefixed pattern that matches marks it excluded again.
func pathIncluded(patterns []string, path string) (bool, error) {
	included := false
	for _, pat := range patterns {
		negate := strings.HasPrefix(pat, "!")
		if negate {
			pat = pat[1:]
		}
		ok, err := doublestar.Match(pat, path)
		if err != nil {
			return false, fmt.Errorf("path pattern %q: %w", pat, err)
		}
		if ok {
			included = !negate
		}
	}
	return included, nil
}

func matchAny(patterns []string, s string) (bool, error) {
	for _, pat := range patterns {
		ok, err := doublestar.Match(pat, s)
		if err != nil {
			return false, fmt.Errorf("pattern %q: %w", pat, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
