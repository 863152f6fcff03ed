package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// LoadDir parses every .yml and .yaml file in dir, sorted by filename so
// load order is stable. Workflow names must be unique across the directory;
// a missing directory is an error, an empty one is not.
func LoadDir(dir string) ([]*Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading workflow dir: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yml", ".yaml":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	seen := map[string]string{}
	var wfs []*Workflow
	for _, path := range paths {
		wf, err := ParseFile(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[wf.Name]; ok {
			return nil, fmt.Errorf("%s: workflow name %q already used by %s", path, wf.Name, prev)
		}
		seen[wf.Name] = path
		wfs = append(wfs, wf)
	}
	return wfs, nil
}
