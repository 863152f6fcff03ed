// Package fsutil manages the on-disk workspaces job instances execute in.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/gantry.build/internal/security"
)

// Workspaces allocates and removes per-job working directories under a
// single root. Layout: <root>/<runID>/<sanitized job name>.
type Workspaces struct {
	Root string

	// Keep, when true, leaves workspaces on disk after the run finishes
	// (useful when debugging a failing pipeline).
	Keep bool
}

// NewWorkspaces creates the workspace root if needed.
func NewWorkspaces(root string) (*Workspaces, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "gantry-workspaces")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Workspaces{Root: root}, nil
}

// Allocate creates (and returns) the working directory for one job instance.
func (w *Workspaces) Allocate(runID, jobName string) (string, error) {
	dir := filepath.Join(w.Root, security.SanitizeName(runID), security.SanitizeName(jobName))
	if err := security.ValidateWithinRoot(dir, w.Root); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", dir, err)
	}
	return dir, nil
}

// Release removes everything allocated for a run unless Keep is set.
func (w *Workspaces) Release(runID string) error {
	if w.Keep {
		return nil
	}
	dir := filepath.Join(w.Root, security.SanitizeName(runID))
	if err := security.ValidateWithinRoot(dir, w.Root); err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// WriteFile writes data into a file inside a workspace, creating parent
// directories as needed. The path must stay within the workspace root.
func (w *Workspaces) WriteFile(path string, data []byte) error {
	if err := security.ValidateWithinRoot(path, w.Root); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
