// Package security contains path validation used when the orchestrator
// creates job workspaces and serves log files from disk.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateWithinRoot checks that path stays inside root once cleaned and made
// absolute. It guards workspace creation and log download handlers against
// traversal via job or workflow names (e.g. a job key of "../../etc").
func ValidateWithinRoot(path, root string) error {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	absRoot, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}

	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return fmt.Errorf("path is outside %s: %w", root, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %s escapes %s", path, root)
	}
	return nil
}

// SanitizeName reduces a workflow or job identifier to characters that are
// safe in a filesystem path component. Anything outside [A-Za-z0-9._-] is
// replaced with '-'; empty results become "unnamed".
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "unnamed"
	}
	return out
}
