package security

import (
	"path/filepath"
	"testing"
)

func TestValidateWithinRoot(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"direct child", filepath.Join(root, "run-1"), false},
		{"nested child", filepath.Join(root, "run-1", "job", "step.log"), false},
		{"root itself", root, false},
		{"dotdot escape", filepath.Join(root, "..", "outside"), true},
		{"sneaky traversal", filepath.Join(root, "run", "..", "..", "etc"), true},
		{"absolute elsewhere", "/etc/passwd", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateWithinRoot(tc.path, root)
			if tc.wantErr && err == nil {
				t.Errorf("ValidateWithinRoot(%q) = nil, want error", tc.path)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("ValidateWithinRoot(%q) = %v, want nil", tc.path, err)
			}
		})
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"pylint-check", "pylint-check"},
		{"ut-test (ubuntu-latest, 3.9)", "ut-test--ubuntu-latest--3.9-"},
		{"../../etc", "-..-etc"},
		{"", "unnamed"},
		{"...", "unnamed"},
		{"release_test.v2", "release_test.v2"},
	}
	for _, tc := range tests {
		if got := SanitizeName(tc.in); got != tc.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
