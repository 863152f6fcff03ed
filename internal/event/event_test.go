package event

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestBranch(t *testing.T) {
	tests := []struct {
		name string
		ref  string
		want string
	}{
		{"heads ref", "refs/heads/master", "master"},
		{"nested heads ref", "refs/heads/feature/paths", "feature/paths"},
		{"bare name passes through", "master", "master"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Event{Ref: tt.ref}
			if got := e.Branch(); got != tt.want {
				t.Errorf("Branch() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRepository(t *testing.T) {
	e := Event{Owner: "mindspore-lab", Repo: "mindnlp"}
	if got := e.Repository(); got != "mindspore-lab/mindnlp" {
		t.Errorf("Repository() = %q", got)
	}
	e.Owner = ""
	if got := e.Repository(); got != "mindnlp" {
		t.Errorf("Repository() without owner = %q", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		ev      Event
		wantErr bool
	}{
		{"valid push", Event{Type: Push, Ref: "refs/heads/master"}, false},
		{"valid pull request", Event{Type: PullRequest, Ref: "refs/heads/master"}, false},
		{"unknown type", Event{Type: "release", Ref: "refs/heads/master"}, true},
		{"missing ref", Event{Type: Push}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseWebhookPush(t *testing.T) {
	body := []byte(`{
		"ref": "refs/heads/master",
		"after": "abc123",
		"repository": {"name": "mindnlp", "owner": {"login": "mindspore-lab"}},
		"sender": {"login": "lvyufeng"},
		"commits": [
			{"added": ["mindnlp/core/ops.py"], "modified": ["tests/ut/test_ops.py"]},
			{"modified": ["mindnlp/core/ops.py"], "removed": ["docs/old.md"]}
		]
	}`)
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	got, err := ParseWebhook("push", body, now)
	if err != nil {
		t.Fatalf("ParseWebhook() error = %v", err)
	}
	want := Event{
		Type:         Push,
		Ref:          "refs/heads/master",
		Owner:        "mindspore-lab",
		Repo:         "mindnlp",
		Actor:        "lvyufeng",
		SHA:          "abc123",
		ChangedPaths: []string{"docs/old.md", "mindnlp/core/ops.py", "tests/ut/test_ops.py"},
		ReceivedAt:   now,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
}

func TestParseWebhookPushOwnerNameFallback(t *testing.T) {
	body := []byte(`{
		"ref": "refs/heads/master",
		"after": "abc123",
		"repository": {"name": "mindnlp", "owner": {"name": "mindspore-lab"}}
	}`)
	got, err := ParseWebhook("push", body, time.Now())
	if err != nil {
		t.Fatalf("ParseWebhook() error = %v", err)
	}
	if got.Owner != "mindspore-lab" {
		t.Errorf("Owner = %q, want fallback to owner.name", got.Owner)
	}
}

func TestParseWebhookPullRequest(t *testing.T) {
	body := []byte(`{
		"action": "synchronize",
		"number": 42,
		"pull_request": {
			"head": {"ref": "fix-ops", "sha": "def456"},
			"base": {"ref": "master"}
		},
		"repository": {"name": "mindnlp", "owner": {"login": "mindspore-lab"}},
		"sender": {"login": "contributor"},
		"changed_files": ["mindnlp/core/ops.py"]
	}`)
	got, err := ParseWebhook("pull_request", body, time.Now())
	if err != nil {
		t.Fatalf("ParseWebhook() error = %v", err)
	}
	if got.Type != PullRequest {
		t.Errorf("Type = %q", got.Type)
	}
	if got.Branch() != "master" {
		t.Errorf("Branch() = %q, want base branch", got.Branch())
	}
	if got.SHA != "def456" {
		t.Errorf("SHA = %q", got.SHA)
	}
	if len(got.ChangedPaths) != 1 || got.ChangedPaths[0] != "mindnlp/core/ops.py" {
		t.Errorf("ChangedPaths = %v", got.ChangedPaths)
	}
}

func TestParseWebhookIgnoredPRAction(t *testing.T) {
	body := []byte(`{
		"action": "labeled",
		"pull_request": {"head": {"ref": "x", "sha": "y"}, "base": {"ref": "master"}},
		"repository": {"name": "mindnlp", "owner": {"login": "mindspore-lab"}}
	}`)
	_, err := ParseWebhook("pull_request", body, time.Now())
	var ignored ErrIgnoredAction
	if !errors.As(err, &ignored) {
		t.Fatalf("error = %v, want ErrIgnoredAction", err)
	}
	if ignored.Action != "labeled" {
		t.Errorf("Action = %q", ignored.Action)
	}
}

func TestParseWebhookUnsupportedType(t *testing.T) {
	if _, err := ParseWebhook("workflow_dispatch", []byte(`{}`), time.Now()); err == nil {
		t.Fatal("expected error for unsupported event type")
	}
}

func TestParseWebhookBadJSON(t *testing.T) {
	if _, err := ParseWebhook("push", []byte(`{not json`), time.Now()); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestCollectPushPathsEmpty(t *testing.T) {
	body := []byte(`{"ref": "refs/heads/master", "after": "a", "repository": {"name": "r", "owner": {"login": "o"}}}`)
	got, err := ParseWebhook("push", body, time.Now())
	if err != nil {
		t.Fatalf("ParseWebhook() error = %v", err)
	}
	if got.ChangedPaths != nil {
		t.Errorf("ChangedPaths = %v, want nil for empty commit list", got.ChangedPaths)
	}
}
