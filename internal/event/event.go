// Package event models the repository events that can start a pipeline run.
package event

import (
	"fmt"
	"strings"
	"time"
)

// Type identifies the kind of repository event.
type Type string

const (
	// Push is delivered when commits land on a branch.
	Push Type = "push"
	// PullRequest is delivered when a pull request is opened or updated.
	PullRequest Type = "pull_request"
)

// Event is the normalized view of a repository event. Both webhook payloads
// and the local runner CLI produce this shape; everything downstream
// (trigger filters, the expression context, the run store) consumes it.
type Event struct {
	Type  Type   `json:"type"`
	Ref   string `json:"ref"`    // e.g. refs/heads/master
	Owner string `json:"owner"`  // repository owner login
	Repo  string `json:"repo"`   // repository name
	Actor string `json:"actor"`  // user that caused the event
	SHA   string `json:"sha"`    // head commit
	// ChangedPaths lists files touched by the event, used by path filters.
	// Empty means the diff is unknown; path filters then let the run proceed.
	ChangedPaths []string  `json:"changed_paths,omitempty"`
	DeliveryID   string    `json:"delivery_id,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Branch returns the short branch name for refs/heads/ refs, or the ref
// unchanged when it does not carry the prefix (tags are not branch events).
func (e Event) Branch() string {
	return strings.TrimPrefix(e.Ref, "refs/heads/")
}

// Repository returns the owner/name form used by the expression context.
func (e Event) Repository() string {
	if e.Owner == "" {
		return e.Repo
	}
	return e.Owner + "/" + e.Repo
}

// Validate checks the minimum shape the engine needs.
func (e Event) Validate() error {
	switch e.Type {
	case Push, PullRequest:
	default:
		return fmt.Errorf("unsupported event type %q", e.Type)
	}
	if e.Ref == "" {
		return fmt.Errorf("event has no ref")
	}
	return nil
}
