package event

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// pushPayload is the subset of the forge's push webhook body we consume.
type pushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
			Name  string `json:"name"`
		} `json:"owner"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
	Commits []struct {
		Added    []string `json:"added"`
		Removed  []string `json:"removed"`
		Modified []string `json:"modified"`
	} `json:"commits"`
}

// prPayload is the subset of the pull_request webhook body we consume. The
// forge does not inline the file diff, so relays that know it may attach a
// top-level changed_files list; absent that, path filters run fail-open.
type prPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Head struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
	ChangedFiles []string `json:"changed_files"`
}

// prActions worth starting a run for; other actions (labeled, closed, ...)
// are acknowledged and dropped.
var prActions = map[string]bool{
	"opened":      true,
	"synchronize": true,
	"reopened":    true,
}

// ErrIgnoredAction reports a well-formed delivery that should not start a run.
type ErrIgnoredAction struct {
	Action string
}

func (e ErrIgnoredAction) Error() string {
	return fmt.Sprintf("ignored pull_request action %q", e.Action)
}

// ParseWebhook normalizes a raw webhook delivery into an Event. eventName is
// the transport-level event header (X-GitHub-Event or equivalent).
func ParseWebhook(eventName string, body []byte, receivedAt time.Time) (Event, error) {
	switch Type(eventName) {
	case Push:
		return parsePush(body, receivedAt)
	case PullRequest:
		return parsePullRequest(body, receivedAt)
	default:
		return Event{}, fmt.Errorf("unsupported event type %q", eventName)
	}
}

func parsePush(body []byte, receivedAt time.Time) (Event, error) {
	var p pushPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, fmt.Errorf("decoding push payload: %w", err)
	}
	owner := p.Repository.Owner.Login
	if owner == "" {
		owner = p.Repository.Owner.Name
	}
	ev := Event{
		Type:         Push,
		Ref:          p.Ref,
		Owner:        owner,
		Repo:         p.Repository.Name,
		Actor:        p.Sender.Login,
		SHA:          p.After,
		ChangedPaths: collectPushPaths(p),
		ReceivedAt:   receivedAt,
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func parsePullRequest(body []byte, receivedAt time.Time) (Event, error) {
	var p prPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, fmt.Errorf("decoding pull_request payload: %w", err)
	}
	if !prActions[p.Action] {
		return Event{}, ErrIgnoredAction{Action: p.Action}
	}
	ev := Event{
		Type:         PullRequest,
		Ref:          "refs/heads/" + p.PullRequest.Base.Ref,
		Owner:        p.Repository.Owner.Login,
		Repo:         p.Repository.Name,
		Actor:        p.Sender.Login,
		SHA:          p.PullRequest.Head.SHA,
		ChangedPaths: p.ChangedFiles,
		ReceivedAt:   receivedAt,
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// collectPushPaths merges added, removed and modified files across all
// commits in the push, deduplicated and sorted for stable filter input.
func collectPushPaths(p pushPayload) []string {
	seen := map[string]bool{}
	for _, c := range p.Commits {
		for _, group := range [][]string{c.Added, c.Removed, c.Modified} {
			for _, f := range group {
				seen[f] = true
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	paths := make([]string, 0, len(seen))
	for f := range seen {
		paths = append(paths, f)
	}
	sort.Strings(paths)
	return paths
}
