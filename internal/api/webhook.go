package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/banshee-data/gantry.build/internal/event"
	"github.com/banshee-data/gantry.build/internal/httputil"
	"github.com/banshee-data/gantry.build/internal/monitoring"
	"github.com/banshee-data/gantry.build/internal/trigger"
)

// maxWebhookBody caps webhook payload reads. Push payloads with large commit
// lists stay well under this.
const maxWebhookBody = 5 << 20

// verifySignature checks the hex HMAC-SHA256 delivery signature
// ("sha256=<hex>") against the shared secret.
func verifySignature(secret []byte, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// webhookResponse reports what a delivery did. A workflow appears in exactly
// one of the two lists.
type webhookResponse struct {
	Status   string         `json:"status"`
	Launched []launchedRun  `json:"launched,omitempty"`
	Skipped  []skippedEntry `json:"skipped,omitempty"`
}

type launchedRun struct {
	RunID    string `json:"run_id"`
	Workflow string `json:"workflow"`
}

type skippedEntry struct {
	Workflow string `json:"workflow"`
	Reason   string `json:"reason"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		httputil.BadRequest(w, "reading body: "+err.Error())
		return
	}

	if len(s.opts.WebhookSecret) > 0 {
		if !verifySignature([]byte(s.opts.WebhookSecret), body, r.Header.Get("X-Hub-Signature-256")) {
			httputil.Unauthorized(w, "signature mismatch")
			return
		}
	}

	eventName := r.Header.Get("X-GitHub-Event")
	ev, err := event.ParseWebhook(eventName, body, time.Now())
	if err != nil {
		var ignored event.ErrIgnoredAction
		if errors.As(err, &ignored) {
			httputil.WriteJSONOK(w, webhookResponse{Status: "ignored"})
			return
		}
		httputil.BadRequest(w, err.Error())
		return
	}
	ev.DeliveryID = r.Header.Get("X-GitHub-Delivery")

	resp := s.dispatchEvent(ev)
	httputil.WriteJSON(w, http.StatusAccepted, resp)
}

// dispatchEvent runs the event against every workflow's trigger filters and
// launches the ones that match.
func (s *Server) dispatchEvent(ev event.Event) webhookResponse {
	resp := webhookResponse{Status: "accepted"}
	for _, wf := range s.workflows {
		d, err := trigger.Evaluate(wf.On, ev)
		if err != nil {
			monitoring.Logf("evaluating triggers for %s: %v", wf.Name, err)
			resp.Skipped = append(resp.Skipped, skippedEntry{Workflow: wf.Name, Reason: "filter error: " + err.Error()})
			continue
		}
		if !d.Run {
			resp.Skipped = append(resp.Skipped, skippedEntry{Workflow: wf.Name, Reason: d.Reason})
			continue
		}
		runID, err := s.launch(wf, ev)
		if err != nil {
			monitoring.Logf("launching %s: %v", wf.Name, err)
			resp.Skipped = append(resp.Skipped, skippedEntry{Workflow: wf.Name, Reason: "launch error: " + err.Error()})
			continue
		}
		resp.Launched = append(resp.Launched, launchedRun{RunID: runID, Workflow: wf.Name})
	}
	return resp
}

// dispatchRequest asks for a manual run of one workflow, outside any
// delivery. Filters are not applied; the point of dispatch is to force a run.
type dispatchRequest struct {
	Workflow string `json:"workflow"`
	Ref      string `json:"ref,omitempty"`
	SHA      string `json:"sha,omitempty"`
	Actor    string `json:"actor,omitempty"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Workflow == "" {
		httputil.BadRequest(w, "workflow is required")
		return
	}
	wf := s.findWorkflow(req.Workflow)
	if wf == nil {
		httputil.NotFound(w, "unknown workflow "+req.Workflow)
		return
	}

	ref := req.Ref
	if ref == "" {
		ref = "refs/heads/" + s.opts.DefaultBranch
	} else if !strings.HasPrefix(ref, "refs/") {
		ref = "refs/heads/" + ref
	}
	actor := req.Actor
	if actor == "" {
		actor = "dispatch"
	}

	ev := event.Event{
		Type:       event.Push,
		Ref:        ref,
		SHA:        req.SHA,
		Actor:      actor,
		ReceivedAt: time.Now(),
	}

	resp := webhookResponse{Status: "accepted"}
	runID, err := s.launch(wf, ev)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	resp.Launched = append(resp.Launched, launchedRun{RunID: runID, Workflow: wf.Name})
	httputil.WriteJSON(w, http.StatusAccepted, resp)
}
