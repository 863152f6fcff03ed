package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSONSetsContentTypeAndStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusAccepted, map[string]string{"run": "abc"})

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if body["run"] != "abc" {
		t.Errorf("body[run] = %q, want abc", body["run"])
	}
}

func TestWriteJSONErrorBody(t *testing.T) {
	rec := httptest.NewRecorder()
	BadRequest(rec, "missing event header")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if body["error"] != "missing event header" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestDecodeJSON(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/webhook", strings.NewReader(`{"ref":"refs/heads/master"}`))
	var payload struct {
		Ref string `json:"ref"`
	}
	if err := DecodeJSON(req, &payload); err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if payload.Ref != "refs/heads/master" {
		t.Errorf("ref = %q", payload.Ref)
	}

	bad := httptest.NewRequest("POST", "/api/webhook", strings.NewReader(`{`))
	if err := DecodeJSON(bad, &payload); err == nil {
		t.Error("expected error for truncated body")
	}

	unknown := httptest.NewRequest("POST", "/api/webhook", strings.NewReader(`{"rf":"x"}`))
	if err := DecodeJSON(unknown, &payload); err == nil {
		t.Error("expected error for unknown field")
	}
}

func TestSSEWriterSendsEvents(t *testing.T) {
	rec := httptest.NewRecorder()
	sse, err := NewSSEWriter(rec)
	if err != nil {
		t.Fatalf("NewSSEWriter: %v", err)
	}
	if err := sse.Send("job", map[string]string{"status": "running"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	out := rec.Body.String()
	if !strings.HasPrefix(out, ": ping\n\n") {
		t.Errorf("stream should open with a ping, got %q", out)
	}
	if !strings.Contains(out, "event: job\n") {
		t.Errorf("missing event line in %q", out)
	}
	if !strings.Contains(out, `"status":"running"`) {
		t.Errorf("missing data payload in %q", out)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
}
