package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/banshee-data/gantry.build/internal/httputil"
	"github.com/banshee-data/gantry.build/internal/store"
)

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOptions{Ref: r.URL.Query().Get("ref")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httputil.BadRequest(w, "invalid limit: "+v)
			return
		}
		opts.Limit = n
	}
	runs, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	detail, err := s.store.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "no run "+runID)
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, detail)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if s.cancelRun(runID) {
		httputil.WriteJSONOK(w, map[string]string{"status": "cancelling", "run_id": runID})
		return
	}
	// Distinguish a finished run from one we never heard of.
	if _, err := s.store.GetRun(r.Context(), runID); errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "no run "+runID)
		return
	}
	httputil.WriteJSONError(w, http.StatusConflict, "run "+runID+" is not in flight")
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	instanceID := chi.URLParam(r, "instanceID")
	// Matrix instance IDs like "ut-test#0" arrive percent-encoded.
	if decoded, err := url.PathUnescape(instanceID); err == nil {
		instanceID = decoded
	}
	lines, err := s.store.JobLogs(r.Context(), runID, instanceID)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, lines)
}

// handleEvents streams bus messages as server-sent events. An optional
// ?run= query narrows the stream to one run.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "event stream not available")
		return
	}
	// Subscribe before the SSE headers flush, so events published the moment
	// the client sees the open stream are already buffered.
	id, ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(id)

	sse, err := httputil.NewSSEWriter(w)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	runFilter := r.URL.Query().Get("run")

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if runFilter != "" && msg.RunID != runFilter {
				continue
			}
			if err := sse.Send(string(msg.Kind), msg); err != nil {
				return
			}
		}
	}
}
