package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/banshee-data/gantry.build/internal/httputil"
	"github.com/banshee-data/gantry.build/internal/store"
)

// badgeState maps a run's outcome to badge text and fill color.
func badgeState(run *store.RunSummary) (label, color string) {
	if run == nil {
		return "unknown", "#9f9f9f"
	}
	switch run.Conclusion {
	case "success":
		return "passing", "#4c1"
	case "failure":
		return "failing", "#e05d44"
	case "cancelled":
		return "cancelled", "#dfb317"
	}
	switch run.Status {
	case "queued", "running":
		return "running", "#007ec6"
	}
	return "unknown", "#9f9f9f"
}

// renderBadge produces a flat shields-style SVG. Widths assume ~6.5px per
// character of the 11px Verdana the badge declares, plus padding.
func renderBadge(subject, status, color string) string {
	const charWidth = 65 // tenths of a pixel
	subjectW := (len(subject)*charWidth)/10 + 10
	statusW := (len(status)*charWidth)/10 + 10
	total := subjectW + statusW
	return fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="20" role="img" aria-label="%s: %s">
  <linearGradient id="s" x2="0" y2="100%%">
    <stop offset="0" stop-color="#bbb" stop-opacity=".1"/>
    <stop offset="1" stop-opacity=".1"/>
  </linearGradient>
  <rect rx="3" width="%d" height="20" fill="#555"/>
  <rect rx="3" x="%d" width="%d" height="20" fill="%s"/>
  <rect rx="3" width="%d" height="20" fill="url(#s)"/>
  <g fill="#fff" text-anchor="middle" font-family="Verdana,Geneva,DejaVu Sans,sans-serif" font-size="11">
    <text x="%d" y="14">%s</text>
    <text x="%d" y="14">%s</text>
  </g>
</svg>`,
		total, subject, status,
		total,
		subjectW, statusW, color,
		total,
		subjectW/2, subject,
		subjectW+statusW/2, status)
}

func (s *Server) handleBadge(w http.ResponseWriter, r *http.Request) {
	branch := chi.URLParam(r, "branch")
	ref := "refs/heads/" + branch

	var run *store.RunSummary
	latest, err := s.store.LatestRun(r.Context(), ref)
	switch {
	case err == nil:
		run = latest
	case errors.Is(err, store.ErrNotFound):
		// No runs yet; render the unknown badge.
	default:
		httputil.InternalServerError(w, err.Error())
		return
	}

	label, color := badgeState(run)
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	fmt.Fprint(w, renderBadge("build", label, color))
}
