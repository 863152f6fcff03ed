package report

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/gantry.build/internal/httputil"
	"github.com/banshee-data/gantry.build/internal/store"
)

// Handlers serves chart and statistics endpoints over the run store.
type Handlers struct {
	store *store.Store
}

func NewHandlers(s *store.Store) *Handlers {
	return &Handlers{store: s}
}

// HandleDurationsChart renders a bar chart (HTML) of recently finished job
// instances. Bars are colored by conclusion.
// Query params:
//   - limit (optional; default 30, max 200)
func (h *Handlers) HandleDurationsChart(w http.ResponseWriter, r *http.Request) {
	limit := 30
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	durations, err := h.store.JobDurations(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load durations: %v", err))
		return
	}
	series := PrepareDurationSeries(durations, limit)

	bars := make([]opts.BarData, len(series.Values))
	for i, v := range series.Values {
		bars[i] = opts.BarData{
			Value:     v,
			ItemStyle: &opts.ItemStyle{Color: conclusionColor(series.Conclusions[i])},
		}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Job Durations", Theme: "dark", Width: "100%", Height: "720px"}),
		charts.WithTitleOpts(opts.Title{Title: "Job Durations", Subtitle: fmt.Sprintf("last %d finished instances, seconds", len(bars))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(series.Labels).
		AddSeries("seconds", bars,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// HandleOutcomesChart renders a pie chart (HTML) of completed run outcomes.
func (h *Handlers) HandleOutcomesChart(w http.ResponseWriter, r *http.Request) {
	outcomes, err := h.store.RunOutcomes(r.Context())
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load outcomes: %v", err))
		return
	}
	points := PrepareOutcomePoints(outcomes)

	data := make([]opts.PieData, len(points))
	for i, p := range points {
		data[i] = opts.PieData{
			Name:      p.Conclusion,
			Value:     p.Count,
			ItemStyle: &opts.ItemStyle{Color: conclusionColor(p.Conclusion)},
		}
	}

	pie := charts.NewPie()
	pie.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Run Outcomes", Theme: "dark", Width: "900px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Run Outcomes", Subtitle: fmt.Sprintf("%d completed runs", totalCount(points))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	pie.AddSeries("runs", data,
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Formatter: "{b}: {c}"}),
	)

	var buf bytes.Buffer
	if err := pie.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// StatsResponse is the JSON payload of HandleStats.
type StatsResponse struct {
	Jobs     []JobStats     `json:"jobs"`
	Outcomes []OutcomePoint `json:"outcomes"`
}

// HandleStats returns per-job runtime statistics and run outcome counts.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	durations, err := h.store.JobDurations(r.Context(), 500)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load durations: %v", err))
		return
	}
	outcomes, err := h.store.RunOutcomes(r.Context())
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load outcomes: %v", err))
		return
	}

	httputil.WriteJSONOK(w, StatsResponse{
		Jobs:     Summarize(durations),
		Outcomes: PrepareOutcomePoints(outcomes),
	})
}

func totalCount(points []OutcomePoint) int {
	total := 0
	for _, p := range points {
		total += p.Count
	}
	return total
}
