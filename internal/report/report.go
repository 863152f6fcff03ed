// Package report prepares and renders charts and summary statistics over
// recorded pipeline runs. Data transformation is separated from eCharts
// rendering for improved testability.
package report

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/gantry.build/internal/store"
)

// DurationSeries holds prepared data for the job duration bar chart, in
// chronological order (oldest first).
type DurationSeries struct {
	Labels      []string  `json:"labels"`
	Values      []float64 `json:"values"`
	Conclusions []string  `json:"conclusions"`
}

// PrepareDurationSeries transforms finished job instances (newest first, as
// returned by the store) into chronological chart data, keeping at most
// maxBars entries.
func PrepareDurationSeries(durations []store.JobDuration, maxBars int) *DurationSeries {
	if maxBars <= 0 {
		maxBars = 30
	}
	if len(durations) > maxBars {
		durations = durations[:maxBars]
	}

	n := len(durations)
	series := &DurationSeries{
		Labels:      make([]string, n),
		Values:      make([]float64, n),
		Conclusions: make([]string, n),
	}
	for i, d := range durations {
		j := n - 1 - i
		series.Labels[j] = d.Name
		series.Values[j] = d.Seconds
		series.Conclusions[j] = d.Conclusion
	}
	return series
}

// JobStats summarizes the runtime distribution of one job across recent
// instances.
type JobStats struct {
	JobID         string  `json:"job_id"`
	Samples       int     `json:"samples"`
	SuccessRate   float64 `json:"success_rate"`
	MeanSeconds   float64 `json:"mean_seconds"`
	MedianSeconds float64 `json:"median_seconds"`
	P90Seconds    float64 `json:"p90_seconds"`
}

// Summarize groups finished instances by job and computes per-job runtime
// statistics, sorted by job ID.
func Summarize(durations []store.JobDuration) []JobStats {
	byJob := map[string][]store.JobDuration{}
	for _, d := range durations {
		byJob[d.JobID] = append(byJob[d.JobID], d)
	}

	jobIDs := make([]string, 0, len(byJob))
	for id := range byJob {
		jobIDs = append(jobIDs, id)
	}
	sort.Strings(jobIDs)

	stats := make([]JobStats, 0, len(jobIDs))
	for _, id := range jobIDs {
		samples := byJob[id]
		xs := make([]float64, len(samples))
		successes := 0
		for i, d := range samples {
			xs[i] = d.Seconds
			if d.Conclusion == "success" {
				successes++
			}
		}
		sort.Float64s(xs)

		stats = append(stats, JobStats{
			JobID:         id,
			Samples:       len(samples),
			SuccessRate:   float64(successes) / float64(len(samples)),
			MeanSeconds:   stat.Mean(xs, nil),
			MedianSeconds: stat.Quantile(0.5, stat.Empirical, xs, nil),
			P90Seconds:    stat.Quantile(0.9, stat.Empirical, xs, nil),
		})
	}
	return stats
}

// OutcomePoint is one slice of the run outcome pie chart.
type OutcomePoint struct {
	Conclusion string `json:"conclusion"`
	Count      int    `json:"count"`
}

// PrepareOutcomePoints orders outcome counts by conclusion name so chart
// output is deterministic.
func PrepareOutcomePoints(outcomes map[string]int) []OutcomePoint {
	points := make([]OutcomePoint, 0, len(outcomes))
	for conclusion, count := range outcomes {
		points = append(points, OutcomePoint{Conclusion: conclusion, Count: count})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Conclusion < points[j].Conclusion })
	return points
}

// conclusionColor maps outcomes onto the chart palette.
func conclusionColor(conclusion string) string {
	switch conclusion {
	case "success":
		return "#35b779"
	case "failure":
		return "#ff5252"
	case "cancelled":
		return "#fde725"
	default:
		return "#9e9e9e"
	}
}
