// gantry-stats summarizes recorded pipeline runs from the command line:
// per-job duration statistics and run outcome counts, straight from the
// database with no daemon in the way.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"

	"github.com/banshee-data/gantry.build/internal/report"
	"github.com/banshee-data/gantry.build/internal/store"
)

var (
	dbFile = flag.String("db", "gantry.db", "Path to the SQLite database file")
	jobID  = flag.String("job", "", "Limit statistics to one job ID")
	limit  = flag.Int("limit", 500, "How many recent job executions feed the statistics")
)

func main() {
	flag.Parse()

	st, err := store.New(*dbFile)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	durations, err := st.JobDurations(ctx, *limit)
	if err != nil {
		log.Fatalf("Failed to query job durations: %v", err)
	}
	outcomes, err := st.RunOutcomes(ctx)
	if err != nil {
		log.Fatalf("Failed to query run outcomes: %v", err)
	}

	render(os.Stdout, report.Summarize(durations), outcomes, *jobID)
}

// render prints the stats table and the outcome counts. An unknown job
// filter yields an empty table rather than an error, matching a database
// that simply has no such executions yet.
func render(w io.Writer, stats []report.JobStats, outcomes map[string]int, jobFilter string) {
	fmt.Fprintf(w, "%-24s %8s %9s %9s %9s %9s\n", "JOB", "SAMPLES", "SUCCESS", "MEAN", "MEDIAN", "P90")
	for _, s := range stats {
		if jobFilter != "" && s.JobID != jobFilter {
			continue
		}
		fmt.Fprintf(w, "%-24s %8d %8.0f%% %8.1fs %8.1fs %8.1fs\n",
			s.JobID, s.Samples, s.SuccessRate*100, s.MeanSeconds, s.MedianSeconds, s.P90Seconds)
	}

	if len(outcomes) == 0 {
		return
	}
	conclusions := make([]string, 0, len(outcomes))
	for c := range outcomes {
		conclusions = append(conclusions, c)
	}
	sort.Strings(conclusions)

	fmt.Fprintf(w, "\ncompleted runs:")
	for _, c := range conclusions {
		fmt.Fprintf(w, " %s=%d", c, outcomes[c])
	}
	fmt.Fprintln(w)
}
