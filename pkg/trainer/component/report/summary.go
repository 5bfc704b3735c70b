package report

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
)

// PrintSummary renders one row per iteration followed by the run totals.
func PrintSummary(w io.Writer, run *model.TrainingRun) error {
	table := tablewriter.NewWriter(w)
	table.Header("Iteration", "Status", "Metrics", "Duration", "Error")
	for _, it := range run.Iterations {
		if err := table.Append([]string{
			fmt.Sprint(it.Index),
			it.Status.String(),
			formatMetrics(it.Metrics),
			it.Duration.Round(time.Millisecond).String(),
			failure(it),
		}); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	aggregate := "n/a (degraded)"
	if !math.IsNaN(run.AggregateMetric) {
		aggregate = fmt.Sprintf("%.4f", run.AggregateMetric)
	}
	_, err := fmt.Fprintf(w, "Run %s: %d succeeded, %d failed, %d skipped; %s = %s\n",
		run.ID, run.Count(model.IterationSuccess), run.Count(model.IterationFailed), run.Count(model.IterationSkipped),
		run.Metric, aggregate)
	if err == nil && run.Aborted {
		_, err = fmt.Fprintf(w, "Run aborted: %s\n", run.AbortReason)
	}
	return err
}

func formatMetrics(m model.Metrics) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%.4f", k, m[k]))
	}
	return strings.Join(parts, " ")
}
