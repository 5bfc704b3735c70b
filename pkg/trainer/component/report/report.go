// Package report renders a finished TrainingRun: the JSON result file, an
// optional parquet table of iterations and the end-of-run summary table.
package report

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
)

// Result is the persisted shape of a run.
type Result struct {
	RunID           string                 `json:"run_id"`
	ConfigSnapshot  map[string]interface{} `json:"config_snapshot"`
	Iterations      []Iteration            `json:"iterations"`
	AggregateMetric *float64               `json:"aggregate_metric"`
	Degraded        bool                   `json:"degraded"`
	Aborted         bool                   `json:"aborted"`
	AbortReason     string                 `json:"abort_reason,omitempty"`
}

// Iteration is the persisted shape of one IterationResult.
type Iteration struct {
	Index      int                 `json:"index"`
	Status     string              `json:"status"`
	Metrics    map[string]*float64 `json:"metrics"`
	Error      string              `json:"error,omitempty"`
	SkipReason string              `json:"skip_reason,omitempty"`
	DurationMS int64               `json:"duration_ms"`
}

// FromRun converts run. NaN and infinite values become null.
func FromRun(run *model.TrainingRun) Result {
	res := Result{
		RunID:           run.ID,
		ConfigSnapshot:  run.ConfigSnapshot,
		Iterations:      make([]Iteration, 0, len(run.Iterations)),
		AggregateMetric: finite(run.AggregateMetric),
		Degraded:        run.Degraded,
		Aborted:         run.Aborted,
		AbortReason:     run.AbortReason,
	}
	if res.ConfigSnapshot == nil {
		res.ConfigSnapshot = map[string]interface{}{}
	}
	for _, it := range run.Iterations {
		metrics := make(map[string]*float64, len(it.Metrics))
		for k, v := range it.Metrics {
			metrics[k] = finite(v)
		}
		res.Iterations = append(res.Iterations, Iteration{
			Index:      it.Index,
			Status:     it.Status.String(),
			Metrics:    metrics,
			Error:      failure(it),
			SkipReason: it.SkipReason,
			DurationMS: it.Duration.Milliseconds(),
		})
	}
	sort.SliceStable(res.Iterations, func(i, j int) bool { return res.Iterations[i].Index < res.Iterations[j].Index })
	return res
}

// Marshal renders the result file of run.
func Marshal(run *model.TrainingRun) ([]byte, error) {
	return json.MarshalIndent(FromRun(run), "", "  ")
}

// failure is the error message of a Failed iteration and empty otherwise.
func failure(it model.IterationResult) string {
	if it.Status != model.IterationFailed {
		return ""
	}
	return it.Error
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
