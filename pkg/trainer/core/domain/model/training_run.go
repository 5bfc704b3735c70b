package model

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// TrainingRun is the ordered record of a run. It is owned by the orchestrator's
// control goroutine and is not safe for concurrent mutation.
type TrainingRun struct {
	ID             string
	ConfigSnapshot map[string]interface{}
	Iterations     []IterationResult
	// Metric is the name of the metric aggregated over successful iterations.
	Metric          string
	AggregateMetric float64
	// Degraded is set when no successful iteration produced the metric.
	Degraded    bool
	Aborted     bool
	AbortReason string
	StartTime   time.Time
	EndTime     time.Time
}

// NewTrainingRun creates a run with a fresh id.
func NewTrainingRun(metric string, snapshot map[string]interface{}) *TrainingRun {
	return &TrainingRun{
		ID:              uuid.NewString(),
		ConfigSnapshot:  snapshot,
		Iterations:      make([]IterationResult, 0),
		Metric:          metric,
		AggregateMetric: math.NaN(),
		StartTime:       time.Now(),
	}
}

// Append adds the next result. Results must arrive in strict index order.
func (r *TrainingRun) Append(res IterationResult) error {
	if res.Index != len(r.Iterations) {
		return fmt.Errorf("training run %s: iteration %d appended out of order (expected %d)", r.ID, res.Index, len(r.Iterations))
	}
	r.Iterations = append(r.Iterations, res)
	return nil
}

// Abort marks the run as aborted. The first reason is kept.
func (r *TrainingRun) Abort(reason string) {
	if r.Aborted {
		return
	}
	r.Aborted = true
	r.AbortReason = reason
}

// Complete computes the aggregate and stamps the end time.
func (r *TrainingRun) Complete() {
	r.AggregateMetric = AggregateMean(r.Iterations, r.Metric)
	r.Degraded = math.IsNaN(r.AggregateMetric)
	r.EndTime = time.Now()
}

// Count returns the number of iterations with the given status.
func (r *TrainingRun) Count(status IterationStatus) int {
	n := 0
	for _, it := range r.Iterations {
		if it.Status == status {
			n++
		}
	}
	return n
}

// AggregateMean is the mean of metric over Success iterations, ignoring NaN,
// infinite and missing values. It returns NaN when nothing qualifies.
func AggregateMean(results []IterationResult, metric string) float64 {
	var sum float64
	var n int
	for _, it := range results {
		if it.Status != IterationSuccess {
			continue
		}
		v, ok := it.Metrics[metric]
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}
