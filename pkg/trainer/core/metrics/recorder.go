// Package metrics declares the recording and tracing abstractions used by the
// trainer engine. Backends live in infrastructure/metrics.
package metrics

import (
	"context"
	"time"

	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
)

// ResourceOp names an ephemeral resource lifecycle operation.
type ResourceOp string

const (
	OpProvision ResourceOp = "provision"
	OpTeardown  ResourceOp = "teardown"
)

// MetricRecorder records run, iteration and resource metrics.
//
// Implementations must be safe for concurrent use: resource and capacity
// metrics may be recorded from worker and monitor goroutines.
type MetricRecorder interface {
	// RecordRunStart records the start of a TrainingRun.
	RecordRunStart(ctx context.Context, run *model.TrainingRun)

	// RecordRunEnd records a completed TrainingRun, including its aggregate metric.
	RecordRunEnd(ctx context.Context, run *model.TrainingRun)

	// RecordIteration records the outcome of one iteration.
	RecordIteration(ctx context.Context, result model.IterationResult)

	// RecordResource records a provision or teardown attempt on backend.
	// outcome is "success", "failure" or "not_found".
	RecordResource(ctx context.Context, backend string, op ResourceOp, outcome string)

	// RecordRecordsLoaded records how many records were staged for an iteration.
	RecordRecordsLoaded(ctx context.Context, count int)

	// RecordCapacitySample records one ResourceMonitor sample.
	RecordCapacitySample(ctx context.Context, rssBytes uint64, cpuPercent float64)

	// RecordDuration records the execution time of a named operation.
	//
	// tags: additional attributes, e.g. `{"state": "Training"}`.
	RecordDuration(ctx context.Context, name string, duration time.Duration, tags map[string]string)
}
