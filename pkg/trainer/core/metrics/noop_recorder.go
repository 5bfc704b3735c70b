package metrics

import (
	"context"
	"time"

	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
)

// NoOpMetricRecorder is an implementation of MetricRecorder that does nothing.
// It is used when metrics are disabled or during testing.
type NoOpMetricRecorder struct{}

// NewNoOpMetricRecorder creates a new instance of NoOpMetricRecorder.
func NewNoOpMetricRecorder() MetricRecorder {
	return &NoOpMetricRecorder{}
}

func (r *NoOpMetricRecorder) RecordRunStart(ctx context.Context, run *model.TrainingRun)        {}
func (r *NoOpMetricRecorder) RecordRunEnd(ctx context.Context, run *model.TrainingRun)          {}
func (r *NoOpMetricRecorder) RecordIteration(ctx context.Context, result model.IterationResult) {}
func (r *NoOpMetricRecorder) RecordRecordsLoaded(ctx context.Context, count int)                {}
func (r *NoOpMetricRecorder) RecordResource(ctx context.Context, backend string, op ResourceOp, outcome string) {
}
func (r *NoOpMetricRecorder) RecordCapacitySample(ctx context.Context, rssBytes uint64, cpuPercent float64) {
}
func (r *NoOpMetricRecorder) RecordDuration(ctx context.Context, name string, duration time.Duration, tags map[string]string) {
}

var _ MetricRecorder = (*NoOpMetricRecorder)(nil)

// NoOpTracer is an implementation of Tracer that does nothing.
type NoOpTracer struct{}

// NewNoOpTracer creates a new instance of NoOpTracer.
func NewNoOpTracer() Tracer {
	return &NoOpTracer{}
}

// StartRunSpan returns ctx unchanged.
func (t *NoOpTracer) StartRunSpan(ctx context.Context, run *model.TrainingRun) (context.Context, func()) {
	return ctx, func() {}
}

// StartIterationSpan returns ctx unchanged.
func (t *NoOpTracer) StartIterationSpan(ctx context.Context, index int) (context.Context, func()) {
	return ctx, func() {}
}

// StartStateSpan returns ctx unchanged.
func (t *NoOpTracer) StartStateSpan(ctx context.Context, state model.IterationState) (context.Context, func()) {
	return ctx, func() {}
}

// RecordError does nothing.
func (t *NoOpTracer) RecordError(ctx context.Context, module string, err error) {}

// RecordEvent does nothing.
func (t *NoOpTracer) RecordEvent(ctx context.Context, name string, attributes map[string]interface{}) {
}

var _ Tracer = (*NoOpTracer)(nil)
