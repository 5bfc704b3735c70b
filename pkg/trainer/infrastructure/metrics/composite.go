package metrics

import (
	"context"
	"time"

	model "github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	metrics "github.com/tigerroll/ephemeral/pkg/trainer/core/metrics"
)

// CompositeRecorder forwards every call to each of its recorders in order.
type CompositeRecorder []metrics.MetricRecorder

func (c CompositeRecorder) RecordRunStart(ctx context.Context, run *model.TrainingRun) {
	for _, r := range c {
		r.RecordRunStart(ctx, run)
	}
}

func (c CompositeRecorder) RecordRunEnd(ctx context.Context, run *model.TrainingRun) {
	for _, r := range c {
		r.RecordRunEnd(ctx, run)
	}
}

func (c CompositeRecorder) RecordIteration(ctx context.Context, result model.IterationResult) {
	for _, r := range c {
		r.RecordIteration(ctx, result)
	}
}

func (c CompositeRecorder) RecordResource(ctx context.Context, backend string, op metrics.ResourceOp, outcome string) {
	for _, r := range c {
		r.RecordResource(ctx, backend, op, outcome)
	}
}

func (c CompositeRecorder) RecordRecordsLoaded(ctx context.Context, count int) {
	for _, r := range c {
		r.RecordRecordsLoaded(ctx, count)
	}
}

func (c CompositeRecorder) RecordCapacitySample(ctx context.Context, rssBytes uint64, cpuPercent float64) {
	for _, r := range c {
		r.RecordCapacitySample(ctx, rssBytes, cpuPercent)
	}
}

func (c CompositeRecorder) RecordDuration(ctx context.Context, name string, duration time.Duration, tags map[string]string) {
	for _, r := range c {
		r.RecordDuration(ctx, name, duration, tags)
	}
}

var _ metrics.MetricRecorder = CompositeRecorder(nil)
