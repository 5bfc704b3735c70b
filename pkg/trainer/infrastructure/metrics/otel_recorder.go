package metrics

import (
	"context"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	model "github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	metrics "github.com/tigerroll/ephemeral/pkg/trainer/core/metrics"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
)

// OTelMetricRecorder records the trainer metrics as OpenTelemetry instruments.
type OTelMetricRecorder struct {
	runs       otelmetric.Int64Counter
	iterations otelmetric.Int64Counter
	resources  otelmetric.Int64Counter
	records    otelmetric.Int64Histogram
	durations  otelmetric.Float64Histogram
	aggregate  otelmetric.Float64Gauge
	rss        otelmetric.Int64Gauge
	cpu        otelmetric.Float64Gauge
}

// NewOTelMetricRecorder creates the instruments on a meter of provider.
func NewOTelMetricRecorder(provider otelmetric.MeterProvider) (*OTelMetricRecorder, error) {
	meter := provider.Meter(instrumentationName)
	r := &OTelMetricRecorder{}
	var err error
	build := func(f func() error) {
		if err == nil {
			err = f()
		}
	}
	build(func() (e error) {
		r.runs, e = meter.Int64Counter("trainer.runs", otelmetric.WithDescription("Training runs by outcome."))
		return
	})
	build(func() (e error) {
		r.iterations, e = meter.Int64Counter("trainer.iterations", otelmetric.WithDescription("Iterations by status."))
		return
	})
	build(func() (e error) {
		r.resources, e = meter.Int64Counter("trainer.ephemeral_resources", otelmetric.WithDescription("Ephemeral resource operations."))
		return
	})
	build(func() (e error) {
		r.records, e = meter.Int64Histogram("trainer.records_loaded", otelmetric.WithDescription("Records staged per iteration."))
		return
	})
	build(func() (e error) {
		r.durations, e = meter.Float64Histogram("trainer.operation.duration", otelmetric.WithUnit("s"),
			otelmetric.WithDescription("Duration of named operations."))
		return
	})
	build(func() (e error) {
		r.aggregate, e = meter.Float64Gauge("trainer.run.aggregate_metric", otelmetric.WithDescription("Aggregate metric of the last run."))
		return
	})
	build(func() (e error) {
		r.rss, e = meter.Int64Gauge("trainer.monitor.rss", otelmetric.WithUnit("By"))
		return
	})
	build(func() (e error) {
		r.cpu, e = meter.Float64Gauge("trainer.monitor.cpu", otelmetric.WithUnit("%"))
		return
	})
	if err != nil {
		return nil, exception.New(exception.ErrConfiguration, module, "cannot create OpenTelemetry instruments", err)
	}
	return r, nil
}

func (r *OTelMetricRecorder) RecordRunStart(ctx context.Context, run *model.TrainingRun) {
	r.runs.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", "started")))
}

func (r *OTelMetricRecorder) RecordRunEnd(ctx context.Context, run *model.TrainingRun) {
	r.runs.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", runOutcome(run))))
	if !math.IsNaN(run.AggregateMetric) {
		r.aggregate.Record(ctx, run.AggregateMetric, otelmetric.WithAttributes(attribute.String("metric", run.Metric)))
	}
}

func (r *OTelMetricRecorder) RecordIteration(ctx context.Context, result model.IterationResult) {
	r.iterations.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", result.Status.String())))
}

func (r *OTelMetricRecorder) RecordResource(ctx context.Context, backend string, op metrics.ResourceOp, outcome string) {
	r.resources.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", string(op)),
		attribute.String("outcome", outcome),
	))
}

func (r *OTelMetricRecorder) RecordRecordsLoaded(ctx context.Context, count int) {
	r.records.Record(ctx, int64(count))
}

func (r *OTelMetricRecorder) RecordCapacitySample(ctx context.Context, rssBytes uint64, cpuPercent float64) {
	r.rss.Record(ctx, int64(min(rssBytes, math.MaxInt64)))
	r.cpu.Record(ctx, cpuPercent)
}

func (r *OTelMetricRecorder) RecordDuration(ctx context.Context, name string, duration time.Duration, tags map[string]string) {
	attrs := make([]attribute.KeyValue, 0, len(tags)+1)
	attrs = append(attrs, attribute.String("name", name))
	for k, v := range tags {
		attrs = append(attrs, attribute.String(k, v))
	}
	r.durations.Record(ctx, duration.Seconds(), otelmetric.WithAttributes(attrs...))
}

var _ metrics.MetricRecorder = (*OTelMetricRecorder)(nil)
