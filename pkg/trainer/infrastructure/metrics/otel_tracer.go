package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	model "github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	metrics "github.com/tigerroll/ephemeral/pkg/trainer/core/metrics"
	logger "github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

const instrumentationName = "github.com/tigerroll/ephemeral/pkg/trainer"

// OpenTelemetryTracer is an implementation of metrics.Tracer using OpenTelemetry.
type OpenTelemetryTracer struct {
	tracer trace.Tracer
}

// NewOpenTelemetryTracer creates a tracer from provider.
func NewOpenTelemetryTracer(provider trace.TracerProvider) *OpenTelemetryTracer {
	return &OpenTelemetryTracer{tracer: provider.Tracer(instrumentationName)}
}

// StartRunSpan starts the root span of a TrainingRun.
func (t *OpenTelemetryTracer) StartRunSpan(ctx context.Context, run *model.TrainingRun) (context.Context, func()) {
	ctx, span := t.tracer.Start(ctx, "training.run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.metric", run.Metric),
	))
	logger.Debugf("Tracer: OTel StartRunSpan called for run '%s'", run.ID)
	return ctx, func() {
		span.SetAttributes(
			attribute.Bool("run.aborted", run.Aborted),
			attribute.Bool("run.degraded", run.Degraded),
			attribute.Float64("run.aggregate_metric", run.AggregateMetric),
		)
		if run.Aborted {
			span.SetStatus(codes.Error, run.AbortReason)
		}
		span.End()
	}
}

// StartIterationSpan starts the span of iteration index.
func (t *OpenTelemetryTracer) StartIterationSpan(ctx context.Context, index int) (context.Context, func()) {
	ctx, span := t.tracer.Start(ctx, "training.iteration", trace.WithAttributes(attribute.Int("iteration.index", index)))
	return ctx, func() { span.End() }
}

// StartStateSpan starts the span of one state machine step.
func (t *OpenTelemetryTracer) StartStateSpan(ctx context.Context, state model.IterationState) (context.Context, func()) {
	ctx, span := t.tracer.Start(ctx, "iteration."+state.String())
	return ctx, func() { span.End() }
}

// RecordError records an error in the current span.
func (t *OpenTelemetryTracer) RecordError(ctx context.Context, module string, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err, trace.WithAttributes(attribute.String("module", module)))
	span.SetStatus(codes.Error, err.Error())
}

// RecordEvent records an event in the current span.
func (t *OpenTelemetryTracer) RecordEvent(ctx context.Context, name string, attributes map[string]interface{}) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(toAttributes(attributes)...))
}

func toAttributes(m map[string]interface{}) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprint(val)))
		}
	}
	return attrs
}

var _ metrics.Tracer = (*OpenTelemetryTracer)(nil)
