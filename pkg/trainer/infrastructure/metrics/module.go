package metrics

import (
	"context"

	"go.uber.org/fx"

	"github.com/tigerroll/ephemeral/pkg/trainer/core/config"
	metrics "github.com/tigerroll/ephemeral/pkg/trainer/core/metrics"
	logger "github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

// NewTelemetryFromConfig builds the OpenTelemetry providers and shuts them
// down, flushing pending data, when the application stops.
func NewTelemetryFromConfig(lc fx.Lifecycle, cfg *config.TrainerConfig) (*Telemetry, error) {
	t, err := NewTelemetry(context.Background(), cfg.Metrics.OTLP)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return t.Shutdown(ctx)
		},
	})
	return t, nil
}

// NewMetricRecorder fans out to the Prometheus and OpenTelemetry recorders.
func NewMetricRecorder(prom *PrometheusRecorder, t *Telemetry) (CompositeRecorder, error) {
	otelRecorder, err := NewOTelMetricRecorder(t.MeterProvider)
	if err != nil {
		return nil, err
	}
	return CompositeRecorder{prom, otelRecorder}, nil
}

// NewTracer returns the tracer of the telemetry trace provider.
func NewTracer(t *Telemetry) *OpenTelemetryTracer {
	return NewOpenTelemetryTracer(t.TracerProvider)
}

// RegisterTextfileExport writes the Prometheus registry to the configured
// textfile when the application stops.
func RegisterTextfileExport(lc fx.Lifecycle, cfg *config.TrainerConfig, prom *PrometheusRecorder) {
	path := cfg.Metrics.Textfile
	if path == "" {
		return
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := prom.WriteTextfile(path); err != nil {
				logger.Warnf("Failed to write metrics textfile %s: %v", path, err)
				return nil
			}
			logger.Infof("Metrics written to %s.", path)
			return nil
		},
	})
}

// Module is an Fx module that provides the exporting MetricRecorder and Tracer.
var Module = fx.Options(
	fx.Provide(NewTelemetryFromConfig),
	fx.Provide(NewPrometheusRecorder),
	// Provide the composite recorder as a core MetricRecorder interface.
	fx.Provide(fx.Annotate(
		NewMetricRecorder,
		fx.As(new(metrics.MetricRecorder)),
	)),
	// Provide OpenTelemetryTracer as a core Tracer interface.
	fx.Provide(fx.Annotate(
		NewTracer,
		fx.As(new(metrics.Tracer)),
	)),
	fx.Invoke(RegisterTextfileExport),
)
