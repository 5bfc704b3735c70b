package metrics

import (
	"context"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	model "github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	metrics "github.com/tigerroll/ephemeral/pkg/trainer/core/metrics"
	logger "github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

// PrometheusRecorder is a Prometheus implementation of the metrics.MetricRecorder interface.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	// Run Metrics
	runCounter         *prometheus.CounterVec
	runDurationSeconds *prometheus.HistogramVec
	runAggregate       *prometheus.GaugeVec

	// Iteration Metrics
	iterationCounter         *prometheus.CounterVec
	iterationDurationSeconds *prometheus.HistogramVec
	recordsLoaded            prometheus.Histogram
	operationSeconds         *prometheus.HistogramVec

	// Resource Metrics
	resourceCounter *prometheus.CounterVec
	processRSSBytes prometheus.Gauge
	processCPU      prometheus.Gauge
}

// NewPrometheusRecorder creates a new instance of PrometheusRecorder on a private registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()

	// Register Go standard metrics and process/OS metrics.
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &PrometheusRecorder{
		registry: registry,
		runCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trainer_runs_total",
			Help: "Total number of training runs by outcome.",
		}, []string{"outcome"}), // outcome: started, completed, degraded, aborted
		runDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trainer_run_duration_seconds",
			Help:    "Duration of training runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"outcome"}),
		runAggregate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trainer_run_aggregate_metric",
			Help: "Aggregate metric of the last completed run. Absent when the run was degraded.",
		}, []string{"metric"}),
		iterationCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trainer_iterations_total",
			Help: "Total number of iterations by status.",
		}, []string{"status"}),
		iterationDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trainer_iteration_duration_seconds",
			Help:    "Duration of attempted iterations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status", "final_state"}),
		recordsLoaded: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trainer_records_loaded",
			Help:    "Records staged into an ephemeral resource per iteration.",
			Buckets: prometheus.ExponentialBuckets(10, 4, 10),
		}),
		operationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trainer_operation_duration_seconds",
			Help:    "Duration of named operations such as iteration states.",
			Buckets: prometheus.DefBuckets,
		}, []string{"name", "state"}),
		resourceCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trainer_ephemeral_resources_total",
			Help: "Ephemeral resource lifecycle operations by backend, operation and outcome.",
		}, []string{"backend", "op", "outcome"}),
		processRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trainer_monitor_rss_bytes",
			Help: "Last resident set size sampled by the resource monitor.",
		}),
		processCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trainer_monitor_cpu_percent",
			Help: "Last CPU utilization sampled by the resource monitor, normalized to all cores.",
		}),
	}

	// Register all metrics with the registry.
	registry.MustRegister(
		r.runCounter,
		r.runDurationSeconds,
		r.runAggregate,
		r.iterationCounter,
		r.iterationDurationSeconds,
		r.recordsLoaded,
		r.operationSeconds,
		r.resourceCounter,
		r.processRSSBytes,
		r.processCPU,
	)

	return r
}

// GetRegistry returns the Prometheus registry.
func (r *PrometheusRecorder) GetRegistry() *prometheus.Registry {
	return r.registry
}

// WriteTextfile writes the registry in the text exposition format, for the
// node_exporter textfile collector.
func (r *PrometheusRecorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}

// RecordRunStart records the start of a TrainingRun.
func (r *PrometheusRecorder) RecordRunStart(ctx context.Context, run *model.TrainingRun) {
	r.runCounter.WithLabelValues("started").Inc()
	logger.Debugf("Metrics: run '%s' started.", run.ID)
}

// RecordRunEnd records the end of a TrainingRun.
func (r *PrometheusRecorder) RecordRunEnd(ctx context.Context, run *model.TrainingRun) {
	outcome := runOutcome(run)
	r.runCounter.WithLabelValues(outcome).Inc()
	if !run.EndTime.IsZero() {
		r.runDurationSeconds.WithLabelValues(outcome).Observe(run.EndTime.Sub(run.StartTime).Seconds())
	}
	if math.IsNaN(run.AggregateMetric) {
		r.runAggregate.DeleteLabelValues(run.Metric)
	} else {
		r.runAggregate.WithLabelValues(run.Metric).Set(run.AggregateMetric)
	}
	logger.Debugf("Metrics: run '%s' ended (%s).", run.ID, outcome)
}

// RecordIteration records the outcome of one iteration.
func (r *PrometheusRecorder) RecordIteration(ctx context.Context, result model.IterationResult) {
	r.iterationCounter.WithLabelValues(result.Status.String()).Inc()
	if result.Status != model.IterationSkipped {
		r.iterationDurationSeconds.WithLabelValues(result.Status.String(), result.FinalState.String()).Observe(result.Duration.Seconds())
	}
}

// RecordResource records a provision or teardown attempt.
func (r *PrometheusRecorder) RecordResource(ctx context.Context, backend string, op metrics.ResourceOp, outcome string) {
	r.resourceCounter.WithLabelValues(backend, string(op), outcome).Inc()
}

// RecordRecordsLoaded records how many records were staged.
func (r *PrometheusRecorder) RecordRecordsLoaded(ctx context.Context, count int) {
	r.recordsLoaded.Observe(float64(count))
}

// RecordCapacitySample records one monitor sample.
func (r *PrometheusRecorder) RecordCapacitySample(ctx context.Context, rssBytes uint64, cpuPercent float64) {
	r.processRSSBytes.Set(float64(rssBytes))
	r.processCPU.Set(cpuPercent)
}

// RecordDuration records the execution time of a named operation. Only the
// "state" tag is kept as a label.
func (r *PrometheusRecorder) RecordDuration(ctx context.Context, name string, duration time.Duration, tags map[string]string) {
	r.operationSeconds.WithLabelValues(name, tags["state"]).Observe(duration.Seconds())
}

// runOutcome classifies a finished run.
func runOutcome(run *model.TrainingRun) string {
	switch {
	case run.Aborted:
		return "aborted"
	case run.Degraded:
		return "degraded"
	default:
		return "completed"
	}
}

var _ metrics.MetricRecorder = (*PrometheusRecorder)(nil)
