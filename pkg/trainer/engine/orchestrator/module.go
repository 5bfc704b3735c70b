package orchestrator

import (
	"context"

	"go.uber.org/fx"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database"
	"github.com/tigerroll/ephemeral/pkg/trainer/component/combiner"
	"github.com/tigerroll/ephemeral/pkg/trainer/component/loader"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/config"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/repository"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/metrics"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/trainer"
	"github.com/tigerroll/ephemeral/pkg/trainer/engine/ephemeral"
	"github.com/tigerroll/ephemeral/pkg/trainer/engine/monitor"
)

// NewBackend builds the administrative backend selected by the configuration
// and closes it when the application stops.
func NewBackend(lc fx.Lifecycle, cfg *config.TrainerConfig, factory database.Factory) (database.Backend, error) {
	backend, err := factory.New(cfg.DatabaseConfig())
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return backend.Close()
		},
	})
	return backend, nil
}

// NewMonitor builds the ResourceMonitor on the current process.
func NewMonitor(cfg *config.TrainerConfig, recorder metrics.MetricRecorder) (*monitor.Monitor, error) {
	sampler, err := monitor.NewProcessSampler(context.Background())
	if err != nil {
		return nil, err
	}
	limits := monitor.Limits{MemoryCeilingBytes: cfg.MemoryCeilingBytes, CPUCeilingPercent: cfg.CPUCeilingPercent}
	return monitor.New(sampler, limits, recorder), nil
}

// Params defines the dependencies of NewFromConfig.
type Params struct {
	fx.In
	Config   *config.TrainerConfig
	Backend  database.Backend
	Monitor  *monitor.Monitor
	Registry *trainer.Registry
	History  repository.HistoryRepository
	Recorder metrics.MetricRecorder
	Tracer   metrics.Tracer
}

// NewFromConfig assembles an Orchestrator from the trainer configuration.
func NewFromConfig(p Params) (*Orchestrator, error) {
	cfg := p.Config
	tr, err := p.Registry.Build(cfg.Model.Name, cfg.Model.Properties)
	if err != nil {
		return nil, err
	}
	comb, err := combiner.New(combiner.Capability(cfg.Combiner), cfg.Metric)
	if err != nil {
		return nil, err
	}
	return New(Options{
		Iterations:            cfg.Iterations,
		InstancesPerIteration: cfg.InstancesPerIteration,
		MaxWorkers:            cfg.MaxWorkers,
		Metric:                cfg.Metric,
		ResourcePrefix:        cfg.ResourcePrefix,
		MonitorInterval:       cfg.MonitorInterval,
	}, Dependencies{
		Backend:  p.Backend,
		Manager:  ephemeral.NewManager(p.Backend, p.Recorder),
		Source:   loader.Load(cfg.DataDirectory),
		Trainer:  tr,
		Combiner: comb,
		Monitor:  p.Monitor,
		History:  p.History,
		Recorder: p.Recorder,
		Tracer:   p.Tracer,
		Snapshot: cfg.Snapshot(),
	})
}

// Module provides the Orchestrator and its engine-level collaborators.
var Module = fx.Options(
	fx.Provide(NewBackend),
	fx.Provide(NewMonitor),
	fx.Provide(NewFromConfig),
)
