// Package app wires the trainer packages into an fx application.
package app

import (
	"context"
	"time"

	"go.uber.org/fx"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/gorm"
	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/gorm/mysql"
	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/gorm/postgres"
	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/gorm/sqlite"
	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/storage"
	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/storage/gcs"
	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/storage/local"
	"github.com/tigerroll/ephemeral/pkg/trainer/component/report"
	"github.com/tigerroll/ephemeral/pkg/trainer/component/trainer/majority"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/config"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/trainer"
	"github.com/tigerroll/ephemeral/pkg/trainer/engine/orchestrator"
	"github.com/tigerroll/ephemeral/pkg/trainer/infrastructure/metrics"
	"github.com/tigerroll/ephemeral/pkg/trainer/infrastructure/repository/sql"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

// Options are the command-line inputs of the application.
type Options struct {
	EnvFilePath    string
	ConfigFilePath string
	EmbeddedConfig config.EmbeddedConfig
}

const (
	startTimeout = 30 * time.Second
	stopTimeout  = 30 * time.Second
)

// Exit codes of RunApplication.
const (
	ExitOK            = 0
	ExitAborted       = 1
	ExitStartupFailed = 2
	ExitResultFailed  = 3
)

// ApplicationOptions returns the fx options of the trainer.
func ApplicationOptions(appCtx context.Context, opts Options) []fx.Option {
	return []fx.Option{
		fx.Supply(
			opts.EmbeddedConfig,
			fx.Annotate(opts.EnvFilePath, fx.ResultTags(`name:"envFilePath"`)),
			fx.Annotate(opts.ConfigFilePath, fx.ResultTags(`name:"configFilePath"`)),
			fx.Annotate(
				appCtx,
				fx.As(new(context.Context)),
				fx.ResultTags(`name:"appCtx"`),
			),
		),
		logger.Module,
		config.Module,

		gorm.Module,
		sqlite.Module,
		mysql.Module,
		postgres.Module,

		storage.Module,
		local.Module,
		gcs.Module,

		metrics.Module,
		sql.Module,
		trainer.Module,
		majority.Module,
		orchestrator.Module,
		report.Module,

		fx.Provide(newTrainingRunner),
		fx.Invoke(enableFileLogging),
		fx.Invoke(fx.Annotate(startTraining, fx.ParamTags(
			"",              // lc fx.Lifecycle
			"",              // runner *TrainingRunner
			`name:"appCtx"`, // appCtx context.Context
		))),
	}
}

// RunApplication runs one training run and returns the process exit code.
// Cancelling appCtx aborts the run; the application still tears down every
// ephemeral resource and writes the result before it stops.
func RunApplication(appCtx context.Context, opts Options) int {
	var runner *TrainingRunner
	app := fx.New(append(ApplicationOptions(appCtx, opts), fx.Populate(&runner))...)

	startCtx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		logger.Errorf("Application start failed: %v", err)
		return ExitStartupFailed
	}

	<-runner.Done()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), stopTimeout)
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil {
		logger.Errorf("Application stop failed: %v", err)
	}
	return runner.ExitCode()
}

func newTrainingRunner(o *orchestrator.Orchestrator, p *report.Publisher) *TrainingRunner {
	return NewTrainingRunner(o, p)
}

// startTraining starts the run when the application has started.
func startTraining(lc fx.Lifecycle, runner *TrainingRunner, appCtx context.Context) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go runner.Run(appCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Infof("Application is shutting down.")
			return nil
		},
	})
}

// enableFileLogging mirrors the log into the configured rotating file.
func enableFileLogging(lc fx.Lifecycle, cfg *config.LoggingConfig) {
	if cfg.File == "" {
		return
	}
	closer := logger.EnableFileOutput(logger.FileOptions{
		Path:       cfg.File,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
		Compress:   true,
	})
	logger.Infof("Logging to %s.", cfg.File)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return closer.Close()
		},
	})
}
