package sql

import (
	"context"

	"go.uber.org/fx"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database"
	dbconfig "github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/config"
	gormadapter "github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/gorm"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/config"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/repository"
	"github.com/tigerroll/ephemeral/pkg/trainer/infrastructure/repository/inmemory"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

// Open migrates the history schema of the permanent database described by cfg
// and returns a repository on it.
func Open(ctx context.Context, factory *gormadapter.Factory, cfg dbconfig.DatabaseConfig) (*SQLHistoryRepository, error) {
	kind, err := database.ParseBackendKind(cfg.Type)
	if err != nil {
		return nil, exception.New(exception.ErrConfiguration, module, "invalid backend", err)
	}

	migrationDB, err := factory.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sqlDB, err := migrationDB.DB()
	if err != nil {
		return nil, exception.New(exception.ErrConnection, module, "cannot get underlying sql.DB", err)
	}
	if err := Migrate(kind, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, exception.New(exception.ErrQuery, module, "history migration failed", err)
	}

	db, err := factory.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewSQLHistoryRepository(db), nil
}

// HistoryRepositoryParams defines the dependencies of NewHistoryRepository.
type HistoryRepositoryParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.TrainerConfig
	Factory   *gormadapter.Factory
}

// NewHistoryRepository returns the SQL repository when history is enabled and
// the in-memory one otherwise.
func NewHistoryRepository(p HistoryRepositoryParams) (repository.HistoryRepository, error) {
	if !p.Config.History.Enabled {
		logger.Infof("Iteration history is disabled; keeping it in memory.")
		return inmemory.NewInMemoryHistoryRepository(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.Config.PoolTimeout*4)
	defer cancel()
	repo, err := Open(ctx, p.Factory, p.Config.DatabaseConfig())
	if err != nil {
		return nil, err
	}
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return repo.Close()
		},
	})
	return repo, nil
}

// Module provides repository.HistoryRepository.
var Module = fx.Options(
	fx.Provide(NewHistoryRepository),
)
