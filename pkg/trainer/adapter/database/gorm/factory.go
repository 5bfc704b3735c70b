package gorm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database"
	dbconfig "github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/config"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

const factoryModule = "factory"

// FactoryParams collects every Dialect provided to the application.
type FactoryParams struct {
	fx.In
	Dialects []Dialect `group:"dialects"`
}

// Factory selects the adapter implementation for a BackendKind. The dialects
// are handed over explicitly at construction.
type Factory struct {
	dialects map[database.BackendKind]Dialect
}

// NewFactory indexes the provided dialects by kind.
func NewFactory(p FactoryParams) *Factory {
	return NewFactoryFromDialects(p.Dialects...)
}

// NewFactoryFromDialects is NewFactory without dependency injection.
func NewFactoryFromDialects(dialects ...Dialect) *Factory {
	f := &Factory{dialects: make(map[database.BackendKind]Dialect, len(dialects))}
	for _, d := range dialects {
		if _, exists := f.dialects[d.Kind()]; exists {
			logger.Warnf("Dialect for backend %s provided twice. Using the last one.", d.Kind())
		}
		f.dialects[d.Kind()] = d
	}
	return f
}

// Dialect returns the dialect registered for kind.
func (f *Factory) Dialect(kind database.BackendKind) (Dialect, error) {
	d, ok := f.dialects[kind]
	if !ok {
		return nil, exception.Newf(exception.ErrConfiguration, factoryModule, "no dialect available for backend %s", kind)
	}
	return d, nil
}

// New returns an unconnected Backend for the kind named in cfg.Type.
func (f *Factory) New(cfg dbconfig.DatabaseConfig) (database.Backend, error) {
	kind, err := database.ParseBackendKind(cfg.Type)
	if err != nil {
		return nil, exception.New(exception.ErrConfiguration, factoryModule, "invalid backend", err)
	}
	d, err := f.Dialect(kind)
	if err != nil {
		return nil, err
	}
	if !kind.Networked() {
		return NewEmbeddedAdapter(cfg, d), nil
	}
	rd, ok := d.(ResourceDialect)
	if !ok {
		return nil, exception.Newf(exception.ErrConfiguration, factoryModule, "dialect for %s cannot provision resources", kind)
	}
	return NewPooledAdapter(cfg, rd), nil
}

var _ database.Factory = (*Factory)(nil)

// Open returns a plain GORM handle on the database named in cfg. It serves
// components that keep their own tables in the permanent database and do not
// go through the Backend contract.
func (f *Factory) Open(ctx context.Context, cfg dbconfig.DatabaseConfig) (*gorm.DB, error) {
	kind, err := database.ParseBackendKind(cfg.Type)
	if err != nil {
		return nil, exception.New(exception.ErrConfiguration, factoryModule, "invalid backend", err)
	}
	d, err := f.Dialect(kind)
	if err != nil {
		return nil, err
	}
	if !kind.Networked() {
		if err := os.MkdirAll(filepath.Dir(cfg.Database), 0o755); err != nil {
			return nil, exception.Newf(exception.ErrConnection, factoryModule, "cannot create directory for %s", cfg.Database, err)
		}
	}
	dialector, err := d.Dialector(cfg)
	if err != nil {
		return nil, exception.New(exception.ErrConnection, factoryModule, "cannot build dialector", err)
	}
	gdb, err := openGorm(ctx, dialector)
	if err != nil {
		return nil, exception.Newf(exception.ErrConnection, factoryModule, "cannot open %s database %s", kind, cfg.Database, err)
	}
	if sqlDB, err := gdb.DB(); err == nil && cfg.Pool.MaxSize > 0 {
		sqlDB.SetMaxOpenConns(cfg.Pool.MaxSize)
	}
	return gdb, nil
}

// openGorm opens a GORM handle and verifies it with a ping.
func openGorm(ctx context.Context, dialector gorm.Dialector) (*gorm.DB, error) {
	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 NewGormLogger(),
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open GORM connection: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return gdb, nil
}

func closeGorm(gdb *gorm.DB) {
	if sqlDB, err := gdb.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			logger.Warnf("Closing database handle failed: %v", err)
		}
	}
}
