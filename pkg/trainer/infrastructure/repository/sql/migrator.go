package sql

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

// MigrationsTable is the golang-migrate bookkeeping table of the history schema.
const MigrationsTable = "trainer_schema_migrations"

//go:embed migrations
var migrations embed.FS

// migrationPath returns the migration directory of kind.
func migrationPath(kind database.BackendKind) string {
	return "migrations/" + kind.Engine()
}

func databaseDriver(kind database.BackendKind, sqlDB *sql.DB) (migratedb.Driver, error) {
	switch kind {
	case database.PooledB:
		return postgres.WithInstance(sqlDB, &postgres.Config{MigrationsTable: MigrationsTable})
	case database.PooledA:
		return mysql.WithInstance(sqlDB, &mysql.Config{MigrationsTable: MigrationsTable})
	case database.Embedded:
		return sqlite.WithInstance(sqlDB, &sqlite.Config{MigrationsTable: MigrationsTable})
	default:
		return nil, fmt.Errorf("unsupported backend for migration: %s", kind)
	}
}

// Migrate applies every pending history migration for kind. The migrate
// instance closes sqlDB when it is done, so callers pass a dedicated handle.
func Migrate(kind database.BackendKind, sqlDB *sql.DB) error {
	path := migrationPath(kind)
	logger.Infof("Executing history migrations (Path: %s, Table: %s)", path, MigrationsTable)

	sourceDriver, err := iofs.New(migrations, path)
	if err != nil {
		return fmt.Errorf("failed to create iofs source driver for path %s: %w", path, err)
	}
	dbDriver, err := databaseDriver(kind, sqlDB)
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, kind.Engine(), dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.Debugf("Closing migrate instance: source=%v database=%v", srcErr, dbErr)
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		if version, dirty, verr := m.Version(); verr == nil {
			logger.Errorf("History migration failed at version %d (dirty: %t).", version, dirty)
		}
		return fmt.Errorf("history migration failed for %s: %w", kind, err)
	}
	logger.Infof("History migrations completed successfully.")
	return nil
}
