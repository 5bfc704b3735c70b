package gorm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	"gorm.io/gorm"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database"
	dbconfig "github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/config"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

const embeddedModule = "embedded"

// sidecars are the files SQLite may leave next to a database.
var sidecars = []string{"-journal", "-wal", "-shm"}

// EmbeddedAdapter serves the Embedded kind. There is no pool: one exclusive
// connection is opened at Connect and every Acquire returns the same handle.
// Acquire blocks until the previous holder has released it.
type EmbeddedAdapter struct {
	cfg     dbconfig.DatabaseConfig
	dialect Dialect

	mu     sync.Mutex
	gdb    *gorm.DB
	handle *database.ConnectionHandle
	core   *sqlCore
	writer chan struct{}
}

// NewEmbeddedAdapter returns an unconnected adapter for the SQLite file cfg.Database.
func NewEmbeddedAdapter(cfg dbconfig.DatabaseConfig, dialect Dialect) *EmbeddedAdapter {
	return &EmbeddedAdapter{cfg: cfg, dialect: dialect, writer: make(chan struct{}, 1)}
}

// Kind implements database.Backend.
func (a *EmbeddedAdapter) Kind() database.BackendKind { return database.Embedded }

// Connect opens the database file and its single connection.
func (a *EmbeddedAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gdb != nil {
		return nil
	}
	if a.cfg.Database == "" {
		return exception.New(exception.ErrConnection, embeddedModule, "database path is empty", nil)
	}
	if dir := filepath.Dir(a.cfg.Database); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return exception.Newf(exception.ErrConnection, embeddedModule, "cannot create directory %s", dir, err)
		}
	}
	dialector, err := a.dialect.Dialector(a.cfg)
	if err != nil {
		return exception.New(exception.ErrConnection, embeddedModule, "cannot build dialector", err)
	}
	gdb, err := openGorm(ctx, dialector)
	if err != nil {
		return exception.Newf(exception.ErrConnection, embeddedModule, "cannot open %s", a.cfg.Database, err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return exception.New(exception.ErrConnection, embeddedModule, "cannot get underlying sql.DB", err)
	}
	sqlDB.SetMaxOpenConns(1)

	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		_ = sqlDB.Close()
		return exception.New(exception.ErrConnection, embeddedModule, "cannot open connection", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = conn.Close()
		_ = sqlDB.Close()
		return exception.New(exception.ErrConnection, embeddedModule, "cannot enable foreign keys", err)
	}

	a.gdb = gdb
	a.handle = database.NewConnectionHandle(conn)
	a.core = &sqlCore{db: gdb, dialect: a.dialect, chunkSize: a.cfg.BulkChunkSize, module: embeddedModule}
	logger.Debugf("Opened embedded database %s.", a.cfg.Database)
	return nil
}

func (a *EmbeddedAdapter) connected() (*sqlCore, *database.ConnectionHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gdb == nil {
		return nil, nil, exception.New(exception.ErrConnection, embeddedModule, "adapter is not connected", nil)
	}
	return a.core, a.handle, nil
}

// Acquire returns the exclusive handle once the current writer has released it.
func (a *EmbeddedAdapter) Acquire(ctx context.Context) (*database.ConnectionHandle, error) {
	_, h, err := a.connected()
	if err != nil {
		return nil, err
	}
	select {
	case a.writer <- struct{}{}:
		return h, nil
	case <-ctx.Done():
		return nil, exception.New(exception.ErrConnection, embeddedModule, "acquire cancelled", ctx.Err())
	}
}

// Release hands the exclusive handle to the next writer.
func (a *EmbeddedAdapter) Release(h *database.ConnectionHandle) {
	if h == nil {
		return
	}
	select {
	case <-a.writer:
	default:
	}
}

func (a *EmbeddedAdapter) withConn(ctx context.Context, fn func(core *sqlCore, h *database.ConnectionHandle) error) error {
	core, _, err := a.connected()
	if err != nil {
		return err
	}
	h, err := a.Acquire(ctx)
	if err != nil {
		return err
	}
	defer a.Release(h)
	return fn(core, h)
}

// Execute implements database.Backend.
func (a *EmbeddedAdapter) Execute(ctx context.Context, query string, params ...interface{}) (*database.RowSet, error) {
	var rs *database.RowSet
	err := a.withConn(ctx, func(core *sqlCore, h *database.ConnectionHandle) error {
		var execErr error
		rs, execErr = core.execute(ctx, h, query, params)
		return execErr
	})
	return rs, err
}

// BulkInsert implements database.Backend.
func (a *EmbeddedAdapter) BulkInsert(ctx context.Context, table string, records []model.Record) (int64, error) {
	var n int64
	err := a.withConn(ctx, func(core *sqlCore, h *database.ConnectionHandle) error {
		var insErr error
		n, insErr = core.bulkInsert(ctx, h, table, records)
		return insErr
	})
	return n, err
}

// EnsureTable implements database.Backend.
func (a *EmbeddedAdapter) EnsureTable(ctx context.Context, table string, columns []database.Column) error {
	return a.withConn(ctx, func(core *sqlCore, h *database.ConnectionHandle) error {
		return core.ensureTable(ctx, h, table, columns)
	})
}

// Locate returns the file an embedded resource called name lives in,
// next to the adapter's own database file.
func (a *EmbeddedAdapter) Locate(name string) string {
	return filepath.Join(filepath.Dir(a.cfg.Database), name+".db")
}

// CreateResource creates the resource file. An existing file is never reused.
func (a *EmbeddedAdapter) CreateResource(ctx context.Context, res database.Resource) error {
	if err := ValidateIdentifier(res.Name); err != nil {
		return exception.New(exception.ErrProvision, embeddedModule, "invalid resource name", err)
	}
	path := res.Locator
	if path == "" {
		path = a.Locate(res.Name)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return exception.Newf(exception.ErrProvision, embeddedModule, "cannot create %s", path, err)
	}
	if err := f.Close(); err != nil {
		return exception.Newf(exception.ErrProvision, embeddedModule, "cannot create %s", path, err)
	}

	cfg := a.cfg
	cfg.Database = path
	dialector, err := a.dialect.Dialector(cfg)
	if err != nil {
		return exception.New(exception.ErrProvision, embeddedModule, "cannot build dialector", err)
	}
	gdb, err := openGorm(ctx, dialector)
	if err != nil {
		return exception.Newf(exception.ErrProvision, embeddedModule, "cannot open %s", path, err)
	}
	defer closeGorm(gdb)
	if err := gdb.WithContext(ctx).Exec("PRAGMA user_version = 1").Error; err != nil {
		return exception.Newf(exception.ErrProvision, embeddedModule, "cannot initialise %s", path, err)
	}
	logger.Debugf("Created embedded resource %s at %s.", res.Name, path)
	return nil
}

// DropResource deletes the resource file and its journal files.
func (a *EmbeddedAdapter) DropResource(_ context.Context, name string) error {
	path := a.Locate(name)
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		a.removeSidecars(path)
		return exception.Newf(exception.ErrResourceNotFound, embeddedModule, "file %s does not exist", path)
	}
	if err != nil {
		return exception.Newf(exception.ErrTeardown, embeddedModule, "cannot remove %s", path, err)
	}
	a.removeSidecars(path)
	logger.Debugf("Removed embedded resource %s.", path)
	return nil
}

func (a *EmbeddedAdapter) removeSidecars(path string) {
	for _, suffix := range sidecars {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warnf("Cannot remove %s%s: %v", path, suffix, err)
		}
	}
}

// Scoped opens a separate embedded adapter on the resource file.
func (a *EmbeddedAdapter) Scoped(ctx context.Context, res database.Resource) (database.Backend, error) {
	path := res.Locator
	if path == "" {
		path = a.Locate(res.Name)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, exception.Newf(exception.ErrResourceNotFound, embeddedModule, "resource %s", res.Name, err)
	}
	cfg := a.cfg
	cfg.Database = path
	child := NewEmbeddedAdapter(cfg, a.dialect)
	if err := child.Connect(ctx); err != nil {
		return nil, err
	}
	return child, nil
}

// Stats reports the single handle as the whole pool.
func (a *EmbeddedAdapter) Stats() database.PoolStats {
	return database.PoolStats{MaxSize: 1, InUse: len(a.writer)}
}

// Close closes the connection and the database.
func (a *EmbeddedAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gdb == nil {
		return nil
	}
	var result *multierror.Error
	if err := a.handle.Conn.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if sqlDB, err := a.gdb.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.gdb, a.handle, a.core = nil, nil, nil
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("close embedded database %s: %w", a.cfg.Database, err)
	}
	return nil
}
