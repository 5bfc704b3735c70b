package gorm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/hashicorp/go-multierror"
	"gorm.io/gorm"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database"
	dbconfig "github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/config"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/configbinder"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

const pooledModule = "pooled"

// PooledAdapter serves the networked kinds. It leases connections from a
// ConnectionPool and provisions ephemeral databases with the statements of its
// ResourceDialect.
type PooledAdapter struct {
	kind    database.BackendKind
	cfg     dbconfig.DatabaseConfig
	dialect ResourceDialect

	mu   sync.Mutex
	gdb  *gorm.DB
	pool *ConnectionPool
	core *sqlCore
}

// NewPooledAdapter returns an unconnected adapter for cfg.
func NewPooledAdapter(cfg dbconfig.DatabaseConfig, dialect ResourceDialect) *PooledAdapter {
	return &PooledAdapter{kind: dialect.Kind(), cfg: cfg, dialect: dialect}
}

// NewPooledAdapterFromDB returns an adapter that is already connected through gdb.
// Connect becomes a no-op. Tests use it with sqlmock.
func NewPooledAdapterFromDB(gdb *gorm.DB, cfg dbconfig.DatabaseConfig, dialect ResourceDialect) (*PooledAdapter, error) {
	a := NewPooledAdapter(cfg, dialect)
	if err := a.attach(gdb); err != nil {
		return nil, err
	}
	return a, nil
}

// Kind implements database.Backend.
func (a *PooledAdapter) Kind() database.BackendKind { return a.kind }

// Connect opens the pool, retrying an unreachable server with backoff.
// A database that does not exist is reported as ResourceNotFound without retrying.
func (a *PooledAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gdb != nil {
		return nil
	}

	dialector, err := a.dialect.Dialector(a.cfg)
	if err != nil {
		return exception.New(exception.ErrConnection, pooledModule, "cannot build dialector", err)
	}

	var missing error
	rptr := repeater.New(&strategy.Backoff{
		Repeats:  max(a.cfg.Retry.Attempts, 1),
		Duration: configbinder.DurationOr(a.cfg.Retry.Backoff, 200*time.Millisecond),
		Factor:   max(a.cfg.Retry.Factor, 1),
		Jitter:   true,
	})
	var gdb *gorm.DB
	err = rptr.Do(ctx, func() error {
		db, openErr := openGorm(ctx, dialector)
		if openErr != nil {
			if a.dialect.IsMissingResource(openErr) {
				missing = openErr
				return nil
			}
			logger.Debugf("Connect to %s %s:%d failed, retrying: %v", a.kind, a.cfg.Host, a.cfg.Port, openErr)
			return openErr
		}
		gdb = db
		return nil
	})
	if missing != nil {
		return exception.Newf(exception.ErrResourceNotFound, pooledModule, "database %q does not exist", a.cfg.Database, missing)
	}
	if err != nil {
		return exception.Newf(exception.ErrConnection, pooledModule, "cannot connect to %s at %s:%d", a.kind, a.cfg.Host, a.cfg.Port, err)
	}
	if err := a.attach(gdb); err != nil {
		return err
	}
	if err := a.pool.Warm(ctx); err != nil {
		a.closeLocked()
		return err
	}
	logger.Infof("Connected to %s database %q at %s:%d (pool %d..%d).",
		a.kind, a.cfg.Database, a.cfg.Host, a.cfg.Port, a.cfg.Pool.MinSize, a.cfg.Pool.MaxSize)
	return nil
}

func (a *PooledAdapter) attach(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return exception.New(exception.ErrConnection, pooledModule, "cannot get underlying sql.DB", err)
	}
	a.gdb = gdb
	a.pool = NewConnectionPool(sqlDB, a.cfg.Pool)
	a.core = &sqlCore{db: gdb, dialect: a.dialect, chunkSize: a.cfg.BulkChunkSize, module: pooledModule}
	return nil
}

func (a *PooledAdapter) connected() (*sqlCore, *ConnectionPool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gdb == nil {
		return nil, nil, exception.New(exception.ErrConnection, pooledModule, "adapter is not connected", nil)
	}
	return a.core, a.pool, nil
}

// Acquire implements database.Backend.
func (a *PooledAdapter) Acquire(ctx context.Context) (*database.ConnectionHandle, error) {
	_, pool, err := a.connected()
	if err != nil {
		return nil, err
	}
	return pool.Acquire(ctx)
}

// Release implements database.Backend.
func (a *PooledAdapter) Release(h *database.ConnectionHandle) {
	a.mu.Lock()
	pool := a.pool
	a.mu.Unlock()
	if pool != nil {
		pool.Release(h)
	}
}

// withConn leases a connection for the duration of fn.
func (a *PooledAdapter) withConn(ctx context.Context, fn func(core *sqlCore, h *database.ConnectionHandle) error) error {
	core, pool, err := a.connected()
	if err != nil {
		return err
	}
	h, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer pool.Release(h)
	return fn(core, h)
}

// Execute implements database.Backend.
func (a *PooledAdapter) Execute(ctx context.Context, query string, params ...interface{}) (*database.RowSet, error) {
	var rs *database.RowSet
	err := a.withConn(ctx, func(core *sqlCore, h *database.ConnectionHandle) error {
		var execErr error
		rs, execErr = core.execute(ctx, h, query, params)
		return execErr
	})
	return rs, err
}

// BulkInsert implements database.Backend.
func (a *PooledAdapter) BulkInsert(ctx context.Context, table string, records []model.Record) (int64, error) {
	var n int64
	err := a.withConn(ctx, func(core *sqlCore, h *database.ConnectionHandle) error {
		var insErr error
		n, insErr = core.bulkInsert(ctx, h, table, records)
		return insErr
	})
	return n, err
}

// EnsureTable implements database.Backend.
func (a *PooledAdapter) EnsureTable(ctx context.Context, table string, columns []database.Column) error {
	return a.withConn(ctx, func(core *sqlCore, h *database.ConnectionHandle) error {
		return core.ensureTable(ctx, h, table, columns)
	})
}

// Locate implements database.Backend. A networked resource is addressed by its database name.
func (a *PooledAdapter) Locate(name string) string { return name }

// CreateResource creates the database and a login that can reach it and nothing else.
func (a *PooledAdapter) CreateResource(ctx context.Context, res database.Resource) error {
	if err := ValidateIdentifier(res.Name); err != nil {
		return exception.New(exception.ErrProvision, pooledModule, "invalid resource name", err)
	}
	if res.Credential == nil {
		return exception.Newf(exception.ErrProvision, pooledModule, "resource %s has no credential", res.Name)
	}
	if err := ValidateIdentifier(res.Credential.User); err != nil {
		return exception.New(exception.ErrProvision, pooledModule, "invalid credential user", err)
	}
	if err := ValidateSecret(res.Credential.Password); err != nil {
		return exception.New(exception.ErrProvision, pooledModule, "invalid credential password", err)
	}
	err := a.withConn(ctx, func(core *sqlCore, h *database.ConnectionHandle) error {
		return core.execAutocommit(ctx, h, a.dialect.CreateStatements(res))
	})
	if err != nil {
		if exception.IsFatal(err) {
			return err
		}
		return exception.Newf(exception.ErrProvision, pooledModule, "create resource %s", res.Name, err)
	}
	logger.Debugf("Created %s resource %s with login %s.", a.kind, res.Name, res.Credential.User)
	return nil
}

// DropResource drops the database called name and its login.
func (a *PooledAdapter) DropResource(ctx context.Context, name string) error {
	if err := ValidateIdentifier(name); err != nil {
		return exception.New(exception.ErrTeardown, pooledModule, "invalid resource name", err)
	}
	user := database.CredentialUser(name)

	var existed bool
	var result error
	err := a.withConn(ctx, func(core *sqlCore, h *database.ConnectionHandle) error {
		q, args := a.dialect.ExistsQuery(name)
		rs, err := core.execute(ctx, h, q, args)
		if err != nil {
			result = multierror.Append(result, err)
		} else {
			existed = len(rs.Rows) > 0
		}
		for _, stmt := range a.dialect.DropStatements(name, user) {
			if err := core.execAutocommit(ctx, h, []string{stmt}); err != nil {
				result = multierror.Append(result, err)
			}
		}
		return nil
	})
	if err != nil {
		return exception.Newf(exception.ErrTeardown, pooledModule, "drop resource %s", name, err)
	}
	if result != nil {
		return exception.Newf(exception.ErrTeardown, pooledModule, "drop resource %s", name, result)
	}
	if !existed {
		return exception.Newf(exception.ErrResourceNotFound, pooledModule, "database %s does not exist", name)
	}
	logger.Debugf("Dropped %s resource %s.", a.kind, name)
	return nil
}

// Scoped connects a child adapter to res, logged in with the resource credential.
func (a *PooledAdapter) Scoped(ctx context.Context, res database.Resource) (database.Backend, error) {
	if res.Credential == nil {
		return nil, exception.Newf(exception.ErrConnection, pooledModule, "resource %s has no credential", res.Name)
	}
	child := NewPooledAdapter(a.cfg.WithResource(res.Locator, res.Credential.User, res.Credential.Password), a.dialect)
	if err := child.Connect(ctx); err != nil {
		return nil, err
	}
	return child, nil
}

// Stats implements database.Backend.
func (a *PooledAdapter) Stats() database.PoolStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pool == nil {
		return database.PoolStats{MaxSize: a.cfg.Pool.MaxSize}
	}
	return a.pool.Stats()
}

// Close closes the pool. It is safe to call more than once.
func (a *PooledAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeLocked()
}

func (a *PooledAdapter) closeLocked() error {
	if a.pool == nil {
		return nil
	}
	err := a.pool.Close()
	a.pool, a.gdb, a.core = nil, nil, nil
	if err != nil {
		return fmt.Errorf("close %s pool: %w", a.kind, err)
	}
	return nil
}
