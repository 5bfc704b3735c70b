package gorm

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database"
	dbconfig "github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/config"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

const (
	poolModule            = "pool"
	defaultAcquireTimeout = 5 * time.Second
)

// ConnectionPool leases connections from a *sql.DB with a hard cap of MaxSize
// concurrent handles. database/sql grows the pool on demand and closes idle
// connections above MinSize after IdleTimeout; the slot channel turns the
// (MaxSize+1)-th concurrent Acquire into PoolExhausted after a bounded wait.
type ConnectionPool struct {
	db    *sql.DB
	cfg   dbconfig.PoolConfig
	slots chan struct{}

	waits  atomic.Int64
	closed atomic.Bool
	once   sync.Once
}

// NewConnectionPool applies cfg to db and returns the pool.
func NewConnectionPool(db *sql.DB, cfg dbconfig.PoolConfig) *ConnectionPool {
	if cfg.MaxSize < 1 {
		cfg.MaxSize = 1
	}
	if cfg.MinSize < 0 {
		cfg.MinSize = 0
	}
	if cfg.MinSize > cfg.MaxSize {
		cfg.MinSize = cfg.MaxSize
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	db.SetMaxOpenConns(cfg.MaxSize)
	db.SetMaxIdleConns(cfg.MinSize)
	if cfg.IdleTimeout > 0 {
		db.SetConnMaxIdleTime(cfg.IdleTimeout)
	}
	if cfg.MaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxLifetime)
	}
	return &ConnectionPool{
		db:    db,
		cfg:   cfg,
		slots: make(chan struct{}, cfg.MaxSize),
	}
}

// Warm opens MinSize connections so the pool starts at its lower bound.
func (p *ConnectionPool) Warm(ctx context.Context) error {
	handles := make([]*database.ConnectionHandle, 0, p.cfg.MinSize)
	defer func() {
		for _, h := range handles {
			p.Release(h)
		}
	}()
	for i := 0; i < p.cfg.MinSize; i++ {
		h, err := p.Acquire(ctx)
		if err != nil {
			return err
		}
		handles = append(handles, h)
		if err := h.Conn.PingContext(ctx); err != nil {
			return exception.New(exception.ErrConnection, poolModule, "warm-up ping failed", err)
		}
	}
	logger.Debugf("Connection pool warmed with %d connection(s) (max %d).", p.cfg.MinSize, p.cfg.MaxSize)
	return nil
}

// Acquire leases a connection. When MaxSize handles are out it waits at most
// AcquireTimeout, or until ctx ends, and then fails with PoolExhausted.
func (p *ConnectionPool) Acquire(ctx context.Context) (*database.ConnectionHandle, error) {
	if p.closed.Load() {
		return nil, exception.New(exception.ErrConnection, poolModule, "pool is closed", nil)
	}

	select {
	case p.slots <- struct{}{}:
	default:
		p.waits.Add(1)
		timer := time.NewTimer(p.cfg.AcquireTimeout)
		defer timer.Stop()
		select {
		case p.slots <- struct{}{}:
		case <-timer.C:
			return nil, exception.Newf(exception.ErrPoolExhausted, poolModule,
				"all %d connections busy after waiting %s", p.cfg.MaxSize, p.cfg.AcquireTimeout)
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, exception.Newf(exception.ErrPoolExhausted, poolModule,
					"all %d connections busy until the caller deadline", p.cfg.MaxSize, ctx.Err())
			}
			return nil, exception.New(exception.ErrConnection, poolModule, "acquire cancelled", ctx.Err())
		}
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		<-p.slots
		return nil, exception.New(exception.ErrConnection, poolModule, "cannot open connection", err)
	}
	return database.NewConnectionHandle(conn), nil
}

// Release returns h to the pool. Releasing the same handle twice is a no-op.
func (p *ConnectionPool) Release(h *database.ConnectionHandle) {
	if h == nil || !h.MarkReleased() {
		return
	}
	if err := h.Conn.Close(); err != nil {
		logger.Warnf("Closing leased connection failed: %v", err)
	}
	<-p.slots
}

// Stats reports occupancy.
func (p *ConnectionPool) Stats() database.PoolStats {
	st := p.db.Stats()
	return database.PoolStats{
		MaxSize:   p.cfg.MaxSize,
		InUse:     len(p.slots),
		Idle:      st.Idle,
		WaitCount: p.waits.Load(),
	}
}

// Close closes the underlying *sql.DB. Handles still leased become unusable.
func (p *ConnectionPool) Close() error {
	var err error
	p.once.Do(func() {
		p.closed.Store(true)
		if in := len(p.slots); in > 0 {
			logger.Warnf("Closing connection pool with %d handle(s) still leased.", in)
		}
		err = p.db.Close()
	})
	return err
}
