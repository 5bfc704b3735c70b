// Package database defines the uniform contract every storage backend implements.
package database

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	dbconfig "github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/config"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
)

// ConnectionHandle is a connection leased from a backend. The caller owns it
// exclusively until Release and must release it on every exit path.
type ConnectionHandle struct {
	// Conn is the leased connection.
	Conn *sql.Conn
	// AcquiredAt records when the lease started.
	AcquiredAt time.Time

	released atomic.Bool
}

// NewConnectionHandle wraps a freshly leased conn.
func NewConnectionHandle(conn *sql.Conn) *ConnectionHandle {
	return &ConnectionHandle{Conn: conn, AcquiredAt: time.Now()}
}

// MarkReleased flags the handle as returned. It reports false when the handle
// had already been released, so pools can ignore double releases.
func (h *ConnectionHandle) MarkReleased() bool {
	return h.released.CompareAndSwap(false, true)
}

// RowSet is the materialized result of Execute.
type RowSet struct {
	Columns      []string
	Rows         []model.Record
	RowsAffected int64
}

// Credential is a login scoped to a single ephemeral resource.
type Credential struct {
	User     string
	Password string
}

// CredentialUser returns the login name derived from a resource name.
func CredentialUser(resourceName string) string {
	return resourceName + "_u"
}

// Resource describes an ephemeral resource on a backend.
type Resource struct {
	// Name is the generated resource name.
	Name string
	// Locator is the backend-specific address: a file path or a database identifier.
	Locator string
	// Credential is set for networked backends only.
	Credential *Credential
}

// Column describes a column of a staging table.
type Column struct {
	Name string
	// Type is one of "text", "integer", "real", "blob", "timestamp".
	Type       string
	PrimaryKey bool
}

// PoolStats reports pool occupancy.
type PoolStats struct {
	MaxSize   int
	InUse     int
	Idle      int
	WaitCount int64
}

// Backend is the capability interface implemented once per BackendKind.
type Backend interface {
	// Kind returns the kind fixed at construction.
	Kind() BackendKind
	// Connect opens the backend. Failure is a ConnectionError.
	Connect(ctx context.Context) error
	// Acquire leases a connection. A networked backend fails with PoolExhausted
	// once max_size handles are out and the bounded wait elapses.
	Acquire(ctx context.Context) (*ConnectionHandle, error)
	// Release returns a leased connection.
	Release(h *ConnectionHandle)
	// Execute runs query in an implicit transaction: commit-then-return, rollback-then-raise.
	Execute(ctx context.Context, query string, params ...interface{}) (*RowSet, error)
	// BulkInsert inserts all records into table in one transaction, or none of them.
	BulkInsert(ctx context.Context, table string, records []model.Record) (int64, error)
	// EnsureTable creates table with columns if it does not exist.
	EnsureTable(ctx context.Context, table string, columns []Column) error
	// Locate returns the locator a resource called name would have on this backend.
	Locate(name string) string
	// CreateResource provisions an isolated resource and its scoped credential.
	CreateResource(ctx context.Context, res Resource) error
	// DropResource removes the resource called name and its credential. A missing
	// resource yields ResourceNotFound after any leftover credential has been removed.
	DropResource(ctx context.Context, name string) error
	// Scoped returns a connected backend bound to res and logged in with its credential.
	Scoped(ctx context.Context, res Resource) (Backend, error)
	// Stats reports pool occupancy.
	Stats() PoolStats
	// Close releases every connection.
	Close() error
}

// Factory builds the Backend for the kind named in cfg.Type. Selection happens once, at construction.
type Factory interface {
	New(cfg dbconfig.DatabaseConfig) (Backend, error)
}
