// Package sqlite provides the Embedded dialect on the mattn/go-sqlite3 driver.
package sqlite

import (
	"errors"
	"net/url"

	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database"
	dbconfig "github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/config"
)

// Dialect implements gormadapter.Dialect for SQLite files.
type Dialect struct{}

// NewDialect returns the SQLite dialect.
func NewDialect() *Dialect { return &Dialect{} }

// Kind returns database.Embedded.
func (d *Dialect) Kind() database.BackendKind { return database.Embedded }

// ConnectionString returns the DSN for the file in c.Database.
// Busy waits are bounded so a locked file surfaces as an error.
func (d *Dialect) ConnectionString(c dbconfig.DatabaseConfig) string {
	if c.Database == ":memory:" {
		return c.Database
	}
	q := url.Values{}
	q.Set("_busy_timeout", "5000")
	q.Set("_foreign_keys", "on")
	return "file:" + c.Database + "?" + q.Encode()
}

// Dialector implements gormadapter.Dialect.
func (d *Dialect) Dialector(c dbconfig.DatabaseConfig) (gorm.Dialector, error) {
	if c.Database == "" {
		return nil, errors.New("SQLite database path cannot be empty")
	}
	return sqlite.Open(d.ConnectionString(c)), nil
}

// ColumnType implements gormadapter.Dialect.
func (d *Dialect) ColumnType(c database.Column) string {
	if c.PrimaryKey {
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	switch c.Type {
	case "integer":
		return "INTEGER"
	case "real":
		return "REAL"
	case "blob":
		return "BLOB"
	case "timestamp":
		return "DATETIME"
	default:
		return "TEXT"
	}
}

// IsMissingResource reports SQLITE_CANTOPEN.
func (d *Dialect) IsMissingResource(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrCantOpen
	}
	return false
}
