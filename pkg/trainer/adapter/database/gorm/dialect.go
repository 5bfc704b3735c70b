// Package gorm implements the database.Backend contract on top of GORM for the
// Embedded (SQLite), PooledA (MySQL) and PooledB (PostgreSQL) engines.
package gorm

import (
	"fmt"
	"regexp"

	"gorm.io/gorm"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database"
	dbconfig "github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/config"
)

// DialectGroup is the fx value group collecting every Dialect.
const DialectGroup = `group:"dialects"`

// Dialect adapts one SQL engine: how to open it, how to type staging columns,
// and how to recognise a missing database.
type Dialect interface {
	// Kind returns the backend kind served by this dialect.
	Kind() database.BackendKind
	// Dialector builds the GORM dialector for cfg.
	Dialector(cfg dbconfig.DatabaseConfig) (gorm.Dialector, error)
	// ColumnType returns the engine column definition for c.
	ColumnType(c database.Column) string
	// IsMissingResource reports an error caused by a database that does not exist.
	IsMissingResource(err error) bool
}

// ResourceDialect is implemented by networked dialects, which provision
// ephemeral databases and scoped logins with SQL statements.
type ResourceDialect interface {
	Dialect
	// CreateStatements returns the statements creating res and granting its
	// credential privileges on res only. They run in order, outside any transaction.
	CreateStatements(res database.Resource) []string
	// DropStatements returns idempotent statements removing the database and login.
	DropStatements(name, user string) []string
	// ExistsQuery returns a query yielding one row when the database exists.
	ExistsQuery(name string) (string, []interface{})
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,62}$`)

// ValidateIdentifier rejects names that cannot be embedded verbatim in DDL.
// Provisioning statements cannot bind identifiers as parameters, so every
// generated name passes through here first.
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

var secretPattern = regexp.MustCompile(`^[A-Za-z0-9]{12,128}$`)

// ValidateSecret rejects passwords that would need quoting inside DDL.
func ValidateSecret(secret string) error {
	if !secretPattern.MatchString(secret) {
		return fmt.Errorf("password must be 12-128 alphanumeric characters")
	}
	return nil
}
