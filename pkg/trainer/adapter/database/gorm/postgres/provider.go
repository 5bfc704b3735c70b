// Package postgres provides the PooledB dialect on pgx.
package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database"
	dbconfig "github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/config"
)

// invalidCatalogName is SQLSTATE 3D000, raised when the target database does not exist.
const invalidCatalogName = "3D000"

// Dialect implements gormadapter.ResourceDialect for PostgreSQL.
type Dialect struct{}

// NewDialect returns the PostgreSQL dialect.
func NewDialect() *Dialect { return &Dialect{} }

// Kind returns database.PooledB.
func (d *Dialect) Kind() database.BackendKind { return database.PooledB }

// dsnQuoter escapes a keyword/value connection string value.
var dsnQuoter = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// quoteDSN single-quotes v so spaces, quotes and backslashes survive.
func quoteDSN(v string) string {
	return "'" + dsnQuoter.Replace(v) + "'"
}

// ConnectionString generates the DSN for c.
func (d *Dialect) ConnectionString(c dbconfig.DatabaseConfig) string {
	sslmode := c.Sslmode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		quoteDSN(c.Host), c.Port, quoteDSN(c.User), quoteDSN(c.Password), quoteDSN(c.Database), quoteDSN(sslmode))
}

// Dialector implements gormadapter.Dialect.
func (d *Dialect) Dialector(c dbconfig.DatabaseConfig) (gorm.Dialector, error) {
	if c.Host == "" {
		return nil, errors.New("PostgreSQL host cannot be empty")
	}
	return postgres.New(postgres.Config{DSN: d.ConnectionString(c)}), nil
}

// ColumnType implements gormadapter.Dialect.
func (d *Dialect) ColumnType(c database.Column) string {
	if c.PrimaryKey {
		return "BIGSERIAL PRIMARY KEY"
	}
	switch c.Type {
	case "integer":
		return "BIGINT"
	case "real":
		return "DOUBLE PRECISION"
	case "blob":
		return "BYTEA"
	case "timestamp":
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

// IsMissingResource reports SQLSTATE 3D000.
func (d *Dialect) IsMissingResource(err error) bool {
	var pe *pgconn.PgError
	return errors.As(err, &pe) && pe.Code == invalidCatalogName
}

// CreateStatements creates a login role owning the new database. PUBLIC loses
// its default CONNECT so no other role can reach it.
func (d *Dialect) CreateStatements(res database.Resource) []string {
	return []string{
		fmt.Sprintf(`CREATE ROLE "%s" LOGIN PASSWORD '%s'`, res.Credential.User, res.Credential.Password),
		fmt.Sprintf(`CREATE DATABASE "%s" OWNER "%s"`, res.Name, res.Credential.User),
		fmt.Sprintf(`REVOKE ALL ON DATABASE "%s" FROM PUBLIC`, res.Name),
	}
}

// DropStatements terminates lingering sessions before dropping the database,
// then drops the role.
func (d *Dialect) DropStatements(name, user string) []string {
	return []string{
		fmt.Sprintf("SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = '%s' AND pid <> pg_backend_pid()", name),
		fmt.Sprintf(`DROP DATABASE IF EXISTS "%s"`, name),
		fmt.Sprintf(`DROP ROLE IF EXISTS "%s"`, user),
	}
}

// ExistsQuery implements gormadapter.ResourceDialect.
func (d *Dialect) ExistsQuery(name string) (string, []interface{}) {
	return "SELECT 1 FROM pg_database WHERE datname = ?", []interface{}{name}
}
