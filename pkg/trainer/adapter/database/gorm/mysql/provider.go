// Package mysql provides the PooledA dialect on go-sql-driver/mysql.
package mysql

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database"
	dbconfig "github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/config"
)

// errUnknownDatabase is ER_BAD_DB_ERROR.
const errUnknownDatabase = 1049

// Dialect implements gormadapter.ResourceDialect for MySQL.
type Dialect struct{}

// NewDialect returns the MySQL dialect.
func NewDialect() *Dialect { return &Dialect{} }

// Kind returns database.PooledA.
func (d *Dialect) Kind() database.BackendKind { return database.PooledA }

// ConnectionString generates the DSN for c.
func (d *Dialect) ConnectionString(c dbconfig.DatabaseConfig) string {
	mc := mysqldriver.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	mc.DBName = c.Database
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.Timeout = 10 * time.Second
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN()
}

// Dialector implements gormadapter.Dialect.
func (d *Dialect) Dialector(c dbconfig.DatabaseConfig) (gorm.Dialector, error) {
	if c.Host == "" {
		return nil, errors.New("MySQL host cannot be empty")
	}
	return mysql.New(mysql.Config{
		DSN:                       d.ConnectionString(c),
		SkipInitializeWithVersion: true,
		DefaultStringSize:         255,
	}), nil
}

// ColumnType implements gormadapter.Dialect.
func (d *Dialect) ColumnType(c database.Column) string {
	if c.PrimaryKey {
		return "BIGINT AUTO_INCREMENT PRIMARY KEY"
	}
	switch c.Type {
	case "integer":
		return "BIGINT"
	case "real":
		return "DOUBLE"
	case "blob":
		return "LONGBLOB"
	case "timestamp":
		return "DATETIME(6)"
	default:
		return "LONGTEXT"
	}
}

// IsMissingResource reports ER_BAD_DB_ERROR.
func (d *Dialect) IsMissingResource(err error) bool {
	var me *mysqldriver.MySQLError
	return errors.As(err, &me) && me.Number == errUnknownDatabase
}

// CreateStatements creates the database and a login limited to it.
func (d *Dialect) CreateStatements(res database.Resource) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE `%s` CHARACTER SET utf8mb4", res.Name),
		fmt.Sprintf("CREATE USER '%s'@'%%' IDENTIFIED BY '%s'", res.Credential.User, res.Credential.Password),
		fmt.Sprintf("GRANT ALL PRIVILEGES ON `%s`.* TO '%s'@'%%'", res.Name, res.Credential.User),
	}
}

// DropStatements removes the login first so no new session can reach the database.
func (d *Dialect) DropStatements(name, user string) []string {
	return []string{
		fmt.Sprintf("DROP USER IF EXISTS '%s'@'%%'", user),
		fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", name),
	}
}

// ExistsQuery implements gormadapter.ResourceDialect.
func (d *Dialect) ExistsQuery(name string) (string, []interface{}) {
	return "SELECT SCHEMA_NAME FROM INFORMATION_SCHEMA.SCHEMATA WHERE SCHEMA_NAME = ?", []interface{}{name}
}
