package gorm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database"
	dbconfig "github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/config"
	gormadapter "github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/gorm"
	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/gorm/mysql"
	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/gorm/postgres"
	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/gorm/sqlite"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
)

func TestFactory_SelectsAdapterByKind(t *testing.T) {
	f := gormadapter.NewFactoryFromDialects(sqlite.NewDialect(), mysql.NewDialect(), postgres.NewDialect())

	tests := []struct {
		backend string
		kind    database.BackendKind
	}{
		{"Embedded", database.Embedded},
		{"sqlite", database.Embedded},
		{"PooledA", database.PooledA},
		{"mysql", database.PooledA},
		{"PooledB", database.PooledB},
		{"postgres", database.PooledB},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			b, err := f.New(dbconfig.DatabaseConfig{Type: tt.backend, Database: "x.db"})
			require.NoError(t, err)
			assert.Equal(t, tt.kind, b.Kind())
		})
	}
}

func TestFactory_Errors(t *testing.T) {
	f := gormadapter.NewFactoryFromDialects(sqlite.NewDialect())

	_, err := f.New(dbconfig.DatabaseConfig{Type: "oracle"})
	assert.ErrorIs(t, err, exception.ErrConfiguration)

	_, err = f.New(dbconfig.DatabaseConfig{Type: "PooledA"})
	assert.ErrorIs(t, err, exception.ErrConfiguration)
}

func TestValidateIdentifier(t *testing.T) {
	for _, ok := range []string{"trainer_0123456789abcdef", "a", "Items_2"} {
		assert.NoError(t, gormadapter.ValidateIdentifier(ok), ok)
	}
	for _, bad := range []string{"", "1abc", "a-b", "a b", "x`; DROP TABLE y", "a\"b"} {
		assert.Error(t, gormadapter.ValidateIdentifier(bad), bad)
	}
}

func TestDialects_ColumnTypes(t *testing.T) {
	pk := database.Column{Name: "id", Type: "integer", PrimaryKey: true}
	payload := database.Column{Name: "payload", Type: "text"}

	assert.Equal(t, "INTEGER PRIMARY KEY AUTOINCREMENT", sqlite.NewDialect().ColumnType(pk))
	assert.Equal(t, "BIGINT AUTO_INCREMENT PRIMARY KEY", mysql.NewDialect().ColumnType(pk))
	assert.Equal(t, "BIGSERIAL PRIMARY KEY", postgres.NewDialect().ColumnType(pk))
	assert.Equal(t, "LONGTEXT", mysql.NewDialect().ColumnType(payload))
	assert.Equal(t, "TEXT", postgres.NewDialect().ColumnType(payload))
}

func TestDialects_ConnectionStrings(t *testing.T) {
	cfg := dbconfig.DatabaseConfig{Host: "db", Port: 3306, Database: "trainer", User: "u", Password: "p"}
	assert.Contains(t, mysql.NewDialect().ConnectionString(cfg), "u:p@tcp(db:3306)/trainer")

	cfg.Port = 5432
	assert.Equal(t, "host='db' port=5432 user='u' password='p' dbname='trainer' sslmode='disable'", postgres.NewDialect().ConnectionString(cfg))
}

func TestPostgres_ConnectionStringQuotesValues(t *testing.T) {
	cfg := dbconfig.DatabaseConfig{
		Host:     "db",
		Port:     5432,
		Database: "my db",
		User:     "o'neil",
		Password: `p a\ss'word=x`,
		Sslmode:  "require",
	}
	assert.Equal(t,
		`host='db' port=5432 user='o\'neil' password='p a\\ss\'word=x' dbname='my db' sslmode='require'`,
		postgres.NewDialect().ConnectionString(cfg))
}
