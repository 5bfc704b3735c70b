package gorm_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database"
	dbconfig "github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/config"
	gormadapter "github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/gorm"
	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/gorm/sqlite"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
)

var itemColumns = []database.Column{
	{Name: "id", Type: "integer", PrimaryKey: true},
	{Name: "name", Type: "text"},
	{Name: "score", Type: "real"},
}

func newEmbedded(t *testing.T, chunk int) database.Backend {
	t.Helper()
	factory := gormadapter.NewFactoryFromDialects(sqlite.NewDialect())
	backend, err := factory.New(dbconfig.DatabaseConfig{
		Type:          "Embedded",
		Database:      filepath.Join(t.TempDir(), "admin.db"),
		BulkChunkSize: chunk,
	})
	require.NoError(t, err)
	require.NoError(t, backend.Connect(context.Background()))
	t.Cleanup(func() { _ = backend.Close() })

	require.NoError(t, backend.EnsureTable(context.Background(), "items", itemColumns))
	return backend
}

func countItems(t *testing.T, backend database.Backend) int64 {
	t.Helper()
	rs, err := backend.Execute(context.Background(), "SELECT COUNT(*) AS n FROM items")
	require.NoError(t, err)
	require.Len(t, rs.Rows, 1)
	return rs.Rows[0]["n"].(int64)
}

func TestEmbedded_ExecuteCommitsOnSuccess(t *testing.T) {
	backend := newEmbedded(t, 0)
	ctx := context.Background()

	rs, err := backend.Execute(ctx, "INSERT INTO items (name, score) VALUES (?, ?)", "a", 0.5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rs.RowsAffected)

	rs, err = backend.Execute(ctx, "SELECT name, score FROM items WHERE name = ?", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "score"}, rs.Columns)
	require.Len(t, rs.Rows, 1)
	assert.Equal(t, "a", rs.Rows[0]["name"])
	assert.InDelta(t, 0.5, rs.Rows[0]["score"], 1e-9)
}

func TestEmbedded_ExecuteRollsBackOnError(t *testing.T) {
	backend := newEmbedded(t, 0)

	// The second statement fails after the first one has run.
	_, err := backend.Execute(context.Background(),
		"INSERT INTO items (name) VALUES ('kept'); INSERT INTO missing_table (name) VALUES ('x')")
	require.Error(t, err)
	assert.ErrorIs(t, err, exception.ErrQuery)
	assert.Equal(t, int64(0), countItems(t, backend))
}

func TestEmbedded_BulkInsert(t *testing.T) {
	backend := newEmbedded(t, 2)

	records := []model.Record{
		{"name": "a", "score": 1.0},
		{"name": "b", "score": 2.0},
		{"name": "c", "score": 3.0},
	}
	n, err := backend.BulkInsert(context.Background(), "items", records)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, int64(3), countItems(t, backend))
}

func TestEmbedded_BulkInsertIsAllOrNothing(t *testing.T) {
	backend := newEmbedded(t, 1)

	// With one row per statement the duplicate key fails in the third chunk,
	// after two chunks have already been written inside the transaction.
	records := []model.Record{
		{"id": 1, "name": "a"},
		{"id": 2, "name": "b"},
		{"id": 1, "name": "dup"},
	}
	n, err := backend.BulkInsert(context.Background(), "items", records)
	require.Error(t, err)
	assert.ErrorIs(t, err, exception.ErrQuery)
	assert.Zero(t, n)
	assert.Equal(t, int64(0), countItems(t, backend))
}

func TestEmbedded_BulkInsertRejectsUnknownColumn(t *testing.T) {
	backend := newEmbedded(t, 0)

	_, err := backend.BulkInsert(context.Background(), "items", []model.Record{
		{"name": "a"},
		{"name": "b", "colour": "red"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, exception.ErrQuery)
	assert.Contains(t, err.Error(), "colour")
	assert.Equal(t, int64(0), countItems(t, backend))
}

func TestEmbedded_AcquireReturnsSameHandle(t *testing.T) {
	backend := newEmbedded(t, 0)
	ctx := context.Background()

	h1, err := backend.Acquire(ctx)
	require.NoError(t, err)
	backend.Release(h1)

	h2, err := backend.Acquire(ctx)
	require.NoError(t, err)
	defer backend.Release(h2)

	assert.Same(t, h1, h2)
	assert.Equal(t, 1, backend.Stats().MaxSize)
}

func TestEmbedded_AcquireWaitsForSingleWriter(t *testing.T) {
	backend := newEmbedded(t, 0)

	h, err := backend.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = backend.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, exception.ErrConnection)

	backend.Release(h)
	h, err = backend.Acquire(context.Background())
	require.NoError(t, err)
	backend.Release(h)
}

func TestEmbedded_ResourceLifecycle(t *testing.T) {
	backend := newEmbedded(t, 0)
	ctx := context.Background()

	res := database.Resource{Name: "trainer_0011223344556677"}
	res.Locator = backend.Locate(res.Name)
	require.NoError(t, backend.CreateResource(ctx, res))
	assert.FileExists(t, res.Locator)

	err := backend.CreateResource(ctx, res)
	assert.ErrorIs(t, err, exception.ErrProvision, "an existing file is never reused")

	scoped, err := backend.Scoped(ctx, res)
	require.NoError(t, err)
	require.NoError(t, scoped.EnsureTable(ctx, "items", itemColumns))
	n, err := scoped.BulkInsert(ctx, "items", []model.Record{{"name": "x"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, scoped.Close())

	require.NoError(t, backend.DropResource(ctx, res.Name))
	_, statErr := os.Stat(res.Locator)
	assert.True(t, os.IsNotExist(statErr))

	err = backend.DropResource(ctx, res.Name)
	assert.ErrorIs(t, err, exception.ErrResourceNotFound)
}

func TestEmbedded_CloseReleasesTheDatabaseOnce(t *testing.T) {
	factory := gormadapter.NewFactoryFromDialects(sqlite.NewDialect())
	path := filepath.Join(t.TempDir(), "closing.db")
	backend, err := factory.New(dbconfig.DatabaseConfig{Type: "Embedded", Database: path})
	require.NoError(t, err)
	require.NoError(t, backend.Connect(context.Background()))

	require.NoError(t, backend.Close())
	require.NoError(t, backend.Close(), "a closed backend closes again without error")
	require.NoError(t, os.Remove(path))
}
