// Package sql_test provides unit tests for the SQL history repository.
package sql_test

import (
	"context"
	"math"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	dbconfig "github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/config"
	gormadapter "github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/gorm"
	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/gorm/sqlite"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/repository"
	sqlrepo "github.com/tigerroll/ephemeral/pkg/trainer/infrastructure/repository/sql"
)

// setupGormHistoryMock is a helper function to set up the GORM mock environment for history repository tests.
func setupGormHistoryMock(t *testing.T) (sqlmock.Sqlmock, *sqlrepo.SQLHistoryRepository) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	// Use mysql.New for GORM initialization, providing the mocked SQL DB.
	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)

	t.Cleanup(func() {
		mock.ExpectClose()
		_ = sqlDB.Close()
	})
	return mock, sqlrepo.NewSQLHistoryRepository(gormDB)
}

func TestSQLHistoryRepository_SaveRun(t *testing.T) {
	mock, repo := setupGormHistoryMock(t)
	run := model.NewTrainingRun("accuracy", map[string]interface{}{"iterations": 3})

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `training_runs`")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.SaveRun(context.Background(), run))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLHistoryRepository_UpdateRun_NotFound(t *testing.T) {
	mock, repo := setupGormHistoryMock(t)
	run := model.NewTrainingRun("accuracy", nil)
	run.Complete()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE `training_runs` SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateRun(context.Background(), run)
	assert.ErrorIs(t, err, repository.ErrRunNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLHistoryRepository_SaveIteration(t *testing.T) {
	mock, repo := setupGormHistoryMock(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `training_iterations`")).
		WithArgs("run-1", 2, "trainer_abc", "best_of_n", "[1]", `{"accuracy":0.9,"loss":null}`, `{"w":4}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.SaveIteration(context.Background(), &repository.IterationRecord{
		RunID:    "run-1",
		Index:    2,
		Resource: "trainer_abc",
		Strategy: "best_of_n",
		Sources:  []int{1},
		Metrics:  model.Metrics{"accuracy": 0.9, "loss": math.NaN()},
		Units:    map[string]int{"w": 4},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLHistoryRepository_FindIterations_UnknownRun(t *testing.T) {
	mock, repo := setupGormHistoryMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `training_runs` WHERE id = ?")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.FindIterations(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrRunNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestOpen_MigratesSQLite runs the embedded migrations against a real SQLite
// file and round-trips a run through the repository.
func TestOpen_MigratesSQLite(t *testing.T) {
	ctx := context.Background()
	factory := gormadapter.NewFactoryFromDialects(sqlite.NewDialect())
	cfg := dbconfig.DatabaseConfig{Type: "Embedded", Database: filepath.Join(t.TempDir(), "trainer.db")}

	repo, err := sqlrepo.Open(ctx, factory, cfg)
	require.NoError(t, err)
	defer repo.Close()

	// A second Open finds nothing to migrate.
	again, err := sqlrepo.Open(ctx, factory, cfg)
	require.NoError(t, err)
	require.NoError(t, again.Close())

	run := model.NewTrainingRun("accuracy", map[string]interface{}{"backend": "Embedded"})
	require.NoError(t, repo.SaveRun(ctx, run))
	require.NoError(t, repo.SaveIteration(ctx, &repository.IterationRecord{
		RunID: run.ID, Index: 1, Strategy: "best_of_n", Sources: []int{0}, Metrics: model.Metrics{"accuracy": 0.7},
	}))
	require.NoError(t, repo.SaveIteration(ctx, &repository.IterationRecord{
		RunID: run.ID, Index: 0, Strategy: "best_of_n", Sources: []int{2}, Metrics: model.Metrics{"accuracy": math.NaN()},
	}))
	run.Complete()
	require.NoError(t, repo.UpdateRun(ctx, run))

	its, err := repo.FindIterations(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, its, 2)
	assert.Equal(t, 0, its[0].Index)
	assert.True(t, math.IsNaN(its[0].Metrics["accuracy"]))
	assert.Equal(t, []int{2}, its[0].Sources)
	assert.InDelta(t, 0.7, its[1].Metrics["accuracy"], 1e-9)
}
