package inmemory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/repository"
	"github.com/tigerroll/ephemeral/pkg/trainer/infrastructure/repository/inmemory"
)

func TestInMemoryHistoryRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := inmemory.NewInMemoryHistoryRepository()
	run := model.NewTrainingRun("accuracy", nil)

	require.NoError(t, repo.SaveRun(ctx, run))
	assert.Error(t, repo.SaveRun(ctx, run))

	require.NoError(t, repo.SaveIteration(ctx, &repository.IterationRecord{RunID: run.ID, Index: 1}))
	require.NoError(t, repo.SaveIteration(ctx, &repository.IterationRecord{RunID: run.ID, Index: 0}))
	assert.Error(t, repo.SaveIteration(ctx, &repository.IterationRecord{RunID: run.ID, Index: 0}))

	its, err := repo.FindIterations(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, its, 2)
	assert.Equal(t, 0, its[0].Index)
	assert.Equal(t, 1, its[1].Index)

	run.Abort("capacity")
	require.NoError(t, repo.UpdateRun(ctx, run))
	stored, err := repo.FindRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, stored.Aborted)
}

func TestInMemoryHistoryRepository_UnknownRun(t *testing.T) {
	ctx := context.Background()
	repo := inmemory.NewInMemoryHistoryRepository()

	assert.ErrorIs(t, repo.SaveIteration(ctx, &repository.IterationRecord{RunID: "nope"}), repository.ErrRunNotFound)
	assert.ErrorIs(t, repo.UpdateRun(ctx, &model.TrainingRun{ID: "nope"}), repository.ErrRunNotFound)
	_, err := repo.FindIterations(ctx, "nope")
	assert.ErrorIs(t, err, repository.ErrRunNotFound)
}
