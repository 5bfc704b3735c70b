// Package sql implements the HistoryRepository on GORM, in the permanent
// database of the configured backend. Its schema is managed by golang-migrate.
package sql

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/repository"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

const module = "history"

// SQLHistoryRepository implements the repository.HistoryRepository interface.
type SQLHistoryRepository struct {
	db *gorm.DB
}

// NewSQLHistoryRepository creates a repository on db. The tables must exist; see Migrate.
func NewSQLHistoryRepository(db *gorm.DB) *SQLHistoryRepository {
	return &SQLHistoryRepository{db: db}
}

func (r *SQLHistoryRepository) SaveRun(ctx context.Context, run *model.TrainingRun) error {
	const op = "SQLHistoryRepository.SaveRun"
	entity, err := fromDomainRun(run)
	if err != nil {
		return exception.Newf(exception.ErrQuery, module, "%s: cannot encode run %s", op, run.ID, err)
	}
	if err := r.db.WithContext(ctx).Create(entity).Error; err != nil {
		return exception.Newf(exception.ErrQuery, module, "%s: failed to save run %s", op, run.ID, err)
	}
	return nil
}

func (r *SQLHistoryRepository) UpdateRun(ctx context.Context, run *model.TrainingRun) error {
	const op = "SQLHistoryRepository.UpdateRun"
	entity, err := fromDomainRun(run)
	if err != nil {
		return exception.Newf(exception.ErrQuery, module, "%s: cannot encode run %s", op, run.ID, err)
	}
	res := r.db.WithContext(ctx).Model(&RunEntity{}).Where("id = ?", run.ID).Updates(map[string]interface{}{
		"aggregate_metric": entity.AggregateMetric,
		"degraded":         entity.Degraded,
		"aborted":          entity.Aborted,
		"abort_reason":     entity.AbortReason,
		"end_time":         entity.EndTime,
	})
	if res.Error != nil {
		return exception.Newf(exception.ErrQuery, module, "%s: failed to update run %s", op, run.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return repository.ErrRunNotFound
	}
	return nil
}

func (r *SQLHistoryRepository) SaveIteration(ctx context.Context, rec *repository.IterationRecord) error {
	const op = "SQLHistoryRepository.SaveIteration"
	entity, err := fromDomainIteration(rec)
	if err != nil {
		return exception.Newf(exception.ErrQuery, module, "%s: cannot encode iteration %d", op, rec.Index, err)
	}
	if err := r.db.WithContext(ctx).Create(entity).Error; err != nil {
		return exception.Newf(exception.ErrQuery, module, "%s: failed to save iteration %d of run %s", op, rec.Index, rec.RunID, err)
	}
	logger.Debugf("Iteration %d of run %s saved to history.", rec.Index, rec.RunID)
	return nil
}

func (r *SQLHistoryRepository) FindIterations(ctx context.Context, runID string) ([]*repository.IterationRecord, error) {
	const op = "SQLHistoryRepository.FindIterations"
	var run RunEntity
	if err := r.db.WithContext(ctx).Where("id = ?", runID).Take(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrRunNotFound
		}
		return nil, exception.Newf(exception.ErrQuery, module, "%s: failed to find run %s", op, runID, err)
	}

	var entities []IterationEntity
	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("iteration_index").Find(&entities).Error; err != nil {
		return nil, exception.Newf(exception.ErrQuery, module, "%s: failed to find iterations of run %s", op, runID, err)
	}
	out := make([]*repository.IterationRecord, 0, len(entities))
	for i := range entities {
		rec, err := toDomainIteration(&entities[i])
		if err != nil {
			return nil, fmt.Errorf("%s: iteration %d: %w", op, entities[i].IterationIndex, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the underlying database handle.
func (r *SQLHistoryRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ repository.HistoryRepository = (*SQLHistoryRepository)(nil)
