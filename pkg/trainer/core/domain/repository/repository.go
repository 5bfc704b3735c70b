// Package repository declares the persistence contract of training runs and
// their iterations.
package repository

import (
	"context"
	"errors"

	model "github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
)

// ErrRunNotFound is returned when no run with the requested id exists.
var ErrRunNotFound = errors.New("training run not found")

// IterationRecord is the persisted outcome of one successful iteration: the
// combined model summary and the evaluated metrics.
type IterationRecord struct {
	RunID    string
	Index    int
	Resource string
	Strategy string
	Sources  []int
	Metrics  model.Metrics
	// Units maps each learnable unit of the combined model to its element count.
	Units map[string]int
}

// HistoryRepository persists runs and iterations in the permanent database.
type HistoryRepository interface {
	// SaveRun records the start of run.
	SaveRun(ctx context.Context, run *model.TrainingRun) error
	// SaveIteration records one iteration inside the Persisting state.
	SaveIteration(ctx context.Context, rec *IterationRecord) error
	// UpdateRun records the final state and aggregate of run.
	UpdateRun(ctx context.Context, run *model.TrainingRun) error
	// FindIterations returns the iterations of runID ordered by index.
	FindIterations(ctx context.Context, runID string) ([]*IterationRecord, error)

	// Close releases resources (such as database connections) used by the repository.
	Close() error
}
