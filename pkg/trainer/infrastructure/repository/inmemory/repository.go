// Package inmemory provides an in-memory implementation of the HistoryRepository
// interface. It is used when history persistence is disabled and in tests.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/repository"
)

// InMemoryHistoryRepository holds runs and iterations in maps.
type InMemoryHistoryRepository struct {
	runs       map[string]model.TrainingRun
	iterations map[string][]*repository.IterationRecord
	mu         sync.RWMutex
}

// NewInMemoryHistoryRepository creates an empty repository.
func NewInMemoryHistoryRepository() *InMemoryHistoryRepository {
	return &InMemoryHistoryRepository{
		runs:       make(map[string]model.TrainingRun),
		iterations: make(map[string][]*repository.IterationRecord),
	}
}

// SaveRun stores a copy of run. It returns an error if the id already exists.
func (r *InMemoryHistoryRepository) SaveRun(ctx context.Context, run *model.TrainingRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[run.ID]; exists {
		return fmt.Errorf("training run %s already exists", run.ID)
	}
	r.runs[run.ID] = *run
	return nil
}

// SaveIteration stores rec under its run.
func (r *InMemoryHistoryRepository) SaveIteration(ctx context.Context, rec *repository.IterationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[rec.RunID]; !exists {
		return repository.ErrRunNotFound
	}
	for _, it := range r.iterations[rec.RunID] {
		if it.Index == rec.Index {
			return fmt.Errorf("iteration %d of run %s already exists", rec.Index, rec.RunID)
		}
	}
	cp := *rec
	r.iterations[rec.RunID] = append(r.iterations[rec.RunID], &cp)
	return nil
}

// UpdateRun replaces the stored copy of run.
func (r *InMemoryHistoryRepository) UpdateRun(ctx context.Context, run *model.TrainingRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[run.ID]; !exists {
		return repository.ErrRunNotFound
	}
	r.runs[run.ID] = *run
	return nil
}

// FindRun returns the stored copy of the run called id.
func (r *InMemoryHistoryRepository) FindRun(ctx context.Context, id string) (*model.TrainingRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, repository.ErrRunNotFound
	}
	return &run, nil
}

// FindIterations returns the iterations of runID ordered by index.
func (r *InMemoryHistoryRepository) FindIterations(ctx context.Context, runID string) ([]*repository.IterationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, exists := r.runs[runID]; !exists {
		return nil, repository.ErrRunNotFound
	}
	out := append([]*repository.IterationRecord(nil), r.iterations[runID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// Close releases resources used by the repository.
// As an in-memory repository, it holds no external resources, so this method always returns nil.
func (r *InMemoryHistoryRepository) Close() error {
	return nil
}

var _ repository.HistoryRepository = (*InMemoryHistoryRepository)(nil)
