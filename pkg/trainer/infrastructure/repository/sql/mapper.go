package sql

import (
	"encoding/json"
	"math"
	"time"

	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/repository"
)

// --- Mapper functions ---

func fromDomainRun(run *model.TrainingRun) (*RunEntity, error) {
	snapshot, err := json.Marshal(run.ConfigSnapshot)
	if err != nil {
		return nil, err
	}
	entity := &RunEntity{
		ID:              run.ID,
		Metric:          run.Metric,
		AggregateMetric: finite(run.AggregateMetric),
		Degraded:        run.Degraded,
		Aborted:         run.Aborted,
		AbortReason:     run.AbortReason,
		ConfigSnapshot:  string(snapshot),
		StartTime:       run.StartTime.UTC(),
	}
	if !run.EndTime.IsZero() {
		end := run.EndTime.UTC()
		entity.EndTime = &end
	}
	return entity, nil
}

func fromDomainIteration(rec *repository.IterationRecord) (*IterationEntity, error) {
	sources, err := json.Marshal(rec.Sources)
	if err != nil {
		return nil, err
	}
	metrics, err := json.Marshal(nullableMetrics(rec.Metrics))
	if err != nil {
		return nil, err
	}
	units, err := json.Marshal(rec.Units)
	if err != nil {
		return nil, err
	}
	return &IterationEntity{
		RunID:          rec.RunID,
		IterationIndex: rec.Index,
		Resource:       rec.Resource,
		Strategy:       rec.Strategy,
		Sources:        string(sources),
		Metrics:        string(metrics),
		Units:          string(units),
		CreatedAt:      time.Now().UTC(),
	}, nil
}

func toDomainIteration(entity *IterationEntity) (*repository.IterationRecord, error) {
	rec := &repository.IterationRecord{
		RunID:    entity.RunID,
		Index:    entity.IterationIndex,
		Resource: entity.Resource,
		Strategy: entity.Strategy,
	}
	if entity.Sources != "" {
		if err := json.Unmarshal([]byte(entity.Sources), &rec.Sources); err != nil {
			return nil, err
		}
	}
	if entity.Metrics != "" {
		var raw map[string]*float64
		if err := json.Unmarshal([]byte(entity.Metrics), &raw); err != nil {
			return nil, err
		}
		rec.Metrics = make(model.Metrics, len(raw))
		for k, v := range raw {
			if v == nil {
				rec.Metrics[k] = math.NaN()
				continue
			}
			rec.Metrics[k] = *v
		}
	}
	if entity.Units != "" {
		if err := json.Unmarshal([]byte(entity.Units), &rec.Units); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// finite returns nil for NaN and infinities, which JSON and SQL cannot carry.
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func nullableMetrics(m model.Metrics) map[string]*float64 {
	out := make(map[string]*float64, len(m))
	for k, v := range m {
		out[k] = finite(v)
	}
	return out
}
