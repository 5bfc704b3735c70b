// Package trainer declares the training capability the orchestrator schedules
// and the registry that builds a Trainer by name from configuration.
package trainer

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/fx"

	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

const module = "trainer"

// Trainer is the external training capability. The orchestrator never
// inspects model contents; it only schedules Train and Evaluate and hands
// their outputs to the combiner.
//
// Train is called concurrently from several workers with the same records
// slice, which must be treated as read-only.
type Trainer interface {
	// Train fits a model for worker. Failures are TrainingError.
	Train(ctx context.Context, worker int, records []model.Record) (*model.WorkerResult, error)
	// Evaluate scores m against records.
	Evaluate(ctx context.Context, m *model.Model, records []model.Record) (model.Metrics, error)
}

// Builder creates a Trainer from the free-form model properties.
type Builder func(properties map[string]interface{}) (Trainer, error)

// Registration pairs a Builder with the model name it serves.
type Registration struct {
	Name  string
	Build Builder
}

// RegistrationGroup is the fx value group collecting Registrations.
const RegistrationGroup = `group:"trainer_builders"`

// RegistryParams collects the Registrations provided to the application.
type RegistryParams struct {
	fx.In
	Registrations []Registration `group:"trainer_builders"`
}

// Registry maps model names to Builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry creates a Registry holding every provided Registration.
func NewRegistry(p RegistryParams) *Registry {
	r := &Registry{builders: make(map[string]Builder)}
	for _, reg := range p.Registrations {
		r.Register(reg.Name, reg.Build)
	}
	return r
}

// Register adds or replaces the Builder for name.
func (r *Registry) Register(name string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builders[name]; exists {
		logger.Warnf("Trainer '%s' registered twice. Using the last one.", name)
	}
	r.builders[name] = b
	logger.Debugf("Trainer '%s' was registered.", name)
}

// Names returns the registered model names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for n := range r.builders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build creates the Trainer called name.
func (r *Registry) Build(name string, properties map[string]interface{}) (Trainer, error) {
	r.mu.RLock()
	b, ok := r.builders[name]
	r.mu.RUnlock()
	if !ok {
		return nil, exception.Newf(exception.ErrConfiguration, module, "unknown model %q (available: %v)", name, r.Names())
	}
	t, err := b(properties)
	if err != nil {
		return nil, exception.Newf(exception.ErrConfiguration, module, "cannot build model %q", name, err)
	}
	return t, nil
}
