package config

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
)

// Combiner names accepted by the combiner option.
const (
	CombinerBestOfN            = "best_of_n"
	CombinerParameterAveraging = "parameter_averaging"
)

// BackendKind parses the configured backend.
func (c *TrainerConfig) BackendKind() (database.BackendKind, error) {
	kind, err := database.ParseBackendKind(c.Backend)
	if err != nil {
		return "", exception.New(exception.ErrConfiguration, moduleName, "invalid backend", err)
	}
	return kind, nil
}

// Validate checks option ranges and cross-field constraints.
func (c *TrainerConfig) Validate() error {
	kind, err := c.BackendKind()
	if err != nil {
		return err
	}
	invalid := func(format string, a ...interface{}) error {
		return exception.Newf(exception.ErrConfiguration, moduleName, format, a...)
	}
	switch {
	case c.Iterations < 0:
		return invalid("iterations must be >= 0, got %d", c.Iterations)
	case c.InstancesPerIteration < 1:
		return invalid("instances_per_iteration must be >= 1, got %d", c.InstancesPerIteration)
	case c.MaxWorkers < 0:
		return invalid("max_workers must be >= 0, got %d", c.MaxWorkers)
	case c.PoolTimeout <= 0:
		return invalid("pool_timeout must be positive")
	case c.CPUCeilingPercent < 0:
		return invalid("cpu_ceiling_percent must be >= 0")
	case strings.TrimSpace(c.Metric) == "":
		return invalid("metric must not be empty")
	case c.ResultPath == "":
		return invalid("result_path must not be empty")
	}
	if kind.Networked() {
		if c.PoolMax < 1 {
			return invalid("pool_max must be >= 1, got %d", c.PoolMax)
		}
		if c.PoolMin < 0 || c.PoolMin > c.PoolMax {
			return invalid("pool_min must be within [0, pool_max], got %d", c.PoolMin)
		}
		if c.Database.Host == "" {
			return invalid("database.host is required for backend %s", kind)
		}
	}
	switch c.Combiner {
	case CombinerBestOfN, CombinerParameterAveraging:
	default:
		return invalid("unknown combiner %q", c.Combiner)
	}
	return nil
}

// Snapshot returns the configuration as a generic map with secrets redacted,
// for embedding into the persisted result.
func (c *TrainerConfig) Snapshot() map[string]interface{} {
	redacted := *c
	redacted.Database = c.Database.Redacted()
	raw, err := yaml.Marshal(redacted)
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	out := map[string]interface{}{}
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	return out
}
