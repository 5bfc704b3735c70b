package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/config"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
)

const embedded = `
trainer:
  backend: PooledB
  database:
    host: ${TEST_DB_HOST:-db.internal}
    port: 5432
    database: trainer
    user: admin
    password: hunter2
  pool_min: 1
  pool_max: 4
  pool_timeout: 3s
  iterations: 5
  combiner: parameter_averaging
  model:
    name: majority
    properties:
      label_field: species
`

func TestLoadConfig_Layers(t *testing.T) {
	t.Setenv("TRAINER_ITERATIONS", "7")
	t.Setenv("TRAINER_MEMORY_CEILING_BYTES", "1048576")
	t.Setenv("TRAINER_MONITOR_INTERVAL", "250ms")
	t.Setenv("TRAINER_MODEL_PROPERTIES_SEED", "9")

	cfg, err := config.LoadConfig(filepath.Join(t.TempDir(), "missing.env"), "", config.EmbeddedConfig(embedded))
	require.NoError(t, err)

	tc := cfg.Trainer
	assert.Equal(t, "PooledB", tc.Backend)
	assert.Equal(t, "db.internal", tc.Database.Host, "defaults in placeholders apply")
	assert.Equal(t, 4, tc.PoolMax)
	assert.Equal(t, 3*time.Second, tc.PoolTimeout)
	assert.Equal(t, 7, tc.Iterations, "environment overrides YAML")
	assert.Equal(t, uint64(1048576), tc.MemoryCeilingBytes)
	assert.Equal(t, 250*time.Millisecond, tc.MonitorInterval)
	assert.Equal(t, "species", tc.Model.Properties["label_field"])
	assert.Equal(t, "9", tc.Model.Properties["seed"])
	assert.Equal(t, "accuracy", tc.Metric, "unset keys keep defaults")

	kind, err := tc.BackendKind()
	require.NoError(t, err)
	assert.Equal(t, database.PooledB, kind)

	db := tc.DatabaseConfig()
	assert.Equal(t, 4, db.Pool.MaxSize)
	assert.Equal(t, 1, db.Pool.MinSize)
	assert.Equal(t, 3*time.Second, db.Pool.AcquireTimeout)
}

func TestLoadConfig_FileOverridesEmbedded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "override.yaml")
	require.NoError(t, os.WriteFile(path, []byte("trainer:\n  iterations: 2\n  history:\n    enabled: false\n"), 0o600))

	cfg, err := config.LoadConfig("", path, config.EmbeddedConfig(embedded))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Trainer.Iterations)
	assert.False(t, cfg.Trainer.History.Enabled)
	assert.Equal(t, 4, cfg.Trainer.PoolMax)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.TrainerConfig)
	}{
		{"unknown backend", func(c *config.TrainerConfig) { c.Backend = "oracle" }},
		{"no instances", func(c *config.TrainerConfig) { c.InstancesPerIteration = 0 }},
		{"zero pool timeout", func(c *config.TrainerConfig) { c.PoolTimeout = 0 }},
		{"pool min above max", func(c *config.TrainerConfig) { c.Backend = "mysql"; c.Database.Host = "h"; c.PoolMin = 9 }},
		{"networked without host", func(c *config.TrainerConfig) { c.Backend = "PooledA" }},
		{"unknown combiner", func(c *config.TrainerConfig) { c.Combiner = "vote" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := config.NewConfig().Trainer
			tt.mutate(&tc)
			err := tc.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, exception.ErrConfiguration))
		})
	}

	defaults := config.NewConfig().Trainer
	assert.NoError(t, defaults.Validate())
}

func TestSnapshot_RedactsPassword(t *testing.T) {
	tc := config.NewConfig().Trainer
	tc.Database.Password = "s3cret"
	tc.PoolTimeout = 2 * time.Second

	snap := tc.Snapshot()
	db, ok := snap["database"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "********", db["password"])
	assert.Equal(t, "2s", snap["pool_timeout"])
	assert.Equal(t, "s3cret", tc.Database.Password, "the live config is untouched")
}

func TestEnvironmentExpander(t *testing.T) {
	t.Setenv("EXPANDER_SET", "value")
	out, err := config.NewOsEnvironmentExpander().Expand([]byte("a=${EXPANDER_SET} b=${EXPANDER_UNSET:-fallback} c=${EXPANDER_UNSET}"))
	require.NoError(t, err)
	assert.Equal(t, "a=value b=fallback c=", string(out))
}
