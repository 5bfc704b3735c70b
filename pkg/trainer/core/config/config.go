// Package config provides the structures and loaders of the trainer configuration.
package config

import (
	"path/filepath"
	"time"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database"
	dbconfig "github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/config"
)

// EmbeddedConfig holds the content of the default configuration file, typically embedded by main.go.
type EmbeddedConfig []byte

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the logging level (e.g., "INFO", "DEBUG").
	Level string `yaml:"level"`
	// File, when set, mirrors log output into a rotating file.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// OTLPConfig configures the OpenTelemetry exporters. An empty Endpoint disables them.
type OTLPConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Protocol    string `yaml:"protocol"` // "grpc" or "http"
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// MetricsConfig holds metric export settings.
type MetricsConfig struct {
	// Textfile, when set, receives the Prometheus registry in text format at run end.
	Textfile string     `yaml:"textfile"`
	OTLP     OTLPConfig `yaml:"otlp"`
}

// ModelConfig selects the Trainer implementation and its free-form properties.
type ModelConfig struct {
	Name       string                 `yaml:"name"`
	Properties map[string]interface{} `yaml:"properties"`
}

// HistoryConfig controls the iteration history repository in the permanent database.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// StorageConfig configures the result sinks.
type StorageConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	// BaseDir, when set, confines local result paths to this directory.
	BaseDir string `yaml:"base_dir"`
}

// TrainerConfig holds all configuration under the "trainer" top-level key.
type TrainerConfig struct {
	// Backend is one of Embedded, PooledA, PooledB (aliases: sqlite, mysql, postgres).
	Backend string `yaml:"backend"`
	// Database is the administrative connection used to provision ephemeral resources.
	Database dbconfig.DatabaseConfig `yaml:"database"`
	// WorkDir holds Embedded ephemeral files and the Embedded history database.
	WorkDir string `yaml:"work_dir"`

	PoolMin        int           `yaml:"pool_min"`
	PoolMax        int           `yaml:"pool_max"`
	PoolTimeout    time.Duration `yaml:"pool_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	ConnectRetries int           `yaml:"connect_retries"`
	ConnectBackoff time.Duration `yaml:"connect_backoff"`

	Iterations            int    `yaml:"iterations"`
	InstancesPerIteration int    `yaml:"instances_per_iteration"`
	MaxWorkers            int    `yaml:"max_workers"`
	Combiner              string `yaml:"combiner"`
	Metric                string `yaml:"metric"`
	ResourcePrefix        string `yaml:"resource_prefix"`
	BulkChunkSize         int    `yaml:"bulk_chunk_size"`

	MemoryCeilingBytes uint64        `yaml:"memory_ceiling_bytes"`
	CPUCeilingPercent  float64       `yaml:"cpu_ceiling_percent"`
	MonitorInterval    time.Duration `yaml:"monitor_interval"`

	DataDirectory string `yaml:"data_directory"`
	ResultPath    string `yaml:"result_path"`
	ParquetPath   string `yaml:"parquet_path"`

	History HistoryConfig `yaml:"history"`
	Model   ModelConfig   `yaml:"model"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
	Storage StorageConfig `yaml:"storage"`
}

// Config is the root structure for the entire application configuration.
type Config struct {
	Trainer TrainerConfig `yaml:"trainer"`
}

// NewConfig returns a new instance of Config with default values.
func NewConfig() *Config {
	return &Config{
		Trainer: TrainerConfig{
			Backend:               "Embedded",
			WorkDir:               "./work",
			PoolMin:               2,
			PoolMax:               3,
			PoolTimeout:           5 * time.Second,
			IdleTimeout:           2 * time.Minute,
			ConnectRetries:        3,
			ConnectBackoff:        500 * time.Millisecond,
			Iterations:            1,
			InstancesPerIteration: 1,
			Combiner:              "best_of_n",
			Metric:                "accuracy",
			ResourcePrefix:        "trainer",
			BulkChunkSize:         500,
			MonitorInterval:       time.Second,
			DataDirectory:         "./data",
			ResultPath:            "./training_result.json",
			History:               HistoryConfig{Enabled: true},
			Model:                 ModelConfig{Name: "majority", Properties: map[string]interface{}{}},
			Metrics:               MetricsConfig{OTLP: OTLPConfig{Protocol: "grpc", ServiceName: "ephemeral-trainer"}},
			Logging:               LoggingConfig{Level: "INFO", MaxSizeMB: 50, MaxBackups: 5, MaxAgeDays: 14},
		},
	}
}

// DatabaseConfig returns the administrative DatabaseConfig with the backend
// kind and the top-level pool options folded in. The Embedded backend defaults
// to <work_dir>/trainer.db.
func (c *TrainerConfig) DatabaseConfig() dbconfig.DatabaseConfig {
	db := c.Database
	db.Type = c.Backend
	db.Pool.MinSize = c.PoolMin
	db.Pool.MaxSize = c.PoolMax
	db.Pool.AcquireTimeout = c.PoolTimeout
	db.Pool.IdleTimeout = c.IdleTimeout
	db.Retry.Attempts = c.ConnectRetries
	db.Retry.Backoff = c.ConnectBackoff
	db.BulkChunkSize = c.BulkChunkSize
	if db.Retry.Factor == 0 {
		db.Retry.Factor = 2
	}
	if kind, err := database.ParseBackendKind(c.Backend); err == nil && !kind.Networked() && db.Database == "" {
		db.Database = filepath.Join(c.WorkDir, "trainer.db")
	}
	return db
}
