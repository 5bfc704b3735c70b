// Package config holds the connection and pool settings of a backend adapter.
package config

import "time"

// PoolConfig holds connection pool settings. The Embedded backend ignores it.
type PoolConfig struct {
	MinSize        int           `yaml:"min_size"`        // Idle connections kept warm.
	MaxSize        int           `yaml:"max_size"`        // Hard cap on leased connections.
	IdleTimeout    time.Duration `yaml:"idle_timeout"`    // Idle connections above MinSize are closed after this.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"` // Bounded wait before PoolExhausted.
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
}

// RetryConfig controls how Connect retries an unreachable server.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
	Factor   float64       `yaml:"factor"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Type     string      `yaml:"type"`     // Backend kind name (e.g., "Embedded", "PooledA", "postgres").
	Host     string      `yaml:"host"`     // Database host address.
	Port     int         `yaml:"port"`     // Database port number.
	Database string      `yaml:"database"` // Database name, or the SQLite file path for the Embedded backend.
	User     string      `yaml:"user"`
	Password string      `yaml:"password"`
	Sslmode  string      `yaml:"sslmode"`
	Pool     PoolConfig  `yaml:"pool"`
	Retry    RetryConfig `yaml:"retry"`
	// BulkChunkSize is the number of rows per INSERT statement in BulkInsert.
	BulkChunkSize int `yaml:"bulk_chunk_size"`
}

// WithResource returns a copy of c that targets database name and logs in as user/password.
// It is used to derive the configuration of a scoped adapter for an ephemeral resource.
func (c DatabaseConfig) WithResource(name, user, password string) DatabaseConfig {
	scoped := c
	scoped.Database = name
	if user != "" {
		scoped.User = user
		scoped.Password = password
	}
	return scoped
}

// Redacted returns a copy of c with the password masked, suitable for logs and snapshots.
func (c DatabaseConfig) Redacted() DatabaseConfig {
	r := c
	if r.Password != "" {
		r.Password = "********"
	}
	return r
}
