package database

import (
	"fmt"
	"strings"
)

// BackendKind identifies one of the interchangeable storage engines.
type BackendKind string

const (
	// Embedded is the in-process SQLite store. It has no pool and one exclusive handle.
	Embedded BackendKind = "Embedded"
	// PooledA is the networked MySQL store.
	PooledA BackendKind = "PooledA"
	// PooledB is the networked PostgreSQL store.
	PooledB BackendKind = "PooledB"
)

// ParseBackendKind accepts the kind names and the engine aliases sqlite, mysql and postgres.
func ParseBackendKind(s string) (BackendKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "embedded", "sqlite", "sqlite3":
		return Embedded, nil
	case "pooleda", "mysql":
		return PooledA, nil
	case "pooledb", "postgres", "postgresql":
		return PooledB, nil
	}
	return "", fmt.Errorf("unknown backend kind %q (want Embedded, PooledA or PooledB)", s)
}

// Networked reports whether the kind is served by a connection pool and scoped credentials.
func (k BackendKind) Networked() bool {
	return k == PooledA || k == PooledB
}

// Engine returns the underlying engine name, also used to pick migration drivers.
func (k BackendKind) Engine() string {
	switch k {
	case Embedded:
		return "sqlite"
	case PooledA:
		return "mysql"
	case PooledB:
		return "postgres"
	}
	return ""
}

// String returns the string representation of the BackendKind.
func (k BackendKind) String() string {
	return string(k)
}
