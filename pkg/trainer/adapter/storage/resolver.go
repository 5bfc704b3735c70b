package storage

import (
	"context"
	"fmt"

	"go.uber.org/fx"

	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

// Provider types.
const (
	TypeLocal = "local"
	TypeGCS   = "gcs"
)

// ProviderGroup is the fx value group that collects StorageProviders.
const ProviderGroup = `group:"storage_providers"`

// ResolverParams collects every registered StorageProvider.
type ResolverParams struct {
	fx.In
	Providers []StorageProvider `group:"storage_providers"`
}

// Resolver picks the provider of a location.
type Resolver struct {
	providers map[string]StorageProvider
}

// NewResolver indexes the providers by type.
func NewResolver(p ResolverParams) *Resolver {
	r := &Resolver{providers: make(map[string]StorageProvider, len(p.Providers))}
	for _, provider := range p.Providers {
		if _, dup := r.providers[provider.Type()]; dup {
			logger.Warnf("Storage provider '%s' registered twice; keeping the last one.", provider.Type())
		}
		r.providers[provider.Type()] = provider
	}
	return r
}

// Resolve parses path and opens a connection that can reach it. The caller
// closes the connection.
func (r *Resolver) Resolve(ctx context.Context, path string) (StorageConnection, Location, error) {
	loc, err := ParseLocation(path)
	if err != nil {
		return nil, Location{}, err
	}
	typ := TypeLocal
	if loc.IsRemote() {
		typ = TypeGCS
	}
	provider, ok := r.providers[typ]
	if !ok {
		return nil, loc, exception.Newf(exception.ErrConfiguration, "storage", "no storage provider for %s", loc)
	}
	conn, err := provider.Open(ctx, loc)
	if err != nil {
		return nil, loc, fmt.Errorf("open %s storage for %s: %w", typ, loc, err)
	}
	return conn, loc, nil
}
