package storage

import "go.uber.org/fx"

// Module provides the Resolver over every registered StorageProvider.
var Module = fx.Options(
	fx.Provide(NewResolver),
)
