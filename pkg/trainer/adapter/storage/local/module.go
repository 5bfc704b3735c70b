package local

import (
	"go.uber.org/fx"

	storageAdapter "github.com/tigerroll/ephemeral/pkg/trainer/adapter/storage"
)

// Module is the Fx module for the Local storage adapter.
var Module = fx.Options(
	fx.Provide(fx.Annotate(
		NewLocalProvider,
		fx.As(new(storageAdapter.StorageProvider)),
		fx.ResultTags(storageAdapter.ProviderGroup),
	)),
)
