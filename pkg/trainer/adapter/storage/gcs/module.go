package gcs

import (
	"go.uber.org/fx"

	storageAdapter "github.com/tigerroll/ephemeral/pkg/trainer/adapter/storage"
)

// Module is the Fx module for the Cloud Storage adapter.
var Module = fx.Options(
	fx.Provide(fx.Annotate(
		NewGCSProvider,
		fx.As(new(storageAdapter.StorageProvider)),
		fx.ResultTags(storageAdapter.ProviderGroup),
	)),
)
