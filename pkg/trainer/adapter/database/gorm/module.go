package gorm

import (
	"go.uber.org/fx"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database"
)

// Module provides the backend factory. Dialects come from the sqlite, mysql
// and postgres sub-modules.
var Module = fx.Options(
	fx.Provide(
		fx.Annotate(
			NewFactory,
			fx.As(fx.Self()),
			fx.As(new(database.Factory)),
		),
	),
)
