package sqlite

import (
	"go.uber.org/fx"

	gormadapter "github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/gorm"
)

// Module contributes the SQLite dialect to the dialect group.
var Module = fx.Options(
	fx.Provide(
		fx.Annotate(
			NewDialect,
			fx.As(new(gormadapter.Dialect)),
			fx.ResultTags(gormadapter.DialectGroup),
		),
	),
)
