package postgres

import (
	"go.uber.org/fx"

	gormadapter "github.com/tigerroll/ephemeral/pkg/trainer/adapter/database/gorm"
)

// Module contributes the PostgreSQL dialect to the dialect group.
var Module = fx.Options(
	fx.Provide(
		fx.Annotate(
			NewDialect,
			fx.As(new(gormadapter.Dialect)),
			fx.ResultTags(gormadapter.DialectGroup),
		),
	),
)
