package logger

import "go.uber.org/fx"

// Module replaces the default fx event logger with the leveled logger.
var Module = fx.Options(
	fx.WithLogger(NewFxLoggerAdapter),
)
