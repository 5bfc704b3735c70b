package config

import "go.uber.org/fx"

// NewTrainerConfigProvider exposes the "trainer" section on its own.
func NewTrainerConfigProvider(cfg *Config) *TrainerConfig {
	return &cfg.Trainer
}

// NewLoggingConfigProvider extracts and provides *LoggingConfig from *Config.
func NewLoggingConfigProvider(cfg *Config) *LoggingConfig {
	return &cfg.Trainer.Logging
}

// Module provides configuration-related components to Fx.
var Module = fx.Options(
	fx.Provide(func() EnvironmentExpander {
		return NewOsEnvironmentExpander()
	}),
	fx.Provide(NewConfigProvider),
	fx.Provide(NewTrainerConfigProvider),
	fx.Provide(NewLoggingConfigProvider),
)
