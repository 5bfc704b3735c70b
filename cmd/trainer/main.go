package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "embed"

	"github.com/umputun/go-flags"

	"github.com/tigerroll/ephemeral/internal/app"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/config"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

// embeddedConfig is the default configuration, overridden by --config and the environment.
//
//go:embed resources/application.yaml
var embeddedConfig []byte

var opts struct {
	ConfigFile string `short:"c" long:"config" env:"TRAINER_CONFIG" description:"configuration file merged over the defaults"`
	EnvFile    string `long:"env-file" env:"ENV_FILE_PATH" default:".env" description:"dotenv file loaded before the environment"`
}

func main() {
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Warnf("Received signal '%v'. Aborting the training run...", sig)
		cancel()
	}()

	code := app.RunApplication(ctx, app.Options{
		EnvFilePath:    opts.EnvFile,
		ConfigFilePath: opts.ConfigFile,
		EmbeddedConfig: config.EmbeddedConfig(embeddedConfig),
	})
	cancel()
	os.Exit(code)
}
