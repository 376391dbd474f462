// Command server runs the fraud scoring API.
package main

import (
	"context"
	"os"

	"github.com/kshalu/fraudscope/internal/config"
	"github.com/kshalu/fraudscope/internal/logging"
	"github.com/kshalu/fraudscope/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	bootLogger := logging.New("info", "text")
	bootLogger.Info("starting fraudscope",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Environment,
		"model", cfg.Model.Version,
		"policy", cfg.Policy.Version,
		"audit_streams", cfg.Audit.Chain.Streams,
	)

	ctx := context.Background()
	app, err := server.NewApp(ctx, cfg, Version, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}

	if err := server.New(app, Version).Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
