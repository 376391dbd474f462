// Command consumer scores transactions from an SQS queue. Decisions are
// audited and published exactly as through the HTTP API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kshalu/fraudscope/internal/config"
	"github.com/kshalu/fraudscope/internal/ingest"
	"github.com/kshalu/fraudscope/internal/logging"
	"github.com/kshalu/fraudscope/internal/server"
)

var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.NewApp(ctx, cfg, Version, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer func() { _ = app.Close() }()

	client, err := ingest.NewClient(ctx, cfg.SQS, logger)
	if err != nil {
		logger.Error("failed to create sqs client", "error", err)
		os.Exit(1)
	}

	consumer := ingest.NewConsumer(client, app.Pipeline, ingest.ConsumerConfig{
		Workers:           cfg.SQS.Workers,
		MaxMessages:       cfg.SQS.MaxMessages,
		WaitTime:          cfg.SQS.WaitTime,
		VisibilityTimeout: cfg.SQS.VisibilityTimeout,
	}, logger)

	go app.Hub.Run(ctx)
	if err := consumer.Run(ctx); err != nil {
		logger.Error("consumer error", "error", err)
		os.Exit(1)
	}
}
