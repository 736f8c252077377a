package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"supply-agent/handler"
	"supply-agent/internal/app"
	"supply-agent/internal/config"
	"supply-agent/internal/logging"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(config.New(), os.Getenv(config.EnvPrefix+"_CONFIG"))
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level, "json")
	slog.SetDefault(logger)

	// ---- Clients ----
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "err", err)
		os.Exit(1)
	}
	replies, err := a.Replies(ctx)
	if err != nil {
		logger.Error("failed to create reply service", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(replies, logger)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
