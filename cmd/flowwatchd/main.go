package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/flowwatch/flowwatch/internal/app"
	"github.com/flowwatch/flowwatch/internal/config"
	"github.com/flowwatch/flowwatch/internal/telemetry"
)

func main() {
	cfg := config.Load()

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := telemetry.InitTracer()
	if err != nil {
		logger.Warn("tracer initialization failed, continuing without tracing", "error", err)
	} else {
		defer shutdownTracer(context.Background())
	}

	logger.Info("flowwatchd starting", "source", cfg.SourceKind, "path", cfg.SourcePath)

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("flowwatchd: bootstrap failed", "error", err)
		os.Exit(1)
	}

	if err := application.Run(ctx); err != nil {
		logger.Error("flowwatchd: exited with error", "error", err)
		os.Exit(1)
	}
}
