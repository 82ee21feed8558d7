// Command kmflow runs the synthesis engine as a long-lived worker process.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kmflow-ai/kmflow"
	"github.com/kmflow-ai/kmflow/internal/telemetry"
)

// version is stamped by the build.
var version = "dev"

func main() {
	// Local development convenience; missing .env is fine.
	_ = godotenv.Load()

	cfg, err := kmflow.LoadConfig()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTEL, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		logger.Error("init telemetry", "error", err)
		os.Exit(1)
	}

	engine, err := kmflow.New(ctx, cfg,
		kmflow.WithLogger(logger),
		kmflow.WithBlobStore(localBlobStore{}),
		kmflow.WithParser(paragraphParser{}),
		kmflow.WithExtractor(seedExtractor{}),
	)
	if err != nil {
		logger.Error("build engine", "error", err)
		os.Exit(1)
	}
	if err := engine.Start(ctx); err != nil {
		logger.Error("start engine", "error", err)
		os.Exit(1)
	}
	logger.Info("kmflow started", "version", version)

	<-ctx.Done()
	logger.Info("shutting down")

	shCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	engine.Shutdown(shCtx)
	if err := shutdownOTEL(shCtx); err != nil {
		logger.Warn("telemetry shutdown", "error", err)
	}
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
