package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tapwire/tapwire/internal/capture"
	"github.com/tapwire/tapwire/internal/config"
	"github.com/tapwire/tapwire/internal/fanout"
	"github.com/tapwire/tapwire/internal/proxy"
	"github.com/tapwire/tapwire/internal/server"
	"github.com/tapwire/tapwire/internal/storage/sqlite"
	"github.com/tapwire/tapwire/internal/telemetry"
)

const version = "1.0.0"

// subscriberBuffer is the per-subscriber outbound queue size.
const subscriberBuffer = 256

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level := slog.LevelInfo
	if cfg.Capture.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer("tapwire", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	captureLog, err := capture.OpenLog(cfg.Capture.DataDir)
	if err != nil {
		log.Fatalf("Failed to open capture log: %v", err)
	}

	hub := fanout.NewHub(subscriberBuffer, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var archive *sqlite.Archive
	if cfg.Storage.Type == "sqlite" {
		path := cfg.Storage.SQLite.Path
		if path == "" {
			path = filepath.Join(cfg.Capture.DataDir, "captures.db")
		}
		archive, err = sqlite.Open(path, logger)
		if err != nil {
			log.Fatalf("Failed to open capture archive: %v", err)
		}
		go archive.Run(ctx, hub.Subscribe())
		logger.Info("capture archive enabled", slog.String("path", path))
	}

	upstream := proxy.NewUpstream(
		proxy.WithConnectTimeout(cfg.Upstream.ConnectTimeout),
		proxy.WithReadTimeout(cfg.Upstream.ReadTimeout),
	)
	forwarder := proxy.NewForwarder(upstream, captureLog, hub, logger)

	srv := server.New(cfg.Server.Port, forwarder, captureLog, hub, logger, version)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	logger.Info("tapwire started",
		slog.Int("port", cfg.Server.Port),
		slog.String("upstream", proxy.DefaultUpstreamHost),
		slog.String("capture_log", captureLog.Path()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}

	hub.Close()
	if archive != nil {
		if err := archive.Close(); err != nil {
			logger.Error("failed to close archive", slog.String("error", err.Error()))
		}
	}
	if err := captureLog.Close(); err != nil {
		logger.Error("failed to close capture log", slog.String("error", err.Error()))
	}

	logger.Info("shutdown complete")
}
