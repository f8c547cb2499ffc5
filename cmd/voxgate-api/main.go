package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voxgate/internal/config"
	"voxgate/internal/engine"
	"voxgate/internal/httpapi"
	"voxgate/internal/observability"
	"voxgate/internal/transcribe"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	metrics := observability.NewMetrics()

	factory := engine.NewFasterWhisperFactory(engine.WorkerOptions{
		Python: cfg.PythonBin,
		Logger: logger,
	})
	cache := engine.NewCache(factory, logger, engine.WithLoadObserver(func(c engine.Config) {
		metrics.ObserveEngineLoad(c.ModelSize, c.Device, c.ComputeType)
	}))
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Warn("closing engine cache", "error", err)
		}
	}()

	transcriber := transcribe.New(cache, logger,
		cfg.DefaultModel, cfg.Device, cfg.ComputeType, cfg.MaxUploadBytes,
		transcribe.WithObserver(metrics.ObserveTranscription),
	)

	handler := httpapi.NewServer(cfg, logger, httpapi.Dependencies{
		Transcriber:    transcriber,
		Metrics:        metrics,
		MetricsHandler: metrics.Handler(),
	})

	// Warm the default model so the first request does not pay the load cost.
	// Failure is non-fatal; the first request triggers a lazy load instead.
	go func() {
		if _, err := cache.Acquire(engine.Config{
			ModelSize:   cfg.DefaultModel,
			Device:      cfg.Device,
			ComputeType: cfg.ComputeType,
		}); err != nil {
			logger.Warn("engine warm-up failed, will load on first request", "model", cfg.DefaultModel, "error", err)
			return
		}
		logger.Info("engine warmed", "model", cfg.DefaultModel)
	}()

	// No read/write timeouts on the bodies: uploads and inference on large
	// recordings can legitimately outlast any fixed cap.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server exited", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn", "warning":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel}))
}
