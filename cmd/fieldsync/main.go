// Command fieldsync is an offline-first sync gateway for the fleet
// maintenance app. It fronts the application origin with a caching router
// and keeps field edits queued until connectivity returns.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/wolfeidau/fieldsync/server"
	"github.com/wolfeidau/fieldsync/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Parse flags
	var (
		address      = flag.String("address", ":8080", "Address to listen on")
		dbPath       = flag.String("db", "./fieldsync.db", "Durable store database path")
		origin       = flag.String("origin", "http://localhost:3000", "Application origin URL")
		fleetAPI     = flag.String("fleet-api", "http://localhost:4000", "Fleet API base URL")
		fleetToken   = flag.String("fleet-token", "", "Fleet API bearer token")
		adminToken   = flag.String("admin-token", "", "Bearer token protecting the sync control endpoints")
		cacheVersion = flag.String("cache-version", "v1", "Shell cache version, bump on each release")
		quota        = flag.Int64("quota", 512*1024*1024, "Durable store quota in bytes")
		preload      = flag.Bool("preload", true, "Run a preload pass on startup")
		otlpEndpoint = flag.String("otlp-endpoint", "", "OTLP gRPC endpoint for metrics (empty to disable)")
		promMetrics  = flag.Bool("prometheus", true, "Expose Prometheus metrics on /metrics")
		logLevel     = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		logFormat    = flag.String("log-format", "text", "Log format (text, json)")
	)
	flag.Parse()

	// Setup logger
	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level: %s", *logLevel)
	}

	var handler slog.Handler
	switch *logFormat {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return fmt.Errorf("invalid log format: %s", *logFormat)
	}
	logger := slog.New(handler)

	// Setup metrics
	shutdownMetrics, err := telemetry.InitMetrics(context.Background(), telemetry.MetricsConfig{
		ServiceName:      "fieldsync",
		OTLPEndpoint:     *otlpEndpoint,
		EnablePrometheus: *promMetrics,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	// Create server
	cfg := server.Config{
		Address:        *address,
		DBPath:         *dbPath,
		OriginURL:      *origin,
		FleetAPIURL:    *fleetAPI,
		FleetAPIToken:  *fleetToken,
		AdminToken:     *adminToken,
		CacheVersion:   *cacheVersion,
		StorageQuota:   *quota,
		PreloadOnStart: *preload,
		Logger:         logger,
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Handle shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	// Start server in goroutine; Start logs once the listener is up
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for shutdown or error
	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		err := srv.Shutdown(shutdownCtx)
		if metricsErr := shutdownMetrics(shutdownCtx); metricsErr != nil && err == nil {
			err = metricsErr
		}
		return err
	case err := <-errCh:
		return err
	}
}
