// cmd/efbsyncd/main.go
// Package main implements the entry point for the EFB sync service.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skymanuals/skymanuals-efb-go/internal/chunkstore"
	"github.com/skymanuals/skymanuals-efb-go/internal/classify"
	"github.com/skymanuals/skymanuals-efb-go/internal/config"
	"github.com/skymanuals/skymanuals-efb-go/internal/conflict"
	"github.com/skymanuals/skymanuals-efb-go/internal/delta"
	"github.com/skymanuals/skymanuals-efb-go/internal/event"
	"github.com/skymanuals/skymanuals-efb-go/internal/model"
	"github.com/skymanuals/skymanuals-efb-go/internal/planner"
	"github.com/skymanuals/skymanuals-efb-go/internal/policy"
	"github.com/skymanuals/skymanuals-efb-go/internal/server"
	"github.com/skymanuals/skymanuals-efb-go/internal/storage"
	"github.com/skymanuals/skymanuals-efb-go/internal/telemetry"
)

// main is the entry point for the EFB sync service.
// It initializes all components, starts the HTTP server and the cache
// janitor, and handles graceful shutdown.
func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	_, err = telemetry.InitTracer("efb-sync-service")
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		// Shutdown the tracer provider
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Initialize storage backend (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		// Use PostgreSQL storage for production
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		// Use in-memory storage for development/testing
		store = storage.NewMemory()
	}

	// Initialize the chunk blob backend (S3-compatible or in-memory)
	var objects chunkstore.ObjectStore
	if cfg.S3Bucket != "" {
		objects, err = chunkstore.NewS3Store(cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			logger.Error("failed to initialize S3 object store", "error", err)
			os.Exit(1)
		}
	} else {
		objects = chunkstore.NewMemoryObjects()
	}
	chunks := chunkstore.New(objects, store, cfg.ChunkTTL)

	// Initialize audit publisher (NATS JetStream or no-op)
	pub := event.NewPublisher(cfg.NATSURL)
	defer pub.Close() // Ensure publisher is closed on exit
	auditor := event.NewAuditor(pub)
	defer auditor.Flush() // Drain in-flight audit events before the publisher closes

	// Initialize the device policy provider (platform API or static)
	var policies delta.PolicyProvider
	if cfg.PolicyURL != "" {
		policies = policy.New(cfg.PolicyURL)
	} else {
		policies = policy.NewStatic(nil, nil)
	}

	// Assemble the sync engine
	classifier := classify.NewKeywordClassifier(classify.DefaultTables())
	plannerCfg := planner.DefaultConfig()
	plannerCfg.Bandwidth = map[model.SyncScenario]float64{
		model.ScenarioEmergency:       cfg.BandwidthEmergencyMBps,
		model.ScenarioPreFlight:       cfg.BandwidthPreFlightMBps,
		model.ScenarioMidFlight:       cfg.BandwidthMidFlightMBps,
		model.ScenarioExtendedOffline: cfg.BandwidthExtendedOfflineMBps,
		model.ScenarioRoutine:         cfg.BandwidthRoutineMBps,
	}
	pl := planner.New(store, classifier, auditor, plannerCfg)
	det := delta.New(store, chunks, policies, classifier)
	res := conflict.New(store, auditor)

	// Create HTTP mux with all handlers and middleware
	mux := server.NewMux(store, pl, det, chunks, res, cfg.JWTIssuer, cfg.JWTAudience, cfg.MaxChunkBytes, nil, cfg.SchemaURL, cfg.RejectDeprecatedSchemas)

	// Start the cache janitor sweeping expired device chunks
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go chunkstore.NewJanitor(store, objects, cfg.SweepInterval).Run(janitorCtx)

	// Create HTTP server with timeout configuration
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,             // Server address
		Handler:           mux,              // Request handler
		ReadHeaderTimeout: 5 * time.Second,  // Header read timeout
		ReadTimeout:       30 * time.Second, // Read timeout (chunk uploads)
		WriteTimeout:      30 * time.Second, // Write timeout (chunk downloads)
		IdleTimeout:       60 * time.Second, // Keep-alive timeout
	}

	// Start server in a separate goroutine
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Handle graceful shutdown
	logger.Info("shutting down server")
	stopJanitor()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown HTTP server
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	// Close PostgreSQL storage if used
	if postgresStore, ok := store.(interface{ Close() }); ok {
		postgresStore.Close()
	}

	// Note: auditor.Flush() and pub.Close() are deferred above
	logger.Info("server exited")
}
