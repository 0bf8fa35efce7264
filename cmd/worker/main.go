package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brojonat/dmtrace/service/config"
	"github.com/brojonat/dmtrace/service/db"
	"github.com/brojonat/dmtrace/service/metrics"
	natspkg "github.com/brojonat/dmtrace/service/nats"
	"github.com/brojonat/dmtrace/service/notify"
	"github.com/brojonat/dmtrace/service/solana"
	"github.com/brojonat/dmtrace/service/temporal"
)

func main() {
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting temporal worker",
		"temporal_host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
		"shard", cfg.Shard,
		"batch_files_path", cfg.BatchFilesPath,
	)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required for cursors and batch numbering")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	store := db.NewStore(dbPool)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Error("failed to prepare batch catalog", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("starting metrics HTTP server", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}()

	solanaClient := solana.NewClient(
		solana.NewRPCClient(cfg.SolanaRPCURL),
		solana.EndpointLabel(cfg.SolanaRPCURL),
		m,
		logger,
	).WithMaxRetries(cfg.SolanaMaxRetries).WithTimeout(cfg.SolanaRPCTimeout)

	// The worker catalogs batches itself; NATS announcements are optional.
	var publishers []notify.Publisher
	if cfg.NATSURL != "" {
		natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, m, logger)
		if err != nil {
			logger.Error("failed to create NATS publisher", "error", err)
			os.Exit(1)
		}
		defer natsPublisher.Close()
		publishers = append(publishers, natsPublisher)
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	}

	worker, err := temporal.NewWorker(temporal.WorkerConfig{
		TemporalHost:      cfg.TemporalHost,
		TemporalNamespace: cfg.TemporalNamespace,
		TaskQueue:         cfg.TemporalTaskQueue,
		Store:             store,
		SolanaClient:      solanaClient,
		Recording: temporal.RecordingConfig{
			Shard:      cfg.Shard,
			Open:       cfg.ExclusiveBatchOpener(),
			Marker:     os.Stdout,
			Publishers: publishers,
		},
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to create temporal worker", "error", err)
		os.Exit(1)
	}

	workerErrors := make(chan error, 1)
	go func() {
		workerErrors <- worker.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-workerErrors:
		logger.Error("temporal worker error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
		worker.Stop()
		logger.Info("shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
// Logs go to stderr; stdout carries completion markers.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
