package temporal

import (
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/brojonat/dmtrace/service/metrics"
)

// WorkerConfig contains configuration for the Temporal worker.
type WorkerConfig struct {
	// Temporal connection settings
	TemporalHost      string
	TemporalNamespace string
	TaskQueue         string

	// Dependencies
	Store        StoreInterface
	SolanaClient SolanaClientInterface
	Recording    RecordingConfig
	Metrics      *metrics.Metrics // Optional: if nil, no metrics will be recorded
	Logger       *slog.Logger
}

// Worker wraps a Temporal worker and provides lifecycle management.
type Worker struct {
	client client.Client
	worker worker.Worker
	logger *slog.Logger
}

// NewWorker connects to Temporal and registers the tracing workflow and activities
// on the configured task queue.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Recording.Open == nil {
		return nil, fmt.Errorf("worker requires a batch sink opener")
	}

	logger := config.Logger.With("component", "temporal_worker")

	c, err := client.Dial(client.Options{
		HostPort:  config.TemporalHost,
		Namespace: config.TemporalNamespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal: %w", err)
	}

	// Batch numbers come from the catalog, so concurrent activities on one
	// shard would race for the same number.
	w := worker.New(c, config.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     1,
		MaxConcurrentWorkflowTaskExecutionSize: 10,
	})

	w.RegisterWorkflow(TraceAddressWorkflow)

	activities := NewActivities(
		config.Store,
		config.SolanaClient,
		config.Recording,
		config.Metrics,
		logger,
	)
	w.RegisterActivity(activities.ListNewSignatures)
	w.RegisterActivity(activities.RecordBatch)
	w.RegisterActivity(activities.AdvanceCursor)

	logger.Info("registered workflow and activities",
		"workflow", "TraceAddressWorkflow",
		"activities", []string{"ListNewSignatures", "RecordBatch", "AdvanceCursor"},
	)

	return &Worker{
		client: c,
		worker: w,
		logger: logger,
	}, nil
}

// Start begins processing workflows and activities.
// This method blocks until Stop is called or an error occurs.
func (w *Worker) Start() error {
	w.logger.Info("starting temporal worker")
	if err := w.worker.Run(worker.InterruptCh()); err != nil {
		return fmt.Errorf("worker stopped with error: %w", err)
	}
	w.logger.Info("worker stopped gracefully")
	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	w.worker.Stop()
	w.client.Close()
}
