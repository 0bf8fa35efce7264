package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/dmtrace/service/metrics"
	"github.com/brojonat/dmtrace/service/notify"
)

// CatalogPublisher records batch-ready events in the batch catalog.
// It implements notify.Publisher.
type CatalogPublisher struct {
	store   *Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ notify.Publisher = (*CatalogPublisher)(nil)

// NewCatalogPublisher creates a publisher writing to store.
func NewCatalogPublisher(store *Store, m *metrics.Metrics, logger *slog.Logger) *CatalogPublisher {
	return &CatalogPublisher{store: store, metrics: m, logger: logger}
}

// Name identifies the publisher in metrics.
func (p *CatalogPublisher) Name() string {
	return "postgres"
}

// PublishBatch upserts the batch into the catalog.
func (p *CatalogPublisher) PublishBatch(ctx context.Context, event *notify.BatchReady) error {
	start := time.Now()
	_, err := p.store.UpsertBatch(ctx, UpsertBatchParams{
		Shard:        event.Shard,
		BatchNumber:  event.BatchNumber,
		Path:         event.Path,
		Transactions: event.Transactions,
		Quarantined:  event.Quarantined,
		Bytes:        event.Bytes,
		FlushedAt:    event.FlushedAt,
	})
	if p.metrics != nil {
		p.metrics.RecordDBQuery("upsert", "dmlog_batches", time.Since(start).Seconds(), err)
	}
	if err != nil {
		return fmt.Errorf("failed to catalog batch %d: %w", event.BatchNumber, err)
	}
	p.logger.DebugContext(ctx, "batch cataloged", "batch", event.BatchNumber, "shard", event.Shard)
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (p *CatalogPublisher) Close() error {
	return nil
}
