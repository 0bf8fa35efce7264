package temporal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	solanago "github.com/gagliardetto/solana-go"

	"github.com/brojonat/dmtrace/service/db"
	"github.com/brojonat/dmtrace/service/metrics"
	"github.com/brojonat/dmtrace/service/notify"
	"github.com/brojonat/dmtrace/service/recorder"
	"github.com/brojonat/dmtrace/service/sink"
	"github.com/brojonat/dmtrace/service/solana"
)

// DefaultSignatureLimit bounds how many signatures one workflow run traces.
const DefaultSignatureLimit = 100

// TraceAddressInput contains the input parameters for tracing an address.
type TraceAddressInput struct {
	Address string `json:"address"`
	Limit   int    `json:"limit"`
}

// TraceAddressResult summarizes one workflow run.
type TraceAddressResult struct {
	Address      string    `json:"address"`
	Signatures   int       `json:"signatures"`
	BatchNumber  uint64    `json:"batch_number,omitempty"`
	Path         string    `json:"path,omitempty"`
	Transactions int       `json:"transactions"`
	Quarantined  int       `json:"quarantined"`
	Skipped      int       `json:"skipped"`
	Cursor       string    `json:"cursor,omitempty"`
	TraceTime    time.Time `json:"trace_time"`
	Error        *string   `json:"error,omitempty"`
}

// ListNewSignaturesInput contains parameters for the ListNewSignatures activity.
type ListNewSignaturesInput struct {
	Address string `json:"address"`
	Limit   int    `json:"limit"`
}

// ListNewSignaturesResult holds signatures newer than the stored cursor, oldest first.
type ListNewSignaturesResult struct {
	Signatures []string `json:"signatures"`
	Cursor     string   `json:"cursor,omitempty"`
}

// RecordBatchInput contains parameters for the RecordBatch activity.
type RecordBatchInput struct {
	Address    string   `json:"address"`
	Signatures []string `json:"signatures"`
}

// RecordBatchResult describes the batch written by RecordBatch.
// BatchNumber is zero when nothing was recorded.
type RecordBatchResult struct {
	BatchNumber  uint64 `json:"batch_number,omitempty"`
	Path         string `json:"path,omitempty"`
	Bytes        int64  `json:"bytes"`
	Transactions int    `json:"transactions"`
	Quarantined  int    `json:"quarantined"`
	Skipped      int    `json:"skipped"`
}

// AdvanceCursorInput contains parameters for the AdvanceCursor activity.
type AdvanceCursorInput struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

// StoreInterface defines the database operations needed by activities.
type StoreInterface interface {
	GetCursor(ctx context.Context, address string) (string, error)
	SetCursor(ctx context.Context, address, signature string) error
	ReserveBatchNumber(ctx context.Context, shard int) (uint64, error)
	UpsertBatch(ctx context.Context, params db.UpsertBatchParams) (*db.Batch, error)
}

// SolanaClientInterface defines the Solana operations needed by activities.
type SolanaClientInterface interface {
	SignaturesSince(ctx context.Context, address solanago.PublicKey, until solanago.Signature, limit int) ([]solanago.Signature, error)
	FetchTransaction(ctx context.Context, sig solanago.Signature) (*solana.FetchedTransaction, error)
}

// RecordingConfig controls where scheduled batches are written.
type RecordingConfig struct {
	Shard int
	Open  sink.Opener
	// Marker receives completion markers. Nil discards them.
	Marker     io.Writer
	Publishers []notify.Publisher
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	store        StoreInterface
	solanaClient SolanaClientInterface
	recording    RecordingConfig
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(
	store StoreInterface,
	solanaClient SolanaClientInterface,
	recording RecordingConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	if recording.Marker == nil {
		recording.Marker = io.Discard
	}
	return &Activities{
		store:        store,
		solanaClient: solanaClient,
		recording:    recording,
		metrics:      m,
		logger:       logger,
	}
}

// ListNewSignatures returns the signatures touching an address since its cursor.
func (a *Activities) ListNewSignatures(ctx context.Context, input ListNewSignaturesInput) (result *ListNewSignaturesResult, err error) {
	defer a.recordDuration("ListNewSignatures", time.Now(), &err)

	address, err := solanago.PublicKeyFromBase58(input.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", input.Address, err)
	}

	limit := input.Limit
	if limit <= 0 {
		limit = DefaultSignatureLimit
	}

	var until solanago.Signature
	cursor, err := a.store.GetCursor(ctx, input.Address)
	switch {
	case errors.Is(err, db.ErrCursorNotFound):
		a.logger.DebugContext(ctx, "no cursor yet, starting from recent history", "address", input.Address)
	case err != nil:
		return nil, err
	default:
		until, err = solanago.SignatureFromBase58(cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor %q for %s: %w", cursor, input.Address, err)
		}
	}

	sigs, err := a.solanaClient.SignaturesSince(ctx, address, until, limit)
	if err != nil {
		return nil, err
	}

	result = &ListNewSignaturesResult{
		Signatures: make([]string, 0, len(sigs)),
		Cursor:     cursor,
	}
	for _, s := range sigs {
		result.Signatures = append(result.Signatures, s.String())
	}

	a.logger.InfoContext(ctx, "listed new signatures",
		"address", input.Address,
		"count", len(sigs),
		"cursor", cursor,
	)
	return result, nil
}

// RecordBatch replays the given transactions into a newly reserved batch for the shard
// and catalogs it. Transactions that are missing or malformed are skipped.
func (a *Activities) RecordBatch(ctx context.Context, input RecordBatchInput) (result *RecordBatchResult, err error) {
	defer a.recordDuration("RecordBatch", time.Now(), &err)

	// Every attempt reserves a fresh number. A retry after a failed catalog write
	// must not reopen a path whose marker was already written.
	number, err := a.store.ReserveBatchNumber(ctx, a.recording.Shard)
	if err != nil {
		return nil, err
	}

	rec, err := recorder.New(recorder.Options{
		BatchNumber: number,
		Shard:       a.recording.Shard,
		Open:        a.recording.Open,
		Marker:      a.recording.Marker,
		Publishers:  a.recording.Publishers,
		Metrics:     a.metrics,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, err
	}

	result = &RecordBatchResult{}
	for _, s := range input.Signatures {
		sig, err := solanago.SignatureFromBase58(s)
		if err != nil {
			a.logger.WarnContext(ctx, "invalid signature, skipping", "signature", s, "error", err)
			result.Skipped++
			continue
		}

		fetched, err := a.solanaClient.FetchTransaction(ctx, sig)
		if errors.Is(err, solana.ErrTransactionNotFound) {
			a.logger.WarnContext(ctx, "transaction not found, skipping", "signature", s)
			result.Skipped++
			continue
		}
		if err != nil {
			rec.Discard()
			return nil, err
		}

		if err := solana.Replay(rec, fetched.Transaction, fetched.Meta); err != nil {
			a.logger.WarnContext(ctx, "transaction not replayed", "signature", s, "error", err)
			result.Skipped++
			continue
		}
	}

	if a.metrics != nil {
		a.metrics.RecordTracedSignatures("skipped", result.Skipped)
	}

	if rec.Pending() == 0 {
		a.logger.InfoContext(ctx, "nothing to record", "address", input.Address, "skipped", result.Skipped)
		return result, nil
	}

	flushed, err := rec.Flush(ctx)
	if err != nil {
		rec.Discard()
		return nil, err
	}

	_, err = a.store.UpsertBatch(ctx, db.UpsertBatchParams{
		Shard:        a.recording.Shard,
		BatchNumber:  flushed.BatchNumber,
		Path:         flushed.Path,
		Transactions: flushed.Transactions,
		Quarantined:  len(flushed.Quarantined),
		Bytes:        flushed.Bytes,
		FlushedAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to catalog batch %d: %w", flushed.BatchNumber, err)
	}

	result.BatchNumber = flushed.BatchNumber
	result.Path = flushed.Path
	result.Bytes = flushed.Bytes
	result.Transactions = flushed.Transactions
	result.Quarantined = len(flushed.Quarantined)

	if a.metrics != nil {
		a.metrics.RecordTracedSignatures("recorded", flushed.Transactions)
	}

	a.logger.InfoContext(ctx, "recorded batch",
		"address", input.Address,
		"batch", flushed.BatchNumber,
		"path", flushed.Path,
		"transactions", flushed.Transactions,
		"quarantined", len(flushed.Quarantined),
		"skipped", result.Skipped,
	)
	return result, nil
}

// AdvanceCursor stores the newest traced signature for an address.
func (a *Activities) AdvanceCursor(ctx context.Context, input AdvanceCursorInput) (err error) {
	defer a.recordDuration("AdvanceCursor", time.Now(), &err)

	if _, err := solanago.SignatureFromBase58(input.Signature); err != nil {
		return fmt.Errorf("invalid cursor signature %q: %w", input.Signature, err)
	}
	if err := a.store.SetCursor(ctx, input.Address, input.Signature); err != nil {
		return err
	}
	a.logger.DebugContext(ctx, "cursor advanced", "address", input.Address, "signature", input.Signature)
	return nil
}

func (a *Activities) recordDuration(activity string, start time.Time, err *error) {
	if a.metrics == nil {
		return
	}
	a.metrics.RecordActivityDuration(activity, time.Since(start).Seconds(), *err)
}
