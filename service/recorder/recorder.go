// Package recorder buffers execution traces for a batch of transactions and
// flushes them as a single durable, length-framed batch file.
//
// A Recorder is driven by one engine goroutine and is not safe for concurrent use.
// Engines that execute transactions in parallel use one Recorder per stream.
//
// Typical use, one batch at a time:
//
//	rec, err := recorder.New(recorder.Options{
//		BatchNumber: n,
//		Open:        sink.FileOpener("/data", shard),
//	})
//	if err != nil {
//		return err
//	}
//	rec.StartTransaction(sigs, header, keys, blockhash)
//	rec.StartInstruction(program, accounts, data)
//	rec.RecordBalanceChange(payer, before, after)
//	rec.EndInstruction()
//	rec.EndTransaction()
//	result, err := rec.Flush(ctx)
//	if err != nil {
//		rec.Discard()
//		return err
//	}
//	rec.Reset(n + 1)
//
// Flush prints "DMLOG BATCH_FILE <path>" on stdout once the file is durable.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/brojonat/dmtrace/service/codec"
	"github.com/brojonat/dmtrace/service/legacy"
	"github.com/brojonat/dmtrace/service/metrics"
	"github.com/brojonat/dmtrace/service/notify"
	"github.com/brojonat/dmtrace/service/sink"
	"github.com/brojonat/dmtrace/service/trace"
)

// Options configures a Recorder.
type Options struct {
	// BatchNumber labels the first batch. It is not validated for order or uniqueness.
	BatchNumber uint64
	// Shard is reported in batch notifications.
	Shard int
	// Open acquires the output sink at flush time. Required.
	Open sink.Opener
	// Marker receives the completion marker line. Defaults to os.Stdout.
	Marker io.Writer
	// Publishers are notified after the marker has been written.
	Publishers []notify.Publisher
	// Legacy controls line-oriented diagnostic emission.
	Legacy  legacy.Emitter
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// FlushResult describes a successfully persisted batch.
type FlushResult struct {
	BatchNumber  uint64
	Path         string
	Bytes        int64
	Transactions int
	Quarantined  []Quarantine
	Duration     time.Duration
}

// Recorder records transactions into the current batch.
type Recorder struct {
	batchNumber uint64
	shard       int
	open        sink.Opener
	marker      io.Writer
	publishers  []notify.Publisher
	legacy      legacy.Emitter
	metrics     *metrics.Metrics
	logger      *slog.Logger

	sessions []*trace.Session
	current  *trace.Session
}

// New creates a Recorder for opts.BatchNumber.
func New(opts Options) (*Recorder, error) {
	if opts.Open == nil {
		return nil, fmt.Errorf("recorder requires a sink opener")
	}
	if opts.Marker == nil {
		opts.Marker = os.Stdout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Recorder{
		batchNumber: opts.BatchNumber,
		shard:       opts.Shard,
		open:        opts.Open,
		marker:      opts.Marker,
		publishers:  opts.Publishers,
		legacy:      opts.Legacy,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
	}, nil
}

// BatchNumber is the label of the batch currently being recorded.
func (r *Recorder) BatchNumber() uint64 {
	return r.batchNumber
}

// Pending is the number of transactions buffered in the current batch, including quarantined ones.
func (r *Recorder) Pending() int {
	return len(r.sessions)
}

// StartTransaction begins recording a transaction and makes it the active one.
// The previous transaction, if any, is finalized.
func (r *Recorder) StartTransaction(signatures []solana.Signature, header trace.MessageHeader, accountKeys []solana.PublicKey, recentBlockhash solana.Hash) error {
	r.finishCurrent()

	s, err := trace.NewSession(signatures, header, accountKeys, recentBlockhash)
	if err != nil {
		return r.protocolError("start_transaction", err)
	}
	r.current = s
	r.sessions = append(r.sessions, s)

	if r.metrics != nil {
		r.metrics.RecordTransaction("started", 1)
		r.metrics.SetPendingTransactions(len(r.sessions))
	}
	r.emitted(r.legacy.TrxStart(s.Transaction().ID, len(signatures), accountKeys, recentBlockhash))
	return nil
}

// EndTransaction finalizes the active transaction. It is optional: starting the next
// transaction or flushing has the same effect. Instructions left open are reported
// as an UnclosedFrames protocol error; the trace itself is kept.
func (r *Recorder) EndTransaction() error {
	s := r.active("end_transaction")
	if s == nil {
		return nil
	}
	r.current = nil
	if err := s.Finish(); err != nil {
		return r.protocolError("end_transaction", err)
	}
	return nil
}

// StartInstruction opens an instruction frame on the active transaction.
func (r *Recorder) StartInstruction(programID solana.PublicKey, accountKeys []solana.PublicKey, data []byte) trace.Frame {
	s := r.active("start_instruction")
	if s == nil {
		return trace.Frame{}
	}
	f := s.StartInstruction(programID, accountKeys, data)
	if r.metrics != nil {
		r.metrics.RecordInstruction()
	}
	r.emitted(r.legacy.InstStart(f.Ordinal, f.ParentOrdinal, f.Depth, programID, accountKeys, data))
	return f
}

// EndInstruction closes the innermost open instruction frame.
func (r *Recorder) EndInstruction() error {
	s := r.active("end_instruction")
	if s == nil {
		return nil
	}
	ordinal, err := s.EndInstruction()
	if err != nil {
		return r.protocolError("end_instruction", err)
	}
	r.emitted(r.legacy.InstEnd(ordinal))
	return nil
}

// RecordAccountChange records an account data change on the active instruction.
// Both buffers are copied before returning.
func (r *Recorder) RecordAccountChange(account solana.PublicKey, prior, next []byte) error {
	s := r.active("record_account_change")
	if s == nil {
		return nil
	}
	ordinal, err := s.RecordAccountChange(account, prior, next)
	if err != nil {
		return r.protocolError("record_account_change", err)
	}
	if r.metrics != nil {
		r.metrics.RecordChange("account")
	}
	r.emitted(r.legacy.AccountChange(ordinal, account, prior, next))
	return nil
}

// RecordBalanceChange records a lamport balance change on the active instruction.
func (r *Recorder) RecordBalanceChange(account solana.PublicKey, prior, next uint64) error {
	s := r.active("record_balance_change")
	if s == nil {
		return nil
	}
	ordinal, err := s.RecordBalanceChange(account, prior, next)
	if err != nil {
		return r.protocolError("record_balance_change", err)
	}
	if r.metrics != nil {
		r.metrics.RecordChange("balance")
	}
	r.emitted(r.legacy.BalanceChange(ordinal, account, prior, next))
	return nil
}

// RecordLog appends a program log message to the active transaction.
// A message that is not valid UTF-8 quarantines the transaction.
func (r *Recorder) RecordLog(msg string) {
	s := r.active("record_log")
	if s == nil {
		return
	}
	if err := s.RecordLog(msg); err != nil {
		r.protocolError("record_log", err)
		return
	}
	if r.metrics != nil {
		r.metrics.RecordChange("log")
	}
	r.emitted(r.legacy.Log(msg))
}

// Flush writes the current batch and drains it.
//
// Quarantined transactions are excluded and listed in the result. The file is
// synced to stable storage and closed before the completion marker is written;
// the marker is written exactly once, and only on success. Publishers are
// notified afterwards on a best-effort basis.
//
// On failure nothing is drained: the transactions stay pending so the caller can
// retry the flush or Discard them.
func (r *Recorder) Flush(ctx context.Context) (*FlushResult, error) {
	start := time.Now()
	// An unfinished transaction is finalized, and quarantined if frames are still open
	r.finishCurrent()

	// Split clean traces from poisoned ones
	batch := &trace.Batch{Number: r.batchNumber}
	var quarantined []Quarantine
	for _, s := range r.sessions {
		if err := s.Err(); err != nil {
			quarantined = append(quarantined, Quarantine{Transaction: s.Transaction().ID, Err: err})
			continue
		}
		batch.Transactions = append(batch.Transactions, s.Transaction())
	}

	// Encode, write, sync and close; only then announce the file
	path, n, err := r.writeBatch(batch)
	if err == nil {
		err = r.writeMarker(path, n)
	}
	if err != nil {
		r.flushFailed(err, time.Since(start))
		return nil, err
	}

	// The batch is durable and announced; drain it
	r.sessions = nil
	result := &FlushResult{
		BatchNumber:  r.batchNumber,
		Path:         path,
		Bytes:        n,
		Transactions: len(batch.Transactions),
		Quarantined:  quarantined,
		Duration:     time.Since(start),
	}

	for _, q := range quarantined {
		r.logger.WarnContext(ctx, "transaction quarantined",
			"batch", r.batchNumber,
			"transaction", q.Transaction.String(),
			"error", q.Err,
		)
	}
	if r.metrics != nil {
		r.metrics.RecordFlush("", result.Duration.Seconds(), nil)
		r.metrics.RecordBatchWritten(result.Transactions, n)
		r.metrics.RecordTransaction("flushed", result.Transactions)
		r.metrics.RecordTransaction("quarantined", len(quarantined))
		r.metrics.RecordQuarantined(len(quarantined))
		r.metrics.SetPendingTransactions(0)
	}
	r.logger.InfoContext(ctx, "batch flushed",
		"batch", r.batchNumber,
		"path", path,
		"transactions", result.Transactions,
		"quarantined", len(quarantined),
		"bytes", n,
		"duration", result.Duration,
	)

	// Best effort; a failed notification does not fail the flush
	r.notify(ctx, result)
	return result, nil
}

// Reset starts the next batch on the same recorder. The current batch must have been flushed
// or discarded.
func (r *Recorder) Reset(batchNumber uint64) error {
	if len(r.sessions) > 0 {
		return fmt.Errorf("reset to batch %d: %w (%d)", batchNumber, ErrPendingTransactions, len(r.sessions))
	}
	r.current = nil
	r.batchNumber = batchNumber
	return nil
}

// Discard drops every pending transaction without writing them and returns how many were dropped.
func (r *Recorder) Discard() int {
	n := len(r.sessions)
	r.sessions = nil
	r.current = nil
	if n > 0 {
		r.logger.Warn("pending transactions discarded", "batch", r.batchNumber, "count", n)
		if r.metrics != nil {
			r.metrics.RecordTransaction("discarded", n)
			r.metrics.SetPendingTransactions(0)
		}
	}
	return n
}

// writeBatch encodes and durably writes the batch. The sink is closed on every path.
func (r *Recorder) writeBatch(batch *trace.Batch) (path string, n int64, err error) {
	data, err := codec.Marshal(batch)
	if err != nil {
		return "", 0, &FlushError{Op: OpEncode, Batch: r.batchNumber, Err: err}
	}

	out, err := r.open(r.batchNumber)
	if err != nil {
		return "", 0, &FlushError{Op: OpOpen, Batch: r.batchNumber, Err: err}
	}
	path = out.Path()
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = &FlushError{Op: OpClose, Batch: r.batchNumber, Path: path, Offset: n, Err: cerr}
		}
	}()

	// The frame carries its own length so a reader can detect truncation
	n, err = codec.WriteFrame(out, data)
	if err != nil {
		return path, n, &FlushError{Op: OpWrite, Batch: r.batchNumber, Path: path, Offset: n, Err: err}
	}
	if err := out.Sync(); err != nil {
		return path, n, &FlushError{Op: OpSync, Batch: r.batchNumber, Path: path, Offset: n, Err: err}
	}
	return path, n, nil
}

func (r *Recorder) writeMarker(path string, n int64) error {
	if err := notify.WriteMarker(r.marker, path); err != nil {
		return &FlushError{Op: OpMarker, Batch: r.batchNumber, Path: path, Offset: n, Err: err}
	}
	return nil
}

func (r *Recorder) flushFailed(err error, duration time.Duration) {
	op := "unknown"
	var fe *FlushError
	if errors.As(err, &fe) {
		op = fe.Op
	}
	if r.metrics != nil {
		r.metrics.RecordFlush(op, duration.Seconds(), err)
	}
	r.logger.Error("batch flush failed",
		"batch", r.batchNumber,
		"op", op,
		"pending", len(r.sessions),
		"error", err,
	)
	// The failure line is informational; a write error here changes nothing for consumers.
	if op != OpMarker {
		_ = notify.WriteFailure(r.marker, err)
	}
}

func (r *Recorder) notify(ctx context.Context, result *FlushResult) {
	if len(r.publishers) == 0 {
		return
	}
	event := &notify.BatchReady{
		BatchNumber:  result.BatchNumber,
		Shard:        r.shard,
		Path:         result.Path,
		Transactions: result.Transactions,
		Quarantined:  len(result.Quarantined),
		Bytes:        result.Bytes,
		FlushedAt:    time.Now().UTC(),
	}
	for _, p := range r.publishers {
		err := p.PublishBatch(ctx, event)
		name := publisherName(p)
		if r.metrics != nil {
			r.metrics.RecordBatchNotification(name, err)
		}
		if err != nil {
			r.logger.WarnContext(ctx, "batch notification failed",
				"batch", result.BatchNumber,
				"publisher", name,
				"error", err,
			)
		}
	}
}

// active returns the active transaction. Calls without one are an engine bug;
// they are logged and otherwise ignored.
func (r *Recorder) active(op string) *trace.Session {
	if r.current == nil {
		r.logger.Warn("recorder call without active transaction", "op", op, "batch", r.batchNumber)
		if r.metrics != nil {
			r.metrics.RecordProtocolError("no_active_transaction")
		}
	}
	return r.current
}

func (r *Recorder) finishCurrent() {
	if r.current == nil {
		return
	}
	if err := r.current.Finish(); err != nil {
		r.protocolError("finish_transaction", err)
	}
	r.current = nil
}

func (r *Recorder) protocolError(op string, err error) error {
	kind := "unknown"
	var pe *trace.ProtocolError
	if errors.As(err, &pe) {
		kind = pe.Kind.String()
	}
	if r.metrics != nil {
		r.metrics.RecordProtocolError(kind)
	}
	r.logger.Warn("recorder protocol error",
		"op", op,
		"kind", kind,
		"batch", r.batchNumber,
		"error", err,
	)
	return err
}

func (r *Recorder) emitted(err error) {
	if err != nil {
		r.logger.Debug("legacy line emission failed", "error", err)
	}
}

func publisherName(p notify.Publisher) string {
	if n, ok := p.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", p)
}
