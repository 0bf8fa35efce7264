package recorder

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/dmtrace/service/codec"
	"github.com/brojonat/dmtrace/service/legacy"
	"github.com/brojonat/dmtrace/service/metrics"
	"github.com/brojonat/dmtrace/service/nats"
	"github.com/brojonat/dmtrace/service/notify"
	"github.com/brojonat/dmtrace/service/sink"
	"github.com/brojonat/dmtrace/service/trace"
)

var (
	sigA     = solana.Signature{0xA}
	sigB     = solana.Signature{0xB}
	sigC     = solana.Signature{0xC}
	key1     = solana.PublicKey{1}
	key2     = solana.PublicKey{2}
	progX    = solana.PublicKey{0xF1}
	progY    = solana.PublicKey{0xF2}
	testHash = solana.Hash{0x42}
	header   = trace.MessageHeader{NumRequiredSignatures: 1, NumReadonlyUnsignedAccounts: 1}
)

type harness struct {
	rec    *Recorder
	dir    string
	marker *bytes.Buffer
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{dir: t.TempDir(), marker: &bytes.Buffer{}}
	opts := Options{
		BatchNumber: 1,
		Open:        sink.FileOpener(h.dir, 0),
		Marker:      h.marker,
		Metrics:     metrics.NewMetrics(prometheus.NewRegistry()),
	}
	for _, m := range mutate {
		m(&opts)
	}
	rec, err := New(opts)
	require.NoError(t, err)
	h.rec = rec
	return h
}

func (h *harness) startTx(t *testing.T, sig solana.Signature) {
	t.Helper()
	require.NoError(t, h.rec.StartTransaction([]solana.Signature{sig}, header, []solana.PublicKey{key1, key2}, testHash))
}

func readBatch(t *testing.T, path string) *trace.Batch {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	b, err := codec.ReadBatch(f)
	require.NoError(t, err)
	return b
}

func TestNew_RequiresOpener(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestFlush_SingleInstructionBalanceChange(t *testing.T) {
	h := newHarness(t)
	h.startTx(t, sigA)
	f := h.rec.StartInstruction(progX, []solana.PublicKey{key1}, []byte{0xAA})
	assert.Equal(t, trace.Frame{Ordinal: 1, ParentOrdinal: 0, Depth: 0}, f)
	require.NoError(t, h.rec.RecordBalanceChange(key1, 100, 80))
	require.NoError(t, h.rec.EndInstruction())

	res, err := h.rec.Flush(context.Background())
	require.NoError(t, err)

	wantPath := filepath.Join(h.dir, "dmlog-1-1")
	assert.Equal(t, wantPath, res.Path)
	assert.Equal(t, 1, res.Transactions)
	assert.Empty(t, res.Quarantined)
	assert.Equal(t, "DMLOG BATCH_FILE "+wantPath+"\n", h.marker.String())

	b := readBatch(t, res.Path)
	assert.Equal(t, uint64(1), b.Number)
	require.Len(t, b.Transactions, 1)
	tx := b.Transactions[0]
	assert.Equal(t, sigA, tx.ID)
	assert.Equal(t, header, tx.Header)
	assert.Equal(t, testHash, tx.RecentBlockhash)
	require.Len(t, tx.Instructions, 1)
	inst := tx.Instructions[0]
	assert.Equal(t, uint32(1), inst.Ordinal)
	assert.Equal(t, uint32(0), inst.ParentOrdinal)
	assert.Equal(t, uint32(0), inst.Depth)
	assert.Equal(t, progX, inst.ProgramID)
	assert.Equal(t, []byte{0xAA}, inst.Data)
	assert.Equal(t, []trace.BalanceChange{{Account: key1, PriorLamports: 100, NewLamports: 80}}, inst.BalanceChanges)
}

func TestFlush_NestedInstructions(t *testing.T) {
	h := newHarness(t)
	h.startTx(t, sigA)
	h.rec.StartInstruction(progX, nil, nil)
	inner := h.rec.StartInstruction(progY, nil, nil)
	require.NoError(t, h.rec.RecordAccountChange(key2, []byte{1}, []byte{2, 3}))
	require.NoError(t, h.rec.EndInstruction())
	require.NoError(t, h.rec.EndInstruction())
	assert.Equal(t, trace.Frame{Ordinal: 2, ParentOrdinal: 1, Depth: 1}, inner)

	res, err := h.rec.Flush(context.Background())
	require.NoError(t, err)

	insts := readBatch(t, res.Path).Transactions[0].Instructions
	require.Len(t, insts, 2)
	assert.Equal(t, uint32(1), insts[0].Ordinal)
	assert.Equal(t, uint32(2), insts[1].Ordinal)
	assert.Equal(t, uint32(1), insts[1].ParentOrdinal)
	assert.Equal(t, uint32(1), insts[1].Depth)
	assert.Equal(t, progY, insts[1].ProgramID)
	require.Len(t, insts[1].AccountChanges, 1)
	assert.Equal(t, uint64(2), insts[1].AccountChanges[0].NewDataLength)
}

func TestOrdinalsResetPerTransaction(t *testing.T) {
	h := newHarness(t)

	h.startTx(t, sigA)
	h.rec.StartInstruction(progX, nil, nil)
	require.NoError(t, h.rec.EndInstruction())
	h.rec.StartInstruction(progX, nil, nil)
	require.NoError(t, h.rec.EndInstruction())
	require.NoError(t, h.rec.EndTransaction())

	h.startTx(t, sigB)
	f := h.rec.StartInstruction(progY, nil, nil)
	require.NoError(t, h.rec.EndInstruction())

	assert.Equal(t, uint32(1), f.Ordinal)
	assert.Equal(t, 2, h.rec.Pending())
}

func TestUnbalancedEndQuarantinesOnlyThatTransaction(t *testing.T) {
	h := newHarness(t)

	h.startTx(t, sigA)
	h.rec.StartInstruction(progX, nil, nil)
	require.NoError(t, h.rec.RecordBalanceChange(key1, 10, 5))
	require.NoError(t, h.rec.EndInstruction())

	h.startTx(t, sigB)
	err := h.rec.EndInstruction()
	require.Error(t, err)
	assert.ErrorIs(t, err, trace.ErrUnbalancedFrame)

	h.startTx(t, sigC)
	h.rec.StartInstruction(progY, nil, nil)
	require.NoError(t, h.rec.EndInstruction())

	res, err := h.rec.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Transactions)
	require.Len(t, res.Quarantined, 1)
	assert.Equal(t, sigB, res.Quarantined[0].Transaction)
	assert.ErrorIs(t, res.Quarantined[0].Err, trace.ErrUnbalancedFrame)

	b := readBatch(t, res.Path)
	require.Len(t, b.Transactions, 2)
	assert.Equal(t, sigA, b.Transactions[0].ID)
	assert.Equal(t, sigC, b.Transactions[1].ID)
	assert.Equal(t, []trace.BalanceChange{{Account: key1, PriorLamports: 10, NewLamports: 5}},
		b.Transactions[0].Instructions[0].BalanceChanges)
}

func TestChangeWithoutInstructionQuarantines(t *testing.T) {
	h := newHarness(t)
	h.startTx(t, sigA)

	err := h.rec.RecordAccountChange(key1, nil, []byte{1})
	assert.ErrorIs(t, err, trace.ErrNoActiveInstruction)

	res, err := h.rec.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Transactions)
	assert.Len(t, res.Quarantined, 1)
}

func TestStartTransaction_EmptySignatures(t *testing.T) {
	h := newHarness(t)

	err := h.rec.StartTransaction(nil, header, nil, testHash)
	assert.ErrorIs(t, err, trace.ErrEmptySignatureList)
	assert.Zero(t, h.rec.Pending())

	// Calls without an active transaction are ignored.
	assert.Equal(t, trace.Frame{}, h.rec.StartInstruction(progX, nil, nil))
	assert.NoError(t, h.rec.EndInstruction())
	assert.NoError(t, h.rec.RecordBalanceChange(key1, 1, 2))
	assert.NoError(t, h.rec.EndTransaction())
	h.rec.RecordLog("dropped")
	assert.Zero(t, h.rec.Pending())
}

func TestEndTransaction_UnclosedFrames(t *testing.T) {
	h := newHarness(t)
	h.startTx(t, sigA)
	h.rec.StartInstruction(progX, nil, nil)

	err := h.rec.EndTransaction()
	assert.ErrorIs(t, err, trace.ErrUnclosedFrames)

	// The trace is kept: every opened frame already has its final position.
	res, err := h.rec.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Transactions)
	assert.Empty(t, res.Quarantined)
}

func TestRecordLog(t *testing.T) {
	h := newHarness(t)
	h.startTx(t, sigA)
	h.rec.RecordLog("Program log: one")
	h.rec.StartInstruction(progX, nil, nil)
	h.rec.RecordLog("Program log: two")
	require.NoError(t, h.rec.EndInstruction())

	res, err := h.rec.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Program log: one", "Program log: two"}, readBatch(t, res.Path).Transactions[0].LogMessages)
}

func TestRecordLog_InvalidUTF8QuarantinesTransaction(t *testing.T) {
	h := newHarness(t)
	h.startTx(t, sigA)
	h.rec.RecordLog("Program log: \xc3\x28")
	h.startTx(t, sigB)
	h.rec.RecordLog("Program log: fine")

	res, err := h.rec.Flush(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Quarantined, 1)
	assert.Equal(t, sigA, res.Quarantined[0].Transaction)
	assert.ErrorIs(t, res.Quarantined[0].Err, trace.ErrInvalidLogMessage)

	batch := readBatch(t, res.Path)
	require.Len(t, batch.Transactions, 1)
	assert.Equal(t, sigB, batch.Transactions[0].ID)
}

func TestFlush_DrainsAndEmptyBatch(t *testing.T) {
	h := newHarness(t)
	h.startTx(t, sigA)

	_, err := h.rec.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, h.rec.Pending())

	require.NoError(t, h.rec.Reset(2))
	assert.Equal(t, uint64(2), h.rec.BatchNumber())

	res, err := h.rec.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Transactions)
	assert.Equal(t, filepath.Join(h.dir, "dmlog-1-2"), res.Path)

	b := readBatch(t, res.Path)
	assert.Equal(t, uint64(2), b.Number)
	assert.Empty(t, b.Transactions)

	lines := strings.Split(strings.TrimSpace(h.marker.String()), "\n")
	assert.Len(t, lines, 2)
}

func TestReset_RejectsPending(t *testing.T) {
	h := newHarness(t)
	h.startTx(t, sigA)

	err := h.rec.Reset(2)
	assert.ErrorIs(t, err, ErrPendingTransactions)
	assert.Equal(t, uint64(1), h.rec.BatchNumber())

	assert.Equal(t, 1, h.rec.Discard())
	require.NoError(t, h.rec.Reset(2))
}

func TestFlush_FailuresKeepBatchAndSuppressMarker(t *testing.T) {
	boom := errors.New("device error")

	tests := []struct {
		name    string
		prepare func(*sink.MemorySink)
		openErr error
		op      string
	}{
		{"open", nil, boom, OpOpen},
		{"write", func(s *sink.MemorySink) { s.WriteErr = boom; s.WriteLimit = 5 }, nil, OpWrite},
		{"sync", func(s *sink.MemorySink) { s.SyncErr = boom }, nil, OpSync},
		{"close", func(s *sink.MemorySink) { s.CloseErr = boom }, nil, OpClose},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opener := sink.NewMemoryOpener()
			opener.Prepare = tt.prepare
			opener.OpenErr = tt.openErr

			var marker bytes.Buffer
			rec, err := New(Options{BatchNumber: 9, Open: opener.Open, Marker: &marker})
			require.NoError(t, err)
			require.NoError(t, rec.StartTransaction([]solana.Signature{sigA}, header, nil, testHash))
			rec.StartInstruction(progX, nil, []byte{1, 2, 3})
			require.NoError(t, rec.EndInstruction())

			res, err := rec.Flush(context.Background())
			require.Error(t, err)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, boom)

			var fe *FlushError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.op, fe.Op)
			assert.Equal(t, uint64(9), fe.Batch)
			if tt.op != OpOpen {
				assert.Equal(t, "/memory/dmlog-1-9", fe.Path)
				assert.True(t, opener.Sinks[9].Closed, "sink must be released on failure")
			}
			if tt.op == OpWrite {
				assert.Equal(t, int64(5), fe.Offset)
			}

			assert.NotContains(t, marker.String(), notify.MarkerTag)
			assert.Contains(t, marker.String(), notify.FailureTag)
			assert.Equal(t, 1, rec.Pending(), "failed flush must not drain the batch")
		})
	}
}

func TestFlush_RetryAfterFailure(t *testing.T) {
	opener := sink.NewMemoryOpener()
	opener.Prepare = func(s *sink.MemorySink) { s.SyncErr = errors.New("transient") }

	var marker bytes.Buffer
	rec, err := New(Options{BatchNumber: 3, Open: opener.Open, Marker: &marker})
	require.NoError(t, err)
	require.NoError(t, rec.StartTransaction([]solana.Signature{sigA}, header, nil, testHash))

	_, err = rec.Flush(context.Background())
	require.Error(t, err)

	opener.Prepare = nil
	res, err := rec.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Transactions)
	assert.Zero(t, rec.Pending())
	assert.True(t, opener.Sinks[3].Synced)

	b, err := codec.ReadBatch(&opener.Sinks[3].Buf)
	require.NoError(t, err)
	require.Len(t, b.Transactions, 1)
	assert.Equal(t, sigA, b.Transactions[0].ID)
	assert.True(t, strings.HasSuffix(marker.String(), "DMLOG BATCH_FILE /memory/dmlog-1-3\n"))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("stdout closed") }

func TestFlush_MarkerFailureIsFlushFailure(t *testing.T) {
	opener := sink.NewMemoryOpener()
	rec, err := New(Options{Open: opener.Open, Marker: failingWriter{}})
	require.NoError(t, err)
	require.NoError(t, rec.StartTransaction([]solana.Signature{sigA}, header, nil, testHash))

	_, err = rec.Flush(context.Background())
	var fe *FlushError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, OpMarker, fe.Op)
	assert.Equal(t, 1, rec.Pending())
}

func TestFlush_PublishesBatchReady(t *testing.T) {
	good := nats.NewMockPublisher()
	broken := nats.NewMockPublisher()
	broken.SetPublishError(errors.New("nats down"))

	dir := t.TempDir()
	h := newHarness(t, func(o *Options) {
		o.BatchNumber = 5
		o.Shard = 2
		o.Open = sink.FileOpener(dir, 2)
		o.Publishers = []notify.Publisher{broken, good}
	})
	h.startTx(t, sigA)
	require.Error(t, h.rec.StartTransaction(nil, header, nil, testHash))
	h.startTx(t, sigB)
	require.Error(t, h.rec.EndInstruction())

	res, err := h.rec.Flush(context.Background())
	require.NoError(t, err, "publisher failures must not fail the flush")

	events := good.GetPublishedEventsForShard(2)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, uint64(5), ev.BatchNumber)
	assert.Equal(t, filepath.Join(dir, "dmlog-3-5"), ev.Path)
	assert.Equal(t, res.Path, ev.Path)
	assert.Equal(t, 1, ev.Transactions)
	assert.Equal(t, 1, ev.Quarantined)
	assert.Equal(t, res.Bytes, ev.Bytes)
	assert.False(t, ev.FlushedAt.IsZero())
	assert.Zero(t, broken.GetPublishedEventCount())
}

func TestLegacyLinesFollowToggle(t *testing.T) {
	run := func(enabled bool) string {
		var lines bytes.Buffer
		h := newHarness(t, func(o *Options) {
			o.Legacy = legacy.Emitter{Enabled: enabled, Out: &lines}
		})
		h.startTx(t, sigA)
		h.rec.StartInstruction(progX, nil, []byte{0xAA})
		require.NoError(t, h.rec.RecordBalanceChange(key1, 100, 80))
		h.rec.RecordLog("hi")
		require.NoError(t, h.rec.EndInstruction())
		_, err := h.rec.Flush(context.Background())
		require.NoError(t, err)
		return lines.String()
	}

	assert.Empty(t, run(false))

	out := run(true)
	assert.Contains(t, out, "DMLOG TRX_START "+sigA.String())
	assert.Contains(t, out, "DMLOG INST_S 1 0 0 "+progX.String())
	assert.Contains(t, out, "DMLOG LAMP_CHANGE 1 "+key1.String()+" 100 80")
	assert.Contains(t, out, "DMLOG LOG hi")
	assert.Contains(t, out, "DMLOG INST_E 1")
}

func TestFlushError_Message(t *testing.T) {
	err := &FlushError{Op: OpSync, Batch: 4, Path: "/tmp/dmlog-1-4", Offset: 128, Err: errors.New("EIO")}
	assert.Equal(t, "flush batch 4: sync /tmp/dmlog-1-4 at offset 128: EIO", err.Error())

	err = &FlushError{Op: OpEncode, Batch: 4, Err: codec.ErrMessageTooLarge}
	assert.ErrorIs(t, err, codec.ErrMessageTooLarge)
	assert.True(t, strings.HasPrefix(err.Error(), "flush batch 4: encode: "))
}
