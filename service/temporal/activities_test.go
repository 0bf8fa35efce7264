package temporal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/dmtrace/service/codec"
	"github.com/brojonat/dmtrace/service/db"
	"github.com/brojonat/dmtrace/service/sink"
	"github.com/brojonat/dmtrace/service/solana"
)

const testAddress = "11111111111111111111111111111111"

// Mock Solana Client
type MockSolanaClient struct {
	mock.Mock
}

func (m *MockSolanaClient) SignaturesSince(ctx context.Context, address solanago.PublicKey, until solanago.Signature, limit int) ([]solanago.Signature, error) {
	args := m.Called(ctx, address, until, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]solanago.Signature), args.Error(1)
}

func (m *MockSolanaClient) FetchTransaction(ctx context.Context, sig solanago.Signature) (*solana.FetchedTransaction, error) {
	args := m.Called(ctx, sig)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*solana.FetchedTransaction), args.Error(1)
}

// Mock Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetCursor(ctx context.Context, address string) (string, error) {
	args := m.Called(ctx, address)
	return args.String(0), args.Error(1)
}

func (m *MockStore) SetCursor(ctx context.Context, address, signature string) error {
	args := m.Called(ctx, address, signature)
	return args.Error(0)
}

func (m *MockStore) ReserveBatchNumber(ctx context.Context, shard int) (uint64, error) {
	args := m.Called(ctx, shard)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockStore) UpsertBatch(ctx context.Context, params db.UpsertBatchParams) (*db.Batch, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Batch), args.Error(1)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func fetchedTransfer(sig solanago.Signature) *solana.FetchedTransaction {
	from := solanago.PublicKey{0x10}
	to := solanago.PublicKey{0x20}
	return &solana.FetchedTransaction{
		Signature: sig,
		Transaction: &solanago.Transaction{
			Signatures: []solanago.Signature{sig},
			Message: solanago.Message{
				Header:      solanago.MessageHeader{NumRequiredSignatures: 1, NumReadonlyUnsignedAccounts: 1},
				AccountKeys: []solanago.PublicKey{from, to, solanago.SystemProgramID},
				Instructions: []solanago.CompiledInstruction{
					{ProgramIDIndex: 2, Accounts: []uint16{0, 1}, Data: []byte{2, 0, 0, 0, 5, 0, 0, 0, 0, 0, 0, 0}},
				},
			},
		},
		Meta: &rpc.TransactionMeta{
			PreBalances:  []uint64{100, 0, 1},
			PostBalances: []uint64{95, 5, 1},
		},
	}
}

func TestActivities_ListNewSignatures(t *testing.T) {
	cursor := solanago.Signature{7}
	newer := []solanago.Signature{{8}, {9}}

	tests := []struct {
		name          string
		input         ListNewSignaturesInput
		setup         func(*MockStore, *MockSolanaClient)
		expected      *ListNewSignaturesResult
		expectedError bool
	}{
		{
			name:  "resumes from cursor",
			input: ListNewSignaturesInput{Address: testAddress, Limit: 50},
			setup: func(s *MockStore, c *MockSolanaClient) {
				s.On("GetCursor", mock.Anything, testAddress).Return(cursor.String(), nil)
				c.On("SignaturesSince", mock.Anything, solanago.SystemProgramID, cursor, 50).Return(newer, nil)
			},
			expected: &ListNewSignaturesResult{
				Signatures: []string{newer[0].String(), newer[1].String()},
				Cursor:     cursor.String(),
			},
		},
		{
			name:  "first run uses default limit",
			input: ListNewSignaturesInput{Address: testAddress},
			setup: func(s *MockStore, c *MockSolanaClient) {
				s.On("GetCursor", mock.Anything, testAddress).Return("", db.ErrCursorNotFound)
				c.On("SignaturesSince", mock.Anything, solanago.SystemProgramID, solanago.Signature{}, DefaultSignatureLimit).
					Return([]solanago.Signature{}, nil)
			},
			expected: &ListNewSignaturesResult{Signatures: []string{}},
		},
		{
			name:          "invalid address",
			input:         ListNewSignaturesInput{Address: "not-an-address"},
			setup:         func(*MockStore, *MockSolanaClient) {},
			expectedError: true,
		},
		{
			name:  "store error",
			input: ListNewSignaturesInput{Address: testAddress},
			setup: func(s *MockStore, c *MockSolanaClient) {
				s.On("GetCursor", mock.Anything, testAddress).Return("", errors.New("connection refused"))
			},
			expectedError: true,
		},
		{
			name:  "rpc error",
			input: ListNewSignaturesInput{Address: testAddress},
			setup: func(s *MockStore, c *MockSolanaClient) {
				s.On("GetCursor", mock.Anything, testAddress).Return("", db.ErrCursorNotFound)
				c.On("SignaturesSince", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
					Return(nil, errors.New("rate limited"))
			},
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := new(MockStore)
			sc := new(MockSolanaClient)
			tt.setup(store, sc)

			activities := NewActivities(store, sc, RecordingConfig{Open: sink.NewMemoryOpener().Open}, nil, discardLogger())
			result, err := activities.ListNewSignatures(context.Background(), tt.input)

			if tt.expectedError {
				assert.Error(t, err)
				assert.Nil(t, result)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
			store.AssertExpectations(t)
			sc.AssertExpectations(t)
		})
	}
}

func TestActivities_RecordBatch(t *testing.T) {
	sigs := []solanago.Signature{{1}, {2}, {3}}

	store := new(MockStore)
	store.On("ReserveBatchNumber", mock.Anything, 0).Return(uint64(42), nil)
	store.On("UpsertBatch", mock.Anything, mock.MatchedBy(func(p db.UpsertBatchParams) bool {
		return p.BatchNumber == 42 && p.Transactions == 2 && p.Path == "/memory/dmlog-1-42"
	})).Return(&db.Batch{BatchNumber: 42}, nil)

	sc := new(MockSolanaClient)
	sc.On("FetchTransaction", mock.Anything, sigs[0]).Return(fetchedTransfer(sigs[0]), nil)
	sc.On("FetchTransaction", mock.Anything, sigs[1]).Return(nil, solana.ErrTransactionNotFound)
	sc.On("FetchTransaction", mock.Anything, sigs[2]).Return(fetchedTransfer(sigs[2]), nil)

	opener := sink.NewMemoryOpener()
	var markers bytes.Buffer
	activities := NewActivities(store, sc, RecordingConfig{Open: opener.Open, Marker: &markers}, nil, discardLogger())

	result, err := activities.RecordBatch(context.Background(), RecordBatchInput{
		Address:    testAddress,
		Signatures: []string{sigs[0].String(), sigs[1].String(), "garbage", sigs[2].String()},
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(42), result.BatchNumber)
	assert.Equal(t, "/memory/dmlog-1-42", result.Path)
	assert.Equal(t, 2, result.Transactions)
	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, 0, result.Quarantined)
	assert.Equal(t, "DMLOG BATCH_FILE /memory/dmlog-1-42\n", markers.String())

	batch, err := codec.ReadBatch(&opener.Sinks[42].Buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), batch.Number)
	require.Len(t, batch.Transactions, 2)
	assert.Equal(t, sigs[0], batch.Transactions[0].ID)
	assert.Equal(t, sigs[2], batch.Transactions[1].ID)

	store.AssertExpectations(t)
	sc.AssertExpectations(t)
}

func TestActivities_RecordBatch_NothingRecorded(t *testing.T) {
	store := new(MockStore)
	store.On("ReserveBatchNumber", mock.Anything, 0).Return(uint64(1), nil)

	sc := new(MockSolanaClient)
	sc.On("FetchTransaction", mock.Anything, mock.Anything).Return(nil, solana.ErrTransactionNotFound)

	opener := sink.NewMemoryOpener()
	activities := NewActivities(store, sc, RecordingConfig{Open: opener.Open}, nil, discardLogger())

	result, err := activities.RecordBatch(context.Background(), RecordBatchInput{
		Address:    testAddress,
		Signatures: []string{solanago.Signature{1}.String()},
	})
	require.NoError(t, err)
	assert.Zero(t, result.BatchNumber)
	assert.Equal(t, 1, result.Skipped)
	assert.Empty(t, opener.Sinks)
	store.AssertNotCalled(t, "UpsertBatch", mock.Anything, mock.Anything)
}

func TestActivities_RecordBatch_Errors(t *testing.T) {
	sig := solanago.Signature{1}

	t.Run("fetch error fails activity", func(t *testing.T) {
		store := new(MockStore)
		store.On("ReserveBatchNumber", mock.Anything, 0).Return(uint64(1), nil)
		sc := new(MockSolanaClient)
		sc.On("FetchTransaction", mock.Anything, sig).Return(nil, errors.New("timeout"))

		opener := sink.NewMemoryOpener()
		activities := NewActivities(store, sc, RecordingConfig{Open: opener.Open}, nil, discardLogger())
		_, err := activities.RecordBatch(context.Background(), RecordBatchInput{Signatures: []string{sig.String()}})
		assert.Error(t, err)
		assert.Empty(t, opener.Sinks)
	})

	t.Run("flush error fails activity", func(t *testing.T) {
		store := new(MockStore)
		store.On("ReserveBatchNumber", mock.Anything, 0).Return(uint64(1), nil)
		sc := new(MockSolanaClient)
		sc.On("FetchTransaction", mock.Anything, sig).Return(fetchedTransfer(sig), nil)

		opener := sink.NewMemoryOpener()
		opener.Prepare = func(s *sink.MemorySink) { s.SyncErr = errors.New("disk full") }
		activities := NewActivities(store, sc, RecordingConfig{Open: opener.Open}, nil, discardLogger())
		_, err := activities.RecordBatch(context.Background(), RecordBatchInput{Signatures: []string{sig.String()}})
		assert.Error(t, err)
		store.AssertNotCalled(t, "UpsertBatch", mock.Anything, mock.Anything)
	})

	t.Run("catalog error fails activity", func(t *testing.T) {
		store := new(MockStore)
		store.On("ReserveBatchNumber", mock.Anything, 0).Return(uint64(1), nil)
		store.On("UpsertBatch", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))
		sc := new(MockSolanaClient)
		sc.On("FetchTransaction", mock.Anything, sig).Return(fetchedTransfer(sig), nil)

		activities := NewActivities(store, sc, RecordingConfig{Open: sink.NewMemoryOpener().Open}, nil, discardLogger())
		_, err := activities.RecordBatch(context.Background(), RecordBatchInput{Signatures: []string{sig.String()}})
		assert.ErrorContains(t, err, "failed to catalog batch 1")
	})
}

func TestActivities_RecordBatch_RetryKeepsAnnouncedFile(t *testing.T) {
	sig := solanago.Signature{1}
	dir := t.TempDir()
	announced := filepath.Join(dir, "dmlog-1-5")

	store := new(MockStore)
	store.On("ReserveBatchNumber", mock.Anything, 0).Return(uint64(5), nil).Once()
	store.On("ReserveBatchNumber", mock.Anything, 0).Return(uint64(6), nil).Once()
	store.On("UpsertBatch", mock.Anything, mock.Anything).Return(nil, errors.New("db down")).Once()
	store.On("UpsertBatch", mock.Anything, mock.MatchedBy(func(p db.UpsertBatchParams) bool {
		return p.BatchNumber == 6
	})).Return(&db.Batch{BatchNumber: 6}, nil).Once()

	sc := new(MockSolanaClient)
	sc.On("FetchTransaction", mock.Anything, sig).Return(fetchedTransfer(sig), nil)

	var markers bytes.Buffer
	activities := NewActivities(store, sc, RecordingConfig{
		Open:   sink.ExclusiveFileOpener(dir, 0),
		Marker: &markers,
	}, nil, discardLogger())
	input := RecordBatchInput{Address: testAddress, Signatures: []string{sig.String()}}

	_, err := activities.RecordBatch(context.Background(), input)
	require.Error(t, err)
	first, err := os.ReadFile(announced)
	require.NoError(t, err)

	result, err := activities.RecordBatch(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), result.BatchNumber)

	after, err := os.ReadFile(announced)
	require.NoError(t, err)
	assert.Equal(t, first, after)

	assert.Equal(t,
		"DMLOG BATCH_FILE "+announced+"\nDMLOG BATCH_FILE "+filepath.Join(dir, "dmlog-1-6")+"\n",
		markers.String())
	store.AssertExpectations(t)
}

func TestActivities_RecordBatch_ReusedNumberDoesNotOverwrite(t *testing.T) {
	sig := solanago.Signature{1}
	dir := t.TempDir()
	announced := filepath.Join(dir, "dmlog-1-5")
	require.NoError(t, os.WriteFile(announced, []byte("already announced"), 0o644))

	store := new(MockStore)
	store.On("ReserveBatchNumber", mock.Anything, 0).Return(uint64(5), nil)
	sc := new(MockSolanaClient)
	sc.On("FetchTransaction", mock.Anything, sig).Return(fetchedTransfer(sig), nil)

	var markers bytes.Buffer
	activities := NewActivities(store, sc, RecordingConfig{
		Open:   sink.ExclusiveFileOpener(dir, 0),
		Marker: &markers,
	}, nil, discardLogger())

	_, err := activities.RecordBatch(context.Background(), RecordBatchInput{Signatures: []string{sig.String()}})
	require.Error(t, err)

	data, err := os.ReadFile(announced)
	require.NoError(t, err)
	assert.Equal(t, "already announced", string(data))
	assert.NotContains(t, markers.String(), "DMLOG BATCH_FILE")
	store.AssertNotCalled(t, "UpsertBatch", mock.Anything, mock.Anything)
}

func TestActivities_AdvanceCursor(t *testing.T) {
	sig := solanago.Signature{9}.String()

	store := new(MockStore)
	store.On("SetCursor", mock.Anything, testAddress, sig).Return(nil)
	activities := NewActivities(store, new(MockSolanaClient), RecordingConfig{}, nil, discardLogger())

	require.NoError(t, activities.AdvanceCursor(context.Background(), AdvanceCursorInput{Address: testAddress, Signature: sig}))
	store.AssertExpectations(t)

	err := activities.AdvanceCursor(context.Background(), AdvanceCursorInput{Address: testAddress, Signature: "0OIl"})
	assert.Error(t, err)
}
