package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrBatchNotFound is returned when a batch is not in the catalog.
var ErrBatchNotFound = errors.New("batch not found")

// Store provides the batch catalog: one row per durably written batch file.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Batch is a catalog entry for a flushed batch file.
type Batch struct {
	Shard        int       `json:"shard"`
	BatchNumber  uint64    `json:"batch_number"`
	Path         string    `json:"path"`
	Transactions int       `json:"transactions"`
	Quarantined  int       `json:"quarantined"`
	Bytes        int64     `json:"bytes"`
	FlushedAt    time.Time `json:"flushed_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// UpsertBatchParams contains the parameters for recording a batch.
type UpsertBatchParams struct {
	Shard        int
	BatchNumber  uint64
	Path         string
	Transactions int
	Quarantined  int
	Bytes        int64
	FlushedAt    time.Time
}

// ListBatchesParams contains filter and pagination parameters.
type ListBatchesParams struct {
	Shard  *int
	Limit  int32
	Offset int32
}

const schema = `
CREATE TABLE IF NOT EXISTS dmlog_batches (
    shard        INTEGER     NOT NULL,
    batch_number BIGINT      NOT NULL,
    path         TEXT        NOT NULL,
    transactions INTEGER     NOT NULL,
    quarantined  INTEGER     NOT NULL DEFAULT 0,
    bytes        BIGINT      NOT NULL,
    flushed_at   TIMESTAMPTZ NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (shard, batch_number)
);
CREATE INDEX IF NOT EXISTS dmlog_batches_flushed_at_idx ON dmlog_batches (flushed_at DESC);
CREATE TABLE IF NOT EXISTS dmlog_batch_reservations (
    shard         INTEGER     PRIMARY KEY,
    last_reserved BIGINT      NOT NULL,
    reserved_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS dmlog_cursors (
    address        TEXT        PRIMARY KEY,
    last_signature TEXT        NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const batchColumns = `shard, batch_number, path, transactions, quarantined, bytes, flushed_at, created_at`

// EnsureSchema creates the catalog table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create batch catalog schema: %w", err)
	}
	return nil
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// UpsertBatch records a batch. A re-flushed batch replaces the previous row.
func (s *Store) UpsertBatch(ctx context.Context, params UpsertBatchParams) (*Batch, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO dmlog_batches (shard, batch_number, path, transactions, quarantined, bytes, flushed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (shard, batch_number) DO UPDATE SET
    path = EXCLUDED.path,
    transactions = EXCLUDED.transactions,
    quarantined = EXCLUDED.quarantined,
    bytes = EXCLUDED.bytes,
    flushed_at = EXCLUDED.flushed_at
RETURNING `+batchColumns,
		params.Shard,
		int64(params.BatchNumber),
		params.Path,
		params.Transactions,
		params.Quarantined,
		params.Bytes,
		params.FlushedAt,
	)
	return scanBatch(row)
}

// GetBatch retrieves a batch by shard and number.
func (s *Store) GetBatch(ctx context.Context, shard int, batchNumber uint64) (*Batch, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM dmlog_batches WHERE shard = $1 AND batch_number = $2`,
		shard, int64(batchNumber))
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	return b, err
}

// ListBatches retrieves batches, most recently flushed first.
func (s *Store) ListBatches(ctx context.Context, params ListBatchesParams) ([]*Batch, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+batchColumns+` FROM dmlog_batches
WHERE ($1::INTEGER IS NULL OR shard = $1)
ORDER BY flushed_at DESC, batch_number DESC
LIMIT $2 OFFSET $3`,
		params.Shard, params.Limit, params.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]*Batch, 0)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// DeleteBatch removes a batch from the catalog.
func (s *Store) DeleteBatch(ctx context.Context, shard int, batchNumber uint64) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM dmlog_batches WHERE shard = $1 AND batch_number = $2`,
		shard, int64(batchNumber))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}

func scanBatch(row pgx.Row) (*Batch, error) {
	var (
		b      Batch
		number int64
	)
	err := row.Scan(
		&b.Shard,
		&number,
		&b.Path,
		&b.Transactions,
		&b.Quarantined,
		&b.Bytes,
		&b.FlushedAt,
		&b.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.BatchNumber = uint64(number)
	return &b, nil
}
