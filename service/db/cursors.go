package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrCursorNotFound is returned when an address has never been traced.
var ErrCursorNotFound = errors.New("cursor not found")

// GetCursor returns the newest signature already traced for address.
func (s *Store) GetCursor(ctx context.Context, address string) (string, error) {
	var sig string
	err := s.pool.QueryRow(ctx,
		`SELECT last_signature FROM dmlog_cursors WHERE address = $1`, address).Scan(&sig)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrCursorNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get cursor for %s: %w", address, err)
	}
	return sig, nil
}

// SetCursor advances the cursor for address to signature.
func (s *Store) SetCursor(ctx context.Context, address, signature string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO dmlog_cursors (address, last_signature, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (address) DO UPDATE SET
    last_signature = EXCLUDED.last_signature,
    updated_at = EXCLUDED.updated_at`,
		address, signature)
	if err != nil {
		return fmt.Errorf("failed to set cursor for %s: %w", address, err)
	}
	return nil
}

// ReserveBatchNumber hands out the next batch number for shard. A reserved number is
// never handed out again, even if its batch is never cataloged, so a retried writer
// cannot reuse the path of a batch it already announced. Numbers continue past the
// highest cataloged batch when other writers catalog into the same shard.
func (s *Store) ReserveBatchNumber(ctx context.Context, shard int) (uint64, error) {
	var next int64
	err := s.pool.QueryRow(ctx, `
INSERT INTO dmlog_batch_reservations (shard, last_reserved, reserved_at)
VALUES ($1, (SELECT COALESCE(MAX(batch_number), 0) + 1 FROM dmlog_batches WHERE shard = $1), now())
ON CONFLICT (shard) DO UPDATE SET
    last_reserved = GREATEST(
        dmlog_batch_reservations.last_reserved,
        (SELECT COALESCE(MAX(batch_number), 0) FROM dmlog_batches WHERE shard = $1)
    ) + 1,
    reserved_at = EXCLUDED.reserved_at
RETURNING last_reserved`,
		shard).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to reserve batch number for shard %d: %w", shard, err)
	}
	return uint64(next), nil
}
