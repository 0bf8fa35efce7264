package recorder

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// ErrPendingTransactions is returned by Reset while the current batch still holds transactions.
var ErrPendingTransactions = errors.New("batch has pending transactions")

// Flush steps reported in FlushError.Op.
const (
	OpEncode = "encode"
	OpOpen   = "open"
	OpWrite  = "write"
	OpSync   = "sync"
	OpClose  = "close"
	OpMarker = "marker"
)

// FlushError reports a failed flush. The batch must not be considered persisted.
// Path and Offset locate the partial artifact when one exists.
type FlushError struct {
	Op     string
	Batch  uint64
	Path   string
	Offset int64
	Err    error
}

func (e *FlushError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("flush batch %d: %s: %v", e.Batch, e.Op, e.Err)
	}
	return fmt.Sprintf("flush batch %d: %s %s at offset %d: %v", e.Batch, e.Op, e.Path, e.Offset, e.Err)
}

func (e *FlushError) Unwrap() error {
	return e.Err
}

// Quarantine records a transaction excluded from a batch after a protocol error.
type Quarantine struct {
	Transaction solana.Signature
	Err         error
}
