package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/brojonat/dmtrace/service/metrics"
)

// ErrTransactionNotFound is returned when the RPC node has no record of a signature.
var ErrTransactionNotFound = errors.New("transaction not found")

// FetchedTransaction is a confirmed transaction with its execution metadata.
type FetchedTransaction struct {
	Signature   solana.Signature
	Slot        uint64
	BlockTime   time.Time
	Transaction *solana.Transaction
	Meta        *rpc.TransactionMeta
}

// Client fetches confirmed transactions for replay.
type Client struct {
	rpc         RPCClient
	logger      *slog.Logger
	metrics     *metrics.Metrics
	endpoint    string // RPC endpoint identifier for metrics
	maxAttempts int
	timeout     time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewClient creates a new Solana client.
// endpoint labels metrics; if metrics is nil, no metrics are recorded.
func NewClient(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{
		rpc:         rpcClient,
		logger:      logger,
		metrics:     m,
		endpoint:    endpoint,
		maxAttempts: 3,
		sleep:       sleepContext,
	}
}

// WithMaxRetries sets how many times a failed call is retried.
func (c *Client) WithMaxRetries(n int) *Client {
	c.maxAttempts = n + 1
	return c
}

// WithTimeout bounds each RPC call. Zero means calls are bounded only by the caller's context.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// EndpointLabel reduces an RPC URL to its host so API keys never reach metric labels.
func EndpointLabel(rpcURL string) string {
	u, err := url.Parse(rpcURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}

// FetchTransaction fetches a transaction and its metadata, retrying transient failures
// with exponential backoff. Rate-limited calls back off longer.
func (c *Client) FetchTransaction(ctx context.Context, sig solana.Signature) (*FetchedTransaction, error) {
	var (
		result *rpc.GetTransactionResult
		err    error
	)

	for attempt := range c.maxAttempts {
		result, err = c.getTransaction(ctx, sig, true)
		if err == nil {
			break
		}

		// Legacy transactions can fail to parse with version support enabled.
		if strings.Contains(err.Error(), "expects '\"' or 'n', but found '{'") {
			c.logger.WarnContext(ctx, "could not parse as versioned tx, retrying as legacy",
				"signature", sig.String(),
			)
			if c.metrics != nil {
				c.metrics.RecordRPCRetry("GetTransaction", "parse_error")
			}
			result, err = c.getTransaction(ctx, sig, false)
			if err == nil {
				break
			}
		}

		if attempt == c.maxAttempts-1 {
			break
		}

		backoff := time.Duration(1<<uint(attempt)) * time.Second // 1s, 2s, 4s, ...
		reason := "timeout_or_error"
		if strings.Contains(err.Error(), "429") {
			backoff = time.Duration(2<<uint(attempt)) * time.Second // 2s, 4s, 8s, ...
			reason = "rate_limit"
			if c.metrics != nil {
				c.metrics.RecordRateLimitHit(c.endpoint)
			}
		}
		c.logger.WarnContext(ctx, "failed to get transaction on attempt",
			"signature", sig.String(),
			"attempt", attempt+1,
			"error", err,
			"backoff_seconds", backoff.Seconds(),
		)
		if c.metrics != nil {
			c.metrics.RecordRPCRetry("GetTransaction", reason)
		}
		if serr := c.sleep(ctx, backoff); serr != nil {
			return nil, serr
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", sig, err)
	}
	if result == nil || result.Transaction == nil {
		return nil, fmt.Errorf("%s: %w", sig, ErrTransactionNotFound)
	}

	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", sig, err)
	}
	if tx == nil {
		return nil, fmt.Errorf("%s: %w", sig, ErrTransactionNotFound)
	}

	fetched := &FetchedTransaction{
		Signature:   sig,
		Slot:        result.Slot,
		Transaction: tx,
		Meta:        result.Meta,
	}
	if result.BlockTime != nil {
		fetched.BlockTime = result.BlockTime.Time()
	}

	c.logger.DebugContext(ctx, "fetched transaction",
		"signature", sig.String(),
		"slot", result.Slot,
		"instructions", len(tx.Message.Instructions),
	)
	return fetched, nil
}

// RecentSignatures returns up to limit signatures for address, oldest first,
// so they can be replayed in execution order.
func (c *Client) RecentSignatures(ctx context.Context, address solana.PublicKey, limit int) ([]solana.Signature, error) {
	return c.SignaturesSince(ctx, address, solana.Signature{}, limit)
}

// SignaturesSince returns up to limit signatures touching address that are newer
// than until, oldest first. A zero until means no lower bound.
func (c *Client) SignaturesSince(ctx context.Context, address solana.PublicKey, until solana.Signature, limit int) ([]solana.Signature, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	start := time.Now()
	sigs, err := c.rpc.GetSignaturesForAddress(ctx, address, &rpc.GetSignaturesForAddressOpts{
		Limit: &limit,
		Until: until,
	})
	c.recordCall("GetSignaturesForAddress", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get signatures for %s: %w", address, err)
	}

	out := make([]solana.Signature, 0, len(sigs))
	for _, s := range sigs {
		out = append(out, s.Signature)
	}
	slices.Reverse(out)
	return out, nil
}

func (c *Client) getTransaction(ctx context.Context, sig solana.Signature, versioned bool) (*rpc.GetTransactionResult, error) {
	opts := &rpc.GetTransactionOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: rpc.CommitmentConfirmed,
	}
	if versioned {
		maxVersion := uint64(0)
		opts.MaxSupportedTransactionVersion = &maxVersion
	}
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	start := time.Now()
	result, err := c.rpc.GetTransaction(ctx, sig, opts)
	c.recordCall("GetTransaction", start, err)
	return result, err
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) recordCall(method string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRPCCall(method, status, c.endpoint, time.Since(start).Seconds())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
