package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/dmtrace/service/notify"
	"github.com/brojonat/dmtrace/service/trace"
)

// Batch is a catalogued batch file as reported by the server.
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

// ListOptions filters a batch listing. A nil Shard lists every shard.
type ListOptions struct {
	Shard  *int
	Limit  int
	Offset int
}

// Client is the HTTP client for the dmtrace batch catalog.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new batch catalog client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// ListBatches retrieves catalogued batches, most recently flushed first.
func (c *Client) ListBatches(ctx context.Context, opts ListOptions) ([]*Batch, error) {
	q := url.Values{}
	if opts.Shard != nil {
		q.Set("shard", strconv.Itoa(*opts.Shard))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	u := c.baseURL + "/api/v1/batches"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var response struct {
		Batches []*Batch `json:"batches"`
	}
	if err := c.getJSON(ctx, u, &response); err != nil {
		return nil, err
	}

	c.logger.Debug("batches listed", "count", len(response.Batches))
	return response.Batches, nil
}

// GetBatch retrieves the catalog entry for one batch.
func (c *Client) GetBatch(ctx context.Context, shard int, batchNumber uint64) (*Batch, error) {
	u := fmt.Sprintf("%s/api/v1/batches/%d?shard=%d", c.baseURL, batchNumber, shard)
	var b Batch
	if err := c.getJSON(ctx, u, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBatchTransactions retrieves the decoded traces of one batch.
func (c *Client) GetBatchTransactions(ctx context.Context, shard int, batchNumber uint64) (*trace.Batch, error) {
	u := fmt.Sprintf("%s/api/v1/batches/%d/transactions?shard=%d", c.baseURL, batchNumber, shard)
	var b trace.Batch
	if err := c.getJSON(ctx, u, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// AwaitBatch blocks until the server streams a batch-ready event accepted by match.
// A nil shard watches every shard. It returns when ctx is done or the stream ends.
func (c *Client) AwaitBatch(ctx context.Context, shard *int, match func(*notify.BatchReady) bool) (*notify.BatchReady, error) {
	u := c.baseURL + "/api/v1/stream/batches"
	if shard != nil {
		u += "/" + strconv.Itoa(*shard)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream is long-lived; ctx bounds it instead of the client timeout.
	streamClient := *c.httpClient
	streamClient.Timeout = 0

	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	event := ""
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if event != "" && event != "batch" {
				continue
			}
			var ready notify.BatchReady
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ready); err != nil {
				c.logger.Warn("skipping malformed batch event", "error", err)
				continue
			}
			if match == nil || match(&ready) {
				return &ready, nil
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream failed: %w", err)
	}
	return nil, fmt.Errorf("stream closed before a matching batch arrived")
}

func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
