// Package notify announces completed batch files to downstream consumers.
//
// The completion marker line written to the marker stream is the contract a
// batch is durable and ready for consumption. Publishers are an optional,
// best-effort fan-out of the same event.
package notify

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	// MarkerTag prefixes every completion marker line.
	MarkerTag = "DMLOG BATCH_FILE"
	// FailureTag prefixes the line written when a flush fails. It is informational only:
	// consumers must treat the absence of a completion marker as failure.
	FailureTag = "DMLOG ERROR FILE"
)

// BatchReady describes a batch file that has been durably written.
type BatchReady struct {
	BatchNumber  uint64    `json:"batch_number"`
	Shard        int       `json:"shard"`
	Path         string    `json:"path"`
	Transactions int       `json:"transactions"`
	Quarantined  int       `json:"quarantined"`
	Bytes        int64     `json:"bytes"`
	FlushedAt    time.Time `json:"flushed_at"`
}

// Publisher delivers BatchReady events to an external system.
type Publisher interface {
	PublishBatch(ctx context.Context, event *BatchReady) error
	Close() error
}

// WriteMarker writes "DMLOG BATCH_FILE <path>\n" to w in a single write.
func WriteMarker(w io.Writer, path string) error {
	if path == "" {
		return fmt.Errorf("marker path is empty")
	}
	if strings.ContainsAny(path, "\r\n") {
		return fmt.Errorf("marker path %q contains a line break", path)
	}
	if _, err := io.WriteString(w, MarkerTag+" "+path+"\n"); err != nil {
		return fmt.Errorf("failed to write completion marker: %w", err)
	}
	return nil
}

// WriteFailure writes "DMLOG ERROR FILE <reason>" to w as a single line.
func WriteFailure(w io.Writer, cause error) error {
	reason := strings.NewReplacer("\r", " ", "\n", " ").Replace(cause.Error())
	if _, err := io.WriteString(w, FailureTag+" "+reason+"\n"); err != nil {
		return fmt.Errorf("failed to write failure line: %w", err)
	}
	return nil
}

// ParseFailure extracts the reason from a failure line.
func ParseFailure(line string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	return strings.CutPrefix(line, FailureTag+" ")
}

// ParseMarker extracts the path from a completion marker line.
// The trailing line break, if any, is ignored.
func ParseMarker(line string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	rest, ok := strings.CutPrefix(line, MarkerTag+" ")
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}
