package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/brojonat/dmtrace/service/codec"
	"github.com/brojonat/dmtrace/service/notify"
	"github.com/brojonat/dmtrace/service/trace"
)

// FlushFailedError is returned by Follow when the recorder reports a failed flush.
type FlushFailedError struct {
	Reason string
}

func (e *FlushFailedError) Error() string {
	return "recorder flush failed: " + e.Reason
}

// maxLine bounds the lines Follow inspects. Markers are a keyword and a path, so
// anything longer is a legacy ACCT_CHANGE dump and is skipped without buffering it.
const maxLine = 64 * 1024

// Follow reads a recorder's stdout and calls fn with the path of every batch file
// announced on it. Other lines are ignored, whatever their length. It stops at EOF,
// when ctx is done, when fn fails, or at the first flush failure line.
func Follow(ctx context.Context, r io.Reader, fn func(path string) error) error {
	br := bufio.NewReaderSize(r, maxLine)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			if err := skipLine(br); err != nil {
				return endOfStream(err)
			}
			continue
		}

		line := strings.TrimRight(string(raw), "\r\n")
		if path, ok := notify.ParseMarker(line); ok {
			if err := fn(path); err != nil {
				return fmt.Errorf("batch %s: %w", path, err)
			}
		} else if reason, ok := notify.ParseFailure(line); ok {
			return &FlushFailedError{Reason: reason}
		}

		if err != nil {
			return endOfStream(err)
		}
	}
}

// skipLine discards the rest of an oversized line, through its newline.
func skipLine(br *bufio.Reader) error {
	for {
		_, err := br.ReadSlice('\n')
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}

func endOfStream(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// ReadBatchFile decodes the batch file at path.
func ReadBatchFile(path string) (*trace.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b, err := codec.ReadBatch(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return b, nil
}
