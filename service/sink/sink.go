// Package sink provides the output resources batch files are written to.
package sink

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Sink is an exclusively owned output resource for one batch.
// Sync is the durability barrier: it returns only once written bytes are on stable storage.
type Sink interface {
	io.Writer
	Sync() error
	Close() error
	// Path is the durable identifier announced in the completion marker.
	Path() string
}

// Opener acquires the sink for a batch. It is called once per flush.
type Opener func(batchNumber uint64) (Sink, error)

// BatchFileName is the file name of a batch for a shard: dmlog-<shard+1>-<batch>.
func BatchFileName(shard int, batchNumber uint64) string {
	return fmt.Sprintf("dmlog-%d-%d", shard+1, batchNumber)
}

// BatchPath joins dir and the batch file name. The result is unique per (shard, batch).
func BatchPath(dir string, shard int, batchNumber uint64) string {
	return filepath.Join(dir, BatchFileName(shard, batchNumber))
}

// FileOpener returns an Opener creating batch files under dir.
func FileOpener(dir string, shard int) Opener {
	return func(batchNumber uint64) (Sink, error) {
		return OpenFile(BatchPath(dir, shard, batchNumber))
	}
}

// ExclusiveFileOpener is like FileOpener but never replaces an existing batch file.
// Opening a batch whose file already exists fails with an error matching os.ErrExist.
func ExclusiveFileOpener(dir string, shard int) Opener {
	return func(batchNumber uint64) (Sink, error) {
		return CreateFile(BatchPath(dir, shard, batchNumber))
	}
}

// FileSink writes a batch to a file on disk.
type FileSink struct {
	f      *os.File
	path   string
	offset int64
}

// OpenFile creates (or truncates) the file at path for writing.
func OpenFile(path string) (*FileSink, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve batch file path %q: %w", path, err)
	}
	return openFile(abs, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
}

// CreateFile creates the file at path for writing. It fails if the file exists.
func CreateFile(path string) (*FileSink, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve batch file path %q: %w", path, err)
	}
	return openFile(abs, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
}

func openFile(abs string, flag int) (*FileSink, error) {
	f, err := os.OpenFile(abs, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch file: %w", err)
	}
	return &FileSink{f: f, path: abs}, nil
}

func (s *FileSink) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	s.offset += int64(n)
	return n, err
}

// Sync flushes the file contents and then its directory entry.
func (s *FileSink) Sync() error {
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", s.path, err)
	}
	dir, err := os.Open(filepath.Dir(s.path))
	if err != nil {
		return fmt.Errorf("failed to open directory of %s: %w", s.path, err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("failed to sync directory of %s: %w", s.path, err)
	}
	return nil
}

// Close releases the file. It is safe to call more than once.
func (s *FileSink) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *FileSink) Path() string {
	return s.path
}

// Offset is the number of bytes written so far.
func (s *FileSink) Offset() int64 {
	return s.offset
}
