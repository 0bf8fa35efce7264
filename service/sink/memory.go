package sink

import (
	"bytes"
	"errors"
)

// ErrClosed is returned when writing to a closed MemorySink.
var ErrClosed = errors.New("sink closed")

// MemorySink is an in-memory Sink for testing. Failures can be injected per operation.
type MemorySink struct {
	Buf  bytes.Buffer
	Name string

	// WriteErr fails writes once WriteLimit bytes have been accepted.
	WriteErr   error
	WriteLimit int
	SyncErr    error
	CloseErr   error

	Synced bool
	Closed bool
}

func (m *MemorySink) Write(p []byte) (int, error) {
	if m.Closed {
		return 0, ErrClosed
	}
	if m.WriteErr != nil && m.Buf.Len()+len(p) > m.WriteLimit {
		k := m.WriteLimit - m.Buf.Len()
		if k < 0 {
			k = 0
		}
		m.Buf.Write(p[:k])
		return k, m.WriteErr
	}
	return m.Buf.Write(p)
}

func (m *MemorySink) Sync() error {
	if m.SyncErr != nil {
		return m.SyncErr
	}
	m.Synced = true
	return nil
}

func (m *MemorySink) Close() error {
	m.Closed = true
	return m.CloseErr
}

func (m *MemorySink) Path() string {
	return m.Name
}

// MemoryOpener hands out MemorySinks and remembers them by batch number.
type MemoryOpener struct {
	Sinks   map[uint64]*MemorySink
	OpenErr error
	// Prepare, if set, configures each sink before it is returned.
	Prepare func(*MemorySink)
}

// NewMemoryOpener creates an empty MemoryOpener.
func NewMemoryOpener() *MemoryOpener {
	return &MemoryOpener{Sinks: make(map[uint64]*MemorySink)}
}

// Open implements Opener.
func (o *MemoryOpener) Open(batchNumber uint64) (Sink, error) {
	if o.OpenErr != nil {
		return nil, o.OpenErr
	}
	s := &MemorySink{Name: "/memory/" + BatchFileName(0, batchNumber)}
	if o.Prepare != nil {
		o.Prepare(s)
	}
	o.Sinks[batchNumber] = s
	return s, nil
}
