package nats

import (
	"context"
	"sync"

	"github.com/brojonat/dmtrace/service/notify"
)

// MockPublisher is a mock implementation of notify.Publisher for testing.
type MockPublisher struct {
	mu           sync.RWMutex
	published    []*notify.BatchReady
	publishError error
	closed       bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		published: make([]*notify.BatchReady, 0),
	}
}

// Name identifies the mock in metrics.
func (m *MockPublisher) Name() string {
	return "mock"
}

// PublishBatch records the event and returns any configured error.
func (m *MockPublisher) PublishBatch(ctx context.Context, event *notify.BatchReady) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}

	m.published = append(m.published, event)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetPublishedEvents returns a copy of all published events.
func (m *MockPublisher) GetPublishedEvents() []*notify.BatchReady {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*notify.BatchReady, len(m.published))
	copy(events, m.published)
	return events
}

// GetPublishedEventCount returns the number of published events.
func (m *MockPublisher) GetPublishedEventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.published)
}

// GetPublishedEventsForShard returns events published for a specific shard.
func (m *MockPublisher) GetPublishedEventsForShard(shard int) []*notify.BatchReady {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*notify.BatchReady, 0)
	for _, event := range m.published {
		if event.Shard == shard {
			events = append(events, event)
		}
	}
	return events
}

// SetPublishError configures the mock to return an error on PublishBatch.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// Reset clears all published events and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = make([]*notify.BatchReady, 0)
	m.publishError = nil
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
