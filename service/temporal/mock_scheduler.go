package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockScheduler is an in-memory Scheduler for testing.
type MockScheduler struct {
	mu        sync.Mutex
	schedules map[string]ScheduleSettings
	upsertErr error
	deleteErr error
}

// ScheduleSettings is what MockScheduler remembers per schedule.
type ScheduleSettings struct {
	Interval time.Duration
	Limit    int
}

var _ Scheduler = (*MockScheduler)(nil)

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{
		schedules: make(map[string]ScheduleSettings),
	}
}

// UpsertAddressSchedule records the schedule, replacing any previous settings.
func (m *MockScheduler) UpsertAddressSchedule(ctx context.Context, address string, interval time.Duration, limit int) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[scheduleID(address)] = ScheduleSettings{Interval: interval, Limit: limit}
	return nil
}

// DeleteAddressSchedule removes the schedule for an address.
func (m *MockScheduler) DeleteAddressSchedule(ctx context.Context, address string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := scheduleID(address)
	if _, exists := m.schedules[id]; !exists {
		return fmt.Errorf("schedule %q not found", id)
	}
	delete(m.schedules, id)
	return nil
}

// SetUpsertError makes UpsertAddressSchedule return err.
func (m *MockScheduler) SetUpsertError(err error) {
	m.upsertErr = err
}

// SetDeleteError makes DeleteAddressSchedule return err.
func (m *MockScheduler) SetDeleteError(err error) {
	m.deleteErr = err
}

// Schedule returns the settings of an address's schedule.
func (m *MockScheduler) Schedule(address string) (ScheduleSettings, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[scheduleID(address)]
	return s, ok
}

// ScheduleCount returns the number of schedules.
func (m *MockScheduler) ScheduleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.schedules)
}
