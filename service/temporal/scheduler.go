package temporal

import (
	"context"
	"time"
)

// Scheduler manages Temporal schedules for address tracing.
// Each address gets its own schedule that triggers the TraceAddressWorkflow.
type Scheduler interface {
	// UpsertAddressSchedule creates the schedule for an address, or updates
	// its interval and limit if it already exists.
	UpsertAddressSchedule(ctx context.Context, address string, interval time.Duration, limit int) error

	// DeleteAddressSchedule deletes the schedule for an address.
	DeleteAddressSchedule(ctx context.Context, address string) error
}

// scheduleID returns the Temporal schedule ID for an address.
func scheduleID(address string) string {
	return "trace-address-" + address
}

// workflowID returns the ID of workflows started by an address schedule.
func workflowID(address string) string {
	return "trace-address-workflow-" + address
}
