package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"
)

// Client is a production implementation of Scheduler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

var _ Scheduler = (*Client)(nil)

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Debug("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// CreateAddressSchedule creates a new Temporal schedule for tracing an address.
func (c *Client) CreateAddressSchedule(ctx context.Context, address string, interval time.Duration, limit int) error {
	id := scheduleID(address)

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: id,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{
				{Every: interval},
			},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        workflowID(address),
			Workflow:  "TraceAddressWorkflow",
			TaskQueue: c.taskQueue,
			Args:      []interface{}{TraceAddressInput{Address: address, Limit: limit}},
		},
		Memo: map[string]interface{}{
			"address":    address,
			"created_by": "dmtrace",
		},
	})
	if err != nil {
		c.logger.Error("failed to create schedule",
			"address", address,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to create schedule %q: %w", id, err)
	}

	c.logger.Info("address schedule created",
		"address", address,
		"schedule_id", id,
		"interval", interval,
		"limit", limit,
	)
	return nil
}

// UpsertAddressSchedule creates or updates the schedule for an address.
// An existing schedule gets the new interval and signature limit.
func (c *Client) UpsertAddressSchedule(ctx context.Context, address string, interval time.Duration, limit int) error {
	id := scheduleID(address)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.Debug("schedule not found, creating new one",
			"schedule_id", id,
			"error", err,
		)
		return c.CreateAddressSchedule(ctx, address, interval, limit)
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(input client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			input.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{
				{Every: interval},
			}
			if action, ok := input.Description.Schedule.Action.(*client.ScheduleWorkflowAction); ok {
				action.Args = []interface{}{TraceAddressInput{Address: address, Limit: limit}}
			}
			return &client.ScheduleUpdate{
				Schedule: &input.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule",
			"address", address,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to update schedule %q: %w", id, err)
	}

	c.logger.Info("address schedule updated",
		"address", address,
		"schedule_id", id,
		"interval", interval,
		"limit", limit,
	)
	return nil
}

// DeleteAddressSchedule deletes the Temporal schedule for an address.
func (c *Client) DeleteAddressSchedule(ctx context.Context, address string) error {
	id := scheduleID(address)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule",
			"address", address,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to delete schedule %q: %w", id, err)
	}

	c.logger.Info("address schedule deleted", "address", address, "schedule_id", id)
	return nil
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
