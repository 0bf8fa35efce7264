package main

import (
	"fmt"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/dmtrace/service/temporal"
)

// newScheduler connects to Temporal. Tests replace it with an in-memory scheduler.
var newScheduler = func(c *cli.Context) (temporal.Scheduler, func(), error) {
	client, err := temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("task-queue"),
		setupLogger(c.String("log-level")),
	)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

func temporalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "temporal-host",
			Usage:   "Temporal frontend address",
			EnvVars: []string{"TEMPORAL_HOST"},
			Value:   "localhost:7233",
		},
		&cli.StringFlag{
			Name:    "temporal-namespace",
			Usage:   "Temporal namespace",
			EnvVars: []string{"TEMPORAL_NAMESPACE"},
			Value:   "default",
		},
		&cli.StringFlag{
			Name:    "task-queue",
			Usage:   "Task queue the tracing worker listens on",
			EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
			Value:   "dmtrace-address-tracing",
		},
	}
}

func upsertScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "upsert",
		Usage:     "Trace an address on a schedule, or change its interval",
		ArgsUsage: "<address>",
		Description: `Create or update the Temporal schedule that records new transactions touching
an address into batch files. Each run picks up where the previous one stopped.

Examples:
  dmtrace schedule upsert --every 30s TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA`,
		Flags: append(temporalFlags(),
			&cli.DurationFlag{
				Name:    "every",
				Usage:   "Interval between runs",
				EnvVars: []string{"TRACE_INTERVAL"},
				Value:   time.Minute,
			},
			&cli.IntFlag{
				Name:    "limit",
				Usage:   "Maximum signatures recorded per run",
				EnvVars: []string{"TRACE_LIMIT"},
				Value:   temporal.DefaultSignatureLimit,
			},
		),
		Action: func(c *cli.Context) error {
			address, err := addressArg(c)
			if err != nil {
				return err
			}
			interval := c.Duration("every")
			if interval < time.Second {
				return fmt.Errorf("--every must be at least 1s")
			}
			limit := c.Int("limit")
			if limit < 1 || limit > 1000 {
				return fmt.Errorf("--limit must be between 1 and 1000")
			}

			scheduler, closer, err := newScheduler(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := scheduler.UpsertAddressSchedule(c.Context, address, interval, limit); err != nil {
				return err
			}
			if c.Bool("json") {
				return writeJSON(c.App.Writer, map[string]any{
					"address":  address,
					"interval": interval.String(),
					"limit":    limit,
				})
			}
			fmt.Fprintf(c.App.Writer, "Tracing %s every %s (up to %d signatures per run)\n", address, interval, limit)
			return nil
		},
	}
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Stop tracing an address",
		ArgsUsage: "<address>",
		Flags:     temporalFlags(),
		Action: func(c *cli.Context) error {
			address, err := addressArg(c)
			if err != nil {
				return err
			}

			scheduler, closer, err := newScheduler(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := scheduler.DeleteAddressSchedule(c.Context, address); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "Stopped tracing %s\n", address)
			return nil
		},
	}
}

func addressArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one address argument")
	}
	address := c.Args().First()
	if _, err := solanago.PublicKeyFromBase58(address); err != nil {
		return "", fmt.Errorf("invalid address %q: %w", address, err)
	}
	return address, nil
}
