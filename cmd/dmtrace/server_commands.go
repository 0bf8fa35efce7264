package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/dmtrace/client"
	"github.com/brojonat/dmtrace/service/notify"
)

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check server health",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			serverURL := c.String("server-url")
			if serverURL == "" {
				return fmt.Errorf("server-url is required (set SERVER_URL env var or use --server-url)")
			}

			httpClient := &http.Client{
				Timeout: c.Duration("timeout"),
			}

			resp, err := httpClient.Get(serverURL + "/health")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusOK {
				fmt.Fprintf(c.App.Writer, "Server is healthy (status: %d)\n", resp.StatusCode)
				fmt.Fprintf(c.App.Writer, "  URL: %s\n", serverURL)
				return nil
			}

			return fmt.Errorf("server returned unhealthy status: %d", resp.StatusCode)
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			fmt.Fprintf(c.App.Writer, "dmtrace CLI\n")
			fmt.Fprintf(c.App.Writer, "  Version: %s\n", version)
			fmt.Fprintf(c.App.Writer, "  Commit:  %s\n", commit)
			fmt.Fprintf(c.App.Writer, "  Built:   %s\n", date)
			return nil
		},
	}
}

func remoteBatchesCommand() *cli.Command {
	return &cli.Command{
		Name:  "batches",
		Usage: "List batches through the server API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "shard",
				Usage: "Only list batches of this shard",
				Value: -1,
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of batches",
				Value: 50,
			},
		},
		Action: func(c *cli.Context) error {
			cl := client.NewClient(c.String("server-url"), nil, setupLogger(c.String("log-level")))

			opts := client.ListOptions{Limit: c.Int("limit")}
			if shard := c.Int("shard"); shard >= 0 {
				opts.Shard = &shard
			}

			batches, err := cl.ListBatches(c.Context, opts)
			if err != nil {
				return fmt.Errorf("failed to list batches: %w", err)
			}

			if c.Bool("json") {
				return writeJSON(c.App.Writer, batches)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SHARD\tBATCH\tTXNS\tQUARANTINED\tPATH")
			for _, b := range batches {
				fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%s\n", b.Shard, b.BatchNumber, b.Transactions, b.Quarantined, b.Path)
			}
			return w.Flush()
		},
	}
}

func awaitBatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Usage:     "Block until the server streams a batch at or above a number",
		ArgsUsage: "<batch_number>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "shard",
				Usage: "Shard to watch (all shards when negative)",
				Value: -1,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait",
				Value: 5 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: batch number")
			}
			number, err := strconv.ParseUint(c.Args().First(), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid batch number %q: %w", c.Args().First(), err)
			}

			var shard *int
			if s := c.Int("shard"); s >= 0 {
				shard = &s
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			cl := client.NewClient(c.String("server-url"), nil, setupLogger(c.String("log-level")))
			ready, err := cl.AwaitBatch(ctx, shard, func(b *notify.BatchReady) bool {
				return b.BatchNumber >= number
			})
			if err != nil {
				return fmt.Errorf("failed to await batch: %w", err)
			}

			if c.Bool("json") {
				return writeJSON(c.App.Writer, ready)
			}
			fmt.Fprintf(c.App.Writer, "batch %d (shard %d): %d transactions -> %s\n",
				ready.BatchNumber, ready.Shard, ready.Transactions, ready.Path)
			return nil
		},
	}
}
