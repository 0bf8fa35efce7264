package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/dmtrace/service/db"
)

func listBatchesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-batches",
		Usage:   "List catalogued batch files, most recent first",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "shard",
				Aliases: []string{"s"},
				Usage:   "Only list batches of this shard",
				Value:   -1,
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of batches",
				Value:   50,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			params := db.ListBatchesParams{Limit: int32(c.Int("limit"))}
			if shard := c.Int("shard"); shard >= 0 {
				params.Shard = &shard
			}

			batches, err := store.ListBatches(context.Background(), params)
			if err != nil {
				return fmt.Errorf("failed to list batches: %w", err)
			}

			if c.Bool("json") {
				return writeJSON(c.App.Writer, batches)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SHARD\tBATCH\tTXNS\tQUARANTINED\tBYTES\tFLUSHED\tPATH")
			for _, b := range batches {
				fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
					b.Shard,
					b.BatchNumber,
					b.Transactions,
					b.Quarantined,
					b.Bytes,
					b.FlushedAt.Format(time.RFC3339),
					b.Path,
				)
			}
			w.Flush()

			fmt.Fprintf(c.App.ErrWriter, "\nTotal: %d batches\n", len(batches))
			return nil
		},
	}
}

func getBatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-batch",
		Usage:     "Get catalog details of one batch",
		Aliases:   []string{"get"},
		ArgsUsage: "<batch_number>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "shard",
				Aliases: []string{"s"},
				Usage:   "Shard of the batch",
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

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			b, err := store.GetBatch(context.Background(), c.Int("shard"), number)
			if err != nil {
				return fmt.Errorf("failed to get batch: %w", err)
			}

			if c.Bool("json") {
				return writeJSON(c.App.Writer, b)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Shard:        %d\n", b.Shard)
			fmt.Fprintf(w, "Batch:        %d\n", b.BatchNumber)
			fmt.Fprintf(w, "Path:         %s\n", b.Path)
			fmt.Fprintf(w, "Transactions: %d\n", b.Transactions)
			fmt.Fprintf(w, "Quarantined:  %d\n", b.Quarantined)
			fmt.Fprintf(w, "Bytes:        %d\n", b.Bytes)
			fmt.Fprintf(w, "Flushed:      %s\n", b.FlushedAt.Format(time.RFC3339))
			fmt.Fprintf(w, "Catalogued:   %s\n", b.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

// getStore connects to the catalog database.
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db.NewStore(pool), pool.Close, nil
}
