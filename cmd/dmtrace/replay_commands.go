package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/dmtrace/service/config"
	"github.com/brojonat/dmtrace/service/db"
	"github.com/brojonat/dmtrace/service/legacy"
	natspkg "github.com/brojonat/dmtrace/service/nats"
	"github.com/brojonat/dmtrace/service/notify"
	"github.com/brojonat/dmtrace/service/recorder"
	"github.com/brojonat/dmtrace/service/solana"
)

// transactionFetcher is the part of *solana.Client replay needs.
type transactionFetcher interface {
	FetchTransaction(ctx context.Context, sig solanago.Signature) (*solana.FetchedTransaction, error)
}

func replayCommand() *cli.Command {
	return &cli.Command{
		Name:      "replay",
		Usage:     "Record confirmed transactions into batch files",
		ArgsUsage: "[signature...]",
		Description: `Fetch confirmed transactions over RPC and record them as if they were executing.

Batch files are written to DMLOG_BATCH_FILES_PATH for DMLOG_SHARD, DMLOG_BATCH_SIZE
transactions at a time. A completion marker is printed to stdout after each batch
is durable. When NATS_URL or DATABASE_URL is set, every batch is also announced
on NATS or recorded in the batch catalog.

Examples:
  dmtrace replay 5j7s6NiJS3JAkvgkoc18WVAsiSaci2pxB2A6ueCJP4tprA2TFg9wSyTLeYouxPBJEMzJinENTkpA52YStRW5Dia7
  dmtrace replay --address TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA --limit 50 --batch 100`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "address",
				Aliases: []string{"a"},
				Usage:   "Replay the most recent transactions touching this address",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Number of recent transactions to replay with --address",
				Value: 10,
			},
			&cli.Uint64Flag{
				Name:  "batch",
				Usage: "Number of the first batch",
			},
			&cli.StringFlag{
				Name:  "batch-dir",
				Usage: "Directory for batch files (overrides DMLOG_BATCH_FILES_PATH)",
			},
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "Transactions per batch (overrides DMLOG_BATCH_SIZE)",
			},
			&cli.BoolFlag{
				Name:  "legacy",
				Usage: "Also emit line-oriented DMLOG records on stdout",
			},
			&cli.StringFlag{
				Name:    "rpc-url",
				Usage:   "Solana RPC endpoint",
				EnvVars: []string{"SOLANA_RPC_URL"},
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if c.IsSet("batch-dir") {
				cfg.BatchFilesPath = c.String("batch-dir")
			}
			if c.IsSet("batch-size") {
				cfg.BatchSize = c.Int("batch-size")
			}
			if c.IsSet("rpc-url") {
				cfg.SolanaRPCURL = c.String("rpc-url")
			}
			if c.Bool("legacy") {
				cfg.LegacyLines = true
			}
			cfg.DatabaseURL = c.String("database-url")
			cfg.NATSURL = c.String("nats-url")
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := setupLogger(c.String("log-level"))
			ctx := c.Context

			rpcClient := solana.NewRPCClient(cfg.SolanaRPCURL)
			sc := solana.NewClient(rpcClient, solana.EndpointLabel(cfg.SolanaRPCURL), nil, logger).
				WithMaxRetries(cfg.SolanaMaxRetries).
				WithTimeout(cfg.SolanaRPCTimeout)

			sigs, err := signaturesToReplay(ctx, c, sc)
			if err != nil {
				return err
			}
			if len(sigs) == 0 {
				return fmt.Errorf("nothing to replay: pass signatures or --address")
			}

			publishers, closePublishers, err := buildPublishers(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closePublishers()

			rec, err := recorder.New(recorder.Options{
				BatchNumber: c.Uint64("batch"),
				Shard:       cfg.Shard,
				Open:        cfg.BatchOpener(),
				Marker:      c.App.Writer,
				Publishers:  publishers,
				Legacy:      legacy.Emitter{Enabled: cfg.LegacyLines, Out: c.App.Writer},
				Logger:      logger,
			})
			if err != nil {
				return err
			}

			results, err := replaySignatures(ctx, sc, rec, sigs, cfg.BatchSize, logger)
			for _, r := range results {
				fmt.Fprintf(c.App.ErrWriter, "batch %d: %d transactions, %d quarantined, %d bytes -> %s\n",
					r.BatchNumber, r.Transactions, len(r.Quarantined), r.Bytes, r.Path)
			}
			return err
		},
	}
}

func signaturesToReplay(ctx context.Context, c *cli.Context, sc *solana.Client) ([]solanago.Signature, error) {
	var sigs []solanago.Signature
	for _, arg := range c.Args().Slice() {
		sig, err := solanago.SignatureFromBase58(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid signature %q: %w", arg, err)
		}
		sigs = append(sigs, sig)
	}

	if address := c.String("address"); address != "" {
		pk, err := solanago.PublicKeyFromBase58(address)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", address, err)
		}
		recent, err := sc.RecentSignatures(ctx, pk, c.Int("limit"))
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, recent...)
	}
	return sigs, nil
}

// replaySignatures records each transaction and flushes every batchSize transactions.
// Transactions that cannot be fetched or replayed are skipped.
func replaySignatures(ctx context.Context, f transactionFetcher, rec *recorder.Recorder, sigs []solanago.Signature, batchSize int, logger *slog.Logger) ([]*recorder.FlushResult, error) {
	var results []*recorder.FlushResult
	for _, sig := range sigs {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		fetched, err := f.FetchTransaction(ctx, sig)
		if errors.Is(err, solana.ErrTransactionNotFound) {
			logger.Warn("transaction not found, skipping", "signature", sig.String())
			continue
		}
		if err != nil {
			return results, err
		}

		if err := solana.Replay(rec, fetched.Transaction, fetched.Meta); err != nil {
			logger.Warn("transaction not replayed", "signature", sig.String(), "error", err)
			continue
		}

		if rec.Pending() >= batchSize {
			res, err := flushAndAdvance(ctx, rec)
			if err != nil {
				return results, err
			}
			results = append(results, res)
		}
	}

	if rec.Pending() > 0 {
		res, err := flushAndAdvance(ctx, rec)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func flushAndAdvance(ctx context.Context, rec *recorder.Recorder) (*recorder.FlushResult, error) {
	res, err := rec.Flush(ctx)
	if err != nil {
		return nil, err
	}
	if err := rec.Reset(rec.BatchNumber() + 1); err != nil {
		return nil, err
	}
	return res, nil
}

// buildPublishers connects the optional batch notification targets.
func buildPublishers(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]notify.Publisher, func(), error) {
	var (
		publishers []notify.Publisher
		pool       *pgxpool.Pool
	)
	closeAll := func() {
		for _, p := range publishers {
			p.Close()
		}
		if pool != nil {
			pool.Close()
		}
	}

	if cfg.NATSURL != "" {
		p, err := natspkg.NewPublisher(cfg.NATSURL, nil, logger)
		if err != nil {
			return nil, nil, err
		}
		publishers = append(publishers, p)
	}

	if cfg.DatabaseURL != "" {
		var err error
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		store := db.NewStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			closeAll()
			return nil, nil, err
		}
		publishers = append(publishers, db.NewCatalogPublisher(store, nil, logger))
	}

	return publishers, closeAll, nil
}
