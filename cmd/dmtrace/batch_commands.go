package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/dmtrace/client"
	"github.com/brojonat/dmtrace/service/solana"
	"github.com/brojonat/dmtrace/service/trace"
)

func filterFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "jq",
			Usage: "jq filter a transaction must satisfy (repeatable, all must be truthy)",
		},
		&cli.BoolFlag{
			Name:    "describe",
			Aliases: []string{"d"},
			Usage:   "Summarize instructions of well-known programs",
		},
	}
}

func inspectBatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Decode a batch file and print its transactions",
		ArgsUsage: "<path>",
		Description: `Decode a dmlog batch file.

Transactions can be selected with jq filters evaluated against their JSON form.

Example:
  dmtrace batch inspect /tmp/dmlog-1-42 --jq '.log_messages | length > 0' --describe`,
		Flags: filterFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: batch file path")
			}

			codes, err := compileFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			path := c.Args().First()
			batch, err := client.ReadBatchFile(path)
			if err != nil {
				return fmt.Errorf("failed to read batch: %w", err)
			}

			txs, err := selectTransactions(batch, codes)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return writeJSON(c.App.Writer, batchView(batch.Number, path, txs, c.Bool("describe")))
			}
			printBatch(c.App.Writer, batch.Number, path, txs, c.Bool("describe"))
			fmt.Fprintf(c.App.ErrWriter, "\nTotal: %d of %d transactions\n", len(txs), len(batch.Transactions))
			return nil
		},
	}
}

func followCommand() *cli.Command {
	return &cli.Command{
		Name:  "follow",
		Usage: "Read a recorder's stdout and decode every batch it announces",
		Description: `Follow completion markers ("DMLOG BATCH_FILE <path>") on stdin or --input,
decoding each batch file once its marker has been seen.

Example:
  engine | dmtrace batch follow --json --jq '.instructions | length > 3'`,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "input",
				Aliases: []string{"i"},
				Usage:   "Read markers from this file instead of stdin",
			},
		}, filterFlags()...),
		Action: func(c *cli.Context) error {
			codes, err := compileFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			var in io.Reader = os.Stdin
			if path := c.String("input"); path != "" {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("failed to open input: %w", err)
				}
				defer f.Close()
				in = f
			}

			return client.Follow(c.Context, in, func(path string) error {
				batch, err := client.ReadBatchFile(path)
				if err != nil {
					return err
				}
				txs, err := selectTransactions(batch, codes)
				if err != nil {
					return err
				}
				if c.Bool("json") {
					return writeJSONLine(c.App.Writer, batchView(batch.Number, path, txs, c.Bool("describe")))
				}
				printBatch(c.App.Writer, batch.Number, path, txs, c.Bool("describe"))
				return nil
			})
		},
	}
}

// selectTransactions returns the transactions of b matched by every filter.
func selectTransactions(b *trace.Batch, codes []*gojq.Code) ([]*trace.Transaction, error) {
	if len(codes) == 0 {
		return b.Transactions, nil
	}
	selected := make([]*trace.Transaction, 0)
	for _, tx := range b.Transactions {
		v, err := toJQValue(tx)
		if err != nil {
			return nil, fmt.Errorf("transaction %s: %w", tx.ID, err)
		}
		if matchAll(codes, v) {
			selected = append(selected, tx)
		}
	}
	return selected, nil
}

type batchOutput struct {
	BatchNumber  uint64              `json:"batch_number"`
	Path         string              `json:"path"`
	Transactions []transactionOutput `json:"transactions"`
}

type transactionOutput struct {
	*trace.Transaction
	Summaries map[uint32]string `json:"summaries,omitempty"`
}

func batchView(number uint64, path string, txs []*trace.Transaction, describe bool) batchOutput {
	out := batchOutput{BatchNumber: number, Path: path, Transactions: make([]transactionOutput, len(txs))}
	for i, tx := range txs {
		out.Transactions[i].Transaction = tx
		if !describe {
			continue
		}
		for _, inst := range tx.Instructions {
			if s, ok := solana.Describe(inst.ProgramID, inst.AccountKeys, inst.Data); ok {
				if out.Transactions[i].Summaries == nil {
					out.Transactions[i].Summaries = make(map[uint32]string)
				}
				out.Transactions[i].Summaries[inst.Ordinal] = s
			}
		}
	}
	return out
}

func printBatch(w io.Writer, number uint64, path string, txs []*trace.Transaction, describe bool) {
	fmt.Fprintf(w, "Batch %d (%s)\n", number, path)
	for _, tx := range txs {
		fmt.Fprintf(w, "\nTransaction %s\n", tx.ID)
		fmt.Fprintf(w, "  Signatures:   %d\n", 1+len(tx.AdditionalSignatures))
		fmt.Fprintf(w, "  Accounts:     %d\n", len(tx.AccountKeys))
		fmt.Fprintf(w, "  Blockhash:    %s\n", tx.RecentBlockhash)
		for _, inst := range tx.Instructions {
			indent := strings.Repeat("  ", int(inst.Depth)+1)
			fmt.Fprintf(w, "%s#%d %s", indent, inst.Ordinal, inst.ProgramID)
			if len(inst.AccountChanges) > 0 || len(inst.BalanceChanges) > 0 {
				fmt.Fprintf(w, " (%d account, %d balance changes)", len(inst.AccountChanges), len(inst.BalanceChanges))
			}
			fmt.Fprintln(w)
			if describe {
				if s, ok := solana.Describe(inst.ProgramID, inst.AccountKeys, inst.Data); ok {
					fmt.Fprintf(w, "%s  %s\n", indent, s)
				}
			}
		}
		for _, msg := range tx.LogMessages {
			fmt.Fprintf(w, "  log: %s\n", msg)
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONLine(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}
