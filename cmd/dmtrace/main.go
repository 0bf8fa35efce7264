package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "dmtrace",
		Usage: "Execution trace recorder CLI",
		Description: `A command-line tool for producing and inspecting dmlog batch files.

Use this CLI to replay confirmed transactions into batch files, decode and filter
batch files, follow a recorder's completion markers, and query the batch catalog.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			{
				Name:  "batch",
				Usage: "Batch file inspection commands",
				Subcommands: []*cli.Command{
					inspectBatchCommand(),
					followCommand(),
				},
			},
			replayCommand(),
			{
				Name:  "schedule",
				Usage: "Scheduled address tracing commands",
				Subcommands: []*cli.Command{
					upsertScheduleCommand(),
					deleteScheduleCommand(),
				},
			},
			{
				Name:  "db",
				Usage: "Batch catalog commands",
				Subcommands: []*cli.Command{
					listBatchesCommand(),
					getBatchCommand(),
				},
			},
			{
				Name:  "nats",
				Usage: "NATS batch event commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
					inspectStreamCommand(),
				},
			},
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
					remoteBatchesCommand(),
					awaitBatchCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "Server URL",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level for diagnostics on stderr (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "warn",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}
}

// setupLogger creates a structured logger on stderr with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
