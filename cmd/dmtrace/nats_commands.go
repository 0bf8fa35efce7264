package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"

	natspkg "github.com/brojonat/dmtrace/service/nats"
)

const defaultNATSURL = "nats://localhost:4222"

// subscribeCommand streams batch-ready events.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to batch-ready events",
		ArgsUsage: "[shard]",
		Description: `Subscribe to batch-ready events published to NATS JetStream.

Events for shard N are published to the subject dmlog.batches.N. Without a shard
argument every shard is streamed.

Example:
  dmtrace nats subscribe 0 --json`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "durable",
				Usage: "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "dmtrace-cli",
			},
		},
		Action: func(c *cli.Context) error {
			subject := natspkg.StreamSubjects
			if c.NArg() > 0 {
				shard, err := strconv.Atoi(c.Args().First())
				if err != nil || shard < 0 {
					return fmt.Errorf("invalid shard %q", c.Args().First())
				}
				subject = natspkg.Subject(shard)
			}

			nc, err := nats.Connect(natsURL(c))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			consumerConfig := jetstream.ConsumerConfig{
				FilterSubject: subject,
				AckPolicy:     jetstream.AckExplicitPolicy,
			}
			if c.Bool("durable") {
				consumerConfig.Durable = c.String("consumer-name")
				consumerConfig.Name = c.String("consumer-name")
			}

			cons, err := js.CreateOrUpdateConsumer(context.Background(), natspkg.StreamName, consumerConfig)
			if err != nil {
				return fmt.Errorf("failed to create consumer: %w", err)
			}

			jsonOutput := c.Bool("json")
			if !jsonOutput {
				fmt.Fprintf(c.App.ErrWriter, "Subscribing to: %s\nWaiting for batches... (Ctrl-C to exit)\n\n", subject)
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			msgChan := make(chan jetstream.Msg, 10)
			cc, err := cons.Consume(func(msg jetstream.Msg) {
				msgChan <- msg
			})
			if err != nil {
				return fmt.Errorf("failed to start consuming: %w", err)
			}
			defer cc.Stop()

			count := 0
			for {
				select {
				case msg := <-msgChan:
					event, err := natspkg.DecodeBatchReady(msg.Data())
					if err != nil {
						fmt.Fprintf(c.App.ErrWriter, "Error parsing event: %v\n", err)
						msg.Ack()
						continue
					}
					count++

					if jsonOutput {
						writeJSONLine(c.App.Writer, event)
					} else {
						fmt.Fprintf(c.App.Writer, "batch %d (shard %d): %d transactions, %d quarantined, %d bytes -> %s\n",
							event.BatchNumber, event.Shard, event.Transactions, event.Quarantined, event.Bytes, event.Path)
					}
					msg.Ack()

				case <-sigChan:
					if !jsonOutput {
						fmt.Fprintf(c.App.ErrWriter, "\nReceived %d batches\n", count)
					}
					return nil
				}
			}
		},
	}
}

// inspectStreamCommand shows information about the batch event stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the DMLOG_BATCHES JetStream stream",
		Action: func(c *cli.Context) error {
			nc, err := nats.Connect(natsURL(c))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			stream, err := js.Stream(context.Background(), natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}

			info, err := stream.Info(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if c.Bool("json") {
				return writeJSON(c.App.Writer, info)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Stream:       %s\n", info.Config.Name)
			fmt.Fprintf(w, "Description:  %s\n", info.Config.Description)
			fmt.Fprintf(w, "Subjects:     %v\n", info.Config.Subjects)
			fmt.Fprintf(w, "Messages:     %d\n", info.State.Msgs)
			fmt.Fprintf(w, "Bytes:        %d\n", info.State.Bytes)
			fmt.Fprintf(w, "First Seq:    %d\n", info.State.FirstSeq)
			fmt.Fprintf(w, "Last Seq:     %d\n", info.State.LastSeq)
			fmt.Fprintf(w, "Consumers:    %d\n", info.State.Consumers)
			fmt.Fprintf(w, "Max Age:      %s\n", info.Config.MaxAge)
			fmt.Fprintf(w, "Storage:      %s\n", info.Config.Storage)
			return nil
		},
	}
}

func natsURL(c *cli.Context) string {
	if u := c.String("nats-url"); u != "" {
		return u
	}
	return defaultNATSURL
}
