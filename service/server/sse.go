package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	natspkg "github.com/brojonat/dmtrace/service/nats"
)

// SSEPublisher relays batch-ready notifications from JetStream to Server-Sent Events clients.
type SSEPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSSEPublisher creates a new SSE publisher that subscribes to NATS internally.
func NewSSEPublisher(natsURL string, logger *slog.Logger) (*SSEPublisher, error) {
	// One connection per process; every SSE client gets its own consumer on it
	nc, err := nats.Connect(natsURL,
		nats.Name("dmtrace-sse-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	// JetStream context for ephemeral consumers
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("SSE publisher initialized", "nats_url", natsURL)

	return &SSEPublisher{
		nc:     nc,
		js:     js,
		logger: logger,
	}, nil
}

// Close closes the NATS connection.
func (p *SSEPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("SSE publisher closed")
	}
	return nil
}

// handleStreamBatches streams batch-ready events as Server-Sent Events.
// Without a shard path parameter every shard is streamed.
//
// A client sees one "connected" event, then one "batch" event per flushed batch:
//
//	event: batch
//	data: {"batch_number":7,"shard":1,"path":"/data/dmlog-1-7",...}
//
// Keepalive comments are sent every 10 seconds while the stream is idle.
func handleStreamBatches(publisher *SSEPublisher, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Shard filter, or the wildcard subject for the "all shards" route
		subject := natspkg.StreamSubjects
		shardDesc := "all shards"
		if s := r.PathValue("shard"); s != "" {
			shard, err := parseShard(s)
			if err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			subject = natspkg.Subject(shard)
			shardDesc = s
		}

		// SSE headers go out before the consumer exists so the client sees the stream open
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flush(w)

		logger.DebugContext(r.Context(), "SSE client connected",
			"shard", shardDesc,
			"remote_addr", r.RemoteAddr,
		)

		// Ephemeral consumer, deleted once the connection is gone. Batches flushed
		// before the client connected are not replayed.
		cons, err := publisher.js.CreateOrUpdateConsumer(r.Context(), natspkg.StreamName, jetstream.ConsumerConfig{
			FilterSubject: subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverNewPolicy,
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to create consumer",
				"shard", shardDesc,
				"error", err,
			)
			fmt.Fprintf(w, "event: error\ndata: {\"error\": \"failed to subscribe\"}\n\n")
			return
		}

		// Consume on a separate goroutine; the handler goroutine owns the writer
		msgChan := make(chan jetstream.Msg, 10)
		doneChan := make(chan struct{})

		go func() {
			defer close(doneChan)
			cc, err := cons.Consume(func(msg jetstream.Msg) {
				select {
				case msgChan <- msg:
				case <-r.Context().Done():
					return
				}
			})
			if err != nil {
				logger.ErrorContext(r.Context(), "failed to start consuming messages",
					"error", err,
				)
				return
			}
			// Stop consuming once the client goes away
			<-r.Context().Done()
			cc.Stop()
		}()

		fmt.Fprintf(w, "event: connected\ndata: {\"shard\":%q}\n\n", shardDesc)
		flush(w)

		keepalive := time.NewTicker(10 * time.Second)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				// Comment line; proxies drop idle connections otherwise
				fmt.Fprintf(w, ": keepalive\n\n")
				flush(w)

			case msg := <-msgChan:
				// Undecodable events are acked so they are not redelivered forever
				event, err := natspkg.DecodeBatchReady(msg.Data())
				if err != nil {
					logger.WarnContext(r.Context(), "failed to decode batch event", "error", err)
					msg.Ack()
					continue
				}

				data, err := json.Marshal(event)
				if err != nil {
					logger.WarnContext(r.Context(), "failed to marshal batch event", "error", err)
					msg.Ack()
					continue
				}

				fmt.Fprintf(w, "event: batch\ndata: %s\n\n", data)
				flush(w)
				msg.Ack()

				logger.DebugContext(r.Context(), "sent batch event",
					"shard", event.Shard,
					"batch_number", event.BatchNumber,
				)

			case <-r.Context().Done():
				// Client disconnected
				logger.DebugContext(r.Context(), "SSE client disconnected",
					"shard", shardDesc,
					"remote_addr", r.RemoteAddr,
				)
				return

			case <-doneChan:
				// Consumer failed or stopped
				return
			}
		}
	})
}

func flush(w http.ResponseWriter) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}
