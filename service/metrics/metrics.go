package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// A single instance is built at startup and handed to every component that records metrics.
type Metrics struct {
	// Recorder Metrics
	transactionsTotal  *prometheus.CounterVec
	instructionsTotal  prometheus.Counter
	changesTotal       *prometheus.CounterVec
	protocolErrors     *prometheus.CounterVec
	quarantinedTotal   prometheus.Counter
	pendingTransaction prometheus.Gauge

	// Flush Metrics
	flushDuration     *prometheus.HistogramVec
	flushesTotal      *prometheus.CounterVec
	flushBytes        prometheus.Histogram
	batchTransactions prometheus.Histogram
	publishTotal      *prometheus.CounterVec

	// Solana RPC Metrics
	solanaRPCCallsTotal    *prometheus.CounterVec
	solanaRPCCallDuration  *prometheus.HistogramVec
	solanaRPCRateLimitHits *prometheus.CounterVec
	solanaRPCRetries       *prometheus.CounterVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec

	// Temporal Metrics
	activityDuration      *prometheus.HistogramVec
	tracedSignaturesTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Recorder Metrics
		transactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmlog_transactions_total",
				Help: "Total number of traced transactions by outcome",
			},
			[]string{"outcome"},
		),
		instructionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dmlog_instructions_total",
				Help: "Total number of instruction frames opened",
			},
		),
		changesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmlog_changes_total",
				Help: "Total number of recorded state changes by kind",
			},
			[]string{"kind"},
		),
		protocolErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmlog_protocol_errors_total",
				Help: "Total number of recorder API misuse errors by kind",
			},
			[]string{"kind"},
		),
		quarantinedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dmlog_quarantined_transactions_total",
				Help: "Total number of transactions excluded from a batch after a protocol error",
			},
		),
		pendingTransaction: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dmlog_pending_transactions",
				Help: "Number of transactions buffered in the current batch",
			},
		),

		// Flush Metrics
		flushDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dmlog_flush_duration_seconds",
				Help:    "Duration of batch flushes in seconds, including the durability barrier",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"status"},
		),
		flushesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmlog_flushes_total",
				Help: "Total number of batch flushes by status and failing step",
			},
			[]string{"status", "op"},
		),
		flushBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dmlog_flush_bytes",
				Help:    "Size of flushed batch files in bytes",
				Buckets: prometheus.ExponentialBuckets(64, 4, 10),
			},
		),
		batchTransactions: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dmlog_batch_transactions",
				Help:    "Number of transactions written per batch",
				Buckets: []float64{0, 1, 10, 50, 100, 500, 1000, 5000},
			},
		),
		publishTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmlog_batch_notifications_total",
				Help: "Total number of batch-ready notifications by publisher and status",
			},
			[]string{"publisher", "status"},
		),

		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		solanaRPCRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rate_limit_hits_total",
				Help: "Total number of Solana RPC rate limit hits (429 errors)",
			},
			[]string{"endpoint"},
		),
		solanaRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),

		// Temporal Metrics
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "temporal_activity_duration_seconds",
				Help:    "Duration of Temporal activity executions in seconds",
				Buckets: []float64{0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 300.0},
			},
			[]string{"activity", "status"},
		),
		tracedSignaturesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmlog_traced_signatures_total",
				Help: "Total number of signatures processed by scheduled address tracing",
			},
			[]string{"outcome"},
		),
	}
}

// Recorder metric helpers

// RecordTransaction records a transaction outcome ("started", "quarantined", "flushed").
func (m *Metrics) RecordTransaction(outcome string, count int) {
	m.transactionsTotal.WithLabelValues(outcome).Add(float64(count))
}

// RecordInstruction records an opened instruction frame.
func (m *Metrics) RecordInstruction() {
	m.instructionsTotal.Inc()
}

// RecordChange records a state change of the given kind ("account", "balance", "log").
func (m *Metrics) RecordChange(kind string) {
	m.changesTotal.WithLabelValues(kind).Inc()
}

// RecordProtocolError records a recorder API misuse.
func (m *Metrics) RecordProtocolError(kind string) {
	m.protocolErrors.WithLabelValues(kind).Inc()
}

// RecordQuarantined records transactions dropped from a batch.
func (m *Metrics) RecordQuarantined(count int) {
	m.quarantinedTotal.Add(float64(count))
}

// SetPendingTransactions sets the number of buffered transactions.
func (m *Metrics) SetPendingTransactions(count int) {
	m.pendingTransaction.Set(float64(count))
}

// Flush metric helpers

// RecordFlush records a completed flush. op is the failing step, empty on success.
func (m *Metrics) RecordFlush(op string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.flushDuration.WithLabelValues(status).Observe(duration)
	m.flushesTotal.WithLabelValues(status, op).Inc()
}

// RecordBatchWritten records the size of a durably written batch.
func (m *Metrics) RecordBatchWritten(transactions int, bytes int64) {
	m.batchTransactions.Observe(float64(transactions))
	m.flushBytes.Observe(float64(bytes))
}

// RecordBatchNotification records a batch-ready publish attempt.
func (m *Metrics) RecordBatchNotification(publisher string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.publishTotal.WithLabelValues(publisher, status).Inc()
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.solanaRPCRateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	m.solanaRPCRetries.WithLabelValues(method, reason).Inc()
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Temporal metric helpers

// RecordActivityDuration records one activity execution.
func (m *Metrics) RecordActivityDuration(activity string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.activityDuration.WithLabelValues(activity, status).Observe(duration)
}

// RecordTracedSignatures counts signatures handled by scheduled tracing ("recorded", "skipped").
func (m *Metrics) RecordTracedSignatures(outcome string, count int) {
	m.tracedSignaturesTotal.WithLabelValues(outcome).Add(float64(count))
}

// Helper functions

func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
