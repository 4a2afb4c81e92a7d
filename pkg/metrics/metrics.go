package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ses_notifications_total",
			Help: "Total number of notifications processed, by notification type and outcome (count)",
		},
		[]string{"type", "status"},
	)

	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestion_batches_total",
			Help: "Total number of inbound batches processed (count)",
		},
		[]string{"source", "status"},
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingestion_batch_size",
			Help:    "Number of records per inbound batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		},
		[]string{"source"},
	)

	BatchProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingestion_batch_duration_ms",
			Help:    "Processing duration of an inbound batch in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"source", "status"},
	)

	DatabaseQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_queries_total",
			Help: "Total number of database queries (count)",
		},
		[]string{"database", "collection", "operation", "status"},
	)

	DatabaseQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_query_duration_ms",
			Help:    "Duration of database queries in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"database", "collection", "operation"},
	)

	DatabaseConnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_connects_total",
			Help: "Total number of document store connection attempts (count)",
		},
		[]string{"status"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"service", "topic"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to DLQ (count)",
		},
		[]string{"service", "topic", "reason"},
	)

	KafkaMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_read_total",
			Help: "Total number of messages read from Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of messages written to Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessageSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_message_size_bytes",
			Help:    "Size of Kafka messages in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
		[]string{"service", "topic", "direction"},
	)

	KafkaReadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_read_duration_ms",
			Help:    "Duration of collecting one batch from Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"service", "topic"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	SNSRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sns_http_requests_total",
			Help: "Total number of SNS HTTP deliveries received, by SNS message type and outcome (count)",
		},
		[]string{"type", "status"},
	)
)

var (
	ingestionOnce      sync.Once
	brokerOnce         sync.Once
	circuitBreakerOnce sync.Once
	httpOnce           sync.Once
)

// Register* functions are idempotent so that several entry points (or
// tests) can share one process-wide registry.

func RegisterIngestionMetrics() {
	ingestionOnce.Do(func() {
		prometheus.MustRegister(NotificationsTotal)
		prometheus.MustRegister(BatchesTotal)
		prometheus.MustRegister(BatchSize)
		prometheus.MustRegister(BatchProcessingDuration)
		prometheus.MustRegister(DatabaseQueriesTotal)
		prometheus.MustRegister(DatabaseQueryDuration)
		prometheus.MustRegister(DatabaseConnectsTotal)
	})
}

func RegisterBrokerMetrics() {
	brokerOnce.Do(func() {
		prometheus.MustRegister(RetryAttemptsTotal)
		prometheus.MustRegister(DLQMessagesTotal)
		prometheus.MustRegister(KafkaMessagesReadTotal)
		prometheus.MustRegister(KafkaMessagesWrittenTotal)
		prometheus.MustRegister(KafkaMessageSizeBytes)
		prometheus.MustRegister(KafkaReadDuration)
	})
}

func RegisterCircuitBreakerMetrics() {
	circuitBreakerOnce.Do(func() {
		prometheus.MustRegister(CircuitBreakerState)
		prometheus.MustRegister(CircuitBreakerRequests)
		prometheus.MustRegister(CircuitBreakerFailures)
	})
}

func RegisterHTTPMetrics() {
	httpOnce.Do(func() {
		prometheus.MustRegister(RateLimitRequestsTotal)
		prometheus.MustRegister(SNSRequestsTotal)
	})
}

func IncNotification(notificationType, status string) {
	NotificationsTotal.WithLabelValues(notificationType, status).Inc()
}

func ObserveBatch(source, status string, size int, duration time.Duration) {
	BatchesTotal.WithLabelValues(source, status).Inc()
	BatchSize.WithLabelValues(source).Observe(float64(size))
	BatchProcessingDuration.WithLabelValues(source, status).Observe(float64(duration.Milliseconds()))
}

func IncDatabaseQuery(database, collection, operation, status string) {
	DatabaseQueriesTotal.WithLabelValues(database, collection, operation, status).Inc()
}

func ObserveDatabaseQueryDuration(database, collection, operation string, duration time.Duration) {
	DatabaseQueryDuration.WithLabelValues(database, collection, operation).Observe(float64(duration.Milliseconds()))
}

func IncDatabaseConnect(status string) {
	DatabaseConnectsTotal.WithLabelValues(status).Inc()
}

func IncKafkaMessagesRead(service, topic string) {
	KafkaMessagesReadTotal.WithLabelValues(service, topic).Inc()
}

func IncKafkaMessagesWritten(service, topic string) {
	KafkaMessagesWrittenTotal.WithLabelValues(service, topic).Inc()
}

func ObserveKafkaMessageSize(service, topic, direction string, sizeBytes int) {
	KafkaMessageSizeBytes.WithLabelValues(service, topic, direction).Observe(float64(sizeBytes))
}

func ObserveKafkaReadDuration(service, topic string, duration time.Duration) {
	KafkaReadDuration.WithLabelValues(service, topic).Observe(float64(duration.Milliseconds()))
}

func IncSNSRequest(messageType, status string) {
	SNSRequestsTotal.WithLabelValues(messageType, status).Inc()
}
