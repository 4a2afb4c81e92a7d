package broker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"sesnotify/internal/config"
	"sesnotify/internal/constants"
	"sesnotify/internal/logger"
	"sesnotify/pkg/errors"
	"sesnotify/pkg/logging"
	"sesnotify/pkg/metrics"
	"sesnotify/pkg/models"
	"sesnotify/pkg/retry"
	"sesnotify/pkg/tracing"
)

const (
	HeaderDLQReason      = "dlq_reason"
	HeaderDLQSourceTopic = "dlq_source_topic"
	HeaderDLQTimestamp   = "dlq_timestamp"
	HeaderDLQPartition   = "dlq_partition"
	HeaderDLQOffset      = "dlq_offset"
)

type KafkaProducer struct {
	writer      *kafka.Writer
	logger      logger.Logger
	serviceName string
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: constants.KafkaBatchTimeout,
		WriteTimeout: constants.KafkaWriteTimeout,
		Async:        false,
	}
	return &KafkaProducer{writer: w, logger: log, serviceName: "unknown"}
}

func (p *KafkaProducer) PublishRaw(ctx context.Context, topic string, msgs ...RawMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	out := make([]kafka.Message, 0, len(msgs))
	now := time.Now()
	for _, m := range msgs {
		headers := make([]kafka.Header, 0, len(m.Headers)+1)
		for k, v := range m.Headers {
			headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
		}
		headers = tracing.InjectTraceContext(ctx, headers)

		out = append(out, kafka.Message{
			Topic:   topic,
			Key:     m.Key,
			Value:   m.Value,
			Headers: headers,
			Time:    now,
		})
	}

	if err := p.writer.WriteMessages(ctx, out...); err != nil {
		return fmt.Errorf("failed to write kafka messages: %w", err)
	}

	for _, m := range out {
		metrics.IncKafkaMessagesWritten(p.serviceName, topic)
		metrics.ObserveKafkaMessageSize(p.serviceName, topic, "out", len(m.Value))
	}
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConsumer struct {
	cfg         config.KafkaConfig
	wg          sync.WaitGroup
	reader      messageReader
	logger      logger.Logger
	dlqProducer Producer
	serviceName string
}

func NewKafkaConsumer(cfg config.KafkaConfig, log logger.Logger) *KafkaConsumer {
	consumer := &KafkaConsumer{
		cfg:         cfg,
		logger:      log,
		serviceName: "unknown",
	}

	if cfg.DLQTopic != "" {
		consumer.dlqProducer = NewKafkaProducer(cfg, log)
	}

	return consumer
}

func (c *KafkaConsumer) SetServiceName(name string) {
	c.serviceName = name
	if p, ok := c.dlqProducer.(*KafkaProducer); ok {
		p.serviceName = name
	}
}

// ConsumeBatches reads topic until ctx is done, handing batches of up to
// batch_size messages (or whatever arrived within batch_wait of the first
// one) to handler. A batch is committed once every record either succeeded
// or was published to the DLQ; while the DLQ is unreachable the batch stays
// uncommitted.
func (c *KafkaConsumer) ConsumeBatches(ctx context.Context, topic string, handler BatchHandlerFunc) error {
	if c.reader == nil {
		c.logger.Infow("Creating Kafka reader",
			"topic", topic,
			"brokers", c.cfg.Brokers,
			"group_id", c.cfg.GroupID,
			"service_name", c.serviceName,
		)

		c.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  c.cfg.Brokers,
			GroupID:  c.cfg.GroupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  c.batchWait(),
		})
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx, topic, handler)
	}()

	<-ctx.Done()
	return ctx.Err()
}

func (c *KafkaConsumer) run(ctx context.Context, topic string, handler BatchHandlerFunc) {
	consumeCtx := logging.WithServiceName(ctx, c.serviceName)
	c.logger.InfowCtx(consumeCtx, "Started consuming",
		"topic", topic,
		"batch_size", c.batchSize(),
		"batch_wait", c.batchWait(),
	)

	for {
		batch, err := c.fetchBatch(ctx, topic)
		if ctx.Err() != nil {
			c.logger.InfowCtx(consumeCtx, "Stopped consuming",
				"topic", topic,
				"reason", "context canceled",
				"uncommitted", len(batch),
			)
			return
		}
		if err != nil {
			c.logger.ErrorwCtx(consumeCtx, "Error fetching kafka message",
				"error", err,
				"topic", topic,
			)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		c.handleBatch(consumeCtx, topic, batch, handler)
	}
}

func (c *KafkaConsumer) fetchBatch(ctx context.Context, topic string) ([]kafka.Message, error) {
	first, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	batch := []kafka.Message{first}

	waitCtx, cancel := context.WithTimeout(ctx, c.batchWait())
	defer cancel()

	for len(batch) < c.batchSize() {
		m, err := c.reader.FetchMessage(waitCtx)
		if err != nil {
			break
		}
		batch = append(batch, m)
	}

	metrics.ObserveKafkaReadDuration(c.serviceName, topic, time.Since(start))
	return batch, nil
}

func (c *KafkaConsumer) handleBatch(ctx context.Context, topic string, batch []kafka.Message, handler BatchHandlerFunc) {
	batchCtx, span := tracing.StartSpanFromKafkaMessages(ctx, "kafka.consume_batch", batch)
	defer span.End()
	if traceID := tracing.TraceID(batchCtx); traceID != "" {
		batchCtx = logging.WithTraceID(batchCtx, traceID)
	}

	records := c.toRecords(ctx, topic, batch)

	failed, err := c.processBatchWithRetry(batchCtx, records, handler, topic)
	if ctx.Err() != nil {
		// Shutting down; leave the batch uncommitted for redelivery.
		return
	}
	if err != nil {
		span.RecordError(err)
	}
	if len(failed) > 0 {
		c.logger.ErrorwCtx(batchCtx, "Failed to process records after retries",
			"error", err,
			"topic", topic,
			"records", len(records),
			"failed", len(failed),
		)
		if c.dlqProducer != nil && c.cfg.DLQTopic != "" {
			if !c.deadLetter(batchCtx, batch, failed, topic) {
				c.logger.WarnwCtx(batchCtx, "Batch left uncommitted", "topic", topic, "records", len(batch))
				return
			}
		} else {
			c.logger.WarnwCtx(batchCtx, "No DLQ configured, committing batch to avoid blocking",
				"topic", topic,
			)
		}
	}

	if err := c.reader.CommitMessages(ctx, batch...); err != nil {
		c.logger.ErrorwCtx(batchCtx, "Failed to commit batch",
			"error", err,
			"topic", topic,
		)
	}
}

// toRecords accepts both raw notification JSON and SNS envelopes.
func (c *KafkaConsumer) toRecords(ctx context.Context, topic string, batch []kafka.Message) []models.Record {
	records := make([]models.Record, 0, len(batch))
	for _, m := range batch {
		metrics.IncKafkaMessagesRead(c.serviceName, topic)
		metrics.ObserveKafkaMessageSize(c.serviceName, topic, "in", len(m.Value))

		body, envelope, wrapped := models.UnwrapSNS(m.Value)
		id := fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)
		if wrapped && envelope.MessageID != "" {
			id = envelope.MessageID
		}

		receivedAt := m.Time
		if receivedAt.IsZero() {
			receivedAt = time.Now().UTC()
		}

		records = append(records, models.Record{
			ID:         id,
			Source:     models.SourceKafka,
			Body:       body,
			ReceivedAt: receivedAt,
			TraceID:    tracing.TraceID(tracing.ExtractTraceContext(ctx, m.Headers)),
		})
	}
	return records
}

func (c *KafkaConsumer) Close() error {
	var err error
	if c.reader != nil {
		err = c.reader.Close()
	}
	if c.dlqProducer != nil {
		if closeErr := c.dlqProducer.Close(); closeErr != nil {
			if err == nil {
				err = closeErr
			}
		}
	}
	c.wg.Wait()
	return err
}

func (c *KafkaConsumer) retryPolicy() retry.Policy {
	policy := retry.DefaultPolicy()

	if c.cfg.Retry.MaxAttempts > 0 {
		policy.MaxAttempts = c.cfg.Retry.MaxAttempts
	}
	if c.cfg.Retry.InitialInterval > 0 {
		policy.InitialInterval = c.cfg.Retry.InitialInterval
	}
	if c.cfg.Retry.MaxInterval > 0 {
		policy.MaxInterval = c.cfg.Retry.MaxInterval
	}
	if c.cfg.Retry.Multiplier > 0 {
		policy.Multiplier = c.cfg.Retry.Multiplier
	}
	if c.cfg.Retry.MaxElapsedTime > 0 {
		policy.MaxElapsedTime = c.cfg.Retry.MaxElapsedTime
	}
	return policy
}

// failedRecord is a record that is dead-lettered with err as the reason.
type failedRecord struct {
	index int
	err   error
}

// processBatchWithRetry runs handler over records until it succeeds or the
// retry policy gives up. After a *PartialBatchError only the records that
// failed with a retryable error are handed to the next attempt; fatally
// failed ones are set aside at once. It returns every record that did not
// succeed.
func (c *KafkaConsumer) processBatchWithRetry(ctx context.Context, records []models.Record, handler BatchHandlerFunc, topic string) ([]failedRecord, error) {
	policy := c.retryPolicy()

	pending := make([]failedRecord, len(records))
	for i := range pending {
		pending[i].index = i
	}
	var dead []failedRecord

	err := retry.RetryWithCallback(ctx, policy, func() error {
		subset := make([]models.Record, len(pending))
		for i, f := range pending {
			subset[i] = records[f.index]
		}

		err := c.callHandler(ctx, handler, subset, topic)
		if err == nil {
			pending = nil
			return nil
		}

		var partial *PartialBatchError
		if !stderrors.As(err, &partial) {
			for i := range pending {
				pending[i].err = err
			}
			return err
		}

		var next []failedRecord
		for _, f := range partial.Failures {
			if f.Index < 0 || f.Index >= len(pending) {
				continue
			}
			rec := failedRecord{index: pending[f.Index].index, err: f.Err}
			if errors.IsFatal(f.Err) {
				dead = append(dead, rec)
				continue
			}
			next = append(next, rec)
		}
		pending = next
		if len(pending) == 0 {
			return nil
		}
		return err
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(c.serviceName, topic).Inc()
		c.logger.WarnwCtx(ctx, "Retrying batch processing",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"next_delay", nextDelay,
			"records", len(pending),
			"error", err,
			"topic", topic,
		)
	})

	return append(dead, pending...), err
}

func (c *KafkaConsumer) callHandler(ctx context.Context, handler BatchHandlerFunc, records []models.Record, topic string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
			c.logger.ErrorwCtx(ctx, "Panic recovered during batch processing",
				"error", err,
				"topic", topic,
			)
		}
	}()
	return handler(ctx, records)
}

// deadLetter publishes the failed records to the DLQ, retrying until it
// succeeds or ctx is done. It reports whether the batch may be committed.
func (c *KafkaConsumer) deadLetter(ctx context.Context, batch []kafka.Message, failed []failedRecord, sourceTopic string) bool {
	policy := c.retryPolicy()
	for {
		err := retry.RetryWithCallback(ctx, policy, func() error {
			return c.sendToDLQ(ctx, batch, failed, sourceTopic)
		}, func(attempt int, err error, nextDelay time.Duration) {
			c.logger.WarnwCtx(ctx, "Retrying DLQ publish",
				"attempt", attempt,
				"next_delay", nextDelay,
				"error", err,
				"dlq_topic", c.cfg.DLQTopic,
			)
		})
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		c.logger.ErrorwCtx(ctx, "DLQ unavailable, holding batch",
			"error", err,
			"dlq_topic", c.cfg.DLQTopic,
			"records", len(failed),
		)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(policy.MaxInterval):
		}
	}
}

func (c *KafkaConsumer) sendToDLQ(ctx context.Context, batch []kafka.Message, failed []failedRecord, sourceTopic string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	msgs := make([]RawMessage, 0, len(failed))
	reasons := make(map[string]int)
	for _, f := range failed {
		m := batch[f.index]
		reason := "max_retries_exceeded"
		if errors.IsFatal(f.err) {
			reason = "fatal_error"
		}
		reasons[reason]++

		msgs = append(msgs, RawMessage{
			Key:   m.Key,
			Value: m.Value,
			Headers: map[string]string{
				HeaderDLQReason:      errorText(f.err),
				HeaderDLQSourceTopic: sourceTopic,
				HeaderDLQTimestamp:   now,
				HeaderDLQPartition:   fmt.Sprint(m.Partition),
				HeaderDLQOffset:      fmt.Sprint(m.Offset),
			},
		})
	}

	if err := c.dlqProducer.PublishRaw(ctx, c.cfg.DLQTopic, msgs...); err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	for reason, n := range reasons {
		metrics.DLQMessagesTotal.WithLabelValues(c.serviceName, sourceTopic, reason).Add(float64(n))
	}
	c.logger.InfowCtx(ctx, "Records sent to DLQ",
		"source_topic", sourceTopic,
		"dlq_topic", c.cfg.DLQTopic,
		"records", len(msgs),
		"batch_size", len(batch),
	)

	return nil
}

func errorText(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}

func (c *KafkaConsumer) batchSize() int {
	if c.cfg.BatchSize > 0 {
		return c.cfg.BatchSize
	}
	return constants.DefaultKafkaBatchSize
}

func (c *KafkaConsumer) batchWait() time.Duration {
	if c.cfg.BatchWait > 0 {
		return c.cfg.BatchWait
	}
	return constants.DefaultKafkaBatchWait
}
