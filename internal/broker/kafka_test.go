package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sesnotify/internal/config"
	"sesnotify/internal/logger"
	apperrors "sesnotify/pkg/errors"
	"sesnotify/pkg/models"
)

// fakeReader serves queued messages and blocks when empty.
type fakeReader struct {
	mu        sync.Mutex
	queue     chan kafka.Message
	committed []kafka.Message
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{queue: make(chan kafka.Message, 100)}
	for _, m := range msgs {
		r.queue <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.queue:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) committedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

// fakeProducer fails its first fail calls, or every call when fail is
// negative.
type fakeProducer struct {
	mu       sync.Mutex
	fail     int
	calls    int
	topic    string
	messages []RawMessage
}

func (p *fakeProducer) PublishRaw(ctx context.Context, topic string, msgs ...RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail != 0 {
		if p.fail > 0 {
			p.fail--
		}
		return errors.New("broker unavailable")
	}
	p.topic = topic
	p.messages = append(p.messages, msgs...)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func (p *fakeProducer) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func message(offset int64, value string) kafka.Message {
	return kafka.Message{Topic: "ses_notifications", Partition: 0, Offset: offset, Value: []byte(value), Time: time.Now()}
}

func newTestConsumer(reader messageReader, cfg config.KafkaConfig) *KafkaConsumer {
	if cfg.Retry.InitialInterval == 0 {
		cfg.Retry = config.RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1}
	}
	c := NewKafkaConsumer(cfg, logger.NopLogger())
	c.reader = reader
	return c
}

type batchCollector struct {
	mu      sync.Mutex
	batches [][]models.Record
	errs    []error
}

func (b *batchCollector) handle(ctx context.Context, records []models.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, records)
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		return err
	}
	return nil
}

func (b *batchCollector) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}

func consume(t *testing.T, c *KafkaConsumer, handler BatchHandlerFunc, until func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.ConsumeBatches(ctx, "ses_notifications", handler)
	}()

	require.Eventually(t, until, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	require.NoError(t, c.Close())
}

func TestConsumeBatches_BatchSize(t *testing.T) {
	reader := newFakeReader(message(0, "a"), message(1, "b"), message(2, "c"), message(3, "d"), message(4, "e"))
	c := newTestConsumer(reader, config.KafkaConfig{BatchSize: 2, BatchWait: 50 * time.Millisecond})
	collector := &batchCollector{}

	consume(t, c, collector.handle, func() bool { return reader.committedCount() == 5 })

	require.Len(t, collector.batches, 3)
	assert.Len(t, collector.batches[0], 2)
	assert.Len(t, collector.batches[1], 2)
	assert.Len(t, collector.batches[2], 1)
	assert.Equal(t, "a", collector.batches[0][0].Body)
	assert.Equal(t, models.SourceKafka, collector.batches[0][0].Source)
	assert.Equal(t, "ses_notifications/0/0", collector.batches[0][0].ID)
}

func TestConsumeBatches_UnwrapsSNSEnvelope(t *testing.T) {
	envelope := `{"Type":"Notification","MessageId":"sns-42","TopicArn":"arn:aws:sns:us-west-2:123456789012:ses","Message":"{\"notificationType\":\"Bounce\"}"}`
	reader := newFakeReader(message(0, envelope))
	c := newTestConsumer(reader, config.KafkaConfig{BatchSize: 10, BatchWait: 10 * time.Millisecond})
	collector := &batchCollector{}

	consume(t, c, collector.handle, func() bool { return reader.committedCount() == 1 })

	require.Len(t, collector.batches, 1)
	rec := collector.batches[0][0]
	assert.Equal(t, "sns-42", rec.ID)
	assert.Equal(t, `{"notificationType":"Bounce"}`, rec.Body)
}

func TestConsumeBatches_RetriesRetryableErrors(t *testing.T) {
	reader := newFakeReader(message(0, "a"))
	c := newTestConsumer(reader, config.KafkaConfig{BatchSize: 10, BatchWait: 10 * time.Millisecond})
	collector := &batchCollector{errs: []error{apperrors.ErrConnection, apperrors.ErrWrite}}

	consume(t, c, collector.handle, func() bool { return reader.committedCount() == 1 })

	assert.Equal(t, 3, collector.count())
}

func TestConsumeBatches_FatalErrorGoesToDLQ(t *testing.T) {
	reader := newFakeReader(message(0, "{bad"), message(1, "{worse"))
	producer := &fakeProducer{}
	c := newTestConsumer(reader, config.KafkaConfig{BatchSize: 10, BatchWait: 10 * time.Millisecond, DLQTopic: "ses_notifications_dlq"})
	c.dlqProducer = producer
	collector := &batchCollector{errs: []error{apperrors.ErrDecode.WithCause(errors.New("invalid json"))}}

	consume(t, c, collector.handle, func() bool { return reader.committedCount() == 2 })

	assert.Equal(t, 1, collector.count(), "fatal errors are not retried")
	require.Equal(t, 2, producer.count())
	assert.Equal(t, "ses_notifications_dlq", producer.topic)
	assert.Equal(t, []byte("{bad"), producer.messages[0].Value)
	assert.Equal(t, "ses_notifications", producer.messages[0].Headers[HeaderDLQSourceTopic])
	assert.Equal(t, "1", producer.messages[1].Headers[HeaderDLQOffset])
	assert.Contains(t, producer.messages[0].Headers[HeaderDLQReason], "DECODE_ERROR")
}

func TestConsumeBatches_PartialFailureDeadLettersOnlyFailedRecords(t *testing.T) {
	reader := newFakeReader(message(0, "a"), message(1, "{bad"), message(2, "c"))
	producer := &fakeProducer{}
	c := newTestConsumer(reader, config.KafkaConfig{BatchSize: 10, BatchWait: 10 * time.Millisecond, DLQTopic: "ses_notifications_dlq"})
	c.dlqProducer = producer
	collector := &batchCollector{errs: []error{&PartialBatchError{Failures: []RecordError{
		{Index: 1, Err: apperrors.ErrDecode.WithCause(errors.New("invalid json"))},
	}}}}

	consume(t, c, collector.handle, func() bool { return reader.committedCount() == 3 })

	assert.Equal(t, 1, collector.count(), "fatally failed records are not retried")
	require.Equal(t, 1, producer.count())
	assert.Equal(t, []byte("{bad"), producer.messages[0].Value)
	assert.Equal(t, "1", producer.messages[0].Headers[HeaderDLQOffset])
	assert.Contains(t, producer.messages[0].Headers[HeaderDLQReason], "DECODE_ERROR")
}

func TestConsumeBatches_PartialFailureRetriesOnlyFailedRecords(t *testing.T) {
	reader := newFakeReader(message(0, "a"), message(1, "b"), message(2, "c"))
	producer := &fakeProducer{}
	c := newTestConsumer(reader, config.KafkaConfig{BatchSize: 10, BatchWait: 10 * time.Millisecond, DLQTopic: "ses_notifications_dlq"})
	c.dlqProducer = producer
	collector := &batchCollector{errs: []error{&PartialBatchError{Failures: []RecordError{
		{Index: 2, Err: apperrors.ErrWrite},
	}}}}

	consume(t, c, collector.handle, func() bool { return reader.committedCount() == 3 })

	require.Equal(t, 2, collector.count())
	require.Len(t, collector.batches[1], 1)
	assert.Equal(t, "c", collector.batches[1][0].Body)
	assert.Zero(t, producer.count())
}

func TestConsumeBatches_PartialFailureExhaustsRetries(t *testing.T) {
	reader := newFakeReader(message(0, "a"), message(1, "b"), message(2, "c"))
	producer := &fakeProducer{}
	c := newTestConsumer(reader, config.KafkaConfig{BatchSize: 10, BatchWait: 10 * time.Millisecond, DLQTopic: "ses_notifications_dlq"})
	c.dlqProducer = producer

	var mu sync.Mutex
	var sizes []int
	handler := func(ctx context.Context, records []models.Record) error {
		mu.Lock()
		sizes = append(sizes, len(records))
		mu.Unlock()
		for i, rec := range records {
			if rec.Body == "b" {
				return fmt.Errorf("batch incomplete: %w", &PartialBatchError{Failures: []RecordError{{Index: i, Err: apperrors.ErrWrite}}})
			}
		}
		return nil
	}

	consume(t, c, handler, func() bool { return reader.committedCount() == 3 })

	assert.Equal(t, []int{3, 1, 1}, sizes)
	require.Equal(t, 1, producer.count())
	assert.Equal(t, []byte("b"), producer.messages[0].Value)
	assert.Contains(t, producer.messages[0].Headers[HeaderDLQReason], "WRITE_ERROR")
}

func TestConsumeBatches_DLQPublishIsRetriedBeforeCommit(t *testing.T) {
	reader := newFakeReader(message(0, "{bad"))
	producer := &fakeProducer{fail: 4}
	c := newTestConsumer(reader, config.KafkaConfig{BatchSize: 10, BatchWait: 10 * time.Millisecond, DLQTopic: "ses_notifications_dlq"})
	c.dlqProducer = producer
	collector := &batchCollector{errs: []error{apperrors.ErrDecode}}

	consume(t, c, collector.handle, func() bool { return reader.committedCount() == 1 })

	assert.Equal(t, 5, producer.callCount())
	assert.Equal(t, 1, producer.count())
}

func TestConsumeBatches_DLQUnavailableLeavesBatchUncommitted(t *testing.T) {
	reader := newFakeReader(message(0, "{bad"))
	producer := &fakeProducer{fail: -1}
	c := newTestConsumer(reader, config.KafkaConfig{BatchSize: 10, BatchWait: 10 * time.Millisecond, DLQTopic: "ses_notifications_dlq"})
	c.dlqProducer = producer
	collector := &batchCollector{errs: []error{apperrors.ErrDecode}}

	consume(t, c, collector.handle, func() bool { return producer.callCount() >= 6 })

	assert.Zero(t, reader.committedCount())
	assert.Zero(t, producer.count())
}

func TestPartialBatchError_Classification(t *testing.T) {
	fatal := &PartialBatchError{Failures: []RecordError{{Index: 0, Err: apperrors.ErrDecode}}}
	assert.True(t, fatal.IsFatal())
	assert.True(t, apperrors.IsFatal(fatal))

	mixed := &PartialBatchError{Failures: []RecordError{
		{Index: 0, Err: apperrors.ErrDecode},
		{Index: 1, Err: apperrors.ErrConnection},
	}}
	assert.False(t, mixed.IsFatal())
	assert.True(t, mixed.IsRetryable())
	assert.ErrorIs(t, mixed, apperrors.ErrConnection)
}

func TestConsumeBatches_ExhaustedRetriesWithoutDLQStillCommit(t *testing.T) {
	reader := newFakeReader(message(0, "a"))
	c := newTestConsumer(reader, config.KafkaConfig{BatchSize: 10, BatchWait: 10 * time.Millisecond})
	collector := &batchCollector{errs: []error{apperrors.ErrWrite, apperrors.ErrWrite, apperrors.ErrWrite}}

	consume(t, c, collector.handle, func() bool { return reader.committedCount() == 1 })

	assert.Equal(t, 3, collector.count())
}

func TestConsumeBatches_PanicIsRecovered(t *testing.T) {
	reader := newFakeReader(message(0, "a"))
	c := newTestConsumer(reader, config.KafkaConfig{BatchSize: 10, BatchWait: 10 * time.Millisecond})

	calls := 0
	handler := func(ctx context.Context, records []models.Record) error {
		calls++
		panic("boom")
	}

	consume(t, c, handler, func() bool { return reader.committedCount() == 1 })
	assert.Equal(t, 1, calls, "recovered panics are fatal")
}

func TestKafkaConsumer_Defaults(t *testing.T) {
	c := NewKafkaConsumer(config.KafkaConfig{}, logger.NopLogger())
	assert.Equal(t, 100, c.batchSize())
	assert.Equal(t, time.Second, c.batchWait())
	assert.Nil(t, c.dlqProducer)

	policy := c.retryPolicy()
	assert.Equal(t, 3, policy.MaxAttempts)
}
