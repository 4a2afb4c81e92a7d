package bootstrap

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sesnotify/internal/config"
	"sesnotify/internal/logger"
)

type closingConsumerStub struct {
	closed int
}

func (c *closingConsumerStub) Close() error {
	c.closed++
	return errors.New("already closed")
}

func TestBase_InitBrokerRejectsUnknownType(t *testing.T) {
	cfg := &config.Config{Broker: config.BrokerConfig{Type: "sqs"}}
	base := NewBase(cfg, logger.NopLogger())

	err := base.InitBroker("ingest-service")
	require.Error(t, err)
	assert.Nil(t, base.Consumer)
}

func TestBase_InitBrokerKafka(t *testing.T) {
	cfg := &config.Config{Broker: config.BrokerConfig{
		Type:  "kafka",
		Kafka: config.KafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "sesnotify"},
	}}
	base := NewBase(cfg, logger.NopLogger())

	require.NoError(t, base.InitBroker("ingest-service"))
	require.NotNil(t, base.Consumer)
	assert.NoError(t, base.Shutdown(context.Background(), nil))
}

func TestBase_ShutdownCollectsErrors(t *testing.T) {
	base := NewBase(&config.Config{}, logger.NopLogger())
	stub := &closingConsumerStub{}

	err := base.Shutdown(context.Background(), func(ctx context.Context) []error {
		return []error{stub.Close()}
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "already closed")
	assert.Equal(t, 1, stub.closed)
	assert.Equal(t, 0, base.Pool.Size())
}
