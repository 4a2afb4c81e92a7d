package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, ReadTimeout: time.Second, WriteTimeout: time.Second},
		Database: DatabaseConfig{MongoDB: MongoDBConfig{
			Host:           "localhost:27017",
			Database:       "ses-notifications",
			ReadPreference: "secondaryPreferred",
		}},
		Broker: BrokerConfig{Type: "kafka", Kafka: KafkaConfig{
			Brokers:    []string{"localhost:9092"},
			GroupID:    "g",
			InputTopic: "t",
			BatchSize:  10,
			BatchWait:  time.Second,
			Retry:      RetryConfig{MaxAttempts: 3, Multiplier: 2},
		}},
		Ingestion: IngestionConfig{FailureMode: "batch"},
	}
}

func TestValidateStatic(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "broker none", mutate: func(c *Config) { c.Broker = BrokerConfig{Type: "none"} }},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 0 }, field: "server.port"},
		{name: "unknown broker", mutate: func(c *Config) { c.Broker.Type = "rabbitmq" }, field: "broker.type"},
		{name: "no brokers", mutate: func(c *Config) { c.Broker.Kafka.Brokers = nil }, field: "broker.kafka.brokers"},
		{name: "zero batch size", mutate: func(c *Config) { c.Broker.Kafka.BatchSize = 0 }, field: "broker.kafka.batch_size"},
		{name: "zero multiplier", mutate: func(c *Config) { c.Broker.Kafka.Retry.Multiplier = 0 }, field: "broker.kafka.retry.multiplier"},
		{name: "missing host", mutate: func(c *Config) { c.Database.MongoDB.Host = "" }, field: "database.mongodb.host"},
		{name: "host with scheme", mutate: func(c *Config) { c.Database.MongoDB.Host = "mongodb://x" }, field: "database.mongodb.host"},
		{name: "password without user", mutate: func(c *Config) { c.Database.MongoDB.Password = "p" }, field: "database.mongodb.user"},
		{name: "bad read preference", mutate: func(c *Config) { c.Database.MongoDB.ReadPreference = "any" }, field: "database.mongodb.read_preference"},
		{name: "bad failure mode", mutate: func(c *Config) { c.Ingestion.FailureMode = "retry" }, field: "ingestion.failure_mode"},
		{name: "negative write timeout", mutate: func(c *Config) { c.Ingestion.WriteTimeout = -time.Second }, field: "ingestion.write_timeout"},
		{name: "rate limit without rps", mutate: func(c *Config) { c.HTTP.RateLimit = RateLimitConfig{Enabled: true, Burst: 1} }, field: "http.rate_limit.rps"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := ValidateStatic(cfg)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidateStore_ReturnsValidationError(t *testing.T) {
	cfg := validConfig()
	cfg.Database.MongoDB.Database = ""

	err := ValidateStore(cfg)
	var vErr *ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "database.mongodb.database", vErr.Field)
}

func TestConnectionURI(t *testing.T) {
	assert.Equal(t, "mongodb://localhost:27017", MongoDBConfig{Host: "localhost:27017"}.ConnectionURI())
	assert.Equal(t, "mongodb://u:p@h:1", MongoDBConfig{Host: "h:1", User: "u", Password: "p"}.ConnectionURI())
}
