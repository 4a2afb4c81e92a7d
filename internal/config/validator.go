package config

import (
	"fmt"
	"strings"

	"sesnotify/internal/constants"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidateStatic validates the configuration of the long-running service.
func ValidateStatic(cfg *Config) error {
	var errs []error

	if err := validateServer(cfg.Server); err != nil {
		errs = append(errs, err)
	}

	if err := validateBroker(cfg.Broker); err != nil {
		errs = append(errs, err)
	}

	if err := ValidateStore(cfg); err != nil {
		errs = append(errs, err)
	}

	if err := validateRateLimit(cfg.HTTP.RateLimit); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// ValidateStore validates the sections every entry point needs: the
// document store and the ingestion behavior.
func ValidateStore(cfg *Config) error {
	if err := validateMongoDB(cfg.Database.MongoDB); err != nil {
		return err
	}
	return validateIngestion(cfg.Ingestion)
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeout <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeout <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout",
			Message: "write timeout must be positive",
		}
	}

	return nil
}

func validateBroker(cfg BrokerConfig) error {
	switch cfg.Type {
	case "kafka":
		return validateKafka(cfg.Kafka)
	case "none":
		return nil
	case "":
		return &ValidationError{
			Field:   "broker.type",
			Message: "broker type is required",
		}
	default:
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: kafka, none)", cfg.Type),
		}
	}
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return &ValidationError{
			Field:   "broker.kafka.brokers",
			Message: "at least one Kafka broker is required",
		}
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	if cfg.GroupID == "" {
		return &ValidationError{
			Field:   "broker.kafka.group_id",
			Message: "Kafka consumer group ID is required",
		}
	}

	if cfg.InputTopic == "" {
		return &ValidationError{
			Field:   "broker.kafka.input_topic",
			Message: "input topic is required",
		}
	}

	if cfg.BatchSize < 1 {
		return &ValidationError{
			Field:   "broker.kafka.batch_size",
			Message: fmt.Sprintf("batch size must be positive, got %d", cfg.BatchSize),
		}
	}

	if cfg.BatchWait <= 0 {
		return &ValidationError{
			Field:   "broker.kafka.batch_wait",
			Message: "batch wait must be positive",
		}
	}

	if cfg.Retry.MaxAttempts < 0 {
		return &ValidationError{
			Field:   "broker.kafka.retry.max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	if cfg.Retry.InitialInterval < 0 {
		return &ValidationError{
			Field:   "broker.kafka.retry.initial_interval",
			Message: "initial_interval must be non-negative",
		}
	}

	if cfg.Retry.MaxInterval < 0 {
		return &ValidationError{
			Field:   "broker.kafka.retry.max_interval",
			Message: "max_interval must be non-negative",
		}
	}

	if cfg.Retry.MaxInterval > 0 && cfg.Retry.InitialInterval > 0 && cfg.Retry.MaxInterval < cfg.Retry.InitialInterval {
		return &ValidationError{
			Field:   "broker.kafka.retry.max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	if cfg.Retry.Multiplier <= 0 {
		return &ValidationError{
			Field:   "broker.kafka.retry.multiplier",
			Message: "multiplier must be positive",
		}
	}

	return nil
}

func validateMongoDB(cfg MongoDBConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.mongodb.host",
			Message: "MongoDB host is required",
		}
	}

	if strings.Contains(cfg.Host, "://") {
		return &ValidationError{
			Field:   "database.mongodb.host",
			Message: "MongoDB host must not include a scheme; credentials and scheme are added automatically",
		}
	}

	if cfg.User == "" && cfg.Password != "" {
		return &ValidationError{
			Field:   "database.mongodb.user",
			Message: "MongoDB user is required when a password is set",
		}
	}

	if cfg.Database == "" {
		return &ValidationError{
			Field:   "database.mongodb.database",
			Message: "MongoDB database name is required",
		}
	}

	validReadPreferences := map[string]bool{
		"primary": true, "primaryPreferred": true, "secondary": true,
		"secondaryPreferred": true, "nearest": true,
	}
	if cfg.ReadPreference != "" && !validReadPreferences[cfg.ReadPreference] {
		return &ValidationError{
			Field:   "database.mongodb.read_preference",
			Message: fmt.Sprintf("invalid read preference: %s (valid: primary, primaryPreferred, secondary, secondaryPreferred, nearest)", cfg.ReadPreference),
		}
	}

	if cfg.ConnectTimeout < 0 {
		return &ValidationError{
			Field:   "database.mongodb.connect_timeout",
			Message: "connect timeout must be non-negative",
		}
	}

	return nil
}

func validateIngestion(cfg IngestionConfig) error {
	switch cfg.FailureMode {
	case "", constants.FailureModeBatch, constants.FailureModeIsolate:
	default:
		return &ValidationError{
			Field:   "ingestion.failure_mode",
			Message: fmt.Sprintf("invalid failure mode: %s (valid: batch, isolate)", cfg.FailureMode),
		}
	}

	if cfg.BatchTimeout < 0 {
		return &ValidationError{
			Field:   "ingestion.batch_timeout",
			Message: "batch timeout must be non-negative",
		}
	}

	if cfg.WriteTimeout < 0 {
		return &ValidationError{
			Field:   "ingestion.write_timeout",
			Message: "write timeout must be non-negative",
		}
	}

	return nil
}

func validateRateLimit(cfg RateLimitConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.RPS <= 0 {
		return &ValidationError{
			Field:   "http.rate_limit.rps",
			Message: "rps must be positive",
		}
	}

	if cfg.Burst < 1 {
		return &ValidationError{
			Field:   "http.rate_limit.burst",
			Message: "burst must be at least 1",
		}
	}

	return nil
}
