package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"sesnotify/internal/constants"
)

// LoadConfig reads configFile (YAML) and applies environment overrides.
// The whole configuration is validated, including the server and broker
// sections.
func LoadConfig(configFile string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	if err := ValidateStatic(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv builds the configuration from defaults and environment
// variables only. Used by the Lambda entry point, which has no server or
// broker to configure.
func LoadFromEnv() (*Config, error) {
	cfg, err := decode(newViper())
	if err != nil {
		return nil, err
	}

	if err := ValidateStore(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnvVariables(v)

	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(v, &cfg)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")

	v.SetDefault("database.mongodb.database", constants.DefaultMongoDBName)
	v.SetDefault("database.mongodb.replica_set", constants.DefaultMongoReplicaSet)
	v.SetDefault("database.mongodb.read_preference", constants.DefaultMongoReadPreference)
	v.SetDefault("database.mongodb.tls", true)
	v.SetDefault("database.mongodb.ca_file", constants.DefaultMongoCAFile)
	v.SetDefault("database.mongodb.connect_timeout", constants.DefaultMongoConnectTimeout)

	v.SetDefault("broker.type", "kafka")
	v.SetDefault("broker.kafka.input_topic", constants.DefaultInputTopic)
	v.SetDefault("broker.kafka.batch_size", constants.DefaultKafkaBatchSize)
	v.SetDefault("broker.kafka.batch_wait", constants.DefaultKafkaBatchWait)
	v.SetDefault("broker.kafka.retry.max_attempts", 3)
	v.SetDefault("broker.kafka.retry.initial_interval", "1s")
	v.SetDefault("broker.kafka.retry.max_interval", "30s")
	v.SetDefault("broker.kafka.retry.multiplier", 2.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("ingestion.failure_mode", constants.FailureModeBatch)

	v.SetDefault("http.rate_limit.rps", 50.0)
	v.SetDefault("http.rate_limit.burst", 100)
	v.SetDefault("http.rate_limit.cleanup_interval", 300)
	v.SetDefault("http.rate_limit.max_age", 600)
}

func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("database.mongodb.host", "DATABASE_MONGODB_HOST", "MONGODB_URI")
	v.BindEnv("database.mongodb.user", "DATABASE_MONGODB_USER", "MONGODB_USER")
	v.BindEnv("database.mongodb.password", "DATABASE_MONGODB_PASSWORD", "MONGODB_PASS")
	v.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")
	v.BindEnv("database.mongodb.replica_set", "DATABASE_MONGODB_REPLICA_SET")
	v.BindEnv("database.mongodb.read_preference", "DATABASE_MONGODB_READ_PREFERENCE")
	v.BindEnv("database.mongodb.tls", "DATABASE_MONGODB_TLS")
	v.BindEnv("database.mongodb.ca_file", "DATABASE_MONGODB_CA_FILE")
	v.BindEnv("database.mongodb.ensure_indexes", "DATABASE_MONGODB_ENSURE_INDEXES")

	v.BindEnv("broker.type", "BROKER_TYPE")
	v.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	v.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	v.BindEnv("broker.kafka.input_topic", "BROKER_KAFKA_INPUT_TOPIC")
	v.BindEnv("broker.kafka.dlq_topic", "BROKER_KAFKA_DLQ_TOPIC")
	v.BindEnv("broker.kafka.batch_size", "BROKER_KAFKA_BATCH_SIZE")

	v.BindEnv("server.port", "SERVER_PORT")

	v.BindEnv("ingestion.failure_mode", "INGESTION_FAILURE_MODE")
	v.BindEnv("ingestion.batch_timeout", "INGESTION_BATCH_TIMEOUT")
	v.BindEnv("ingestion.write_timeout", "INGESTION_WRITE_TIMEOUT")

	v.BindEnv("http.enabled", "HTTP_ENABLED")
	v.BindEnv("http.auto_confirm_subscriptions", "HTTP_AUTO_CONFIRM_SUBSCRIPTIONS")
	v.BindEnv("http.insecure_skip_signature_verification", "HTTP_INSECURE_SKIP_SIGNATURE_VERIFICATION")

	v.BindEnv("circuit_breaker.enabled", "CIRCUIT_BREAKER_ENABLED")

	v.BindEnv("logging.level", "LOGGING_LEVEL")
	v.BindEnv("logging.format", "LOGGING_FORMAT")

	v.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	v.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	v.BindEnv("tracing.enabled", "TRACING_ENABLED")
	v.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(v *viper.Viper, cfg *Config) {
	if brokersEnv := v.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Broker.Kafka.Brokers = brokers
		}
	}
}
