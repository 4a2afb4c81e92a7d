package bootstrap

import (
	"context"
	"fmt"

	"sesnotify/internal/broker"
	"sesnotify/internal/config"
	"sesnotify/internal/logger"
)

// Base carries the process-wide resources shared by the service entry
// points.
type Base struct {
	Config   *config.Config
	Logger   logger.Logger
	Pool     *MongoPool
	Consumer broker.Consumer
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config: cfg,
		Logger: log,
		Pool:   NewMongoPool(cfg.Database.MongoDB, log),
	}
}

func (b *Base) InitBroker(serviceName string) error {
	consumer, err := broker.NewConsumer(b.Config.Broker, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	if serviceName != "" {
		consumer.SetServiceName(serviceName)
	}

	b.Consumer = consumer
	return nil
}

func (b *Base) ShutdownBroker() []error {
	var errs []error

	if b.Consumer != nil {
		if err := b.Consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("consumer close error: %w", err))
		}
	}

	return errs
}

// Shutdown stops the consumer first, then runs additionalShutdown, and
// disconnects the pooled clients last so in-flight batches can finish.
func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.Info("Shutting down application...")

	var errs []error

	errs = append(errs, b.ShutdownBroker()...)

	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}

	if b.Pool != nil {
		errs = append(errs, b.Pool.Close(ctx)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	b.Logger.Info("Application exited successfully")
	return nil
}
