package main

import (
	"context"
	"errors"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/joho/godotenv"

	"sesnotify/internal/config"
	"sesnotify/internal/constants"
	"sesnotify/internal/ingestion"
	"sesnotify/internal/logger"
	"sesnotify/pkg/bootstrap"
	"sesnotify/pkg/logging"
	"sesnotify/pkg/metrics"
	"sesnotify/pkg/models"
)

type batchProcessor interface {
	ProcessBatch(ctx context.Context, records []models.Record) (ingestion.BatchResult, error)
}

// snsHandler is kept for the lifetime of the execution environment so
// warm invocations reuse the pooled MongoDB client.
type snsHandler struct {
	processor batchProcessor
	logger    logger.Logger
}

func (h *snsHandler) Handle(ctx context.Context, event events.SNSEvent) (string, error) {
	ctx = logging.WithServiceName(ctx, constants.ServiceNameLambda)
	records := models.RecordsFromSNSEvent(event)
	h.logger.InfowCtx(ctx, "Processing records", "count", len(records))

	result, err := h.processor.ProcessBatch(ctx, records)
	if err != nil {
		h.logger.ErrorwCtx(ctx, "Batch failed",
			"error", err,
			"succeeded", result.Succeeded,
			"failed", result.Failed,
		)
		return constants.ResultFailed, err
	}
	return result.Summary(), nil
}

func main() {
	earlyLog := logging.NewEarlyLog()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		earlyLog.Warn("Failed to load .env file: %v", err)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		earlyLog.Fatal("Failed to load config: %v", err)
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		earlyLog.Fatal("Failed to init logger: %v", err)
	}
	defer log.Sync()
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(constants.ServiceNameLambda)
	}

	metrics.RegisterIngestionMetrics()
	if cfg.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	pool := bootstrap.NewMongoPool(cfg.Database.MongoDB, log)
	provider := ingestion.NewMongoStoreProvider(pool, cfg.Database.MongoDB, cfg.CircuitBreaker, log)
	handler := &snsHandler{
		processor: ingestion.NewService(provider, cfg.Ingestion, log),
		logger:    log,
	}

	lambda.Start(handler.Handle)
}
