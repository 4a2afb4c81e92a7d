package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"sesnotify/internal/broker"
	"sesnotify/internal/config"
	"sesnotify/internal/constants"
	"sesnotify/internal/ingestion"
	"sesnotify/internal/logger"
	"sesnotify/pkg/bootstrap"
	"sesnotify/pkg/health"
	"sesnotify/pkg/logging"
	"sesnotify/pkg/metrics"
	"sesnotify/pkg/middleware"
	"sesnotify/pkg/models"
	"sesnotify/pkg/ratelimit"
	"sesnotify/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	service        ingestion.BatchProcessor
	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(constants.ServiceNameIngest)
	}
	return &App{
		Base: bootstrap.NewBase(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(a.Config.Tracing, constants.ServiceNameIngest)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterIngestionMetrics()
	metrics.RegisterHTTPMetrics()
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	provider := ingestion.NewMongoStoreProvider(a.Pool, a.Config.Database.MongoDB, a.Config.CircuitBreaker, a.Logger)
	a.service = ingestion.NewService(provider, a.Config.Ingestion, a.Logger)

	if a.Config.Broker.Type != "none" {
		metrics.RegisterBrokerMetrics()
		if err := a.InitBroker(constants.ServiceNameIngest); err != nil {
			return fmt.Errorf("failed to initialize broker: %w", err)
		}
	}

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.newRouter(ctx, a.service, a.healthRegistry()),
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}

	return nil
}

func (a *App) healthRegistry() *health.CheckerRegistry {
	registry := health.NewCheckerRegistry()
	uri := a.Config.Database.MongoDB.ConnectionURI()
	registry.Register(health.NewMongoDBChecker(func(ctx context.Context) (*mongo.Client, error) {
		return a.Pool.Client(ctx, uri)
	}))
	if a.Consumer != nil {
		registry.RegisterOptional(health.NewKafkaChecker(a.Config.Broker.Kafka.Brokers))
	}
	return registry
}

// newRouter serves /health and /metrics always and the SNS endpoint when
// http.enabled is set.
func (a *App) newRouter(ctx context.Context, processor ingestion.BatchProcessor, registry *health.CheckerRegistry) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(constants.ServiceNameIngest))
	}

	router.Use(middleware.RecoveryMiddleware(a.Logger))
	router.Use(middleware.LoggerMiddleware(a.Logger))
	router.Use(middleware.RequestIDMiddleware())

	router.GET("/health", func(c *gin.Context) {
		h := registry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if !a.Config.HTTP.Enabled {
		return router
	}

	sns := router.Group("")
	if a.Config.HTTP.RateLimit.Enabled {
		rateLimitConfig := ratelimit.FromSettings(a.Config.HTTP.RateLimit)
		sns.Use(ratelimit.RateLimitMiddleware(ctx, rateLimitConfig))
		a.Logger.InfowCtx(ctx, "Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	opts := ingestion.HandlerOptions{
		AutoConfirm:      a.Config.HTTP.AutoConfirmSubscriptions,
		AllowedTopicARNs: a.Config.HTTP.AllowedTopicARNs,
	}
	if a.Config.HTTP.InsecureSkipSignatureVerification {
		a.Logger.WarnwCtx(ctx, "SNS signature verification disabled")
		opts.Verifier = ingestion.InsecureSkipVerifier()
	}
	handler := ingestion.NewHandler(processor, opts, a.Logger)
	handler.RegisterRoutes(sns)

	return router
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port, "sns_endpoint", a.Config.HTTP.Enabled)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	if a.Consumer != nil {
		inputTopic := a.Config.Broker.Kafka.InputTopic
		if inputTopic == "" {
			inputTopic = constants.DefaultInputTopic
		}

		g.Go(func() error {
			consumeCtx := logging.WithServiceName(gCtx, constants.ServiceNameIngest)
			return a.Consumer.ConsumeBatches(consumeCtx, inputTopic, a.handleBatch)
		})
	}

	return g.Wait()
}

// handleBatch reports per-record failures in isolate mode so the consumer
// retries and dead-letters only those records.
func (a *App) handleBatch(ctx context.Context, records []models.Record) error {
	result, err := a.service.ProcessBatch(ctx, records)
	if a.Config.Ingestion.FailureMode == constants.FailureModeIsolate && len(result.Failures) > 0 {
		failures := make([]broker.RecordError, 0, len(result.Failures))
		for _, f := range result.Failures {
			failures = append(failures, broker.RecordError{Index: f.Index, Err: f.Err})
		}
		return &broker.PartialBatchError{Failures: failures}
	}
	if err != nil {
		return err
	}
	a.Logger.InfowCtx(ctx, result.Summary(), "failed", result.Failed)
	return nil
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, constants.ServiceNameIngest)
	a.Logger.InfowCtx(shutdownCtx, "Shutting down ingest service")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error
		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}
		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}
