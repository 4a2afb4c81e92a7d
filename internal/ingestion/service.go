package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"sesnotify/internal/config"
	"sesnotify/internal/constants"
	"sesnotify/internal/logger"
	"sesnotify/internal/notification"
	apperrors "sesnotify/pkg/errors"
	"sesnotify/pkg/logging"
	"sesnotify/pkg/metrics"
	"sesnotify/pkg/models"
	"sesnotify/pkg/tracing"
)

const tracerName = "sesnotify-ingestion"

// BatchResult describes one ProcessBatch call.
type BatchResult struct {
	Total     int
	Succeeded int
	Failed    int
	Failures  []RecordFailure
}

type RecordFailure struct {
	Index    int
	RecordID string
	Err      error
}

// Summary renders the "Done with N records" line reported to the caller.
func (r BatchResult) Summary() string {
	return fmt.Sprintf(constants.ResultDoneFormat, r.Total)
}

// Service turns batches of raw notification records into stored documents.
type Service struct {
	provider StoreProvider
	cfg      config.IngestionConfig
	logger   logger.Logger
}

func NewService(provider StoreProvider, cfg config.IngestionConfig, log logger.Logger) *Service {
	if cfg.FailureMode == "" {
		cfg.FailureMode = constants.FailureModeBatch
	}
	return &Service{
		provider: provider,
		cfg:      cfg,
		logger:   log,
	}
}

// ProcessBatch stores every record concurrently. The store is acquired
// first; if that fails nothing is written.
//
// In batch mode the first failing record cancels the rest and the batch
// fails, leaving already written documents in place. In isolate mode every
// record is attempted and the batch fails only when all records failed.
func (s *Service) ProcessBatch(ctx context.Context, records []models.Record) (result BatchResult, err error) {
	batchID := uuid.NewString()
	source := batchSource(records)

	ctx = logging.WithBatchID(ctx, batchID)
	ctx, span := tracing.GetTracer(tracerName).Start(ctx, "ingestion.process_batch")
	span.SetAttributes(
		attribute.String("batch.id", batchID),
		attribute.String("batch.source", source),
		attribute.Int("batch.size", len(records)),
		attribute.String("batch.failure_mode", s.cfg.FailureMode),
	)
	if traceID := tracing.TraceID(ctx); traceID != "" {
		ctx = logging.WithTraceID(ctx, traceID)
	}

	start := time.Now()
	result = BatchResult{Total: len(records)}

	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.ObserveBatch(source, status, len(records), time.Since(start))
		tracing.EndSpan(span, err)
	}()

	if s.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.BatchTimeout)
		defer cancel()
	}

	store, err := s.provider.Store(ctx)
	if err != nil {
		s.logger.ErrorwCtx(ctx, "Could not connect to document store", "error", err)
		result.Failed = len(records)
		return result, err
	}

	s.logger.DebugwCtx(ctx, "Processing batch", "records", len(records), "source", source)

	if s.cfg.FailureMode == constants.FailureModeIsolate {
		err = s.processIsolated(ctx, store, records, &result)
	} else {
		err = s.processAll(ctx, store, records, &result)
	}

	if err != nil {
		s.logger.ErrorwCtx(ctx, "Batch failed",
			"records", result.Total,
			"succeeded", result.Succeeded,
			"failed", result.Failed,
			"error", err,
		)
		return result, err
	}

	s.logger.InfowCtx(ctx, "Batch processed",
		"records", result.Total,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
	)
	return result, nil
}

func (s *Service) processAll(ctx context.Context, store Store, records []models.Record, result *BatchResult) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for i, rec := range records {
		g.Go(func() error {
			err := s.processRecord(gctx, store, rec)
			mu.Lock()
			result.record(i, rec, err)
			mu.Unlock()
			return err
		})
	}

	return s.batchError(ctx, g.Wait())
}

func (s *Service) processIsolated(ctx context.Context, store Store, records []models.Record, result *BatchResult) error {
	var mu sync.Mutex
	var g errgroup.Group

	for i, rec := range records {
		g.Go(func() error {
			err := s.processRecord(ctx, store, rec)
			mu.Lock()
			result.record(i, rec, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if result.Total == 0 || result.Failed < result.Total {
		for _, f := range result.Failures {
			s.logger.WarnwCtx(ctx, "Record failed", "index", f.Index, "record_id", f.RecordID, "error", f.Err)
		}
		return nil
	}

	errs := make([]error, 0, len(result.Failures))
	for _, f := range result.Failures {
		errs = append(errs, f.Err)
	}
	return s.batchError(ctx, fmt.Errorf("all %d records failed: %w", result.Total, errors.Join(errs...)))
}

// batchError maps an expired batch deadline onto TIMEOUT.
func (s *Service) batchError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, apperrors.ErrTimeout) {
		return apperrors.ErrTimeout.WithCause(err).WithDetail("message", "batch timed out")
	}
	return err
}

func (r *BatchResult) record(index int, rec models.Record, err error) {
	if err == nil {
		r.Succeeded++
		return
	}
	r.Failed++
	r.Failures = append(r.Failures, RecordFailure{Index: index, RecordID: rec.ID, Err: err})
}

func (s *Service) processRecord(ctx context.Context, store Store, rec models.Record) (err error) {
	notificationType := "unknown"
	if rec.ID != "" {
		ctx = logging.WithMessageID(ctx, rec.ID)
	}

	ctx, span := tracing.GetTracer(tracerName).Start(ctx, "ingestion.process_record")
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.RecoverPanic(r)
			s.logger.ErrorwCtx(ctx, "Panic while processing record", "panic", r)
		}
		status := "success"
		if err != nil {
			status = errorStatus(err)
		}
		metrics.IncNotification(notificationType, status)
		tracing.EndSpan(span, err)
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.logger.DebugwCtx(ctx, "Received notification", "body", rec.Body)

	n, err := notification.Parse([]byte(rec.Body))
	if err != nil {
		return err
	}
	notificationType = string(n.Type())
	ctx = logging.WithNotificationType(ctx, notificationType)
	span.SetAttributes(attribute.String("notification.type", notificationType))

	s.logger.DebugwCtx(ctx, "Got notification")

	mailObjectID, err := withWriteTimeout(ctx, s.cfg.WriteTimeout, func(ctx context.Context) (primitive.ObjectID, error) {
		return store.InsertMail(ctx, n.Envelope())
	})
	if err != nil {
		return err
	}

	s.logger.DebugwCtx(ctx, "Created mail", "mail_object_id", mailObjectID.Hex())

	_, err = withWriteTimeout(ctx, s.cfg.WriteTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.insertDetail(ctx, store, mailObjectID, n)
	})
	return err
}

func (s *Service) insertDetail(ctx context.Context, store Store, mailObjectID primitive.ObjectID, n notification.Notification) error {
	switch v := n.(type) {
	case *notification.DeliveryNotification:
		return store.InsertDelivery(ctx, NewDeliveryDocument(mailObjectID, v.Delivery))
	case *notification.BounceNotification:
		return store.InsertBounce(ctx, NewBounceDocument(mailObjectID, v.Bounce))
	case *notification.ComplaintNotification:
		return store.InsertComplaint(ctx, NewComplaintDocument(mailObjectID, v.Complaint))
	default:
		return apperrors.ErrInternal.
			WithDetail("message", fmt.Sprintf("unhandled notification %T", n)).
			AsFatal()
	}
}

func withWriteTimeout[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

func errorStatus(err error) string {
	switch {
	case apperrors.IsDecode(err):
		return "decode_error"
	case errors.Is(err, apperrors.ErrTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "write_error"
	}
}

func batchSource(records []models.Record) string {
	if len(records) > 0 && records[0].Source != "" {
		return records[0].Source
	}
	return "unknown"
}
