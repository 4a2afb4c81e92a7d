package ingestion

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"sesnotify/internal/constants"
	"sesnotify/internal/logger"
	apperrors "sesnotify/pkg/errors"
	"sesnotify/pkg/logging"
	"sesnotify/pkg/metrics"
	"sesnotify/pkg/models"
	"sesnotify/pkg/tracing"
)

const (
	snsMessageTypeHeader = "x-amz-sns-message-type"
	maxSNSBodyBytes      = 1 << 20
)

// BatchProcessor is the part of Service the transports depend on.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, records []models.Record) (BatchResult, error)
}

// HandlerOptions configures Handler. A nil Verifier means NewSNSVerifier
// and a nil Confirmer means NewHTTPConfirmer.
type HandlerOptions struct {
	AutoConfirm      bool
	AllowedTopicARNs []string
	Confirmer        SubscriptionConfirmer
	Verifier         MessageVerifier
}

// Handler receives SNS HTTP(S) subscription deliveries.
type Handler struct {
	processor     BatchProcessor
	confirmer     SubscriptionConfirmer
	verifier      MessageVerifier
	autoConfirm   bool
	allowedTopics map[string]struct{}
	logger        logger.Logger
}

func NewHandler(processor BatchProcessor, opts HandlerOptions, log logger.Logger) *Handler {
	h := &Handler{
		processor:   processor,
		confirmer:   opts.Confirmer,
		verifier:    opts.Verifier,
		autoConfirm: opts.AutoConfirm,
		logger:      log,
	}
	if h.confirmer == nil {
		h.confirmer = NewHTTPConfirmer()
	}
	if h.verifier == nil {
		h.verifier = NewSNSVerifier()
	}
	if len(opts.AllowedTopicARNs) > 0 {
		h.allowedTopics = make(map[string]struct{}, len(opts.AllowedTopicARNs))
		for _, arn := range opts.AllowedTopicARNs {
			h.allowedTopics[arn] = struct{}{}
		}
	}
	return h
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.POST("/sns", h.HandleSNS)
}

func (h *Handler) HandleSNS(c *gin.Context) {
	ctx := c.Request.Context()
	if traceID := tracing.TraceID(ctx); traceID != "" {
		ctx = logging.WithTraceID(ctx, traceID)
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxSNSBodyBytes))
	if err != nil {
		h.reject(ctx, c, "unknown", apperrors.ErrValidation.WithCause(err))
		return
	}

	msg, err := models.ParseSNSMessage(body)
	if err != nil {
		h.reject(ctx, c, "unknown", apperrors.ErrValidation.WithCause(err))
		return
	}
	ctx = logging.WithMessageID(ctx, msg.MessageID)

	if header := c.GetHeader(snsMessageTypeHeader); header != "" && header != msg.Type {
		h.reject(ctx, c, msg.Type, apperrors.ErrValidation.
			WithDetail("message", "message type header does not match body").
			WithDetail("header", header))
		return
	}

	switch msg.Type {
	case constants.SNSTypeNotification, constants.SNSTypeSubscriptionConfirmation, constants.SNSTypeUnsubscribeConfirmation:
	default:
		h.reject(ctx, c, msg.Type, apperrors.ErrValidation.WithDetail("message", "unsupported SNS message type "+msg.Type))
		return
	}

	if err := h.verifier.Verify(ctx, body); err != nil {
		h.reject(ctx, c, msg.Type, err)
		return
	}

	if !h.topicAllowed(msg.TopicArn) {
		h.reject(ctx, c, msg.Type, apperrors.ErrForbidden.WithDetail("topic_arn", msg.TopicArn))
		return
	}

	switch msg.Type {
	case constants.SNSTypeNotification:
		h.handleNotification(ctx, c, msg)
	case constants.SNSTypeSubscriptionConfirmation:
		h.handleSubscriptionConfirmation(ctx, c, msg)
	case constants.SNSTypeUnsubscribeConfirmation:
		h.logger.WarnwCtx(ctx, "Subscription removed", "topic_arn", msg.TopicArn)
		metrics.IncSNSRequest(msg.Type, "success")
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func (h *Handler) handleNotification(ctx context.Context, c *gin.Context, msg *models.SNSMessage) {
	receivedAt := msg.Timestamp
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	record := models.Record{
		ID:         msg.MessageID,
		Source:     models.SourceSNSHTTP,
		Body:       msg.Message,
		ReceivedAt: receivedAt,
		TraceID:    logging.GetTraceID(ctx),
	}

	result, err := h.processor.ProcessBatch(ctx, []models.Record{record})
	if err != nil {
		h.reject(ctx, c, msg.Type, err)
		return
	}

	metrics.IncSNSRequest(msg.Type, "success")
	c.JSON(http.StatusOK, gin.H{"result": result.Summary()})
}

func (h *Handler) handleSubscriptionConfirmation(ctx context.Context, c *gin.Context, msg *models.SNSMessage) {
	if !h.autoConfirm {
		h.logger.InfowCtx(ctx, "Subscription confirmation received, confirm manually",
			"topic_arn", msg.TopicArn,
			"subscribe_url", msg.SubscribeURL,
		)
		metrics.IncSNSRequest(msg.Type, "pending")
		c.JSON(http.StatusAccepted, gin.H{"status": "pending"})
		return
	}

	if err := h.confirmer.Confirm(ctx, msg.SubscribeURL); err != nil {
		h.reject(ctx, c, msg.Type, err)
		return
	}

	h.logger.InfowCtx(ctx, "Subscription confirmed", "topic_arn", msg.TopicArn)
	metrics.IncSNSRequest(msg.Type, "success")
	c.JSON(http.StatusOK, gin.H{"status": "confirmed"})
}

func (h *Handler) topicAllowed(arn string) bool {
	if h.allowedTopics == nil {
		return true
	}
	_, ok := h.allowedTopics[arn]
	return ok
}

func (h *Handler) reject(ctx context.Context, c *gin.Context, messageType string, err error) {
	h.logger.ErrorwCtx(ctx, "SNS request failed", "error", err, "type", messageType)
	metrics.IncSNSRequest(messageType, "error")
	c.JSON(apperrors.ToHTTPStatus(err), apperrors.ToErrorResponse(err))
}
