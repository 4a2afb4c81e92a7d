package logging

import (
	"context"
)

type contextKey string

const (
	TraceIDKey          contextKey = "trace_id"
	MessageIDKey        contextKey = "message_id"
	BatchIDKey          contextKey = "batch_id"
	NotificationTypeKey contextKey = "notification_type"
	ServiceNameKey      contextKey = "service_name"
)

// fieldOrder fixes the order context fields appear in log lines.
var fieldOrder = []contextKey{
	TraceIDKey,
	BatchIDKey,
	MessageIDKey,
	NotificationTypeKey,
	ServiceNameKey,
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, MessageIDKey, messageID)
}

func WithBatchID(ctx context.Context, batchID string) context.Context {
	return context.WithValue(ctx, BatchIDKey, batchID)
}

func WithNotificationType(ctx context.Context, notificationType string) context.Context {
	return context.WithValue(ctx, NotificationTypeKey, notificationType)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, ServiceNameKey, serviceName)
}

func GetTraceID(ctx context.Context) string {
	return getString(ctx, TraceIDKey)
}

func GetMessageID(ctx context.Context) string {
	return getString(ctx, MessageIDKey)
}

func GetBatchID(ctx context.Context) string {
	return getString(ctx, BatchIDKey)
}

func GetNotificationType(ctx context.Context) string {
	return getString(ctx, NotificationTypeKey)
}

func GetServiceName(ctx context.Context) string {
	return getString(ctx, ServiceNameKey)
}

func getString(ctx context.Context, key contextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetLogFields returns the key/value pairs stored in ctx, ready to be passed
// to a sugared logger.
func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 2*len(fieldOrder))

	for _, key := range fieldOrder {
		if v := getString(ctx, key); v != "" {
			fields = append(fields, string(key), v)
		}
	}

	return fields
}
