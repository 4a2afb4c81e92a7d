package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"sesnotify/pkg/logging"
)

func TestNew(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		log, err := New("debug", format)
		require.NoError(t, err)
		assert.NotNil(t, log)
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("info"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("bogus"))
}

func TestInfowCtx_AddsContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := NewWithCore(core)
	log.SetServiceName("ingest-service")

	ctx := logging.WithBatchID(context.Background(), "batch-42")
	log.InfowCtx(ctx, "Batch processed", "records", 3)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "batch-42", fields["batch_id"])
	assert.Equal(t, "ingest-service", fields["service_name"])
	assert.EqualValues(t, 3, fields["records"])
}

func TestInfowCtx_ContextServiceNameWins(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := NewWithCore(core)
	log.SetServiceName("default")

	ctx := logging.WithServiceName(context.Background(), "lambda")
	log.WarnwCtx(ctx, "warn")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "lambda", logs.All()[0].ContextMap()["service_name"])
}
