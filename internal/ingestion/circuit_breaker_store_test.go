package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sesnotify/internal/notification"
	"sesnotify/pkg/circuitbreaker"
	apperrors "sesnotify/pkg/errors"
)

func TestCircuitBreakerStore_PassThroughWithoutBreaker(t *testing.T) {
	inner := newMemoryStore()
	store := NewCircuitBreakerStore(inner, nil)

	id, err := store.InsertMail(context.Background(), notification.Mail{MessageID: "m"})
	require.NoError(t, err)
	require.NoError(t, store.InsertDelivery(context.Background(), DeliveryDocument{MailObjectID: id}))

	assert.Equal(t, 1, inner.mailCount())
	assert.Len(t, inner.deliveries, 1)
	assert.Equal(t, "disabled", store.State())
	assert.False(t, store.IsOpen())
}

func TestCircuitBreakerStore_OpensAfterFailures(t *testing.T) {
	inner := newMemoryStore()
	inner.mailErr = apperrors.ErrWrite.WithCause(errors.New("not primary"))

	cfg := circuitbreaker.DefaultConfig("test-store")
	cfg.Timeout = time.Minute
	store := NewCircuitBreakerStore(inner, circuitbreaker.NewWrapper(cfg))

	for i := 0; i < 3; i++ {
		_, err := store.InsertMail(context.Background(), notification.Mail{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperrors.ErrWrite))
	}
	assert.True(t, store.IsOpen())

	_, err := store.InsertMail(context.Background(), notification.Mail{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrServiceUnavailable))

	err = store.InsertBounce(context.Background(), BounceDocument{})
	assert.True(t, errors.Is(err, apperrors.ErrServiceUnavailable))
	assert.Empty(t, inner.bounces)
}
