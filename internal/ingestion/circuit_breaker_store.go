package ingestion

import (
	"context"
	"errors"

	"github.com/sony/gobreaker"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"sesnotify/internal/notification"
	"sesnotify/pkg/circuitbreaker"
	apperrors "sesnotify/pkg/errors"
)

// CircuitBreakerStore fails writes fast while the breaker is open. A nil
// breaker passes every call through.
type CircuitBreakerStore struct {
	store Store
	cb    *circuitbreaker.Wrapper
}

func NewCircuitBreakerStore(store Store, cb *circuitbreaker.Wrapper) *CircuitBreakerStore {
	return &CircuitBreakerStore{store: store, cb: cb}
}

func (s *CircuitBreakerStore) InsertMail(ctx context.Context, mail notification.Mail) (primitive.ObjectID, error) {
	if s.cb == nil {
		return s.store.InsertMail(ctx, mail)
	}
	id, err := circuitbreaker.Run(ctx, s.cb, func() (primitive.ObjectID, error) {
		return s.store.InsertMail(ctx, mail)
	})
	return id, s.wrap(err)
}

func (s *CircuitBreakerStore) InsertDelivery(ctx context.Context, doc DeliveryDocument) error {
	return s.exec(ctx, func() error { return s.store.InsertDelivery(ctx, doc) })
}

func (s *CircuitBreakerStore) InsertBounce(ctx context.Context, doc BounceDocument) error {
	return s.exec(ctx, func() error { return s.store.InsertBounce(ctx, doc) })
}

func (s *CircuitBreakerStore) InsertComplaint(ctx context.Context, doc ComplaintDocument) error {
	return s.exec(ctx, func() error { return s.store.InsertComplaint(ctx, doc) })
}

func (s *CircuitBreakerStore) State() string {
	if s.cb == nil {
		return "disabled"
	}
	return s.cb.State().String()
}

func (s *CircuitBreakerStore) IsOpen() bool {
	if s.cb == nil {
		return false
	}
	return s.cb.IsOpen()
}

func (s *CircuitBreakerStore) exec(ctx context.Context, fn func() error) error {
	if s.cb == nil {
		return fn()
	}
	_, err := s.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return nil, fn()
	})
	return s.wrap(err)
}

func (s *CircuitBreakerStore) wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperrors.ErrServiceUnavailable.
			WithCause(err).
			WithDetail("circuit_breaker", s.cb.Name())
	}
	return err
}
