package broker

import (
	"context"
	"fmt"

	"sesnotify/pkg/errors"
	"sesnotify/pkg/models"
)

// RawMessage is published byte-for-byte; Headers are added as message
// headers.
type RawMessage struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

type Producer interface {
	PublishRaw(ctx context.Context, topic string, msgs ...RawMessage) error
	Close() error
}

type Consumer interface {
	ConsumeBatches(ctx context.Context, topic string, handler BatchHandlerFunc) error
	Close() error
	SetServiceName(name string)
}

// BatchHandlerFunc processes one fetched batch. A nil error commits the
// batch. A *PartialBatchError names the records that failed; only those are
// retried and dead-lettered.
type BatchHandlerFunc func(ctx context.Context, records []models.Record) error

type RecordError struct {
	// Index is the position in the records passed to the handler.
	Index int
	Err   error
}

// PartialBatchError reports that some records of a batch failed while the
// rest were processed.
type PartialBatchError struct {
	Failures []RecordError
}

func (e *PartialBatchError) Error() string {
	if len(e.Failures) == 0 {
		return "no records failed"
	}
	return fmt.Sprintf("%d records failed, first: %v", len(e.Failures), e.Failures[0].Err)
}

func (e *PartialBatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// IsFatal is true when no failed record can succeed on retry.
func (e *PartialBatchError) IsFatal() bool {
	for _, f := range e.Failures {
		if !errors.IsFatal(f.Err) {
			return false
		}
	}
	return len(e.Failures) > 0
}

func (e *PartialBatchError) IsRetryable() bool {
	return !e.IsFatal()
}
