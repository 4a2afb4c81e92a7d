package ingestion

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"sesnotify/internal/constants"
	apperrors "sesnotify/pkg/errors"
)

// SubscriptionConfirmer visits the SubscribeURL of an SNS subscription
// confirmation.
type SubscriptionConfirmer interface {
	Confirm(ctx context.Context, subscribeURL string) error
}

type HTTPConfirmer struct {
	client *http.Client
}

func NewHTTPConfirmer() *HTTPConfirmer {
	return &HTTPConfirmer{
		client: &http.Client{
			Timeout: constants.DefaultHTTPTimeout,
		},
	}
}

// Confirm only follows https URLs on an SNS host.
func (c *HTTPConfirmer) Confirm(ctx context.Context, subscribeURL string) error {
	if err := ValidateSubscribeURL(subscribeURL); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, subscribeURL, nil)
	if err != nil {
		return apperrors.ErrValidation.WithCause(err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.ErrServiceUnavailable.WithCause(fmt.Errorf("subscription confirmation failed: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return apperrors.ErrServiceUnavailable.
			WithDetail("message", fmt.Sprintf("subscription confirmation returned status %d", resp.StatusCode))
	}
	return nil
}

func ValidateSubscribeURL(subscribeURL string) error {
	if _, err := parseSNSURL(subscribeURL); err != nil {
		return apperrors.ErrValidation.
			WithCause(err).
			WithDetail("message", "SubscribeURL must be an https sns.<region>.amazonaws.com URL").
			WithDetail("subscribe_url", subscribeURL)
	}
	return nil
}
