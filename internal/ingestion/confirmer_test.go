package ingestion

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "sesnotify/pkg/errors"
)

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func stubClient(status int, seen *[]string) *http.Client {
	return &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		*seen = append(*seen, req.URL.String())
		return &http.Response{
			StatusCode: status,
			Body:       io.NopCloser(strings.NewReader("<ConfirmSubscriptionResponse/>")),
			Header:     make(http.Header),
		}, nil
	})}
}

func TestValidateSubscribeURL(t *testing.T) {
	tests := []struct {
		url   string
		valid bool
	}{
		{"https://sns.us-east-1.amazonaws.com/?Action=ConfirmSubscription", true},
		{"http://sns.us-east-1.amazonaws.com/?Action=ConfirmSubscription", false},
		{"https://sns.us-east-1.amazonaws.com.evil.example/", false},
		{"https://s3.amazonaws.com/bucket/object", false},
		{"https://sns.us-east-1.amazonaws.com:8443/", false},
		{"https://169.254.169.254/latest/meta-data", false},
		{"::not a url", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateSubscribeURL(tt.url)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.True(t, apperrors.IsValidation(err))
			}
		})
	}
}

func TestHTTPConfirmer_Confirm(t *testing.T) {
	url := "https://sns.us-west-2.amazonaws.com/?Action=ConfirmSubscription&Token=abc"

	var seen []string
	c := &HTTPConfirmer{client: stubClient(http.StatusOK, &seen)}
	require.NoError(t, c.Confirm(context.Background(), url))
	assert.Equal(t, []string{url}, seen)

	seen = nil
	c = &HTTPConfirmer{client: stubClient(http.StatusForbidden, &seen)}
	err := c.Confirm(context.Background(), url)
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, apperrors.ToHTTPStatus(err))

	seen = nil
	err = c.Confirm(context.Background(), "https://attacker.example/confirm")
	require.Error(t, err)
	assert.Empty(t, seen)
}
