package ingestion

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "sesnotify/pkg/errors"
)

const testCertURL = "https://sns.us-west-2.amazonaws.com/SimpleNotificationService-0000000000000000000000.pem"

type testSigner struct {
	key     *rsa.PrivateKey
	certPEM []byte
}

var (
	signerOnce sync.Once
	signer     *testSigner
)

func snsSigner() *testSigner {
	signerOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(1),
			Subject:      pkix.Name{CommonName: "sns.amazonaws.com"},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(24 * time.Hour),
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
		if err != nil {
			panic(err)
		}
		signer = &testSigner{
			key:     key,
			certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		}
	})
	return signer
}

func (s *testSigner) fetcher(calls *atomic.Int32) CertificateFetcher {
	return func(ctx context.Context, certURL string) ([]byte, error) {
		if calls != nil {
			calls.Add(1)
		}
		if certURL != testCertURL {
			return nil, errors.New("unknown certificate")
		}
		return s.certPEM, nil
	}
}

func testVerifier() MessageVerifier {
	return NewSNSVerifierWithFetcher(snsSigner().fetcher(nil))
}

// sign returns a copy of fields carrying a signature over the SNS string to
// sign. SignatureVersion and SigningCertURL default to "1" and testCertURL.
func (s *testSigner) sign(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		out[k] = v
	}
	if _, ok := out["SignatureVersion"]; !ok {
		out["SignatureVersion"] = "1"
	}
	if _, ok := out["SigningCertURL"]; !ok {
		out["SigningCertURL"] = testCertURL
	}

	keys := []string{"Message", "MessageId", "SubscribeURL", "Timestamp", "Token", "TopicArn", "Type"}
	if out["Type"] == "Notification" {
		keys = []string{"Message", "MessageId", "Subject", "Timestamp", "TopicArn", "Type"}
	}
	var b strings.Builder
	for _, k := range keys {
		v, ok := out[k]
		if !ok && k == "Subject" {
			continue
		}
		str, _ := v.(string)
		b.WriteString(k + "\n" + str + "\n")
	}

	hash := crypto.SHA1
	sum := sha1.Sum([]byte(b.String()))
	hashed := sum[:]
	if out["SignatureVersion"] == "2" {
		hash = crypto.SHA256
		sum256 := sha256.Sum256([]byte(b.String()))
		hashed = sum256[:]
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, hash, hashed)
	if err != nil {
		panic(err)
	}
	out["Signature"] = base64.StdEncoding.EncodeToString(sig)
	return out
}

func marshalFields(t *testing.T, fields map[string]interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(fields)
	require.NoError(t, err)
	return body
}

func notificationFields() map[string]interface{} {
	return map[string]interface{}{
		"Type":      "Notification",
		"MessageId": "sns-1",
		"TopicArn":  "arn:aws:sns:us-west-2:123456789012:ses",
		"Message":   deliveryBody,
		"Timestamp": "2024-01-01T00:00:00.000Z",
	}
}

func assertForbidden(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, apperrors.ToHTTPStatus(err))
}

func TestSNSVerifier_AcceptsSignedMessages(t *testing.T) {
	withSubject := notificationFields()
	withSubject["Subject"] = "Amazon SES Email Event Notification"

	v2 := notificationFields()
	v2["SignatureVersion"] = "2"

	tests := []struct {
		name   string
		fields map[string]interface{}
	}{
		{"notification v1", notificationFields()},
		{"notification with subject", withSubject},
		{"notification v2", v2},
		{"subscription confirmation", map[string]interface{}{
			"Type":         "SubscriptionConfirmation",
			"MessageId":    "sub-1",
			"TopicArn":     "arn:aws:sns:us-west-2:123456789012:ses",
			"Message":      "You have chosen to subscribe",
			"Token":        "abc",
			"SubscribeURL": "https://sns.us-west-2.amazonaws.com/?Action=ConfirmSubscription&Token=abc",
			"Timestamp":    "2024-01-01T00:00:00.000Z",
		}},
	}

	verifier := testVerifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := marshalFields(t, snsSigner().sign(tt.fields))
			assert.NoError(t, verifier.Verify(context.Background(), body))
		})
	}
}

func TestSNSVerifier_RejectsTamperedMessage(t *testing.T) {
	verifier := testVerifier()

	tests := []struct {
		name   string
		tamper func(map[string]interface{})
	}{
		{"message", func(f map[string]interface{}) { f["Message"] = bounceBody("forged") }},
		{"topic", func(f map[string]interface{}) { f["TopicArn"] = "arn:aws:sns:us-west-2:123456789012:other" }},
		{"timestamp", func(f map[string]interface{}) { f["Timestamp"] = "2024-01-01T00:00:01.000Z" }},
		{"added subject", func(f map[string]interface{}) { f["Subject"] = "x" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := snsSigner().sign(notificationFields())
			tt.tamper(fields)
			assertForbidden(t, verifier.Verify(context.Background(), marshalFields(t, fields)))
		})
	}
}

func TestSNSVerifier_RejectsUntrustedInput(t *testing.T) {
	var calls atomic.Int32
	verifier := NewSNSVerifierWithFetcher(snsSigner().fetcher(&calls))

	withCert := func(certURL string) map[string]interface{} {
		f := notificationFields()
		f["SigningCertURL"] = certURL
		return snsSigner().sign(f)
	}
	withVersion := func(version string) map[string]interface{} {
		f := notificationFields()
		f["SignatureVersion"] = version
		return snsSigner().sign(f)
	}

	tests := []struct {
		name   string
		fields map[string]interface{}
	}{
		{"unsigned", notificationFields()},
		{"foreign certificate host", withCert("https://evil.example/cert.pem")},
		{"plain http certificate", withCert("http://sns.us-west-2.amazonaws.com/cert.pem")},
		{"lookalike host", withCert("https://sns.us-west-2.amazonaws.com.evil.example/cert.pem")},
		{"not a pem path", withCert("https://sns.us-west-2.amazonaws.com/?Action=Unsubscribe")},
		{"unknown signature version", withVersion("3")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertForbidden(t, verifier.Verify(context.Background(), marshalFields(t, tt.fields)))
		})
	}
	assert.Zero(t, calls.Load(), "certificates are only fetched from SNS hosts")

	assertForbidden(t, verifier.Verify(context.Background(), []byte("not json")))
}

func TestSNSVerifier_CachesCertificate(t *testing.T) {
	var calls atomic.Int32
	verifier := NewSNSVerifierWithFetcher(snsSigner().fetcher(&calls))

	for i := 0; i < 3; i++ {
		body := marshalFields(t, snsSigner().sign(notificationFields()))
		require.NoError(t, verifier.Verify(context.Background(), body))
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestSNSVerifier_FetchFailureIsNotCached(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	verifier := NewSNSVerifierWithFetcher(func(ctx context.Context, certURL string) ([]byte, error) {
		if fail.Load() {
			return nil, errors.New("connection reset")
		}
		return snsSigner().certPEM, nil
	})

	body := marshalFields(t, snsSigner().sign(notificationFields()))
	assertForbidden(t, verifier.Verify(context.Background(), body))

	fail.Store(false)
	assert.NoError(t, verifier.Verify(context.Background(), body))
}
