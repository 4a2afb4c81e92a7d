package ingestion

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"sesnotify/internal/constants"
	apperrors "sesnotify/pkg/errors"
)

const maxCertificateBytes = 64 << 10

var snsHostPattern = regexp.MustCompile(`^sns\.[a-z0-9-]+\.amazonaws\.com(\.cn)?$`)

// MessageVerifier authenticates an SNS HTTP(S) delivery before it is acted
// on. Failures are FORBIDDEN app errors.
type MessageVerifier interface {
	Verify(ctx context.Context, body []byte) error
}

// signedMessage holds the signed members as raw strings. Timestamp must not
// be reformatted or the string to sign changes.
type signedMessage struct {
	Type             string  `json:"Type"`
	MessageID        string  `json:"MessageId"`
	Message          string  `json:"Message"`
	Subject          *string `json:"Subject"`
	Timestamp        string  `json:"Timestamp"`
	TopicArn         string  `json:"TopicArn"`
	SubscribeURL     string  `json:"SubscribeURL"`
	Token            string  `json:"Token"`
	Signature        string  `json:"Signature"`
	SignatureVersion string  `json:"SignatureVersion"`
	SigningCertURL   string  `json:"SigningCertURL"`
}

// stringToSign builds the canonical "Key\nValue\n" sequence SNS signs for
// each message type.
func (m signedMessage) stringToSign() (string, error) {
	var b strings.Builder
	add := func(key, value string) {
		b.WriteString(key)
		b.WriteByte('\n')
		b.WriteString(value)
		b.WriteByte('\n')
	}

	switch m.Type {
	case constants.SNSTypeNotification:
		add("Message", m.Message)
		add("MessageId", m.MessageID)
		if m.Subject != nil {
			add("Subject", *m.Subject)
		}
		add("Timestamp", m.Timestamp)
		add("TopicArn", m.TopicArn)
		add("Type", m.Type)
	case constants.SNSTypeSubscriptionConfirmation, constants.SNSTypeUnsubscribeConfirmation:
		add("Message", m.Message)
		add("MessageId", m.MessageID)
		add("SubscribeURL", m.SubscribeURL)
		add("Timestamp", m.Timestamp)
		add("Token", m.Token)
		add("TopicArn", m.TopicArn)
		add("Type", m.Type)
	default:
		return "", fmt.Errorf("unsupported SNS message type %q", m.Type)
	}
	return b.String(), nil
}

type CertificateFetcher func(ctx context.Context, certURL string) ([]byte, error)

// SNSVerifier checks SignatureVersion 1 (SHA1) and 2 (SHA256) signatures
// against the signing certificate, fetched once per URL.
type SNSVerifier struct {
	fetch CertificateFetcher
	mu    sync.RWMutex
	certs map[string]*x509.Certificate
	group singleflight.Group
}

func NewSNSVerifier() *SNSVerifier {
	client := &http.Client{Timeout: constants.DefaultHTTPTimeout}
	return NewSNSVerifierWithFetcher(func(ctx context.Context, certURL string) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, certURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("signing certificate request returned status %d", resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxCertificateBytes))
	})
}

func NewSNSVerifierWithFetcher(fetch CertificateFetcher) *SNSVerifier {
	return &SNSVerifier{
		fetch: fetch,
		certs: make(map[string]*x509.Certificate),
	}
}

func (v *SNSVerifier) Verify(ctx context.Context, body []byte) error {
	var msg signedMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return forbidden("message is not valid JSON", err)
	}
	if msg.Signature == "" || msg.SigningCertURL == "" {
		return forbidden("message is not signed", nil)
	}

	var hash crypto.Hash
	switch msg.SignatureVersion {
	case "1":
		hash = crypto.SHA1
	case "2":
		hash = crypto.SHA256
	default:
		return forbidden(fmt.Sprintf("unsupported SignatureVersion %q", msg.SignatureVersion), nil)
	}

	certURL, err := parseSNSURL(msg.SigningCertURL)
	if err != nil {
		return forbidden("SigningCertURL is not an SNS certificate URL", err)
	}
	if !strings.HasSuffix(strings.ToLower(certURL.Path), ".pem") {
		return forbidden("SigningCertURL is not a PEM file", nil)
	}

	canonical, err := msg.stringToSign()
	if err != nil {
		return forbidden("message type cannot be verified", err)
	}
	signature, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return forbidden("signature is not base64", err)
	}

	cert, err := v.certificate(ctx, msg.SigningCertURL)
	if err != nil {
		return forbidden("signing certificate unavailable", err)
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return forbidden("signing certificate expired or not yet valid", nil)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return forbidden("signing certificate has no RSA key", nil)
	}

	if err := rsa.VerifyPKCS1v15(pub, hash, digest(hash, canonical), signature); err != nil {
		return forbidden("signature mismatch", err)
	}
	return nil
}

func (v *SNSVerifier) certificate(ctx context.Context, certURL string) (*x509.Certificate, error) {
	v.mu.RLock()
	cert, ok := v.certs[certURL]
	v.mu.RUnlock()
	if ok {
		return cert, nil
	}

	result, err, _ := v.group.Do(certURL, func() (interface{}, error) {
		data, err := v.fetch(context.WithoutCancel(ctx), certURL)
		if err != nil {
			return nil, err
		}
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no PEM data in signing certificate")
		}
		parsed, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		v.mu.Lock()
		v.certs[certURL] = parsed
		v.mu.Unlock()
		return parsed, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*x509.Certificate), nil
}

func digest(hash crypto.Hash, s string) []byte {
	if hash == crypto.SHA1 {
		sum := sha1.Sum([]byte(s))
		return sum[:]
	}
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

// parseSNSURL accepts only https URLs on an sns.<region>.amazonaws.com
// host.
func parseSNSURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "https" || !snsHostPattern.MatchString(strings.ToLower(u.Hostname())) || u.Port() != "" {
		return nil, fmt.Errorf("%q is not an https SNS endpoint", raw)
	}
	return u, nil
}

func forbidden(message string, cause error) *apperrors.Error {
	err := apperrors.ErrForbidden.WithDetail("message", message)
	if cause != nil {
		err = err.WithCause(cause)
	}
	return err
}

type skipVerification struct{}

func (skipVerification) Verify(context.Context, []byte) error { return nil }

// InsecureSkipVerifier accepts every message. Meant for local stacks that
// cannot sign.
func InsecureSkipVerifier() MessageVerifier {
	return skipVerification{}
}
