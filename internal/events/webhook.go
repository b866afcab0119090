package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/trailpay/trailpay/internal/circuitbreaker"
	"github.com/trailpay/trailpay/internal/security"
)

// WebhookSink delivers events to configured HTTP endpoints, HMAC-signed so
// receivers can authenticate the payload. Each endpoint has its own circuit:
// a dead endpoint stops receiving traffic until its circuit half-opens.
type WebhookSink struct {
	endpoints []string
	secret    string
	client    *http.Client
	breaker   *circuitbreaker.Breaker

	// urlValidator blocks SSRF targets. Overridden for localhost test
	// servers and development mode.
	urlValidator func(string) error
}

// NewWebhookSink creates a webhook sink for the given endpoints.
func NewWebhookSink(endpoints []string, secret string) *WebhookSink {
	return &WebhookSink{
		endpoints:    endpoints,
		secret:       secret,
		client:       &http.Client{Timeout: 10 * time.Second},
		breaker:      circuitbreaker.New(5, 30*time.Second),
		urlValidator: security.ValidateEndpointURL,
	}
}

// AllowPrivateEndpoints disables the SSRF guard so development setups can
// deliver to localhost receivers.
func (s *WebhookSink) AllowPrivateEndpoints() *WebhookSink {
	s.urlValidator = func(string) error { return nil }
	return s
}

func (s *WebhookSink) Publish(ctx context.Context, e *Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}

	var errs []error
	for _, endpoint := range s.endpoints {
		if err := s.urlValidator(endpoint); err != nil {
			errs = append(errs, fmt.Errorf("endpoint %s: %w", endpoint, err))
			continue
		}
		if !s.breaker.Allow(endpoint) {
			errs = append(errs, fmt.Errorf("endpoint %s: circuit open", endpoint))
			continue
		}
		if err := s.post(ctx, endpoint, e, payload); err != nil {
			s.breaker.RecordFailure(endpoint)
			errs = append(errs, fmt.Errorf("endpoint %s: %w", endpoint, err))
			continue
		}
		s.breaker.RecordSuccess(endpoint)
	}
	return errors.Join(errs...)
}

func (s *WebhookSink) post(ctx context.Context, endpoint string, e *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trailpay-Event", string(e.Type))
	req.Header.Set("X-Trailpay-Event-Id", e.ID)
	req.Header.Set("X-Trailpay-Timestamp", fmt.Sprintf("%d", e.OccurredAt.Unix()))
	if s.secret != "" {
		req.Header.Set("X-Trailpay-Signature", Sign(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 signature receivers use to verify a
// webhook payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

var _ Publisher = (*WebhookSink)(nil)
