// Package booking looks up bookings from the trips service. The settlement
// engine is not the system of record for bookings; it needs just enough of
// one (parties, amount, trip dates) to validate dispute filings and compute
// cancellation refunds.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/trailpay/trailpay/internal/circuitbreaker"
	"github.com/trailpay/trailpay/internal/fault"
	"github.com/trailpay/trailpay/internal/retry"
)

// Booking is the slice of a trips-service booking the engine consumes.
type Booking struct {
	ID          string     `json:"id"`
	TravelerID  string     `json:"travelerId"`
	AgentID     string     `json:"agentId"`
	GrossAmount int64      `json:"grossAmount"`
	Currency    string     `json:"currency"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	TripStartAt time.Time  `json:"tripStartAt"`
	TripEndAt   time.Time  `json:"tripEndAt"`
}

// Lookup resolves booking ids. Implementations must return fault.NotFound
// for unknown bookings and fault.Upstream when the trips service cannot
// answer.
type Lookup interface {
	GetBooking(ctx context.Context, bookingID string) (*Booking, error)
}

// One upstream, one circuit.
const circuitKey = "bookings"

// HTTPLookup fetches bookings from the trips service over HTTP with bounded
// timeouts, bounded retries, and a circuit breaker.
type HTTPLookup struct {
	baseURL     string
	apiKey      string
	client      *http.Client
	breaker     *circuitbreaker.Breaker
	maxAttempts int
	baseDelay   time.Duration
}

// NewHTTPLookup creates a lookup client for the trips service at baseURL.
func NewHTTPLookup(baseURL, apiKey string) *HTTPLookup {
	return &HTTPLookup{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		client:      &http.Client{Timeout: 5 * time.Second},
		breaker:     circuitbreaker.New(5, 30*time.Second),
		maxAttempts: 3,
		baseDelay:   200 * time.Millisecond,
	}
}

// WithTimeout overrides the per-call timeout.
func (l *HTTPLookup) WithTimeout(d time.Duration) *HTTPLookup {
	if d > 0 {
		l.client.Timeout = d
	}
	return l
}

// GetBooking fetches one booking. Transport errors and 5xx responses are
// retried with jittered backoff and surface as upstream failures; a 404 maps
// to fault.NotFound without retrying.
func (l *HTTPLookup) GetBooking(ctx context.Context, bookingID string) (*Booking, error) {
	if bookingID == "" {
		return nil, fault.Validation("booking id is required")
	}

	var booking *Booking
	err := retry.Do(ctx, l.maxAttempts, l.baseDelay, func() error {
		if !l.breaker.Allow(circuitKey) {
			return errors.New("bookings circuit open")
		}
		got, err := l.fetch(ctx, bookingID)
		if err != nil {
			var pe *retry.PermanentError
			if !errors.As(err, &pe) {
				l.breaker.RecordFailure(circuitKey)
			}
			return err
		}
		l.breaker.RecordSuccess(circuitKey)
		booking = got
		return nil
	})
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return nil, err
		}
		return nil, fault.Upstream(err, "booking lookup for %s", bookingID)
	}
	return booking, nil
}

func (l *HTTPLookup) fetch(ctx context.Context, bookingID string) (*Booking, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/bookings/"+url.PathEscape(bookingID), nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if l.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.apiKey)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, retry.Permanent(fault.NotFound("booking %s not found", bookingID))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, retry.Permanent(fmt.Errorf("trips service rejected the request: status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("trips service status %d", resp.StatusCode)
	}

	var body struct {
		Booking *Booking `json:"booking"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decoding booking response: %w", err))
	}
	if body.Booking == nil || body.Booking.ID == "" || body.Booking.TravelerID == "" || body.Booking.AgentID == "" {
		return nil, retry.Permanent(fmt.Errorf("trips service returned an incomplete booking"))
	}
	return body.Booking, nil
}

var _ Lookup = (*HTTPLookup)(nil)
