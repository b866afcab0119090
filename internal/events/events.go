// Package events publishes domain events for payment and dispute lifecycle
// changes. Events are staged in a transactional outbox alongside the
// mutation that produced them and delivered at-least-once by a background
// dispatcher; consumers dedupe on event ID.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/trailpay/trailpay/internal/idgen"
)

// EventType identifies what happened.
type EventType string

const (
	EventPaymentInitiated EventType = "payment.initiated"
	EventPaymentSucceeded EventType = "payment.succeeded"
	EventPaymentFailed    EventType = "payment.failed"
	EventPaymentEscrowed  EventType = "payment.escrowed"
	EventPaymentReleased  EventType = "payment.released"

	EventRefundRequested EventType = "refund.requested"
	EventRefundApproved  EventType = "refund.approved"
	EventRefundDenied    EventType = "refund.denied"
	EventRefundProcessed EventType = "refund.processed"

	EventDisputeOpened         EventType = "dispute.opened"
	EventDisputeEvidenceAdded  EventType = "dispute.evidence_submitted"
	EventDisputeAgentResponded EventType = "dispute.agent_responded"
	EventDisputeReviewStarted  EventType = "dispute.review_started"
	EventDisputeEscalated      EventType = "dispute.escalated"
	EventDisputeResolved       EventType = "dispute.resolved"
	EventDisputeWithdrawn      EventType = "dispute.withdrawn"
	EventDisputeExpired        EventType = "dispute.expired"

	EventEvidenceVerified EventType = "evidence.verified"
)

// Event is an immutable domain event.
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
}

// New builds an event with a fresh ID and timestamp. payload must marshal to
// JSON.
func New(eventType EventType, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:         idgen.WithPrefix("evt_"),
		Type:       eventType,
		OccurredAt: time.Now(),
		Payload:    data,
	}, nil
}

// Publisher delivers events to a destination.
type Publisher interface {
	Publish(ctx context.Context, e *Event) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, e *Event) error

func (f PublisherFunc) Publish(ctx context.Context, e *Event) error { return f(ctx, e) }

// LogPublisher writes events to the structured log. Used in development mode
// and as a delivery target of last resort.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p *LogPublisher) Publish(_ context.Context, e *Event) error {
	p.Logger.Info("domain event",
		"eventId", e.ID,
		"type", string(e.Type),
		"occurredAt", e.OccurredAt,
	)
	return nil
}

// Multi fans an event out to several publishers. All are attempted; errors
// are joined.
func Multi(publishers ...Publisher) Publisher {
	return PublisherFunc(func(ctx context.Context, e *Event) error {
		var errs []error
		for _, p := range publishers {
			if err := p.Publish(ctx, e); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// StagePublisher stages events in an outbox for asynchronous delivery. This
// is the Publisher the services use in normal operation.
type StagePublisher struct {
	Outbox Outbox
}

func (p StagePublisher) Publish(ctx context.Context, e *Event) error {
	return p.Outbox.Stage(ctx, e)
}
