// Package audit records every state transition and admin action with the
// actor and reason that drove it. The trail is append-only; dispute and
// payment history must be reconstructible from it alone.
package audit

import (
	"context"
	"time"

	"github.com/trailpay/trailpay/internal/idgen"
)

type contextKey string

const (
	ctxActorType contextKey = "audit_actor_type"
	ctxActorID   contextKey = "audit_actor_id"
	ctxIPAddress contextKey = "audit_ip"
	ctxRequestID contextKey = "audit_request_id"
)

// Actor types recorded on entries.
const (
	ActorTraveler = "traveler"
	ActorAgent    = "agent"
	ActorAdmin    = "admin"
	ActorService  = "service"
	ActorSystem   = "system"
)

// Entity types recorded on entries.
const (
	EntityPayment       = "payment"
	EntityRefundRequest = "refund_request"
	EntityDispute       = "dispute"
	EntityEvidence      = "evidence"
	EntityResolution    = "resolution"
)

// Outcomes recorded on entries.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
)

// WithActor attaches actor info to the context for audit logging.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, ctxActorType, actorType)
	ctx = context.WithValue(ctx, ctxActorID, actorID)
	return ctx
}

// WithIP attaches the client IP for audit logging.
func WithIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxIPAddress, ip)
}

// WithRequestID attaches a request ID for audit correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxRequestID, requestID)
}

// ActorFromContext returns the actor recorded on the context, defaulting to
// the system actor when none was attached.
func ActorFromContext(ctx context.Context) (actorType, actorID string) {
	actorType = ActorSystem
	if v, ok := ctx.Value(ctxActorType).(string); ok && v != "" {
		actorType = v
	}
	if v, ok := ctx.Value(ctxActorID).(string); ok {
		actorID = v
	}
	return
}

func requestMetaFromContext(ctx context.Context) (ip, requestID string) {
	if v, ok := ctx.Value(ctxIPAddress).(string); ok {
		ip = v
	}
	if v, ok := ctx.Value(ctxRequestID).(string); ok {
		requestID = v
	}
	return
}

// Entry is a single audit log record.
type Entry struct {
	ID         string    `json:"id"`
	ActorType  string    `json:"actorType"`
	ActorID    string    `json:"actorId,omitempty"`
	Action     string    `json:"action"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	Outcome    string    `json:"outcome"`
	FromState  string    `json:"fromState,omitempty"`
	ToState    string    `json:"toState,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	RequestID  string    `json:"requestId,omitempty"`
	IPAddress  string    `json:"ipAddress,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Query filters audit entries. Zero fields match everything.
type Query struct {
	EntityType string
	EntityID   string
	ActorID    string
	Action     string
	From       time.Time
	To         time.Time
	Limit      int
}

// Logger persists audit entries.
type Logger interface {
	Record(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, q Query) ([]*Entry, error)
}

// prepare fills identity, actor, and timestamp fields not set by the caller.
// Both logger implementations run entries through it so recorded entries look
// the same regardless of backend.
func prepare(ctx context.Context, entry *Entry) {
	if entry.ID == "" {
		entry.ID = idgen.WithPrefix("aud_")
	}
	if entry.ActorType == "" {
		entry.ActorType, entry.ActorID = ActorFromContext(ctx)
	}
	if entry.IPAddress == "" && entry.RequestID == "" {
		entry.IPAddress, entry.RequestID = requestMetaFromContext(ctx)
	}
	if entry.Outcome == "" {
		entry.Outcome = OutcomeSuccess
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
}
