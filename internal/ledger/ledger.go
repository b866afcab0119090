// Package ledger tracks a booking payment from authorization through escrow,
// release, and refund settlement.
//
// Flow:
//  1. Traveler pays for a booking → payment charged via the processor
//  2. Funds held in escrow until the trip completes
//  3. Release timer pays the agent out unless a dispute or refund holds funds
//  4. Refund requests move through request → approve/deny → processed
//
// Every state change goes through the transition table and increments the
// record version; concurrent writers lose with a conflict, never a silent
// overwrite.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/trailpay/trailpay/internal/audit"
	"github.com/trailpay/trailpay/internal/events"
	"github.com/trailpay/trailpay/internal/fault"
	"github.com/trailpay/trailpay/internal/idgen"
	"github.com/trailpay/trailpay/internal/metrics"
	"github.com/trailpay/trailpay/internal/refundpolicy"
	"github.com/trailpay/trailpay/internal/syncutil"
	"github.com/trailpay/trailpay/internal/traces"
)

// State is the lifecycle state of a payment.
type State string

const (
	StateNotStarted        State = "NOT_STARTED"
	StateInitiated         State = "INITIATED"
	StateProcessing        State = "PROCESSING"
	StateSucceeded         State = "SUCCEEDED"
	StateFailed            State = "FAILED"
	StateInEscrow          State = "IN_ESCROW"
	StateReleased          State = "RELEASED"
	StateRefundRequested   State = "REFUND_REQUESTED"
	StateRefundApproved    State = "REFUND_APPROVED"
	StateRefundDenied      State = "REFUND_DENIED"
	StateRefunded          State = "REFUNDED"
	StatePartiallyRefunded State = "PARTIALLY_REFUNDED"
)

// transitions is the single source of truth for the payment state machine.
// Every mutation validates against it and fails closed. REFUNDED and
// REFUND_DENIED have no outgoing edges.
var transitions = map[State][]State{
	StateNotStarted:        {StateInitiated},
	StateInitiated:         {StateProcessing, StateFailed},
	StateProcessing:        {StateSucceeded, StateFailed},
	StateFailed:            {StateInitiated},
	StateSucceeded:         {StateInEscrow, StateRefundRequested},
	StateInEscrow:          {StateReleased, StateRefundRequested},
	StateReleased:          {StateRefundRequested},
	StateRefundRequested:   {StateRefundApproved, StateRefundDenied},
	StateRefundApproved:    {StateRefunded, StatePartiallyRefunded},
	StatePartiallyRefunded: {StateRefundRequested},
	StateRefundDenied:      {},
	StateRefunded:          {},
}

// IsValidTransition reports whether from → to is in the transition table.
// Unknown states have no edges.
func IsValidTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known payment state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether s has zero outgoing transitions.
func (s State) IsTerminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// States returns every known payment state.
func States() []State {
	return []State{
		StateNotStarted, StateInitiated, StateProcessing, StateSucceeded,
		StateFailed, StateInEscrow, StateReleased, StateRefundRequested,
		StateRefundApproved, StateRefundDenied, StateRefunded,
		StatePartiallyRefunded,
	}
}

// Payment is the ledger record for one booking payment. Amounts are minor
// currency units.
type Payment struct {
	ID               string `json:"id"`
	BookingID        string `json:"bookingId"`
	TravelerID       string `json:"travelerId"`
	AgentID          string `json:"agentId"`
	State            State  `json:"state"`
	GrossAmount      int64  `json:"grossAmount"`
	CommissionAmount int64  `json:"commissionAmount"`
	ProcessingFee    int64  `json:"processingFee"`
	NetAmount        int64  `json:"netAmount"`
	RefundedAmount   int64  `json:"refundedAmount"`
	Currency         string `json:"currency"`

	// ContestedBy holds the open dispute ID while a dispute blocks the
	// release sweep.
	ContestedBy string `json:"contestedBy,omitempty"`

	ProviderRef string `json:"providerRef,omitempty"`

	EscrowStartedAt    *time.Time `json:"escrowStartedAt,omitempty"`
	ScheduledReleaseAt *time.Time `json:"scheduledReleaseAt,omitempty"`
	ReleasedAt         *time.Time `json:"releasedAt,omitempty"`

	IdempotencyKey       string     `json:"idempotencyKey,omitempty"`
	IdempotencyExpiresAt *time.Time `json:"idempotencyExpiresAt,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RemainingAmount returns the gross not yet refunded.
func (p *Payment) RemainingAmount() int64 {
	return p.GrossAmount - p.RefundedAmount
}

// RefundRequest asks for money back on a payment.
type RefundRequest struct {
	ID              string              `json:"id"`
	PaymentID       string              `json:"paymentId"`
	RequestedBy     string              `json:"requestedBy"`
	RequestedByRole string              `json:"requestedByRole"`
	Reason          refundpolicy.Reason `json:"reason"`
	Detail          string              `json:"detail,omitempty"`
	Amount          int64               `json:"amount"`

	// RequiresAdminApproval is derived from the reason classification at
	// creation, never caller-settable.
	RequiresAdminApproval bool `json:"requiresAdminApproval"`

	ApprovedBy   string     `json:"approvedBy,omitempty"`
	ApprovedAt   *time.Time `json:"approvedAt,omitempty"`
	DeniedBy     string     `json:"deniedBy,omitempty"`
	DeniedAt     *time.Time `json:"deniedAt,omitempty"`
	DenialReason string     `json:"denialReason,omitempty"`
	ProcessedAt  *time.Time `json:"processedAt,omitempty"`

	// IdempotencyKey keys the processor refund call so retries never move
	// money twice.
	IdempotencyKey string    `json:"idempotencyKey"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Open reports whether the request still awaits approval, denial, or
// processing.
func (r *RefundRequest) Open() bool {
	return r.DeniedAt == nil && r.ProcessedAt == nil
}

// Store persists payments and refund requests.
type Store interface {
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetPaymentByIdempotencyKey(ctx context.Context, key string) (*Payment, error)
	// UpdatePayment writes p only if the stored version equals
	// expectedVersion, returning a conflict otherwise.
	UpdatePayment(ctx context.Context, p *Payment, expectedVersion int64) error
	ListPaymentsByBooking(ctx context.Context, bookingID string) ([]*Payment, error)
	ListDueForRelease(ctx context.Context, before time.Time, limit int) ([]*Payment, error)
	// ListContested returns payments currently held by a dispute, oldest
	// payment first.
	ListContested(ctx context.Context, limit int) ([]*Payment, error)
	// ListOverRefunded returns payments whose refunded total exceeds the
	// gross charge. A correct ledger never produces any.
	ListOverRefunded(ctx context.Context, limit int) ([]*Payment, error)
	SumEscrowExposure(ctx context.Context) (int64, error)

	CreateRefundRequest(ctx context.Context, r *RefundRequest) error
	GetRefundRequest(ctx context.Context, id string) (*RefundRequest, error)
	UpdateRefundRequest(ctx context.Context, r *RefundRequest) error
	ListRefundRequestsByPayment(ctx context.Context, paymentID string) ([]*RefundRequest, error)
}

// ChargeParams describes a charge submitted to the payment processor.
type ChargeParams struct {
	PaymentID      string
	Amount         int64
	Currency       string
	IdempotencyKey string
	Description    string
}

// ChargeResult is the processor's reference for a submitted charge.
type ChargeResult struct {
	ProviderRef string
}

// RefundParams describes a refund submitted to the payment processor.
type RefundParams struct {
	PaymentID      string
	ProviderRef    string
	Amount         int64
	Currency       string
	IdempotencyKey string
	Reason         string
}

// RefundResult is the processor's reference for a submitted refund.
type RefundResult struct {
	ProviderRef string
}

// PaymentProcessor moves real money. Implementations must honor the
// idempotency key: resubmitting the same key never charges or refunds twice.
type PaymentProcessor interface {
	Charge(ctx context.Context, params ChargeParams) (*ChargeResult, error)
	Refund(ctx context.Context, params RefundParams) (*RefundResult, error)
}

// Default service tuning.
const (
	DefaultEscrowHold     = 7 * 24 * time.Hour
	DefaultIdempotencyTTL = 24 * time.Hour
)

// Service implements payment ledger business logic.
type Service struct {
	store     Store
	processor PaymentProcessor
	auditor   audit.Logger
	publisher events.Publisher
	schedule  refundpolicy.Schedule

	// locks serialize multi-step chains per payment; the store version
	// check is the correctness backstop.
	locks *syncutil.KeyedLock

	escrowHold     time.Duration
	idempotencyTTL time.Duration
}

// NewService creates a new ledger service.
func NewService(store Store, processor PaymentProcessor) *Service {
	return &Service{
		store:          store,
		processor:      processor,
		schedule:       refundpolicy.DefaultSchedule,
		locks:          syncutil.NewKeyedLock(),
		escrowHold:     DefaultEscrowHold,
		idempotencyTTL: DefaultIdempotencyTTL,
	}
}

// WithAudit adds an audit logger for transition records.
func (s *Service) WithAudit(l audit.Logger) *Service {
	s.auditor = l
	return s
}

// WithPublisher adds a domain event publisher.
func (s *Service) WithPublisher(p events.Publisher) *Service {
	s.publisher = p
	return s
}

// WithEscrowHold overrides the escrow hold duration.
func (s *Service) WithEscrowHold(d time.Duration) *Service {
	if d > 0 {
		s.escrowHold = d
	}
	return s
}

// WithSchedule overrides the cancellation refund schedule.
func (s *Service) WithSchedule(schedule refundpolicy.Schedule) *Service {
	if len(schedule) > 0 {
		s.schedule = schedule
	}
	return s
}

// CreateRequest contains the parameters for creating a payment.
type CreateRequest struct {
	BookingID        string `json:"bookingId" binding:"required"`
	TravelerID       string `json:"travelerId" binding:"required"`
	AgentID          string `json:"agentId" binding:"required"`
	GrossAmount      int64  `json:"grossAmount" binding:"required"`
	CommissionAmount int64  `json:"commissionAmount"`
	ProcessingFee    int64  `json:"processingFee"`
	Currency         string `json:"currency" binding:"required"`
	IdempotencyKey   string `json:"idempotencyKey"`
}

// Create records a new payment in NOT_STARTED. A repeated idempotency key
// returns the original payment instead of creating a duplicate.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Payment, error) {
	if req.GrossAmount <= 0 {
		return nil, fault.Validation("grossAmount must be positive")
	}
	if req.CommissionAmount < 0 || req.ProcessingFee < 0 {
		return nil, fault.Validation("commissionAmount and processingFee must not be negative")
	}
	net := req.GrossAmount - req.CommissionAmount - req.ProcessingFee
	if net < 0 {
		return nil, fault.Validation("commission and fees exceed gross amount")
	}

	now := time.Now()
	if req.IdempotencyKey != "" {
		existing, err := s.store.GetPaymentByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			if existing.IdempotencyExpiresAt == nil || now.Before(*existing.IdempotencyExpiresAt) {
				return existing, nil
			}
		} else if fault.KindOf(err) != fault.KindNotFound {
			return nil, err
		}
	}

	p := &Payment{
		ID:               idgen.WithPrefix("pay_"),
		BookingID:        req.BookingID,
		TravelerID:       req.TravelerID,
		AgentID:          req.AgentID,
		State:            StateNotStarted,
		GrossAmount:      req.GrossAmount,
		CommissionAmount: req.CommissionAmount,
		ProcessingFee:    req.ProcessingFee,
		NetAmount:        net,
		Currency:         req.Currency,
		IdempotencyKey:   req.IdempotencyKey,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.IdempotencyKey != "" {
		exp := now.Add(s.idempotencyTTL)
		p.IdempotencyExpiresAt = &exp
	}

	if err := s.store.CreatePayment(ctx, p); err != nil {
		return nil, err
	}

	s.record(ctx, &audit.Entry{
		Action:     "payment.create",
		EntityType: audit.EntityPayment,
		EntityID:   p.ID,
		ToState:    string(p.State),
		Detail:     fmt.Sprintf("booking %s, gross %d %s", p.BookingID, p.GrossAmount, p.Currency),
	})
	return p, nil
}

// Initiate moves a payment into INITIATED, from NOT_STARTED or from FAILED
// on retry.
func (s *Service) Initiate(ctx context.Context, paymentID string, expectedVersion int64) (*Payment, error) {
	unlock, err := s.locks.Lock(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.load(ctx, paymentID, expectedVersion)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, p, StateInitiated, "payment.initiate", ""); err != nil {
		return nil, err
	}
	s.publish(ctx, events.EventPaymentInitiated, paymentPayload(p))
	return p, nil
}

// BeginProcessing submits the charge to the processor and moves the payment
// into PROCESSING. The charge is keyed by the payment's idempotency key, so
// a retry after an upstream failure cannot double-charge.
func (s *Service) BeginProcessing(ctx context.Context, paymentID string, expectedVersion int64) (*Payment, error) {
	unlock, err := s.locks.Lock(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.load(ctx, paymentID, expectedVersion)
	if err != nil {
		return nil, err
	}
	if !IsValidTransition(p.State, StateProcessing) {
		return nil, s.rejectTransition(p.State, StateProcessing)
	}

	result, err := s.processor.Charge(ctx, ChargeParams{
		PaymentID:      p.ID,
		Amount:         p.GrossAmount,
		Currency:       p.Currency,
		IdempotencyKey: s.chargeKey(p),
		Description:    fmt.Sprintf("booking %s", p.BookingID),
	})
	if err != nil {
		if fault.KindOf(err) == fault.KindUpstream {
			// Unknown outcome: leave the payment INITIATED so the
			// caller can retry with the same idempotency key.
			return nil, err
		}
		// Definitive decline.
		if terr := s.transition(ctx, p, StateFailed, "payment.fail", err.Error()); terr != nil {
			return nil, terr
		}
		s.publish(ctx, events.EventPaymentFailed, paymentPayload(p))
		return nil, fault.Validation("charge declined: %v", err)
	}

	p.ProviderRef = result.ProviderRef
	if err := s.transition(ctx, p, StateProcessing, "payment.process", ""); err != nil {
		return nil, err
	}
	return p, nil
}

// MarkSucceeded records processor confirmation of the charge.
func (s *Service) MarkSucceeded(ctx context.Context, paymentID string, expectedVersion int64) (*Payment, error) {
	unlock, err := s.locks.Lock(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.load(ctx, paymentID, expectedVersion)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, p, StateSucceeded, "payment.succeed", ""); err != nil {
		return nil, err
	}
	s.publish(ctx, events.EventPaymentSucceeded, paymentPayload(p))
	return p, nil
}

// MarkFailed records a definitive charge failure.
func (s *Service) MarkFailed(ctx context.Context, paymentID string, expectedVersion int64, reason string) (*Payment, error) {
	unlock, err := s.locks.Lock(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.load(ctx, paymentID, expectedVersion)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, p, StateFailed, "payment.fail", reason); err != nil {
		return nil, err
	}
	s.publish(ctx, events.EventPaymentFailed, paymentPayload(p))
	return p, nil
}

// HoldInEscrow moves a succeeded payment into escrow and schedules its
// release.
func (s *Service) HoldInEscrow(ctx context.Context, paymentID string, expectedVersion int64) (*Payment, error) {
	unlock, err := s.locks.Lock(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.load(ctx, paymentID, expectedVersion)
	if err != nil {
		return nil, err
	}
	if !IsValidTransition(p.State, StateInEscrow) {
		return nil, s.rejectTransition(p.State, StateInEscrow)
	}

	now := time.Now()
	release := now.Add(s.escrowHold)
	p.EscrowStartedAt = &now
	p.ScheduledReleaseAt = &release
	if err := s.transition(ctx, p, StateInEscrow, "payment.escrow", ""); err != nil {
		return nil, err
	}
	s.publish(ctx, events.EventPaymentEscrowed, paymentPayload(p))
	return p, nil
}

// Release pays escrowed funds out to the agent. trigger is "scheduled" for
// the sweep or "manual" for admin-initiated releases; reason lands in the
// audit trail.
func (s *Service) Release(ctx context.Context, paymentID string, expectedVersion int64, trigger, reason string) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.release", traces.PaymentID(paymentID))
	defer span.End()

	unlock, err := s.locks.Lock(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.load(ctx, paymentID, expectedVersion)
	if err != nil {
		return nil, err
	}
	if p.ContestedBy != "" {
		return nil, fault.Validation("payment %s is contested by dispute %s", p.ID, p.ContestedBy)
	}
	if !IsValidTransition(p.State, StateReleased) {
		return nil, s.rejectTransition(p.State, StateReleased)
	}

	now := time.Now()
	p.ReleasedAt = &now
	if err := s.transition(ctx, p, StateReleased, "payment.release", reason); err != nil {
		return nil, err
	}
	metrics.EscrowReleasedTotal.WithLabelValues(trigger).Inc()
	s.publish(ctx, events.EventPaymentReleased, paymentPayload(p))
	return p, nil
}

// MarkContested flags the payment so the release sweep skips it while a
// dispute is open.
func (s *Service) MarkContested(ctx context.Context, paymentID, disputeID string) error {
	unlock, err := s.locks.Lock(ctx, paymentID)
	if err != nil {
		return err
	}
	defer unlock()

	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.ContestedBy == disputeID {
		return nil
	}
	if p.ContestedBy != "" {
		return fault.Validation("payment %s is already contested by dispute %s", paymentID, p.ContestedBy)
	}
	p.ContestedBy = disputeID
	return s.bump(ctx, p)
}

// ClearContested removes the dispute hold, if held by disputeID.
func (s *Service) ClearContested(ctx context.Context, paymentID, disputeID string) error {
	unlock, err := s.locks.Lock(ctx, paymentID)
	if err != nil {
		return err
	}
	defer unlock()

	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.ContestedBy != disputeID {
		return nil
	}
	p.ContestedBy = ""
	return s.bump(ctx, p)
}

// RefundRequestInput contains the parameters for requesting a refund.
type RefundRequestInput struct {
	PaymentID       string
	RequestedBy     string
	RequestedByRole string
	Reason          refundpolicy.Reason
	Detail          string
	// Amount in minor units. Zero means the full remaining amount, except
	// for traveler_cancellation_after_confirmation where the cancellation
	// schedule computes it from TripStartAt.
	Amount          int64
	TripStartAt     *time.Time
	ExpectedVersion int64
}

// RequestRefund opens a refund request against a payment. Reasons that are
// refundable without an admin gate are approved and processed in the same
// call; gated reasons wait in REFUND_REQUESTED for an admin. Subjective
// reasons are rejected outright: they must go through dispute arbitration.
func (s *Service) RequestRefund(ctx context.Context, in RefundRequestInput) (*RefundRequest, *Payment, error) {
	if !in.Reason.Valid() {
		return nil, nil, fault.Validation("unknown refund reason %q", in.Reason)
	}
	cls := refundpolicy.Classify(in.Reason)
	if !cls.Refundable {
		return nil, nil, fault.Validation("reason %s is not refundable; file a dispute for admin review", in.Reason)
	}

	unlock, err := s.locks.Lock(ctx, in.PaymentID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	p, err := s.load(ctx, in.PaymentID, in.ExpectedVersion)
	if err != nil {
		return nil, nil, err
	}
	if !isPrivileged(in.RequestedByRole) && in.RequestedBy != p.TravelerID && in.RequestedBy != p.AgentID {
		return nil, nil, fault.Authorization("only the booking parties or an admin can request a refund")
	}
	if !IsValidTransition(p.State, StateRefundRequested) {
		return nil, nil, s.rejectTransition(p.State, StateRefundRequested)
	}

	amount := in.Amount
	if amount == 0 && in.Reason == refundpolicy.ReasonTravelerCancelledAfter {
		if in.TripStartAt == nil {
			return nil, nil, fault.Validation("tripStartAt required to compute a cancellation refund")
		}
		amount = s.schedule.PartialRefundAmount(p.RemainingAmount(), refundpolicy.DaysBeforeTrip(time.Now(), *in.TripStartAt))
		if amount == 0 {
			return nil, nil, fault.Validation("cancellation window earns no refund under the schedule")
		}
	}
	if amount == 0 {
		amount = p.RemainingAmount()
	}
	if amount <= 0 || amount > p.RemainingAmount() {
		return nil, nil, fault.Validation("refund amount %d out of range (remaining %d)", amount, p.RemainingAmount())
	}

	req := &RefundRequest{
		ID:                    idgen.WithPrefix("rfd_"),
		PaymentID:             p.ID,
		RequestedBy:           in.RequestedBy,
		RequestedByRole:       in.RequestedByRole,
		Reason:                in.Reason,
		Detail:                in.Detail,
		Amount:                amount,
		RequiresAdminApproval: cls.RequiresAdminApproval,
		CreatedAt:             time.Now(),
	}
	req.IdempotencyKey = req.ID

	if err := s.store.CreateRefundRequest(ctx, req); err != nil {
		return nil, nil, err
	}
	if err := s.transition(ctx, p, StateRefundRequested, "refund.request", string(in.Reason)); err != nil {
		return nil, nil, err
	}
	s.publish(ctx, events.EventRefundRequested, refundPayload(req, p))

	if !cls.RequiresAdminApproval {
		// No admin gate: approve and process in the same chain.
		if err := s.approveLocked(ctx, req, p, "system", string(req.Reason)); err != nil {
			return req, p, err
		}
		if err := s.processLocked(ctx, req, p); err != nil {
			return req, p, err
		}
	}
	return req, p, nil
}

// ApproveRefund moves an admin-gated refund request to REFUND_APPROVED.
// It does not move money; ProcessRefund executes the approved amount.
func (s *Service) ApproveRefund(ctx context.Context, requestID, approvedBy, reason string, expectedVersion int64) (*RefundRequest, *Payment, error) {
	req, err := s.store.GetRefundRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}

	unlock, err := s.locks.Lock(ctx, req.PaymentID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	req, err = s.store.GetRefundRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	p, err := s.load(ctx, req.PaymentID, expectedVersion)
	if err != nil {
		return nil, nil, err
	}
	if err := s.approveLocked(ctx, req, p, approvedBy, reason); err != nil {
		return nil, nil, err
	}
	return req, p, nil
}

// DenyRefund closes a refund request and moves the payment to the terminal
// REFUND_DENIED state.
func (s *Service) DenyRefund(ctx context.Context, requestID, deniedBy, reason string, expectedVersion int64) (*RefundRequest, *Payment, error) {
	if reason == "" {
		return nil, nil, fault.Validation("denial reason is required")
	}

	req, err := s.store.GetRefundRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}

	unlock, err := s.locks.Lock(ctx, req.PaymentID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	req, err = s.store.GetRefundRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if !req.Open() {
		return nil, nil, fault.Validation("refund request %s is already settled", requestID)
	}
	p, err := s.load(ctx, req.PaymentID, expectedVersion)
	if err != nil {
		return nil, nil, err
	}
	if err := s.transition(ctx, p, StateRefundDenied, "refund.deny", reason); err != nil {
		return nil, nil, err
	}

	now := time.Now()
	req.DeniedBy = deniedBy
	req.DeniedAt = &now
	req.DenialReason = reason
	s.mustUpdateRequest(ctx, req)

	s.publish(ctx, events.EventRefundDenied, refundPayload(req, p))
	return req, p, nil
}

// ProcessRefund executes an approved refund through the processor and
// settles the payment into REFUNDED or PARTIALLY_REFUNDED.
func (s *Service) ProcessRefund(ctx context.Context, requestID string, expectedVersion int64) (*RefundRequest, *Payment, error) {
	req, err := s.store.GetRefundRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}

	unlock, err := s.locks.Lock(ctx, req.PaymentID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	req, err = s.store.GetRefundRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	p, err := s.load(ctx, req.PaymentID, expectedVersion)
	if err != nil {
		return nil, nil, err
	}
	if err := s.processLocked(ctx, req, p); err != nil {
		return nil, nil, err
	}
	return req, p, nil
}

// approveLocked approves req. Caller holds the payment lock.
func (s *Service) approveLocked(ctx context.Context, req *RefundRequest, p *Payment, approvedBy, reason string) error {
	if req.ApprovedAt != nil {
		return fault.Validation("refund request %s is already approved", req.ID)
	}
	if !req.Open() {
		return fault.Validation("refund request %s is already settled", req.ID)
	}
	if err := s.transition(ctx, p, StateRefundApproved, "refund.approve", reason); err != nil {
		return err
	}

	now := time.Now()
	req.ApprovedBy = approvedBy
	req.ApprovedAt = &now
	s.mustUpdateRequest(ctx, req)

	s.publish(ctx, events.EventRefundApproved, refundPayload(req, p))
	return nil
}

// processLocked refunds through the processor and settles the payment.
// Caller holds the payment lock. The processor call happens before any
// write, keyed deterministically, so a write failure plus retry cannot
// double-refund.
func (s *Service) processLocked(ctx context.Context, req *RefundRequest, p *Payment) error {
	if req.ProcessedAt != nil {
		return fault.Validation("refund request %s is already processed", req.ID)
	}
	if req.ApprovedAt == nil {
		return fault.Validation("refund request %s is not approved", req.ID)
	}
	if req.Amount > p.RemainingAmount() {
		return fault.Validation("refund amount %d exceeds remaining %d", req.Amount, p.RemainingAmount())
	}

	target := StatePartiallyRefunded
	kind := "partial"
	if p.RefundedAmount+req.Amount == p.GrossAmount {
		target = StateRefunded
		kind = "full"
	}
	if !IsValidTransition(p.State, target) {
		return s.rejectTransition(p.State, target)
	}

	if _, err := s.processor.Refund(ctx, RefundParams{
		PaymentID:      p.ID,
		ProviderRef:    p.ProviderRef,
		Amount:         req.Amount,
		Currency:       p.Currency,
		IdempotencyKey: req.IdempotencyKey,
		Reason:         string(req.Reason),
	}); err != nil {
		return fault.Upstream(err, "processor refund for %s", req.ID)
	}

	p.RefundedAmount += req.Amount
	if err := s.transition(ctx, p, target, "refund.process", string(req.Reason)); err != nil {
		return err
	}

	now := time.Now()
	req.ProcessedAt = &now
	s.mustUpdateRequest(ctx, req)

	metrics.RefundsProcessedTotal.WithLabelValues(kind).Inc()
	s.publish(ctx, events.EventRefundProcessed, refundPayload(req, p))
	return nil
}

// Get returns a payment by ID.
func (s *Service) Get(ctx context.Context, paymentID string) (*Payment, error) {
	return s.store.GetPayment(ctx, paymentID)
}

// GetRefundRequest returns a refund request by ID.
func (s *Service) GetRefundRequest(ctx context.Context, requestID string) (*RefundRequest, error) {
	return s.store.GetRefundRequest(ctx, requestID)
}

// ListByBooking returns all payments for a booking.
func (s *Service) ListByBooking(ctx context.Context, bookingID string) ([]*Payment, error) {
	return s.store.ListPaymentsByBooking(ctx, bookingID)
}

// ListRefundRequests returns all refund requests for a payment.
func (s *Service) ListRefundRequests(ctx context.Context, paymentID string) ([]*RefundRequest, error) {
	return s.store.ListRefundRequestsByPayment(ctx, paymentID)
}

// SumExposure returns the total unreleased escrow liability in minor units.
func (s *Service) SumExposure(ctx context.Context) (int64, error) {
	return s.store.SumEscrowExposure(ctx)
}

// load fetches a payment and checks the caller's expected version.
// expectedVersion <= 0 skips the check.
func (s *Service) load(ctx context.Context, paymentID string, expectedVersion int64) (*Payment, error) {
	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if expectedVersion > 0 && p.Version != expectedVersion {
		metrics.PaymentTransitionRejectionsTotal.WithLabelValues("conflict").Inc()
		return nil, fault.Conflict("payment %s is at version %d, expected %d", paymentID, p.Version, expectedVersion)
	}
	return p, nil
}

// transition applies from → to with a version bump and records the audit
// entry. p must carry any additional field changes before the call.
func (s *Service) transition(ctx context.Context, p *Payment, to State, action, reason string) error {
	from := p.State
	if !IsValidTransition(from, to) {
		return s.rejectTransition(from, to)
	}

	expected := p.Version
	p.State = to
	p.Version++
	p.UpdatedAt = time.Now()

	if err := s.store.UpdatePayment(ctx, p, expected); err != nil {
		p.State = from
		p.Version = expected
		return err
	}

	metrics.PaymentTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	s.record(ctx, &audit.Entry{
		Action:     action,
		EntityType: audit.EntityPayment,
		EntityID:   p.ID,
		FromState:  string(from),
		ToState:    string(to),
		Reason:     reason,
	})
	return nil
}

func (s *Service) rejectTransition(from, to State) error {
	metrics.PaymentTransitionRejectionsTotal.WithLabelValues("invalid_transition").Inc()
	return fault.InvalidTransition(string(from), string(to))
}

// bump persists a non-transition field change with a version increment.
func (s *Service) bump(ctx context.Context, p *Payment) error {
	expected := p.Version
	p.Version++
	p.UpdatedAt = time.Now()
	if err := s.store.UpdatePayment(ctx, p, expected); err != nil {
		p.Version = expected
		return err
	}
	return nil
}

// chargeKey derives the processor charge idempotency key.
func (s *Service) chargeKey(p *Payment) string {
	if p.IdempotencyKey != "" {
		return p.IdempotencyKey
	}
	return p.ID
}

// isPrivileged reports whether the role may act on any payment.
func isPrivileged(role string) bool {
	return role == "admin" || role == "service"
}

// mustUpdateRequest persists a refund request change after the payment has
// already moved. The payment transition is the source of truth; a stale
// request row is repairable, so failures are logged through audit rather
// than unwinding the chain.
func (s *Service) mustUpdateRequest(ctx context.Context, req *RefundRequest) {
	if err := s.store.UpdateRefundRequest(ctx, req); err != nil {
		// Retry once before recording the inconsistency.
		if retryErr := s.store.UpdateRefundRequest(ctx, req); retryErr != nil {
			s.record(ctx, &audit.Entry{
				Action:     "refund.request_update_failed",
				EntityType: audit.EntityRefundRequest,
				EntityID:   req.ID,
				Outcome:    audit.OutcomeRejected,
				Detail:     retryErr.Error(),
			})
		}
	}
}

func (s *Service) record(ctx context.Context, entry *audit.Entry) {
	if s.auditor == nil {
		return
	}
	_ = s.auditor.Record(ctx, entry)
}

func (s *Service) publish(ctx context.Context, eventType events.EventType, payload any) {
	if s.publisher == nil {
		return
	}
	evt, err := events.New(eventType, payload)
	if err != nil {
		return
	}
	_ = s.publisher.Publish(ctx, evt)
}

func paymentPayload(p *Payment) map[string]any {
	return map[string]any{
		"paymentId":      p.ID,
		"bookingId":      p.BookingID,
		"state":          string(p.State),
		"grossAmount":    p.GrossAmount,
		"refundedAmount": p.RefundedAmount,
		"currency":       p.Currency,
	}
}

func refundPayload(req *RefundRequest, p *Payment) map[string]any {
	return map[string]any{
		"refundRequestId": req.ID,
		"paymentId":       p.ID,
		"reason":          string(req.Reason),
		"amount":          req.Amount,
		"state":           string(p.State),
	}
}
