// Package arbitration is the admin workflow over filed disputes: the work
// queue, assignment, review, escalation, case notes, and the resolution
// that settles a case. Resolve is the only operation that mutates both the
// dispute and its payment, and it runs inside one unit of work so the two
// state machines can never disagree about the outcome.
package arbitration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trailpay/trailpay/internal/audit"
	"github.com/trailpay/trailpay/internal/dispute"
	"github.com/trailpay/trailpay/internal/events"
	"github.com/trailpay/trailpay/internal/evidence"
	"github.com/trailpay/trailpay/internal/fault"
	"github.com/trailpay/trailpay/internal/idgen"
	"github.com/trailpay/trailpay/internal/ledger"
	"github.com/trailpay/trailpay/internal/metrics"
	"github.com/trailpay/trailpay/internal/pagination"
	"github.com/trailpay/trailpay/internal/priority"
	"github.com/trailpay/trailpay/internal/refundpolicy"
	"github.com/trailpay/trailpay/internal/traces"
)

// ResolutionType is the final decision an admin hands down on a case.
type ResolutionType string

const (
	ResolutionRefund        ResolutionType = "refund"
	ResolutionPartialRefund ResolutionType = "partial_refund"
	ResolutionDeny          ResolutionType = "deny"
	ResolutionNoAction      ResolutionType = "no_action"
)

// Valid reports whether t is a known resolution type.
func (t ResolutionType) Valid() bool {
	switch t {
	case ResolutionRefund, ResolutionPartialRefund, ResolutionDeny, ResolutionNoAction:
		return true
	}
	return false
}

// refunds reports whether the type moves money back to the traveler.
func (t ResolutionType) refunds() bool {
	return t == ResolutionRefund || t == ResolutionPartialRefund
}

// caseState maps the decision to the dispute terminal state it produces.
// no_action closes the case as denied; the resolution row keeps the
// distinction.
func (t ResolutionType) caseState() dispute.State {
	switch t {
	case ResolutionRefund:
		return dispute.StateResolvedRefund
	case ResolutionPartialRefund:
		return dispute.StateResolvedPartial
	default:
		return dispute.StateResolvedDenied
	}
}

// Resolution is the immutable record of a decided case. Amounts are minor
// currency units.
type Resolution struct {
	ID               string         `json:"id"`
	DisputeID        string         `json:"disputeId"`
	Type             ResolutionType `json:"type"`
	RefundAmount     int64          `json:"refundAmount,omitempty"`
	RefundPercentage int            `json:"refundPercentage,omitempty"`
	Currency         string         `json:"currency,omitempty"`
	Reasoning        string         `json:"reasoning"`

	// InternalNotes stay with the admins; AdminReason is the override
	// justification required to refund a subjective complaint.
	InternalNotes string `json:"internalNotes,omitempty"`
	AdminReason   string `json:"adminReason,omitempty"`

	ResolvedBy      string    `json:"resolvedBy"`
	RefundRequestID string    `json:"refundRequestId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Public returns the resolution as the parties see it: internal notes and
// the override justification are redacted.
func (r *Resolution) Public() *Resolution {
	cp := *r
	cp.InternalNotes = ""
	cp.AdminReason = ""
	return &cp
}

// Note is an admin annotation on a case. Internal notes never reach the
// parties.
type Note struct {
	ID         string    `json:"id"`
	DisputeID  string    `json:"disputeId"`
	AuthorID   string    `json:"authorId"`
	Body       string    `json:"body"`
	IsInternal bool      `json:"isInternal"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store persists resolutions and case notes.
type Store interface {
	CreateResolution(ctx context.Context, r *Resolution) error
	GetResolution(ctx context.Context, id string) (*Resolution, error)
	// GetResolutionByDispute returns the dispute's resolution, or
	// fault.NotFound.
	GetResolutionByDispute(ctx context.Context, disputeID string) (*Resolution, error)
	AddNote(ctx context.Context, n *Note) error
	ListNotes(ctx context.Context, disputeID string) ([]*Note, error)
}

// Authorizer answers whether an actor holds the admin capability. The
// identity package supplies the production implementation.
type Authorizer interface {
	IsAdmin(ctx context.Context, actorID string) (bool, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, actorID string) (bool, error)

func (f AuthorizerFunc) IsAdmin(ctx context.Context, actorID string) (bool, error) {
	return f(ctx, actorID)
}

// Ledger is the read slice of the payment service the workflow needs
// outside the resolution unit.
type Ledger interface {
	Get(ctx context.Context, paymentID string) (*ledger.Payment, error)
}

// Evidence is the slice of the evidence service the queue and case views
// read through.
type Evidence interface {
	ListByDispute(ctx context.Context, disputeID string) ([]*evidence.Item, evidence.Stats, error)
}

const maxNoteLen = 4000

// Queue paging bounds.
const (
	defaultQueueLimit = 20
	maxQueueLimit     = 100
)

// Service owns the arbitration workflow.
type Service struct {
	disputes   *dispute.Service
	payments   Ledger
	store      Store
	uow        UnitOfWork
	processor  ledger.PaymentProcessor
	authorizer Authorizer
	evidence   Evidence
	auditor    audit.Logger
	scorer     *priority.Scorer
}

// NewService creates an arbitration service.
func NewService(disputes *dispute.Service, payments Ledger, store Store, uow UnitOfWork, processor ledger.PaymentProcessor, authorizer Authorizer) *Service {
	return &Service{
		disputes:   disputes,
		payments:   payments,
		store:      store,
		uow:        uow,
		processor:  processor,
		authorizer: authorizer,
		scorer:     priority.NewScorer(),
	}
}

// WithEvidence attaches the evidence service used for case views and
// priority scoring.
func (s *Service) WithEvidence(e Evidence) *Service {
	s.evidence = e
	return s
}

// WithAudit attaches an audit logger for actions outside the resolution
// unit.
func (s *Service) WithAudit(l audit.Logger) *Service {
	s.auditor = l
	return s
}

// WithScorer overrides the default priority scorer.
func (s *Service) WithScorer(sc *priority.Scorer) *Service {
	s.scorer = sc
	return s
}

// Assign routes a case to an admin. An empty target assigns the caller.
func (s *Service) Assign(ctx context.Context, disputeID, targetAdminID, adminID, reason string, expectedVersion int64) (*dispute.Dispute, error) {
	if err := s.authorize(ctx, adminID); err != nil {
		return nil, err
	}
	if targetAdminID == "" {
		targetAdminID = adminID
	}
	return s.disputes.Assign(ctx, disputeID, targetAdminID, adminID, reason, expectedVersion)
}

// StartReview takes a case under admin review. The dispute service enforces
// the response-window guard.
func (s *Service) StartReview(ctx context.Context, disputeID, adminID, reason string, expectedVersion int64) (*dispute.Dispute, error) {
	if err := s.authorize(ctx, adminID); err != nil {
		return nil, err
	}
	return s.disputes.StartReview(ctx, disputeID, adminID, reason, expectedVersion)
}

// Escalate flags a case for senior attention. Escalated cases sort first in
// the queue and resume review when an admin picks them back up.
func (s *Service) Escalate(ctx context.Context, disputeID, adminID, reason string, expectedVersion int64) (*dispute.Dispute, error) {
	if err := s.authorize(ctx, adminID); err != nil {
		return nil, err
	}
	return s.disputes.Escalate(ctx, disputeID, adminID, reason, expectedVersion)
}

// NoteInput describes a case annotation.
type NoteInput struct {
	DisputeID  string
	AuthorID   string
	Body       string
	IsInternal bool
}

// AddNote appends an arbitration note to a case. Notes stay writable after
// the case closes; follow-ups on settled cases are part of the record.
func (s *Service) AddNote(ctx context.Context, in NoteInput) (*Note, error) {
	if err := s.authorize(ctx, in.AuthorID); err != nil {
		return nil, err
	}
	if in.Body == "" {
		return nil, fault.Validation("a note body is required")
	}
	if len(in.Body) > maxNoteLen {
		return nil, fault.Validation("note exceeds %d characters", maxNoteLen)
	}
	if _, err := s.disputes.Get(ctx, in.DisputeID); err != nil {
		return nil, err
	}

	n := &Note{
		ID:         idgen.WithPrefix("note_"),
		DisputeID:  in.DisputeID,
		AuthorID:   in.AuthorID,
		Body:       in.Body,
		IsInternal: in.IsInternal,
		CreatedAt:  time.Now(),
	}
	if err := s.store.AddNote(ctx, n); err != nil {
		return nil, err
	}
	s.record(ctx, &audit.Entry{
		Action:     "dispute.note",
		EntityType: audit.EntityDispute,
		EntityID:   in.DisputeID,
		Detail:     "note " + n.ID,
	})
	return n, nil
}

// ResolveInput is an admin's final decision on a case.
type ResolveInput struct {
	DisputeID string
	AdminID   string
	Type      ResolutionType

	// RefundAmount and RefundPercentage size a partial refund; exactly one
	// may be set. A full refund takes an optional amount that must equal
	// the payment's remaining balance.
	RefundAmount     int64
	RefundPercentage int

	Reasoning       string
	InternalNotes   string
	AdminReason     string
	ExpectedVersion int64
}

func (in *ResolveInput) validate() error {
	if !in.Type.Valid() {
		return fault.Validation("unknown resolution type %q", in.Type)
	}
	if in.Reasoning == "" {
		return fault.Validation("a resolution reasoning is required")
	}
	if in.RefundAmount < 0 {
		return fault.Validation("refund amount cannot be negative")
	}
	if in.RefundPercentage < 0 || in.RefundPercentage > 99 {
		return fault.Validation("refund percentage must be between 1 and 99")
	}
	switch in.Type {
	case ResolutionRefund:
		if in.RefundPercentage != 0 {
			return fault.Validation("a full refund takes no percentage")
		}
	case ResolutionPartialRefund:
		if (in.RefundAmount > 0) == (in.RefundPercentage > 0) {
			return fault.Validation("a partial refund takes exactly one of refundAmount or refundPercentage")
		}
	default:
		if in.RefundAmount != 0 || in.RefundPercentage != 0 {
			return fault.Validation("resolution type %s carries no refund", in.Type)
		}
	}
	return nil
}

// resolveOutcome carries what a committed unit changed, for the metrics
// that fire only after commit.
type resolveOutcome struct {
	resolution *Resolution
	dispute    *dispute.Dispute
	steps      []paymentStep
	refundKind string
}

type paymentStep struct {
	from, to ledger.State
}

// Resolve settles a case with a final decision. Resolution row, dispute
// transition, ledger chain, history, audit, and outbox events commit
// together or not at all. The processor is charged before the first write
// under a key derived from the decision, so a retry after a rolled-back
// unit replays the same refund instead of issuing a second one.
func (s *Service) Resolve(ctx context.Context, in ResolveInput) (*Resolution, *dispute.Dispute, error) {
	if err := in.validate(); err != nil {
		return nil, nil, err
	}
	if err := s.authorize(ctx, in.AdminID); err != nil {
		return nil, nil, err
	}

	ctx, span := traces.StartSpan(ctx, "arbitration.resolve",
		traces.DisputeID(in.DisputeID), traces.Actor(in.AdminID))
	defer span.End()

	var out resolveOutcome
	if err := s.uow.Run(ctx, func(tx TxStores) error {
		return s.resolveInUnit(ctx, tx, in, &out)
	}); err != nil {
		return nil, nil, err
	}

	metrics.DisputesResolvedTotal.WithLabelValues(string(out.dispute.State)).Inc()
	metrics.ArbitrationDuration.Observe(time.Since(out.dispute.CreatedAt).Seconds())
	for _, step := range out.steps {
		metrics.PaymentTransitionsTotal.WithLabelValues(string(step.from), string(step.to)).Inc()
	}
	if out.refundKind != "" {
		metrics.RefundsProcessedTotal.WithLabelValues(out.refundKind).Inc()
	}
	return out.resolution, out.dispute, nil
}

func (s *Service) resolveInUnit(ctx context.Context, tx TxStores, in ResolveInput, out *resolveOutcome) error {
	d, err := tx.Disputes.GetDispute(ctx, in.DisputeID)
	if err != nil {
		return err
	}
	if in.ExpectedVersion > 0 && d.Version != in.ExpectedVersion {
		metrics.DisputeTransitionRejectionsTotal.WithLabelValues("conflict").Inc()
		return fault.Conflict("dispute %s is at version %d, expected %d", d.ID, d.Version, in.ExpectedVersion)
	}
	target := in.Type.caseState()
	if !dispute.IsValidTransition(d.State, target) {
		metrics.DisputeTransitionRejectionsTotal.WithLabelValues("invalid_transition").Inc()
		return fault.InvalidTransition(string(d.State), string(target))
	}
	if d.IsSubjectiveComplaint && in.Type.refunds() && in.AdminReason == "" {
		return fault.Validation("refunding subjective complaint %s requires an override reason", d.ID)
	}

	p, err := tx.Payments.GetPayment(ctx, d.PaymentID)
	if err != nil {
		return err
	}

	now := time.Now()
	res := &Resolution{
		ID:               idgen.WithPrefix("res_"),
		DisputeID:        d.ID,
		Type:             in.Type,
		RefundPercentage: in.RefundPercentage,
		Currency:         p.Currency,
		Reasoning:        in.Reasoning,
		InternalNotes:    in.InternalNotes,
		AdminReason:      in.AdminReason,
		ResolvedBy:       in.AdminID,
		CreatedAt:        now,
	}

	// Plan the ledger side, processor call included, before any write.
	var plan *refundPlan
	if in.Type.refunds() {
		plan, err = s.planRefund(ctx, tx, in, d, p, res)
		if err != nil {
			return err
		}
	}
	var denyReq *ledger.RefundRequest
	if in.Type == ResolutionDeny && p.State == ledger.StateRefundRequested {
		denyReq, err = openRequest(ctx, tx, p.ID)
		if err != nil {
			return err
		}
	}

	// The dispute row is the serialization point: a concurrent resolver
	// loses here before any ledger write.
	from := d.State
	expected := d.Version
	d.State = target
	d.ResolutionID = res.ID
	d.Version++
	d.UpdatedAt = now
	if err := tx.Disputes.UpdateDispute(ctx, d, expected); err != nil {
		return err
	}

	switch in.Type {
	case ResolutionRefund, ResolutionPartialRefund:
		if err := s.applyRefund(ctx, tx, in, d, p, plan, out); err != nil {
			return err
		}
	case ResolutionDeny:
		if err := s.applyDenial(ctx, tx, in, d, p, denyReq, res, out); err != nil {
			return err
		}
	case ResolutionNoAction:
		if err := liftHold(ctx, tx, d, p); err != nil {
			return err
		}
	}

	if err := tx.Resolutions.CreateResolution(ctx, res); err != nil {
		return err
	}
	if err := tx.Disputes.AddHistory(ctx, &dispute.HistoryEntry{
		ID:        idgen.WithPrefix("hst_"),
		DisputeID: d.ID,
		Action:    "dispute.resolve",
		ActorID:   in.AdminID,
		ActorRole: audit.ActorAdmin,
		FromState: from,
		ToState:   target,
		Reason:    in.Reasoning,
		CreatedAt: now,
	}); err != nil {
		return err
	}
	if err := recordTx(ctx, tx, &audit.Entry{
		Action:     "dispute.resolve",
		EntityType: audit.EntityDispute,
		EntityID:   d.ID,
		FromState:  string(from),
		ToState:    string(target),
		Reason:     in.Reasoning,
		Detail:     "resolution " + res.ID + " (" + string(res.Type) + ")",
	}); err != nil {
		return err
	}
	if err := stageTx(ctx, tx, events.EventDisputeResolved, resolutionPayload(res, d)); err != nil {
		return err
	}

	out.resolution = res
	out.dispute = d
	return nil
}

// refundPlan is the ledger work a refund resolution applies once the
// dispute row is safely transitioned. The processor has already accepted
// the refund by the time a plan exists.
type refundPlan struct {
	req      *ledger.RefundRequest
	reqIsNew bool
	amount   int64
}

// planRefund validates the refund, picks or builds the refund request it
// settles, and submits the processor refund. No store write happens here.
func (s *Service) planRefund(ctx context.Context, tx TxStores, in ResolveInput, d *dispute.Dispute, p *ledger.Payment, res *Resolution) (*refundPlan, error) {
	remaining := p.RemainingAmount()
	amount := in.RefundAmount
	switch {
	case in.Type == ResolutionRefund:
		if amount == 0 {
			amount = remaining
		}
		if amount != remaining {
			return nil, fault.Validation("a full refund settles the remaining %d, got %d", remaining, amount)
		}
	case in.RefundPercentage > 0:
		amount = p.GrossAmount * int64(in.RefundPercentage) / 100
	}
	if amount <= 0 || amount > remaining {
		return nil, fault.Validation("refund amount %d out of range (remaining %d)", amount, remaining)
	}
	if p.State != ledger.StateRefundRequested && !ledger.IsValidTransition(p.State, ledger.StateRefundRequested) {
		metrics.PaymentTransitionRejectionsTotal.WithLabelValues("invalid_transition").Inc()
		return nil, fault.InvalidTransition(string(p.State), string(ledger.StateRefundRequested))
	}

	req, err := openRequest(ctx, tx, p.ID)
	if err != nil {
		return nil, err
	}
	reqIsNew := req == nil
	if reqIsNew {
		// The decision opens its own request. A category outside the
		// refundable set goes through as an admin override.
		reason := d.Category
		detail := in.Reasoning
		if !refundpolicy.Classify(reason).Refundable {
			reason = refundpolicy.ReasonAdminOverride
			detail = in.AdminReason
		}
		req = &ledger.RefundRequest{
			ID:                    idgen.WithPrefix("rfd_"),
			PaymentID:             p.ID,
			RequestedBy:           in.AdminID,
			RequestedByRole:       audit.ActorAdmin,
			Reason:                reason,
			Detail:                detail,
			Amount:                amount,
			RequiresAdminApproval: refundpolicy.Classify(reason).RequiresAdminApproval,
			IdempotencyKey:        resolveKey(d.ID, in.Type, amount),
			CreatedAt:             time.Now(),
		}
	} else {
		// The decision's amount is authoritative; the request row records
		// what actually settled.
		req.Amount = amount
	}
	res.RefundAmount = amount
	res.RefundRequestID = req.ID

	if _, err := s.processor.Refund(ctx, ledger.RefundParams{
		PaymentID:      p.ID,
		ProviderRef:    p.ProviderRef,
		Amount:         amount,
		Currency:       p.Currency,
		IdempotencyKey: req.IdempotencyKey,
		Reason:         string(req.Reason),
	}); err != nil {
		return nil, fault.Upstream(err, "processor refund for dispute %s", d.ID)
	}
	return &refundPlan{req: req, reqIsNew: reqIsNew, amount: amount}, nil
}

// applyRefund walks the payment through the refund chain and settles the
// request row. The processor already holds the refund.
func (s *Service) applyRefund(ctx context.Context, tx TxStores, in ResolveInput, d *dispute.Dispute, p *ledger.Payment, plan *refundPlan, out *resolveOutcome) error {
	if p.ContestedBy == d.ID {
		p.ContestedBy = ""
	}
	if plan.reqIsNew {
		if err := tx.Payments.CreateRefundRequest(ctx, plan.req); err != nil {
			return err
		}
	}
	if p.State != ledger.StateRefundRequested {
		if err := movePayment(ctx, tx, p, ledger.StateRefundRequested, "refund.request", string(plan.req.Reason), out); err != nil {
			return err
		}
		if err := stageTx(ctx, tx, events.EventRefundRequested, refundPayload(plan.req, p)); err != nil {
			return err
		}
	}

	now := time.Now()
	plan.req.ApprovedBy = in.AdminID
	plan.req.ApprovedAt = &now
	if err := movePayment(ctx, tx, p, ledger.StateRefundApproved, "refund.approve", in.Reasoning, out); err != nil {
		return err
	}
	if err := stageTx(ctx, tx, events.EventRefundApproved, refundPayload(plan.req, p)); err != nil {
		return err
	}

	p.RefundedAmount += plan.amount
	target := ledger.StatePartiallyRefunded
	kind := "partial"
	if p.RefundedAmount == p.GrossAmount {
		target = ledger.StateRefunded
		kind = "full"
	}
	if err := movePayment(ctx, tx, p, target, "refund.process", string(plan.req.Reason), out); err != nil {
		return err
	}
	plan.req.ProcessedAt = &now
	if err := tx.Payments.UpdateRefundRequest(ctx, plan.req); err != nil {
		return err
	}
	if err := stageTx(ctx, tx, events.EventRefundProcessed, refundPayload(plan.req, p)); err != nil {
		return err
	}
	out.refundKind = kind
	return nil
}

// applyDenial closes the pending refund request, if one exists, and moves
// the payment to REFUND_DENIED. A payment with nothing pending keeps its
// state; only the contested hold lifts.
func (s *Service) applyDenial(ctx context.Context, tx TxStores, in ResolveInput, d *dispute.Dispute, p *ledger.Payment, req *ledger.RefundRequest, res *Resolution, out *resolveOutcome) error {
	if p.State != ledger.StateRefundRequested {
		return liftHold(ctx, tx, d, p)
	}
	if p.ContestedBy == d.ID {
		p.ContestedBy = ""
	}
	if err := movePayment(ctx, tx, p, ledger.StateRefundDenied, "refund.deny", in.Reasoning, out); err != nil {
		return err
	}
	if req != nil {
		now := time.Now()
		req.DeniedBy = in.AdminID
		req.DeniedAt = &now
		req.DenialReason = in.Reasoning
		if err := tx.Payments.UpdateRefundRequest(ctx, req); err != nil {
			return err
		}
		res.RefundRequestID = req.ID
	}
	return stageTx(ctx, tx, events.EventRefundDenied, refundPayload(req, p))
}

// movePayment applies one step of the ledger chain with a version bump and
// queues the step's audit entry on the unit.
func movePayment(ctx context.Context, tx TxStores, p *ledger.Payment, to ledger.State, action, reason string, out *resolveOutcome) error {
	from := p.State
	if !ledger.IsValidTransition(from, to) {
		metrics.PaymentTransitionRejectionsTotal.WithLabelValues("invalid_transition").Inc()
		return fault.InvalidTransition(string(from), string(to))
	}
	expected := p.Version
	p.State = to
	p.Version++
	p.UpdatedAt = time.Now()
	if err := tx.Payments.UpdatePayment(ctx, p, expected); err != nil {
		return err
	}
	out.steps = append(out.steps, paymentStep{from: from, to: to})
	return recordTx(ctx, tx, &audit.Entry{
		Action:     action,
		EntityType: audit.EntityPayment,
		EntityID:   p.ID,
		FromState:  string(from),
		ToState:    string(to),
		Reason:     reason,
	})
}

// liftHold clears the contested hold when the decision leaves the ledger
// state alone, so the release sweep can pick the payment back up.
func liftHold(ctx context.Context, tx TxStores, d *dispute.Dispute, p *ledger.Payment) error {
	if p.ContestedBy != d.ID {
		return nil
	}
	p.ContestedBy = ""
	expected := p.Version
	p.Version++
	p.UpdatedAt = time.Now()
	return tx.Payments.UpdatePayment(ctx, p, expected)
}

// openRequest finds the payment's refund request still awaiting settlement.
func openRequest(ctx context.Context, tx TxStores, paymentID string) (*ledger.RefundRequest, error) {
	reqs, err := tx.Payments.ListRefundRequestsByPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	for _, r := range reqs {
		if r.Open() {
			return r, nil
		}
	}
	return nil, nil
}

// resolveKey derives the processor idempotency key for a resolution refund.
// It is a pure function of the decision, so a retried resolve replays the
// same refund instead of issuing a second one.
func resolveKey(disputeID string, t ResolutionType, amount int64) string {
	return fmt.Sprintf("%s:%s:%d", disputeID, t, amount)
}

// QueueInput selects and pages the admin work queue.
type QueueInput struct {
	AssignedAdminID string
	Unassigned      bool
	State           string
	EscalatedOnly   bool
	Cursor          string
	Limit           int
}

// QueueItem is one case in the work queue with its advisory priority.
type QueueItem struct {
	Dispute  *dispute.Dispute     `json:"dispute"`
	Priority *priority.Assessment `json:"priority"`
}

// QueuePage is one page of the work queue.
type QueuePage struct {
	Items      []*QueueItem `json:"items"`
	NextCursor string       `json:"nextCursor,omitempty"`
	HasMore    bool         `json:"hasMore"`
}

// Queue returns the admin work queue: escalated cases first, then newest
// first, cursor-paged.
func (s *Service) Queue(ctx context.Context, adminID string, in QueueInput) (*QueuePage, error) {
	if err := s.authorize(ctx, adminID); err != nil {
		return nil, err
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultQueueLimit
	}
	if limit > maxQueueLimit {
		limit = maxQueueLimit
	}

	filter := dispute.QueueFilter{
		AssignedAdminID: in.AssignedAdminID,
		Unassigned:      in.Unassigned,
		EscalatedOnly:   in.EscalatedOnly,
		Limit:           limit + 1,
	}
	if in.State != "" {
		st := dispute.State(in.State)
		if !st.Valid() {
			return nil, fault.Validation("unknown dispute state %q", in.State)
		}
		filter.State = st
	}
	if in.Cursor != "" {
		cur, err := pagination.Decode(in.Cursor)
		if err != nil {
			return nil, fault.Validation("invalid cursor")
		}
		// The token carries no rank; re-read the boundary case for its
		// current one. A case escalated between pages shifts the boundary,
		// which the queue accepts over carrying mutable rank in the token.
		boundary, err := s.disputes.Get(ctx, cur.ID)
		if err != nil {
			return nil, fault.Validation("invalid cursor")
		}
		filter.After = &dispute.QueueCursor{
			Escalated: boundary.State == dispute.StateEscalated,
			CreatedAt: cur.CreatedAt,
			ID:        cur.ID,
		}
	}

	rows, err := s.disputes.ListQueue(ctx, filter)
	if err != nil {
		return nil, err
	}
	page, next, more := pagination.ComputePage(rows, limit, func(d *dispute.Dispute) (time.Time, string) {
		return d.CreatedAt, d.ID
	})

	items := make([]*QueueItem, 0, len(page))
	for _, d := range page {
		items = append(items, &QueueItem{Dispute: d, Priority: s.assess(ctx, d)})
	}
	return &QueuePage{Items: items, NextCursor: next, HasMore: more}, nil
}

// AdminView is the full case file an admin reviews before acting.
type AdminView struct {
	Dispute        *dispute.Dispute            `json:"dispute"`
	Payment        *ledger.Payment             `json:"payment"`
	Classification refundpolicy.Classification `json:"classification"`
	Priority       *priority.Assessment        `json:"priority"`
	Evidence       []*evidence.Item            `json:"evidence"`
	EvidenceStats  evidence.Stats              `json:"evidenceStats"`
	Resolution     *Resolution                 `json:"resolution,omitempty"`
	Notes          []*Note                     `json:"notes"`
}

// Case assembles the admin view of one dispute.
func (s *Service) Case(ctx context.Context, disputeID, adminID string) (*AdminView, error) {
	if err := s.authorize(ctx, adminID); err != nil {
		return nil, err
	}
	d, err := s.disputes.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	p, err := s.payments.Get(ctx, d.PaymentID)
	if err != nil {
		return nil, err
	}

	var items []*evidence.Item
	var stats evidence.Stats
	if s.evidence != nil {
		items, stats, err = s.evidence.ListByDispute(ctx, d.ID)
		if err != nil {
			return nil, err
		}
	}
	view := &AdminView{
		Dispute:        d,
		Payment:        p,
		Classification: refundpolicy.Classify(d.Category),
		Priority:       s.scoreCase(d, stats.Total),
		Evidence:       items,
		EvidenceStats:  stats,
	}

	res, err := s.store.GetResolutionByDispute(ctx, d.ID)
	switch {
	case err == nil:
		view.Resolution = res
	case !errors.Is(err, fault.ErrNotFound):
		return nil, err
	}
	notes, err := s.store.ListNotes(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	view.Notes = notes
	return view, nil
}

// HistoryView is a case's combined action log, notes, and decision.
type HistoryView struct {
	DisputeID  string                  `json:"disputeId"`
	Entries    []*dispute.HistoryEntry `json:"entries"`
	Notes      []*Note                 `json:"notes"`
	Resolution *Resolution             `json:"resolution,omitempty"`
}

// AdminHistory returns the full case record, internal notes included.
func (s *Service) AdminHistory(ctx context.Context, disputeID, adminID string) (*HistoryView, error) {
	if err := s.authorize(ctx, adminID); err != nil {
		return nil, err
	}
	return s.history(ctx, disputeID, true)
}

// PartyHistory returns the case record as the dispute's parties see it:
// internal notes and override fields are redacted.
func (s *Service) PartyHistory(ctx context.Context, disputeID, actorID, actorRole string) (*HistoryView, error) {
	d, err := s.disputes.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if actorID != d.TravelerID && actorID != d.AgentID && !isPrivileged(actorRole) {
		return nil, fault.Authorization("only the dispute's parties can view its history")
	}
	return s.history(ctx, disputeID, isPrivileged(actorRole))
}

func (s *Service) history(ctx context.Context, disputeID string, includeInternal bool) (*HistoryView, error) {
	entries, err := s.disputes.History(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	notes, err := s.store.ListNotes(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !includeInternal {
		shared := make([]*Note, 0, len(notes))
		for _, n := range notes {
			if !n.IsInternal {
				shared = append(shared, n)
			}
		}
		notes = shared
	}

	view := &HistoryView{DisputeID: disputeID, Entries: entries, Notes: notes}
	res, err := s.store.GetResolutionByDispute(ctx, disputeID)
	switch {
	case err == nil:
		if !includeInternal {
			res = res.Public()
		}
		view.Resolution = res
	case !errors.Is(err, fault.ErrNotFound):
		return nil, err
	}
	return view, nil
}

// GetResolution returns a resolution by id.
func (s *Service) GetResolution(ctx context.Context, id string) (*Resolution, error) {
	return s.store.GetResolution(ctx, id)
}

// ResolutionForDispute returns the dispute's resolution, or fault.NotFound.
func (s *Service) ResolutionForDispute(ctx context.Context, disputeID string) (*Resolution, error) {
	return s.store.GetResolutionByDispute(ctx, disputeID)
}

// scoreCase computes the advisory priority for one case.
func (s *Service) scoreCase(d *dispute.Dispute, evidenceCount int) *priority.Assessment {
	return s.scorer.Score(priority.CaseContext{
		DisputeID:     d.ID,
		Amount:        d.RequestedRefundAmount,
		Escalated:     d.State == dispute.StateEscalated,
		Subjective:    d.IsSubjectiveComplaint,
		EvidenceCount: evidenceCount,
		CaseDeadline:  d.CaseDeadline,
	})
}

// assess scores a case for the queue. Evidence counts are best-effort: a
// failed read scores as zero items rather than failing the render.
func (s *Service) assess(ctx context.Context, d *dispute.Dispute) *priority.Assessment {
	count := 0
	if s.evidence != nil {
		if _, stats, err := s.evidence.ListByDispute(ctx, d.ID); err == nil {
			count = stats.Total
		}
	}
	return s.scoreCase(d, count)
}

func (s *Service) authorize(ctx context.Context, adminID string) error {
	if adminID == "" {
		return fault.Validation("an acting admin id is required")
	}
	ok, err := s.authorizer.IsAdmin(ctx, adminID)
	if err != nil {
		return fault.Upstream(err, "admin capability check for %s", adminID)
	}
	if !ok {
		return fault.Authorization("%s does not hold the admin capability", adminID)
	}
	return nil
}

func (s *Service) record(ctx context.Context, entry *audit.Entry) {
	if s.auditor == nil {
		return
	}
	_ = s.auditor.Record(ctx, entry)
}

// recordTx writes an audit entry through the unit; failures abort it.
func recordTx(ctx context.Context, tx TxStores, entry *audit.Entry) error {
	if tx.Audit == nil {
		return nil
	}
	return tx.Audit.Record(ctx, entry)
}

// stageTx stages an event through the unit; failures abort it.
func stageTx(ctx context.Context, tx TxStores, eventType events.EventType, payload any) error {
	if tx.Outbox == nil {
		return nil
	}
	evt, err := events.New(eventType, payload)
	if err != nil {
		return err
	}
	return tx.Outbox.Stage(ctx, evt)
}

func isPrivileged(role string) bool {
	return role == "admin" || role == "service"
}

func resolutionPayload(res *Resolution, d *dispute.Dispute) map[string]any {
	return map[string]any{
		"disputeId":    d.ID,
		"paymentId":    d.PaymentID,
		"resolutionId": res.ID,
		"type":         string(res.Type),
		"state":        string(d.State),
		"refundAmount": res.RefundAmount,
		"currency":     res.Currency,
	}
}

func refundPayload(req *ledger.RefundRequest, p *ledger.Payment) map[string]any {
	payload := map[string]any{
		"paymentId": p.ID,
		"state":     string(p.State),
	}
	if req != nil {
		payload["refundRequestId"] = req.ID
		payload["reason"] = string(req.Reason)
		payload["amount"] = req.Amount
	}
	return payload
}
