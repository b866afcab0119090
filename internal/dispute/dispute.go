// Package dispute runs a case from filing through evidence collection, the
// agent response window, and admin arbitration.
//
// Flow:
//  1. Traveler (or agent) files a dispute against a settled payment
//  2. Filing party attaches evidence; the counter-party gets a response window
//  3. An admin reviews, optionally escalates, and resolves the case
//  4. Resolution drives the payment ledger; the dispute record is never
//     destroyed, terminal states are retained for audit
//
// An open dispute marks its payment contested, which blocks the escrow
// release sweep until the case closes. State changes go through the
// transition table with the same version rule as the ledger.
package dispute

import (
	"context"
	"time"

	"github.com/trailpay/trailpay/internal/audit"
	"github.com/trailpay/trailpay/internal/booking"
	"github.com/trailpay/trailpay/internal/evidence"
	"github.com/trailpay/trailpay/internal/events"
	"github.com/trailpay/trailpay/internal/fault"
	"github.com/trailpay/trailpay/internal/idgen"
	"github.com/trailpay/trailpay/internal/ledger"
	"github.com/trailpay/trailpay/internal/metrics"
	"github.com/trailpay/trailpay/internal/refundpolicy"
	"github.com/trailpay/trailpay/internal/syncutil"
	"github.com/trailpay/trailpay/internal/traces"
)

// State is the lifecycle state of a dispute.
type State string

const (
	StatePendingEvidence   State = "pending_evidence"
	StateEvidenceSubmitted State = "evidence_submitted"
	StateAgentResponded    State = "agent_responded"
	StateUnderAdminReview  State = "under_admin_review"
	StateEscalated         State = "escalated"
	StateResolvedRefund    State = "resolved_refund"
	StateResolvedPartial   State = "resolved_partial"
	StateResolvedDenied    State = "resolved_denied"
	StateClosedWithdrawn   State = "closed_withdrawn"
	StateClosedExpired     State = "closed_expired"
)

// transitions is the single source of truth for the dispute state machine.
// Resolved and closed states have no outgoing edges.
var transitions = map[State][]State{
	StatePendingEvidence:   {StateEvidenceSubmitted, StateClosedWithdrawn, StateClosedExpired},
	StateEvidenceSubmitted: {StateAgentResponded, StateUnderAdminReview, StateClosedWithdrawn, StateClosedExpired},
	StateAgentResponded:    {StateUnderAdminReview, StateClosedExpired},
	StateUnderAdminReview:  {StateEscalated, StateResolvedRefund, StateResolvedPartial, StateResolvedDenied, StateClosedExpired},
	StateEscalated:         {StateUnderAdminReview, StateResolvedRefund, StateResolvedPartial, StateResolvedDenied, StateClosedExpired},
	StateResolvedRefund:    {},
	StateResolvedPartial:   {},
	StateResolvedDenied:    {},
	StateClosedWithdrawn:   {},
	StateClosedExpired:     {},
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

// Valid reports whether s is a known dispute state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether s has zero outgoing transitions.
func (s State) IsTerminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// States returns every known dispute state.
func States() []State {
	return []State{
		StatePendingEvidence, StateEvidenceSubmitted, StateAgentResponded,
		StateUnderAdminReview, StateEscalated, StateResolvedRefund,
		StateResolvedPartial, StateResolvedDenied, StateClosedWithdrawn,
		StateClosedExpired,
	}
}

// Dispute is one filed case. Amounts are minor currency units. The category
// shares the refund reason set; IsSubjectiveComplaint is computed from it at
// creation and never changes.
type Dispute struct {
	ID                    string              `json:"id"`
	BookingID             string              `json:"bookingId"`
	PaymentID             string              `json:"paymentId"`
	TravelerID            string              `json:"travelerId"`
	AgentID               string              `json:"agentId"`
	FiledBy               string              `json:"filedBy"`
	FiledByRole           string              `json:"filedByRole"`
	Category              refundpolicy.Reason `json:"category"`
	Title                 string              `json:"title"`
	Description           string              `json:"description,omitempty"`
	RequestedRefundAmount int64               `json:"requestedRefundAmount"`
	Currency              string              `json:"currency"`
	State                 State               `json:"state"`
	IsSubjectiveComplaint bool                `json:"isSubjectiveComplaint"`
	AgentResponseDeadline time.Time           `json:"agentResponseDeadline"`
	CaseDeadline          time.Time           `json:"caseDeadline"`
	AssignedAdminID       string              `json:"assignedAdminId,omitempty"`
	AssignedAt            *time.Time          `json:"assignedAt,omitempty"`
	ResolutionID          string              `json:"resolutionId,omitempty"`
	Version               int64               `json:"version"`
	CreatedAt             time.Time           `json:"createdAt"`
	UpdatedAt             time.Time           `json:"updatedAt"`
}

// Open reports whether the dispute is still in flight.
func (d *Dispute) Open() bool {
	return !d.State.IsTerminal()
}

// sourceOf maps a party id to its side of the case.
func (d *Dispute) sourceOf(actorID string) (evidence.Source, bool) {
	switch actorID {
	case d.TravelerID:
		return evidence.SourceTraveler, true
	case d.AgentID:
		return evidence.SourceAgent, true
	}
	return "", false
}

// filerSide returns which side filed the case.
func (d *Dispute) filerSide() evidence.Source {
	if d.FiledBy == d.AgentID {
		return evidence.SourceAgent
	}
	return evidence.SourceTraveler
}

// respondentID returns the party expected to answer the filing.
func (d *Dispute) respondentID() string {
	if d.filerSide() == evidence.SourceAgent {
		return d.TravelerID
	}
	return d.AgentID
}

// PublicView is the dispute as the filing parties see it: no assignment or
// classification internals.
type PublicView struct {
	ID                    string              `json:"id"`
	BookingID             string              `json:"bookingId"`
	PaymentID             string              `json:"paymentId"`
	TravelerID            string              `json:"travelerId"`
	AgentID               string              `json:"agentId"`
	FiledBy               string              `json:"filedBy"`
	Category              refundpolicy.Reason `json:"category"`
	Title                 string              `json:"title"`
	Description           string              `json:"description,omitempty"`
	RequestedRefundAmount int64               `json:"requestedRefundAmount"`
	Currency              string              `json:"currency"`
	State                 State               `json:"state"`
	AgentResponseDeadline time.Time           `json:"agentResponseDeadline"`
	CaseDeadline          time.Time           `json:"caseDeadline"`
	Version               int64               `json:"version"`
	CreatedAt             time.Time           `json:"createdAt"`
	UpdatedAt             time.Time           `json:"updatedAt"`
}

// Public returns the party-facing view of the dispute.
func (d *Dispute) Public() *PublicView {
	return &PublicView{
		ID:                    d.ID,
		BookingID:             d.BookingID,
		PaymentID:             d.PaymentID,
		TravelerID:            d.TravelerID,
		AgentID:               d.AgentID,
		FiledBy:               d.FiledBy,
		Category:              d.Category,
		Title:                 d.Title,
		Description:           d.Description,
		RequestedRefundAmount: d.RequestedRefundAmount,
		Currency:              d.Currency,
		State:                 d.State,
		AgentResponseDeadline: d.AgentResponseDeadline,
		CaseDeadline:          d.CaseDeadline,
		Version:               d.Version,
		CreatedAt:             d.CreatedAt,
		UpdatedAt:             d.UpdatedAt,
	}
}

// HistoryEntry is one action in a dispute's life. Every transition writes
// one; the case timeline is reconstructible from these alone.
type HistoryEntry struct {
	ID        string    `json:"id"`
	DisputeID string    `json:"disputeId"`
	Action    string    `json:"action"`
	ActorID   string    `json:"actorId,omitempty"`
	ActorRole string    `json:"actorRole"`
	FromState State     `json:"fromState,omitempty"`
	ToState   State     `json:"toState,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// QueueCursor is a resume position in the admin queue ordering.
type QueueCursor struct {
	Escalated bool
	CreatedAt time.Time
	ID        string
}

// QueueFilter selects disputes for the admin work queue. Zero fields match
// everything open; queue order is escalated-first, then newest-first.
type QueueFilter struct {
	AssignedAdminID string
	Unassigned      bool
	State           State
	EscalatedOnly   bool
	After           *QueueCursor
	Limit           int
}

// Store persists disputes and their history.
type Store interface {
	CreateDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	// UpdateDispute persists d only when the stored version matches
	// expectedVersion, then stores the incremented version carried on d.
	UpdateDispute(ctx context.Context, d *Dispute, expectedVersion int64) error
	// GetOpenByPayment returns the payment's open dispute, or fault.NotFound.
	GetOpenByPayment(ctx context.Context, paymentID string) (*Dispute, error)
	ListQueue(ctx context.Context, f QueueFilter) ([]*Dispute, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Dispute, error)
	AddHistory(ctx context.Context, entry *HistoryEntry) error
	ListHistory(ctx context.Context, disputeID string) ([]*HistoryEntry, error)
}

// PaymentLedger is the slice of the payment service the dispute engine
// drives: eligibility lookups plus the contested hold.
type PaymentLedger interface {
	Get(ctx context.Context, paymentID string) (*ledger.Payment, error)
	ListByBooking(ctx context.Context, bookingID string) ([]*ledger.Payment, error)
	MarkContested(ctx context.Context, paymentID, disputeID string) error
	ClearContested(ctx context.Context, paymentID, disputeID string) error
}

// Evidence is the slice of the evidence service disputes ingest through.
type Evidence interface {
	Submit(ctx context.Context, in evidence.SubmitInput) (*evidence.Item, error)
	ListByDispute(ctx context.Context, disputeID string) ([]*evidence.Item, evidence.Stats, error)
}

// Default case deadlines; production values come from configuration.
const (
	DefaultAgentResponseSLA = 72 * time.Hour
	DefaultCaseExpiry       = 30 * 24 * time.Hour
)

const maxTitleLen = 200

// Service owns dispute lifecycle operations.
type Service struct {
	store     Store
	payments  PaymentLedger
	bookings  booking.Lookup
	evidence  Evidence
	auditor   audit.Logger
	publisher events.Publisher

	// locks serialize load-then-write chains per dispute; the store
	// version check is the backstop.
	locks *syncutil.KeyedLock

	agentSLA   time.Duration
	caseExpiry time.Duration
}

// NewService creates a dispute service.
func NewService(store Store, payments PaymentLedger, bookings booking.Lookup) *Service {
	return &Service{
		store:      store,
		payments:   payments,
		bookings:   bookings,
		locks:      syncutil.NewKeyedLock(),
		agentSLA:   DefaultAgentResponseSLA,
		caseExpiry: DefaultCaseExpiry,
	}
}

// WithEvidence attaches the evidence service used for submissions.
func (s *Service) WithEvidence(e Evidence) *Service {
	s.evidence = e
	return s
}

// WithAudit attaches an audit logger.
func (s *Service) WithAudit(l audit.Logger) *Service {
	s.auditor = l
	return s
}

// WithPublisher attaches a domain event publisher.
func (s *Service) WithPublisher(p events.Publisher) *Service {
	s.publisher = p
	return s
}

// WithAgentResponseSLA overrides the counter-party response window.
func (s *Service) WithAgentResponseSLA(d time.Duration) *Service {
	if d > 0 {
		s.agentSLA = d
	}
	return s
}

// WithCaseExpiry overrides the overall case deadline.
func (s *Service) WithCaseExpiry(d time.Duration) *Service {
	if d > 0 {
		s.caseExpiry = d
	}
	return s
}

// EvidenceInput is an evidence item attached at filing time.
type EvidenceInput struct {
	Type        evidence.Type `json:"type"`
	Content     string        `json:"content"`
	FileRef     string        `json:"fileRef"`
	Description string        `json:"description"`
}

// CreateInput describes a new dispute filing.
type CreateInput struct {
	BookingID             string
	Category              refundpolicy.Reason
	Title                 string
	Description           string
	RequestedRefundAmount int64
	// FiledBy must be the booking's traveler or agent. Handlers fill it
	// from the authenticated actor; privileged callers may file on a
	// party's behalf.
	FiledBy  string
	Evidence []EvidenceInput
}

// Create files a dispute against the booking's settled payment. The filer
// must be a party to the booking, the payment must still have an open
// refund path, and the payment must not already carry an open dispute.
// Initial evidence is ingested after the case is created; any items advance
// the case out of pending_evidence.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Dispute, error) {
	if in.BookingID == "" {
		return nil, fault.Validation("booking id is required")
	}
	if in.FiledBy == "" {
		return nil, fault.Validation("filing party is required")
	}
	if !in.Category.Valid() {
		return nil, fault.Validation("unknown dispute category %q", in.Category)
	}
	if in.Title == "" {
		return nil, fault.Validation("a title is required")
	}
	if len(in.Title) > maxTitleLen {
		return nil, fault.Validation("title exceeds %d characters", maxTitleLen)
	}
	if in.RequestedRefundAmount < 0 {
		return nil, fault.Validation("requested refund amount cannot be negative")
	}
	for i, ev := range in.Evidence {
		if !ev.Type.Valid() {
			return nil, fault.Validation("evidence %d: unknown type %q", i, ev.Type)
		}
		if ev.Content == "" && ev.FileRef == "" {
			return nil, fault.Validation("evidence %d: needs inline content or a file reference", i)
		}
	}

	ctx, span := traces.StartSpan(ctx, "dispute.create",
		traces.BookingID(in.BookingID), traces.Actor(in.FiledBy))
	defer span.End()

	b, err := s.bookings.GetBooking(ctx, in.BookingID)
	if err != nil {
		return nil, err
	}
	if in.FiledBy != b.TravelerID && in.FiledBy != b.AgentID {
		return nil, fault.Authorization("only the booking's traveler or agent can open a dispute")
	}

	payment, err := s.disputablePayment(ctx, in.BookingID)
	if err != nil {
		return nil, err
	}
	if in.RequestedRefundAmount > payment.RemainingAmount() {
		return nil, fault.Validation("requested refund %d exceeds the %d remaining on payment %s",
			in.RequestedRefundAmount, payment.RemainingAmount(), payment.ID)
	}
	if open, err := s.store.GetOpenByPayment(ctx, payment.ID); err == nil {
		return nil, fault.Validation("payment %s already has an open dispute %s", payment.ID, open.ID)
	} else if fault.KindOf(err) != fault.KindNotFound {
		return nil, err
	}

	cls := refundpolicy.Classify(in.Category)
	now := time.Now()
	d := &Dispute{
		ID:                    idgen.WithPrefix("dsp_"),
		BookingID:             in.BookingID,
		PaymentID:             payment.ID,
		TravelerID:            b.TravelerID,
		AgentID:               b.AgentID,
		FiledBy:               in.FiledBy,
		Category:              in.Category,
		Title:                 in.Title,
		Description:           in.Description,
		RequestedRefundAmount: in.RequestedRefundAmount,
		Currency:              payment.Currency,
		State:                 StatePendingEvidence,
		IsSubjectiveComplaint: cls.IsSubjective,
		AgentResponseDeadline: now.Add(s.agentSLA),
		CaseDeadline:          now.Add(s.caseExpiry),
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if d.FiledBy == b.AgentID {
		d.FiledByRole = string(evidence.SourceAgent)
	} else {
		d.FiledByRole = string(evidence.SourceTraveler)
	}

	// The contested mark is the atomic single-open-dispute guard: a racing
	// second filing loses here before any dispute row exists.
	if err := s.payments.MarkContested(ctx, payment.ID, d.ID); err != nil {
		return nil, err
	}
	if err := s.store.CreateDispute(ctx, d); err != nil {
		if clearErr := s.payments.ClearContested(ctx, payment.ID, d.ID); clearErr != nil {
			s.record(ctx, &audit.Entry{
				Action:     "dispute.contested_orphaned",
				EntityType: audit.EntityPayment,
				EntityID:   payment.ID,
				Outcome:    audit.OutcomeRejected,
				Detail:     clearErr.Error(),
			})
		}
		return nil, err
	}

	s.addHistory(ctx, d, "dispute.create", d.FiledBy, d.FiledByRole, "", StatePendingEvidence, in.Title)
	s.record(ctx, &audit.Entry{
		Action:     "dispute.create",
		EntityType: audit.EntityDispute,
		EntityID:   d.ID,
		ToState:    string(StatePendingEvidence),
		Reason:     string(in.Category),
	})
	metrics.DisputesOpenedTotal.WithLabelValues(string(in.Category)).Inc()
	s.publish(ctx, events.EventDisputeOpened, disputePayload(d))

	if len(in.Evidence) > 0 && s.evidence != nil {
		side := d.filerSide()
		for _, ev := range in.Evidence {
			if _, err := s.evidence.Submit(ctx, evidence.SubmitInput{
				DisputeID:   d.ID,
				Type:        ev.Type,
				Source:      side,
				SubmittedBy: d.FiledBy,
				Content:     ev.Content,
				FileRef:     ev.FileRef,
				Description: ev.Description,
			}); err != nil {
				return nil, err
			}
		}
		if err := s.transition(ctx, d, StateEvidenceSubmitted, "dispute.evidence", d.FiledBy, d.FiledByRole, "filed with initial evidence"); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// disputablePayment finds the booking's payment that can anchor a dispute:
// the refund path is still open, or a refund request is already pending.
func (s *Service) disputablePayment(ctx context.Context, bookingID string) (*ledger.Payment, error) {
	payments, err := s.payments.ListByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	for _, p := range payments {
		if p.State == ledger.StateRefundRequested || ledger.IsValidTransition(p.State, ledger.StateRefundRequested) {
			return p, nil
		}
	}
	return nil, fault.Validation("booking %s has no payment eligible for dispute", bookingID)
}

// SubmitEvidenceInput attaches one item to an open dispute.
type SubmitEvidenceInput struct {
	DisputeID       string
	ActorID         string
	Type            evidence.Type
	Content         string
	FileRef         string
	Description     string
	ExpectedVersion int64
}

// SubmitEvidence appends evidence from one of the dispute's parties. The
// first item from the filing party advances pending_evidence →
// evidence_submitted.
func (s *Service) SubmitEvidence(ctx context.Context, in SubmitEvidenceInput) (*evidence.Item, *Dispute, error) {
	if s.evidence == nil {
		return nil, nil, fault.Validation("evidence submission is not configured")
	}
	unlock, err := s.locks.Lock(ctx, in.DisputeID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	d, err := s.load(ctx, in.DisputeID, in.ExpectedVersion)
	if err != nil {
		return nil, nil, err
	}
	if !d.Open() {
		return nil, nil, fault.Validation("dispute %s is closed", d.ID)
	}
	side, ok := d.sourceOf(in.ActorID)
	if !ok {
		return nil, nil, fault.Authorization("only the dispute's parties can submit evidence")
	}

	item, err := s.evidence.Submit(ctx, evidence.SubmitInput{
		DisputeID:   d.ID,
		Type:        in.Type,
		Source:      side,
		SubmittedBy: in.ActorID,
		Content:     in.Content,
		FileRef:     in.FileRef,
		Description: in.Description,
	})
	if err != nil {
		return nil, nil, err
	}

	if d.State == StatePendingEvidence && side == d.filerSide() {
		if err := s.transition(ctx, d, StateEvidenceSubmitted, "dispute.evidence", in.ActorID, string(side), "first evidence from filing party"); err != nil {
			return nil, nil, err
		}
	}
	s.publish(ctx, events.EventDisputeEvidenceAdded, evidencePayload(d, item))
	return item, d, nil
}

// RespondInput is the counter-party's answer to a filing.
type RespondInput struct {
	DisputeID       string
	ActorID         string
	Message         string
	ExpectedVersion int64
}

// AgentRespond records the counter-party's response inside the response
// window. The statement is stored as evidence from the responding side and
// the case advances evidence_submitted → agent_responded. A missed window
// leaves the case eligible for admin review without a response.
func (s *Service) AgentRespond(ctx context.Context, in RespondInput) (*Dispute, error) {
	if in.Message == "" {
		return nil, fault.Validation("a response statement is required")
	}
	unlock, err := s.locks.Lock(ctx, in.DisputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.load(ctx, in.DisputeID, in.ExpectedVersion)
	if err != nil {
		return nil, err
	}
	if in.ActorID != d.respondentID() {
		return nil, fault.Authorization("only the responding party can answer this dispute")
	}
	if !IsValidTransition(d.State, StateAgentResponded) {
		return nil, s.rejectTransition(d.State, StateAgentResponded)
	}
	if time.Now().After(d.AgentResponseDeadline) {
		return nil, fault.Validation("the response deadline passed %s; the case is awaiting admin review",
			d.AgentResponseDeadline.Format(time.RFC3339))
	}

	side, _ := d.sourceOf(in.ActorID)
	if s.evidence != nil {
		if _, err := s.evidence.Submit(ctx, evidence.SubmitInput{
			DisputeID:   d.ID,
			Type:        evidence.TypeText,
			Source:      side,
			SubmittedBy: in.ActorID,
			Content:     in.Message,
			Description: "response statement",
		}); err != nil {
			return nil, err
		}
	}
	if err := s.transition(ctx, d, StateAgentResponded, "dispute.respond", in.ActorID, string(side), "response received"); err != nil {
		return nil, err
	}
	s.publish(ctx, events.EventDisputeAgentResponded, disputePayload(d))
	return d, nil
}

// Withdraw closes a dispute at the filing party's request. Only possible
// before admin review begins.
func (s *Service) Withdraw(ctx context.Context, disputeID, actorID, actorRole, reason string, expectedVersion int64) (*Dispute, error) {
	if reason == "" {
		return nil, fault.Validation("a withdrawal reason is required")
	}
	unlock, err := s.locks.Lock(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.load(ctx, disputeID, expectedVersion)
	if err != nil {
		return nil, err
	}
	if actorID != d.FiledBy && !isPrivileged(actorRole) {
		return nil, fault.Authorization("only the filing party can withdraw this dispute")
	}
	if err := s.transition(ctx, d, StateClosedWithdrawn, "dispute.withdraw", actorID, actorRole, reason); err != nil {
		return nil, err
	}
	s.clearContested(ctx, d)
	s.publish(ctx, events.EventDisputeWithdrawn, disputePayload(d))
	return d, nil
}

// Expire closes a dispute whose case deadline has passed. The expiry sweep
// is the normal caller; a dispute already terminal is returned unchanged.
func (s *Service) Expire(ctx context.Context, disputeID string) (*Dispute, error) {
	unlock, err := s.locks.Lock(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.load(ctx, disputeID, 0)
	if err != nil {
		return nil, err
	}
	if !d.Open() {
		return d, nil
	}
	if time.Now().Before(d.CaseDeadline) {
		return nil, fault.Validation("dispute %s has not reached its case deadline", d.ID)
	}
	if err := s.transition(ctx, d, StateClosedExpired, "dispute.expire", "", audit.ActorSystem, "case deadline passed"); err != nil {
		return nil, err
	}
	s.clearContested(ctx, d)
	s.publish(ctx, events.EventDisputeExpired, disputePayload(d))
	return d, nil
}

// Assign sets the handling admin. Not a state transition; the record bumps
// its version without moving.
func (s *Service) Assign(ctx context.Context, disputeID, targetAdminID, actorID, reason string, expectedVersion int64) (*Dispute, error) {
	if targetAdminID == "" {
		return nil, fault.Validation("target admin id is required")
	}
	if reason == "" {
		return nil, fault.Validation("a reason is required")
	}
	unlock, err := s.locks.Lock(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.load(ctx, disputeID, expectedVersion)
	if err != nil {
		return nil, err
	}
	if !d.Open() {
		return nil, fault.Validation("dispute %s is closed", d.ID)
	}

	now := time.Now()
	prev := d.AssignedAdminID
	d.AssignedAdminID = targetAdminID
	d.AssignedAt = &now
	if err := s.bump(ctx, d); err != nil {
		d.AssignedAdminID = prev
		return nil, err
	}
	s.addHistory(ctx, d, "dispute.assign", actorID, audit.ActorAdmin, d.State, d.State, reason)
	s.record(ctx, &audit.Entry{
		Action:     "dispute.assign",
		EntityType: audit.EntityDispute,
		EntityID:   d.ID,
		Reason:     reason,
		Detail:     "assigned to " + targetAdminID,
	})
	return d, nil
}

// StartReview moves a case under admin review. From evidence_submitted it
// is allowed only once the response window has lapsed: before that the
// counter-party still owns the turn. From escalated it resumes review.
func (s *Service) StartReview(ctx context.Context, disputeID, actorID, reason string, expectedVersion int64) (*Dispute, error) {
	if reason == "" {
		return nil, fault.Validation("a reason is required")
	}
	unlock, err := s.locks.Lock(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.load(ctx, disputeID, expectedVersion)
	if err != nil {
		return nil, err
	}
	if d.State == StateEvidenceSubmitted && time.Now().Before(d.AgentResponseDeadline) {
		return nil, fault.Validation("the response window is open until %s; review cannot start yet",
			d.AgentResponseDeadline.Format(time.RFC3339))
	}
	if err := s.transition(ctx, d, StateUnderAdminReview, "dispute.review", actorID, audit.ActorAdmin, reason); err != nil {
		return nil, err
	}
	s.publish(ctx, events.EventDisputeReviewStarted, disputePayload(d))
	return d, nil
}

// Escalate raises a case's priority. Escalated cases sort first in the
// queue and return to review when an admin resumes them.
func (s *Service) Escalate(ctx context.Context, disputeID, actorID, reason string, expectedVersion int64) (*Dispute, error) {
	if reason == "" {
		return nil, fault.Validation("a reason is required")
	}
	unlock, err := s.locks.Lock(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.load(ctx, disputeID, expectedVersion)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, d, StateEscalated, "dispute.escalate", actorID, audit.ActorAdmin, reason); err != nil {
		return nil, err
	}
	s.publish(ctx, events.EventDisputeEscalated, disputePayload(d))
	return d, nil
}

// Get returns a dispute by id.
func (s *Service) Get(ctx context.Context, disputeID string) (*Dispute, error) {
	return s.store.GetDispute(ctx, disputeID)
}

// GetOpenByPayment returns the payment's open dispute, or fault.NotFound.
func (s *Service) GetOpenByPayment(ctx context.Context, paymentID string) (*Dispute, error) {
	return s.store.GetOpenByPayment(ctx, paymentID)
}

// ListQueue returns the work queue slice matching the filter, escalated
// cases first, then newest first.
func (s *Service) ListQueue(ctx context.Context, f QueueFilter) ([]*Dispute, error) {
	return s.store.ListQueue(ctx, f)
}

// History returns the dispute's action log, oldest first.
func (s *Service) History(ctx context.Context, disputeID string) ([]*HistoryEntry, error) {
	if _, err := s.store.GetDispute(ctx, disputeID); err != nil {
		return nil, err
	}
	return s.store.ListHistory(ctx, disputeID)
}

// ListEvidence returns the dispute's evidence for one of its parties or a
// privileged caller, oldest first.
func (s *Service) ListEvidence(ctx context.Context, disputeID, actorID, actorRole string) ([]*evidence.Item, evidence.Stats, error) {
	if s.evidence == nil {
		return nil, evidence.Stats{}, fault.Validation("evidence submission is not configured")
	}
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, evidence.Stats{}, err
	}
	if _, party := d.sourceOf(actorID); !party && !isPrivileged(actorRole) {
		return nil, evidence.Stats{}, fault.Authorization("only the dispute's parties can view its evidence")
	}
	return s.evidence.ListByDispute(ctx, d.ID)
}

// AcceptsEvidence implements the evidence gate: terminal disputes take no
// further submissions.
func (s *Service) AcceptsEvidence(ctx context.Context, disputeID string) error {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return err
	}
	if !d.Open() {
		return fault.Validation("dispute %s is closed", d.ID)
	}
	return nil
}

var _ evidence.Gate = (*Service)(nil)

// load fetches a dispute and checks the caller's expected version.
// expectedVersion <= 0 skips the check.
func (s *Service) load(ctx context.Context, disputeID string, expectedVersion int64) (*Dispute, error) {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if expectedVersion > 0 && d.Version != expectedVersion {
		metrics.DisputeTransitionRejectionsTotal.WithLabelValues("conflict").Inc()
		return nil, fault.Conflict("dispute %s is at version %d, expected %d", disputeID, d.Version, expectedVersion)
	}
	return d, nil
}

// transition applies from → to with a version bump, a history entry, and an
// audit entry. Terminal arrivals feed the resolution metrics.
func (s *Service) transition(ctx context.Context, d *Dispute, to State, action, actorID, actorRole, reason string) error {
	from := d.State
	if !IsValidTransition(from, to) {
		return s.rejectTransition(from, to)
	}

	expected := d.Version
	d.State = to
	d.Version++
	now := time.Now()
	d.UpdatedAt = now

	if err := s.store.UpdateDispute(ctx, d, expected); err != nil {
		d.State = from
		d.Version = expected
		return err
	}

	if to.IsTerminal() {
		metrics.DisputesResolvedTotal.WithLabelValues(string(to)).Inc()
		metrics.ArbitrationDuration.Observe(now.Sub(d.CreatedAt).Seconds())
	}
	s.addHistory(ctx, d, action, actorID, actorRole, from, to, reason)
	s.record(ctx, &audit.Entry{
		Action:     action,
		EntityType: audit.EntityDispute,
		EntityID:   d.ID,
		FromState:  string(from),
		ToState:    string(to),
		Reason:     reason,
	})
	return nil
}

func (s *Service) rejectTransition(from, to State) error {
	metrics.DisputeTransitionRejectionsTotal.WithLabelValues("invalid_transition").Inc()
	return fault.InvalidTransition(string(from), string(to))
}

// bump persists a non-transition field change with a version increment.
func (s *Service) bump(ctx context.Context, d *Dispute) error {
	expected := d.Version
	d.Version++
	d.UpdatedAt = time.Now()
	if err := s.store.UpdateDispute(ctx, d, expected); err != nil {
		d.Version = expected
		return err
	}
	return nil
}

// addHistory appends an action to the case timeline. The dispute write is
// the source of truth; a failed history append is recorded through audit
// rather than unwinding the transition.
func (s *Service) addHistory(ctx context.Context, d *Dispute, action, actorID, actorRole string, from, to State, reason string) {
	entry := &HistoryEntry{
		ID:        idgen.WithPrefix("hst_"),
		DisputeID: d.ID,
		Action:    action,
		ActorID:   actorID,
		ActorRole: actorRole,
		FromState: from,
		ToState:   to,
		Reason:    reason,
		CreatedAt: time.Now(),
	}
	if err := s.store.AddHistory(ctx, entry); err != nil {
		s.record(ctx, &audit.Entry{
			Action:     "dispute.history_write_failed",
			EntityType: audit.EntityDispute,
			EntityID:   d.ID,
			Outcome:    audit.OutcomeRejected,
			Detail:     err.Error(),
		})
	}
}

// clearContested releases the payment hold after a terminal close. The
// dispute transition is the source of truth; a failure here leaves the
// payment held (the safe direction) and is flagged for the reconciliation
// sweep through audit.
func (s *Service) clearContested(ctx context.Context, d *Dispute) {
	if err := s.payments.ClearContested(ctx, d.PaymentID, d.ID); err != nil {
		if retryErr := s.payments.ClearContested(ctx, d.PaymentID, d.ID); retryErr != nil {
			s.record(ctx, &audit.Entry{
				Action:     "dispute.clear_contested_failed",
				EntityType: audit.EntityPayment,
				EntityID:   d.PaymentID,
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

// isPrivileged reports whether the role may act on any dispute.
func isPrivileged(role string) bool {
	return role == "admin" || role == "service"
}

func disputePayload(d *Dispute) map[string]any {
	return map[string]any{
		"disputeId":             d.ID,
		"bookingId":             d.BookingID,
		"paymentId":             d.PaymentID,
		"category":              string(d.Category),
		"state":                 string(d.State),
		"requestedRefundAmount": d.RequestedRefundAmount,
		"currency":              d.Currency,
	}
}

func evidencePayload(d *Dispute, item *evidence.Item) map[string]any {
	return map[string]any{
		"disputeId":  d.ID,
		"evidenceId": item.ID,
		"type":       string(item.Type),
		"source":     string(item.Source),
		"state":      string(d.State),
	}
}
