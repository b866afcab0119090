package dispute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/trailpay/trailpay/internal/audit"
	"github.com/trailpay/trailpay/internal/booking"
	"github.com/trailpay/trailpay/internal/evidence"
	"github.com/trailpay/trailpay/internal/fault"
	"github.com/trailpay/trailpay/internal/ledger"
	"github.com/trailpay/trailpay/internal/refundpolicy"
)

// stubProcessor satisfies the ledger's processor without side effects.
type stubProcessor struct{}

func (stubProcessor) Charge(ctx context.Context, params ledger.ChargeParams) (*ledger.ChargeResult, error) {
	return &ledger.ChargeResult{ProviderRef: "ch_" + params.PaymentID}, nil
}

func (stubProcessor) Refund(ctx context.Context, params ledger.RefundParams) (*ledger.RefundResult, error) {
	return &ledger.RefundResult{ProviderRef: "re_" + params.PaymentID}, nil
}

type testEnv struct {
	svc         *Service
	store       *MemoryStore
	ledgerSvc   *ledger.Service
	evidenceSvc *evidence.Service
	auditor     *audit.MemoryLogger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	tripStart := time.Now().Add(10 * 24 * time.Hour)
	bookings := booking.NewStaticLookup(&booking.Booking{
		ID:          "bk_1",
		TravelerID:  "trav_1",
		AgentID:     "agnt_1",
		GrossAmount: 100000,
		Currency:    "USD",
		TripStartAt: tripStart,
		TripEndAt:   tripStart.Add(48 * time.Hour),
	})

	env := &testEnv{
		store:     NewMemoryStore(),
		ledgerSvc: ledger.NewService(ledger.NewMemoryStore(), stubProcessor{}),
		auditor:   audit.NewMemoryLogger(),
	}
	env.svc = NewService(env.store, env.ledgerSvc, bookings).WithAudit(env.auditor)
	env.evidenceSvc = evidence.NewService(evidence.NewMemoryStore()).WithGate(env.svc)
	env.svc.WithEvidence(env.evidenceSvc)
	return env
}

// escrowedPayment walks a fresh payment for bk_1 through to IN_ESCROW.
func escrowedPayment(t *testing.T, env *testEnv) *ledger.Payment {
	t.Helper()
	ctx := context.Background()

	p, err := env.ledgerSvc.Create(ctx, ledger.CreateRequest{
		BookingID:        "bk_1",
		TravelerID:       "trav_1",
		AgentID:          "agnt_1",
		GrossAmount:      100000,
		CommissionAmount: 15000,
		ProcessingFee:    2900,
		Currency:         "USD",
	})
	if err != nil {
		t.Fatalf("Create payment failed: %v", err)
	}
	if _, err := env.ledgerSvc.Initiate(ctx, p.ID, 0); err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if _, err := env.ledgerSvc.BeginProcessing(ctx, p.ID, 0); err != nil {
		t.Fatalf("BeginProcessing failed: %v", err)
	}
	if _, err := env.ledgerSvc.MarkSucceeded(ctx, p.ID, 0); err != nil {
		t.Fatalf("MarkSucceeded failed: %v", err)
	}
	p, err = env.ledgerSvc.HoldInEscrow(ctx, p.ID, 0)
	if err != nil {
		t.Fatalf("HoldInEscrow failed: %v", err)
	}
	return p
}

func fileDispute(t *testing.T, env *testEnv, filedBy string) *Dispute {
	t.Helper()
	d, err := env.svc.Create(context.Background(), CreateInput{
		BookingID:             "bk_1",
		Category:              refundpolicy.ReasonServiceNotDelivered,
		Title:                 "Guide never arrived at the trailhead",
		Description:           "Waited three hours, no contact.",
		RequestedRefundAmount: 100000,
		FiledBy:               filedBy,
	})
	if err != nil {
		t.Fatalf("Create dispute failed: %v", err)
	}
	return d
}

func TestDisputeTransitions_OnlyTablePairsAllowed(t *testing.T) {
	allowed := map[State][]State{
		StatePendingEvidence:   {StateEvidenceSubmitted, StateClosedWithdrawn, StateClosedExpired},
		StateEvidenceSubmitted: {StateAgentResponded, StateUnderAdminReview, StateClosedWithdrawn, StateClosedExpired},
		StateAgentResponded:    {StateUnderAdminReview, StateClosedExpired},
		StateUnderAdminReview:  {StateEscalated, StateResolvedRefund, StateResolvedPartial, StateResolvedDenied, StateClosedExpired},
		StateEscalated:         {StateUnderAdminReview, StateResolvedRefund, StateResolvedPartial, StateResolvedDenied, StateClosedExpired},
	}

	isAllowed := func(from, to State) bool {
		for _, next := range allowed[from] {
			if next == to {
				return true
			}
		}
		return false
	}

	for _, from := range States() {
		for _, to := range States() {
			got := IsValidTransition(from, to)
			if got != isAllowed(from, to) {
				t.Errorf("IsValidTransition(%s, %s) = %v, want %v", from, to, got, !got)
			}
		}
	}
}

func TestDisputeTransitions_TerminalStates(t *testing.T) {
	terminals := map[State]bool{
		StateResolvedRefund:  true,
		StateResolvedPartial: true,
		StateResolvedDenied:  true,
		StateClosedWithdrawn: true,
		StateClosedExpired:   true,
	}

	for _, s := range States() {
		if s.IsTerminal() != terminals[s] {
			t.Errorf("IsTerminal(%s) = %v, want %v", s, s.IsTerminal(), terminals[s])
		}
		if !terminals[s] {
			continue
		}
		for _, to := range States() {
			if IsValidTransition(s, to) {
				t.Errorf("Expected no transition out of %s, got edge to %s", s, to)
			}
		}
	}
}

func TestDisputeState_Valid(t *testing.T) {
	for _, s := range States() {
		if !s.Valid() {
			t.Errorf("Expected %s to be a valid state", s)
		}
	}
	if State("arguing").Valid() {
		t.Error("Expected unknown state to be invalid")
	}
}

func TestCreate_FilesInPendingEvidence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := escrowedPayment(t, env)

	d := fileDispute(t, env, "trav_1")

	if d.State != StatePendingEvidence {
		t.Errorf("Expected pending_evidence, got %s", d.State)
	}
	if d.PaymentID != p.ID {
		t.Errorf("Expected dispute anchored to %s, got %s", p.ID, d.PaymentID)
	}
	if d.FiledByRole != "traveler" {
		t.Errorf("Expected filedByRole traveler, got %s", d.FiledByRole)
	}
	if d.Currency != "USD" {
		t.Errorf("Expected currency USD, got %s", d.Currency)
	}
	if d.IsSubjectiveComplaint {
		t.Error("Expected service_not_delivered to be objective")
	}
	if d.Version != 1 {
		t.Errorf("Expected version 1, got %d", d.Version)
	}
	if !d.AgentResponseDeadline.Before(d.CaseDeadline) {
		t.Error("Expected the response window to close before the case deadline")
	}

	held, err := env.ledgerSvc.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get payment failed: %v", err)
	}
	if held.ContestedBy != d.ID {
		t.Errorf("Expected payment contested by %s, got %q", d.ID, held.ContestedBy)
	}

	entries := env.auditor.Entries()
	if len(entries) == 0 || entries[len(entries)-1].Action != "dispute.create" {
		t.Error("Expected a dispute.create audit entry")
	}
}

func TestCreate_Validation(t *testing.T) {
	env := newTestEnv(t)
	escrowedPayment(t, env)

	longTitle := make([]byte, maxTitleLen+1)
	for i := range longTitle {
		longTitle[i] = 'x'
	}

	cases := []struct {
		name string
		in   CreateInput
	}{
		{"missing booking", CreateInput{Category: refundpolicy.ReasonAgentNoShow, Title: "t", FiledBy: "trav_1"}},
		{"missing filer", CreateInput{BookingID: "bk_1", Category: refundpolicy.ReasonAgentNoShow, Title: "t"}},
		{"unknown category", CreateInput{BookingID: "bk_1", Category: "vibes", Title: "t", FiledBy: "trav_1"}},
		{"missing title", CreateInput{BookingID: "bk_1", Category: refundpolicy.ReasonAgentNoShow, FiledBy: "trav_1"}},
		{"oversized title", CreateInput{BookingID: "bk_1", Category: refundpolicy.ReasonAgentNoShow, Title: string(longTitle), FiledBy: "trav_1"}},
		{"negative amount", CreateInput{BookingID: "bk_1", Category: refundpolicy.ReasonAgentNoShow, Title: "t", FiledBy: "trav_1", RequestedRefundAmount: -1}},
		{"empty evidence item", CreateInput{BookingID: "bk_1", Category: refundpolicy.ReasonAgentNoShow, Title: "t", FiledBy: "trav_1",
			Evidence: []EvidenceInput{{Type: evidence.TypeText}}}},
		{"bad evidence type", CreateInput{BookingID: "bk_1", Category: refundpolicy.ReasonAgentNoShow, Title: "t", FiledBy: "trav_1",
			Evidence: []EvidenceInput{{Type: "hologram", Content: "x"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.Create(context.Background(), tc.in)
			if !errors.Is(err, fault.ErrValidation) {
				t.Errorf("Expected validation failure, got %v", err)
			}
		})
	}
}

func TestCreate_FilerMustBeParty(t *testing.T) {
	env := newTestEnv(t)
	escrowedPayment(t, env)

	_, err := env.svc.Create(context.Background(), CreateInput{
		BookingID: "bk_1",
		Category:  refundpolicy.ReasonAgentNoShow,
		Title:     "Not my trip",
		FiledBy:   "trav_outsider",
	})
	if !errors.Is(err, fault.ErrAuthorization) {
		t.Errorf("Expected authorization failure, got %v", err)
	}
}

func TestCreate_UnknownBooking(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Create(context.Background(), CreateInput{
		BookingID: "bk_ghost",
		Category:  refundpolicy.ReasonAgentNoShow,
		Title:     "t",
		FiledBy:   "trav_1",
	})
	if !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestCreate_NoEligiblePayment(t *testing.T) {
	env := newTestEnv(t)
	// A payment that never succeeded has no refund path to dispute.
	if _, err := env.ledgerSvc.Create(context.Background(), ledger.CreateRequest{
		BookingID: "bk_1", TravelerID: "trav_1", AgentID: "agnt_1",
		GrossAmount: 100000, Currency: "USD",
	}); err != nil {
		t.Fatalf("Create payment failed: %v", err)
	}

	_, err := env.svc.Create(context.Background(), CreateInput{
		BookingID: "bk_1",
		Category:  refundpolicy.ReasonAgentNoShow,
		Title:     "t",
		FiledBy:   "trav_1",
	})
	if !errors.Is(err, fault.ErrValidation) {
		t.Errorf("Expected validation failure, got %v", err)
	}
}

func TestCreate_SecondOpenDisputeRejected(t *testing.T) {
	env := newTestEnv(t)
	escrowedPayment(t, env)
	fileDispute(t, env, "trav_1")

	_, err := env.svc.Create(context.Background(), CreateInput{
		BookingID: "bk_1",
		Category:  refundpolicy.ReasonUnmetExpectations,
		Title:     "Second bite",
		FiledBy:   "agnt_1",
	})
	if !errors.Is(err, fault.ErrValidation) {
		t.Errorf("Expected validation failure for a second open dispute, got %v", err)
	}
}

func TestCreate_RequestedAmountExceedsRemaining(t *testing.T) {
	env := newTestEnv(t)
	escrowedPayment(t, env)

	_, err := env.svc.Create(context.Background(), CreateInput{
		BookingID:             "bk_1",
		Category:              refundpolicy.ReasonAgentNoShow,
		Title:                 "t",
		FiledBy:               "trav_1",
		RequestedRefundAmount: 100001,
	})
	if !errors.Is(err, fault.ErrValidation) {
		t.Errorf("Expected validation failure, got %v", err)
	}
}

func TestCreate_SubjectiveComplaintFlag(t *testing.T) {
	env := newTestEnv(t)
	escrowedPayment(t, env)

	d, err := env.svc.Create(context.Background(), CreateInput{
		BookingID: "bk_1",
		Category:  refundpolicy.ReasonUnmetExpectations,
		Title:     "The views were underwhelming",
		FiledBy:   "trav_1",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !d.IsSubjectiveComplaint {
		t.Error("Expected unmet_expectations to be flagged subjective")
	}
}

func TestCreate_WithInitialEvidence(t *testing.T) {
	env := newTestEnv(t)
	escrowedPayment(t, env)

	d, err := env.svc.Create(context.Background(), CreateInput{
		BookingID: "bk_1",
		Category:  refundpolicy.ReasonServiceNotDelivered,
		Title:     "Guide never arrived",
		FiledBy:   "trav_1",
		Evidence: []EvidenceInput{
			{Type: evidence.TypeText, Content: "Waited three hours at the trailhead."},
			{Type: evidence.TypeImage, FileRef: "s3://cases/empty-trailhead.jpg"},
		},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if d.State != StateEvidenceSubmitted {
		t.Errorf("Expected evidence_submitted, got %s", d.State)
	}

	items, stats, err := env.svc.ListEvidence(context.Background(), d.ID, "trav_1", "traveler")
	if err != nil {
		t.Fatalf("ListEvidence failed: %v", err)
	}
	if len(items) != 2 || stats.FromTraveler != 2 {
		t.Errorf("Expected 2 traveler items, got %d (stats %+v)", len(items), stats)
	}
}

func TestCreate_AgentCanFile(t *testing.T) {
	env := newTestEnv(t)
	escrowedPayment(t, env)

	d, err := env.svc.Create(context.Background(), CreateInput{
		BookingID: "bk_1",
		Category:  refundpolicy.ReasonTravelerCancelledAfter,
		Title:     "Traveler abandoned the trip mid-route",
		FiledBy:   "agnt_1",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if d.FiledByRole != "agent" {
		t.Errorf("Expected filedByRole agent, got %s", d.FiledByRole)
	}
	if d.respondentID() != "trav_1" {
		t.Errorf("Expected traveler as respondent, got %s", d.respondentID())
	}
}

func TestSubmitEvidence_FilerFirstItemAdvances(t *testing.T) {
	env := newTestEnv(t)
	escrowedPayment(t, env)
	d := fileDispute(t, env, "trav_1")
	ctx := context.Background()

	// Counter-party material does not open the case file.
	_, after, err := env.svc.SubmitEvidence(ctx, SubmitEvidenceInput{
		DisputeID: d.ID,
		ActorID:   "agnt_1",
		Type:      evidence.TypeCommunicationLog,
		Content:   "Chat log: traveler knew the meeting point changed.",
	})
	if err != nil {
		t.Fatalf("SubmitEvidence failed: %v", err)
	}
	if after.State != StatePendingEvidence {
		t.Errorf("Expected pending_evidence after counter-party item, got %s", after.State)
	}

	item, after, err := env.svc.SubmitEvidence(ctx, SubmitEvidenceInput{
		DisputeID: d.ID,
		ActorID:   "trav_1",
		Type:      evidence.TypeText,
		Content:   "No message about any change was received.",
	})
	if err != nil {
		t.Fatalf("SubmitEvidence failed: %v", err)
	}
	if after.State != StateEvidenceSubmitted {
		t.Errorf("Expected evidence_submitted after filer item, got %s", after.State)
	}
	if item.Source != evidence.SourceTraveler {
		t.Errorf("Expected traveler source, got %s", item.Source)
	}
}

func TestSubmitEvidence_NonPartyRejected(t *testing.T) {
	env := newTestEnv(t)
	escrowedPayment(t, env)
	d := fileDispute(t, env, "trav_1")

	_, _, err := env.svc.SubmitEvidence(context.Background(), SubmitEvidenceInput{
		DisputeID: d.ID,
		ActorID:   "trav_2",
		Type:      evidence.TypeText,
		Content:   "I saw the whole thing.",
	})
	if !errors.Is(err, fault.ErrAuthorization) {
		t.Errorf("Expected authorization failure, got %v", err)
	}
}

func TestSubmitEvidence_VersionConflict(t *testing.T) {
	env := newTestEnv(t)
	escrowedPayment(t, env)
	d := fileDispute(t, env, "trav_1")

	_, _, err := env.svc.SubmitEvidence(context.Background(), SubmitEvidenceInput{
		DisputeID:       d.ID,
		ActorID:         "trav_1",
		Type:            evidence.TypeText,
		Content:         "x",
		ExpectedVersion: 99,
	})
	if !errors.Is(err, fault.ErrConflict) {
		t.Errorf("Expected conflict, got %v", err)
	}

	// The conflict must reject before anything lands in the case file.
	items, _, err := env.svc.ListEvidence(context.Background(), d.ID, "trav_1", "traveler")
	if err != nil {
		t.Fatalf("ListEvidence failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("Expected no evidence after conflict, got %d items", len(items))
	}
}

func TestWithdraw_ClosesCaseAndReleasesHold(t *testing.T) {
	env := newTestEnv(t)
	p := escrowedPayment(t, env)
	d := fileDispute(t, env, "trav_1")
	ctx := context.Background()

	d, err := env.svc.Withdraw(ctx, d.ID, "trav_1", "traveler", "guide reached out and made it right", 0)
	if err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if d.State != StateClosedWithdrawn {
		t.Errorf("Expected closed_withdrawn, got %s", d.State)
	}

	held, err := env.ledgerSvc.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get payment failed: %v", err)
	}
	if held.ContestedBy != "" {
		t.Errorf("Expected contested hold cleared, still %q", held.ContestedBy)
	}

	// Closed means closed: no further evidence through any path.
	_, _, err = env.svc.SubmitEvidence(ctx, SubmitEvidenceInput{
		DisputeID: d.ID,
		ActorID:   "trav_1",
		Type:      evidence.TypeText,
		Content:   "One more thing",
	})
	if !errors.Is(err, fault.ErrValidation) {
		t.Errorf("Expected validation failure after close, got %v", err)
	}
	_, err = env.evidenceSvc.Submit(ctx, evidence.SubmitInput{
		DisputeID:   d.ID,
		Type:        evidence.TypeText,
		Source:      evidence.SourceTraveler,
		SubmittedBy: "trav_1",
		Content:     "Through the side door",
	})
	if !errors.Is(err, fault.ErrValidation) {
		t.Errorf("Expected the evidence gate to reject a closed case, got %v", err)
	}
}

func TestWithdraw_OnlyFilerOrPrivileged(t *testing.T) {
	env := newTestEnv(t)
	escrowedPayment(t, env)
	d := fileDispute(t, env, "trav_1")
	ctx := context.Background()

	if _, err := env.svc.Withdraw(ctx, d.ID, "agnt_1", "agent", "never happened", 0); !errors.Is(err, fault.ErrAuthorization) {
		t.Errorf("Expected authorization failure for counter-party, got %v", err)
	}
	if _, err := env.svc.Withdraw(ctx, d.ID, "adm_1", "admin", "parties settled offline", 0); err != nil {
		t.Errorf("Expected admin withdrawal to succeed, got %v", err)
	}
}

func TestWithdraw_RejectedOnceUnderReview(t *testing.T) {
	env := newTestEnv(t)
	escrowedPayment(t, env)
	env.svc.WithAgentResponseSLA(time.Millisecond)
	d := fileDispute(t, env, "trav_1")
	ctx := context.Background()

	if _, _, err := env.svc.SubmitEvidence(ctx, SubmitEvidenceInput{
		DisputeID: d.ID, ActorID: "trav_1", Type: evidence.TypeText, Content: "x",
	}); err != nil {
		t.Fatalf("SubmitEvidence failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := env.svc.StartReview(ctx, d.ID, "adm_1", "response window lapsed", 0); err != nil {
		t.Fatalf("StartReview failed: %v", err)
	}

	_, err := env.svc.Withdraw(ctx, d.ID, "trav_1", "traveler", "changed my mind", 0)
	if !errors.Is(err, fault.ErrInvalidTransition) {
		t.Errorf("Expected invalid transition, got %v", err)
	}
}

func TestAgentRespond_Flow(t *testing.T) {
	env := newTestEnv(t)
	escrowedPayment(t, env)
	d := fileDispute(t, env, "trav_1")
	ctx := context.Background()

	// Responding before the filer documents the case is premature.
	_, err := env.svc.AgentRespond(ctx, RespondInput{DisputeID: d.ID, ActorID: "agnt_1", Message: "It never happened."})
	if !errors.Is(err, fault.ErrInvalidTransition) {
		t.Errorf("Expected invalid transition from pending_evidence, got %v", err)
	}

	if _, _, err := env.svc.SubmitEvidence(ctx, SubmitEvidenceInput{
		DisputeID: d.ID, ActorID: "trav_1", Type: evidence.TypeText, Content: "x",
	}); err != nil {
		t.Fatalf("SubmitEvidence failed: %v", err)
	}

	if _, err := env.svc.AgentRespond(ctx, RespondInput{DisputeID: d.ID, ActorID: "trav_1", Message: "Me again"}); !errors.Is(err, fault.ErrAuthorization) {
		t.Errorf("Expected authorization failure for the filer, got %v", err)
	}
	if _, err := env.svc.AgentRespond(ctx, RespondInput{DisputeID: d.ID, ActorID: "agnt_1"}); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("Expected validation failure for empty message, got %v", err)
	}

	d, err = env.svc.AgentRespond(ctx, RespondInput{
		DisputeID: d.ID,
		ActorID:   "agnt_1",
		Message:   "Road washout; rescheduled pickup was sent to the traveler.",
	})
	if err != nil {
		t.Fatalf("AgentRespond failed: %v", err)
	}
	if d.State != StateAgentResponded {
		t.Errorf("Expected agent_responded, got %s", d.State)
	}

	items, stats, err := env.svc.ListEvidence(ctx, d.ID, "agnt_1", "agent")
	if err != nil {
		t.Fatalf("ListEvidence failed: %v", err)
	}
	if stats.FromAgent != 1 {
		t.Errorf("Expected the response stored as agent evidence, got stats %+v", stats)
	}
	var found bool
	for _, it := range items {
		if it.Description == "response statement" {
			found = true
		}
	}
	if !found {
		t.Error("Expected a response statement item in the case file")
	}

	// One response per case.
	if _, err := env.svc.AgentRespond(ctx, RespondInput{DisputeID: d.ID, ActorID: "agnt_1", Message: "More"}); !errors.Is(err, fault.ErrInvalidTransition) {
		t.Errorf("Expected invalid transition for a second response, got %v", err)
	}
}

func TestAgentRespond_DeadlinePassed(t *testing.T) {
	env := newTestEnv(t)
	escrowedPayment(t, env)
	env.svc.WithAgentResponseSLA(time.Millisecond)
	d := fileDispute(t, env, "trav_1")
	ctx := context.Background()

	if _, _, err := env.svc.SubmitEvidence(ctx, SubmitEvidenceInput{
		DisputeID: d.ID, ActorID: "trav_1", Type: evidence.TypeText, Content: "x",
	}); err != nil {
		t.Fatalf("SubmitEvidence failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	_, err := env.svc.AgentRespond(ctx, RespondInput{DisputeID: d.ID, ActorID: "agnt_1", Message: "Too late?"})
	if !errors.Is(err, fault.ErrValidation) {
		t.Errorf("Expected validation failure after the deadline, got %v", err)
	}
}

func TestStartReview_WindowGuard(t *testing.T) {
	env := newTestEnv(t)
	escrowedPayment(t, env)
	d := fileDispute(t, env, "trav_1")
	ctx := context.Background()

	if _, _, err := env.svc.SubmitEvidence(ctx, SubmitEvidenceInput{
		DisputeID: d.ID, ActorID: "trav_1", Type: evidence.TypeText, Content: "x",
	}); err != nil {
		t.Fatalf("SubmitEvidence failed: %v", err)
	}

	// The default 72h window is still open.
	if _, err := env.svc.StartReview(ctx, d.ID, "adm_1", "eager", 0); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("Expected validation failure while the window is open, got %v", err)
	}

	// Once the counter-party has answered, review can start immediately.
	if _, err := env.svc.AgentRespond(ctx, RespondInput{DisputeID: d.ID, ActorID: "agnt_1", Message: "Answered."}); err != nil {
		t.Fatalf("AgentRespond failed: %v", err)
	}
	d2, err := env.svc.StartReview(ctx, d.ID, "adm_1", "both sides heard", 0)
	if err != nil {
		t.Fatalf("StartReview failed: %v", err)
	}
	if d2.State != StateUnderAdminReview {
		t.Errorf("Expected under_admin_review, got %s", d2.State)
	}
	if _, err := env.svc.StartReview(ctx, d.ID, "adm_1", "again", 0); !errors.Is(err, fault.ErrInvalidTransition) {
		t.Errorf("Expected invalid transition, got %v", err)
	}

	if _, err := env.svc.StartReview(ctx, "dsp_ghost", "adm_1", "r", 0); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestEscalate_AndResumeReview(t *testing.T) {
	env := newTestEnv(t)
	escrowedPayment(t, env)
	env.svc.WithAgentResponseSLA(time.Millisecond)
	d := fileDispute(t, env, "trav_1")
	ctx := context.Background()

	if _, _, err := env.svc.SubmitEvidence(ctx, SubmitEvidenceInput{
		DisputeID: d.ID, ActorID: "trav_1", Type: evidence.TypeText, Content: "x",
	}); err != nil {
		t.Fatalf("SubmitEvidence failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := env.svc.StartReview(ctx, d.ID, "adm_1", "window lapsed", 0); err != nil {
		t.Fatalf("StartReview failed: %v", err)
	}

	d2, err := env.svc.Escalate(ctx, d.ID, "adm_1", "amount above desk limit", 0)
	if err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if d2.State != StateEscalated {
		t.Errorf("Expected escalated, got %s", d2.State)
	}

	d3, err := env.svc.StartReview(ctx, d.ID, "adm_senior", "picked up from escalation", 0)
	if err != nil {
		t.Fatalf("StartReview from escalated failed: %v", err)
	}
	if d3.State != StateUnderAdminReview {
		t.Errorf("Expected under_admin_review, got %s", d3.State)
	}

	if _, err := env.svc.Escalate(ctx, d.ID, "adm_1", "", 0); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("Expected validation failure for empty reason, got %v", err)
	}
}

func TestAssign_SetsAdminWithoutMovingState(t *testing.T) {
	env := newTestEnv(t)
	escrowedPayment(t, env)
	d := fileDispute(t, env, "trav_1")
	ctx := context.Background()

	before := d.Version
	d2, err := env.svc.Assign(ctx, d.ID, "adm_7", "adm_lead", "rotation", 0)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if d2.AssignedAdminID != "adm_7" || d2.AssignedAt == nil {
		t.Errorf("Expected assignment recorded, got %+v", d2)
	}
	if d2.State != StatePendingEvidence {
		t.Errorf("Expected state unchanged, got %s", d2.State)
	}
	if d2.Version != before+1 {
		t.Errorf("Expected version bump %d → %d, got %d", before, before+1, d2.Version)
	}

	if _, err := env.svc.Assign(ctx, d.ID, "", "adm_lead", "r", 0); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("Expected validation failure for empty target, got %v", err)
	}
	if _, err := env.svc.Assign(ctx, d.ID, "adm_8", "adm_lead", "", 0); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("Expected validation failure for empty reason, got %v", err)
	}

	if _, err := env.svc.Withdraw(ctx, d.ID, "trav_1", "traveler", "done", 0); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if _, err := env.svc.Assign(ctx, d.ID, "adm_9", "adm_lead", "r", 0); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("Expected validation failure on a closed case, got %v", err)
	}
}

func TestExpire_ClosesOverdueCase(t *testing.T) {
	env := newTestEnv(t)
	p := escrowedPayment(t, env)
	env.svc.WithCaseExpiry(time.Millisecond)
	d := fileDispute(t, env, "trav_1")
	ctx := context.Background()

	time.Sleep(10 * time.Millisecond)

	d2, err := env.svc.Expire(ctx, d.ID)
	if err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	if d2.State != StateClosedExpired {
		t.Errorf("Expected closed_expired, got %s", d2.State)
	}

	held, err := env.ledgerSvc.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get payment failed: %v", err)
	}
	if held.ContestedBy != "" {
		t.Errorf("Expected contested hold cleared, still %q", held.ContestedBy)
	}

	// Expiring an already closed case is a no-op.
	d3, err := env.svc.Expire(ctx, d.ID)
	if err != nil {
		t.Fatalf("Expire on closed case failed: %v", err)
	}
	if d3.State != StateClosedExpired {
		t.Errorf("Expected closed_expired, got %s", d3.State)
	}
}

func TestExpire_NotYetDue(t *testing.T) {
	env := newTestEnv(t)
	escrowedPayment(t, env)
	d := fileDispute(t, env, "trav_1")

	_, err := env.svc.Expire(context.Background(), d.ID)
	if !errors.Is(err, fault.ErrValidation) {
		t.Errorf("Expected validation failure before the deadline, got %v", err)
	}
}

func TestHistory_RecordsTimeline(t *testing.T) {
	env := newTestEnv(t)
	escrowedPayment(t, env)
	d := fileDispute(t, env, "trav_1")
	ctx := context.Background()

	if _, _, err := env.svc.SubmitEvidence(ctx, SubmitEvidenceInput{
		DisputeID: d.ID, ActorID: "trav_1", Type: evidence.TypeText, Content: "x",
	}); err != nil {
		t.Fatalf("SubmitEvidence failed: %v", err)
	}
	if _, err := env.svc.AgentRespond(ctx, RespondInput{DisputeID: d.ID, ActorID: "agnt_1", Message: "Answered."}); err != nil {
		t.Fatalf("AgentRespond failed: %v", err)
	}

	entries, err := env.svc.History(ctx, d.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	want := []string{"dispute.create", "dispute.evidence", "dispute.respond"}
	if len(actions) != len(want) {
		t.Fatalf("Expected %d history entries, got %v", len(want), actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("Entry %d: expected %s, got %s", i, want[i], actions[i])
		}
	}
	last := entries[len(entries)-1]
	if last.FromState != StateEvidenceSubmitted || last.ToState != StateAgentResponded {
		t.Errorf("Expected evidence_submitted → agent_responded, got %s → %s", last.FromState, last.ToState)
	}

	if _, err := env.svc.History(ctx, "dsp_ghost"); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestGetOpenByPayment(t *testing.T) {
	env := newTestEnv(t)
	p := escrowedPayment(t, env)
	d := fileDispute(t, env, "trav_1")
	ctx := context.Background()

	got, err := env.svc.GetOpenByPayment(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetOpenByPayment failed: %v", err)
	}
	if got.ID != d.ID {
		t.Errorf("Expected %s, got %s", d.ID, got.ID)
	}

	if _, err := env.svc.Withdraw(ctx, d.ID, "trav_1", "traveler", "settled", 0); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if _, err := env.svc.GetOpenByPayment(ctx, p.ID); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("Expected not found after close, got %v", err)
	}

	// The payment is disputable again once the first case closed.
	if _, err := env.svc.Create(ctx, CreateInput{
		BookingID: "bk_1",
		Category:  refundpolicy.ReasonAgentNoShow,
		Title:     "Second trip, same problem",
		FiledBy:   "trav_1",
	}); err != nil {
		t.Errorf("Expected a fresh dispute after close, got %v", err)
	}
}

func TestListQueue_OrderAndCursor(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mk := func(id string, state State, offset time.Duration, admin string) *Dispute {
		d := &Dispute{
			ID: id, BookingID: "bk_1", PaymentID: "pay_" + id,
			TravelerID: "trav_1", AgentID: "agnt_1", FiledBy: "trav_1",
			Category: refundpolicy.ReasonAgentNoShow, Title: id,
			Currency: "USD", State: state, AssignedAdminID: admin,
			Version: 1, CreatedAt: base.Add(offset), UpdatedAt: base.Add(offset),
		}
		if err := store.CreateDispute(ctx, d); err != nil {
			t.Fatalf("CreateDispute failed: %v", err)
		}
		return d
	}

	mk("dsp_a", StatePendingEvidence, 0, "")
	mk("dsp_b", StateUnderAdminReview, time.Hour, "adm_1")
	mk("dsp_c", StateEscalated, 2*time.Hour, "adm_1")
	mk("dsp_d", StateEvidenceSubmitted, 3*time.Hour, "")
	mk("dsp_e", StateClosedWithdrawn, 4*time.Hour, "")
	mk("dsp_f", StateEscalated, 30*time.Minute, "")

	got, err := store.ListQueue(ctx, QueueFilter{})
	if err != nil {
		t.Fatalf("ListQueue failed: %v", err)
	}
	want := []string{"dsp_c", "dsp_f", "dsp_d", "dsp_b", "dsp_a"}
	if len(got) != len(want) {
		t.Fatalf("Expected %d disputes, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], got[i].ID)
		}
	}

	// Resume after the second row and page through the rest.
	page1, err := store.ListQueue(ctx, QueueFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListQueue failed: %v", err)
	}
	cursor := &QueueCursor{
		Escalated: page1[1].State == StateEscalated,
		CreatedAt: page1[1].CreatedAt,
		ID:        page1[1].ID,
	}
	page2, err := store.ListQueue(ctx, QueueFilter{After: cursor, Limit: 2})
	if err != nil {
		t.Fatalf("ListQueue failed: %v", err)
	}
	if len(page2) != 2 || page2[0].ID != "dsp_d" || page2[1].ID != "dsp_b" {
		t.Errorf("Expected [dsp_d dsp_b], got %v", ids(page2))
	}

	// Filters.
	esc, _ := store.ListQueue(ctx, QueueFilter{EscalatedOnly: true})
	if len(esc) != 2 {
		t.Errorf("Expected 2 escalated, got %d", len(esc))
	}
	mine, _ := store.ListQueue(ctx, QueueFilter{AssignedAdminID: "adm_1"})
	if len(mine) != 2 {
		t.Errorf("Expected 2 assigned to adm_1, got %d", len(mine))
	}
	free, _ := store.ListQueue(ctx, QueueFilter{Unassigned: true})
	if len(free) != 3 {
		t.Errorf("Expected 3 unassigned, got %d", len(free))
	}
	closed, _ := store.ListQueue(ctx, QueueFilter{State: StateClosedWithdrawn})
	if len(closed) != 1 || closed[0].ID != "dsp_e" {
		t.Errorf("Expected [dsp_e], got %v", ids(closed))
	}
}

func ids(ds []*Dispute) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.ID)
	}
	return out
}

func TestListExpired_OnlyOverdueOpenCases(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	put := func(id string, state State, deadline time.Time) {
		if err := store.CreateDispute(ctx, &Dispute{
			ID: id, PaymentID: "pay_" + id, State: state,
			CaseDeadline: deadline, Version: 1,
			CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
		}); err != nil {
			t.Fatalf("CreateDispute failed: %v", err)
		}
	}

	put("dsp_due1", StatePendingEvidence, now.Add(-2*time.Hour))
	put("dsp_due2", StateUnderAdminReview, now.Add(-time.Minute))
	put("dsp_future", StateEvidenceSubmitted, now.Add(time.Hour))
	put("dsp_closed", StateClosedWithdrawn, now.Add(-3*time.Hour))

	got, err := store.ListExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListExpired failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "dsp_due1" || got[1].ID != "dsp_due2" {
		t.Errorf("Expected [dsp_due1 dsp_due2], got %v", ids(got))
	}

	one, _ := store.ListExpired(ctx, now, 1)
	if len(one) != 1 || one[0].ID != "dsp_due1" {
		t.Errorf("Expected the oldest deadline first, got %v", ids(one))
	}
}
