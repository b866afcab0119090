package reconciliation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/trailpay/trailpay/internal/dispute"
	"github.com/trailpay/trailpay/internal/ledger"
	"github.com/trailpay/trailpay/internal/refundpolicy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunner() (*Runner, *ledger.MemoryStore, *dispute.MemoryStore) {
	payments := ledger.NewMemoryStore()
	disputes := dispute.NewMemoryStore()
	return NewRunner(payments, disputes, testLogger()), payments, disputes
}

// seedPayment stores an escrowed payment three days from release, then
// applies mutate so tests can break exactly one invariant.
func seedPayment(t *testing.T, store *ledger.MemoryStore, id string, mutate func(*ledger.Payment)) *ledger.Payment {
	t.Helper()
	now := time.Now()
	release := now.Add(72 * time.Hour)
	p := &ledger.Payment{
		ID:                 id,
		BookingID:          "bk_sweep1",
		TravelerID:         "trav_sweep1",
		AgentID:            "agnt_sweep1",
		State:              ledger.StateInEscrow,
		GrossAmount:        100000,
		CommissionAmount:   15000,
		ProcessingFee:      2900,
		NetAmount:          82100,
		Currency:           "USD",
		EscrowStartedAt:    &now,
		ScheduledReleaseAt: &release,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if mutate != nil {
		mutate(p)
	}
	if err := store.CreatePayment(context.Background(), p); err != nil {
		t.Fatalf("CreatePayment %s failed: %v", id, err)
	}
	return p
}

func seedDispute(t *testing.T, store *dispute.MemoryStore, id, paymentID string, state dispute.State) *dispute.Dispute {
	t.Helper()
	now := time.Now()
	d := &dispute.Dispute{
		ID:                    id,
		BookingID:             "bk_sweep1",
		PaymentID:             paymentID,
		TravelerID:            "trav_sweep1",
		AgentID:               "agnt_sweep1",
		FiledBy:               "trav_sweep1",
		FiledByRole:           "traveler",
		Category:              refundpolicy.ReasonAgentNoShow,
		Title:                 "guide never arrived",
		RequestedRefundAmount: 100000,
		Currency:              "USD",
		State:                 state,
		AgentResponseDeadline: now.Add(7 * 24 * time.Hour),
		CaseDeadline:          now.Add(30 * 24 * time.Hour),
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := store.CreateDispute(context.Background(), d); err != nil {
		t.Fatalf("CreateDispute %s failed: %v", id, err)
	}
	return d
}

func containsID(ids []string, id string) bool {
	for _, got := range ids {
		if got == id {
			return true
		}
	}
	return false
}

func TestRunAll_HealthyLedger(t *testing.T) {
	runner, payments, disputes := newTestRunner()
	ctx := context.Background()

	// An ordinary escrow waiting for its release day.
	seedPayment(t, payments, "pay_waiting", nil)

	// A payment held by a dispute that is still being worked.
	seedPayment(t, payments, "pay_held", func(p *ledger.Payment) {
		p.ContestedBy = "dsp_live"
	})
	seedDispute(t, disputes, "dsp_live", "pay_held", dispute.StateUnderAdminReview)

	// A fully settled resolution: refunded payment, hold lifted.
	seedPayment(t, payments, "pay_settled", func(p *ledger.Payment) {
		p.State = ledger.StateRefunded
		p.RefundedAmount = p.GrossAmount
	})
	seedDispute(t, disputes, "dsp_settled", "pay_settled", dispute.StateResolvedRefund)

	// A pending refund request with no resolution behind it is normal.
	seedPayment(t, payments, "pay_pending_refund", func(p *ledger.Payment) {
		p.State = ledger.StateRefundRequested
	})

	report, err := runner.RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if !report.Healthy {
		t.Errorf("Expected healthy report, got %+v", report)
	}
	for name, c := range map[string]Check{
		"overRefunded":         report.OverRefunded,
		"unsettledResolutions": report.UnsettledResolutions,
		"overdueEscrows":       report.OverdueEscrows,
		"orphanedHolds":        report.OrphanedHolds,
	} {
		if c.Count != 0 || len(c.IDs) != 0 {
			t.Errorf("Expected clean %s check, got %+v", name, c)
		}
	}
	if report.Timestamp.IsZero() {
		t.Error("Expected report timestamp to be set")
	}
	if report.DurationMs < 0 {
		t.Errorf("Expected non-negative duration, got %d", report.DurationMs)
	}
}

func TestRunAll_FlagsOverRefunded(t *testing.T) {
	runner, payments, _ := newTestRunner()

	seedPayment(t, payments, "pay_over", func(p *ledger.Payment) {
		p.State = ledger.StatePartiallyRefunded
		p.RefundedAmount = p.GrossAmount + 100
	})
	seedPayment(t, payments, "pay_exact", func(p *ledger.Payment) {
		p.State = ledger.StateRefunded
		p.RefundedAmount = p.GrossAmount
	})

	report, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if report.Healthy {
		t.Error("Expected unhealthy report")
	}
	if report.OverRefunded.Count != 1 || !containsID(report.OverRefunded.IDs, "pay_over") {
		t.Errorf("Expected pay_over flagged, got %+v", report.OverRefunded)
	}
}

func TestRunAll_FlagsUnsettledResolutions(t *testing.T) {
	runner, payments, disputes := newTestRunner()

	// Resolution recorded but the payment never left the refund chain.
	seedPayment(t, payments, "pay_stuck_approved", func(p *ledger.Payment) {
		p.State = ledger.StateRefundApproved
	})
	seedDispute(t, disputes, "dsp_stuck_refund", "pay_stuck_approved", dispute.StateResolvedRefund)

	// Denial recorded but the request row was never closed out.
	seedPayment(t, payments, "pay_stuck_requested", func(p *ledger.Payment) {
		p.State = ledger.StateRefundRequested
	})
	seedDispute(t, disputes, "dsp_stuck_denial", "pay_stuck_requested", dispute.StateResolvedDenied)

	// Resolution pointing at a payment that does not exist.
	seedDispute(t, disputes, "dsp_ghost_payment", "pay_ghost", dispute.StateResolvedRefund)

	// A properly settled partial refund is left alone.
	seedPayment(t, payments, "pay_partial_done", func(p *ledger.Payment) {
		p.State = ledger.StatePartiallyRefunded
		p.RefundedAmount = 40000
	})
	seedDispute(t, disputes, "dsp_partial_done", "pay_partial_done", dispute.StateResolvedPartial)

	report, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	got := report.UnsettledResolutions
	if got.Count != 3 {
		t.Fatalf("Expected 3 unsettled resolutions, got %+v", got)
	}
	for _, want := range []string{"dsp_stuck_refund", "dsp_stuck_denial", "dsp_ghost_payment"} {
		if !containsID(got.IDs, want) {
			t.Errorf("Expected %s flagged, got %v", want, got.IDs)
		}
	}
}

func TestRunAll_FlagsOverdueEscrows(t *testing.T) {
	runner, payments, disputes := newTestRunner()
	runner.WithOverdueGrace(30 * time.Minute)

	stale := time.Now().Add(-2 * time.Hour)
	recent := time.Now().Add(-time.Minute)

	seedPayment(t, payments, "pay_stale", func(p *ledger.Payment) {
		p.ScheduledReleaseAt = &stale
	})
	// Only a minute past due; the release timer gets the grace period.
	seedPayment(t, payments, "pay_barely_due", func(p *ledger.Payment) {
		p.ScheduledReleaseAt = &recent
	})
	// Long past due but legitimately held by an open dispute.
	seedPayment(t, payments, "pay_held_due", func(p *ledger.Payment) {
		p.ScheduledReleaseAt = &stale
		p.ContestedBy = "dsp_holding"
	})
	seedDispute(t, disputes, "dsp_holding", "pay_held_due", dispute.StatePendingEvidence)

	report, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	got := report.OverdueEscrows
	if got.Count != 1 || !containsID(got.IDs, "pay_stale") {
		t.Errorf("Expected only pay_stale flagged, got %+v", got)
	}
}

func TestRunAll_FlagsOrphanedHolds(t *testing.T) {
	runner, payments, disputes := newTestRunner()

	seedPayment(t, payments, "pay_orphan_closed", func(p *ledger.Payment) {
		p.ContestedBy = "dsp_closed"
	})
	seedDispute(t, disputes, "dsp_closed", "pay_orphan_closed", dispute.StateClosedWithdrawn)

	seedPayment(t, payments, "pay_orphan_ghost", func(p *ledger.Payment) {
		p.ContestedBy = "dsp_ghost"
	})

	seedPayment(t, payments, "pay_held_live", func(p *ledger.Payment) {
		p.ContestedBy = "dsp_live"
	})
	seedDispute(t, disputes, "dsp_live", "pay_held_live", dispute.StateEvidenceSubmitted)

	report, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	got := report.OrphanedHolds
	if got.Count != 2 {
		t.Fatalf("Expected 2 orphaned holds, got %+v", got)
	}
	for _, want := range []string{"pay_orphan_closed", "pay_orphan_ghost"} {
		if !containsID(got.IDs, want) {
			t.Errorf("Expected %s flagged, got %v", want, got.IDs)
		}
	}
	if containsID(got.IDs, "pay_held_live") {
		t.Error("Expected live hold to pass the sweep")
	}
}

func TestRunAll_SampleCapBoundsIDs(t *testing.T) {
	runner, payments, _ := newTestRunner()
	runner.idCap = 3

	for _, id := range []string{"pay_c1", "pay_c2", "pay_c3", "pay_c4", "pay_c5"} {
		seedPayment(t, payments, id, func(p *ledger.Payment) {
			p.RefundedAmount = p.GrossAmount + 1
		})
	}

	report, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if report.OverRefunded.Count != 5 {
		t.Errorf("Expected exact count 5, got %d", report.OverRefunded.Count)
	}
	if len(report.OverRefunded.IDs) != 3 {
		t.Errorf("Expected id sample capped at 3, got %v", report.OverRefunded.IDs)
	}
}

func TestRunAll_ScanLimitBoundsWindow(t *testing.T) {
	runner, payments, _ := newTestRunner()
	runner.WithScanLimit(2)

	for _, id := range []string{"pay_w1", "pay_w2", "pay_w3"} {
		seedPayment(t, payments, id, func(p *ledger.Payment) {
			p.RefundedAmount = p.GrossAmount + 1
		})
	}

	report, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if report.OverRefunded.Count != 2 {
		t.Errorf("Expected count bounded by scan limit, got %d", report.OverRefunded.Count)
	}
	if report.Healthy {
		t.Error("Expected unhealthy report")
	}
}

// failingDisputes errors on every read.
type failingDisputes struct {
	err error
}

func (f *failingDisputes) GetDispute(ctx context.Context, id string) (*dispute.Dispute, error) {
	return nil, f.err
}

func (f *failingDisputes) ListQueue(ctx context.Context, q dispute.QueueFilter) ([]*dispute.Dispute, error) {
	return nil, f.err
}

func TestRunAll_SurfacesStoreErrors(t *testing.T) {
	payments := ledger.NewMemoryStore()
	disputes := &failingDisputes{err: errors.New("connection reset")}
	runner := NewRunner(payments, disputes, testLogger())

	report, err := runner.RunAll(context.Background())
	if err == nil {
		t.Fatal("Expected sweep error")
	}
	if report != nil {
		t.Errorf("Expected no report on failure, got %+v", report)
	}
	if !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("Expected wrapped store error, got %v", err)
	}
}

// countingPayments counts over-refunded scans to observe timer sweeps.
type countingPayments struct {
	*ledger.MemoryStore
	mu    sync.Mutex
	scans int
}

func (c *countingPayments) ListOverRefunded(ctx context.Context, limit int) ([]*ledger.Payment, error) {
	c.mu.Lock()
	c.scans++
	c.mu.Unlock()
	return c.MemoryStore.ListOverRefunded(ctx, limit)
}

func (c *countingPayments) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scans
}

func TestTimer_RunsSweeps(t *testing.T) {
	payments := &countingPayments{MemoryStore: ledger.NewMemoryStore()}
	runner := NewRunner(payments, dispute.NewMemoryStore(), testLogger())

	timer := NewTimer(runner, testLogger()).WithInterval(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	deadline := time.After(2 * time.Second)
	for payments.count() < 2 {
		select {
		case <-deadline:
			t.Fatal("Timer never ran two sweeps")
		case <-time.After(time.Millisecond):
		}
	}

	timer.Stop()
	deadline = time.After(time.Second)
	for timer.Running() {
		select {
		case <-deadline:
			t.Fatal("Timer never stopped")
		case <-time.After(time.Millisecond):
		}
	}
}
