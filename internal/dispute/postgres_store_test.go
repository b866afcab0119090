//go:build integration

package dispute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/trailpay/trailpay/internal/fault"
	"github.com/trailpay/trailpay/internal/refundpolicy"
	"github.com/trailpay/trailpay/internal/testutil"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func testDispute(id string) *Dispute {
	now := time.Now().Truncate(time.Microsecond)
	return &Dispute{
		ID:                    id,
		BookingID:             "bk_pg1",
		PaymentID:             "pay_pg_" + id,
		TravelerID:            "trav_pg1",
		AgentID:               "agnt_pg1",
		FiledBy:               "trav_pg1",
		FiledByRole:           "traveler",
		Category:              refundpolicy.ReasonAgentNoShow,
		Title:                 "Guide never arrived",
		Description:           "Waited three hours.",
		RequestedRefundAmount: 50000,
		Currency:              "USD",
		State:                 StatePendingEvidence,
		AgentResponseDeadline: now.Add(72 * time.Hour),
		CaseDeadline:          now.Add(30 * 24 * time.Hour),
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

func TestPostgresDispute_CreateAndGet(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	d := testDispute("dsp_pg_test001")
	if err := store.CreateDispute(ctx, d); err != nil {
		t.Fatalf("CreateDispute failed: %v", err)
	}

	got, err := store.GetDispute(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDispute failed: %v", err)
	}
	if got.State != StatePendingEvidence || got.Category != refundpolicy.ReasonAgentNoShow {
		t.Errorf("Roundtrip mismatch: %+v", got)
	}
	if got.AssignedAdminID != "" || got.AssignedAt != nil || got.ResolutionID != "" {
		t.Errorf("Expected empty assignment fields, got %+v", got)
	}

	if err := store.CreateDispute(ctx, d); !errors.Is(err, fault.ErrConflict) {
		t.Errorf("Expected conflict on duplicate create, got %v", err)
	}

	if _, err := store.GetDispute(ctx, "dsp_pg_ghost"); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestPostgresDispute_UpdateVersionGate(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	d := testDispute("dsp_pg_test002")
	if err := store.CreateDispute(ctx, d); err != nil {
		t.Fatalf("CreateDispute failed: %v", err)
	}

	now := time.Now().Truncate(time.Microsecond)
	d.State = StateEvidenceSubmitted
	d.AssignedAdminID = "adm_pg1"
	d.AssignedAt = &now
	d.Version = 2
	d.UpdatedAt = now
	if err := store.UpdateDispute(ctx, d, 1); err != nil {
		t.Fatalf("UpdateDispute failed: %v", err)
	}

	got, err := store.GetDispute(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDispute failed: %v", err)
	}
	if got.State != StateEvidenceSubmitted || got.AssignedAdminID != "adm_pg1" || got.Version != 2 {
		t.Errorf("Update not persisted: %+v", got)
	}

	if err := store.UpdateDispute(ctx, d, 1); !errors.Is(err, fault.ErrConflict) {
		t.Errorf("Expected conflict on stale version, got %v", err)
	}

	ghost := testDispute("dsp_pg_ghost")
	if err := store.UpdateDispute(ctx, ghost, 1); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestPostgresDispute_GetOpenByPayment(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	open := testDispute("dsp_pg_open")
	if err := store.CreateDispute(ctx, open); err != nil {
		t.Fatalf("CreateDispute failed: %v", err)
	}
	closed := testDispute("dsp_pg_closed")
	closed.State = StateClosedWithdrawn
	if err := store.CreateDispute(ctx, closed); err != nil {
		t.Fatalf("CreateDispute failed: %v", err)
	}

	got, err := store.GetOpenByPayment(ctx, open.PaymentID)
	if err != nil {
		t.Fatalf("GetOpenByPayment failed: %v", err)
	}
	if got.ID != open.ID {
		t.Errorf("Expected %s, got %s", open.ID, got.ID)
	}

	if _, err := store.GetOpenByPayment(ctx, closed.PaymentID); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("Expected not found for a closed case, got %v", err)
	}
}

func TestPostgresDispute_QueueOrderAndKeyset(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mk := func(id string, state State, offset time.Duration, admin string) {
		d := testDispute(id)
		d.State = state
		d.AssignedAdminID = admin
		d.CreatedAt = base.Add(offset)
		d.UpdatedAt = base.Add(offset)
		if err := store.CreateDispute(ctx, d); err != nil {
			t.Fatalf("CreateDispute failed: %v", err)
		}
	}

	mk("dsp_pg_a", StatePendingEvidence, 0, "")
	mk("dsp_pg_b", StateUnderAdminReview, time.Hour, "adm_pg1")
	mk("dsp_pg_c", StateEscalated, 2*time.Hour, "adm_pg1")
	mk("dsp_pg_d", StateEvidenceSubmitted, 3*time.Hour, "")
	mk("dsp_pg_e", StateClosedWithdrawn, 4*time.Hour, "")
	mk("dsp_pg_f", StateEscalated, 30*time.Minute, "")

	got, err := store.ListQueue(ctx, QueueFilter{})
	if err != nil {
		t.Fatalf("ListQueue failed: %v", err)
	}
	want := []string{"dsp_pg_c", "dsp_pg_f", "dsp_pg_d", "dsp_pg_b", "dsp_pg_a"}
	if len(got) != len(want) {
		t.Fatalf("Expected %d disputes, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], got[i].ID)
		}
	}

	page2, err := store.ListQueue(ctx, QueueFilter{
		After: &QueueCursor{Escalated: true, CreatedAt: base.Add(30 * time.Minute), ID: "dsp_pg_f"},
		Limit: 2,
	})
	if err != nil {
		t.Fatalf("ListQueue with cursor failed: %v", err)
	}
	if len(page2) != 2 || page2[0].ID != "dsp_pg_d" || page2[1].ID != "dsp_pg_b" {
		t.Errorf("Expected [dsp_pg_d dsp_pg_b], got %v", ids(page2))
	}

	free, err := store.ListQueue(ctx, QueueFilter{Unassigned: true})
	if err != nil {
		t.Fatalf("ListQueue unassigned failed: %v", err)
	}
	if len(free) != 3 {
		t.Errorf("Expected 3 unassigned, got %d", len(free))
	}
}

func TestPostgresDispute_ListExpired(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)

	due := testDispute("dsp_pg_due")
	due.CaseDeadline = now.Add(-time.Hour)
	if err := store.CreateDispute(ctx, due); err != nil {
		t.Fatalf("CreateDispute failed: %v", err)
	}
	fresh := testDispute("dsp_pg_fresh")
	if err := store.CreateDispute(ctx, fresh); err != nil {
		t.Fatalf("CreateDispute failed: %v", err)
	}
	gone := testDispute("dsp_pg_gone")
	gone.State = StateClosedExpired
	gone.CaseDeadline = now.Add(-2 * time.Hour)
	if err := store.CreateDispute(ctx, gone); err != nil {
		t.Fatalf("CreateDispute failed: %v", err)
	}

	got, err := store.ListExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListExpired failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Errorf("Expected [%s], got %v", due.ID, ids(got))
	}
}

func TestPostgresDispute_History(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	d := testDispute("dsp_pg_hist")
	if err := store.CreateDispute(ctx, d); err != nil {
		t.Fatalf("CreateDispute failed: %v", err)
	}

	base := time.Now().Truncate(time.Microsecond)
	entries := []*HistoryEntry{
		{ID: "hst_pg_1", DisputeID: d.ID, Action: "dispute.create", ActorID: "trav_pg1",
			ActorRole: "traveler", ToState: StatePendingEvidence, CreatedAt: base},
		{ID: "hst_pg_2", DisputeID: d.ID, Action: "dispute.evidence", ActorID: "trav_pg1",
			ActorRole: "traveler", FromState: StatePendingEvidence, ToState: StateEvidenceSubmitted,
			Reason: "first evidence", CreatedAt: base.Add(time.Minute)},
	}
	for _, e := range entries {
		if err := store.AddHistory(ctx, e); err != nil {
			t.Fatalf("AddHistory failed: %v", err)
		}
	}

	got, err := store.ListHistory(ctx, d.ID)
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(got))
	}
	if got[0].Action != "dispute.create" || got[1].Action != "dispute.evidence" {
		t.Errorf("Expected chronological order, got [%s %s]", got[0].Action, got[1].Action)
	}
	if got[0].FromState != "" || got[0].ToState != StatePendingEvidence {
		t.Errorf("Null state handling broken: %+v", got[0])
	}
	if got[1].Reason != "first evidence" {
		t.Errorf("Expected reason persisted, got %q", got[1].Reason)
	}
}
