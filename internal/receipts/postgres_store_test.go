//go:build integration

package receipts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/trailpay/trailpay/internal/fault"
	"github.com/trailpay/trailpay/internal/testutil"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func testStoredReceipt(id, reference string) *Receipt {
	now := time.Now().Truncate(time.Microsecond)
	return &Receipt{
		ID:          id,
		Path:        PathRelease,
		Reference:   reference,
		BookingID:   "bk_pg1",
		Payer:       "trav_pg1",
		Payee:       "agt_pg1",
		Amount:      163900,
		Currency:    "USD",
		Status:      StatusSettled,
		PayloadHash: "2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae",
		Signature:   "5d5c25c3b6bdc2b62a62c8ca4a6e82935b1d3a94471f7f6a2a832a4a8e979f0d",
		IssuedAt:    now,
		ExpiresAt:   now.Add(signatureValidity),
		EventID:     "evt_pg_" + id,
		Metadata:    "rfd_pg1",
		CreatedAt:   now,
	}
}

func TestPostgresReceipt_CreateAndGet(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	want := testStoredReceipt("rcp_pg_1", "pay_pg_1")
	if err := store.Create(ctx, want); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, want.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Path != want.Path || got.Status != want.Status {
		t.Errorf("Expected %s/%s, got %s/%s", want.Path, want.Status, got.Path, got.Status)
	}
	if got.Amount != want.Amount || got.Currency != want.Currency {
		t.Errorf("Expected %d %s, got %d %s", want.Amount, want.Currency, got.Amount, got.Currency)
	}
	if got.Payer != want.Payer || got.Payee != want.Payee {
		t.Errorf("Expected %s→%s, got %s→%s", want.Payer, want.Payee, got.Payer, got.Payee)
	}
	if got.Signature != want.Signature || got.PayloadHash != want.PayloadHash {
		t.Error("Expected the signature and hash to round-trip untouched")
	}
	if got.EventID != want.EventID || got.Metadata != want.Metadata {
		t.Errorf("Expected event/metadata round-trip, got %q %q", got.EventID, got.Metadata)
	}
	if !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Errorf("Expected expiry %v, got %v", want.ExpiresAt, got.ExpiresAt)
	}

	if _, err := store.Get(ctx, "rcp_pg_ghost"); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for a ghost receipt, got %v", err)
	}
}

func TestPostgresReceipt_NullableFields(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	r := testStoredReceipt("rcp_pg_null", "pay_pg_null")
	r.EventID = ""
	r.Metadata = ""
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.EventID != "" || got.Metadata != "" {
		t.Errorf("Expected empty optionals back, got %q %q", got.EventID, got.Metadata)
	}
}

func TestPostgresReceipt_Conflicts(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	r := testStoredReceipt("rcp_pg_dup", "pay_pg_dup")
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, r); !errors.Is(err, fault.ErrConflict) {
		t.Errorf("Expected conflict on duplicate id, got %v", err)
	}

	// Same issuing event, fresh id: the event uniqueness absorbs
	// at-least-once redelivery.
	again := testStoredReceipt("rcp_pg_dup2", "pay_pg_dup")
	again.EventID = r.EventID
	if err := store.Create(ctx, again); !errors.Is(err, fault.ErrConflict) {
		t.Errorf("Expected conflict on duplicate event id, got %v", err)
	}

	// Two receipts with no event id coexist.
	free1 := testStoredReceipt("rcp_pg_free1", "pay_pg_dup")
	free1.EventID = ""
	free2 := testStoredReceipt("rcp_pg_free2", "pay_pg_dup")
	free2.EventID = ""
	if err := store.Create(ctx, free1); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, free2); err != nil {
		t.Fatalf("Expected NULL event ids not to collide, got %v", err)
	}
}

func TestPostgresReceipt_Lists(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	release := testStoredReceipt("rcp_pg_l1", "pay_pg_l1")
	if err := store.Create(ctx, release); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	refund := testStoredReceipt("rcp_pg_l2", "pay_pg_l1")
	refund.Path = PathPartialRefund
	refund.Payer = "agt_pg1"
	refund.Payee = "trav_pg1"
	refund.CreatedAt = release.CreatedAt.Add(time.Second)
	if err := store.Create(ctx, refund); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	other := testStoredReceipt("rcp_pg_l3", "pay_pg_l2")
	other.Payer = "trav_pg_other"
	other.Payee = "agt_pg_other"
	if err := store.Create(ctx, other); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Traveler appears on both sides of pay_pg_l1's receipts.
	byActor, err := store.ListByActor(ctx, "trav_pg1", 10)
	if err != nil {
		t.Fatalf("ListByActor failed: %v", err)
	}
	if len(byActor) != 2 {
		t.Fatalf("Expected 2 receipts for trav_pg1, got %d", len(byActor))
	}
	if byActor[0].ID != "rcp_pg_l2" || byActor[1].ID != "rcp_pg_l1" {
		t.Errorf("Expected newest first, got [%s %s]", byActor[0].ID, byActor[1].ID)
	}

	limited, err := store.ListByActor(ctx, "trav_pg1", 1)
	if err != nil {
		t.Fatalf("ListByActor failed: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "rcp_pg_l2" {
		t.Errorf("Expected the newest receipt only, got %d", len(limited))
	}

	byRef, err := store.ListByReference(ctx, "pay_pg_l1")
	if err != nil {
		t.Fatalf("ListByReference failed: %v", err)
	}
	if len(byRef) != 2 {
		t.Errorf("Expected 2 receipts against pay_pg_l1, got %d", len(byRef))
	}

	empty, err := store.ListByReference(ctx, "pay_pg_none")
	if err != nil {
		t.Fatalf("ListByReference failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("Expected no receipts for an unknown reference, got %d", len(empty))
	}
}
