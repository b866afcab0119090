//go:build integration

package evidence

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

func testItem(id, disputeID string) *Item {
	return &Item{
		ID:          id,
		DisputeID:   disputeID,
		Type:        TypeText,
		Source:      SourceTraveler,
		SubmittedBy: "trav_1",
		Content:     "no guide at the trailhead",
		SubmittedAt: time.Now().Truncate(time.Microsecond),
	}
}

func TestPostgresEvidence_CreateAndGet(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	item := testItem("evd_pg1", "dsp_pg1")
	if err := store.Create(ctx, item); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, "evd_pg1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.DisputeID != "dsp_pg1" || got.Type != TypeText || got.Source != SourceTraveler {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
	if got.Verified {
		t.Fatal("new item must not be verified")
	}

	if _, err := store.Get(ctx, "evd_absent"); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Create(ctx, item); !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}
}

func TestPostgresEvidence_UpdateVerification(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	item := testItem("evd_pg2", "dsp_pg2")
	if err := store.Create(ctx, item); err != nil {
		t.Fatalf("Create: %v", err)
	}

	now := time.Now().Truncate(time.Microsecond)
	item.Verified = true
	item.VerifiedBy = "adm_1"
	item.VerifiedAt = &now
	if err := store.Update(ctx, item); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := store.Get(ctx, "evd_pg2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Verified || got.VerifiedBy != "adm_1" || got.VerifiedAt == nil {
		t.Fatalf("verification not persisted: %+v", got)
	}

	ghost := testItem("evd_ghost", "dsp_pg2")
	if err := store.Update(ctx, ghost); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected not found for ghost update, got %v", err)
	}
}

func TestPostgresEvidence_ListByDispute(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Now().Add(-time.Hour).Truncate(time.Microsecond)
	for i, id := range []string{"evd_pga", "evd_pgb", "evd_pgc"} {
		item := testItem(id, "dsp_pg3")
		item.SubmittedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.Create(ctx, item); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	other := testItem("evd_pgz", "dsp_other")
	if err := store.Create(ctx, other); err != nil {
		t.Fatalf("Create: %v", err)
	}

	items, err := store.ListByDispute(ctx, "dsp_pg3")
	if err != nil {
		t.Fatalf("ListByDispute: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	for i, want := range []string{"evd_pga", "evd_pgb", "evd_pgc"} {
		if items[i].ID != want {
			t.Fatalf("item %d: expected %s, got %s", i, want, items[i].ID)
		}
	}
}
