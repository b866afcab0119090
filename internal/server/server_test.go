package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/trailpay/trailpay/internal/booking"
	"github.com/trailpay/trailpay/internal/config"
	"github.com/trailpay/trailpay/internal/identity"
	"github.com/trailpay/trailpay/internal/logging"
	"github.com/trailpay/trailpay/internal/payproc"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		EscrowHold:          7 * 24 * time.Hour,
		ReleaseSweepEvery:   time.Minute,
		AgentResponseSLA:    72 * time.Hour,
		CaseExpiry:          30 * 24 * time.Hour,
		ExpirySweepEvery:    time.Minute,
		OutboxDispatchEvery: time.Second,
		BookingTimeout:      5 * time.Second,
		RateLimitPerMin:     10000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	confirmed := time.Now().Add(-48 * time.Hour)
	bookings := booking.NewStaticLookup(&booking.Booking{
		ID:          "bk_1",
		TravelerID:  "trav_1",
		AgentID:     "agnt_1",
		GrossAmount: 100000,
		Currency:    "USD",
		ConfirmedAt: &confirmed,
		TripStartAt: time.Now().Add(30 * 24 * time.Hour),
		TripEndAt:   time.Now().Add(37 * 24 * time.Hour),
	})

	srv, err := New(testConfig(),
		WithLogger(logging.New("error", "json")),
		WithProcessor(payproc.NewFakeProcessor()),
		WithBookings(bookings),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv
}

// issueKey mints an API key directly through the manager, the way seed
// tooling does.
func issueKey(t *testing.T, srv *Server, actorID string, role identity.Role) string {
	t.Helper()
	secret, _, err := srv.IdentityManager().Issue(context.Background(), actorID, role, "test key")
	if err != nil {
		t.Fatalf("issue %s key: %v", role, err)
	}
	return secret
}

func doJSON(t *testing.T, srv *Server, method, path, key string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s: decode response %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w, decoded
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w, body := doJSON(t, srv, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health status = %d, want 200", w.Code)
	}
	if body["status"] != "healthy" {
		t.Errorf("health status = %v, want healthy", body["status"])
	}

	w, _ = doJSON(t, srv, "GET", "/health/live", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("GET /health/live status = %d, want 200", w.Code)
	}
}

func TestAuthGates(t *testing.T) {
	srv := newTestServer(t)

	// Mutations require a key.
	w, _ := doJSON(t, srv, "POST", "/v1/disputes", "", map[string]any{
		"bookingId": "bk_1", "category": "service_not_delivered", "title": "No show",
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated dispute filing status = %d, want 401", w.Code)
	}

	// The admin surface rejects non-admin keys.
	travelerKey := issueKey(t, srv, "trav_1", identity.RoleTraveler)
	w, _ = doJSON(t, srv, "GET", "/v1/admin/disputes", travelerKey, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("traveler on admin queue status = %d, want 403", w.Code)
	}

	// Read-only payment views stay open.
	w, _ = doJSON(t, srv, "GET", "/v1/bookings/bk_1/payments", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("public booking payments status = %d, want 200", w.Code)
	}
}

// TestDisputeLifecycleOverHTTP drives the full case through the wire: the
// service records and settles the payment, the traveler files with
// evidence, the agent answers, and an admin reviews and refunds in full.
func TestDisputeLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	serviceKey := issueKey(t, srv, "svc_payments", identity.RoleService)
	travelerKey := issueKey(t, srv, "trav_1", identity.RoleTraveler)
	agentKey := issueKey(t, srv, "agnt_1", identity.RoleAgent)
	adminKey := issueKey(t, srv, "adm_1", identity.RoleAdmin)

	// Record and settle the payment into escrow.
	w, body := doJSON(t, srv, "POST", "/v1/payments", serviceKey, map[string]any{
		"bookingId":        "bk_1",
		"travelerId":       "trav_1",
		"agentId":          "agnt_1",
		"grossAmount":      100000,
		"commissionAmount": 15000,
		"processingFee":    2900,
		"currency":         "USD",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create payment status = %d: %v", w.Code, body)
	}
	payment := body["payment"].(map[string]any)
	paymentID := payment["id"].(string)

	for _, step := range []string{"initiate", "process", "escrow"} {
		w, body = doJSON(t, srv, "POST", fmt.Sprintf("/v1/payments/%s/%s", paymentID, step), serviceKey, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("payment %s status = %d: %v", step, w.Code, body)
		}
	}

	// Traveler files with evidence attached; the initial submission moves
	// the case straight to evidence_submitted.
	w, body = doJSON(t, srv, "POST", "/v1/disputes", travelerKey, map[string]any{
		"bookingId":             "bk_1",
		"category":              "service_not_delivered",
		"title":                 "Guide never arrived",
		"description":           "We waited three hours at the trailhead.",
		"requestedRefundAmount": 100000,
		"evidence": []map[string]any{
			{"type": "text", "content": "Call log: six unanswered calls to the guide."},
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create dispute status = %d: %v", w.Code, body)
	}
	dispute := body["dispute"].(map[string]any)
	disputeID := dispute["id"].(string)
	if dispute["state"] != "evidence_submitted" {
		t.Errorf("dispute state = %v, want evidence_submitted", dispute["state"])
	}

	// Counter-party answers inside the SLA window.
	w, body = doJSON(t, srv, "POST", "/v1/disputes/"+disputeID+"/respond", agentKey, map[string]any{
		"message": "Road closure stopped the transfer; offering to reschedule.",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("agent respond status = %d: %v", w.Code, body)
	}

	// Admin reviews and refunds in full.
	w, body = doJSON(t, srv, "POST", "/v1/admin/disputes/"+disputeID+"/review", adminKey, map[string]any{
		"reason": "agent responded, reviewing evidence",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("start review status = %d: %v", w.Code, body)
	}

	w, body = doJSON(t, srv, "POST", "/v1/admin/disputes/"+disputeID+"/resolve", adminKey, map[string]any{
		"type":      "refund",
		"reasoning": "Service was not delivered; full refund.",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve status = %d: %v", w.Code, body)
	}

	// The ledger settled the whole gross amount.
	w, body = doJSON(t, srv, "GET", "/v1/payments/"+paymentID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get payment status = %d: %v", w.Code, body)
	}
	payment = body["payment"].(map[string]any)
	if payment["state"] != "REFUNDED" {
		t.Errorf("payment state = %v, want REFUNDED", payment["state"])
	}
	if amt := payment["refundedAmount"].(float64); int64(amt) != 100000 {
		t.Errorf("refundedAmount = %v, want 100000", amt)
	}

	// The audit trail reconstructs the case for an admin.
	w, body = doJSON(t, srv, "GET", "/v1/admin/audit?entityType=dispute&entityId="+disputeID, adminKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("audit query status = %d: %v", w.Code, body)
	}
	entries, _ := body["entries"].([]any)
	if len(entries) == 0 {
		t.Error("expected audit entries for the dispute, got none")
	}
}

func TestShutdownStopsCleanly(t *testing.T) {
	srv := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
