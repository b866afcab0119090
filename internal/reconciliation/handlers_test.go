package reconciliation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/trailpay/trailpay/internal/dispute"
	"github.com/trailpay/trailpay/internal/ledger"
)

func setupTestRouter(runner *Runner) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	admin := router.Group("/v1/admin")
	NewHandler(runner).RegisterAdminRoutes(admin)
	return router
}

func TestHandler_RunReport(t *testing.T) {
	runner, payments, disputes := newTestRunner()
	router := setupTestRouter(runner)

	seedPayment(t, payments, "pay_http_orphan", func(p *ledger.Payment) {
		p.ContestedBy = "dsp_http_closed"
	})
	seedDispute(t, disputes, "dsp_http_closed", "pay_http_orphan", dispute.StateClosedExpired)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Report Report `json:"report"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Report.Healthy {
		t.Error("Expected unhealthy report")
	}
	if resp.Report.OrphanedHolds.Count != 1 {
		t.Errorf("Expected 1 orphaned hold, got %+v", resp.Report.OrphanedHolds)
	}
	if resp.Report.Timestamp.IsZero() {
		t.Error("Expected report timestamp to be set")
	}
}

func TestHandler_HealthyReport(t *testing.T) {
	runner, payments, _ := newTestRunner()
	router := setupTestRouter(runner)

	seedPayment(t, payments, "pay_http_fine", nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Report Report `json:"report"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Report.Healthy {
		t.Errorf("Expected healthy report, got %+v", resp.Report)
	}
}

func TestHandler_NotConfigured(t *testing.T) {
	router := setupTestRouter(nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp["error"] != "unavailable" {
		t.Errorf("Expected unavailable error code, got %q", resp["error"])
	}
}
