package receipts

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc := newTestService()
	handler := NewHandler(svc)

	r := gin.New()
	v1 := r.Group("/v1")
	// Test stand-in for the identity middleware.
	v1.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Actor-Id"); id != "" {
			c.Set("authActorId", id)
		}
		c.Next()
	})
	handler.RegisterRoutes(v1)
	return r, svc
}

func doRequest(router *gin.Engine, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

var travelerHeaders = map[string]string{"X-Actor-Id": "trav_rcpt1"}

func TestHandler_GetReceipt(t *testing.T) {
	router, svc := setupTestRouter(t)
	r := mustIssue(t, svc, testIssueRequest())

	w := doRequest(router, "GET", "/v1/receipts/"+r.ID, travelerHeaders)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Receipt Receipt `json:"receipt"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if resp.Receipt.ID != r.ID {
		t.Errorf("Expected %s, got %s", r.ID, resp.Receipt.ID)
	}
	if resp.Receipt.Signature == "" {
		t.Error("Expected the wire receipt to carry its signature")
	}

	w2 := doRequest(router, "GET", "/v1/receipts/rcp_ghost", travelerHeaders)
	if w2.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for an unknown receipt, got %d", w2.Code)
	}
	var errResp map[string]string
	json.Unmarshal(w2.Body.Bytes(), &errResp)
	if errResp["error"] != "not_found" {
		t.Errorf("Expected not_found code, got %q", errResp["error"])
	}
}

func TestHandler_VerifyReceipt(t *testing.T) {
	router, svc := setupTestRouter(t)
	r := mustIssue(t, svc, testIssueRequest())

	w := doRequest(router, "POST", "/v1/receipts/"+r.ID+"/verify", travelerHeaders)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Verification VerifyResult `json:"verification"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !resp.Verification.Valid {
		t.Errorf("Expected a valid verification, got %s", resp.Verification.Error)
	}

	// Unknown ids answer the question rather than 404ing.
	w2 := doRequest(router, "POST", "/v1/receipts/rcp_ghost/verify", travelerHeaders)
	if w2.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w2.Code)
	}
	var ghost struct {
		Verification VerifyResult `json:"verification"`
	}
	json.Unmarshal(w2.Body.Bytes(), &ghost)
	if ghost.Verification.Valid {
		t.Error("Expected an unknown receipt to verify invalid")
	}
}

func TestHandler_ListOwnReceipts(t *testing.T) {
	router, svc := setupTestRouter(t)
	mustIssue(t, svc, testIssueRequest())

	refund := testIssueRequest()
	refund.Path = PathRefund
	refund.Payer = "agt_rcpt1"
	refund.Payee = "trav_rcpt1"
	mustIssue(t, svc, refund)

	w := doRequest(router, "GET", "/v1/receipts", travelerHeaders)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Receipts []Receipt `json:"receipts"`
		Count    int       `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if resp.Count != 2 || len(resp.Receipts) != 2 {
		t.Errorf("Expected both receipts for the traveler, got count=%d", resp.Count)
	}

	w2 := doRequest(router, "GET", "/v1/receipts?limit=1", travelerHeaders)
	var limited struct {
		Count int `json:"count"`
	}
	json.Unmarshal(w2.Body.Bytes(), &limited)
	if limited.Count != 1 {
		t.Errorf("Expected the limit parameter to apply, got %d", limited.Count)
	}

	w3 := doRequest(router, "GET", "/v1/receipts", nil)
	if w3.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without an actor, got %d", w3.Code)
	}
}

func TestHandler_ListPaymentReceipts(t *testing.T) {
	router, svc := setupTestRouter(t)

	first := testIssueRequest()
	first.Path = PathPartialRefund
	mustIssue(t, svc, first)

	second := testIssueRequest()
	second.Path = PathPartialRefund
	second.Amount = 20000
	mustIssue(t, svc, second)

	other := testIssueRequest()
	other.Reference = "pay_rcpt_other"
	mustIssue(t, svc, other)

	w := doRequest(router, "GET", "/v1/payments/pay_rcpt1/receipts", travelerHeaders)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Receipts []Receipt `json:"receipts"`
		Count    int       `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("Expected 2 receipts on the payment, got %d", resp.Count)
	}
	for _, r := range resp.Receipts {
		if r.Reference != "pay_rcpt1" {
			t.Errorf("Expected receipts for pay_rcpt1 only, got %s", r.Reference)
		}
	}
}
