package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the Trailpay API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // API key, e.g. "tk_..."
}

// TrailpayClient is a pure HTTP client for the Trailpay settlement API.
type TrailpayClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewTrailpayClient creates a new client for the Trailpay API.
func NewTrailpayClient(cfg Config) *TrailpayClient {
	return &TrailpayClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *TrailpayClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// DisputeQueue lists the arbitration queue, optionally filtered.
func (c *TrailpayClient) DisputeQueue(ctx context.Context, state string, unassigned, escalated bool, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if unassigned {
		q.Set("unassigned", "true")
	}
	if escalated {
		q.Set("escalated", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/disputes", q, nil)
}

// GetCase returns the full arbitration case file for a dispute.
func (c *TrailpayClient) GetCase(ctx context.Context, disputeID string) (json.RawMessage, error) {
	path := "/v1/admin/disputes/" + disputeID
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// GetCaseHistory returns the admin-visible history of a dispute.
func (c *TrailpayClient) GetCaseHistory(ctx context.Context, disputeID string) (json.RawMessage, error) {
	path := "/v1/admin/disputes/" + disputeID + "/history"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// GetPayment returns a payment ledger record.
func (c *TrailpayClient) GetPayment(ctx context.Context, paymentID string) (json.RawMessage, error) {
	path := "/v1/payments/" + paymentID
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// ListRefundRequests returns the refund requests filed against a payment.
func (c *TrailpayClient) ListRefundRequests(ctx context.Context, paymentID string) (json.RawMessage, error) {
	path := "/v1/payments/" + paymentID + "/refund-requests"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// SearchAudit queries the audit trail.
func (c *TrailpayClient) SearchAudit(ctx context.Context, entityType, entityID, actorID, action string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if entityType != "" {
		q.Set("entityType", entityType)
	}
	if entityID != "" {
		q.Set("entityId", entityID)
	}
	if actorID != "" {
		q.Set("actorId", actorID)
	}
	if action != "" {
		q.Set("action", action)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/audit", q, nil)
}

// AssignCase assigns a dispute to an admin. An empty target assigns the
// caller's own key.
func (c *TrailpayClient) AssignCase(ctx context.Context, disputeID, targetAdminID, reason string) (json.RawMessage, error) {
	path := "/v1/admin/disputes/" + disputeID + "/assign"
	body := map[string]string{
		"reason": reason,
	}
	if targetAdminID != "" {
		body["targetAdminId"] = targetAdminID
	}
	return c.doRequest(ctx, http.MethodPost, path, nil, body)
}

// AddNote attaches a note to an arbitration case.
func (c *TrailpayClient) AddNote(ctx context.Context, disputeID, noteBody string, internal bool) (json.RawMessage, error) {
	path := "/v1/admin/disputes/" + disputeID + "/notes"
	body := map[string]any{
		"body":       noteBody,
		"isInternal": internal,
	}
	return c.doRequest(ctx, http.MethodPost, path, nil, body)
}
