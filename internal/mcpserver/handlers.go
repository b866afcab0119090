package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/trailpay/trailpay/internal/money"
	"github.com/trailpay/trailpay/internal/refundpolicy"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client   *TrailpayClient
	schedule refundpolicy.Schedule
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *TrailpayClient) *Handlers {
	return &Handlers{client: client, schedule: refundpolicy.DefaultSchedule}
}

// HandleListDisputeQueue lists the arbitration queue.
func (h *Handlers) HandleListDisputeQueue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state := req.GetString("state", "")
	unassigned := req.GetBool("unassigned", false)
	escalated := req.GetBool("escalated", false)
	limit := req.GetInt("limit", 20)

	raw, err := h.client.DisputeQueue(ctx, state, unassigned, escalated, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list dispute queue: %v", err)), nil
	}

	text, err := formatQueue(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse queue: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetCase returns the full case file for a dispute.
func (h *Handlers) HandleGetCase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	disputeID := req.GetString("dispute_id", "")
	if disputeID == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}

	raw, err := h.client.GetCase(ctx, disputeID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get case: %v", err)), nil
	}

	text, err := formatCase(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse case: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetCaseHistory returns the dispute's transition history and notes.
func (h *Handlers) HandleGetCaseHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	disputeID := req.GetString("dispute_id", "")
	if disputeID == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}

	raw, err := h.client.GetCaseHistory(ctx, disputeID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get case history: %v", err)), nil
	}

	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleGetPayment looks up a payment ledger record.
func (h *Handlers) HandleGetPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	paymentID := req.GetString("payment_id", "")
	if paymentID == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}

	raw, err := h.client.GetPayment(ctx, paymentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get payment: %v", err)), nil
	}

	text, err := formatPayment(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse payment: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListRefundRequests lists refund requests against a payment.
func (h *Handlers) HandleListRefundRequests(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	paymentID := req.GetString("payment_id", "")
	if paymentID == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}

	raw, err := h.client.ListRefundRequests(ctx, paymentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list refund requests: %v", err)), nil
	}

	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleCheckRefundEligibility classifies a refund reason locally. This is
// the one tool that never touches the API: the policy table is pure.
func (h *Handlers) HandleCheckRefundEligibility(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reason := refundpolicy.Reason(req.GetString("reason", ""))
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}
	if !reason.Valid() {
		known := make([]string, 0, len(refundpolicy.Reasons()))
		for _, r := range refundpolicy.Reasons() {
			known = append(known, string(r))
		}
		return mcp.NewToolResultError(fmt.Sprintf(
			"Unknown reason %q. Known reasons: %s", reason, strings.Join(known, ", "))), nil
	}

	cls := refundpolicy.Classify(reason)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Reason: %s\n", reason)
	switch {
	case cls.IsSubjective:
		sb.WriteString("Verdict: subjective complaint — not refundable on its own.\n")
		sb.WriteString("A refund requires an admin_override resolution with a documented admin reason.\n")
	case cls.RequiresAdminApproval:
		sb.WriteString("Verdict: refundable, but only after admin approval.\n")
	default:
		sb.WriteString("Verdict: refundable.\n")
	}

	if reason == refundpolicy.ReasonTravelerCancelledAfter {
		if days, ok := req.GetArguments()["days_before_trip"]; ok && days != nil {
			daysBefore := req.GetInt("days_before_trip", 0)
			pct := h.schedule.PartialRefundPercent(daysBefore)
			fmt.Fprintf(&sb, "\nCancellation schedule: %d day(s) before trip start earns %d%%.\n", daysBefore, pct)
			if gross := req.GetInt("gross_amount", 0); gross > 0 {
				amount := h.schedule.PartialRefundAmount(int64(gross), daysBefore)
				fmt.Fprintf(&sb, "Partial refund on a gross of %d: %d minor units.\n", gross, amount)
			}
		} else {
			sb.WriteString("\nThis reason refunds partially per the cancellation schedule. Pass days_before_trip to compute the percentage.\n")
		}
	}

	return mcp.NewToolResultText(sb.String()), nil
}

// HandleSearchAudit queries the audit trail.
func (h *Handlers) HandleSearchAudit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entityType := req.GetString("entity_type", "")
	entityID := req.GetString("entity_id", "")
	actorID := req.GetString("actor_id", "")
	action := req.GetString("action", "")
	limit := req.GetInt("limit", 50)

	raw, err := h.client.SearchAudit(ctx, entityType, entityID, actorID, action, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to search audit trail: %v", err)), nil
	}

	text, err := formatAudit(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse audit entries: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleAssignCase assigns a dispute to an admin for review.
func (h *Handlers) HandleAssignCase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	disputeID := req.GetString("dispute_id", "")
	if disputeID == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}
	target := req.GetString("target_admin_id", "")

	raw, err := h.client.AssignCase(ctx, disputeID, target, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Assignment failed: %v", err)), nil
	}

	var resp struct {
		Dispute struct {
			AssignedAdminID string `json:"assignedAdminId"`
			State           string `json:"state"`
		} `json:"dispute"`
	}
	if err := json.Unmarshal(raw, &resp); err == nil && resp.Dispute.AssignedAdminID != "" {
		return mcp.NewToolResultText(fmt.Sprintf(
			"Dispute %s assigned to %s (state: %s).", disputeID, resp.Dispute.AssignedAdminID, resp.Dispute.State)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Dispute %s assigned.\n\n%s", disputeID, formatJSON(raw))), nil
}

// HandleAddCaseNote attaches a note to a case.
func (h *Handlers) HandleAddCaseNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	disputeID := req.GetString("dispute_id", "")
	if disputeID == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}
	body := req.GetString("body", "")
	if body == "" {
		return mcp.NewToolResultError("body is required"), nil
	}
	internal := req.GetBool("internal", true)

	raw, err := h.client.AddNote(ctx, disputeID, body, internal)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to add note: %v", err)), nil
	}

	visibility := "internal"
	if !internal {
		visibility = "visible to parties"
	}
	var note struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &note); err == nil && note.ID != "" {
		return mcp.NewToolResultText(fmt.Sprintf("Note %s added to dispute %s (%s).", note.ID, disputeID, visibility)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Note added to dispute %s (%s).", disputeID, visibility)), nil
}

// --- Formatting helpers ---

type queueItem struct {
	Dispute struct {
		ID                    string    `json:"id"`
		BookingID             string    `json:"bookingId"`
		Category              string    `json:"category"`
		Title                 string    `json:"title"`
		State                 string    `json:"state"`
		RequestedRefundAmount int64     `json:"requestedRefundAmount"`
		Currency              string    `json:"currency"`
		AssignedAdminID       string    `json:"assignedAdminId"`
		CaseDeadline          time.Time `json:"caseDeadline"`
	} `json:"dispute"`
	Priority struct {
		Score int    `json:"score"`
		Band  string `json:"band"`
	} `json:"priority"`
}

func formatQueue(raw json.RawMessage) (string, error) {
	var page struct {
		Items      []queueItem `json:"items"`
		NextCursor string      `json:"nextCursor"`
		HasMore    bool        `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return "", err
	}
	if len(page.Items) == 0 {
		return "The dispute queue is empty for these filters.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d dispute(s) in the queue:\n\n", len(page.Items))
	for i, it := range page.Items {
		d := it.Dispute
		fmt.Fprintf(&sb, "%d. %s — %s\n", i+1, d.ID, d.Title)
		fmt.Fprintf(&sb, "   State: %s | Category: %s | Requested: %s %s\n",
			d.State, d.Category, money.Format(d.RequestedRefundAmount, d.Currency), d.Currency)
		if it.Priority.Band != "" {
			fmt.Fprintf(&sb, "   Priority: %s (score %d)\n", it.Priority.Band, it.Priority.Score)
		}
		if d.AssignedAdminID != "" {
			fmt.Fprintf(&sb, "   Assigned: %s\n", d.AssignedAdminID)
		} else {
			sb.WriteString("   Assigned: nobody yet\n")
		}
		if !d.CaseDeadline.IsZero() {
			fmt.Fprintf(&sb, "   Case deadline: %s\n", d.CaseDeadline.Format(time.RFC3339))
		}
		if i < len(page.Items)-1 {
			sb.WriteString("\n")
		}
	}
	if page.HasMore {
		fmt.Fprintf(&sb, "\nMore results available (cursor: %s).", page.NextCursor)
	}
	return sb.String(), nil
}

func formatCase(raw json.RawMessage) (string, error) {
	var view struct {
		Dispute struct {
			ID                    string    `json:"id"`
			BookingID             string    `json:"bookingId"`
			PaymentID             string    `json:"paymentId"`
			TravelerID            string    `json:"travelerId"`
			AgentID               string    `json:"agentId"`
			Category              string    `json:"category"`
			Title                 string    `json:"title"`
			Description           string    `json:"description"`
			State                 string    `json:"state"`
			RequestedRefundAmount int64     `json:"requestedRefundAmount"`
			Currency              string    `json:"currency"`
			IsSubjectiveComplaint bool      `json:"isSubjectiveComplaint"`
			AssignedAdminID       string    `json:"assignedAdminId"`
			AgentResponseDeadline time.Time `json:"agentResponseDeadline"`
			CaseDeadline          time.Time `json:"caseDeadline"`
		} `json:"dispute"`
		Payment struct {
			ID             string `json:"id"`
			State          string `json:"state"`
			GrossAmount    int64  `json:"grossAmount"`
			RefundedAmount int64  `json:"refundedAmount"`
			Currency       string `json:"currency"`
		} `json:"payment"`
		Classification struct {
			Refundable            bool `json:"refundable"`
			RequiresAdminApproval bool `json:"requiresAdminApproval"`
			IsSubjective          bool `json:"isSubjective"`
		} `json:"classification"`
		Priority *struct {
			Score int    `json:"score"`
			Band  string `json:"band"`
		} `json:"priority"`
		Evidence []struct {
			ID       string `json:"id"`
			Type     string `json:"type"`
			Source   string `json:"source"`
			Verified bool   `json:"verified"`
		} `json:"evidence"`
		Resolution *struct {
			Type         string `json:"type"`
			RefundAmount int64  `json:"refundAmount"`
			Reasoning    string `json:"reasoning"`
			ResolvedBy   string `json:"resolvedBy"`
		} `json:"resolution"`
		Notes []struct {
			AuthorID   string `json:"authorId"`
			Body       string `json:"body"`
			IsInternal bool   `json:"isInternal"`
		} `json:"notes"`
	}
	if err := json.Unmarshal(raw, &view); err != nil {
		return "", err
	}

	d := view.Dispute
	var sb strings.Builder
	fmt.Fprintf(&sb, "Case %s: %s\n", d.ID, d.Title)
	fmt.Fprintf(&sb, "State: %s | Category: %s\n", d.State, d.Category)
	fmt.Fprintf(&sb, "Booking: %s | Traveler: %s | Agent: %s\n", d.BookingID, d.TravelerID, d.AgentID)
	fmt.Fprintf(&sb, "Requested refund: %s %s\n", money.Format(d.RequestedRefundAmount, d.Currency), d.Currency)
	if d.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", d.Description)
	}

	sb.WriteString("\nPolicy classification:\n")
	switch {
	case view.Classification.IsSubjective:
		sb.WriteString("  Subjective complaint. A refund needs an admin_override resolution with an admin reason.\n")
	case view.Classification.RequiresAdminApproval:
		sb.WriteString("  Refundable behind admin approval.\n")
	case view.Classification.Refundable:
		sb.WriteString("  Refundable.\n")
	default:
		sb.WriteString("  Not refundable.\n")
	}

	fmt.Fprintf(&sb, "\nPayment %s: state %s, gross %s %s, refunded so far %s\n",
		view.Payment.ID, view.Payment.State,
		money.Format(view.Payment.GrossAmount, view.Payment.Currency), view.Payment.Currency,
		money.Format(view.Payment.RefundedAmount, view.Payment.Currency))

	if view.Priority != nil {
		fmt.Fprintf(&sb, "Priority: %s (score %d)\n", view.Priority.Band, view.Priority.Score)
	}
	if d.AssignedAdminID != "" {
		fmt.Fprintf(&sb, "Assigned admin: %s\n", d.AssignedAdminID)
	}
	if !d.CaseDeadline.IsZero() {
		fmt.Fprintf(&sb, "Case deadline: %s\n", d.CaseDeadline.Format(time.RFC3339))
	}

	fmt.Fprintf(&sb, "\nEvidence (%d item(s)):\n", len(view.Evidence))
	for _, e := range view.Evidence {
		status := "unverified"
		if e.Verified {
			status = "verified"
		}
		fmt.Fprintf(&sb, "  %s: %s from %s (%s)\n", e.ID, e.Type, e.Source, status)
	}

	if len(view.Notes) > 0 {
		fmt.Fprintf(&sb, "\nNotes (%d):\n", len(view.Notes))
		for _, n := range view.Notes {
			vis := ""
			if n.IsInternal {
				vis = " [internal]"
			}
			fmt.Fprintf(&sb, "  %s%s: %s\n", n.AuthorID, vis, n.Body)
		}
	}

	if view.Resolution != nil {
		fmt.Fprintf(&sb, "\nResolved: %s by %s", view.Resolution.Type, view.Resolution.ResolvedBy)
		if view.Resolution.RefundAmount > 0 {
			fmt.Fprintf(&sb, " (refund %s %s)",
				money.Format(view.Resolution.RefundAmount, view.Payment.Currency), view.Payment.Currency)
		}
		fmt.Fprintf(&sb, "\nReasoning: %s\n", view.Resolution.Reasoning)
	}

	return sb.String(), nil
}

func formatPayment(raw json.RawMessage) (string, error) {
	var p struct {
		ID                 string     `json:"id"`
		BookingID          string     `json:"bookingId"`
		TravelerID         string     `json:"travelerId"`
		AgentID            string     `json:"agentId"`
		State              string     `json:"state"`
		GrossAmount        int64      `json:"grossAmount"`
		CommissionAmount   int64      `json:"commissionAmount"`
		ProcessingFee      int64      `json:"processingFee"`
		NetAmount          int64      `json:"netAmount"`
		RefundedAmount     int64      `json:"refundedAmount"`
		Currency           string     `json:"currency"`
		ContestedBy        string     `json:"contestedBy"`
		ScheduledReleaseAt *time.Time `json:"scheduledReleaseAt"`
		ReleasedAt         *time.Time `json:"releasedAt"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Payment %s (booking %s)\n", p.ID, p.BookingID)
	fmt.Fprintf(&sb, "State: %s\n", p.State)
	fmt.Fprintf(&sb, "Traveler: %s | Agent: %s\n", p.TravelerID, p.AgentID)
	fmt.Fprintf(&sb, "Gross: %s %s | Commission: %s | Fee: %s | Net to agent: %s\n",
		money.Format(p.GrossAmount, p.Currency), p.Currency,
		money.Format(p.CommissionAmount, p.Currency),
		money.Format(p.ProcessingFee, p.Currency),
		money.Format(p.NetAmount, p.Currency))
	if p.RefundedAmount > 0 {
		fmt.Fprintf(&sb, "Refunded: %s %s\n", money.Format(p.RefundedAmount, p.Currency), p.Currency)
	}
	if p.ContestedBy != "" {
		fmt.Fprintf(&sb, "Contested by dispute: %s\n", p.ContestedBy)
	}
	if p.ScheduledReleaseAt != nil {
		fmt.Fprintf(&sb, "Scheduled release: %s\n", p.ScheduledReleaseAt.Format(time.RFC3339))
	}
	if p.ReleasedAt != nil {
		fmt.Fprintf(&sb, "Released: %s\n", p.ReleasedAt.Format(time.RFC3339))
	}
	return sb.String(), nil
}

func formatAudit(raw json.RawMessage) (string, error) {
	var resp struct {
		Entries []struct {
			ActorID   string    `json:"actorId"`
			Action    string    `json:"action"`
			EntityID  string    `json:"entityId"`
			Outcome   string    `json:"outcome"`
			FromState string    `json:"fromState"`
			ToState   string    `json:"toState"`
			Reason    string    `json:"reason"`
			CreatedAt time.Time `json:"createdAt"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Entries) == 0 {
		return "No audit entries match these filters.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d audit entr(ies):\n\n", len(resp.Entries))
	for _, e := range resp.Entries {
		fmt.Fprintf(&sb, "%s  %s  %s on %s (%s)",
			e.CreatedAt.Format(time.RFC3339), e.ActorID, e.Action, e.EntityID, e.Outcome)
		if e.FromState != "" || e.ToState != "" {
			fmt.Fprintf(&sb, " %s -> %s", e.FromState, e.ToState)
		}
		if e.Reason != "" {
			fmt.Fprintf(&sb, " | %s", e.Reason)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var buf strings.Builder
	var out json.RawMessage = raw
	var pretty map[string]any
	if err := json.Unmarshal(raw, &pretty); err == nil {
		if data, err := json.MarshalIndent(pretty, "", "  "); err == nil {
			out = data
		}
	} else {
		var arr []any
		if err := json.Unmarshal(raw, &arr); err == nil {
			if data, err := json.MarshalIndent(arr, "", "  "); err == nil {
				out = data
			}
		}
	}
	buf.Write(out)
	return buf.String()
}
