package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Trailpay support-desk MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListDisputeQueue = mcp.NewTool("list_dispute_queue",
	mcp.WithDescription(
		"List the arbitration queue of open disputes, ordered by priority. "+
			"Returns dispute summaries with state, requested refund amount, deadlines, "+
			"and the priority assessment. Use filters to narrow the queue."),
	mcp.WithString("state",
		mcp.Description("Filter by dispute state (e.g. 'under_review', 'escalated', 'evidence_submitted')")),
	mcp.WithBoolean("unassigned",
		mcp.Description("Only show disputes not yet assigned to an admin")),
	mcp.WithBoolean("escalated",
		mcp.Description("Only show escalated disputes")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of disputes to return (default 20)")),
)

var ToolGetCase = mcp.NewTool("get_case",
	mcp.WithDescription(
		"Fetch the full case file for a dispute: the dispute record, the payment it "+
			"contests, the refund-policy classification of its category, priority, all "+
			"submitted evidence, arbitration notes, and the resolution if one exists. "+
			"This is the starting point for reviewing any case."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute ID (e.g. 'dsp_...')")),
)

var ToolGetCaseHistory = mcp.NewTool("get_case_history",
	mcp.WithDescription(
		"Get the chronological history of a dispute: every state transition with actor "+
			"and reason, plus arbitration notes including internal ones."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute ID (e.g. 'dsp_...')")),
)

var ToolGetPayment = mcp.NewTool("get_payment",
	mcp.WithDescription(
		"Look up a payment in the escrow ledger. Shows its state, amount breakdown "+
			"(gross, commission, processing fee, net), refunded amount, escrow timestamps, "+
			"and whether a dispute is contesting it."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("The payment ID (e.g. 'pay_...')")),
)

var ToolListRefundRequests = mcp.NewTool("list_refund_requests",
	mcp.WithDescription(
		"List the refund requests filed against a payment, including who requested each, "+
			"the reason, whether admin approval is required, and approval/denial outcomes."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("The payment ID (e.g. 'pay_...')")),
)

var ToolCheckRefundEligibility = mcp.NewTool("check_refund_eligibility",
	mcp.WithDescription(
		"Classify a refund reason against the refund policy. Tells you whether the reason "+
			"is refundable, whether it needs admin approval, and whether it is a subjective "+
			"complaint that can only be refunded via admin override. For cancellations after "+
			"confirmation, also computes the partial-refund percentage from the cancellation "+
			"schedule when days_before_trip is given."),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("The refund reason / dispute category (e.g. 'agent_no_show', 'weather')")),
	mcp.WithNumber("days_before_trip",
		mcp.Description("Days between the cancellation and trip start. Only used for 'traveler_cancellation_after_confirmation'.")),
	mcp.WithNumber("gross_amount",
		mcp.Description("Payment gross amount in minor units, to compute the partial-refund amount")),
)

var ToolSearchAudit = mcp.NewTool("search_audit",
	mcp.WithDescription(
		"Search the audit trail. Every state transition, resolution, and denied attempt is "+
			"recorded with actor, outcome, and before/after states. Filter by entity, actor, "+
			"or action to reconstruct what happened to a payment or dispute."),
	mcp.WithString("entity_type",
		mcp.Description("Filter by entity type"),
		mcp.Enum("payment", "dispute", "refund_request", "resolution", "evidence", "api_key")),
	mcp.WithString("entity_id",
		mcp.Description("Filter by entity ID (e.g. 'dsp_...', 'pay_...')")),
	mcp.WithString("actor_id",
		mcp.Description("Filter by the actor who performed the action")),
	mcp.WithString("action",
		mcp.Description("Filter by action name (e.g. 'dispute.resolve', 'payment.release')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries to return (default 50)")),
)

var ToolAssignCase = mcp.NewTool("assign_case",
	mcp.WithDescription(
		"Assign a dispute to an admin for review. Omit target_admin_id to take the case "+
			"yourself. Reassignment of an already-assigned case requires a reason."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute ID (e.g. 'dsp_...')")),
	mcp.WithString("target_admin_id",
		mcp.Description("Admin to assign. Defaults to the calling key's actor.")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the case is being assigned or reassigned")),
)

var ToolAddCaseNote = mcp.NewTool("add_case_note",
	mcp.WithDescription(
		"Attach a note to an arbitration case. Internal notes are visible to admins only; "+
			"non-internal notes appear in the parties' dispute history."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute ID (e.g. 'dsp_...')")),
	mcp.WithString("body",
		mcp.Required(),
		mcp.Description("The note text")),
	mcp.WithBoolean("internal",
		mcp.Description("Keep the note admin-only (default true)")),
)
