package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Trailpay
// support-desk tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("trailpay", "1.0.0")
	client := NewTrailpayClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolListDisputeQueue, h.HandleListDisputeQueue)
	s.AddTool(ToolGetCase, h.HandleGetCase)
	s.AddTool(ToolGetCaseHistory, h.HandleGetCaseHistory)
	s.AddTool(ToolGetPayment, h.HandleGetPayment)
	s.AddTool(ToolListRefundRequests, h.HandleListRefundRequests)
	s.AddTool(ToolCheckRefundEligibility, h.HandleCheckRefundEligibility)
	s.AddTool(ToolSearchAudit, h.HandleSearchAudit)
	s.AddTool(ToolAssignCase, h.HandleAssignCase)
	s.AddTool(ToolAddCaseNote, h.HandleAddCaseNote)

	return s
}
