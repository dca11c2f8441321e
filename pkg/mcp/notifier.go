package mcp

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/floworc/floworc/internal/capability"
)

// Notifier pushes pending approval requests to connected MCP clients.
// Delivery is best-effort; a run waiting on an approval can always be
// found through flow.status regardless.
type Notifier struct {
	mcpServer *server.MCPServer
}

// Notify broadcasts the approval request to every connected client.
func (n *Notifier) Notify(_ context.Context, req capability.ApprovalRequest) error {
	payload := map[string]any{
		"kind":               "approval_requested",
		"run_id":             req.RunID,
		"node_id":            req.NodeID,
		"required_approvals": req.RequiredApprovals,
	}
	if req.Message != "" {
		payload["message"] = req.Message
	}
	if len(req.Approvers) > 0 {
		payload["approvers"] = req.Approvers
	}
	if !req.Deadline.IsZero() {
		payload["deadline_at"] = req.Deadline.Format(time.RFC3339)
	}

	n.mcpServer.SendNotificationToAllClients("notifications/message", payload)
	return nil
}
