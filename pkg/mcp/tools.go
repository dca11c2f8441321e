package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/floworc/floworc/internal/definition"
	"github.com/floworc/floworc/internal/store"
	"github.com/floworc/floworc/pkg/schema"
)

// handleRun parses a workflow document, executes it, and reports the
// final (or suspended) run.
func (s *FlowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "workflow", nil)
	if raw == nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)

	doc, err := parseDocument(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", err)), nil
	}

	run, err := s.engine.Run(ctx, doc, input)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", err)), nil
	}
	return marshalResult(runSummary(run))
}

// handleStatus returns the current state of a run.
func (s *FlowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, err := s.engine.Store().GetRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	return marshalResult(runSummary(run))
}

// handleResume continues a suspended or interrupted run.
func (s *FlowServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, err := s.engine.Resume(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", err)), nil
	}
	return marshalResult(runSummary(run))
}

// handleApprove records an approval decision. When the decision settles
// the gate, the run continues before the result is returned.
func (s *FlowServer) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	approver, err := req.RequireString("approver")
	if err != nil {
		return mcp.NewToolResultError("approver is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}
	if decision != "approve" && decision != "reject" {
		return mcp.NewToolResultError("decision must be approve or reject"), nil
	}

	run, err := s.engine.Approve(ctx, runID, nodeID, approver, decision == "approve")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("approval failed: %v", err)), nil
	}
	return marshalResult(runSummary(run))
}

// handleInput feeds external data to a waiting run and resumes it.
func (s *FlowServer) handleInput(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	data := mcp.ParseStringMap(req, "data", nil)
	if data == nil {
		return mcp.NewToolResultError("data is required"), nil
	}

	run, err := s.engine.ProvideInput(ctx, runID, nodeID, data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("input failed: %v", err)), nil
	}
	return marshalResult(runSummary(run))
}

// handleCancel cancels a run.
func (s *FlowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if err := s.engine.Cancel(ctx, runID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"run_id": runID, "status": schema.RunStatusCancelled})
}

// handleLogs returns a run's history events.
func (s *FlowServer) handleLogs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	since := req.GetInt("since", 0)

	events, err := s.engine.Store().GetEvents(ctx, runID, int64(since))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("log query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"run_id": runID, "events": events})
}

// handleSchedule manages cron schedules.
func (s *FlowServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduling is not enabled on this server"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "create":
		raw := mcp.ParseStringMap(req, "workflow", nil)
		if raw == nil {
			return mcp.NewToolResultError("workflow is required for create"), nil
		}
		expr := req.GetString("cron", "")
		if expr == "" {
			return mcp.NewToolResultError("cron is required for create"), nil
		}
		doc, parseErr := parseDocument(raw)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", parseErr)), nil
		}
		sched, addErr := s.scheduler.Add(ctx, doc, expr, mcp.ParseStringMap(req, "input", nil))
		if addErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("create failed: %v", addErr)), nil
		}
		return marshalResult(sched)

	case "list":
		schedules, listErr := s.scheduler.List(ctx, false)
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", listErr)), nil
		}
		return marshalResult(map[string]any{"schedules": schedules})

	case "remove", "enable", "disable":
		id := req.GetString("schedule_id", "")
		if id == "" {
			return mcp.NewToolResultError("schedule_id is required"), nil
		}
		var opErr error
		switch action {
		case "remove":
			opErr = s.scheduler.Remove(ctx, id)
		case "enable":
			opErr = s.scheduler.SetEnabled(ctx, id, true)
		case "disable":
			opErr = s.scheduler.SetEnabled(ctx, id, false)
		}
		if opErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", action, opErr)), nil
		}
		return marshalResult(map[string]any{"schedule_id": id, "action": action})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// --- Internal helpers ---

// parseDocument converts a tool-call argument map into a validated
// workflow document.
func parseDocument(raw map[string]any) (*schema.Document, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return definition.Parse(data)
}

// runSummary flattens a run into the shape tool callers see.
func runSummary(run *store.Run) map[string]any {
	out := map[string]any{
		"run_id":     run.ID,
		"workflow":   run.WorkflowName,
		"status":     run.Status,
		"state":      run.State,
		"step_count": run.StepCount,
	}
	if run.Cursor != "" {
		out["cursor"] = run.Cursor
	}
	if len(run.Error) > 0 {
		out["error"] = json.RawMessage(run.Error)
	}
	return out
}

// marshalResult converts a value to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
