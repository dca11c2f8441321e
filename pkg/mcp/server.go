package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/floworc/floworc/internal/engine"
	"github.com/floworc/floworc/internal/scheduler"
)

// FlowServerDeps holds the dependencies for creating a FlowServer.
type FlowServerDeps struct {
	Engine    *engine.Engine
	Scheduler *scheduler.Scheduler
	Logger    *slog.Logger
}

// FlowServer wraps an MCP server with workflow tool handlers so LLM
// agents can launch runs, answer approval gates, and inspect history.
type FlowServer struct {
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewFlowServer creates a FlowServer with all tools registered.
func NewFlowServer(deps FlowServerDeps) *FlowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlowServer{
		engine:    deps.Engine,
		scheduler: deps.Scheduler,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"floworc",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Floworc executes graph-based agent workflows. Use flow.run to start a workflow, flow.status to check a run, flow.approve to answer approval gates, flow.input to feed data to a waiting run, flow.resume to continue a suspended or crashed run, flow.cancel to stop one, flow.logs to read the history log, and flow.schedule to manage cron schedules."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *FlowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Notifier returns an approval notifier that pushes pending approvals
// to every connected client.
func (s *FlowServer) Notifier() *Notifier {
	return &Notifier{mcpServer: s.mcpServer}
}

func (s *FlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: inputTool(), Handler: s.handleInput},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: logsTool(), Handler: s.handleLogs},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("flow.run",
		mcp.WithDescription("Execute a workflow definition and wait for it to finish or suspend"),
		mcp.WithObject("workflow", mcp.Required(), mcp.Description("Full workflow document (apiVersion, kind, metadata, spec)")),
		mcp.WithObject("input", mcp.Description("Trigger input merged into the initial run state")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flow.status",
		mcp.WithDescription("Get the current status, state, and cursor of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("flow.resume",
		mcp.WithDescription("Resume a suspended or interrupted run from its persisted position"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to resume")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("flow.approve",
		mcp.WithDescription("Record an approval decision for a run waiting at an approval gate"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the suspended run")),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the approval node")),
		mcp.WithString("approver", mcp.Required(), mcp.Description("Identity of the approver")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum("approve", "reject"),
			mcp.Description("The decision to record"),
		),
	)
}

func inputTool() mcp.Tool {
	return mcp.NewTool("flow.input",
		mcp.WithDescription("Provide external data to a run waiting for input and resume it"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the waiting run")),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the waiting node")),
		mcp.WithObject("data", mcp.Required(), mcp.Description("Data merged into the run state through its reducers")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("flow.cancel",
		mcp.WithDescription("Cancel a pending, running, or waiting run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func logsTool() mcp.Tool {
	return mcp.NewTool("flow.logs",
		mcp.WithDescription("Read a run's append-only history log"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithNumber("since", mcp.Description("Only return events with a sequence greater than this")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("flow.schedule",
		mcp.WithDescription("Manage cron schedules that trigger workflow runs"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("create", "list", "remove", "enable", "disable"),
			mcp.Description("Schedule operation to perform"),
		),
		mcp.WithObject("workflow", mcp.Description("Workflow document (required for create)")),
		mcp.WithString("cron", mcp.Description("Cron expression, five fields or @every syntax (required for create)")),
		mcp.WithObject("input", mcp.Description("Trigger input for scheduled runs")),
		mcp.WithString("schedule_id", mcp.Description("Schedule ID (required for remove/enable/disable)")),
	)
}
