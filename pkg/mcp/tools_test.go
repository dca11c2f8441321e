package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floworc/floworc/internal/capability"
	"github.com/floworc/floworc/internal/engine"
	"github.com/floworc/floworc/internal/scheduler"
	"github.com/floworc/floworc/internal/store"
)

// --- Fixture ---

type echoAgent struct{ name string }

func (a *echoAgent) Name() string { return a.name }

func (a *echoAgent) Execute(_ context.Context, input map[string]any) (map[string]any, error) {
	return map[string]any{"echo": input}, nil
}

func newTestServer(t *testing.T) *FlowServer {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "mcp.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))

	caps := capability.NewRegistry()
	require.NoError(t, caps.RegisterAgent(&echoAgent{name: "echo"}))

	eng, err := engine.New(engine.Options{Store: st, Capabilities: caps})
	require.NoError(t, err)

	srv := NewFlowServer(FlowServerDeps{
		Engine:    eng,
		Scheduler: scheduler.New(st, eng, nil),
	})
	t.Cleanup(func() {
		eng.Close()
		_ = st.Close()
	})
	return srv
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractJSON(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text := mcp.GetTextFromContent(result.Content[0])
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	return out
}

func echoWorkflow(name string) map[string]any {
	return map[string]any{
		"apiVersion": "flow/v1",
		"kind":       "Workflow",
		"metadata":   map[string]any{"name": name},
		"spec": map[string]any{
			"entrypoint": "greet",
			"steps": []any{
				map[string]any{
					"id":   "greet",
					"type": "agent",
					"config": map[string]any{
						"agent": "echo",
						"input": map[string]any{"text": "${state.text}"},
					},
					"next": []any{map[string]any{"to": "done"}},
				},
				map[string]any{"id": "done", "type": "terminal"},
			},
		},
	}
}

func approvalWorkflow(name string) map[string]any {
	return map[string]any{
		"apiVersion": "flow/v1",
		"kind":       "Workflow",
		"metadata":   map[string]any{"name": name},
		"spec": map[string]any{
			"entrypoint": "gate",
			"steps": []any{
				map[string]any{
					"id":   "gate",
					"type": "approval",
					"config": map[string]any{
						"approvers":          []any{"alice"},
						"required_approvals": 1,
					},
					"next": []any{
						map[string]any{"to": "shipped", "when": "approved"},
						map[string]any{"to": "rejected", "when": "rejected"},
					},
				},
				map[string]any{"id": "shipped", "type": "terminal"},
				map[string]any{"id": "rejected", "type": "terminal", "config": map[string]any{"status": "failed"}},
			},
		},
	}
}

// --- Tests ---

func TestRunTool_ExecutesWorkflow(t *testing.T) {
	s := newTestServer(t)

	req := buildRequest("flow.run", map[string]any{
		"workflow": echoWorkflow("greeter"),
		"input":    map[string]any{"text": "hello"},
	})

	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	out := extractJSON(t, result)
	assert.Equal(t, "greeter", out["workflow"])
	assert.Equal(t, "completed", out["status"])
	assert.NotEmpty(t, out["run_id"])

	state, ok := out["state"].(map[string]any)
	require.True(t, ok)
	assert.NotNil(t, state["echo"])
}

func TestRunTool_RejectsInvalidWorkflow(t *testing.T) {
	s := newTestServer(t)

	wf := echoWorkflow("broken")
	wf["spec"].(map[string]any)["entrypoint"] = "nowhere"

	result, err := s.handleRun(context.Background(), buildRequest("flow.run", map[string]any{"workflow": wf}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunTool_MissingWorkflow(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleRun(context.Background(), buildRequest("flow.run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool_ReturnsRun(t *testing.T) {
	s := newTestServer(t)

	runResult, err := s.handleRun(context.Background(), buildRequest("flow.run", map[string]any{
		"workflow": echoWorkflow("greeter"),
		"input":    map[string]any{"text": "hi"},
	}))
	require.NoError(t, err)
	runID := extractJSON(t, runResult)["run_id"].(string)

	result, err := s.handleStatus(context.Background(), buildRequest("flow.status", map[string]any{"run_id": runID}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	out := extractJSON(t, result)
	assert.Equal(t, runID, out["run_id"])
	assert.Equal(t, "completed", out["status"])
}

func TestStatusTool_UnknownRun(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleStatus(context.Background(), buildRequest("flow.status", map[string]any{"run_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestApproveTool_ResolvesGate(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	runResult, err := s.handleRun(ctx, buildRequest("flow.run", map[string]any{
		"workflow": approvalWorkflow("release"),
	}))
	require.NoError(t, err)
	require.False(t, runResult.IsError)

	out := extractJSON(t, runResult)
	runID := out["run_id"].(string)
	assert.Equal(t, "waiting", out["status"])
	assert.Equal(t, "gate", out["cursor"])

	result, err := s.handleApprove(ctx, buildRequest("flow.approve", map[string]any{
		"run_id":   runID,
		"node_id":  "gate",
		"approver": "alice",
		"decision": "approve",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	final := extractJSON(t, result)
	assert.Equal(t, "completed", final["status"])
	assert.Equal(t, "shipped", final["cursor"])
}

func TestApproveTool_RejectsBadDecision(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleApprove(context.Background(), buildRequest("flow.approve", map[string]any{
		"run_id":   "r1",
		"node_id":  "gate",
		"approver": "alice",
		"decision": "maybe",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCancelTool_CancelsRun(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	runResult, err := s.handleRun(ctx, buildRequest("flow.run", map[string]any{
		"workflow": approvalWorkflow("release"),
	}))
	require.NoError(t, err)
	runID := extractJSON(t, runResult)["run_id"].(string)

	result, err := s.handleCancel(ctx, buildRequest("flow.cancel", map[string]any{"run_id": runID}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	status, err := s.handleStatus(ctx, buildRequest("flow.status", map[string]any{"run_id": runID}))
	require.NoError(t, err)
	assert.Equal(t, "cancelled", extractJSON(t, status)["status"])
}

func TestLogsTool_ReturnsHistory(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	runResult, err := s.handleRun(ctx, buildRequest("flow.run", map[string]any{
		"workflow": echoWorkflow("greeter"),
		"input":    map[string]any{"text": "hi"},
	}))
	require.NoError(t, err)
	runID := extractJSON(t, runResult)["run_id"].(string)

	result, err := s.handleLogs(ctx, buildRequest("flow.logs", map[string]any{"run_id": runID}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	out := extractJSON(t, result)
	events, ok := out["events"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, events)
}

func TestScheduleTool_CreateListRemove(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	created, err := s.handleSchedule(ctx, buildRequest("flow.schedule", map[string]any{
		"action":   "create",
		"workflow": echoWorkflow("nightly"),
		"cron":     "0 3 * * *",
	}))
	require.NoError(t, err)
	require.False(t, created.IsError)
	schedID := extractJSON(t, created)["id"].(string)

	listed, err := s.handleSchedule(ctx, buildRequest("flow.schedule", map[string]any{"action": "list"}))
	require.NoError(t, err)
	require.False(t, listed.IsError)
	schedules := extractJSON(t, listed)["schedules"].([]any)
	assert.Len(t, schedules, 1)

	removed, err := s.handleSchedule(ctx, buildRequest("flow.schedule", map[string]any{
		"action":      "remove",
		"schedule_id": schedID,
	}))
	require.NoError(t, err)
	assert.False(t, removed.IsError)
}

func TestScheduleTool_UnknownAction(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleSchedule(context.Background(), buildRequest("flow.schedule", map[string]any{"action": "pause"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
