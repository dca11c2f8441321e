package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floworc/floworc/internal/capability"
	"github.com/floworc/floworc/internal/store"
	"github.com/floworc/floworc/pkg/schema"
)

type funcAgent struct {
	name string
	fn   func(ctx context.Context, input map[string]any) (map[string]any, error)
}

func (a *funcAgent) Name() string { return a.name }

func (a *funcAgent) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	return a.fn(ctx, input)
}

type funcFleet struct {
	name string
	fn   func(ctx context.Context, mode string, input map[string]any) (map[string]any, error)
}

func (f *funcFleet) Name() string { return f.name }

func (f *funcFleet) Coordinate(ctx context.Context, mode string, input map[string]any) (map[string]any, error) {
	return f.fn(ctx, mode, input)
}

func newTestEngine(t *testing.T) (*Engine, store.Store, *capability.Registry) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "engine.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))

	caps := capability.NewRegistry()
	eng, err := New(Options{Store: st, Capabilities: caps})
	require.NoError(t, err)

	t.Cleanup(func() {
		eng.Close()
		_ = st.Close()
	})
	return eng, st, caps
}

func workflowDoc(name string, spec schema.WorkflowSpec) *schema.Document {
	return &schema.Document{
		APIVersion: schema.APIVersionV1,
		Kind:       schema.KindWorkflow,
		Metadata:   schema.Metadata{Name: name},
		Spec:       spec,
	}
}

func eventTypes(t *testing.T, eng *Engine, runID string) []string {
	t.Helper()
	events, err := eng.History(context.Background(), runID)
	require.NoError(t, err)
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func registerEcho(t *testing.T, caps *capability.Registry, name string) {
	t.Helper()
	require.NoError(t, caps.RegisterAgent(&funcAgent{name: name, fn: func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return input, nil
	}}))
}

func TestEngine_Run_LinearWorkflow(t *testing.T) {
	eng, _, caps := newTestEngine(t)

	require.NoError(t, caps.RegisterAgent(&funcAgent{name: "writer", fn: func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"draft": "go is nice"}, nil
	}}))

	doc := workflowDoc("linear", schema.WorkflowSpec{
		Entrypoint: "write",
		Steps: []schema.StepDefinition{
			{
				ID: "write", Type: schema.StepTypeAgent,
				Config: map[string]any{"agent": "writer"},
				Next:   []schema.Edge{{To: "done"}},
			},
			{ID: "done", Type: schema.StepTypeTerminal},
		},
	})

	run, err := eng.Run(context.Background(), doc, map[string]any{"topic": "go"})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, "go is nice", run.State["draft"])
	assert.Equal(t, "go", run.State["topic"])
	assert.Equal(t, 2, run.StepCount)
	require.NotNil(t, run.CompletedAt)

	types := eventTypes(t, eng, run.ID)
	assert.Equal(t, schema.EventRunStarted, types[0])
	assert.Contains(t, types, schema.EventNodeCompleted)
	assert.Contains(t, types, schema.EventRouteSelected)
	assert.Equal(t, schema.EventRunCompleted, types[len(types)-1])
}

func TestEngine_Run_InterpolatedInput(t *testing.T) {
	eng, _, caps := newTestEngine(t)
	registerEcho(t, caps, "echo")

	doc := workflowDoc("interp", schema.WorkflowSpec{
		Entrypoint: "first",
		Steps: []schema.StepDefinition{
			{
				ID: "first", Type: schema.StepTypeAgent,
				Config: map[string]any{"agent": "echo", "input": map[string]any{"text": "${state.topic}"}},
				Next:   []schema.Edge{{To: "second"}},
			},
			{
				ID: "second", Type: schema.StepTypeAgent,
				Config: map[string]any{"agent": "echo", "input": map[string]any{"prev": "${first.output.text}"}},
				Next:   []schema.Edge{{To: "done"}},
			},
			{ID: "done", Type: schema.StepTypeTerminal},
		},
	})

	run, err := eng.Run(context.Background(), doc, map[string]any{"topic": "reducers"})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, "reducers", run.State["text"])
	assert.Equal(t, "reducers", run.State["prev"])
}

func TestEngine_Run_RevisionLoopWithReducers(t *testing.T) {
	eng, _, caps := newTestEngine(t)

	var calls atomic.Int64
	require.NoError(t, caps.RegisterAgent(&funcAgent{name: "reviewer", fn: func(ctx context.Context, input map[string]any) (map[string]any, error) {
		n := calls.Add(1)
		return map[string]any{
			"findings":       []any{map[string]any{"pass": n}},
			"revision_count": 1,
		}, nil
	}}))

	doc := workflowDoc("revision-loop", schema.WorkflowSpec{
		Entrypoint: "review",
		Reducers: map[string]schema.ReducerKind{
			"findings":       schema.ReducerAppend,
			"revision_count": schema.ReducerSum,
		},
		Steps: []schema.StepDefinition{
			{
				ID: "review", Type: schema.StepTypeAgent,
				Config: map[string]any{"agent": "reviewer"},
				Next:   []schema.Edge{{To: "check"}},
			},
			{
				ID: "check", Type: schema.StepTypeConditional,
				Next: []schema.Edge{
					{When: "state.revision_count < 3", To: "review"},
					{To: "done"},
				},
			},
			{ID: "done", Type: schema.StepTypeTerminal},
		},
	})

	run, err := eng.Run(context.Background(), doc, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.EqualValues(t, 3, calls.Load())

	findings, ok := run.State["findings"].([]any)
	require.True(t, ok)
	assert.Len(t, findings, 3)
	assert.InDelta(t, 3, run.State["revision_count"], 0.001)
}

func TestEngine_Run_ConditionalFirstTrueWins(t *testing.T) {
	eng, _, caps := newTestEngine(t)
	registerEcho(t, caps, "echo")

	doc := workflowDoc("routing", schema.WorkflowSpec{
		Entrypoint: "decide",
		Steps: []schema.StepDefinition{
			{
				ID: "decide", Type: schema.StepTypeConditional,
				Next: []schema.Edge{
					{When: "score >= 0.5", To: "ship"},
					{When: "score >= 0.8", To: "never"},
					{To: "reject"},
				},
			},
			{ID: "ship", Type: schema.StepTypeTerminal},
			{ID: "never", Type: schema.StepTypeTerminal},
			{ID: "reject", Type: schema.StepTypeTerminal, Config: map[string]any{"status": "failed"}},
		},
	})

	run, err := eng.Run(context.Background(), doc, map[string]any{"score": 0.9})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, "ship", run.Cursor)
}

func TestEngine_Run_NoRouteFailsRun(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	doc := workflowDoc("no-route", schema.WorkflowSpec{
		Entrypoint: "decide",
		Steps: []schema.StepDefinition{
			{
				ID: "decide", Type: schema.StepTypeConditional,
				Next: []schema.Edge{{When: "score >= 0.8", To: "ship"}},
			},
			{ID: "ship", Type: schema.StepTypeTerminal},
		},
	})

	run, err := eng.Run(context.Background(), doc, map[string]any{"score": 0.1})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusFailed, run.Status)
	require.NotEmpty(t, run.Error)
	var body map[string]any
	require.NoError(t, json.Unmarshal(run.Error, &body))
	assert.Equal(t, schema.ErrCodeNoRoute, body["code"])
}

func TestEngine_Run_RetryThenSuccess(t *testing.T) {
	eng, _, caps := newTestEngine(t)

	var calls atomic.Int64
	require.NoError(t, caps.RegisterAgent(&funcAgent{name: "flaky", fn: func(ctx context.Context, input map[string]any) (map[string]any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		return map[string]any{"ok": true}, nil
	}}))

	doc := workflowDoc("retry", schema.WorkflowSpec{
		Entrypoint: "fetch",
		Steps: []schema.StepDefinition{
			{
				ID: "fetch", Type: schema.StepTypeAgent,
				Config: map[string]any{"agent": "flaky"},
				Retry:  &schema.RetryPolicy{MaxAttempts: 3, Backoff: "constant", InitialDelay: "1ms"},
				Next:   []schema.Edge{{To: "done"}},
			},
			{ID: "done", Type: schema.StepTypeTerminal},
		},
	})

	run, err := eng.Run(context.Background(), doc, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.EqualValues(t, 3, calls.Load())

	records, err := eng.NodeRecords(context.Background(), run.ID)
	require.NoError(t, err)
	require.Contains(t, records, "fetch")
	assert.Equal(t, schema.NodeStatusCompleted, records["fetch"].Status)
	assert.Equal(t, 3, records["fetch"].Attempts)

	types := eventTypes(t, eng, run.ID)
	assert.Contains(t, types, schema.EventNodeRetrying)
}

func TestEngine_Run_RetryExhaustedFailsRun(t *testing.T) {
	eng, _, caps := newTestEngine(t)

	var calls atomic.Int64
	require.NoError(t, caps.RegisterAgent(&funcAgent{name: "broken", fn: func(ctx context.Context, input map[string]any) (map[string]any, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	}}))

	doc := workflowDoc("exhausted", schema.WorkflowSpec{
		Entrypoint: "fetch",
		Retry:      &schema.RetryPolicy{MaxAttempts: 2, Backoff: "none"},
		Steps: []schema.StepDefinition{
			{
				ID: "fetch", Type: schema.StepTypeAgent,
				Config: map[string]any{"agent": "broken"},
				Next:   []schema.Edge{{To: "done"}},
			},
			{ID: "done", Type: schema.StepTypeTerminal},
		},
	})

	run, err := eng.Run(context.Background(), doc, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.EqualValues(t, 2, calls.Load())
	require.NotEmpty(t, run.Error)

	var body map[string]any
	require.NoError(t, json.Unmarshal(run.Error, &body))
	assert.EqualValues(t, 2, body["attempts"])
}

func TestEngine_Run_NonRetryableErrorSkipsRetry(t *testing.T) {
	eng, _, caps := newTestEngine(t)

	var calls atomic.Int64
	require.NoError(t, caps.RegisterAgent(&funcAgent{name: "misconfigured", fn: func(ctx context.Context, input map[string]any) (map[string]any, error) {
		calls.Add(1)
		return nil, schema.NewError(schema.ErrCodeConfig, "prompt template missing")
	}}))

	doc := workflowDoc("non-retryable", schema.WorkflowSpec{
		Entrypoint: "fetch",
		Retry:      &schema.RetryPolicy{MaxAttempts: 5, Backoff: "none"},
		Steps: []schema.StepDefinition{
			{
				ID: "fetch", Type: schema.StepTypeAgent,
				Config: map[string]any{"agent": "misconfigured"},
				Next:   []schema.Edge{{To: "done"}},
			},
			{ID: "done", Type: schema.StepTypeTerminal},
		},
	})

	run, err := eng.Run(context.Background(), doc, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.EqualValues(t, 1, calls.Load())
}

func TestEngine_Run_OnErrorEdgeTakesPrecedence(t *testing.T) {
	eng, _, caps := newTestEngine(t)

	var calls atomic.Int64
	require.NoError(t, caps.RegisterAgent(&funcAgent{name: "broken", fn: func(ctx context.Context, input map[string]any) (map[string]any, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	}}))
	registerEcho(t, caps, "cleanup")

	doc := workflowDoc("on-error", schema.WorkflowSpec{
		Entrypoint: "fetch",
		Retry:      &schema.RetryPolicy{MaxAttempts: 5, Backoff: "none"},
		Steps: []schema.StepDefinition{
			{
				ID: "fetch", Type: schema.StepTypeAgent,
				Config:  map[string]any{"agent": "broken"},
				Next:    []schema.Edge{{To: "done"}},
				OnError: []schema.Edge{{To: "recover"}},
			},
			{
				ID: "recover", Type: schema.StepTypeAgent,
				Config: map[string]any{"agent": "cleanup"},
				Next:   []schema.Edge{{To: "done"}},
			},
			{ID: "done", Type: schema.StepTypeTerminal},
		},
	})

	run, err := eng.Run(context.Background(), doc, nil)
	require.NoError(t, err)

	// on_error routes immediately; the retry policy never kicks in.
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.EqualValues(t, 1, calls.Load())

	records, err := eng.NodeRecords(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStatusFailed, records["fetch"].Status)
	assert.Equal(t, schema.NodeStatusCompleted, records["recover"].Status)
}

func TestEngine_Run_ErrorHandlerEscalation(t *testing.T) {
	eng, _, caps := newTestEngine(t)

	require.NoError(t, caps.RegisterAgent(&funcAgent{name: "broken", fn: func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return nil, errors.New("connection refused")
	}}))
	registerEcho(t, caps, "notifier")

	doc := workflowDoc("error-handler", schema.WorkflowSpec{
		Entrypoint:   "fetch",
		ErrorHandler: "handle",
		Steps: []schema.StepDefinition{
			{
				ID: "fetch", Type: schema.StepTypeAgent,
				Config: map[string]any{"agent": "broken"},
				Next:   []schema.Edge{{To: "done"}},
			},
			{
				ID: "handle", Type: schema.StepTypeAgent,
				Config: map[string]any{"agent": "notifier", "input": map[string]any{"reason": "${fetch.output.error.message}"}},
				Next:   []schema.Edge{{To: "failed"}},
			},
			{ID: "done", Type: schema.StepTypeTerminal},
			{ID: "failed", Type: schema.StepTypeTerminal, Config: map[string]any{"status": "failed", "code": 2}},
		},
	})

	run, err := eng.Run(context.Background(), doc, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.Equal(t, "connection refused", run.State["reason"])

	records, err := eng.NodeRecords(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStatusCompleted, records["handle"].Status)
}

func TestEngine_Run_MaxStepsGuard(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	doc := workflowDoc("infinite", schema.WorkflowSpec{
		Entrypoint:     "ping",
		MaxStepsPerRun: 7,
		Steps: []schema.StepDefinition{
			{ID: "ping", Type: schema.StepTypeConditional, Next: []schema.Edge{{To: "pong"}}},
			{ID: "pong", Type: schema.StepTypeConditional, Next: []schema.Edge{{To: "ping"}}},
		},
	})

	run, err := eng.Run(context.Background(), doc, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.Equal(t, 7, run.StepCount)

	var body map[string]any
	require.NoError(t, json.Unmarshal(run.Error, &body))
	assert.Contains(t, body["message"], "max_steps_per_run")
}

func TestEngine_Run_TerminalFailedStatus(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	doc := workflowDoc("terminal-failed", schema.WorkflowSpec{
		Entrypoint: "abort",
		Steps: []schema.StepDefinition{
			{ID: "abort", Type: schema.StepTypeTerminal, Config: map[string]any{"status": "failed", "code": 3}},
		},
	})

	run, err := eng.Run(context.Background(), doc, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.NotEmpty(t, run.Error)

	types := eventTypes(t, eng, run.ID)
	assert.Equal(t, schema.EventRunFailed, types[len(types)-1])
}

func TestEngine_Run_WaitNode(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	doc := workflowDoc("waiting", schema.WorkflowSpec{
		Entrypoint: "pause",
		Steps: []schema.StepDefinition{
			{
				ID: "pause", Type: schema.StepTypeWait,
				Config: map[string]any{"duration": "10ms"},
				Next:   []schema.Edge{{To: "done"}},
			},
			{ID: "done", Type: schema.StepTypeTerminal},
		},
	})

	run, err := eng.Run(context.Background(), doc, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	types := eventTypes(t, eng, run.ID)
	assert.Contains(t, types, schema.EventNodeWaiting)
}

func TestEngine_Run_FleetNode(t *testing.T) {
	eng, _, caps := newTestEngine(t)

	require.NoError(t, caps.RegisterFleet(&funcFleet{name: "researchers", fn: func(ctx context.Context, mode string, input map[string]any) (map[string]any, error) {
		return map[string]any{"mode_used": mode}, nil
	}}))

	doc := workflowDoc("fleet", schema.WorkflowSpec{
		Entrypoint: "research",
		Steps: []schema.StepDefinition{
			{
				ID: "research", Type: schema.StepTypeFleet,
				Config: map[string]any{"fleet": "researchers", "coordination_mode": "consensus"},
				Next:   []schema.Edge{{To: "done"}},
			},
			{ID: "done", Type: schema.StepTypeTerminal},
		},
	})

	run, err := eng.Run(context.Background(), doc, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, "consensus", run.State["mode_used"])
}

func TestEngine_Run_UnknownAgentFailsRun(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	doc := workflowDoc("missing-agent", schema.WorkflowSpec{
		Entrypoint: "work",
		Steps: []schema.StepDefinition{
			{
				ID: "work", Type: schema.StepTypeAgent,
				Config: map[string]any{"agent": "ghost"},
				Next:   []schema.Edge{{To: "done"}},
			},
			{ID: "done", Type: schema.StepTypeTerminal},
		},
	})

	run, err := eng.Run(context.Background(), doc, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
}

func TestEngine_StartRun_RejectsInvalidDocument(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	doc := workflowDoc("bad", schema.WorkflowSpec{
		Entrypoint: "nowhere",
		Steps: []schema.StepDefinition{
			{ID: "done", Type: schema.StepTypeTerminal},
		},
	})

	_, err := eng.StartRun(context.Background(), doc, nil)
	require.Error(t, err)

	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeConfig, flowErr.Code)
}

func TestEngine_Execute_RejectsFinishedRun(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	doc := workflowDoc("oneshot", schema.WorkflowSpec{
		Entrypoint: "done",
		Steps:      []schema.StepDefinition{{ID: "done", Type: schema.StepTypeTerminal}},
	})

	run, err := eng.Run(context.Background(), doc, nil)
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusCompleted, run.Status)

	_, err = eng.Execute(context.Background(), run.ID)
	require.Error(t, err)

	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeConflict, flowErr.Code)
}

func TestEngine_Cancel_IdleRun(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	doc := workflowDoc("idle", schema.WorkflowSpec{
		Entrypoint: "done",
		Steps:      []schema.StepDefinition{{ID: "done", Type: schema.StepTypeTerminal}},
	})

	run, err := eng.StartRun(context.Background(), doc, nil)
	require.NoError(t, err)

	require.NoError(t, eng.Cancel(context.Background(), run.ID))

	got, err := eng.Store().GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestEngine_Run_CheckpointsPerStep(t *testing.T) {
	eng, st, caps := newTestEngine(t)
	registerEcho(t, caps, "echo")

	doc := workflowDoc("checkpointed", schema.WorkflowSpec{
		Entrypoint:    "a",
		Checkpointing: schema.CheckpointPolicy{Enabled: true, Frequency: "step", History: 2},
		Steps: []schema.StepDefinition{
			{ID: "a", Type: schema.StepTypeAgent, Config: map[string]any{"agent": "echo", "input": map[string]any{"a": 1}}, Next: []schema.Edge{{To: "b"}}},
			{ID: "b", Type: schema.StepTypeAgent, Config: map[string]any{"agent": "echo", "input": map[string]any{"b": 2}}, Next: []schema.Edge{{To: "c"}}},
			{ID: "c", Type: schema.StepTypeAgent, Config: map[string]any{"agent": "echo", "input": map[string]any{"c": 3}}, Next: []schema.Edge{{To: "done"}}},
			{ID: "done", Type: schema.StepTypeTerminal},
		},
	})

	run, err := eng.Run(context.Background(), doc, nil)
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusCompleted, run.Status)

	cps, err := st.ListCheckpoints(context.Background(), run.ID)
	require.NoError(t, err)
	// Three advances checkpointed, history keeps the newest two.
	require.Len(t, cps, 2)
	assert.Greater(t, cps[len(cps)-1].Sequence, cps[0].Sequence)

	latest, err := st.LatestCheckpoint(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", latest.Cursor)
	assert.Contains(t, latest.Completed, "c")

	types := eventTypes(t, eng, run.ID)
	assert.Contains(t, types, schema.EventCheckpointSaved)
}

func TestEngine_Run_CheckpointPerNodeSkipsRevisits(t *testing.T) {
	eng, st, caps := newTestEngine(t)

	require.NoError(t, caps.RegisterAgent(&funcAgent{name: "reviser", fn: func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"laps": 1}, nil
	}}))

	doc := workflowDoc("node-checkpointed", schema.WorkflowSpec{
		Entrypoint:    "work",
		Reducers:      map[string]schema.ReducerKind{"laps": schema.ReducerSum},
		Checkpointing: schema.CheckpointPolicy{Enabled: true, Frequency: "node"},
		Steps: []schema.StepDefinition{
			{
				ID: "work", Type: schema.StepTypeAgent,
				Config: map[string]any{"agent": "reviser"},
				Next:   []schema.Edge{{To: "check"}},
			},
			{
				ID: "check", Type: schema.StepTypeConditional,
				Next: []schema.Edge{
					{When: "state.laps < 3", To: "work"},
					{To: "done"},
				},
			},
			{ID: "done", Type: schema.StepTypeTerminal},
		},
	})

	run, err := eng.Run(context.Background(), doc, nil)
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusCompleted, run.Status)

	// Six advances through the cycle, but each node checkpoints its first
	// completion only.
	cps, err := st.ListCheckpoints(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, cps, 2)
}
