package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/floworc/floworc/internal/approval"
	"github.com/floworc/floworc/internal/capability"
	"github.com/floworc/floworc/internal/definition"
	"github.com/floworc/floworc/internal/expressions"
	"github.com/floworc/floworc/internal/logging"
	"github.com/floworc/floworc/internal/state"
	"github.com/floworc/floworc/internal/store"
	"github.com/floworc/floworc/pkg/schema"
)

// Engine drives workflow runs: it advances the cursor, dispatches node
// execution by step type, merges results through the run's reducers,
// checkpoints, and routes along conditional edges. All run state lives in
// the store; the engine itself only tracks which runs are executing here.
type Engine struct {
	store   store.Store
	log     *store.RunLog
	runFSM  *RunFSM
	nodeFSM *NodeFSM
	caps    *capability.Registry
	gate    *approval.Gate
	engines capability.Engines
	router  *expressions.Router
	interp  *expressions.Interpolator
	pool    *WorkerPool
	logger  *slog.Logger

	// drains tracks background branch-discard goroutines so Close does
	// not return while one still writes to the store.
	drains sync.WaitGroup

	mu     sync.Mutex
	active map[string]*runHandle
}

type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Options configures a new Engine.
type Options struct {
	Store        store.Store
	Capabilities *capability.Registry
	Logger       *slog.Logger
	// PoolSize bounds concurrent parallel-branch execution across all runs.
	PoolSize int
}

const defaultPoolSize = 16

// New builds an Engine. The store is required; everything else defaults.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, schema.NewError(schema.ErrCodeConfig, "engine requires a store")
	}
	caps := opts.Capabilities
	if caps == nil {
		caps = capability.NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}

	exprEngine := expressions.NewExprEngine()
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	runLog := store.NewRunLog(opts.Store)
	return &Engine{
		store:   opts.Store,
		log:     runLog,
		runFSM:  NewRunFSM(runLog),
		nodeFSM: NewNodeFSM(runLog),
		caps:    caps,
		gate:    approval.NewGate(opts.Store, &registryNotifier{caps: caps}, exprEngine, logger),
		engines: capability.Engines{
			Expr: exprEngine,
			CEL:  celEngine,
			JQ:   expressions.NewGoJQEngine(),
		},
		router: expressions.NewRouter(exprEngine),
		interp: expressions.NewInterpolator(),
		pool:   NewWorkerPool(poolSize),
		logger: logger,
		active: make(map[string]*runHandle),
	}, nil
}

// registryNotifier defers the notifier lookup to call time so a notifier
// registered after engine construction is still picked up.
type registryNotifier struct {
	caps *capability.Registry
}

func (n *registryNotifier) Notify(ctx context.Context, req capability.ApprovalRequest) error {
	notifier := n.caps.Notifier()
	if notifier == nil {
		return nil
	}
	return notifier.Notify(ctx, req)
}

// Close shuts down the branch worker pool after in-flight work completes
// and waits out any background discard drains.
func (e *Engine) Close() {
	e.pool.Shutdown()
	e.drains.Wait()
}

// Store exposes the persistence layer for read-only surfaces.
func (e *Engine) Store() store.Store { return e.store }

// History returns a run's full event log.
func (e *Engine) History(ctx context.Context, runID string) ([]*store.Event, error) {
	return e.log.Events(ctx, runID, 0)
}

// NodeRecords returns a run's history folded into per-node records.
func (e *Engine) NodeRecords(ctx context.Context, runID string) (map[string]*store.NodeRecord, error) {
	return e.log.Replay(ctx, runID)
}

// StartRun validates a workflow document and persists a new pending run
// with the trigger input as its initial state.
func (e *Engine) StartRun(ctx context.Context, doc *schema.Document, input map[string]any) (*store.Run, error) {
	if result := definition.Validate(doc); !result.Valid() {
		return nil, result.ToError()
	}
	if input == nil {
		input = map[string]any{}
	}
	run := &store.Run{
		ID:           uuid.NewString(),
		WorkflowName: doc.Metadata.Name,
		Definition:   *doc,
		Status:       schema.RunStatusPending,
		State:        input,
		Cursor:       doc.Spec.Entrypoint,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// Run starts a workflow and drives it until it completes, fails, or
// suspends on an approval, timer or external input.
func (e *Engine) Run(ctx context.Context, doc *schema.Document, input map[string]any) (*store.Run, error) {
	run, err := e.StartRun(ctx, doc, input)
	if err != nil {
		return nil, err
	}
	return e.executeSession(ctx, run, nil)
}

// Execute drives a pending or interrupted run. Waiting runs resume through
// Approve, ProvideInput or the recovery manager instead.
func (e *Engine) Execute(ctx context.Context, runID string) (*store.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, schema.NewErrorf(schema.ErrCodeConflict, "run %s already finished as %s", runID, run.Status)
	}
	if run.Status == schema.RunStatusWaiting {
		return run, schema.NewErrorf(schema.ErrCodeConflict, "run %s is waiting for an external decision or input", runID)
	}
	return e.executeSession(ctx, run, nil)
}

// Cancel signals a run to stop. An executing run is interrupted at its next
// suspension point and its in-flight results are discarded; an idle run is
// marked cancelled directly.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	e.mu.Lock()
	handle := e.active[runID]
	e.mu.Unlock()
	if handle != nil {
		handle.cancel()
		select {
		case <-handle.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s already finished as %s", runID, run.Status)
	}
	if err := e.runFSM.Transition(ctx, runID, run.Status, schema.RunStatusCancelled, nil); err != nil {
		return err
	}
	status := schema.RunStatusCancelled
	now := time.Now().UTC()
	return e.store.UpdateRun(ctx, runID, store.RunUpdate{Status: &status, CompletedAt: &now})
}

// prepareFunc runs once against the suspended cursor node before the run
// loop continues; resume paths use it to complete the node without
// re-executing it.
type prepareFunc func(ctx context.Context, sess *session, step *schema.StepDefinition) (outcome, error)

func (e *Engine) executeSession(ctx context.Context, run *store.Run, prepare prepareFunc) (*store.Run, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handle := &runHandle{cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	if _, busy := e.active[run.ID]; busy {
		e.mu.Unlock()
		return run, schema.NewErrorf(schema.ErrCodeConflict, "run %s is already executing", run.ID)
	}
	e.active[run.ID] = handle
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, run.ID)
		e.mu.Unlock()
		close(handle.done)
	}()

	runCtx = logging.WithRunID(runCtx, run.ID)

	sess, err := e.newSession(runCtx, run)
	if err != nil {
		return run, err
	}

	switch run.Status {
	case schema.RunStatusPending:
		sess.scope = sess.scope.WithEvent(run.State)
		if err := e.transitionRun(runCtx, sess, schema.RunStatusRunning, run.State); err != nil {
			return run, err
		}
	case schema.RunStatusWaiting:
		if err := e.transitionRun(runCtx, sess, schema.RunStatusRunning, nil); err != nil {
			return run, err
		}
	case schema.RunStatusRunning:
		// Process restart mid-run.
		if err := e.log.Append(runCtx, run.ID, "", schema.EventRunResumed, nil, 0); err != nil {
			return run, err
		}
	}

	if prepare != nil {
		step, serr := sess.graph.Step(sess.cursor)
		if serr != nil {
			return sess.run, e.failed(runCtx, sess, serr, 0)
		}
		out, perr := prepare(runCtx, sess, step)
		if perr != nil {
			return sess.run, e.failed(runCtx, sess, perr, 0)
		}
		stop, aerr := e.apply(runCtx, sess, step.ID, out)
		if stop || aerr != nil {
			return sess.run, aerr
		}
	}

	return sess.run, e.loop(runCtx, sess)
}

// session is the in-memory view of one executing run.
type session struct {
	run        *store.Run
	graph      *definition.Graph
	registry   *state.Registry
	state      *state.Store
	scope      *expressions.Scope
	visits     map[string]int
	completed  []string
	prevNode   string
	lastOutput map[string]any
	cursor     string
	stepCount  int
}

func (e *Engine) newSession(ctx context.Context, run *store.Run) (*session, error) {
	graph := definition.NewGraph(&run.Definition)
	registry := state.NewRegistry(run.Definition.Spec.Reducers)
	validator, err := state.NewValidator(run.Definition.Spec.State)
	if err != nil {
		return nil, err
	}
	st, err := state.NewStore(run.State, registry, validator)
	if err != nil {
		return nil, err
	}

	sess := &session{
		run:       run,
		graph:     graph,
		registry:  registry,
		state:     st,
		visits:    make(map[string]int),
		cursor:    run.Cursor,
		stepCount: run.StepCount,
	}
	if sess.cursor == "" {
		sess.cursor = graph.Entrypoint()
	}

	// Rebuild the expression scope from the history: node outputs feed
	// `${node.output}` references, the run_started payload is the event root.
	scope := expressions.NewScope(st.Snapshot())
	events, err := e.log.Events(ctx, run.ID, 0)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		switch ev.Type {
		case schema.EventRunStarted:
			var event map[string]any
			if len(ev.Payload) > 0 && json.Unmarshal(ev.Payload, &event) == nil {
				scope = scope.WithEvent(event)
			}
		case schema.EventNodeStarted:
			if ev.NodeID != "" {
				sess.visits[ev.NodeID]++
			}
		case schema.EventNodeCompleted:
			if ev.NodeID == "" {
				continue
			}
			var output map[string]any
			if len(ev.Payload) > 0 && json.Unmarshal(ev.Payload, &output) == nil {
				scope = scope.WithOutput(ev.NodeID, output)
				sess.lastOutput = output
			}
			sess.completed = append(sess.completed, ev.NodeID)
		}
	}
	sess.scope = scope
	return sess, nil
}

// noteCompleted records a node result: it feeds later `${node.output}`
// references and the validator data of a following validation step.
func (s *session) noteCompleted(nodeID string, output map[string]any, snapshot map[string]any) {
	s.completed = append(s.completed, nodeID)
	s.lastOutput = output
	if output != nil {
		s.scope = s.scope.WithOutput(nodeID, output)
	}
	if snapshot != nil {
		refreshed := *s.scope
		refreshed.State = snapshot
		s.scope = &refreshed
	}
}

// --- run loop ---

type outcomeKind int

const (
	outcomeAdvance outcomeKind = iota
	outcomeContinue
	outcomeSuspend
	outcomeEnd
	outcomeTerminal
)

type outcome struct {
	kind     outcomeKind
	next     string
	status   schema.RunStatus
	code     int
	attempts int
	payload  any
}

func (e *Engine) loop(ctx context.Context, sess *session) error {
	for {
		if ctx.Err() != nil {
			return e.cancelled(context.WithoutCancel(ctx), sess)
		}

		step, err := sess.graph.Step(sess.cursor)
		if err != nil {
			return e.failed(ctx, sess, err, 0)
		}

		if sess.stepCount >= sess.graph.MaxSteps() {
			return e.failed(ctx, sess, schema.NewErrorf(schema.ErrCodeStep,
				"run exceeded max_steps_per_run (%d)", sess.graph.MaxSteps()).WithNode(step.ID), 0)
		}
		sess.stepCount++
		sess.visits[step.ID]++

		out, err := e.executeNode(ctx, sess, step)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return e.cancelled(context.WithoutCancel(ctx), sess)
			}
			return e.failed(ctx, sess, err, out.attempts)
		}

		stop, err := e.apply(ctx, sess, step.ID, out)
		if stop || err != nil {
			return err
		}
	}
}

// apply advances the session per a node outcome. It reports stop=true when
// the run reached a resting state (terminal or suspended).
func (e *Engine) apply(ctx context.Context, sess *session, stepID string, out outcome) (bool, error) {
	switch out.kind {
	case outcomeSuspend:
		return true, e.suspend(ctx, sess, out.payload)
	case outcomeTerminal:
		return true, e.finish(ctx, sess, out.status, out.code)
	case outcomeEnd:
		return true, e.finish(ctx, sess, schema.RunStatusCompleted, 0)
	case outcomeContinue:
		return false, nil
	default: // advance
		sess.prevNode = stepID
		sess.cursor = out.next
		if err := e.persistProgress(ctx, sess); err != nil {
			return true, e.failed(ctx, sess, err, 0)
		}
		return false, nil
	}
}

func (e *Engine) persistProgress(ctx context.Context, sess *session) error {
	snap := sess.state.Snapshot()
	cursor := sess.cursor
	steps := sess.stepCount
	if err := e.store.UpdateRun(ctx, sess.run.ID, store.RunUpdate{
		State:     snap,
		Cursor:    &cursor,
		StepCount: &steps,
	}); err != nil {
		return err
	}
	sess.run.State = snap
	sess.run.Cursor = cursor
	sess.run.StepCount = steps

	policy := sess.run.Definition.Spec.Checkpointing
	if !policy.Enabled || policy.Frequency == schema.CheckpointManual {
		return nil
	}
	// Per-node frequency checkpoints a node's first completion only, so a
	// cycle revisiting the same node does not write a checkpoint per lap.
	if policy.Frequency == schema.CheckpointPerNode && sess.visits[sess.prevNode] > 1 {
		return nil
	}
	cp := &store.Checkpoint{
		ID:          uuid.NewString(),
		RunID:       sess.run.ID,
		Cursor:      cursor,
		State:       snap,
		Completed:   slices.Clone(sess.completed),
		VisitCounts: maps.Clone(sess.visits),
		StepCount:   steps,
	}
	if err := e.store.SaveCheckpoint(ctx, cp, sess.graph.CheckpointHistory()); err != nil {
		return err
	}
	return e.log.Append(ctx, sess.run.ID, "", schema.EventCheckpointSaved,
		map[string]any{"sequence": cp.Sequence, "cursor": cursor}, 0)
}

func (e *Engine) transitionRun(ctx context.Context, sess *session, to schema.RunStatus, payload any) error {
	from := sess.run.Status
	if from == to {
		return nil
	}
	if err := e.runFSM.Transition(ctx, sess.run.ID, from, to, payload); err != nil {
		return err
	}

	update := store.RunUpdate{Status: &to}
	now := time.Now().UTC()
	switch to {
	case schema.RunStatusRunning:
		if sess.run.StartedAt == nil {
			update.StartedAt = &now
		}
	case schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled:
		update.CompletedAt = &now
	}
	if err := e.store.UpdateRun(ctx, sess.run.ID, update); err != nil {
		return err
	}
	sess.run.Status = to
	if update.StartedAt != nil {
		sess.run.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		sess.run.CompletedAt = update.CompletedAt
	}
	return nil
}

// failed records the causing error on the run and marks it Failed. The run
// outcome is reported through the run record, not the return value, which
// only surfaces storage-level problems.
func (e *Engine) failed(ctx context.Context, sess *session, cause error, attempts int) error {
	payload := errBody(cause)
	payload["run_id"] = sess.run.ID
	if attempts > 0 {
		payload["attempts"] = attempts
	}
	raw, _ := json.Marshal(payload)

	e.logger.ErrorContext(ctx, "run failed", "error", cause)

	if err := e.store.UpdateRun(ctx, sess.run.ID, store.RunUpdate{
		State: sess.state.Snapshot(),
		Error: raw,
	}); err != nil {
		return err
	}
	sess.run.Error = raw
	return e.transitionRun(ctx, sess, schema.RunStatusFailed, payload)
}

func (e *Engine) finish(ctx context.Context, sess *session, status schema.RunStatus, code int) error {
	snap := sess.state.Snapshot()
	steps := sess.stepCount
	update := store.RunUpdate{State: snap, StepCount: &steps}
	payload := map[string]any{"code": code}
	if status == schema.RunStatusFailed {
		raw, _ := json.Marshal(map[string]any{
			"code":    schema.ErrCodeStep,
			"message": "terminal node ended the run as failed",
			"details": map[string]any{"status_code": code},
		})
		update.Error = raw
		sess.run.Error = raw
	}
	if err := e.store.UpdateRun(ctx, sess.run.ID, update); err != nil {
		return err
	}
	sess.run.State = snap
	sess.run.StepCount = steps
	return e.transitionRun(ctx, sess, status, payload)
}

func (e *Engine) suspend(ctx context.Context, sess *session, payload any) error {
	if err := e.store.UpdateRun(ctx, sess.run.ID, store.RunUpdate{State: sess.state.Snapshot()}); err != nil {
		return err
	}
	return e.transitionRun(ctx, sess, schema.RunStatusWaiting, payload)
}

func (e *Engine) cancelled(ctx context.Context, sess *session) error {
	if err := e.store.UpdateRun(ctx, sess.run.ID, store.RunUpdate{State: sess.state.Snapshot()}); err != nil {
		return err
	}
	return e.transitionRun(ctx, sess, schema.RunStatusCancelled, nil)
}

// --- node dispatch ---

func (e *Engine) executeNode(ctx context.Context, sess *session, step *schema.StepDefinition) (outcome, error) {
	ctx = logging.WithNodeID(ctx, step.ID)

	switch step.Type {
	case schema.StepTypeAgent, schema.StepTypeFleet:
		return e.executeCapabilityNode(ctx, sess, step)
	case schema.StepTypeApproval:
		return e.executeApprovalNode(ctx, sess, step)
	case schema.StepTypeValidation:
		return e.executeValidationNode(ctx, sess, step)
	case schema.StepTypeParallel:
		return e.executeParallelNode(ctx, sess, step)
	case schema.StepTypeConditional:
		return e.executeConditionalNode(ctx, sess, step)
	case schema.StepTypeWait:
		return e.executeWaitNode(ctx, sess, step)
	case schema.StepTypeTerminal:
		return e.executeTerminalNode(ctx, sess, step)
	default:
		return outcome{}, schema.NewErrorf(schema.ErrCodeConfig, "unknown step type %q", step.Type).WithNode(step.ID)
	}
}

func (e *Engine) executeCapabilityNode(ctx context.Context, sess *session, step *schema.StepDefinition) (outcome, error) {
	policy := sess.graph.RetryFor(step)
	maxAttempts := maxAttemptsOf(policy)
	status := schema.NodeStatusPending

	for attempt := 1; ; attempt++ {
		if err := e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, status, schema.NodeStatusRunning, nil, attempt); err != nil {
			return outcome{attempts: attempt}, err
		}
		status = schema.NodeStatusRunning

		delta, err := e.invokeCapability(ctx, sess.scope, step)
		if err == nil {
			merged, mErr := sess.state.Apply(delta)
			if mErr != nil {
				_ = e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, status, schema.NodeStatusFailed, errBody(mErr), attempt)
				return outcome{attempts: attempt}, nodeErr(mErr, step.ID)
			}
			if err := e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, status, schema.NodeStatusCompleted, delta, attempt); err != nil {
				return outcome{attempts: attempt}, err
			}
			sess.noteCompleted(step.ID, delta, merged)
			return e.route(ctx, sess, step, sess.scope)
		}

		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return outcome{attempts: attempt}, context.Canceled
		}

		cause := nodeErr(err, step.ID)
		if len(step.OnError) > 0 {
			_ = e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, status, schema.NodeStatusFailed, errBody(cause), attempt)
			return e.routeOnError(ctx, sess, step, cause, attempt)
		}
		if attempt >= maxAttempts || !IsRetryableError(cause) {
			_ = e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, status, schema.NodeStatusFailed, errBody(cause), attempt)
			return e.escalate(ctx, sess, step, cause, attempt)
		}

		if err := e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, status, schema.NodeStatusRetrying, errBody(cause), attempt); err != nil {
			return outcome{attempts: attempt}, err
		}
		status = schema.NodeStatusRetrying
		if err := WaitForBackoff(ctx, ComputeBackoff(policy, attempt)); err != nil {
			return outcome{attempts: attempt}, err
		}
	}
}

func (e *Engine) invokeCapability(ctx context.Context, scope *expressions.Scope, step *schema.StepDefinition) (map[string]any, error) {
	callCtx := ctx
	if step.Timeout != "" {
		d, err := time.ParseDuration(step.Timeout)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "unparseable timeout %q", step.Timeout).WithNode(step.ID)
		}
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	switch step.Type {
	case schema.StepTypeAgent:
		var cfg schema.AgentConfig
		if err := schema.DecodeConfig(step.Config, &cfg); err != nil {
			return nil, nodeErr(err, step.ID)
		}
		input, err := e.resolveInput(cfg.Input, scope)
		if err != nil {
			return nil, nodeErr(err, step.ID)
		}
		agent, err := e.caps.Agent(cfg.Agent)
		if err != nil {
			return nil, nodeErr(err, step.ID)
		}
		return agent.Execute(callCtx, input)

	default: // fleet
		var cfg schema.FleetConfig
		if err := schema.DecodeConfig(step.Config, &cfg); err != nil {
			return nil, nodeErr(err, step.ID)
		}
		input, err := e.resolveInput(cfg.Input, scope)
		if err != nil {
			return nil, nodeErr(err, step.ID)
		}
		fleet, err := e.caps.Fleet(cfg.Fleet)
		if err != nil {
			return nil, nodeErr(err, step.ID)
		}
		return fleet.Coordinate(callCtx, cfg.CoordinationMode, input)
	}
}

func (e *Engine) resolveInput(input map[string]any, scope *expressions.Scope) (map[string]any, error) {
	if input == nil {
		return map[string]any{}, nil
	}
	resolved, err := e.interp.ResolveValue(input, scope)
	if err != nil {
		return nil, err
	}
	m, ok := resolved.(map[string]any)
	if !ok {
		return map[string]any{}, nil
	}
	return m, nil
}

func (e *Engine) executeApprovalNode(ctx context.Context, sess *session, step *schema.StepDefinition) (outcome, error) {
	var cfg schema.ApprovalConfig
	if err := schema.DecodeConfig(step.Config, &cfg); err != nil {
		return outcome{}, nodeErr(err, step.ID)
	}

	if err := e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, schema.NodeStatusPending, schema.NodeStatusRunning, nil, 1); err != nil {
		return outcome{}, err
	}

	decision, pending, err := e.gate.Open(ctx, sess.run.ID, step.ID, cfg, sess.scope)
	if err != nil {
		cause := nodeErr(err, step.ID)
		_ = e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, schema.NodeStatusRunning, schema.NodeStatusFailed, errBody(cause), 1)
		return e.escalate(ctx, sess, step, cause, 1)
	}

	if decision == schema.DecisionApproved {
		output := map[string]any{"decision": string(schema.DecisionApproved), "auto_approved": true}
		if err := e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, schema.NodeStatusRunning, schema.NodeStatusCompleted, output, 1); err != nil {
			return outcome{}, err
		}
		sess.noteCompleted(step.ID, output, nil)
		sess.scope = sess.scope.WithDecision(schema.DecisionApproved)
		return e.route(ctx, sess, step, sess.scope)
	}

	payload := map[string]any{
		"approval_id":        pending.ID,
		"required_approvals": pending.RequiredApprovals,
	}
	if len(pending.Approvers) > 0 {
		payload["approvers"] = pending.Approvers
	}
	if pending.DeadlineAt != nil {
		payload["deadline_at"] = pending.DeadlineAt
	}
	if err := e.log.Append(ctx, sess.run.ID, step.ID, schema.EventApprovalRequested, payload, 1); err != nil {
		return outcome{}, err
	}
	if err := e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, schema.NodeStatusRunning, schema.NodeStatusWaiting, nil, 1); err != nil {
		return outcome{}, err
	}
	return outcome{kind: outcomeSuspend, payload: payload}, nil
}

func (e *Engine) executeValidationNode(ctx context.Context, sess *session, step *schema.StepDefinition) (outcome, error) {
	var cfg schema.ValidationConfig
	if err := schema.DecodeConfig(step.Config, &cfg); err != nil {
		return outcome{}, nodeErr(err, step.ID)
	}

	validators := make([]capability.Validator, 0, len(cfg.Validators))
	for _, spec := range cfg.Validators {
		v, err := capability.BuildValidator(spec, e.engines, e.caps)
		if err != nil {
			return outcome{}, nodeErr(err, step.ID)
		}
		validators = append(validators, v)
	}

	data := sess.scope.ValidatorData(sess.lastOutput)
	maxAttempts := cfg.MaxRetries + 1
	status := schema.NodeStatusPending

	var verdict *capability.Verdict
	var failedName string
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if err := e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, status, schema.NodeStatusRunning, nil, attempt); err != nil {
			return outcome{attempts: attempt}, err
		}
		status = schema.NodeStatusRunning

		var err error
		verdict, failedName, err = runValidators(ctx, validators, data)
		if err != nil {
			cause := nodeErr(err, step.ID)
			_ = e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, status, schema.NodeStatusFailed, errBody(cause), attempt)
			return e.escalate(ctx, sess, step, cause, attempt)
		}
		if verdict.Passed {
			break
		}
		if attempt < maxAttempts {
			payload := map[string]any{"validator": failedName, "reason": verdict.Reason}
			if err := e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, status, schema.NodeStatusRetrying, payload, attempt); err != nil {
				return outcome{attempts: attempt}, err
			}
			status = schema.NodeStatusRetrying
		}
	}

	if verdict.Passed {
		output := map[string]any{"passed": true}
		if err := e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, status, schema.NodeStatusCompleted, output, attempts); err != nil {
			return outcome{}, err
		}
		sess.noteCompleted(step.ID, output, nil)
		return e.route(ctx, sess, step, sess.scope)
	}

	output := map[string]any{"passed": false, "validator": failedName, "reason": verdict.Reason}
	switch cfg.OnFailure {
	case schema.FailureContinue:
		if err := e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, status, schema.NodeStatusCompleted, output, attempts); err != nil {
			return outcome{}, err
		}
		sess.noteCompleted(step.ID, output, nil)
		return e.route(ctx, sess, step, sess.scope)

	case schema.FailureRetryPrevious:
		if sess.prevNode == "" {
			cause := schema.NewErrorf(schema.ErrCodeValidation,
				"retry_previous_step with no previous step: %s", verdict.Reason).WithNode(step.ID)
			_ = e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, status, schema.NodeStatusFailed, errBody(cause), attempts)
			return outcome{attempts: attempts}, cause
		}
		_ = e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, status, schema.NodeStatusFailed, output, attempts)
		if err := e.log.Append(ctx, sess.run.ID, step.ID, schema.EventRouteSelected,
			map[string]any{"to": sess.prevNode, "reason": "retry_previous_step"}, 0); err != nil {
			return outcome{}, err
		}
		return outcome{kind: outcomeAdvance, next: sess.prevNode, attempts: attempts}, nil

	default: // fail
		cause := schema.NewErrorf(schema.ErrCodeValidation, "validator %s failed: %s", failedName, verdict.Reason).WithNode(step.ID)
		_ = e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, status, schema.NodeStatusFailed, errBody(cause), attempts)
		if len(step.OnError) > 0 {
			return e.routeOnError(ctx, sess, step, cause, attempts)
		}
		return e.escalate(ctx, sess, step, cause, attempts)
	}
}

func runValidators(ctx context.Context, validators []capability.Validator, data map[string]any) (*capability.Verdict, string, error) {
	for _, v := range validators {
		verdict, err := v.Validate(ctx, data)
		if err != nil {
			return nil, v.Name(), err
		}
		if !verdict.Passed {
			return verdict, v.Name(), nil
		}
	}
	return &capability.Verdict{Passed: true}, "", nil
}

func (e *Engine) executeConditionalNode(ctx context.Context, sess *session, step *schema.StepDefinition) (outcome, error) {
	if err := e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, schema.NodeStatusPending, schema.NodeStatusRunning, nil, 1); err != nil {
		return outcome{}, err
	}
	if err := e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, schema.NodeStatusRunning, schema.NodeStatusCompleted, nil, 1); err != nil {
		return outcome{}, err
	}
	sess.completed = append(sess.completed, step.ID)
	return e.route(ctx, sess, step, sess.scope)
}

func (e *Engine) executeWaitNode(ctx context.Context, sess *session, step *schema.StepDefinition) (outcome, error) {
	var cfg schema.WaitConfig
	if err := schema.DecodeConfig(step.Config, &cfg); err != nil {
		return outcome{}, nodeErr(err, step.ID)
	}
	d, err := time.ParseDuration(cfg.Duration)
	if err != nil {
		return outcome{}, schema.NewErrorf(schema.ErrCodeConfig, "unparseable duration %q", cfg.Duration).WithNode(step.ID)
	}

	if err := e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, schema.NodeStatusPending, schema.NodeStatusRunning, nil, 1); err != nil {
		return outcome{}, err
	}
	if err := e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, schema.NodeStatusRunning, schema.NodeStatusWaiting,
		map[string]any{"duration": cfg.Duration}, 1); err != nil {
		return outcome{}, err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return outcome{}, ctx.Err()
	}

	output := map[string]any{"waited_ms": d.Milliseconds()}
	if err := e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, schema.NodeStatusWaiting, schema.NodeStatusCompleted, output, 1); err != nil {
		return outcome{}, err
	}
	sess.noteCompleted(step.ID, output, nil)
	return e.route(ctx, sess, step, sess.scope)
}

func (e *Engine) executeTerminalNode(ctx context.Context, sess *session, step *schema.StepDefinition) (outcome, error) {
	var cfg schema.TerminalConfig
	if err := schema.DecodeConfig(step.Config, &cfg); err != nil {
		return outcome{}, nodeErr(err, step.ID)
	}

	status := schema.RunStatusCompleted
	if cfg.Status == "failed" {
		status = schema.RunStatusFailed
	}

	if err := e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, schema.NodeStatusPending, schema.NodeStatusRunning, nil, 1); err != nil {
		return outcome{}, err
	}
	payload := map[string]any{"status": string(status), "code": cfg.Code}
	if err := e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, schema.NodeStatusRunning, schema.NodeStatusCompleted, payload, 1); err != nil {
		return outcome{}, err
	}
	sess.completed = append(sess.completed, step.ID)
	return outcome{kind: outcomeTerminal, status: status, code: cfg.Code}, nil
}

// --- routing and failure escalation ---

func (e *Engine) route(ctx context.Context, sess *session, step *schema.StepDefinition, scope *expressions.Scope) (outcome, error) {
	if len(step.Next) == 0 {
		// A node without outgoing edges ends the run.
		return outcome{kind: outcomeEnd}, nil
	}
	target, err := e.router.Select(ctx, step.ID, step.Next, scope)
	if err != nil {
		return outcome{}, err
	}
	if err := e.log.Append(ctx, sess.run.ID, step.ID, schema.EventRouteSelected, map[string]any{"to": target}, 0); err != nil {
		return outcome{}, err
	}
	return outcome{kind: outcomeAdvance, next: target}, nil
}

// routeOnError routes a failed node along its on_error edges. These take
// precedence over the retry policy; when none of them matches, control
// falls through to the usual escalation chain.
func (e *Engine) routeOnError(ctx context.Context, sess *session, step *schema.StepDefinition, cause error, attempts int) (outcome, error) {
	sess.scope = sess.scope.WithOutput(step.ID, map[string]any{"error": errBody(cause)})

	target, err := e.router.Select(ctx, step.ID, step.OnError, sess.scope)
	if err != nil {
		var flowErr *schema.FlowError
		if errors.As(err, &flowErr) && flowErr.Code == schema.ErrCodeNoRoute {
			return e.escalate(ctx, sess, step, cause, attempts)
		}
		return outcome{attempts: attempts}, err
	}
	if err := e.log.Append(ctx, sess.run.ID, step.ID, schema.EventRouteSelected,
		map[string]any{"to": target, "reason": "on_error"}, 0); err != nil {
		return outcome{}, err
	}
	return outcome{kind: outcomeAdvance, next: target, attempts: attempts}, nil
}

// escalate hands a failed node to the workflow's errorHandler node when one
// is configured; otherwise the failure surfaces and the run fails.
func (e *Engine) escalate(ctx context.Context, sess *session, step *schema.StepDefinition, cause error, attempts int) (outcome, error) {
	handler := sess.graph.ErrorHandler()
	if handler == "" || handler == step.ID {
		return outcome{attempts: attempts}, cause
	}
	sess.scope = sess.scope.WithOutput(step.ID, map[string]any{"error": errBody(cause)})
	if err := e.log.Append(ctx, sess.run.ID, step.ID, schema.EventRouteSelected,
		map[string]any{"to": handler, "reason": "error_handler"}, 0); err != nil {
		return outcome{}, err
	}
	return outcome{kind: outcomeAdvance, next: handler, attempts: attempts}, nil
}

// nodeErr attaches the node to a FlowError, or wraps a plain capability
// error as a retryable step error.
func nodeErr(err error, nodeID string) error {
	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		if flowErr.NodeID == "" {
			flowErr.NodeID = nodeID
		}
		return flowErr
	}
	return schema.NewErrorf(schema.ErrCodeStep, "%s", err.Error()).WithNode(nodeID).WithCause(err)
}

func errBody(err error) map[string]any {
	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return map[string]any{"code": flowErr.Code, "message": flowErr.Message}
	}
	return map[string]any{"message": err.Error()}
}
