package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/floworc/floworc/internal/capability"
	"github.com/floworc/floworc/internal/expressions"
	"github.com/floworc/floworc/internal/state"
	"github.com/floworc/floworc/pkg/schema"
)

type branchResult struct {
	index int
	delta map[string]any
	err   error
}

// executeParallelNode forks every branch against a snapshot of the state
// taken before the fork, waits for the join quorum, and merges successful
// branch deltas into the run state in completion order. Results arriving
// after the join is satisfied are discarded.
func (e *Engine) executeParallelNode(ctx context.Context, sess *session, step *schema.StepDefinition) (outcome, error) {
	var cfg schema.ParallelConfig
	if err := schema.DecodeConfig(step.Config, &cfg); err != nil {
		return outcome{}, nodeErr(err, step.ID)
	}

	total := len(cfg.Branches)
	needed := joinQuorum(cfg.Join.Strategy, total)

	var joinTimeout time.Duration
	if cfg.Join.Timeout != "" {
		d, err := time.ParseDuration(cfg.Join.Timeout)
		if err != nil {
			return outcome{}, schema.NewErrorf(schema.ErrCodeConfig, "unparseable join timeout %q", cfg.Join.Timeout).WithNode(step.ID)
		}
		joinTimeout = d
	}

	if err := e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, schema.NodeStatusPending, schema.NodeStatusRunning, nil, 1); err != nil {
		return outcome{}, err
	}

	snapshot := sess.state.Snapshot()
	forkScope := sess.scope

	branchCtx, cancelBranches := context.WithCancel(ctx)
	defer cancelBranches()

	results := make(chan branchResult, total)
	for i, steps := range cfg.Branches {
		i, steps := i, steps
		submitErr := e.pool.Submit(branchCtx, func(bctx context.Context) error {
			delta, err := e.runBranch(bctx, sess, forkScope, snapshot, steps)
			results <- branchResult{index: i, delta: delta, err: err}
			return err
		})
		if submitErr != nil {
			results <- branchResult{index: i, err: submitErr}
		}
	}

	var timeoutCh <-chan time.Time
	if joinTimeout > 0 {
		timer := time.NewTimer(joinTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var received, succeeded, failed int
	var firstErr error
	timedOut := false

collect:
	for received < total {
		select {
		case <-ctx.Done():
			cancelBranches()
			e.discardRemaining(context.WithoutCancel(ctx), sess, step.ID, results, total-received)
			return outcome{}, ctx.Err()

		case <-timeoutCh:
			// The join proceeds with whatever finished in time.
			timedOut = true
			break collect

		case res := <-results:
			received++
			if res.err != nil {
				failed++
				if firstErr == nil {
					firstErr = res.err
				}
				if total-failed < needed {
					// Quorum can no longer be reached.
					break collect
				}
				continue
			}

			merged, err := sess.state.Apply(res.delta)
			if err != nil {
				cancelBranches()
				e.discardRemaining(context.WithoutCancel(ctx), sess, step.ID, results, total-received)
				cause := nodeErr(err, step.ID)
				_ = e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, schema.NodeStatusRunning, schema.NodeStatusFailed, errBody(cause), 1)
				return e.escalate(ctx, sess, step, cause, 1)
			}
			succeeded++
			sess.scope = scopeWithState(sess.scope, merged)
			if err := e.log.Append(ctx, sess.run.ID, step.ID, schema.EventBranchCompleted,
				map[string]any{"branch": res.index, "order": succeeded}, 0); err != nil {
				return outcome{}, err
			}
			if succeeded >= needed {
				break collect
			}
		}
	}

	cancelBranches()
	if remaining := total - received; remaining > 0 {
		e.discardRemaining(context.WithoutCancel(ctx), sess, step.ID, results, remaining)
	}

	if succeeded < needed && !timedOut {
		cause := nodeErr(fmt.Errorf("join quorum not reached: %d of %d branches succeeded, needed %d: %w",
			succeeded, total, needed, firstErr), step.ID)
		_ = e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, schema.NodeStatusRunning, schema.NodeStatusFailed, errBody(cause), 1)
		if len(step.OnError) > 0 {
			return e.routeOnError(ctx, sess, step, cause, 1)
		}
		return e.escalate(ctx, sess, step, cause, 1)
	}

	output := map[string]any{
		"branches_total":     total,
		"branches_completed": succeeded,
		"timed_out":          timedOut,
	}
	if err := e.nodeFSM.Transition(ctx, sess.run.ID, step.ID, schema.NodeStatusRunning, schema.NodeStatusCompleted, output, 1); err != nil {
		return outcome{}, err
	}
	sess.noteCompleted(step.ID, output, sess.state.Snapshot())
	return e.route(ctx, sess, step, sess.scope)
}

// discardRemaining drains outstanding branch results in the background and
// records a discard event for each, so the run can move on without leaking
// the branch goroutines' sends. The drain is tracked on the engine and
// Close waits for it, keeping its store writes inside the engine lifetime.
func (e *Engine) discardRemaining(ctx context.Context, sess *session, nodeID string, results <-chan branchResult, remaining int) {
	if remaining <= 0 {
		return
	}
	runID := sess.run.ID
	e.drains.Add(1)
	go func() {
		defer e.drains.Done()
		for i := 0; i < remaining; i++ {
			res := <-results
			payload := map[string]any{"branch": res.index}
			if res.err != nil {
				payload["error"] = res.err.Error()
			}
			if err := e.log.Append(ctx, runID, nodeID, schema.EventBranchDiscarded, payload, 0); err != nil {
				e.logger.WarnContext(ctx, "record discarded branch", "run_id", runID, "error", err)
			}
		}
	}()
}

// runBranch executes one branch's inline steps sequentially against a
// branch-local copy of the pre-fork state and returns the composite delta
// the branch produced. Branches never see each other's writes.
func (e *Engine) runBranch(ctx context.Context, sess *session, forkScope *expressions.Scope, snapshot state.State, steps []schema.StepDefinition) (_ map[string]any, err error) {
	defer recoverBranch(&err)

	local, err := state.NewStore(snapshot, sess.registry, nil)
	if err != nil {
		return nil, err
	}

	scope := forkScope
	composite := map[string]any{}
	var lastOutput map[string]any

	for i := range steps {
		inner := &steps[i]
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		switch inner.Type {
		case schema.StepTypeAgent, schema.StepTypeFleet:
			delta, err := e.invokeCapability(ctx, scope, inner)
			if err != nil {
				return nil, nodeErr(err, inner.ID)
			}
			merged, err := local.Apply(delta)
			if err != nil {
				return nil, nodeErr(err, inner.ID)
			}
			if err := mergeDelta(sess.registry, composite, delta); err != nil {
				return nil, nodeErr(err, inner.ID)
			}
			scope = scopeWithState(scope.WithOutput(inner.ID, delta), merged)
			lastOutput = delta

		case schema.StepTypeWait:
			var cfg schema.WaitConfig
			if err := schema.DecodeConfig(inner.Config, &cfg); err != nil {
				return nil, nodeErr(err, inner.ID)
			}
			d, err := time.ParseDuration(cfg.Duration)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeConfig, "unparseable duration %q", cfg.Duration).WithNode(inner.ID)
			}
			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}

		case schema.StepTypeValidation:
			var cfg schema.ValidationConfig
			if err := schema.DecodeConfig(inner.Config, &cfg); err != nil {
				return nil, nodeErr(err, inner.ID)
			}
			validators := make([]capability.Validator, 0, len(cfg.Validators))
			for _, spec := range cfg.Validators {
				v, err := capability.BuildValidator(spec, e.engines, e.caps)
				if err != nil {
					return nil, nodeErr(err, inner.ID)
				}
				validators = append(validators, v)
			}
			verdict, name, err := runValidators(ctx, validators, scope.ValidatorData(lastOutput))
			if err != nil {
				return nil, nodeErr(err, inner.ID)
			}
			if !verdict.Passed && cfg.OnFailure != schema.FailureContinue {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"validator %s failed: %s", name, verdict.Reason).WithNode(inner.ID)
			}

		default:
			return nil, schema.NewErrorf(schema.ErrCodeConfig,
				"step type %q cannot run inside a branch", inner.Type).WithNode(inner.ID)
		}
	}

	return composite, nil
}

// mergeDelta folds a step delta into the branch's composite delta through
// the field reducers, so the composite carries the same result as applying
// the step deltas one at a time.
func mergeDelta(registry *state.Registry, composite, delta map[string]any) error {
	for field, value := range delta {
		current, ok := composite[field]
		if !ok {
			composite[field] = value
			continue
		}
		merged, err := registry.Merge(field, current, value)
		if err != nil {
			return err
		}
		composite[field] = merged
	}
	return nil
}

func scopeWithState(scope *expressions.Scope, st map[string]any) *expressions.Scope {
	next := *scope
	next.State = st
	return &next
}

// joinQuorum maps a join strategy to the number of branches that must
// succeed. Majority rounds up for odd counts: 3 branches need 2.
func joinQuorum(strategy schema.JoinStrategy, total int) int {
	switch strategy {
	case schema.JoinAny:
		return 1
	case schema.JoinMajority:
		return (total + 1) / 2
	default:
		return total
	}
}
