package engine

import (
	"context"
	"errors"
	"time"

	"github.com/floworc/floworc/internal/store"
	"github.com/floworc/floworc/pkg/schema"
)

// Approve records one approver's decision on the approval gate the run is
// suspended at. When the decision finalizes the gate, approved, rejected or
// any reject, the run resumes and executes until its next resting state.
func (e *Engine) Approve(ctx context.Context, runID, nodeID, approver string, approve bool) (*store.Run, error) {
	pending, err := e.store.GetApprovalByNode(ctx, runID, nodeID)
	if err != nil {
		return nil, err
	}

	decision, err := e.gate.Decide(ctx, pending.ID, approver, approve)
	if err != nil {
		return nil, err
	}
	if err := e.log.Append(ctx, runID, nodeID, schema.EventApprovalDecided,
		map[string]any{"approver": approver, "approved": approve, "decision": decision}, 0); err != nil {
		return nil, err
	}
	if decision == schema.DecisionPending {
		// Quorum not reached yet; the run stays suspended.
		return e.store.GetRun(ctx, runID)
	}
	return e.resumeWithDecision(ctx, runID, nodeID, decision)
}

// ProvideInput completes a run suspended on external input: the payload is
// merged into state through the reducers and recorded as the waiting node's
// output, then the run continues.
func (e *Engine) ProvideInput(ctx context.Context, runID, nodeID string, data map[string]any) (*store.Run, error) {
	return e.resumeFrom(ctx, runID, nodeID, func(ctx context.Context, sess *session, step *schema.StepDefinition) (outcome, error) {
		merged, err := sess.state.Apply(data)
		if err != nil {
			return outcome{}, nodeErr(err, step.ID)
		}
		// Input can complete a node that also has a gate open. Resolve the
		// gate so the deadline sweeper does not time it out later and
		// conflict with a run that already moved on.
		if err := e.gate.Supersede(ctx, runID, step.ID); err != nil {
			return outcome{}, err
		}
		if err := e.nodeFSM.Transition(ctx, runID, step.ID, schema.NodeStatusWaiting, schema.NodeStatusCompleted, data, 0); err != nil {
			return outcome{}, err
		}
		sess.noteCompleted(step.ID, data, merged)
		return e.route(ctx, sess, step, sess.scope)
	})
}

// Resume picks an interrupted run back up. A run suspended on a decided
// approval continues from that decision; a run left in running after a
// process restart re-executes from its cursor.
func (e *Engine) Resume(ctx context.Context, runID string) (*store.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	switch run.Status {
	case schema.RunStatusPending, schema.RunStatusRunning:
		return e.executeSession(ctx, run, nil)

	case schema.RunStatusWaiting:
		approvals, err := e.store.ListApprovals(ctx, store.ApprovalFilter{RunID: runID})
		if err != nil {
			return nil, err
		}
		for _, pa := range approvals {
			if pa.NodeID != run.Cursor || pa.Decision == schema.DecisionSuperseded {
				continue
			}
			if pa.Decision == schema.DecisionPending {
				return run, schema.NewErrorf(schema.ErrCodeConflict,
					"run %s is waiting on approval at %s", runID, run.Cursor)
			}
			return e.resumeWithDecision(ctx, runID, run.Cursor, pa.Decision)
		}
		return run, schema.NewErrorf(schema.ErrCodeConflict,
			"run %s is waiting for external input at %s", runID, run.Cursor)

	default:
		return run, schema.NewErrorf(schema.ErrCodeConflict, "run %s already finished as %s", runID, run.Status)
	}
}

// ExpireApprovals times out every approval whose deadline has passed and
// resumes the affected runs with the timeout decision, which routes like
// any other edge condition rather than failing the run.
func (e *Engine) ExpireApprovals(ctx context.Context, now time.Time) error {
	expired, err := e.gate.ExpireDue(ctx, now)
	if err != nil {
		return err
	}

	var errs []error
	for _, pa := range expired {
		if err := e.log.Append(ctx, pa.RunID, pa.NodeID, schema.EventApprovalTimedOut,
			map[string]any{"approval_id": pa.ID}, 0); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := e.resumeWithDecision(ctx, pa.RunID, pa.NodeID, schema.DecisionTimedOut); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PollApprovals expires due approvals on a fixed interval until the context
// is cancelled. Long-running surfaces such as serve use it as a background
// deadline sweeper.
func (e *Engine) PollApprovals(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := e.ExpireApprovals(ctx, now); err != nil {
				e.logger.WarnContext(ctx, "expire approvals", "error", err)
			}
		}
	}
}

func (e *Engine) resumeWithDecision(ctx context.Context, runID, nodeID string, decision schema.Decision) (*store.Run, error) {
	return e.resumeFrom(ctx, runID, nodeID, func(ctx context.Context, sess *session, step *schema.StepDefinition) (outcome, error) {
		output := map[string]any{"decision": string(decision)}
		if err := e.nodeFSM.Transition(ctx, runID, step.ID, schema.NodeStatusWaiting, schema.NodeStatusCompleted, output, 0); err != nil {
			return outcome{}, err
		}
		sess.noteCompleted(step.ID, output, nil)
		sess.scope = sess.scope.WithDecision(decision)
		return e.route(ctx, sess, step, sess.scope)
	})
}

func (e *Engine) resumeFrom(ctx context.Context, runID, nodeID string, prepare prepareFunc) (*store.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != schema.RunStatusWaiting {
		return run, schema.NewErrorf(schema.ErrCodeConflict, "run %s is %s, not waiting", runID, run.Status)
	}
	if run.Cursor != nodeID {
		return run, schema.NewErrorf(schema.ErrCodeConflict,
			"run %s is waiting at %s, not %s", runID, run.Cursor, nodeID)
	}
	return e.executeSession(ctx, run, prepare)
}
