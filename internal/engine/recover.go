package engine

import (
	"context"
	"encoding/json"

	"github.com/floworc/floworc/internal/store"
	"github.com/floworc/floworc/pkg/schema"
)

// ResumeFromCheckpoint restores a run's persisted progress from a
// checkpoint and continues execution from its cursor. With skipCompleted,
// a node that finished after the checkpoint was taken, as the event log
// shows, is not re-executed: its recorded result is applied once and the
// run routes forward from it.
func (e *Engine) ResumeFromCheckpoint(ctx context.Context, runID string, cp *store.Checkpoint, skipCompleted bool) (*store.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, schema.NewErrorf(schema.ErrCodeConflict, "run %s already finished as %s", runID, run.Status)
	}

	if cp != nil {
		if cp.RunID != runID {
			return run, schema.NewErrorf(schema.ErrCodeConflict,
				"checkpoint %s belongs to run %s, not %s", cp.ID, cp.RunID, runID)
		}
		cursor := cp.Cursor
		steps := cp.StepCount
		if err := e.store.UpdateRun(ctx, runID, store.RunUpdate{
			State:     cp.State,
			Cursor:    &cursor,
			StepCount: &steps,
		}); err != nil {
			return nil, err
		}
		run.State = cp.State
		run.Cursor = cp.Cursor
		run.StepCount = cp.StepCount
	}

	var prepare prepareFunc
	if skipCompleted && cp != nil {
		prepare = e.skipRecoveredNode(cp)
	}
	return e.executeSession(ctx, run, prepare)
}

// skipRecoveredNode handles the crash window between a node completing and
// the next checkpoint: when the cursor node already has a completion in the
// log newer than the checkpoint, its recorded delta is merged instead of
// running the node again.
func (e *Engine) skipRecoveredNode(cp *store.Checkpoint) prepareFunc {
	return func(ctx context.Context, sess *session, step *schema.StepDefinition) (outcome, error) {
		records, err := e.log.Replay(ctx, sess.run.ID)
		if err != nil {
			return outcome{}, err
		}
		rec := records[step.ID]
		if rec == nil || rec.Status != schema.NodeStatusCompleted ||
			rec.CompletedAt == nil || !rec.CompletedAt.After(cp.CreatedAt) {
			return outcome{kind: outcomeContinue}, nil
		}

		var delta map[string]any
		if len(rec.Output) > 0 {
			if err := json.Unmarshal(rec.Output, &delta); err != nil {
				return outcome{kind: outcomeContinue}, nil
			}
		}
		merged, err := sess.state.Apply(delta)
		if err != nil {
			return outcome{}, nodeErr(err, step.ID)
		}
		sess.noteCompleted(step.ID, delta, merged)
		sess.stepCount++
		sess.visits[step.ID]++
		return e.route(ctx, sess, step, sess.scope)
	}
}
