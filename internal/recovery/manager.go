// Package recovery resumes interrupted runs from their checkpoints after a
// process restart or crash.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/floworc/floworc/internal/engine"
	"github.com/floworc/floworc/internal/store"
	"github.com/floworc/floworc/pkg/schema"
)

// Manager inspects persisted runs and checkpoints and restarts execution
// according to each workflow's recovery policy. It only reads what the
// engine wrote; the engine does the actual resumption.
type Manager struct {
	store  store.Store
	log    *store.RunLog
	engine *engine.Engine
	logger *slog.Logger
}

func NewManager(st store.Store, eng *engine.Engine, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  st,
		log:    store.NewRunLog(st),
		engine: eng,
		logger: logger,
	}
}

// Resume recovers a single interrupted run. With skip_completed the run
// continues from its latest checkpoint; otherwise it restarts from the
// entrypoint with the original trigger input. Runs suspended on approvals
// are left alone, their gates survive restarts on their own.
func (m *Manager) Resume(ctx context.Context, runID string) (*store.Run, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, schema.NewErrorf(schema.ErrCodeConflict, "run %s already finished as %s", runID, run.Status)
	}
	if run.Status == schema.RunStatusWaiting {
		return run, schema.NewErrorf(schema.ErrCodeConflict,
			"run %s is waiting for an external decision, not crashed", runID)
	}

	policy := run.Definition.Spec.Recovery
	if !policy.SkipCompleted {
		return m.restart(ctx, run)
	}

	cp, err := m.latestCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		// Nothing checkpointed yet; the run record itself carries the
		// newest persisted cursor.
		m.logger.InfoContext(ctx, "resuming run without checkpoint",
			"run_id", runID, "cursor", run.Cursor)
		return m.engine.Execute(ctx, runID)
	}

	m.logger.InfoContext(ctx, "resuming run from checkpoint",
		"run_id", runID, "sequence", cp.Sequence, "cursor", cp.Cursor)
	return m.engine.ResumeFromCheckpoint(ctx, runID, cp, true)
}

// RecoverAll resumes every run left in running whose workflow opted into
// auto_resume. Called once at process startup.
func (m *Manager) RecoverAll(ctx context.Context) ([]*store.Run, error) {
	running := schema.RunStatusRunning
	runs, err := m.store.ListRuns(ctx, store.RunFilter{Status: &running})
	if err != nil {
		return nil, err
	}

	var resumed []*store.Run
	var errs []error
	for _, run := range runs {
		if !run.Definition.Spec.Recovery.AutoResume {
			m.logger.InfoContext(ctx, "skipping interrupted run, auto_resume disabled",
				"run_id", run.ID)
			continue
		}
		got, err := m.Resume(ctx, run.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		resumed = append(resumed, got)
	}
	return resumed, errors.Join(errs...)
}

// restart rewinds a run to its entrypoint with the trigger input it
// originally started with. Completed work is re-executed.
func (m *Manager) restart(ctx context.Context, run *store.Run) (*store.Run, error) {
	initial, err := m.triggerInput(ctx, run)
	if err != nil {
		return nil, err
	}

	entry := run.Definition.Spec.Entrypoint
	zero := 0
	if err := m.store.UpdateRun(ctx, run.ID, store.RunUpdate{
		State:     initial,
		Cursor:    &entry,
		StepCount: &zero,
	}); err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "restarting run from entrypoint", "run_id", run.ID)
	return m.engine.Execute(ctx, run.ID)
}

// triggerInput recovers the original trigger payload from the run_started
// event. A run that never started simply keeps its current state.
func (m *Manager) triggerInput(ctx context.Context, run *store.Run) (map[string]any, error) {
	events, err := m.log.Events(ctx, run.ID, 0)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if ev.Type != schema.EventRunStarted {
			continue
		}
		var input map[string]any
		if len(ev.Payload) > 0 && json.Unmarshal(ev.Payload, &input) == nil {
			return input, nil
		}
		break
	}
	return run.State, nil
}

func (m *Manager) latestCheckpoint(ctx context.Context, runID string) (*store.Checkpoint, error) {
	cp, err := m.store.LatestCheckpoint(ctx, runID)
	if err != nil {
		var flowErr *schema.FlowError
		if errors.As(err, &flowErr) && flowErr.Code == schema.ErrCodeNotFound {
			return nil, nil
		}
		return nil, err
	}
	return cp, nil
}
