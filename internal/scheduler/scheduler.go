// Package scheduler triggers workflow runs from persisted cron schedules.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/floworc/floworc/internal/definition"
	"github.com/floworc/floworc/internal/engine"
	"github.com/floworc/floworc/internal/store"
	"github.com/floworc/floworc/pkg/schema"
)

// Scheduler fires stored cron schedules against the engine. Schedules are
// persisted, so a restart re-registers them from the store; the in-memory
// cron runner is just a trigger surface.
type Scheduler struct {
	store  store.Store
	engine *engine.Engine
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	started bool
}

func New(st store.Store, eng *engine.Engine, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   st,
		engine:  eng,
		cron:    cron.New(),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Add validates and persists a schedule and, when the scheduler is running,
// registers it with the cron runner immediately.
func (s *Scheduler) Add(ctx context.Context, doc *schema.Document, expr string, input map[string]any) (*store.Schedule, error) {
	if result := definition.Validate(doc); !result.Valid() {
		return nil, result.ToError()
	}
	spec, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "invalid cron expression %q: %s", expr, err.Error())
	}

	next := spec.Next(time.Now().UTC())
	sched := &store.Schedule{
		ID:             uuid.NewString(),
		WorkflowName:   doc.Metadata.Name,
		Definition:     *doc,
		CronExpression: expr,
		Input:          input,
		Enabled:        true,
		NextRunAt:      &next,
	}
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		if err := s.register(sched); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

// Remove deletes a schedule and deregisters its cron entry.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deregister(id)
	return nil
}

// SetEnabled toggles a schedule. Disabled schedules stay persisted but
// stop firing.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := s.store.UpdateSchedule(ctx, id, store.ScheduleUpdate{Enabled: &enabled}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !enabled {
		s.deregister(id)
		return nil
	}
	if !s.started {
		return nil
	}
	if _, ok := s.entries[id]; ok {
		return nil
	}
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	return s.register(sched)
}

// List returns persisted schedules, optionally only enabled ones.
func (s *Scheduler) List(ctx context.Context, enabledOnly bool) ([]*store.Schedule, error) {
	return s.store.ListSchedules(ctx, enabledOnly)
}

// Start registers every enabled schedule and starts the cron runner. The
// runner stops when the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, sched := range schedules {
		if err := s.register(sched); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.started = true
	s.mu.Unlock()

	s.cron.Start()
	s.logger.InfoContext(ctx, "scheduler started", "schedules", len(schedules))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the cron runner and waits for in-flight jobs to return.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
}

// register must be called with s.mu held.
func (s *Scheduler) register(sched *store.Schedule) error {
	id := sched.ID
	entryID, err := s.cron.AddFunc(sched.CronExpression, func() {
		s.fire(id)
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeConfig,
			"register schedule %s: %s", id, err.Error())
	}
	s.entries[id] = entryID
	return nil
}

// deregister must be called with s.mu held.
func (s *Scheduler) deregister(id string) {
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

// fire starts one run for a schedule. The schedule is re-read so toggles
// and deletions between cron ticks are honored.
func (s *Scheduler) fire(id string) {
	ctx := context.Background()

	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		s.logger.Warn("schedule vanished, deregistering", "schedule_id", id)
		s.mu.Lock()
		s.deregister(id)
		s.mu.Unlock()
		return
	}
	if !sched.Enabled {
		return
	}

	now := time.Now().UTC()
	update := store.ScheduleUpdate{LastRunAt: &now}
	if spec, err := cron.ParseStandard(sched.CronExpression); err == nil {
		next := spec.Next(now)
		update.NextRunAt = &next
	}
	if err := s.store.UpdateSchedule(ctx, id, update); err != nil {
		s.logger.Warn("update schedule run times", "schedule_id", id, "error", err)
	}

	input := map[string]any{
		"trigger":      "schedule",
		"schedule_id":  sched.ID,
		"triggered_at": now.Format(time.RFC3339),
	}
	for k, v := range sched.Input {
		input[k] = v
	}

	s.logger.Info("schedule fired", "schedule_id", id, "workflow", sched.WorkflowName)
	run, err := s.engine.Run(ctx, &sched.Definition, input)
	if err != nil {
		s.logger.Error("scheduled run failed to start", "schedule_id", id, "error", err)
		return
	}
	s.logger.Info("scheduled run finished",
		"schedule_id", id, "run_id", run.ID, "status", run.Status)
}
