package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// History log (append-only, per-run monotonic sequence)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	CountEvents(ctx context.Context, runID string, filter EventFilter) (int, error)

	// Checkpoints
	SaveCheckpoint(ctx context.Context, cp *Checkpoint, history int) error
	LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, runID string) ([]*Checkpoint, error)

	// Approvals
	CreateApproval(ctx context.Context, pa *PendingApproval) error
	GetApproval(ctx context.Context, id string) (*PendingApproval, error)
	GetApprovalByNode(ctx context.Context, runID, nodeID string) (*PendingApproval, error)
	UpdateApproval(ctx context.Context, id string, update ApprovalUpdate) error
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*PendingApproval, error)

	// Schedules
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, enabledOnly bool) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
