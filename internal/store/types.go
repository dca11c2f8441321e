package store

import (
	"encoding/json"
	"time"

	"github.com/floworc/floworc/pkg/schema"
)

// Run is the persisted representation of a workflow run.
type Run struct {
	ID           string          `json:"id"`
	WorkflowName string          `json:"workflow_name"`
	Definition   schema.Document `json:"definition"`
	Status       schema.RunStatus `json:"status"`
	State        map[string]any  `json:"state"`
	// Cursor is the ID of the node the run will execute next.
	Cursor      string          `json:"cursor,omitempty"`
	StepCount   int             `json:"step_count"`
	Error       json.RawMessage `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Event is an immutable entry in a run's history log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// Checkpoint is a durable snapshot of run progress. Sequence numbers are
// strictly increasing per run; recovery resumes from the highest one.
type Checkpoint struct {
	ID       string `json:"id"`
	RunID    string `json:"run_id"`
	Sequence int64  `json:"sequence"`
	// Cursor is the node the run executes next after restoring.
	Cursor      string         `json:"cursor,omitempty"`
	State       map[string]any `json:"state"`
	Completed   []string       `json:"completed,omitempty"`
	VisitCounts map[string]int `json:"visit_counts,omitempty"`
	StepCount   int            `json:"step_count"`
	CreatedAt   time.Time      `json:"created_at"`
}

// PendingApproval is a persisted approval gate awaiting decisions.
type PendingApproval struct {
	ID                string          `json:"id"`
	RunID             string          `json:"run_id"`
	NodeID            string          `json:"node_id"`
	Message           string          `json:"message,omitempty"`
	Approvers         []string        `json:"approvers,omitempty"`
	RequiredApprovals int             `json:"required_approvals"`
	ApprovedBy        []string        `json:"approved_by,omitempty"`
	RejectedBy        string          `json:"rejected_by,omitempty"`
	Decision          schema.Decision `json:"decision"`
	DeadlineAt        *time.Time      `json:"deadline_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	DecidedAt         *time.Time      `json:"decided_at,omitempty"`
}

// Schedule is a cron-triggered run of a stored workflow definition.
type Schedule struct {
	ID             string          `json:"id"`
	WorkflowName   string          `json:"workflow_name"`
	Definition     schema.Document `json:"definition"`
	CronExpression string          `json:"cron_expression"`
	Input          map[string]any  `json:"input,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// RunUpdate specifies mutable fields of a run. Nil fields are left alone.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	State       map[string]any    `json:"state,omitempty"`
	Cursor      *string           `json:"cursor,omitempty"`
	StepCount   *int              `json:"step_count,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       *schema.RunStatus `json:"status,omitempty"`
	WorkflowName string            `json:"workflow_name,omitempty"`
	Limit        int               `json:"limit,omitempty"`
	Offset       int               `json:"offset,omitempty"`
}

// EventFilter specifies criteria for listing history events.
type EventFilter struct {
	NodeID string `json:"node_id,omitempty"`
	Type   string `json:"event_type,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// ApprovalFilter specifies criteria for listing approvals.
type ApprovalFilter struct {
	RunID    string          `json:"run_id,omitempty"`
	Decision schema.Decision `json:"decision,omitempty"`
	Limit    int             `json:"limit,omitempty"`
}

// ApprovalUpdate specifies mutable fields of a pending approval.
type ApprovalUpdate struct {
	ApprovedBy []string         `json:"approved_by,omitempty"`
	RejectedBy *string          `json:"rejected_by,omitempty"`
	Decision   *schema.Decision `json:"decision,omitempty"`
	DecidedAt  *time.Time       `json:"decided_at,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled   *bool      `json:"enabled,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}
