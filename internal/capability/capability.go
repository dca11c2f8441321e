package capability

import (
	"context"
	"time"
)

// Agent executes a single agent call. Implementations may block for a long
// time; they must honor context cancellation. The returned map is a partial
// state update merged through the run's reducers.
type Agent interface {
	Name() string
	Execute(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Fleet coordinates multiple agents and returns their aggregate result as a
// single partial state update. How the fleet reaches consensus is its own
// business; the engine only sees the aggregate.
type Fleet interface {
	Name() string
	Coordinate(ctx context.Context, mode string, input map[string]any) (map[string]any, error)
}

// Verdict is the outcome of a single validator.
type Verdict struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// Validator checks a node's output and the surrounding run data.
// Returning an error means the validator itself could not run; a failed
// check is a Verdict with Passed=false.
type Validator interface {
	Name() string
	Validate(ctx context.Context, data map[string]any) (*Verdict, error)
}

// ApprovalRequest carries everything a notifier needs to reach approvers.
type ApprovalRequest struct {
	RunID             string    `json:"run_id"`
	NodeID            string    `json:"node_id"`
	Message           string    `json:"message,omitempty"`
	Approvers         []string  `json:"approvers,omitempty"`
	RequiredApprovals int       `json:"required_approvals"`
	Deadline          time.Time `json:"deadline,omitzero"`
}

// ApprovalNotifier delivers approval requests to the outside world.
type ApprovalNotifier interface {
	Notify(ctx context.Context, req ApprovalRequest) error
}
