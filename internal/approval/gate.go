package approval

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/floworc/floworc/internal/capability"
	"github.com/floworc/floworc/internal/expressions"
	"github.com/floworc/floworc/internal/store"
	"github.com/floworc/floworc/pkg/schema"
)

// Gate manages approval nodes: auto-approve evaluation, pending approval
// creation, vote counting, and deadline expiry. Decisions are persisted so
// a restarted process picks up where votes left off.
type Gate struct {
	store    store.Store
	notifier capability.ApprovalNotifier
	engine   *expressions.ExprEngine
	logger   *slog.Logger
}

// NewGate creates a Gate. The notifier may be nil; pending approvals then
// wait silently for external decisions.
func NewGate(st store.Store, notifier capability.ApprovalNotifier, engine *expressions.ExprEngine, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: st, notifier: notifier, engine: engine, logger: logger}
}

// Open enters an approval node. When the auto_approve condition holds
// against the current scope the node completes immediately with an
// approved decision and nobody is contacted. Otherwise a PendingApproval
// is persisted, the notifier is informed, and the caller suspends the node.
func (g *Gate) Open(ctx context.Context, runID, nodeID string, cfg schema.ApprovalConfig, scope *expressions.Scope) (schema.Decision, *store.PendingApproval, error) {
	if cfg.AutoApprove != "" {
		auto, err := g.engine.EvaluateBool(ctx, cfg.AutoApprove, scope.Env())
		if err != nil {
			return "", nil, wrapNode(err, nodeID)
		}
		if auto {
			g.logger.InfoContext(ctx, "approval auto-approved", "node_id", nodeID)
			return schema.DecisionApproved, nil, nil
		}
	}

	required := cfg.RequiredApprovals
	if required <= 0 {
		required = 1
	}

	pa := &store.PendingApproval{
		ID:                uuid.New().String(),
		RunID:             runID,
		NodeID:            nodeID,
		Message:           cfg.Message,
		Approvers:         cfg.Approvers,
		RequiredApprovals: required,
		Decision:          schema.DecisionPending,
	}

	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return "", nil, schema.NewErrorf(schema.ErrCodeConfig,
				"invalid approval timeout %q: %s", cfg.Timeout, err.Error()).WithNode(nodeID)
		}
		deadline := time.Now().UTC().Add(d)
		pa.DeadlineAt = &deadline
	}

	if err := g.store.CreateApproval(ctx, pa); err != nil {
		return "", nil, err
	}

	if g.notifier != nil {
		req := capability.ApprovalRequest{
			RunID:             runID,
			NodeID:            nodeID,
			Message:           cfg.Message,
			Approvers:         cfg.Approvers,
			RequiredApprovals: required,
		}
		if pa.DeadlineAt != nil {
			req.Deadline = *pa.DeadlineAt
		}
		if err := g.notifier.Notify(ctx, req); err != nil {
			// Notification failure does not sink the gate; the approval is
			// persisted and can still be decided through the API.
			g.logger.WarnContext(ctx, "approval notification failed",
				"node_id", nodeID, "error", err)
		}
	}

	return schema.DecisionPending, pa, nil
}

// Decide records one approver's vote and returns the resulting decision.
// A single rejection rejects the gate; approvals accumulate until
// required_approvals distinct approvers have agreed. Votes on an already
// decided or expired gate are conflicts.
func (g *Gate) Decide(ctx context.Context, approvalID, approver string, approve bool) (schema.Decision, error) {
	pa, err := g.store.GetApproval(ctx, approvalID)
	if err != nil {
		return "", err
	}

	if pa.Decision != schema.DecisionPending {
		return "", schema.NewErrorf(schema.ErrCodeConflict,
			"approval %s already decided: %s", approvalID, pa.Decision)
	}
	if pa.DeadlineAt != nil && time.Now().UTC().After(*pa.DeadlineAt) {
		if _, err := g.expire(ctx, pa); err != nil {
			return "", err
		}
		return "", schema.NewErrorf(schema.ErrCodeApprovalTimeout,
			"approval %s deadline passed", approvalID).WithNode(pa.NodeID)
	}
	if len(pa.Approvers) > 0 && !slices.Contains(pa.Approvers, approver) {
		return "", schema.NewErrorf(schema.ErrCodeConflict,
			"%q is not an approver for approval %s", approver, approvalID)
	}

	now := time.Now().UTC()

	if !approve {
		rejected := schema.DecisionRejected
		err := g.store.UpdateApproval(ctx, pa.ID, store.ApprovalUpdate{
			RejectedBy: &approver,
			Decision:   &rejected,
			DecidedAt:  &now,
		})
		if err != nil {
			return "", err
		}
		g.logger.InfoContext(ctx, "approval rejected", "node_id", pa.NodeID, "by", approver)
		return schema.DecisionRejected, nil
	}

	approvedBy := pa.ApprovedBy
	if !slices.Contains(approvedBy, approver) {
		approvedBy = append(approvedBy, approver)
	}

	update := store.ApprovalUpdate{ApprovedBy: approvedBy}
	decision := schema.DecisionPending
	if len(approvedBy) >= pa.RequiredApprovals {
		decision = schema.DecisionApproved
		update.Decision = &decision
		update.DecidedAt = &now
	}

	if err := g.store.UpdateApproval(ctx, pa.ID, update); err != nil {
		return "", err
	}

	g.logger.InfoContext(ctx, "approval vote recorded",
		"node_id", pa.NodeID, "by", approver,
		"votes", len(approvedBy), "required", pa.RequiredApprovals)
	return decision, nil
}

// Supersede resolves a still-pending gate whose node completed through
// another path, so the deadline sweeper never times it out. A node with no
// pending approval is a no-op.
func (g *Gate) Supersede(ctx context.Context, runID, nodeID string) error {
	pa, err := g.store.GetApprovalByNode(ctx, runID, nodeID)
	if err != nil {
		var flowErr *schema.FlowError
		if errors.As(err, &flowErr) && flowErr.Code == schema.ErrCodeNotFound {
			return nil
		}
		return err
	}

	superseded := schema.DecisionSuperseded
	now := time.Now().UTC()
	err = g.store.UpdateApproval(ctx, pa.ID, store.ApprovalUpdate{
		Decision:  &superseded,
		DecidedAt: &now,
	})
	if err != nil {
		return err
	}
	g.logger.InfoContext(ctx, "approval superseded", "run_id", runID, "node_id", nodeID)
	return nil
}

// ExpireDue marks every pending approval whose deadline has passed as
// timed out and returns them. Timing out is routing input, not an error:
// the caller resumes each run so its gate can take a `timeout` edge.
func (g *Gate) ExpireDue(ctx context.Context, now time.Time) ([]*store.PendingApproval, error) {
	pending, err := g.store.ListApprovals(ctx, store.ApprovalFilter{Decision: schema.DecisionPending})
	if err != nil {
		return nil, err
	}

	var expired []*store.PendingApproval
	for _, pa := range pending {
		if pa.DeadlineAt == nil || now.Before(*pa.DeadlineAt) {
			continue
		}
		updated, err := g.expire(ctx, pa)
		if err != nil {
			return nil, err
		}
		expired = append(expired, updated)
	}
	return expired, nil
}

func (g *Gate) expire(ctx context.Context, pa *store.PendingApproval) (*store.PendingApproval, error) {
	timedOut := schema.DecisionTimedOut
	now := time.Now().UTC()
	err := g.store.UpdateApproval(ctx, pa.ID, store.ApprovalUpdate{
		Decision:  &timedOut,
		DecidedAt: &now,
	})
	if err != nil {
		return nil, err
	}
	g.logger.InfoContext(ctx, "approval timed out", "node_id", pa.NodeID)
	pa.Decision = timedOut
	pa.DecidedAt = &now
	return pa, nil
}

func wrapNode(err error, nodeID string) error {
	if ferr, ok := err.(*schema.FlowError); ok {
		return ferr.WithNode(nodeID)
	}
	return err
}
