package engine

import (
	"context"

	"github.com/floworc/floworc/internal/store"
	"github.com/floworc/floworc/pkg/schema"
)

// EventAppender is satisfied by the RunLog; FSMs emit lifecycle events on
// every accepted transition.
type EventAppender interface {
	Append(ctx context.Context, runID, nodeID, eventType string, payload any, attempt int) error
}

// ValidRunTransitions defines the allowed lifecycle moves for a run.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusRunning, schema.RunStatusCancelled},
	schema.RunStatusRunning:   {schema.RunStatusWaiting, schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusWaiting:   {schema.RunStatusRunning, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCancelled: {},
}

// ValidNodeTransitions defines the allowed lifecycle moves for a node
// within a run. Waiting covers approval gates, timers and external input.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusPending:   {schema.NodeStatusRunning, schema.NodeStatusSkipped},
	schema.NodeStatusRunning:   {schema.NodeStatusCompleted, schema.NodeStatusFailed, schema.NodeStatusWaiting, schema.NodeStatusRetrying},
	schema.NodeStatusRetrying:  {schema.NodeStatusRunning, schema.NodeStatusFailed},
	schema.NodeStatusWaiting:   {schema.NodeStatusRunning, schema.NodeStatusCompleted, schema.NodeStatusFailed, schema.NodeStatusSkipped},
	schema.NodeStatusCompleted: {},
	schema.NodeStatusFailed:    {},
	schema.NodeStatusSkipped:   {},
}

// RunFSM validates run lifecycle transitions and emits the matching event.
type RunFSM struct {
	appender EventAppender
}

func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{appender: appender}
}

// Transition validates and records a run state change. The caller persists
// the new status to the store.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus, payload any) error {
	if !transitionAllowed(ValidRunTransitions, from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}
	eventType := runEventType(from, to)
	if eventType == "" {
		return nil
	}
	if err := f.appender.Append(ctx, runID, "", eventType, payload, 0); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
	}
	return nil
}

// NodeFSM validates node lifecycle transitions and emits the matching event.
type NodeFSM struct {
	appender EventAppender
}

func NewNodeFSM(appender EventAppender) *NodeFSM {
	return &NodeFSM{appender: appender}
}

func (f *NodeFSM) Transition(ctx context.Context, runID, nodeID string, from, to schema.NodeStatus, payload any, attempt int) error {
	if !transitionAllowed(ValidNodeTransitions, from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}
	eventType := nodeEventType(to)
	if eventType == "" {
		return nil
	}
	if err := f.appender.Append(ctx, runID, nodeID, eventType, payload, attempt); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit node event: %s", err.Error()).
			WithNode(nodeID).WithCause(err)
	}
	return nil
}

func transitionAllowed[S comparable](table map[S][]S, from, to S) bool {
	for _, allowed := range table[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func runEventType(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		if from == schema.RunStatusWaiting {
			return schema.EventRunResumed
		}
		return schema.EventRunStarted
	case schema.RunStatusWaiting:
		return schema.EventRunWaiting
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	default:
		return ""
	}
}

func nodeEventType(to schema.NodeStatus) string {
	switch to {
	case schema.NodeStatusRunning:
		return schema.EventNodeStarted
	case schema.NodeStatusCompleted:
		return schema.EventNodeCompleted
	case schema.NodeStatusFailed:
		return schema.EventNodeFailed
	case schema.NodeStatusWaiting:
		return schema.EventNodeWaiting
	case schema.NodeStatusRetrying:
		return schema.EventNodeRetrying
	case schema.NodeStatusSkipped:
		return schema.EventNodeSkipped
	default:
		return ""
	}
}

var _ EventAppender = (*store.RunLog)(nil)
