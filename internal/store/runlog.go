package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/floworc/floworc/pkg/schema"
)

// RunLog provides history operations on top of a Store: structured appends
// and replay into per-node records. The `logs` surface and crash recovery
// both read through it.
type RunLog struct {
	store Store
}

// NewRunLog wraps a Store.
func NewRunLog(s Store) *RunLog {
	return &RunLog{store: s}
}

// NodeRecord is the replayed view of one node's history within a run.
type NodeRecord struct {
	NodeID      string            `json:"node_id"`
	Status      schema.NodeStatus `json:"status"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	Attempts    int               `json:"attempts"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// Append records a run event. The payload is marshalled to JSON; a nil
// payload stores no payload.
func (rl *RunLog) Append(ctx context.Context, runID, nodeID, eventType string, payload any, attempt int) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		raw = b
	}
	return rl.store.AppendEvent(ctx, &Event{
		RunID:   runID,
		NodeID:  nodeID,
		Type:    eventType,
		Payload: raw,
		Attempt: attempt,
	})
}

// Events returns a run's history since the given sequence.
func (rl *RunLog) Events(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return rl.store.GetEvents(ctx, runID, since)
}

// Replay folds a run's full history into per-node records.
// Returns an error when sequence gaps are detected: a gap means part of the
// history was lost and the replayed view cannot be trusted.
func (rl *RunLog) Replay(ctx context.Context, runID string) (map[string]*NodeRecord, error) {
	events, err := rl.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	records := make(map[string]*NodeRecord)
	for _, e := range events {
		if e.NodeID == "" {
			continue
		}

		rec, ok := records[e.NodeID]
		if !ok {
			rec = &NodeRecord{NodeID: e.NodeID, Status: schema.NodeStatusPending}
			records[e.NodeID] = rec
		}

		switch e.Type {
		case schema.EventNodeStarted:
			rec.Status = schema.NodeStatusRunning
			ts := e.Timestamp
			rec.StartedAt = &ts
			rec.Attempts++

		case schema.EventNodeCompleted:
			rec.Status = schema.NodeStatusCompleted
			ts := e.Timestamp
			rec.CompletedAt = &ts
			rec.Output = e.Payload
			if rec.StartedAt != nil {
				rec.DurationMs = ts.Sub(*rec.StartedAt).Milliseconds()
			}

		case schema.EventNodeFailed:
			rec.Status = schema.NodeStatusFailed
			rec.Error = e.Payload

		case schema.EventNodeSkipped:
			rec.Status = schema.NodeStatusSkipped

		case schema.EventNodeRetrying:
			rec.Status = schema.NodeStatusRetrying

		case schema.EventNodeWaiting, schema.EventApprovalRequested:
			rec.Status = schema.NodeStatusWaiting
		}
	}

	return records, nil
}

// CompletedNodes returns the IDs of nodes whose latest replayed status is
// completed, in no particular order.
func (rl *RunLog) CompletedNodes(ctx context.Context, runID string) ([]string, error) {
	records, err := rl.Replay(ctx, runID)
	if err != nil {
		return nil, err
	}
	var completed []string
	for id, rec := range records {
		if rec.Status == schema.NodeStatusCompleted {
			completed = append(completed, id)
		}
	}
	return completed, nil
}
