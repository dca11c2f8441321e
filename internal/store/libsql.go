package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/floworc/floworc/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	def, err := json.Marshal(run.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	state, err := marshalMapOrDefault(run.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_name, definition, status, state, cursor, step_count, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowName, string(def), string(run.Status), string(state),
		nullStr(run.Cursor), run.StepCount, nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var (
		defJSON, stateJSON     string
		cursor, errJSON        sql.NullString
		startedAt, completedAt sql.NullTime
		status                 string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_name, definition, status, state, cursor, step_count, error, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.WorkflowName, &defJSON, &status, &stateJSON, &cursor,
		&run.StepCount, &errJSON, &run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}

	run.Status = schema.RunStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &run.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal run definition: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &run.State); err != nil {
		return nil, fmt.Errorf("unmarshal run state: %w", err)
	}
	run.Cursor = cursor.String
	run.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	sets := []string{"updated_at = CURRENT_TIMESTAMP"}
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.State != nil {
		state, err := marshalMapOrDefault(update.State)
		if err != nil {
			return fmt.Errorf("marshal state: %w", err)
		}
		sets = append(sets, "state = ?")
		args = append(args, string(state))
	}
	if update.Cursor != nil {
		sets = append(sets, "cursor = ?")
		args = append(args, nullStr(*update.Cursor))
	}
	if update.StepCount != nil {
		sets = append(sets, "step_count = ?")
		args = append(args, *update.StepCount)
	}
	if len(update.Error) > 0 {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE runs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT id, workflow_name, definition, status, state, cursor, step_count, error, created_at, started_at, completed_at, updated_at FROM runs`
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.WorkflowName != "" {
		where = append(where, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var (
			defJSON, stateJSON     string
			cursor, errJSON        sql.NullString
			startedAt, completedAt sql.NullTime
			status                 string
		)
		if err := rows.Scan(&run.ID, &run.WorkflowName, &defJSON, &status, &stateJSON, &cursor,
			&run.StepCount, &errJSON, &run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		run.Status = schema.RunStatus(status)
		if err := json.Unmarshal([]byte(defJSON), &run.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal run definition: %w", err)
		}
		if err := json.Unmarshal([]byte(stateJSON), &run.State); err != nil {
			return nil, fmt.Errorf("unmarshal run state: %w", err)
		}
		run.Cursor = cursor.String
		run.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			run.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- History log ---

// AppendEvent appends an event with a monotonically increasing per-run sequence.
// The write-intent noop inside the transaction forces lock acquisition so
// concurrent writers cannot interleave sequence reads and writes.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, node_id, event_type, payload, attempt, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload),
		event.Attempt, event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, event_type, payload, attempt, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &nodeID, &e.Type, &payload, &e.Attempt, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountEvents counts a run's events matching the filter.
func (s *LibSQLStore) CountEvents(ctx context.Context, runID string, filter EventFilter) (int, error) {
	query := `SELECT COUNT(*) FROM events WHERE run_id = ?`
	args := []any{runID}

	if filter.NodeID != "" {
		query += " AND node_id = ?"
		args = append(args, filter.NodeID)
	}
	if filter.Type != "" {
		query += " AND event_type = ?"
		args = append(args, filter.Type)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// --- Checkpoints ---

// SaveCheckpoint assigns the next sequence number, persists the snapshot,
// and prunes the oldest checkpoints beyond the history window (FIFO).
// history <= 0 keeps everything.
func (s *LibSQLStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint, history int) error {
	state, err := marshalMapOrDefault(cp.State)
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}
	completed, err := json.Marshal(orEmptySlice(cp.Completed))
	if err != nil {
		return fmt.Errorf("marshal completed set: %w", err)
	}
	visits, err := json.Marshal(orEmptyCounts(cp.VisitCounts))
	if err != nil {
		return fmt.Errorf("marshal visit counts: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM checkpoints WHERE run_id = ?`, cp.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next checkpoint sequence: %w", err)
	}
	cp.Sequence = seq

	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (id, run_id, sequence, cursor, state, completed, visit_counts, step_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.RunID, seq, nullStr(cp.Cursor), string(state), string(completed), string(visits),
		cp.StepCount, cp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}

	if history > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM checkpoints WHERE run_id = ? AND sequence <= ?`,
			cp.RunID, seq-int64(history),
		)
		if err != nil {
			return fmt.Errorf("prune checkpoints: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the highest-sequence checkpoint for a run.
func (s *LibSQLStore) LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, sequence, cursor, state, completed, visit_counts, step_count, created_at
		 FROM checkpoints WHERE run_id = ? ORDER BY sequence DESC LIMIT 1`, runID,
	)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("checkpoint for run", runID)
	}
	return cp, err
}

// ListCheckpoints returns a run's checkpoints ordered by sequence ASC.
func (s *LibSQLStore) ListCheckpoints(ctx context.Context, runID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, sequence, cursor, state, completed, visit_counts, step_count, created_at
		 FROM checkpoints WHERE run_id = ? ORDER BY sequence ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cps []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var cursor sql.NullString
	var stateJSON, completedJSON, visitsJSON string
	err := row.Scan(&cp.ID, &cp.RunID, &cp.Sequence, &cursor, &stateJSON, &completedJSON,
		&visitsJSON, &cp.StepCount, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	cp.Cursor = cursor.String
	if err := json.Unmarshal([]byte(stateJSON), &cp.State); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint state: %w", err)
	}
	if err := json.Unmarshal([]byte(completedJSON), &cp.Completed); err != nil {
		return nil, fmt.Errorf("unmarshal completed set: %w", err)
	}
	if err := json.Unmarshal([]byte(visitsJSON), &cp.VisitCounts); err != nil {
		return nil, fmt.Errorf("unmarshal visit counts: %w", err)
	}
	return cp, nil
}

// --- Approvals ---

func (s *LibSQLStore) CreateApproval(ctx context.Context, pa *PendingApproval) error {
	approvers, err := json.Marshal(orEmptySlice(pa.Approvers))
	if err != nil {
		return fmt.Errorf("marshal approvers: %w", err)
	}
	approvedBy, err := json.Marshal(orEmptySlice(pa.ApprovedBy))
	if err != nil {
		return fmt.Errorf("marshal approved_by: %w", err)
	}
	decision := pa.Decision
	if decision == "" {
		decision = schema.DecisionPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, run_id, node_id, message, approvers, required_approvals, approved_by, rejected_by, decision, deadline_at, created_at, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pa.ID, pa.RunID, pa.NodeID, nullStr(pa.Message), string(approvers), pa.RequiredApprovals,
		string(approvedBy), nullStr(pa.RejectedBy), string(decision),
		nullTime(pa.DeadlineAt), timeOrNow(pa.CreatedAt), nullTime(pa.DecidedAt),
	)
	return err
}

func (s *LibSQLStore) GetApproval(ctx context.Context, id string) (*PendingApproval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, node_id, message, approvers, required_approvals, approved_by, rejected_by, decision, deadline_at, created_at, decided_at
		 FROM approvals WHERE id = ?`, id,
	)
	pa, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval", id)
	}
	return pa, err
}

// GetApprovalByNode returns the newest pending approval for a run's node.
func (s *LibSQLStore) GetApprovalByNode(ctx context.Context, runID, nodeID string) (*PendingApproval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, node_id, message, approvers, required_approvals, approved_by, rejected_by, decision, deadline_at, created_at, decided_at
		 FROM approvals WHERE run_id = ? AND node_id = ? AND decision = 'pending'
		 ORDER BY created_at DESC LIMIT 1`, runID, nodeID,
	)
	pa, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("pending approval for node", nodeID)
	}
	return pa, err
}

func (s *LibSQLStore) UpdateApproval(ctx context.Context, id string, update ApprovalUpdate) error {
	var sets []string
	var args []any

	if update.ApprovedBy != nil {
		approvedBy, err := json.Marshal(update.ApprovedBy)
		if err != nil {
			return fmt.Errorf("marshal approved_by: %w", err)
		}
		sets = append(sets, "approved_by = ?")
		args = append(args, string(approvedBy))
	}
	if update.RejectedBy != nil {
		sets = append(sets, "rejected_by = ?")
		args = append(args, nullStr(*update.RejectedBy))
	}
	if update.Decision != nil {
		sets = append(sets, "decision = ?")
		args = append(args, string(*update.Decision))
	}
	if update.DecidedAt != nil {
		sets = append(sets, "decided_at = ?")
		args = append(args, *update.DecidedAt)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE approvals SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "approval", id)
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*PendingApproval, error) {
	query := `SELECT id, run_id, node_id, message, approvers, required_approvals, approved_by, rejected_by, decision, deadline_at, created_at, decided_at FROM approvals`
	var where []string
	var args []any

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Decision != "" {
		where = append(where, "decision = ?")
		args = append(args, string(filter.Decision))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []*PendingApproval
	for rows.Next() {
		pa, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, pa)
	}
	return approvals, rows.Err()
}

func scanApproval(row rowScanner) (*PendingApproval, error) {
	pa := &PendingApproval{}
	var message, rejectedBy sql.NullString
	var approversJSON, approvedByJSON, decision string
	var deadline, decided sql.NullTime
	err := row.Scan(&pa.ID, &pa.RunID, &pa.NodeID, &message, &approversJSON, &pa.RequiredApprovals,
		&approvedByJSON, &rejectedBy, &decision, &deadline, &pa.CreatedAt, &decided)
	if err != nil {
		return nil, err
	}
	pa.Message = message.String
	pa.RejectedBy = rejectedBy.String
	pa.Decision = schema.Decision(decision)
	if err := json.Unmarshal([]byte(approversJSON), &pa.Approvers); err != nil {
		return nil, fmt.Errorf("unmarshal approvers: %w", err)
	}
	if err := json.Unmarshal([]byte(approvedByJSON), &pa.ApprovedBy); err != nil {
		return nil, fmt.Errorf("unmarshal approved_by: %w", err)
	}
	if deadline.Valid {
		pa.DeadlineAt = &deadline.Time
	}
	if decided.Valid {
		pa.DecidedAt = &decided.Time
	}
	return pa, nil
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	def, err := json.Marshal(sched.Definition)
	if err != nil {
		return fmt.Errorf("marshal schedule definition: %w", err)
	}
	input, err := marshalMapOrDefault(sched.Input)
	if err != nil {
		return fmt.Errorf("marshal schedule input: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, workflow_name, definition, cron_expression, input, enabled, last_run_at, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.WorkflowName, string(def), sched.CronExpression, string(input),
		boolToInt(sched.Enabled), nullTime(sched.LastRunAt), nullTime(sched.NextRunAt), timeOrNow(sched.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_name, definition, cron_expression, input, enabled, last_run_at, next_run_at, created_at
		 FROM schedules WHERE id = ?`, id,
	)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	return sched, err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE schedules SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, enabledOnly bool) ([]*Schedule, error) {
	query := `SELECT id, workflow_name, definition, cron_expression, input, enabled, last_run_at, next_run_at, created_at FROM schedules`
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scheds []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		scheds = append(scheds, sched)
	}
	return scheds, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	sched := &Schedule{}
	var defJSON, inputJSON string
	var enabled int
	var lastRun, nextRun sql.NullTime
	err := row.Scan(&sched.ID, &sched.WorkflowName, &defJSON, &sched.CronExpression,
		&inputJSON, &enabled, &lastRun, &nextRun, &sched.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defJSON), &sched.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal schedule definition: %w", err)
	}
	if err := json.Unmarshal([]byte(inputJSON), &sched.Input); err != nil {
		return nil, fmt.Errorf("unmarshal schedule input: %w", err)
	}
	sched.Enabled = enabled != 0
	if lastRun.Valid {
		sched.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sched.NextRunAt = &nextRun.Time
	}
	return sched, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyCounts(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*LibSQLStore)(nil)
