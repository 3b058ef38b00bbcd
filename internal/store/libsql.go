package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowrun/pkg/schema"
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

	// Some PRAGMAs return rows so we use QueryRow.
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

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
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

// --- Flows ---

// SaveFlow inserts a flow or replaces the name and definition of an existing one.
func (s *LibSQLStore) SaveFlow(ctx context.Context, flow *Flow) error {
	def, err := json.Marshal(flow.Definition)
	if err != nil {
		return fmt.Errorf("marshal flow definition: %w", err)
	}
	now := time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}
	flow.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO flows (id, name, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, definition=excluded.definition, updated_at=excluded.updated_at`,
		flow.ID, nullStr(flow.Name), string(def), flow.CreatedAt, flow.UpdatedAt,
	)
	return err
}

func (s *LibSQLStore) GetFlow(ctx context.Context, id string) (*Flow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, definition, created_at, updated_at FROM flows WHERE id = ?`, id)
	f, err := scanFlow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("flow", id)
	}
	return f, err
}

func (s *LibSQLStore) ListFlows(ctx context.Context, filter FlowFilter) ([]*Flow, error) {
	query := `SELECT id, name, definition, created_at, updated_at FROM flows ORDER BY created_at DESC`
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []*Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

func (s *LibSQLStore) DeleteFlow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM flows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "flow", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(r rowScanner) (*Flow, error) {
	f := &Flow{}
	var name sql.NullString
	var defJSON string
	if err := r.Scan(&f.ID, &name, &defJSON, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.Name = name.String
	if err := json.Unmarshal([]byte(defJSON), &f.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal flow definition: %w", err)
	}
	return f, nil
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec.Status == "" {
		exec.Status = schema.ExecutionStatusPending
	}
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	exec.UpdatedAt = exec.CreatedAt
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, flow_id, status, start_node, snapshot, pending, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, nullStr(exec.FlowID), string(exec.Status), nullStr(exec.StartNode),
		nullRaw(exec.Snapshot), nullRaw(exec.Pending), nullRaw(exec.Error),
		exec.CreatedAt, nullTime(exec.StartedAt), nullTime(exec.CompletedAt), exec.UpdatedAt,
	)
	return err
}

const executionColumns = `id, flow_id, status, start_node, snapshot, pending, error, created_at, started_at, completed_at, updated_at`

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return e, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Snapshot != nil {
		sets = append(sets, "snapshot = ?")
		args = append(args, string(update.Snapshot))
	}
	if update.Pending != nil {
		sets = append(sets, "pending = ?")
		args = append(args, string(update.Pending))
	}
	if update.Error != nil {
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
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.FlowID != "" {
		where = append(where, "flow_id = ?")
		args = append(args, filter.FlowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

func scanExecution(r rowScanner) (*Execution, error) {
	e := &Execution{}
	var (
		flowID, startNode          sql.NullString
		snapshot, pending, errJSON sql.NullString
		startedAt, completedAt     sql.NullTime
		status                     string
	)
	if err := r.Scan(&e.ID, &flowID, &status, &startNode, &snapshot, &pending, &errJSON,
		&e.CreatedAt, &startedAt, &completedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.FlowID = flowID.String
	e.StartNode = startNode.String
	e.Status = schema.ExecutionStatus(status)
	e.Snapshot = rawOrNil(snapshot)
	e.Pending = rawOrNil(pending)
	e.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return e, nil
}

// --- Events ---

// AppendEvent stores an event with the next per-execution sequence number.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, event *Event) error {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, node_id, run_index, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.NodeID), event.RunIndex, event.Type,
		nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

const eventColumns = `id, execution_id, node_id, run_index, event_type, payload, timestamp, sequence`

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC, id DESC"
	query += limitClause(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &nodeID, &e.RunIndex, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Node runs ---

func (s *LibSQLStore) UpsertNodeRun(ctx context.Context, run *NodeRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_runs (execution_id, node_id, run_index, status, output, error, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, node_id, run_index) DO UPDATE SET
		   status=excluded.status, output=excluded.output, error=excluded.error,
		   started_at=excluded.started_at, completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		run.ExecutionID, run.NodeID, run.RunIndex, string(run.Status),
		nullRaw(run.Output), nullRaw(run.Error),
		nullTime(run.StartedAt), nullTime(run.CompletedAt), run.DurationMs,
	)
	return err
}

func (s *LibSQLStore) ListNodeRuns(ctx context.Context, executionID string) ([]*NodeRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, node_id, run_index, status, output, error, started_at, completed_at, duration_ms
		 FROM node_runs WHERE execution_id = ? ORDER BY node_id, run_index`, executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*NodeRun
	for rows.Next() {
		nr := &NodeRun{}
		var status string
		var output, errJSON sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&nr.ExecutionID, &nr.NodeID, &nr.RunIndex, &status, &output, &errJSON,
			&startedAt, &completedAt, &nr.DurationMs); err != nil {
			return nil, err
		}
		nr.Status = schema.NodeStatus(status)
		nr.Output = rawOrNil(output)
		nr.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			nr.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			nr.CompletedAt = &completedAt.Time
		}
		runs = append(runs, nr)
	}
	return runs, rows.Err()
}

// --- Scheduled triggers ---

func (s *LibSQLStore) CreateScheduledTrigger(ctx context.Context, trigger *ScheduledTrigger) error {
	trigger.CreatedAt = timeOrNow(trigger.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_triggers (id, flow_id, start_node, cron_expression, seed, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trigger.ID, trigger.FlowID, nullStr(trigger.StartNode), trigger.CronExpression, nullRaw(trigger.Seed),
		trigger.Enabled, nullTime(trigger.LastRunAt), nullTime(trigger.NextRunAt),
		nullStr(trigger.LastRunStatus), trigger.CreatedAt,
	)
	return err
}

const triggerColumns = `id, flow_id, start_node, cron_expression, seed, enabled, last_run_at, next_run_at, last_run_status, created_at`

func (s *LibSQLStore) GetScheduledTrigger(ctx context.Context, id string) (*ScheduledTrigger, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM scheduled_triggers WHERE id = ?`, id)
	t, err := scanTrigger(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled trigger", id)
	}
	return t, err
}

func (s *LibSQLStore) UpdateScheduledTrigger(ctx context.Context, id string, update ScheduledTriggerUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_triggers SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled trigger", id)
}

func (s *LibSQLStore) ListScheduledTriggers(ctx context.Context, filter ScheduledTriggerFilter) ([]*ScheduledTrigger, error) {
	var where []string
	var args []any

	if filter.FlowID != "" {
		where = append(where, "flow_id = ?")
		args = append(args, filter.FlowID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}

	query := `SELECT ` + triggerColumns + ` FROM scheduled_triggers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	query += limitClause(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []*ScheduledTrigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_triggers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled trigger", id)
}

func scanTrigger(r rowScanner) (*ScheduledTrigger, error) {
	t := &ScheduledTrigger{}
	var (
		startNode, seed, lastStatus sql.NullString
		lastRunAt, nextRunAt        sql.NullTime
	)
	if err := r.Scan(&t.ID, &t.FlowID, &startNode, &t.CronExpression, &seed, &t.Enabled,
		&lastRunAt, &nextRunAt, &lastStatus, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.StartNode = startNode.String
	t.Seed = rawOrNil(seed)
	t.LastRunStatus = lastStatus.String
	if lastRunAt.Valid {
		t.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		t.NextRunAt = &nextRunAt.Time
	}
	return t, nil
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

func limitClause(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	q := fmt.Sprintf(" LIMIT %d", limit)
	if offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", offset)
	}
	return q
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
