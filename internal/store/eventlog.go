package store

import (
	"context"
	"fmt"

	"github.com/rendis/flowrun/pkg/schema"
)

// EventLog provides execution-log operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide execution-log operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-execution
// sequence. The write lock is taken before the sequence is read so that
// parallel node workers never interleave.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := el.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction; a write forces the lock.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// NodeRunKey identifies one (node, run index) pair.
type NodeRunKey struct {
	NodeID   string
	RunIndex int
}

// ReplayNodeRuns rebuilds node run states from the execution log.
// Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayNodeRuns(ctx context.Context, executionID string) (map[NodeRunKey]*NodeRun, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	runs := make(map[NodeRunKey]*NodeRun)
	for _, e := range events {
		if e.NodeID == "" {
			continue
		}

		key := NodeRunKey{NodeID: e.NodeID, RunIndex: e.RunIndex}
		nr, ok := runs[key]
		if !ok {
			nr = &NodeRun{
				ExecutionID: executionID,
				NodeID:      e.NodeID,
				RunIndex:    e.RunIndex,
				Status:      schema.NodeStatusPending,
			}
			runs[key] = nr
		}

		switch e.Type {
		case schema.EventNodeReady:
			nr.Status = schema.NodeStatusReady

		case schema.EventNodeStarted:
			nr.Status = schema.NodeStatusRunning
			ts := e.Timestamp
			nr.StartedAt = &ts

		case schema.EventNodeCompleted:
			nr.Status = schema.NodeStatusDone
			ts := e.Timestamp
			nr.CompletedAt = &ts
			nr.Output = e.Payload
			if nr.StartedAt != nil {
				nr.DurationMs = ts.Sub(*nr.StartedAt).Milliseconds()
			}

		case schema.EventNodeFailed:
			// The node never reaches done. Its error is kept next to the running state.
			nr.Error = e.Payload
		}
	}

	return runs, nil
}
