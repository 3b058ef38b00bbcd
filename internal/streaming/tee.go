package streaming

import (
	"context"

	"github.com/rendis/flowrun/internal/store"
)

// executionLog is the part of the execution log TeeLog wraps.
// *store.EventLog satisfies it.
type executionLog interface {
	AppendEvent(ctx context.Context, event *store.Event) error
	ReplayNodeRuns(ctx context.Context, executionID string) (map[store.NodeRunKey]*store.NodeRun, error)
}

// TeeLog writes events to the execution log and publishes each stored event
// to a hub. Events that fail to store are not published.
type TeeLog struct {
	log executionLog
	hub EventHub
}

// NewTeeLog wraps log so that appended events also reach hub.
func NewTeeLog(log executionLog, hub EventHub) *TeeLog {
	return &TeeLog{log: log, hub: hub}
}

// AppendEvent stores event, then publishes it. Publish failures are ignored.
func (t *TeeLog) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := t.log.AppendEvent(ctx, event); err != nil {
		return err
	}
	_ = t.hub.Publish(ctx, FromStore(event))
	return nil
}

// ReplayNodeRuns delegates to the wrapped log.
func (t *TeeLog) ReplayNodeRuns(ctx context.Context, executionID string) (map[store.NodeRunKey]*store.NodeRun, error) {
	return t.log.ReplayNodeRuns(ctx, executionID)
}
