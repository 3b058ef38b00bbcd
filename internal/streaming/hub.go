// Package streaming fans execution-log events out to live subscribers while
// a run is in progress.
package streaming

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/rendis/flowrun/internal/store"
)

// StreamEvent is an execution-log event delivered to subscribers after it
// has been stored.
type StreamEvent struct {
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
	RunIndex    int             `json:"run_index"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Sequence    int64           `json:"sequence"`
	Timestamp   time.Time       `json:"timestamp"`
}

// FromStore converts a stored event.
func FromStore(e *store.Event) StreamEvent {
	return StreamEvent{
		ExecutionID: e.ExecutionID,
		NodeID:      e.NodeID,
		RunIndex:    e.RunIndex,
		Type:        e.Type,
		Payload:     e.Payload,
		Sequence:    e.Sequence,
		Timestamp:   e.Timestamp,
	}
}

// EventFilter selects the events a subscriber receives. Empty fields match
// everything.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	Types       []string `json:"event_types,omitempty"`
}

// Matches reports whether e passes the filter.
func (f EventFilter) Matches(e StreamEvent) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	return len(f.Types) == 0 || slices.Contains(f.Types, e.Type)
}

// EventHub provides pub/sub for execution events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
