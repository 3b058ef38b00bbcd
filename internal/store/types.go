package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/flowrun/pkg/schema"
)

// Flow is a stored flow definition.
type Flow struct {
	ID         string                `json:"id"`
	Name       string                `json:"name,omitempty"`
	Definition schema.FlowDefinition `json:"definition"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// Execution is one run of a flow. Snapshot holds the per-node, per-run-index
// output records once the run has finished (or failed).
type Execution struct {
	ID          string                 `json:"id"`
	FlowID      string                 `json:"flow_id,omitempty"`
	Status      schema.ExecutionStatus `json:"status"`
	StartNode   string                 `json:"start_node,omitempty"`
	Snapshot    json.RawMessage        `json:"snapshot,omitempty"`
	Pending     json.RawMessage        `json:"pending,omitempty"`
	Error       json.RawMessage        `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Event is an immutable entry in the execution log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
	RunIndex    int             `json:"run_index"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// NodeRun is the materialized state of one (node, run index) pair.
type NodeRun struct {
	ExecutionID string            `json:"execution_id"`
	NodeID      string            `json:"node_id"`
	RunIndex    int               `json:"run_index"`
	Status      schema.NodeStatus `json:"status"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// ScheduledTrigger fires a stored flow on a cron schedule.
type ScheduledTrigger struct {
	ID             string          `json:"id"`
	FlowID         string          `json:"flow_id"`
	StartNode      string          `json:"start_node,omitempty"`
	CronExpression string          `json:"cron_expression"`
	Seed           json.RawMessage `json:"seed,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// FlowFilter specifies criteria for listing flows.
type FlowFilter struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	FlowID string                  `json:"flow_id,omitempty"`
	Status *schema.ExecutionStatus `json:"status,omitempty"`
	Since  *time.Time              `json:"since,omitempty"`
	Limit  int                     `json:"limit,omitempty"`
	Offset int                     `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus `json:"status,omitempty"`
	Snapshot    json.RawMessage         `json:"snapshot,omitempty"`
	Pending     json.RawMessage         `json:"pending,omitempty"`
	Error       json.RawMessage         `json:"error,omitempty"`
	StartedAt   *time.Time              `json:"started_at,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	ExecutionID string     `json:"execution_id,omitempty"`
	NodeID      string     `json:"node_id,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}

// ScheduledTriggerUpdate specifies mutable fields of a scheduled trigger.
type ScheduledTriggerUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledTriggerFilter specifies criteria for listing scheduled triggers.
type ScheduledTriggerFilter struct {
	FlowID  string `json:"flow_id,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}
