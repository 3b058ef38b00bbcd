package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store and EventLog; used by FSMs to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Execution FSM ---

type executionHookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM manages execution lifecycle state transitions.
type ExecutionFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[executionHookKey][]TransitionHook
	after    map[executionHookKey][]TransitionHook
}

// NewExecutionFSM creates an ExecutionFSM that emits events via the given
// appender. A nil appender disables event emission.
func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	return &ExecutionFSM{
		appender: appender,
		before:   make(map[executionHookKey][]TransitionHook),
		after:    make(map[executionHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before an execution transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after an execution transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes an execution state transition and emits
// the corresponding event. Persisting the new status is up to the caller.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidTransition(ValidExecutionTransitions, from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := executionHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := executionEventType(to); eventType != "" {
		event := &store.Event{ExecutionID: executionID, Type: eventType, Payload: marshalPayload(payload)}
		if err := emit(ctx, f.appender, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit execution event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func executionEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionStatusCancelled:
		return schema.EventExecutionCancelled
	default:
		return ""
	}
}

// --- Node FSM ---

// NodeFSM tracks the state of every (node, run) pair of one execution.
// Pairs start out pending; there is no failed state because a runner
// failure aborts the whole execution.
type NodeFSM struct {
	mu          sync.Mutex
	appender    EventAppender
	executionID string
	states      map[runKey]schema.NodeStatus
}

// NewNodeFSM creates a NodeFSM for one execution. A nil appender disables
// event emission.
func NewNodeFSM(executionID string, appender EventAppender) *NodeFSM {
	return &NodeFSM{
		appender:    appender,
		executionID: executionID,
		states:      make(map[runKey]schema.NodeStatus),
	}
}

// Status returns the current state of (node, run).
func (f *NodeFSM) Status(node string, run RunIndex) schema.NodeStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.states[runKey{node, run}]; ok {
		return st
	}
	return schema.NodeStatusPending
}

// Transition moves (node, run) to the given state and emits the matching
// event with an optional payload.
func (f *NodeFSM) Transition(ctx context.Context, node string, run RunIndex, to schema.NodeStatus, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := runKey{node, run}
	from, ok := f.states[key]
	if !ok {
		from = schema.NodeStatusPending
	}
	if !isValidTransition(ValidNodeTransitions, from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(node).
			WithDetails(map[string]any{"execution_id": f.executionID, "run_index": int(run), "from": string(from), "to": string(to)})
	}

	if eventType := nodeEventType(to); eventType != "" {
		event := &store.Event{
			ExecutionID: f.executionID,
			NodeID:      node,
			RunIndex:    int(run),
			Type:        eventType,
			Payload:     marshalPayload(payload),
		}
		if err := emit(ctx, f.appender, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit node event: %s", err.Error()).
				WithNode(node).WithCause(err)
		}
	}

	f.states[key] = to
	return nil
}

// Buffered records an arrival at a join that is not yet ready. The state
// stays pending.
func (f *NodeFSM) Buffered(ctx context.Context, node string, run RunIndex, port int) error {
	return f.note(ctx, node, run, schema.EventNodeBuffered, map[string]any{"port": port})
}

// Failed records a runner failure for (node, run). The state stays running.
func (f *NodeFSM) Failed(ctx context.Context, node string, run RunIndex, cause error) error {
	return f.note(ctx, node, run, schema.EventNodeFailed, map[string]any{"error": cause.Error()})
}

func (f *NodeFSM) note(ctx context.Context, node string, run RunIndex, eventType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	event := &store.Event{
		ExecutionID: f.executionID,
		NodeID:      node,
		RunIndex:    int(run),
		Type:        eventType,
		Payload:     marshalPayload(payload),
	}
	if err := emit(ctx, f.appender, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit node event: %s", err.Error()).
			WithNode(node).WithCause(err)
	}
	return nil
}

func nodeEventType(to schema.NodeStatus) string {
	switch to {
	case schema.NodeStatusReady:
		return schema.EventNodeReady
	case schema.NodeStatusRunning:
		return schema.EventNodeStarted
	case schema.NodeStatusDone:
		return schema.EventNodeCompleted
	default:
		return ""
	}
}

// --- Helpers ---

func emit(ctx context.Context, appender EventAppender, event *store.Event) error {
	if appender == nil {
		return nil
	}
	return appender.AppendEvent(ctx, event)
}

func marshalPayload(payload any) json.RawMessage {
	if payload == nil {
		return nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return b
}

func isValidTransition[S comparable](table map[S][]S, from, to S) bool {
	for _, a := range table[from] {
		if a == to {
			return true
		}
	}
	return false
}

// --- Transition tables ---

// ValidExecutionTransitions defines the allowed state transitions for executions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending:   {schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusRunning:   {schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
	schema.ExecutionStatusCancelled: {},
}

// ValidNodeTransitions defines the allowed state transitions for (node, run) pairs.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusPending: {schema.NodeStatusReady},
	schema.NodeStatusReady:   {schema.NodeStatusRunning},
	schema.NodeStatusRunning: {schema.NodeStatusDone},
	schema.NodeStatusDone:    {},
}
