// Package service ties the flow store, the validation pipeline and the
// executor together: it registers flow definitions, runs them and records
// every execution in the execution log.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/internal/runners"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/internal/validation"
	"github.com/rendis/flowrun/pkg/schema"
)

// EventLog is the execution log the service writes to and replays node runs
// from. *store.EventLog satisfies it.
type EventLog interface {
	engine.EventAppender
	ReplayNodeRuns(ctx context.Context, executionID string) (map[store.NodeRunKey]*store.NodeRun, error)
}

// Config holds executor settings applied to every run.
type Config struct {
	Parallel   bool
	PoolSize   int
	JoinPolicy engine.JoinPolicy
}

// RunOptions selects where a run starts and what it is seeded with.
type RunOptions struct {
	StartNode string          // empty runs every start node
	Seed      schema.PortData // input handed to the start node(s)
	StopAfter string          // node after which nothing propagates downstream
	TriggerID string          // set when a scheduled trigger fired the run

	// ExecutionID lets the caller pick the execution ID up front, for
	// example to subscribe to its events before the run starts.
	ExecutionID string
}

// ExecutionStatus is an execution together with its materialized node runs.
type ExecutionStatus struct {
	Execution *store.Execution `json:"execution"`
	NodeRuns  []*store.NodeRun `json:"node_runs"`
}

// Service is safe for concurrent use.
type Service struct {
	store     store.Store
	events    EventLog
	registry  *runners.Registry
	validator *validation.FlowValidator
	config    Config
	logger    *slog.Logger
}

// New creates a Service. A nil logger defaults to a text handler on stderr.
func New(st store.Store, events EventLog, reg *runners.Registry, cfg Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	v, err := validation.NewFlowValidator(reg)
	if err != nil {
		return nil, fmt.Errorf("create flow validator: %w", err)
	}
	return &Service{
		store:     st,
		events:    events,
		registry:  reg,
		validator: v,
		config:    cfg,
		logger:    logger,
	}, nil
}

// Registry returns the runner registry flows are bound against.
func (s *Service) Registry() *runners.Registry {
	return s.registry
}

// Validate runs the validation pipeline over def.
func (s *Service) Validate(def *schema.FlowDefinition) *schema.ValidationResult {
	return s.validator.Validate(def)
}

// Define validates def and stores it. A definition without an id gets one.
// An invalid definition is not stored; the result carries the issues.
func (s *Service) Define(ctx context.Context, def *schema.FlowDefinition) (*store.Flow, *schema.ValidationResult, error) {
	result := s.validator.Validate(def)
	if !result.Valid() {
		return nil, result, result.ToError()
	}

	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	flow := &store.Flow{ID: def.ID, Name: def.Name, Definition: *def}
	if err := s.store.SaveFlow(ctx, flow); err != nil {
		return nil, result, storeErr("save flow", err)
	}

	s.logger.InfoContext(logging.WithFlowID(ctx, flow.ID), "flow defined",
		slog.Int("steps", len(def.Steps)),
		slog.Int("warnings", len(result.Warnings)))
	return flow, result, nil
}

// GetFlow returns a stored flow.
func (s *Service) GetFlow(ctx context.Context, flowID string) (*store.Flow, error) {
	flow, err := s.store.GetFlow(ctx, flowID)
	if err != nil {
		return nil, storeErr("get flow", err)
	}
	return flow, nil
}

// ListFlows returns stored flows, newest first.
func (s *Service) ListFlows(ctx context.Context, filter store.FlowFilter) ([]*store.Flow, error) {
	flows, err := s.store.ListFlows(ctx, filter)
	if err != nil {
		return nil, storeErr("list flows", err)
	}
	return flows, nil
}

// Run executes a stored flow.
func (s *Service) Run(ctx context.Context, flowID string, opts RunOptions) (*engine.Result, error) {
	flow, err := s.store.GetFlow(ctx, flowID)
	if err != nil {
		return nil, storeErr("get flow", err)
	}
	return s.execute(ctx, flow.ID, &flow.Definition, opts)
}

// RunDefinition executes def without storing it. The execution is recorded
// without a flow reference.
func (s *Service) RunDefinition(ctx context.Context, def *schema.FlowDefinition, opts RunOptions) (*engine.Result, error) {
	return s.execute(ctx, "", def, opts)
}

// RunTrigger runs the flow a scheduled trigger points at. The trigger seed is
// a JSON array of items handed to input port 0 of the start node.
func (s *Service) RunTrigger(ctx context.Context, trig *store.ScheduledTrigger) (*store.Execution, error) {
	opts := RunOptions{StartNode: trig.StartNode, TriggerID: trig.ID}
	if len(trig.Seed) > 0 {
		var items schema.Items
		if err := json.Unmarshal(trig.Seed, &items); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "trigger %s: seed must be a JSON array: %s", trig.ID, err.Error()).
				WithCause(err)
		}
		opts.Seed = schema.PortData{items}
	}

	res, runErr := s.Run(ctx, trig.FlowID, opts)
	if res == nil {
		return nil, runErr
	}
	exec, err := s.store.GetExecution(context.WithoutCancel(ctx), res.ExecutionID)
	if err != nil {
		return nil, storeErr("get execution", err)
	}
	return exec, runErr
}

// Status returns an execution and its node runs ordered by node then run index.
func (s *Service) Status(ctx context.Context, executionID string) (*ExecutionStatus, error) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, storeErr("get execution", err)
	}
	runs, err := s.store.ListNodeRuns(ctx, executionID)
	if err != nil {
		return nil, storeErr("list node runs", err)
	}
	return &ExecutionStatus{Execution: exec, NodeRuns: runs}, nil
}

// ListExecutions returns executions matching filter.
func (s *Service) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	execs, err := s.store.ListExecutions(ctx, filter)
	if err != nil {
		return nil, storeErr("list executions", err)
	}
	return execs, nil
}

// Events returns the execution log of one execution.
func (s *Service) Events(ctx context.Context, executionID string) ([]*store.Event, error) {
	events, err := s.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, storeErr("get events", err)
	}
	return events, nil
}

func (s *Service) execute(ctx context.Context, flowID string, def *schema.FlowDefinition, opts RunOptions) (*engine.Result, error) {
	if err := s.validator.Validate(def).ToError(); err != nil {
		return nil, err
	}
	g, err := engine.BuildGraph(def, s.registry)
	if err != nil {
		return nil, err
	}
	if opts.StartNode != "" {
		if _, ok := g.Node(opts.StartNode); !ok {
			return nil, schema.NewErrorf(schema.ErrCodeUnknownNode, "start node %q is not in the flow", opts.StartNode).
				WithNode(opts.StartNode)
		}
	}

	if opts.ExecutionID == "" {
		opts.ExecutionID = uuid.New().String()
	}
	exec := &store.Execution{ID: opts.ExecutionID, FlowID: flowID, StartNode: opts.StartNode}
	if flowID != "" {
		ctx = logging.WithFlowID(ctx, flowID)
	}
	ctx = logging.WithExecutionID(ctx, exec.ID)
	// Bookkeeping survives cancellation of the run.
	bgCtx := context.WithoutCancel(ctx)

	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return nil, storeErr("create execution", err)
	}
	if opts.TriggerID != "" {
		payload, _ := json.Marshal(map[string]any{"trigger_id": opts.TriggerID})
		if err := s.events.AppendEvent(bgCtx, &store.Event{
			ExecutionID: exec.ID,
			Type:        schema.EventTriggerFired,
			Payload:     payload,
		}); err != nil {
			return nil, storeErr("append trigger event", err)
		}
	}

	started := time.Now().UTC()
	running := schema.ExecutionStatusRunning
	if err := s.store.UpdateExecution(bgCtx, exec.ID, store.ExecutionUpdate{Status: &running, StartedAt: &started}); err != nil {
		return nil, storeErr("mark execution running", err)
	}

	ex := engine.NewExecutor(g, engine.RegistryRunner{}, engine.ExecutorConfig{
		Parallel:   s.config.Parallel,
		PoolSize:   s.config.PoolSize,
		JoinPolicy: s.config.JoinPolicy,
		Events:     s.events,
	}, s.logger)
	eo := engine.ExecuteOptions{ExecutionID: exec.ID, Seed: opts.Seed, StopAfter: opts.StopAfter}

	var res *engine.Result
	var runErr error
	if opts.StartNode == "" {
		res, runErr = ex.ExecuteAll(ctx, eo)
	} else {
		res, runErr = ex.Execute(ctx, opts.StartNode, eo)
	}

	if err := s.finish(bgCtx, exec.ID, res, runErr); err != nil {
		s.logger.ErrorContext(ctx, "failed to record execution result", slog.String("error", err.Error()))
		if runErr == nil {
			runErr = err
		}
	}
	return res, runErr
}

// finish persists the outcome of a run and materializes its node runs from
// the execution log.
func (s *Service) finish(ctx context.Context, executionID string, res *engine.Result, runErr error) error {
	completed := time.Now().UTC()
	update := store.ExecutionUpdate{CompletedAt: &completed}

	status := schema.ExecutionStatusFailed
	if res != nil {
		status = res.Status
		completed = res.CompletedAt
		snapshot, err := json.Marshal(res.Snapshot)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		update.Snapshot = snapshot
		if len(res.Pending) > 0 {
			pending, err := json.Marshal(res.Pending)
			if err != nil {
				return fmt.Errorf("marshal pending joins: %w", err)
			}
			update.Pending = pending
		}
	}
	update.Status = &status
	if runErr != nil {
		update.Error = errorJSON(runErr)
	}

	if err := s.store.UpdateExecution(ctx, executionID, update); err != nil {
		return storeErr("update execution", err)
	}
	return s.materializeNodeRuns(ctx, executionID)
}

func (s *Service) materializeNodeRuns(ctx context.Context, executionID string) error {
	runs, err := s.events.ReplayNodeRuns(ctx, executionID)
	if err != nil {
		return storeErr("replay node runs", err)
	}
	keys := make([]store.NodeRunKey, 0, len(runs))
	for k := range runs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].NodeID != keys[j].NodeID {
			return keys[i].NodeID < keys[j].NodeID
		}
		return keys[i].RunIndex < keys[j].RunIndex
	})
	for _, k := range keys {
		if err := s.store.UpsertNodeRun(ctx, runs[k]); err != nil {
			return storeErr("upsert node run", err)
		}
	}
	return nil
}

// storeErr passes FlowErrors through and wraps anything else as STORE_ERROR.
func storeErr(op string, err error) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

// errorJSON renders a run error for the execution record.
func errorJSON(err error) json.RawMessage {
	out := map[string]any{"message": err.Error()}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		out["code"] = fe.Code
		if fe.NodeID != "" {
			out["node_id"] = fe.NodeID
		}
	}
	var re *engine.RunError
	if errors.As(err, &re) {
		out["node_id"] = re.NodeID
		out["run_index"] = re.RunIndex
	}
	b, _ := json.Marshal(out)
	return b
}
