package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/runners"
	"github.com/rendis/flowrun/internal/service"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock service ---

type mockService struct {
	flows      []*store.Flow
	executions []*store.Execution
	events     []*store.Event

	validation *schema.ValidationResult
	defineErr  error

	runResult *engine.Result
	runErr    error
	lastRun   service.RunOptions
	ranFlowID string
	ranInline *schema.FlowDefinition

	status    *service.ExecutionStatus
	statusErr error

	triggerExec *store.Execution
	triggerErr  error
}

func (m *mockService) Define(_ context.Context, def *schema.FlowDefinition) (*store.Flow, *schema.ValidationResult, error) {
	result := m.validation
	if result == nil {
		result = &schema.ValidationResult{}
	}
	if !result.Valid() {
		return nil, result, result.ToError()
	}
	if m.defineErr != nil {
		return nil, result, m.defineErr
	}
	if def.ID == "" {
		def.ID = "flow-generated"
	}
	f := &store.Flow{ID: def.ID, Name: def.Name, Definition: *def}
	m.flows = append(m.flows, f)
	return f, result, nil
}

func (m *mockService) Validate(*schema.FlowDefinition) *schema.ValidationResult {
	if m.validation == nil {
		return &schema.ValidationResult{}
	}
	return m.validation
}

func (m *mockService) Run(_ context.Context, flowID string, opts service.RunOptions) (*engine.Result, error) {
	m.ranFlowID = flowID
	m.lastRun = opts
	return m.runResult, m.runErr
}

func (m *mockService) RunDefinition(_ context.Context, def *schema.FlowDefinition, opts service.RunOptions) (*engine.Result, error) {
	m.ranInline = def
	m.lastRun = opts
	return m.runResult, m.runErr
}

func (m *mockService) RunTrigger(context.Context, *store.ScheduledTrigger) (*store.Execution, error) {
	return m.triggerExec, m.triggerErr
}

func (m *mockService) Status(context.Context, string) (*service.ExecutionStatus, error) {
	return m.status, m.statusErr
}

func (m *mockService) ListFlows(_ context.Context, filter store.FlowFilter) ([]*store.Flow, error) {
	out := m.flows
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *mockService) ListExecutions(_ context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	out := make([]*store.Execution, 0)
	for _, e := range m.executions {
		if filter.FlowID != "" && e.FlowID != filter.FlowID {
			continue
		}
		if filter.Status != nil && e.Status != *filter.Status {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *mockService) Events(_ context.Context, executionID string) ([]*store.Event, error) {
	out := make([]*store.Event, 0)
	for _, e := range m.events {
		if e.ExecutionID == executionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- Mock scheduler and notifier ---

type mockScheduler struct {
	added []*store.ScheduledTrigger
	err   error
}

func (m *mockScheduler) AddTrigger(_ context.Context, trig *store.ScheduledTrigger) error {
	if m.err != nil {
		return m.err
	}
	trig.ID = "trig-1"
	m.added = append(m.added, trig)
	return nil
}

type mockNotifier struct {
	triggerID string
	payload   map[string]any
	err       error
}

func (m *mockNotifier) Notify(_ context.Context, triggerID string, payload map[string]any) error {
	m.triggerID = triggerID
	m.payload = payload
	return m.err
}

// --- Helper ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

var simpleDefinition = map[string]any{
	"name": "hello",
	"steps": []any{
		map[string]any{"id": "a", "runner": "core.set", "parameters": map[string]any{"items": []any{1}}},
		map[string]any{"id": "b", "runner": "core.passthrough"},
	},
	"connections": map[string]any{"a": []any{"b"}},
}

// --- Tests ---

func TestDefineTool(t *testing.T) {
	ms := &mockService{}
	s := NewFlowServer(FlowServerDeps{Service: ms})

	req := buildRequest("flow.define", map[string]any{"definition": simpleDefinition})
	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		FlowID string `json:"flow_id"`
		Name   string `json:"name"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, "flow-generated", out.FlowID)
	assert.Equal(t, "hello", out.Name)

	require.Len(t, ms.flows, 1)
	require.Len(t, ms.flows[0].Definition.Steps, 2)
	assert.Equal(t, "core.set", ms.flows[0].Definition.Steps[0].Runner)
	assert.Equal(t, "b", ms.flows[0].Definition.Connections["a"][0].Step)
}

func TestDefineToolInvalid(t *testing.T) {
	invalid := &schema.ValidationResult{}
	invalid.AddError("steps[0].runner", schema.ErrCodeRunnerUnavailable, `runner "nope" is not registered`)
	ms := &mockService{validation: invalid}
	s := NewFlowServer(FlowServerDeps{Service: ms})

	req := buildRequest("flow.define", map[string]any{"definition": simpleDefinition})
	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), `steps[0].runner: runner "nope" is not registered`)
	assert.Empty(t, ms.flows)
}

func TestDefineToolStoreFailure(t *testing.T) {
	ms := &mockService{defineErr: schema.NewError(schema.ErrCodeStore, "disk full")}
	s := NewFlowServer(FlowServerDeps{Service: ms})

	req := buildRequest("flow.define", map[string]any{"definition": simpleDefinition})
	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "failed to store flow")
}

func TestDefineToolMissingParams(t *testing.T) {
	s := NewFlowServer(FlowServerDeps{Service: &mockService{}})

	result, err := s.handleDefine(context.Background(), buildRequest("flow.define", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestValidateTool(t *testing.T) {
	res := &schema.ValidationResult{}
	res.AddError("connections", schema.ErrCodeCycleDetected, "flow contains a connection cycle")
	res.AddWarning("steps", schema.ErrCodeValidation, "two start steps")
	s := NewFlowServer(FlowServerDeps{Service: &mockService{validation: res}})

	req := buildRequest("flow.validate", map[string]any{"definition": simpleDefinition})
	result, err := s.handleValidate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		Valid    bool                     `json:"valid"`
		Errors   []schema.ValidationIssue `json:"errors"`
		Warnings []schema.ValidationIssue `json:"warnings"`
	}
	unmarshalResult(t, result, &out)
	assert.False(t, out.Valid)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, schema.ErrCodeCycleDetected, out.Errors[0].Code)
	assert.Len(t, out.Warnings, 1)
}

func TestRunTool(t *testing.T) {
	now := time.Now().UTC()
	ms := &mockService{runResult: &engine.Result{
		ExecutionID: "exec-1",
		Status:      schema.ExecutionStatusCompleted,
		Snapshot:    engine.Snapshot{"b": {0: schema.PortData{{float64(1)}}}},
		StartedAt:   now,
		CompletedAt: now,
	}}
	s := NewFlowServer(FlowServerDeps{Service: ms})

	req := buildRequest("flow.run", map[string]any{
		"flow_id":    "flow-1",
		"start_node": "a",
		"seed":       []any{"x", "y"},
		"stop_after": "b",
	})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	assert.Equal(t, "flow-1", ms.ranFlowID)
	assert.Equal(t, "a", ms.lastRun.StartNode)
	assert.Equal(t, "b", ms.lastRun.StopAfter)
	assert.Equal(t, schema.PortData{{"x", "y"}}, ms.lastRun.Seed)

	var out engine.Result
	unmarshalResult(t, result, &out)
	assert.Equal(t, "exec-1", out.ExecutionID)
	assert.Equal(t, schema.ExecutionStatusCompleted, out.Status)
	assert.Equal(t, schema.Items{float64(1)}, out.Snapshot["b"][0][0])
}

func TestRunToolInlineDefinition(t *testing.T) {
	ms := &mockService{runResult: &engine.Result{ExecutionID: "exec-2", Status: schema.ExecutionStatusCompleted}}
	s := NewFlowServer(FlowServerDeps{Service: ms})

	req := buildRequest("flow.run", map[string]any{"definition": simpleDefinition})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.NotNil(t, ms.ranInline)
	assert.Equal(t, "hello", ms.ranInline.Name)
	assert.Empty(t, ms.ranFlowID)
	assert.Nil(t, ms.lastRun.Seed)
}

func TestRunToolFailedExecution(t *testing.T) {
	runErr := &engine.RunError{NodeID: "b", RunIndex: 0, Err: errors.New("boom")}
	ms := &mockService{
		runResult: &engine.Result{ExecutionID: "exec-3", Status: schema.ExecutionStatusFailed},
		runErr:    runErr,
	}
	s := NewFlowServer(FlowServerDeps{Service: ms})

	result, err := s.handleRun(context.Background(), buildRequest("flow.run", map[string]any{"flow_id": "f"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	var out struct {
		Result engine.Result `json:"result"`
		Error  string        `json:"error"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, "exec-3", out.Result.ExecutionID)
	assert.Equal(t, schema.ExecutionStatusFailed, out.Result.Status)
	assert.Contains(t, out.Error, "node b")
}

func TestRunToolErrors(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		svc  *mockService
	}{
		{"no flow or definition", map[string]any{}, &mockService{}},
		{"seed not an array", map[string]any{"flow_id": "f", "seed": "x"}, &mockService{}},
		{"flow not found", map[string]any{"flow_id": "missing"}, &mockService{runErr: schema.NewError(schema.ErrCodeNotFound, "flow not found")}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := NewFlowServer(FlowServerDeps{Service: tc.svc})
			result, err := s.handleRun(context.Background(), buildRequest("flow.run", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

func TestStatusTool(t *testing.T) {
	ms := &mockService{
		status: &service.ExecutionStatus{
			Execution: &store.Execution{ID: "exec-1", Status: schema.ExecutionStatusCompleted},
			NodeRuns: []*store.NodeRun{
				{ExecutionID: "exec-1", NodeID: "a", Status: schema.NodeStatusDone},
			},
		},
		events: []*store.Event{
			{ExecutionID: "exec-1", Type: schema.EventExecutionStarted, Sequence: 1},
			{ExecutionID: "exec-1", NodeID: "a", Type: schema.EventNodeCompleted, Sequence: 2},
			{ExecutionID: "exec-9", Type: schema.EventExecutionStarted, Sequence: 1},
		},
	}
	s := NewFlowServer(FlowServerDeps{Service: ms})

	result, err := s.handleStatus(context.Background(), buildRequest("flow.status", map[string]any{"execution_id": "exec-1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var status service.ExecutionStatus
	unmarshalResult(t, result, &status)
	assert.Equal(t, "exec-1", status.Execution.ID)
	require.Len(t, status.NodeRuns, 1)

	result, err = s.handleStatus(context.Background(), buildRequest("flow.status", map[string]any{
		"execution_id":   "exec-1",
		"include_events": true,
	}))
	require.NoError(t, err)
	var withEvents struct {
		Events []store.Event `json:"events"`
	}
	unmarshalResult(t, result, &withEvents)
	assert.Len(t, withEvents.Events, 2)
}

func TestStatusToolMissingID(t *testing.T) {
	s := NewFlowServer(FlowServerDeps{Service: &mockService{}})

	result, err := s.handleStatus(context.Background(), buildRequest("flow.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusToolNotFound(t *testing.T) {
	ms := &mockService{statusErr: schema.NewError(schema.ErrCodeNotFound, "execution not found")}
	s := NewFlowServer(FlowServerDeps{Service: ms})

	result, err := s.handleStatus(context.Background(), buildRequest("flow.status", map[string]any{"execution_id": "x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "NOT_FOUND")
}

func TestQueryFlows(t *testing.T) {
	ms := &mockService{flows: []*store.Flow{{ID: "f1"}, {ID: "f2"}, {ID: "f3"}}}
	s := NewFlowServer(FlowServerDeps{Service: ms})

	req := buildRequest("flow.query", map[string]any{
		"resource": "flows",
		"filter":   map[string]any{"limit": float64(2)},
	})
	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		Flows []store.Flow `json:"flows"`
	}
	unmarshalResult(t, result, &out)
	assert.Len(t, out.Flows, 2)
}

func TestQueryExecutions(t *testing.T) {
	ms := &mockService{executions: []*store.Execution{
		{ID: "e1", FlowID: "f1", Status: schema.ExecutionStatusCompleted},
		{ID: "e2", FlowID: "f1", Status: schema.ExecutionStatusFailed},
		{ID: "e3", FlowID: "f2", Status: schema.ExecutionStatusCompleted},
	}}
	s := NewFlowServer(FlowServerDeps{Service: ms})

	req := buildRequest("flow.query", map[string]any{"resource": "executions"})
	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)

	var out struct {
		Executions []store.Execution `json:"executions"`
	}
	unmarshalResult(t, result, &out)
	assert.Len(t, out.Executions, 3)

	req = buildRequest("flow.query", map[string]any{
		"resource": "executions",
		"filter":   map[string]any{"flow_id": "f1", "status": "completed"},
	})
	result, err = s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	unmarshalResult(t, result, &out)
	require.Len(t, out.Executions, 1)
	assert.Equal(t, "e1", out.Executions[0].ID)
}

func TestQueryEvents(t *testing.T) {
	ms := &mockService{events: []*store.Event{
		{ExecutionID: "e1", Type: schema.EventNodeStarted, Sequence: 1},
		{ExecutionID: "e1", Type: schema.EventNodeCompleted, Sequence: 2},
		{ExecutionID: "e2", Type: schema.EventNodeStarted, Sequence: 1},
	}}
	s := NewFlowServer(FlowServerDeps{Service: ms})

	req := buildRequest("flow.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"execution_id": "e1", "event_type": schema.EventNodeCompleted},
	})
	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		Events []store.Event `json:"events"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Events, 1)
	assert.Equal(t, int64(2), out.Events[0].Sequence)

	// execution_id is required.
	req = buildRequest("flow.query", map[string]any{"resource": "events"})
	result, err = s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryUnknownResource(t *testing.T) {
	s := NewFlowServer(FlowServerDeps{Service: &mockService{}})

	req := buildRequest("flow.query", map[string]any{"resource": "invalid"})
	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunnersTool(t *testing.T) {
	reg := runners.NewRegistry()
	_, err := reg.RegisterApp("acme", []runners.Runner{&catalogRunner{}})
	require.NoError(t, err)
	s := NewFlowServer(FlowServerDeps{Service: &mockService{}, Runners: reg})

	result, err := s.handleRunners(context.Background(), buildRequest("flow.runners", nil))
	require.NoError(t, err)

	var out struct {
		Runners []struct {
			Name         string          `json:"name"`
			Description  string          `json:"description"`
			ParamsSchema json.RawMessage `json:"params_schema"`
		} `json:"runners"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Runners, 1)
	assert.Equal(t, "acme.ping", out.Runners[0].Name)
	assert.Equal(t, "Ping a host", out.Runners[0].Description)
	assert.JSONEq(t, `{"type": "object"}`, string(out.Runners[0].ParamsSchema))
}

func TestScheduleTool(t *testing.T) {
	sched := &mockScheduler{}
	s := NewFlowServer(FlowServerDeps{Service: &mockService{}})
	s.EnableScheduling(sched)

	req := buildRequest("flow.schedule", map[string]any{
		"flow_id":    "f1",
		"cron":       "@hourly",
		"start_node": "a",
		"seed":       []any{map[string]any{"n": float64(1)}},
	})
	result, err := s.handleSchedule(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, sched.added, 1)
	trig := sched.added[0]
	assert.Equal(t, "f1", trig.FlowID)
	assert.Equal(t, "@hourly", trig.CronExpression)
	assert.Equal(t, "a", trig.StartNode)
	assert.True(t, trig.Enabled)
	assert.JSONEq(t, `[{"n": 1}]`, string(trig.Seed))

	var out store.ScheduledTrigger
	unmarshalResult(t, result, &out)
	assert.Equal(t, "trig-1", out.ID)
}

func TestScheduleToolErrors(t *testing.T) {
	tests := []struct {
		name  string
		args  map[string]any
		sched *mockScheduler
	}{
		{"missing flow_id", map[string]any{"cron": "@hourly"}, &mockScheduler{}},
		{"missing cron", map[string]any{"flow_id": "f1"}, &mockScheduler{}},
		{"scheduler rejects", map[string]any{"flow_id": "f1", "cron": "bad"}, &mockScheduler{err: schema.NewError(schema.ErrCodeValidation, "invalid cron")}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := NewFlowServer(FlowServerDeps{Service: &mockService{}})
			s.EnableScheduling(tc.sched)
			result, err := s.handleSchedule(context.Background(), buildRequest("flow.schedule", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

func TestNotifyingRunner(t *testing.T) {
	ms := &mockService{triggerExec: &store.Execution{ID: "exec-1", Status: schema.ExecutionStatusCompleted}}
	n := &mockNotifier{}
	r := &NotifyingRunner{next: ms, notifier: n, logger: NewFlowServer(FlowServerDeps{}).logger}

	exec, err := r.RunTrigger(context.Background(), &store.ScheduledTrigger{ID: "trig-1", FlowID: "f1"})
	require.NoError(t, err)
	assert.Equal(t, "exec-1", exec.ID)

	assert.Equal(t, "trig-1", n.triggerID)
	assert.Equal(t, "exec-1", n.payload["execution_id"])
	assert.Equal(t, "completed", n.payload["status"])
	assert.NotContains(t, n.payload, "error")
}

func TestNotifyingRunner_FailureStillNotifies(t *testing.T) {
	ms := &mockService{triggerErr: errors.New("flow vanished")}
	n := &mockNotifier{err: errors.New("session closed")}
	r := &NotifyingRunner{next: ms, notifier: n, logger: NewFlowServer(FlowServerDeps{}).logger}

	exec, err := r.RunTrigger(context.Background(), &store.ScheduledTrigger{ID: "trig-2", FlowID: "f1"})
	assert.Nil(t, exec)
	require.EqualError(t, err, "flow vanished")
	assert.Equal(t, "flow vanished", n.payload["error"])
}

func TestMCPNotifier_NoSessionIsNoop(t *testing.T) {
	s := NewFlowServer(FlowServerDeps{})
	assert.NoError(t, s.notifier.Notify(context.Background(), "unknown", map[string]any{"x": 1}))
}

func TestExtractInt(t *testing.T) {
	f := map[string]any{"a": float64(3), "b": 4, "c": "5", "d": "x"}
	assert.Equal(t, 3, extractInt(f, "a", 0))
	assert.Equal(t, 4, extractInt(f, "b", 0))
	assert.Equal(t, 5, extractInt(f, "c", 0))
	assert.Equal(t, 9, extractInt(f, "d", 9))
	assert.Equal(t, 9, extractInt(nil, "a", 9))
}

// --- Test helpers ---

type catalogRunner struct{}

func (catalogRunner) Name() string { return "ping" }
func (catalogRunner) Schema() runners.RunnerSchema {
	return runners.RunnerSchema{Description: "Ping a host", ParamsSchema: json.RawMessage(`{"type": "object"}`)}
}
func (catalogRunner) Validate(map[string]any) error { return nil }
func (catalogRunner) Run(context.Context, runners.Input) (schema.PortData, error) {
	return runners.Ports(1), nil
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
