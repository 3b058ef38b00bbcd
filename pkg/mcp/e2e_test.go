package mcp_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rendis/flowrun/internal/runners"
	"github.com/rendis/flowrun/internal/scheduler"
	"github.com/rendis/flowrun/internal/service"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/internal/streaming"
	"github.com/rendis/flowrun/internal/validation"
	flowmcp "github.com/rendis/flowrun/pkg/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEnv holds real dependencies: a libsql database, the builtin runners
// and the flow service behind the MCP server.
type testEnv struct {
	store  *store.LibSQLStore
	server *flowmcp.FlowServer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "e2e.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	jsv, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	reg := runners.NewRegistry()
	require.NoError(t, runners.RegisterBuiltins(reg, jsv, runners.HTTPConfig{}))

	hub := streaming.NewMemoryHub()
	svc, err := service.New(s, streaming.NewTeeLog(store.NewEventLog(s), hub), reg, service.Config{}, nil)
	require.NoError(t, err)

	srv := flowmcp.NewFlowServer(flowmcp.FlowServerDeps{Service: svc, Runners: reg, Events: hub})
	return &testEnv{store: s, server: srv}
}

// callTool invokes a tool through HandleMessage, a full JSON-RPC round trip.
func (e *testEnv) callTool(t *testing.T, toolName string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	mcpSrv := e.server.MCPServer()

	rawInit, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      0,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "e2e-test", "version": "1.0.0"},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, mcpSrv.HandleMessage(ctx, rawInit))

	rawReq, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": toolName, "arguments": args},
	})
	require.NoError(t, err)
	resp := mcpSrv.HandleMessage(ctx, rawReq)
	require.NotNil(t, resp)

	respBytes, err := json.Marshal(resp)
	require.NoError(t, err)
	var rpcResp struct {
		Result *mcp.CallToolResult `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &rpcResp))
	if rpcResp.Error != nil {
		t.Fatalf("JSON-RPC error: code=%d, msg=%s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	require.NotNil(t, rpcResp.Result)
	return rpcResp.Result
}

func extractJSON(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text := mcp.GetTextFromContent(result.Content[0])
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

var orderFlow = map[string]any{
	"name": "orders",
	"steps": []any{
		map[string]any{"id": "orders", "role": "trigger", "runner": "core.set", "parameters": map[string]any{
			"items": []any{
				map[string]any{"id": "o-1", "total": 120},
				map[string]any{"id": "o-2", "total": 30},
			},
		}},
		map[string]any{"id": "large", "runner": "flow.if", "parameters": map[string]any{"condition": "item.total > 100"}},
		map[string]any{"id": "sign", "runner": "crypto.hash", "parameters": map[string]any{"field": "id"}},
		map[string]any{"id": "small", "runner": "transform.expr", "parameters": map[string]any{"expression": "item.id"}},
	},
	"connections": map[string]any{
		"orders": []any{"large"},
		"large":  []any{map[string]any{"step": "sign", "output": 0}, map[string]any{"step": "small", "output": 1}},
	},
}

// TestFlowLifecycle: define, run, status with events, then query every resource.
func TestFlowLifecycle(t *testing.T) {
	env := newTestEnv(t)

	defineResult := env.callTool(t, "flow.define", map[string]any{"definition": orderFlow})
	require.False(t, defineResult.IsError, mcp.GetTextFromContent(defineResult.Content[0]))
	var defined map[string]any
	extractJSON(t, defineResult, &defined)
	assert.Equal(t, "orders", defined["name"])
	flowID, _ := defined["flow_id"].(string)
	require.NotEmpty(t, flowID)

	runResult := env.callTool(t, "flow.run", map[string]any{"flow_id": flowID, "stream": true})
	require.False(t, runResult.IsError, mcp.GetTextFromContent(runResult.Content[0]))
	var run struct {
		ExecutionID string                        `json:"execution_id"`
		Status      string                        `json:"status"`
		Snapshot    map[string]map[string][][]any `json:"snapshot"`
	}
	extractJSON(t, runResult, &run)
	assert.Equal(t, "completed", run.Status)
	require.NotEmpty(t, run.ExecutionID)

	signed := run.Snapshot["sign"]["0"][0]
	require.Len(t, signed, 1)
	assert.Equal(t, "o-1", signed[0].(map[string]any)["id"])
	assert.NotEmpty(t, signed[0].(map[string]any)["hash"])
	assert.Equal(t, []any{"o-2"}, run.Snapshot["small"]["0"][0])

	statusResult := env.callTool(t, "flow.status", map[string]any{"execution_id": run.ExecutionID, "include_events": true})
	require.False(t, statusResult.IsError)
	var status struct {
		Execution struct {
			ID     string `json:"id"`
			FlowID string `json:"flow_id"`
			Status string `json:"status"`
		} `json:"execution"`
		NodeRuns []map[string]any `json:"node_runs"`
		Events   []map[string]any `json:"events"`
	}
	extractJSON(t, statusResult, &status)
	assert.Equal(t, flowID, status.Execution.FlowID)
	assert.Equal(t, "completed", status.Execution.Status)
	assert.Len(t, status.NodeRuns, 4)

	types := make([]string, 0, len(status.Events))
	for _, e := range status.Events {
		typ, _ := e["event_type"].(string)
		types = append(types, typ)
	}
	assert.Contains(t, types, "execution_started")
	assert.Contains(t, types, "execution_completed")
	assert.Contains(t, types, "node_started")
	assert.Contains(t, types, "node_completed")

	var flows map[string][]map[string]any
	extractJSON(t, env.callTool(t, "flow.query", map[string]any{"resource": "flows"}), &flows)
	require.Len(t, flows["flows"], 1)
	assert.Equal(t, flowID, flows["flows"][0]["id"])

	var execs map[string][]map[string]any
	extractJSON(t, env.callTool(t, "flow.query", map[string]any{
		"resource": "executions",
		"filter":   map[string]any{"flow_id": flowID, "status": "completed"},
	}), &execs)
	require.Len(t, execs["executions"], 1)
	assert.Equal(t, run.ExecutionID, execs["executions"][0]["id"])

	var events map[string][]map[string]any
	extractJSON(t, env.callTool(t, "flow.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"execution_id": run.ExecutionID, "event_type": "node_completed"},
	}), &events)
	assert.Len(t, events["events"], 4)
}

func TestInlineRunFailure(t *testing.T) {
	env := newTestEnv(t)

	result := env.callTool(t, "flow.run", map[string]any{
		"definition": map[string]any{
			"steps": []any{
				map[string]any{"id": "in", "role": "trigger", "runner": "core.passthrough"},
				map[string]any{"id": "broken", "runner": "transform.jq", "parameters": map[string]any{"expression": ".a.b"}},
			},
			"connections": map[string]any{"in": []any{"broken"}},
		},
		"start_node": "in",
		"seed":       []any{"not an object"},
	})
	assert.True(t, result.IsError)

	var out struct {
		Result struct {
			Status   string                        `json:"status"`
			Snapshot map[string]map[string][][]any `json:"snapshot"`
		} `json:"result"`
		Error string `json:"error"`
	}
	extractJSON(t, result, &out)
	assert.Equal(t, "failed", out.Result.Status)
	assert.Contains(t, out.Result.Snapshot, "in")
	assert.NotContains(t, out.Result.Snapshot, "broken")
	assert.Contains(t, out.Error, "broken")
}

func TestValidateAndRunners(t *testing.T) {
	env := newTestEnv(t)

	var report struct {
		Valid  bool             `json:"valid"`
		Errors []map[string]any `json:"errors"`
	}
	extractJSON(t, env.callTool(t, "flow.validate", map[string]any{
		"definition": map[string]any{
			"steps": []any{
				map[string]any{"id": "a", "runner": "core.passthrough"},
				map[string]any{"id": "b", "runner": "core.passthrough"},
			},
			"connections": map[string]any{"a": []any{"b"}, "b": []any{"a"}},
		},
	}), &report)
	assert.False(t, report.Valid)
	codes := make([]any, 0, len(report.Errors))
	for _, e := range report.Errors {
		codes = append(codes, e["code"])
	}
	assert.Contains(t, codes, "CYCLE_DETECTED")

	var listed struct {
		Runners []map[string]any `json:"runners"`
	}
	extractJSON(t, env.callTool(t, "flow.runners", nil), &listed)
	names := make([]string, 0, len(listed.Runners))
	for _, r := range listed.Runners {
		names = append(names, r["name"].(string))
	}
	assert.Contains(t, names, "http.request")
	assert.Contains(t, names, "crypto.uuid")
}

func TestScheduledTriggerRuns(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var defined map[string]any
	extractJSON(t, env.callTool(t, "flow.define", map[string]any{"definition": orderFlow}), &defined)
	flowID := defined["flow_id"].(string)

	sched := scheduler.NewScheduler(env.store, env.server.TriggerRunner(), 20*time.Millisecond, nil)
	env.server.EnableScheduling(sched)

	result := env.callTool(t, "flow.schedule", map[string]any{"flow_id": flowID, "cron": "* * * * *", "start_node": "orders"})
	require.False(t, result.IsError, mcp.GetTextFromContent(result.Content[0]))
	var trig map[string]any
	extractJSON(t, result, &trig)
	trigID, _ := trig["id"].(string)
	require.NotEmpty(t, trigID)

	// Make the trigger due now.
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, env.store.UpdateScheduledTrigger(ctx, trigID, store.ScheduledTriggerUpdate{NextRunAt: &past}))

	require.NoError(t, sched.Start(ctx))
	defer func() { _ = sched.Stop() }()

	assert.Eventually(t, func() bool {
		execs, err := env.store.ListExecutions(ctx, store.ExecutionFilter{FlowID: flowID})
		return err == nil && len(execs) == 1 && execs[0].Status == "completed"
	}, 2*time.Second, 20*time.Millisecond)
}
