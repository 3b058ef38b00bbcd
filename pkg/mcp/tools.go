package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/service"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// handleDefine validates and stores a flow definition.
func (s *FlowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, errResult := parseDefinition(req)
	if errResult != nil {
		return errResult, nil
	}

	flow, result, err := s.service.Define(ctx, def)
	if err != nil {
		if result != nil && !result.Valid() {
			return mcp.NewToolResultError("invalid flow definition: " + result.Summary()), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to store flow: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"flow_id":  flow.ID,
		"name":     flow.Name,
		"warnings": result.Warnings,
	})
}

// handleValidate runs the validation pipeline and reports every issue.
func (s *FlowServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, errResult := parseDefinition(req)
	if errResult != nil {
		return errResult, nil
	}

	result := s.service.Validate(def)
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// handleRun executes a stored flow, or an inline definition when no flow_id
// is given.
func (s *FlowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flowID := req.GetString("flow_id", "")
	opts := service.RunOptions{
		StartNode: req.GetString("start_node", ""),
		StopAfter: req.GetString("stop_after", ""),
	}
	seed, err := parseSeed(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if seed != nil {
		opts.Seed = schema.PortData{seed}
	}

	if flowID == "" && mcp.ParseStringMap(req, "definition", nil) == nil {
		return mcp.NewToolResultError("flow_id or definition is required"), nil
	}

	if req.GetBool("stream", false) {
		opts.ExecutionID = uuid.New().String()
		stop := s.streamExecution(ctx, opts.ExecutionID)
		defer stop()
	}

	var res *engine.Result
	var runErr error
	if flowID != "" {
		res, runErr = s.service.Run(ctx, flowID, opts)
	} else {
		def, errResult := parseDefinition(req)
		if errResult != nil {
			return errResult, nil
		}
		res, runErr = s.service.RunDefinition(ctx, def, opts)
	}
	if res == nil {
		return mcp.NewToolResultError(fmt.Sprintf("flow run failed: %v", runErr)), nil
	}

	if runErr != nil {
		// Partial results carry every output recorded before the failure.
		out, err := marshalResult(map[string]any{"result": res, "error": runErr.Error()})
		if err == nil && out != nil {
			out.IsError = true
		}
		return out, err
	}
	return marshalResult(res)
}

// handleStatus returns an execution with its node runs.
func (s *FlowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	status, statusErr := s.service.Status(ctx, executionID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	if !req.GetBool("include_events", false) {
		return marshalResult(status)
	}

	events, evErr := s.service.Events(ctx, executionID)
	if evErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", evErr)), nil
	}
	return marshalResult(map[string]any{
		"execution": status.Execution,
		"node_runs": status.NodeRuns,
		"events":    events,
	})
}

// handleQuery lists flows, executions, or events based on filters.
func (s *FlowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "flows":
		return s.queryFlows(ctx, filter)
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleRunners lists registered runners with their parameter schemas.
func (s *FlowServer) handleRunners(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.runners == nil {
		return marshalResult(map[string]any{"runners": []any{}})
	}
	infos := s.runners.List()
	out := make([]map[string]any, 0, len(infos))
	for _, info := range infos {
		entry := map[string]any{"name": info.Name, "description": info.Description}
		if ps := s.runners.ParamsSchema(info.Name); len(ps) > 0 {
			entry["params_schema"] = ps
		}
		out = append(out, entry)
	}
	return marshalResult(map[string]any{"runners": out})
}

// handleSchedule registers a cron trigger for a stored flow.
func (s *FlowServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flowID, err := req.RequireString("flow_id")
	if err != nil {
		return mcp.NewToolResultError("flow_id is required"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}
	seed, err := parseSeed(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	trig := &store.ScheduledTrigger{
		FlowID:         flowID,
		StartNode:      req.GetString("start_node", ""),
		CronExpression: cronExpr,
		Enabled:        req.GetBool("enabled", true),
	}
	if seed != nil {
		raw, err := json.Marshal(seed)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid seed: %v", err)), nil
		}
		trig.Seed = raw
	}

	if err := s.scheduler.AddTrigger(ctx, trig); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to schedule flow: %v", err)), nil
	}
	s.captureSession(ctx, trig.ID)

	return marshalResult(trig)
}

// --- Query helpers ---

func (s *FlowServer) queryFlows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	flows, err := s.service.ListFlows(ctx, store.FlowFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"flows": flows})
}

func (s *FlowServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if flowID, ok := filter["flow_id"].(string); ok {
		ef.FlowID = flowID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		es := schema.ExecutionStatus(status)
		ef.Status = &es
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	execs, err := s.service.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": execs})
}

func (s *FlowServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	executionID, _ := filter["execution_id"].(string)
	if executionID == "" {
		return mcp.NewToolResultError("event query requires 'execution_id' in filter"), nil
	}

	events, err := s.service.Events(ctx, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if eventType, ok := filter["event_type"].(string); ok && eventType != "" {
		kept := events[:0]
		for _, e := range events {
			if e.Type == eventType {
				kept = append(kept, e)
			}
		}
		events = kept
	}
	if limit := extractInt(filter, "limit", 0); limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// parseDefinition decodes the "definition" argument into a FlowDefinition.
func parseDefinition(req mcp.CallToolRequest) (*schema.FlowDefinition, *mcp.CallToolResult) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return nil, mcp.NewToolResultError("definition is required")
	}

	// Marshal then unmarshal the definition to get a proper FlowDefinition.
	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}
	var def schema.FlowDefinition
	if err := json.Unmarshal(defBytes, &def); err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}
	return &def, nil
}

// parseSeed reads the optional "seed" array argument.
func parseSeed(req mcp.CallToolRequest) (schema.Items, error) {
	raw, ok := req.GetArguments()["seed"]
	if !ok || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("seed must be an array, got %T", raw)
	}
	return schema.Items(items), nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps a trigger to the MCP session that scheduled it.
func (s *FlowServer) captureSession(ctx context.Context, triggerID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Bind(triggerID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
