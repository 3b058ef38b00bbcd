package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/runners"
	"github.com/rendis/flowrun/internal/scheduler"
	"github.com/rendis/flowrun/internal/service"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/internal/streaming"
	"github.com/rendis/flowrun/pkg/schema"
)

// FlowService is the flow API the tools call. *service.Service satisfies it.
type FlowService interface {
	Define(ctx context.Context, def *schema.FlowDefinition) (*store.Flow, *schema.ValidationResult, error)
	Validate(def *schema.FlowDefinition) *schema.ValidationResult
	Run(ctx context.Context, flowID string, opts service.RunOptions) (*engine.Result, error)
	RunDefinition(ctx context.Context, def *schema.FlowDefinition, opts service.RunOptions) (*engine.Result, error)
	RunTrigger(ctx context.Context, trig *store.ScheduledTrigger) (*store.Execution, error)
	Status(ctx context.Context, executionID string) (*service.ExecutionStatus, error)
	ListFlows(ctx context.Context, filter store.FlowFilter) ([]*store.Flow, error)
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error)
	Events(ctx context.Context, executionID string) ([]*store.Event, error)
}

// RunnerCatalog lists the runners flows can bind to. *runners.Registry
// satisfies it.
type RunnerCatalog interface {
	List() []runners.RunnerInfo
	ParamsSchema(name string) json.RawMessage
}

// TriggerScheduler registers cron triggers. *scheduler.Scheduler satisfies it.
type TriggerScheduler interface {
	AddTrigger(ctx context.Context, trigger *store.ScheduledTrigger) error
}

// FlowServerDeps holds the dependencies for creating a FlowServer.
type FlowServerDeps struct {
	Service FlowService
	Runners RunnerCatalog
	Events  streaming.EventHub // optional; enables flow.run streaming
	Logger  *slog.Logger
}

// FlowServer wraps an MCP server with flow tool handlers.
type FlowServer struct {
	service   FlowService
	runners   RunnerCatalog
	events    streaming.EventHub
	scheduler TriggerScheduler
	sessions  *SessionRegistry
	notifier  *MCPNotifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewFlowServer creates a FlowServer with the flow tools registered.
// flow.schedule is added by EnableScheduling.
func NewFlowServer(deps FlowServerDeps) *FlowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlowServer{
		service:  deps.Service,
		runners:  deps.Runners,
		events:   deps.Events,
		sessions: NewSessionRegistry(),
		logger:   logger,
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(ctx context.Context, session server.ClientSession) {
		if n := s.sessions.Forget(session.SessionID()); n > 0 {
			logger.DebugContext(ctx, "session closed, trigger notifications dropped",
				slog.String("session_id", session.SessionID()),
				slog.Int("triggers", n))
		}
	})

	mcpSrv := server.NewMCPServer(
		"flowrun",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Flowrun executes flows: directed graphs of steps whose outputs feed the inputs of the next. Use flow.define to store a flow, flow.validate to check one, flow.run to execute it, flow.status to inspect an execution, flow.query to list flows, executions and events, and flow.runners to see which step runners exist."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// EnableScheduling registers flow.schedule backed by sched.
func (s *FlowServer) EnableScheduling(sched TriggerScheduler) {
	s.scheduler = sched
	s.mcpServer.AddTools(server.ServerTool{Tool: scheduleTool(), Handler: s.handleSchedule})
}

// TriggerRunner returns a runner for the scheduler that executes through the
// flow service and notifies the session that scheduled the trigger.
func (s *FlowServer) TriggerRunner() *NotifyingRunner {
	return &NotifyingRunner{next: s.service, notifier: s.notifier, logger: s.logger}
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *FlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: runnersTool(), Handler: s.handleRunners},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("flow.define",
		mcp.WithDescription("Validate and store a flow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Flow definition: steps and connections")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("flow.validate",
		mcp.WithDescription("Check a flow definition without storing it"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Flow definition: steps and connections")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("flow.run",
		mcp.WithDescription("Execute a stored flow or an inline definition"),
		mcp.WithString("flow_id", mcp.Description("ID of a stored flow")),
		mcp.WithObject("definition", mcp.Description("Inline flow definition, used when flow_id is empty")),
		mcp.WithString("start_node", mcp.Description("Step to start from (default: every step without inputs)")),
		mcp.WithArray("seed", mcp.Description("Items handed to input 0 of the start step")),
		mcp.WithString("stop_after", mcp.Description("Step after which nothing propagates downstream")),
		mcp.WithBoolean("stream", mcp.Description("Send execution events to this session as they are recorded")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flow.status",
		mcp.WithDescription("Get an execution with its node runs"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithBoolean("include_events", mcp.Description("Include the execution log")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("flow.query",
		mcp.WithDescription("Query flows, executions, or events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("flows", "executions", "events"),
			mcp.Description("Resource type to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (flow_id, execution_id, status, event_type, since, limit)")),
	)
}

func runnersTool() mcp.Tool {
	return mcp.NewTool("flow.runners",
		mcp.WithDescription("List the runners a step can use"),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("flow.schedule",
		mcp.WithDescription("Run a stored flow on a cron schedule"),
		mcp.WithString("flow_id", mcp.Required(), mcp.Description("ID of the stored flow")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Cron expression or descriptor such as @hourly")),
		mcp.WithString("start_node", mcp.Description("Step to start from")),
		mcp.WithArray("seed", mcp.Description("Items handed to input 0 of the start step on every run")),
		mcp.WithBoolean("enabled", mcp.Description("Whether the trigger fires (default: true)")),
	)
}

var (
	_ FlowService          = (*service.Service)(nil)
	_ RunnerCatalog        = (*runners.Registry)(nil)
	_ TriggerScheduler     = (*scheduler.Scheduler)(nil)
	_ scheduler.FlowRunner = (*NotifyingRunner)(nil)
)
