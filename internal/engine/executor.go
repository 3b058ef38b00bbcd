package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowrun/internal/graph"
	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/pkg/schema"
)

// DefaultPoolSize is the default worker pool concurrency in parallel mode.
const DefaultPoolSize = 10

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	Parallel   bool          // dispatch ready nodes on a worker pool
	PoolSize   int           // max concurrent node dispatches in parallel mode
	JoinPolicy JoinPolicy    // default JoinStarve
	Events     EventAppender // optional execution log sink
}

// ExecuteOptions tunes a single execution.
type ExecuteOptions struct {
	ExecutionID string          // generated when empty
	Seed        schema.PortData // input handed to the start node(s)
	StopAfter   string          // node after which nothing propagates downstream
}

// Dispatch identifies one handed-out (node, run) pair.
type Dispatch struct {
	NodeID   string   `json:"node_id"`
	RunIndex RunIndex `json:"run_index"`
}

// Result is the outcome of an execution. On failure it still carries the
// partial snapshot accumulated up to the failing node.
type Result struct {
	ExecutionID string                 `json:"execution_id"`
	Status      schema.ExecutionStatus `json:"status"`
	Snapshot    Snapshot               `json:"snapshot"`
	Pending     []PendingJoin          `json:"pending,omitempty"`
	Dispatched  []Dispatch             `json:"dispatched"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
}

// RunError reports a node runner failure. It unwraps to the runner's error.
type RunError struct {
	NodeID   string
	RunIndex RunIndex
	Err      error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("node %s (run %d) failed: %v", e.NodeID, e.RunIndex, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Executor walks a flow graph from its start node(s), running each node once
// its inputs are complete and pushing its outputs along the outgoing edges.
// The graph is shared read-only; every call to Execute gets its own RunState.
type Executor struct {
	graph  *graph.Graph
	runner NodeRunner
	config ExecutorConfig
	logger *slog.Logger
}

// NewExecutor creates an Executor over g. A nil runner defaults to
// RegistryRunner, a nil logger to slog.Default().
func NewExecutor(g *graph.Graph, runner NodeRunner, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if runner == nil {
		runner = RegistryRunner{}
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.JoinPolicy == "" {
		cfg.JoinPolicy = JoinStarve
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{graph: g, runner: runner, config: cfg, logger: logger}
}

// execution is the per-call state of one Execute.
type execution struct {
	id    string
	opts  ExecuteOptions
	state *RunState
	nodes *NodeFSM

	mu    sync.Mutex
	order []Dispatch
}

func (x *execution) dispatched(d Dispatch) {
	x.mu.Lock()
	x.order = append(x.order, d)
	x.mu.Unlock()
}

// Execute runs the flow from startNodeID at run index 0 with an empty input
// set, or opts.Seed when given.
func (e *Executor) Execute(ctx context.Context, startNodeID string, opts ExecuteOptions) (*Result, error) {
	if _, ok := e.graph.Node(startNodeID); !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownNode, "start node %q is not in the graph", startNodeID).
			WithNode(startNodeID)
	}
	return e.run(ctx, []string{startNodeID}, opts)
}

// ExecuteAll runs the flow from every node without incoming edges, in
// insertion order, sharing one RunState.
func (e *Executor) ExecuteAll(ctx context.Context, opts ExecuteOptions) (*Result, error) {
	starts := e.graph.StartNodes()
	if len(starts) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph has no start node")
	}
	return e.run(ctx, starts, opts)
}

func (e *Executor) run(ctx context.Context, starts []string, opts ExecuteOptions) (*Result, error) {
	if opts.ExecutionID == "" {
		opts.ExecutionID = uuid.New().String()
	}
	x := &execution{
		id:    opts.ExecutionID,
		opts:  opts,
		state: NewRunState(),
		nodes: NewNodeFSM(opts.ExecutionID, e.config.Events),
	}
	ctx = logging.WithExecutionID(ctx, x.id)
	// Events are written even after the run context is cancelled.
	evCtx := context.WithoutCancel(ctx)

	fsm := NewExecutionFSM(e.config.Events)
	res := &Result{ExecutionID: x.id, StartedAt: time.Now().UTC()}
	if err := fsm.Transition(evCtx, x.id, schema.ExecutionStatusPending, schema.ExecutionStatusRunning,
		map[string]any{"start_nodes": starts}); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "execution started",
		slog.Any("start_nodes", starts),
		slog.Bool("parallel", e.config.Parallel))

	var runErr error
	if e.config.Parallel {
		runErr = e.runParallel(ctx, x, starts)
	} else {
		runErr = e.runSequential(ctx, x, starts)
	}

	res.Snapshot = x.state.Snapshot()
	res.Pending = x.state.Pending()
	res.Dispatched = x.order
	res.CompletedAt = time.Now().UTC()

	var payload any
	switch {
	case runErr == nil:
		res.Status = schema.ExecutionStatusCompleted
		if len(res.Pending) > 0 {
			payload = map[string]any{"pending": res.Pending}
		}
	case schema.IsCode(runErr, schema.ErrCodeCancelled):
		res.Status = schema.ExecutionStatusCancelled
	default:
		res.Status = schema.ExecutionStatusFailed
		payload = map[string]any{"error": runErr.Error()}
	}

	if err := fsm.Transition(evCtx, x.id, schema.ExecutionStatusRunning, res.Status, payload); err != nil && runErr == nil {
		res.Status = schema.ExecutionStatusFailed
		runErr = err
	}

	attrs := []any{
		slog.String("status", string(res.Status)),
		slog.Int("dispatched", len(res.Dispatched)),
		slog.Int("pending", len(res.Pending)),
		slog.Duration("duration", res.CompletedAt.Sub(res.StartedAt)),
	}
	if runErr != nil {
		e.logger.ErrorContext(ctx, "execution finished", append(attrs, slog.String("error", runErr.Error()))...)
	} else {
		e.logger.InfoContext(ctx, "execution finished", attrs...)
	}
	return res, runErr
}

// cursor is a paused fan-out: the outputs of one dispatched (node, run) and
// the next edge to deliver them along.
type cursor struct {
	node    string
	run     RunIndex
	outputs schema.PortData
	port    int
	edge    int
}

// next returns the next outgoing edge in port then insertion order.
func (c *cursor) next(g *graph.Graph) (graph.Edge, bool) {
	for c.port < g.OutputPortCount(c.node) {
		edges := g.OutgoingEdges(c.node, c.port)
		if c.edge < len(edges) {
			e := edges[c.edge]
			c.edge++
			return e, true
		}
		c.port++
		c.edge = 0
	}
	return graph.Edge{}, false
}

// runSequential dispatches depth first with an explicit stack of cursors.
// The order is the same as a recursive dispatch that, for every edge,
// buffers into the destination and recurses as soon as it is ready.
func (e *Executor) runSequential(ctx context.Context, x *execution, starts []string) error {
	for _, start := range starts {
		run, inputs := e.seed(x, start)
		c, err := e.dispatch(withStart(ctx), x, start, run, inputs)
		if err != nil {
			return err
		}

		var stack []*cursor
		if c != nil {
			stack = append(stack, c)
		}
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			edge, ok := top.next(e.graph)
			if !ok {
				stack = stack[:len(stack)-1]
				continue
			}
			destRun, in, ready, err := e.deliver(ctx, x, top, edge)
			if err != nil {
				return err
			}
			if !ready {
				continue
			}
			next, err := e.dispatch(ctx, x, edge.Dest, destRun, in)
			if err != nil {
				return err
			}
			if next != nil {
				stack = append(stack, next)
			}
		}
	}
	return nil
}

// seed claims run 0 (or the next free run) of a start node and returns
// its input: opts.Seed when set, otherwise anything already buffered.
func (e *Executor) seed(x *execution, start string) (RunIndex, schema.PortData) {
	run := x.state.ResolveRunIndex(start, 0)
	inputs := x.state.Claim(start, run)
	if len(x.opts.Seed) > 0 {
		inputs = x.opts.Seed.Clone()
	}
	return run, inputs
}

// deliver pushes the items of one edge into its destination. It reports
// whether the destination became ready, with the inputs it was handed.
func (e *Executor) deliver(ctx context.Context, x *execution, c *cursor, edge graph.Edge) (RunIndex, schema.PortData, bool, error) {
	items := c.outputs.Port(edge.SourcePort)
	run, inputs, ready := x.state.Deliver(edge.Dest, c.run, edge.DestPort, items,
		e.graph.InputCount(edge.Dest), e.config.JoinPolicy)
	if !ready {
		if err := x.nodes.Buffered(context.WithoutCancel(ctx), edge.Dest, run, edge.DestPort); err != nil {
			return 0, nil, false, err
		}
		return run, nil, false, nil
	}
	return run, inputs, true, nil
}

// dispatch runs one (node, run) and records its output. It returns a cursor
// over the outputs, or nil when nothing should propagate (StopAfter).
func (e *Executor) dispatch(ctx context.Context, x *execution, nodeID string, run RunIndex, inputs schema.PortData) (*cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithCause(err)
	}
	nd, _ := e.graph.Node(nodeID)
	evCtx := context.WithoutCancel(ctx)

	if err := x.nodes.Transition(evCtx, nodeID, run, schema.NodeStatusReady, nil); err != nil {
		return nil, err
	}
	if err := x.nodes.Transition(evCtx, nodeID, run, schema.NodeStatusRunning, nil); err != nil {
		return nil, err
	}
	x.dispatched(Dispatch{NodeID: nodeID, RunIndex: run})

	nctx := logging.WithNodeRun(ctx, nodeID, int(run))
	e.logger.DebugContext(nctx, "node dispatched")

	outputs, err := e.safeRun(nctx, nd, run, padPorts(inputs, nd.Inputs))
	if err == nil {
		outputs, err = normalizeOutputs(outputs, e.graph.OutputPortCount(nodeID))
	}
	if err != nil {
		_ = x.nodes.Failed(evCtx, nodeID, run, err)
		e.logger.ErrorContext(nctx, "node failed", slog.String("error", err.Error()))
		return nil, &RunError{NodeID: nodeID, RunIndex: run, Err: err}
	}

	x.state.RecordOutput(nodeID, run, outputs)
	if err := x.nodes.Transition(evCtx, nodeID, run, schema.NodeStatusDone, outputs); err != nil {
		return nil, err
	}

	if x.opts.StopAfter == nodeID {
		return nil, nil
	}
	return &cursor{node: nodeID, run: run, outputs: outputs}, nil
}

// safeRun calls the runner and turns a panic into an error.
func (e *Executor) safeRun(ctx context.Context, nd graph.Node, run RunIndex, inputs schema.PortData) (out schema.PortData, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeRunnerFailed, "runner panic: %v", r).WithNode(nd.ID)
		}
	}()
	return e.runner.RunNode(ctx, nd, run, inputs)
}

// padPorts returns inputs with at least n ports; missing ports are empty.
func padPorts(inputs schema.PortData, n int) schema.PortData {
	out := make(schema.PortData, 0, max(n, len(inputs)))
	for _, items := range inputs {
		if items == nil {
			items = schema.Items{}
		}
		out = append(out, items)
	}
	for len(out) < n {
		out = append(out, schema.Items{})
	}
	return out
}

// normalizeOutputs pads runner output to the node's output port count and
// rejects output on ports the node does not have.
func normalizeOutputs(outputs schema.PortData, ports int) (schema.PortData, error) {
	if len(outputs) > ports {
		return nil, schema.NewErrorf(schema.ErrCodeRunnerFailed,
			"runner produced %d output ports, node has %d", len(outputs), ports)
	}
	return padPorts(outputs, ports), nil
}
