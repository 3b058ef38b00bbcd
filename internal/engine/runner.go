package engine

import (
	"context"

	"github.com/rendis/flowrun/internal/graph"
	"github.com/rendis/flowrun/internal/runners"
	"github.com/rendis/flowrun/pkg/schema"
)

// NodeRunner performs the work of one (node, run) dispatch. It receives one
// item sequence per declared input port and returns one per output port.
type NodeRunner interface {
	RunNode(ctx context.Context, node graph.Node, run RunIndex, inputs schema.PortData) (schema.PortData, error)
}

// NodeRunnerFunc adapts a function to NodeRunner.
type NodeRunnerFunc func(ctx context.Context, node graph.Node, run RunIndex, inputs schema.PortData) (schema.PortData, error)

// RunNode calls f.
func (f NodeRunnerFunc) RunNode(ctx context.Context, node graph.Node, run RunIndex, inputs schema.PortData) (schema.PortData, error) {
	return f(ctx, node, run, inputs)
}

type startKey struct{}

// withStart marks ctx as the dispatch of a start node.
func withStart(ctx context.Context) context.Context {
	return context.WithValue(ctx, startKey{}, true)
}

// IsStartDispatch reports whether ctx belongs to the dispatch of a start
// node rather than of a node reached through an edge.
func IsStartDispatch(ctx context.Context) bool {
	start, _ := ctx.Value(startKey{}).(bool)
	return start
}

// BoundStep is the graph payload produced by BuildGraph: a step definition
// with its runner resolved and its parameters decoded once.
type BoundStep struct {
	Step   schema.StepDefinition
	Runner runners.Runner
	Params map[string]any
}

// RegistryRunner runs the runner bound to each node's BoundStep payload.
type RegistryRunner struct{}

// RunNode implements NodeRunner.
func (RegistryRunner) RunNode(ctx context.Context, node graph.Node, run RunIndex, inputs schema.PortData) (schema.PortData, error) {
	bound, ok := node.Payload.(*BoundStep)
	if !ok || bound.Runner == nil {
		return nil, schema.NewErrorf(schema.ErrCodeRunnerUnavailable, "node %q has no bound runner", node.ID).
			WithNode(node.ID)
	}
	return bound.Runner.Run(ctx, runners.Input{
		NodeID:    node.ID,
		RunIndex:  int(run),
		Params:    bound.Params,
		Condition: bound.Step.Condition,
		Inputs:    inputs,
		Outputs:   node.Outputs,
		Reached:   !IsStartDispatch(ctx),
	})
}
