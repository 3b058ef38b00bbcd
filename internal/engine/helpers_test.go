package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/internal/graph"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// --- Event appenders ---

type mockAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

func (m *mockAppender) count(eventType string) int {
	n := 0
	for _, t := range m.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

type failAppender struct{}

func (failAppender) AppendEvent(context.Context, *store.Event) error {
	return errors.New("disk full")
}

// --- Graph and runner helpers ---

type edgeSpec struct {
	src     string
	srcPort int
	dst     string
	dstPort int
}

func edge(src, dst string) edgeSpec { return edgeSpec{src: src, dst: dst} }

func portEdge(src string, srcPort int, dst string, dstPort int) edgeSpec {
	return edgeSpec{src, srcPort, dst, dstPort}
}

type nodeSpec struct {
	id      string
	inputs  int
	outputs int
}

func node(id string) nodeSpec { return nodeSpec{id: id, inputs: 1, outputs: 1} }

func joinNode(id string, inputs int) nodeSpec { return nodeSpec{id: id, inputs: inputs, outputs: 1} }

func branchNode(id string, outputs int) nodeSpec {
	return nodeSpec{id: id, inputs: 1, outputs: outputs}
}

func buildTestGraph(t *testing.T, nodes []nodeSpec, edges ...edgeSpec) *graph.Graph {
	t.Helper()
	g := graph.New()
	for _, n := range nodes {
		g.AddNode(n.id, nil, graph.WithInputs(n.inputs), graph.WithOutputs(n.outputs))
	}
	for _, e := range edges {
		require.NoError(t, g.AddEdge(e.src, e.srcPort, e.dst, e.dstPort))
	}
	return g
}

type runFunc func(node graph.Node, run RunIndex, inputs schema.PortData) (schema.PortData, error)

// tagRunner emits the flattened inputs followed by the node ID on port 0.
// Per-node overrides replace that behaviour.
type tagRunner struct {
	overrides map[string]runFunc

	mu    sync.Mutex
	calls map[string][]schema.PortData
}

func newTagRunner() *tagRunner {
	return &tagRunner{overrides: map[string]runFunc{}, calls: map[string][]schema.PortData{}}
}

func (r *tagRunner) on(id string, fn runFunc) *tagRunner {
	r.overrides[id] = fn
	return r
}

func (r *tagRunner) RunNode(_ context.Context, nd graph.Node, run RunIndex, inputs schema.PortData) (schema.PortData, error) {
	r.mu.Lock()
	r.calls[nd.ID] = append(r.calls[nd.ID], inputs.Clone())
	r.mu.Unlock()

	if fn, ok := r.overrides[nd.ID]; ok {
		return fn(nd, run, inputs)
	}
	return schema.PortData{append(inputs.Flatten(), nd.ID)}, nil
}

func (r *tagRunner) inputsOf(id string) []schema.PortData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func dispatchOrder(res *Result) []string {
	out := make([]string, len(res.Dispatched))
	for i, d := range res.Dispatched {
		out[i] = d.NodeID
	}
	return out
}
