package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

func chain(t *testing.T, ids ...string) *Graph {
	t.Helper()
	g := New()
	for _, id := range ids {
		g.AddNode(id, nil)
	}
	for i := 1; i < len(ids); i++ {
		require.NoError(t, g.AddEdge(ids[i-1], 0, ids[i], 0))
	}
	return g
}

func TestAddNode_Defaults(t *testing.T) {
	g := New()
	g.AddNode("a", "payload")

	nd, ok := g.Node("a")
	require.True(t, ok)
	assert.Equal(t, "payload", nd.Payload)
	assert.Equal(t, 1, nd.Inputs)
	assert.Equal(t, 1, nd.Outputs)

	conns := g.ConnectionsOf("a")
	require.Len(t, conns.Outputs, 1)
	require.Len(t, conns.Inputs, 1)
	assert.Empty(t, conns.Outputs[0])
	assert.Empty(t, conns.Inputs[0])
}

func TestAddNode_UpsertKeepsEdgesAndOrder(t *testing.T) {
	g := chain(t, "a", "b")
	g.AddNode("c", nil)
	g.AddNode("a", "v2", WithOutputs(2))

	nd, _ := g.Node("a")
	assert.Equal(t, "v2", nd.Payload)
	assert.Equal(t, 2, nd.Outputs)
	assert.Equal(t, []string{"b"}, g.DownstreamOf("a"))
	assert.Equal(t, 3, g.Len())

	ids := make([]string, 0, 3)
	for _, n := range g.Nodes() {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestAddEdge_UnknownNodeLeavesIndexesUnchanged(t *testing.T) {
	g := New()
	g.AddNode("x", nil)

	err := g.AddEdge("x", 0, "y", 0)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnknownNode))

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "y", fe.NodeID)

	assert.Empty(t, g.DownstreamOf("x"))
	conns := g.ConnectionsOf("x")
	require.Len(t, conns.Outputs, 1)
	assert.Empty(t, conns.Outputs[0])

	err = g.AddEdge("nope", 0, "x", 0)
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnknownNode))
	assert.Equal(t, []string{"x"}, g.StartNodes())
}

func TestAddEdge_NegativePort(t *testing.T) {
	g := chain(t, "a", "b")
	err := g.AddEdge("a", -1, "b", 0)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Equal(t, []string{"b"}, g.DownstreamOf("a"))
}

func TestAddEdge_GrowsPortsWithoutHoles(t *testing.T) {
	g := New()
	g.AddNode("src", nil)
	g.AddNode("dst", nil)
	require.NoError(t, g.AddEdge("src", 3, "dst", 2))

	conns := g.ConnectionsOf("src")
	require.Len(t, conns.Outputs, 4)
	for i := 0; i < 3; i++ {
		assert.NotNil(t, conns.Outputs[i])
		assert.Empty(t, conns.Outputs[i])
	}
	assert.Equal(t, Edge{Source: "src", SourcePort: 3, Dest: "dst", DestPort: 2}, conns.Outputs[3][0])

	in := g.ConnectionsOf("dst").Inputs
	require.Len(t, in, 3)
	assert.Len(t, in[2], 1)
	assert.Equal(t, 4, g.OutputPortCount("src"))
}

func TestConnectionsOf_FanOutAndFanIn(t *testing.T) {
	g := New()
	for _, id := range []string{"a", "b", "c", "d"} {
		g.AddNode(id, nil)
	}
	g.AddNode("d", nil, WithInputs(2))
	require.NoError(t, g.AddEdge("a", 0, "b", 0))
	require.NoError(t, g.AddEdge("a", 0, "c", 0))
	require.NoError(t, g.AddEdge("b", 0, "d", 0))
	require.NoError(t, g.AddEdge("c", 0, "d", 1))

	out := g.ConnectionsOf("a").Outputs
	require.Len(t, out, 1)
	assert.Len(t, out[0], 2)
	assert.Equal(t, "b", out[0][0].Dest)
	assert.Equal(t, "c", out[0][1].Dest)

	in := g.ConnectionsOf("d").Inputs
	require.Len(t, in, 2)
	assert.Equal(t, "b", in[0][0].Source)
	assert.Equal(t, "c", in[1][0].Source)
	assert.Equal(t, 2, g.InputCount("d"))
}

func TestConnectionsOf_ReturnsCopies(t *testing.T) {
	g := chain(t, "a", "b")
	conns := g.ConnectionsOf("a")
	conns.Outputs[0][0].Dest = "mutated"
	assert.Equal(t, []string{"b"}, g.DownstreamOf("a"))
}

func TestStartNodes(t *testing.T) {
	g := New()
	g.AddNode("a", nil)
	g.AddNode("b", nil)
	g.AddNode("c", nil)
	// Edge insertion order must not matter.
	require.NoError(t, g.AddEdge("c", 0, "b", 0))
	require.NoError(t, g.AddEdge("a", 0, "b", 0))

	assert.Equal(t, []string{"a", "c"}, g.StartNodes())
}

func TestStartNodes_Disconnected(t *testing.T) {
	g := chain(t, "a", "b")
	g.AddNode("lonely", nil)
	assert.Equal(t, []string{"a", "lonely"}, g.StartNodes())
}

func TestDownstreamOf_PreservesDuplicates(t *testing.T) {
	g := New()
	g.AddNode("a", nil, WithOutputs(2))
	g.AddNode("b", nil)
	g.AddNode("c", nil)
	require.NoError(t, g.AddEdge("a", 1, "c", 0))
	require.NoError(t, g.AddEdge("a", 0, "b", 0))
	require.NoError(t, g.AddEdge("a", 1, "b", 0))

	assert.Equal(t, []string{"b", "c", "b"}, g.DownstreamOf("a"))
	assert.Empty(t, g.DownstreamOf("unknown"))
}

func TestTopologicalOrder(t *testing.T) {
	g := New()
	for _, id := range []string{"d", "b", "a", "c"} {
		g.AddNode(id, nil)
	}
	require.NoError(t, g.AddEdge("a", 0, "b", 0))
	require.NoError(t, g.AddEdge("a", 0, "c", 0))
	require.NoError(t, g.AddEdge("b", 0, "d", 0))
	require.NoError(t, g.AddEdge("c", 0, "d", 0))

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["a"], pos["c"])
	assert.Less(t, pos["b"], pos["d"])
	assert.Less(t, pos["c"], pos["d"])
}

func TestTopologicalOrder_Cycle(t *testing.T) {
	g := chain(t, "a", "b", "c")
	require.NoError(t, g.AddEdge("c", 0, "b", 0))

	_, err := g.TopologicalOrder()
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCycleDetected))
}

func TestReachable(t *testing.T) {
	g := chain(t, "a", "b", "c")
	g.AddNode("x", nil)

	r := g.Reachable("b")
	assert.Equal(t, map[string]bool{"b": true, "c": true}, r)
	assert.Empty(t, g.Reachable("missing"))
}
