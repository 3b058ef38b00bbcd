// Package graph holds the static topology of a flow: nodes with indexed
// input and output ports, and the edges between them.
package graph

import (
	"github.com/rendis/flowrun/pkg/schema"
)

// Node is a unit of work in the flow graph. Payload is opaque to the graph
// and the executor; it is handed to the node runner untouched.
type Node struct {
	ID      string
	Payload any
	Inputs  int
	Outputs int
}

// Edge connects an output port of Source to an input port of Dest.
type Edge struct {
	Source     string `json:"source"`
	SourcePort int    `json:"source_port"`
	Dest       string `json:"dest"`
	DestPort   int    `json:"dest_port"`
}

// Connections lists, per port index, the edges attached to a node.
// Every port up to the declared count is present, possibly empty.
type Connections struct {
	Outputs [][]Edge
	Inputs  [][]Edge
}

// NodeOption configures a node on AddNode.
type NodeOption func(*Node)

// WithInputs sets the declared number of input ports.
func WithInputs(n int) NodeOption {
	return func(nd *Node) { nd.Inputs = n }
}

// WithOutputs sets the declared number of output ports.
func WithOutputs(n int) NodeOption {
	return func(nd *Node) { nd.Outputs = n }
}

// Graph is a directed multigraph of ports. It is built once and then only
// read; concurrent readers are safe as long as nobody mutates it.
type Graph struct {
	order    []string
	nodes    map[string]*Node
	bySource map[string][][]Edge // node ID → output port → edges
	byDest   map[string][][]Edge // node ID → input port → edges
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		nodes:    make(map[string]*Node),
		bySource: make(map[string][][]Edge),
		byDest:   make(map[string][][]Edge),
	}
}

// AddNode registers a node, or overwrites payload and port counts of an
// existing one. Existing edges and insertion position are kept.
func (g *Graph) AddNode(id string, payload any, opts ...NodeOption) {
	nd := &Node{ID: id, Payload: payload, Inputs: 1, Outputs: 1}
	for _, opt := range opts {
		opt(nd)
	}
	if nd.Inputs < 0 {
		nd.Inputs = 0
	}
	if nd.Outputs < 0 {
		nd.Outputs = 0
	}

	if _, exists := g.nodes[id]; !exists {
		g.order = append(g.order, id)
	}
	g.nodes[id] = nd

	g.bySource[id] = growPorts(g.bySource[id], nd.Outputs-1)
	g.byDest[id] = growPorts(g.byDest[id], nd.Inputs-1)
}

// AddEdge wires sourceID:sourcePort to destID:destPort. It fails without
// touching either index if an endpoint is unknown or a port is negative.
func (g *Graph) AddEdge(sourceID string, sourcePort int, destID string, destPort int) error {
	if _, ok := g.nodes[sourceID]; !ok {
		return schema.NewErrorf(schema.ErrCodeUnknownNode, "edge source %q is not a node", sourceID).
			WithNode(sourceID).
			WithDetails(map[string]any{"dest": destID})
	}
	if _, ok := g.nodes[destID]; !ok {
		return schema.NewErrorf(schema.ErrCodeUnknownNode, "edge destination %q is not a node", destID).
			WithNode(destID).
			WithDetails(map[string]any{"source": sourceID})
	}
	if sourcePort < 0 || destPort < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"edge %s:%d -> %s:%d has a negative port", sourceID, sourcePort, destID, destPort)
	}

	e := Edge{Source: sourceID, SourcePort: sourcePort, Dest: destID, DestPort: destPort}

	out := growPorts(g.bySource[sourceID], sourcePort)
	out[sourcePort] = append(out[sourcePort], e)
	g.bySource[sourceID] = out

	in := growPorts(g.byDest[destID], destPort)
	in[destPort] = append(in[destPort], e)
	g.byDest[destID] = in
	return nil
}

// Node returns the node with the given ID.
func (g *Graph) Node(id string) (Node, bool) {
	nd, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *nd, true
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, *g.nodes[id])
	}
	return out
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.order) }

// ConnectionsOf returns the edges attached to each port of nodeID. Unknown
// nodes yield empty connections.
func (g *Graph) ConnectionsOf(nodeID string) Connections {
	return Connections{
		Outputs: copyPorts(g.bySource[nodeID]),
		Inputs:  copyPorts(g.byDest[nodeID]),
	}
}

// InputCount returns the declared input port count of a node, 0 if unknown.
func (g *Graph) InputCount(nodeID string) int {
	if nd, ok := g.nodes[nodeID]; ok {
		return nd.Inputs
	}
	return 0
}

// OutgoingEdges returns the edges leaving port of nodeID without copying.
// Callers must not modify the returned slice.
func (g *Graph) OutgoingEdges(nodeID string, port int) []Edge {
	ports := g.bySource[nodeID]
	if port < 0 || port >= len(ports) {
		return nil
	}
	return ports[port]
}

// OutputPortCount returns how many output ports of nodeID have an adjacency
// list: the declared count, or more if edges were wired past it.
func (g *Graph) OutputPortCount(nodeID string) int {
	return len(g.bySource[nodeID])
}

// StartNodes returns every node without incoming edges, in insertion order.
func (g *Graph) StartNodes() []string {
	var starts []string
	for _, id := range g.order {
		if countEdges(g.byDest[id]) == 0 {
			starts = append(starts, id)
		}
	}
	return starts
}

// DownstreamOf returns the destination of every edge leaving nodeID, in
// port then edge order. A node wired several times appears several times.
func (g *Graph) DownstreamOf(nodeID string) []string {
	var out []string
	for _, edges := range g.bySource[nodeID] {
		for _, e := range edges {
			out = append(out, e.Dest)
		}
	}
	return out
}

// Reachable returns the set of nodes reachable from the given roots,
// roots included.
func (g *Graph) Reachable(roots ...string) map[string]bool {
	seen := make(map[string]bool, len(g.order))
	queue := make([]string, 0, len(roots))
	for _, r := range roots {
		if _, ok := g.nodes[r]; ok && !seen[r] {
			seen[r] = true
			queue = append(queue, r)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range g.DownstreamOf(id) {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

// TopologicalOrder sorts nodes with Kahn's algorithm, breaking ties by
// insertion order. It fails with CYCLE_DETECTED when the graph has a cycle.
func (g *Graph) TopologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		inDegree[id] = countEdges(g.byDest[id])
	}

	queue := make([]string, 0, len(g.order))
	for _, id := range g.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	sorted := make([]string, 0, len(g.order))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)
		for _, next := range g.DownstreamOf(id) {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(sorted) != len(g.order) {
		var stuck []string
		for _, id := range g.order {
			if inDegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "graph contains a cycle").
			WithDetails(map[string]any{"nodes": stuck})
	}
	return sorted, nil
}

// growPorts extends ports with empty lists so that index idx exists.
func growPorts(ports [][]Edge, idx int) [][]Edge {
	for len(ports) <= idx {
		ports = append(ports, []Edge{})
	}
	return ports
}

func copyPorts(ports [][]Edge) [][]Edge {
	out := make([][]Edge, len(ports))
	for i, edges := range ports {
		out[i] = append([]Edge{}, edges...)
	}
	return out
}

func countEdges(ports [][]Edge) int {
	n := 0
	for _, edges := range ports {
		n += len(edges)
	}
	return n
}
