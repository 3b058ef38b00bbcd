package engine

import (
	"sort"
	"sync"

	"github.com/rendis/flowrun/pkg/schema"
)

// RunIndex distinguishes repeated executions of the same node within one
// run and is the join key for multi-input nodes.
type RunIndex int

// JoinPolicy decides when a multi-input node counts an input port as filled.
type JoinPolicy string

const (
	// JoinStarve requires non-empty data on every port. A branch that
	// produced nothing leaves the join waiting forever.
	JoinStarve JoinPolicy = "starve"
	// JoinFillEmpty counts any arrival, including an empty one.
	JoinFillEmpty JoinPolicy = "fill_empty"
)

// ParseJoinPolicy maps a config string to a policy. Unknown values fall
// back to JoinStarve.
func ParseJoinPolicy(s string) JoinPolicy {
	if JoinPolicy(s) == JoinFillEmpty {
		return JoinFillEmpty
	}
	return JoinStarve
}

// Snapshot maps node ID → run index → output ports.
type Snapshot map[string]map[RunIndex]schema.PortData

// PendingJoin is a (node, run) pair that buffered input but never dispatched.
type PendingJoin struct {
	NodeID   string   `json:"node_id"`
	RunIndex RunIndex `json:"run_index"`
	Arrived  []int    `json:"arrived_ports"`
}

type runKey struct {
	node string
	run  RunIndex
}

type waitBuffer struct {
	ports   []schema.Items
	arrived []bool
}

// RunState holds the mutable state of a single execution: join buffers,
// output records and the set of (node, run) pairs already dispatched.
// All methods are safe for concurrent use.
type RunState struct {
	mu         sync.Mutex
	waiting    map[runKey]*waitBuffer
	records    map[runKey]schema.PortData
	dispatched map[runKey]bool
}

// NewRunState creates an empty RunState.
func NewRunState() *RunState {
	return &RunState{
		waiting:    make(map[runKey]*waitBuffer),
		records:    make(map[runKey]schema.PortData),
		dispatched: make(map[runKey]bool),
	}
}

// BufferInput appends items to the wait buffer of (node, run) at port and
// marks the port as arrived. Negative ports are ignored.
func (s *RunState) BufferInput(node string, run RunIndex, port int, items schema.Items) {
	if port < 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bufferLocked(runKey{node, run}, port, items)
}

func (s *RunState) bufferLocked(key runKey, port int, items schema.Items) {
	buf, ok := s.waiting[key]
	if !ok {
		buf = &waitBuffer{}
		s.waiting[key] = buf
	}
	for len(buf.ports) <= port {
		buf.ports = append(buf.ports, nil)
		buf.arrived = append(buf.arrived, false)
	}
	buf.ports[port] = append(buf.ports[port], items...)
	buf.arrived[port] = true
}

// IsReady reports whether (node, run) has input on every port in
// [0, required). Nodes with at most one declared input are always ready.
func (s *RunState) IsReady(node string, run RunIndex, required int, policy JoinPolicy) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isReadyLocked(runKey{node, run}, required, policy)
}

func (s *RunState) isReadyLocked(key runKey, required int, policy JoinPolicy) bool {
	if required <= 1 {
		return true
	}
	buf, ok := s.waiting[key]
	if !ok || len(buf.ports) < required {
		return false
	}
	for i := 0; i < required; i++ {
		switch policy {
		case JoinFillEmpty:
			if !buf.arrived[i] {
				return false
			}
		default:
			if len(buf.ports[i]) == 0 {
				return false
			}
		}
	}
	return true
}

// TakeInputs returns the buffered input of (node, run) ordered by port and
// clears it. A second call returns an empty result.
func (s *RunState) TakeInputs(node string, run RunIndex) schema.PortData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeLocked(runKey{node, run})
}

func (s *RunState) takeLocked(key runKey) schema.PortData {
	buf, ok := s.waiting[key]
	if !ok {
		return schema.PortData{}
	}
	delete(s.waiting, key)
	out := make(schema.PortData, len(buf.ports))
	copy(out, buf.ports)
	return out
}

// Deliver routes items arriving at node:port from a producer running at
// run. It resolves the destination run index and buffers the items, even
// none, so the port counts as arrived. When the node is now ready it is
// marked dispatched and its inputs are taken under the same lock, so
// concurrent deliveries to one join dispatch it exactly once.
func (s *RunState) Deliver(node string, run RunIndex, port int, items schema.Items, required int, policy JoinPolicy) (RunIndex, schema.PortData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.dispatched[runKey{node, run}] {
		run++
	}
	key := runKey{node, run}
	if port >= 0 {
		s.bufferLocked(key, port, items)
	}
	if !s.isReadyLocked(key, required, policy) {
		return run, nil, false
	}
	s.dispatched[key] = true
	return run, s.takeLocked(key), true
}

// Claim marks (node, run) dispatched unconditionally and returns whatever
// was buffered for it. Used to seed start nodes.
func (s *RunState) Claim(node string, run RunIndex) schema.PortData {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runKey{node, run}
	s.dispatched[key] = true
	return s.takeLocked(key)
}

// ResolveRunIndex returns the smallest run index ≥ run that has not yet
// been dispatched for node. Data re-arriving at a node that already ran is
// routed to a fresh run instead of being lost in a dead buffer.
func (s *RunState) ResolveRunIndex(node string, run RunIndex) RunIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.dispatched[runKey{node, run}] {
		run++
	}
	return run
}

// RecordOutput stores the output of (node, run), overwriting any prior record.
func (s *RunState) RecordOutput(node string, run RunIndex, outputs schema.PortData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[runKey{node, run}] = outputs
}

// Snapshot returns a deep copy of all output records.
func (s *RunState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(Snapshot, len(s.records))
	for key, out := range s.records {
		runs, ok := snap[key.node]
		if !ok {
			runs = make(map[RunIndex]schema.PortData)
			snap[key.node] = runs
		}
		runs[key.run] = out.Clone()
	}
	return snap
}

// Pending lists (node, run) pairs that received deliveries but never
// dispatched, sorted by node then run index. Arrived lists the ports that
// were delivered to, including empty deliveries.
func (s *RunState) Pending() []PendingJoin {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PendingJoin
	for key, buf := range s.waiting {
		if s.dispatched[key] {
			continue
		}
		pj := PendingJoin{NodeID: key.node, RunIndex: key.run, Arrived: []int{}}
		for port, ok := range buf.arrived {
			if ok {
				pj.Arrived = append(pj.Arrived, port)
			}
		}
		out = append(out, pj)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].RunIndex < out[j].RunIndex
	})
	return out
}
