package engine

import (
	"github.com/rendis/flowrun/internal/graph"
	"github.com/rendis/flowrun/internal/runners"
	"github.com/rendis/flowrun/pkg/schema"
)

// RunnerLookup resolves a runner by registry key. *runners.Registry
// satisfies it.
type RunnerLookup interface {
	Get(name string) (runners.Runner, error)
}

// BuildGraph imports a flow definition into a Graph whose node payloads are
// *BoundStep values. Runners are resolved and their parameters validated
// here, once. A nil lookup leaves runners unbound.
//
// Port counts not declared on a step are derived: outputs from the highest
// output port referenced by its connections (at least 1), inputs as 1 except
// for branch_join steps, which get one port per incoming connection.
func BuildGraph(def *schema.FlowDefinition, lookup RunnerLookup) (*graph.Graph, error) {
	seen := make(map[string]bool, len(def.Steps))
	for _, st := range def.Steps {
		if st.ID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "step id is empty")
		}
		if seen[st.ID] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id %q", st.ID).WithNode(st.ID)
		}
		seen[st.ID] = true
	}

	edges, inputs := assignInputPorts(def)

	g := graph.New()
	for _, st := range def.Steps {
		bound, err := bindStep(st, lookup)
		if err != nil {
			return nil, err
		}

		outputs := st.Outputs
		if outputs <= 0 {
			outputs = 1
			if bound.Runner != nil && bound.Runner.Schema().Outputs > outputs {
				outputs = bound.Runner.Schema().Outputs
			}
			for _, t := range def.Connections[st.ID] {
				if t.Output+1 > outputs {
					outputs = t.Output + 1
				}
			}
		}

		in := st.Inputs
		if in <= 0 {
			in = 1
			if st.EffectiveRole() == schema.StepRoleBranchJoin && inputs[st.ID] > 1 {
				in = inputs[st.ID]
			}
		}

		g.AddNode(st.ID, bound, graph.WithInputs(in), graph.WithOutputs(outputs))
	}

	for _, e := range edges {
		if err := g.AddEdge(e.Source, e.SourcePort, e.Dest, e.DestPort); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// assignInputPorts resolves the destination port of every connection and
// counts, per destination, how many input ports its connections need.
func assignInputPorts(def *schema.FlowDefinition) ([]graph.Edge, map[string]int) {
	var edges []graph.Edge
	next := make(map[string]int)
	needed := make(map[string]int)

	for _, src := range def.SourceOrder() {
		for _, t := range def.Connections[src] {
			port := 0
			switch {
			case t.Input != nil:
				port = *t.Input
			case isBranchJoin(def, t.Step):
				port = next[t.Step]
				next[t.Step]++
			}
			if port+1 > needed[t.Step] {
				needed[t.Step] = port + 1
			}
			edges = append(edges, graph.Edge{Source: src, SourcePort: t.Output, Dest: t.Step, DestPort: port})
		}
	}
	return edges, needed
}

func isBranchJoin(def *schema.FlowDefinition, id string) bool {
	st := def.Step(id)
	return st != nil && st.EffectiveRole() == schema.StepRoleBranchJoin
}

func bindStep(st schema.StepDefinition, lookup RunnerLookup) (*BoundStep, error) {
	params, err := st.DecodeParameters()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %q: parameters must be a JSON object: %s", st.ID, err.Error()).
			WithNode(st.ID).WithCause(err)
	}
	bound := &BoundStep{Step: st, Params: params}
	if lookup == nil {
		return bound, nil
	}

	rn, err := lookup.Get(st.Runner)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeRunnerUnavailable, "step %q: runner %q is not registered", st.ID, st.Runner).
			WithNode(st.ID).WithCause(err)
	}
	if err := rn.Validate(bound.Params); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %q: invalid parameters for %s: %s", st.ID, st.Runner, err.Error()).
			WithNode(st.ID).WithCause(err)
	}
	bound.Runner = rn
	return bound, nil
}
