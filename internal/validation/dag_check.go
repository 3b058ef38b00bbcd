package validation

import (
	"fmt"

	"github.com/rendis/flowrun/internal/graph"
	"github.com/rendis/flowrun/pkg/schema"
)

// validateDAG performs graph analysis over the connections:
// cycle detection (Kahn's algorithm) and reachability from trigger steps.
// Expects semantic checks to have passed so every endpoint exists.
func validateDAG(def *schema.FlowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	g := graph.New()
	for _, s := range def.Steps {
		g.AddNode(s.ID, nil)
	}
	for _, src := range def.SourceOrder() {
		for _, t := range def.Connections[src] {
			if err := g.AddEdge(src, t.Output, t.Step, 0); err != nil {
				result.AddError("connections."+src, schema.ErrCodeUnknownNode, errMessage(err))
			}
		}
	}
	if !result.Valid() {
		return result
	}

	if _, err := g.TopologicalOrder(); err != nil {
		result.AddError("connections", schema.ErrCodeCycleDetected, "flow contains a connection cycle")
		return result // cycle makes reachability analysis meaningless
	}

	var triggers []string
	for _, s := range def.Steps {
		if s.EffectiveRole() == schema.StepRoleTrigger {
			triggers = append(triggers, s.ID)
		}
	}

	if len(triggers) == 0 {
		if starts := g.StartNodes(); len(starts) > 1 {
			result.AddWarning("steps", schema.ErrCodeValidation,
				fmt.Sprintf("flow has %d start steps and no trigger; run one explicitly or run all", len(starts)))
		}
		return result
	}

	reachable := g.Reachable(triggers...)
	for i, s := range def.Steps {
		if !reachable[s.ID] {
			result.AddWarning(fmt.Sprintf("steps[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("step %q is unreachable from any trigger step", s.ID))
		}
	}

	return result
}
