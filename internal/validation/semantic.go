package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/flowrun/pkg/schema"
)

// validateSemantic performs semantic analysis on the flow definition.
// Checks: runners registered, runner parameters valid, connection endpoints
// exist, port indexes fit declared port counts, role consistency.
func validateSemantic(def *schema.FlowDefinition, lookup RunnerLookup, jsv *JSONSchemaValidator) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]int, len(def.Steps))
	for i, s := range def.Steps {
		stepIDs[s.ID] = i
	}

	for i := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		validateStepSemantic(&def.Steps[i], path, lookup, jsv, result)
	}

	validateConnections(def, stepIDs, result)

	return result
}

// validateStepSemantic checks a single step's runner and parameters.
func validateStepSemantic(step *schema.StepDefinition, path string, lookup RunnerLookup, jsv *JSONSchemaValidator, result *schema.ValidationResult) {
	if lookup == nil {
		return
	}
	if !lookup.Has(step.Runner) {
		result.AddError(path+".runner", schema.ErrCodeRunnerUnavailable,
			fmt.Sprintf("runner %q not registered", step.Runner))
		return
	}

	params, err := step.DecodeParameters()
	if err != nil {
		result.AddError(path+".parameters", schema.ErrCodeValidation,
			fmt.Sprintf("parameters must be a JSON object: %s", err.Error()))
		return
	}

	if ps := lookup.ParamsSchema(step.Runner); len(ps) > 0 && jsv != nil {
		if err := jsv.ValidateInput(params, ps); err != nil {
			result.AddError(path+".parameters", schema.ErrCodeValidation, errMessage(err))
			return
		}
	}
	if err := lookup.ValidateParams(step.Runner, params); err != nil {
		result.AddError(path+".parameters", schema.ErrCodeValidation, errMessage(err))
	}
}

// validateConnections checks every connection's endpoints and ports.
func validateConnections(def *schema.FlowDefinition, stepIDs map[string]int, result *schema.ValidationResult) {
	incoming := make(map[string]int, len(def.Steps))
	explicitPorts := make(map[string]map[int]int, len(def.Steps))

	sources := make([]string, 0, len(def.Connections))
	for src := range def.Connections {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	for _, src := range sources {
		srcIdx, ok := stepIDs[src]
		if !ok {
			result.AddError("connections."+src, schema.ErrCodeUnknownNode,
				fmt.Sprintf("connection source %q is not a step", src))
			continue
		}
		srcStep := &def.Steps[srcIdx]

		for j, t := range def.Connections[src] {
			path := fmt.Sprintf("connections.%s[%d]", src, j)
			dstIdx, ok := stepIDs[t.Step]
			if !ok {
				result.AddError(path+".step", schema.ErrCodeUnknownNode,
					fmt.Sprintf("connection target %q is not a step", t.Step))
				continue
			}
			dst := &def.Steps[dstIdx]

			if t.Output < 0 {
				result.AddError(path+".output", schema.ErrCodeValidation,
					fmt.Sprintf("negative output port %d", t.Output))
			} else if srcStep.Outputs > 0 && t.Output >= srcStep.Outputs {
				result.AddError(path+".output", schema.ErrCodeValidation,
					fmt.Sprintf("output port %d out of range: step %q declares %d outputs", t.Output, src, srcStep.Outputs))
			}

			if t.Input != nil {
				in := *t.Input
				switch {
				case in < 0:
					result.AddError(path+".input", schema.ErrCodeValidation,
						fmt.Sprintf("negative input port %d", in))
				case dst.Inputs > 0 && in >= dst.Inputs:
					result.AddError(path+".input", schema.ErrCodeValidation,
						fmt.Sprintf("input port %d out of range: step %q declares %d inputs", in, t.Step, dst.Inputs))
				default:
					if explicitPorts[t.Step] == nil {
						explicitPorts[t.Step] = make(map[int]int)
					}
					explicitPorts[t.Step][in]++
				}
			}

			if src == t.Step {
				result.AddError(path+".step", schema.ErrCodeCycleDetected,
					fmt.Sprintf("step %q connects to itself", src))
			}
			incoming[t.Step]++
		}
	}

	for i, s := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		role := s.EffectiveRole()
		if role == schema.StepRoleTrigger && incoming[s.ID] > 0 {
			result.AddWarning(path+".role", schema.ErrCodeValidation,
				fmt.Sprintf("trigger step %q has %d incoming connections", s.ID, incoming[s.ID]))
		}
		if role == schema.StepRoleBranchJoin && incoming[s.ID] < 2 && s.Inputs == 0 {
			result.AddWarning(path+".role", schema.ErrCodeValidation,
				fmt.Sprintf("branch_join step %q has %d incoming connections; it will behave as a single-input step", s.ID, incoming[s.ID]))
		}
		if role != schema.StepRoleBranchJoin && s.Inputs == 0 && incoming[s.ID] > 1 {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("step %q has %d incoming connections on one input port; it runs once per arrival", s.ID, incoming[s.ID]))
		}
		ports := make([]int, 0, len(explicitPorts[s.ID]))
		for port := range explicitPorts[s.ID] {
			ports = append(ports, port)
		}
		sort.Ints(ports)
		for _, port := range ports {
			if n := explicitPorts[s.ID][port]; n > 1 && role == schema.StepRoleBranchJoin {
				result.AddWarning(path+".inputs", schema.ErrCodeValidation,
					fmt.Sprintf("%d connections target input port %d of join %q", n, port, s.ID))
			}
		}
	}
}

// errMessage returns the message of a FlowError, or err.Error().
func errMessage(err error) string {
	if fe, ok := err.(*schema.FlowError); ok {
		return fe.Message
	}
	return err.Error()
}
