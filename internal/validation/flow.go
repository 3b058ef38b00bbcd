package validation

import (
	"errors"
	"strings"

	"github.com/rendis/flowrun/pkg/schema"
)

// FlowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema, duplicate IDs)
// 2. Semantic (runner refs, runner params, connection endpoints and ports)
// 3. DAG (cycles, reachability)
type FlowValidator struct {
	jsonSchema *JSONSchemaValidator
	runners    RunnerLookup
}

// NewFlowValidator creates a FlowValidator.
// lookup may be nil to skip runner checks.
func NewFlowValidator(lookup RunnerLookup) (*FlowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &FlowValidator{
		jsonSchema: jsv,
		runners:    lookup,
	}, nil
}

// Validate runs the full 3-stage pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and DAG stages are skipped.
func (fv *FlowValidator) Validate(def *schema.FlowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "flow definition is nil")
		return r
	}

	// Stage 1: Structural (JSON Schema).
	result := validateStructural(fv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	// Stage 2: Semantic.
	result.Merge(validateSemantic(def, fv.runners, fv.jsonSchema))

	// Stage 3: DAG (skipped on semantic errors, the graph may be invalid).
	if result.Valid() {
		result.Merge(validateDAG(def))
	}

	return result
}

// ValidateDefinition satisfies the Validator interface.
func (fv *FlowValidator) ValidateDefinition(def *schema.FlowDefinition) error {
	return fv.Validate(def).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (fv *FlowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return fv.jsonSchema.ValidateInput(input, inputSchema)
}

// Schemas returns the underlying JSONSchemaValidator.
func (fv *FlowValidator) Schemas() *JSONSchemaValidator {
	return fv.jsonSchema
}

// validateStructural turns the schema violations of def into one issue each,
// keyed by the JSON pointer of the offending value.
func validateStructural(v *JSONSchemaValidator, def *schema.FlowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	violations, _ := fe.Details["violations"].([]string)
	if len(violations) == 0 {
		result.AddError("/", schema.ErrCodeValidation, fe.Message)
		return result
	}
	for _, viol := range violations {
		path, msg, ok := strings.Cut(viol, ": ")
		if !ok {
			path, msg = "/", viol
		}
		result.AddError(path, schema.ErrCodeValidation, msg)
	}
	return result
}

var _ Validator = (*FlowValidator)(nil)
