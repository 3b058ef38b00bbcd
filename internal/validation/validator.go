package validation

import (
	"encoding/json"

	"github.com/rendis/flowrun/pkg/schema"
)

// Validator checks flow definitions for correctness before they are
// imported into a graph. Uses JSON Schema Draft 2020-12 for item and
// parameter validation.
type Validator interface {
	ValidateDefinition(def *schema.FlowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// RunnerLookup answers the runner questions the semantic stage asks.
// *runners.Registry satisfies it.
type RunnerLookup interface {
	Has(name string) bool
	ParamsSchema(name string) json.RawMessage
	ValidateParams(name string, params map[string]any) error
}
