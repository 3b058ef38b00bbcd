package runners

import (
	"context"
	"encoding/json"

	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/internal/validation"
	"github.com/rendis/flowrun/pkg/schema"
)

const validateParamsSchema = `{
  "type": "object",
  "required": ["schema"],
  "properties": {
    "schema": {"type": ["object", "boolean"]}
  }
}`

// schemaRunner implements "validate.schema": items matching a JSON Schema go
// to output 0, the rest to output 1.
type schemaRunner struct {
	validator *validation.JSONSchemaValidator
}

// NewSchemaRunner creates the validate.schema runner.
func NewSchemaRunner(v *validation.JSONSchemaValidator) Runner {
	return &schemaRunner{validator: v}
}

func (r *schemaRunner) Name() string { return "validate.schema" }

func (r *schemaRunner) Schema() RunnerSchema {
	return RunnerSchema{
		Description:  "Split items by JSON Schema: valid to output 0, invalid to output 1",
		ParamsSchema: json.RawMessage(validateParamsSchema),
		Outputs:      2,
	}
}

func (r *schemaRunner) Validate(params map[string]any) error {
	raw, err := r.schemaBytes(params)
	if err != nil {
		return err
	}
	return r.validator.CompileSchema(raw)
}

func (r *schemaRunner) schemaBytes(params map[string]any) ([]byte, error) {
	s, ok := params["schema"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "validate.schema requires 'schema' parameter")
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "validate.schema: schema is not JSON").WithCause(err)
	}
	return raw, nil
}

func (r *schemaRunner) Run(_ context.Context, in Input) (schema.PortData, error) {
	raw, err := r.schemaBytes(in.Params)
	if err != nil {
		return nil, err
	}
	if err := r.validator.CompileSchema(raw); err != nil {
		return nil, err
	}
	out := Ports(max(in.Outputs, 2))

	// The schema compiled above, so any failure here is a violation.
	n, err := eachItem(in, func(scope expressions.Scope) error {
		if r.validator.ValidateValue(scope.Item, raw) == nil {
			out[0] = append(out[0], scope.Item)
		} else {
			out[1] = append(out[1], scope.Item)
		}
		return nil
	})
	if err != nil {
		return nil, runnerErr(r.Name(), in, n, err)
	}
	return out, nil
}
