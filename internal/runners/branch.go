package runners

import (
	"context"
	"encoding/json"

	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/pkg/schema"
)

const ifParamsSchema = `{
  "type": "object",
  "required": ["condition"],
  "properties": {
    "condition": {"type": "string", "minLength": 1},
    "vars": {"type": "object"}
  }
}`

// ifRunner implements "flow.if": a CEL condition per item routes it to
// output 0 (true) or output 1 (false).
type ifRunner struct {
	cel *expressions.CELEngine
}

// NewIfRunner creates the flow.if runner over a CEL engine.
func NewIfRunner(cel *expressions.CELEngine) Runner {
	return &ifRunner{cel: cel}
}

func (r *ifRunner) Name() string { return "flow.if" }

func (r *ifRunner) Schema() RunnerSchema {
	return RunnerSchema{
		Description:  "Route each item by a CEL condition: true to output 0, false to output 1",
		ParamsSchema: json.RawMessage(ifParamsSchema),
		Outputs:      2,
	}
}

func (r *ifRunner) Validate(params map[string]any) error {
	if err := requireString(r.Name(), params, "condition"); err != nil {
		return err
	}
	return r.cel.Compile(stringParam(params, "condition", ""))
}

func (r *ifRunner) Run(ctx context.Context, in Input) (schema.PortData, error) {
	out := Ports(max(in.Outputs, 2))
	cond := stringParam(in.Params, "condition", "")

	n, err := eachItem(in, func(scope expressions.Scope) error {
		ok, err := r.cel.EvaluateBool(ctx, cond, scope.Map())
		if err != nil {
			return err
		}
		if ok {
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
