package runners

import (
	"context"
	"encoding/json"

	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/pkg/schema"
)

const transformParamsSchema = `{
  "type": "object",
  "required": ["expression"],
  "properties": {
    "expression": {"type": "string", "minLength": 1},
    "vars": {"type": "object"},
    "skip_null": {"type": "boolean", "default": false}
  }
}`

// TransformRunners returns the expression-driven item transforms.
func TransformRunners() []Runner {
	return []Runner{
		&jqRunner{engine: expressions.NewGoJQEngine()},
		&exprRunner{engine: expressions.NewExprEngine()},
	}
}

// --- transform.jq ---

type jqRunner struct {
	engine *expressions.GoJQEngine
}

func (r *jqRunner) Name() string { return "transform.jq" }

func (r *jqRunner) Schema() RunnerSchema {
	return RunnerSchema{
		Description:  "Reshape each item with a jq program; every program output becomes an item",
		ParamsSchema: json.RawMessage(transformParamsSchema),
	}
}

func (r *jqRunner) Validate(params map[string]any) error {
	if err := requireString(r.Name(), params, "expression"); err != nil {
		return err
	}
	return r.engine.Compile(stringParam(params, "expression", ""))
}

func (r *jqRunner) Run(ctx context.Context, in Input) (schema.PortData, error) {
	out := Ports(in.Outputs)
	expression := stringParam(in.Params, "expression", "")
	skipNull := boolParam(in.Params, "skip_null", false)

	n, err := eachItem(in, func(scope expressions.Scope) error {
		results, err := r.engine.EvaluateAll(ctx, expression, scope.Map())
		if err != nil {
			return err
		}
		for _, res := range results {
			if res == nil && skipNull {
				continue
			}
			out[0] = append(out[0], res)
		}
		return nil
	})
	if err != nil {
		return nil, runnerErr(r.Name(), in, n, err)
	}
	return out, nil
}

// --- transform.expr ---

type exprRunner struct {
	engine *expressions.ExprEngine
}

func (r *exprRunner) Name() string { return "transform.expr" }

func (r *exprRunner) Schema() RunnerSchema {
	return RunnerSchema{
		Description:  "Map each item through an expr-lang expression",
		ParamsSchema: json.RawMessage(transformParamsSchema),
	}
}

func (r *exprRunner) Validate(params map[string]any) error {
	if err := requireString(r.Name(), params, "expression"); err != nil {
		return err
	}
	return r.engine.Compile(stringParam(params, "expression", ""))
}

func (r *exprRunner) Run(ctx context.Context, in Input) (schema.PortData, error) {
	out := Ports(in.Outputs)
	expression := stringParam(in.Params, "expression", "")
	skipNull := boolParam(in.Params, "skip_null", false)

	n, err := eachItem(in, func(scope expressions.Scope) error {
		res, err := r.engine.Evaluate(ctx, expression, scope.Map())
		if err != nil {
			return err
		}
		if res == nil && skipNull {
			return nil
		}
		out[0] = append(out[0], res)
		return nil
	})
	if err != nil {
		return nil, runnerErr(r.Name(), in, n, err)
	}
	return out, nil
}
