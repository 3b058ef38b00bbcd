package runners

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/pkg/schema"
)

// CoreRunners returns the data plumbing runners.
func CoreRunners() []Runner {
	return []Runner{
		&passthroughRunner{},
		&mergeRunner{},
		&setRunner{interp: expressions.NewInterpolator()},
	}
}

// --- core.passthrough ---

type passthroughRunner struct{}

func (r *passthroughRunner) Name() string { return "core.passthrough" }

func (r *passthroughRunner) Schema() RunnerSchema {
	return RunnerSchema{
		Description: "Emit every input item on output 0, ports concatenated in order",
	}
}

func (r *passthroughRunner) Validate(map[string]any) error { return nil }

func (r *passthroughRunner) Run(_ context.Context, in Input) (schema.PortData, error) {
	out := Ports(in.Outputs)
	out[0] = in.Inputs.Flatten()
	return out, nil
}

// --- core.merge ---

const mergeParamsSchema = `{
  "type": "object",
  "properties": {
    "mode": {"type": "string", "enum": ["append", "zip"], "default": "append"}
  }
}`

type mergeRunner struct{}

func (r *mergeRunner) Name() string { return "core.merge" }

func (r *mergeRunner) Schema() RunnerSchema {
	return RunnerSchema{
		Description:  "Join branches: append items in port order, or zip objects by position",
		ParamsSchema: json.RawMessage(mergeParamsSchema),
	}
}

func (r *mergeRunner) Validate(params map[string]any) error {
	switch mode := stringParam(params, "mode", "append"); mode {
	case "append", "zip":
		return nil
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "core.merge: unknown mode %q", mode)
	}
}

func (r *mergeRunner) Run(_ context.Context, in Input) (schema.PortData, error) {
	out := Ports(in.Outputs)
	if stringParam(in.Params, "mode", "append") != "zip" {
		out[0] = in.Inputs.Flatten()
		return out, nil
	}

	longest := 0
	for _, items := range in.Inputs {
		longest = max(longest, len(items))
	}
	zipped := make(schema.Items, 0, longest)
	for i := 0; i < longest; i++ {
		merged := map[string]any{}
		for port, items := range in.Inputs {
			if i >= len(items) {
				continue
			}
			if obj, ok := items[i].(map[string]any); ok {
				for k, v := range obj {
					merged[k] = v
				}
				continue
			}
			merged[fmt.Sprintf("input%d", port)] = items[i]
		}
		zipped = append(zipped, merged)
	}
	out[0] = zipped
	return out, nil
}

// --- core.set ---

const setParamsSchema = `{
  "type": "object",
  "properties": {
    "items": {"type": "array"},
    "fields": {"type": "object"},
    "vars": {"type": "object"}
  }
}`

type setRunner struct {
	interp *expressions.Interpolator
}

func (r *setRunner) Name() string { return "core.set" }

func (r *setRunner) Schema() RunnerSchema {
	return RunnerSchema{
		Description:  "Emit constant items, or set fields on every input item (${{item.x}} references allowed)",
		ParamsSchema: json.RawMessage(setParamsSchema),
	}
}

func (r *setRunner) Validate(params map[string]any) error {
	_, hasItems := params["items"].([]any)
	_, hasFields := params["fields"].(map[string]any)
	if !hasItems && !hasFields {
		return schema.NewError(schema.ErrCodeValidation, "core.set requires 'items' array or 'fields' object parameter")
	}
	return nil
}

func (r *setRunner) Run(_ context.Context, in Input) (schema.PortData, error) {
	out := Ports(in.Outputs)

	if items, ok := in.Params["items"].([]any); ok {
		out[0] = append(out[0], items...)
	}

	fields := mapParam(in.Params, "fields")
	if fields == nil {
		return out, nil
	}

	n, err := eachItem(in, func(scope expressions.Scope) error {
		resolved, err := r.interp.Resolve(fields, scope)
		if err != nil {
			return err
		}
		out[0] = append(out[0], setFields(scope.Item, resolved))
		return nil
	})
	if err != nil {
		return nil, runnerErr(r.Name(), in, n, err)
	}
	if n == 0 && len(out[0]) == 0 && in.IsStart() {
		resolved, err := r.interp.Resolve(fields, expressions.Scope{NodeID: in.NodeID, RunIndex: in.RunIndex, Vars: mapParam(in.Params, "vars")})
		if err != nil {
			return nil, runnerErr(r.Name(), in, 0, err)
		}
		out[0] = append(out[0], resolved)
	}
	return out, nil
}

// setFields returns a shallow copy of item with fields applied. Non-object
// items are replaced by the fields.
func setFields(item any, fields map[string]any) any {
	obj, ok := item.(map[string]any)
	if !ok {
		return fields
	}
	merged := make(map[string]any, len(obj)+len(fields))
	for k, v := range obj {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return merged
}
