package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/flowrun/pkg/schema"
)

// CELEngine evaluates branch conditions against one item at a time. The
// environment declares item (dyn), index (int), node and vars
// (map(string, dyn)); nothing else is reachable.
type CELEngine struct {
	programs *programs[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	fields := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("item", cel.DynType),
		cel.Variable("index", cel.IntType),
		cel.Variable("node", fields),
		cel.Variable("vars", fields),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{programs: newPrograms("CEL", func(expression string) (cel.Program, error) {
		ast, iss := env.Compile(expression)
		if iss != nil && iss.Err() != nil {
			return nil, iss.Err()
		}
		return env.Program(ast, cel.InterruptCheckFrequency(100))
	})}, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, activation(data))
	if err != nil {
		return nil, evalError("CEL", expression, err)
	}
	return out.Value(), nil
}

// EvaluateBool evaluates a condition and requires a boolean result.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	if b, ok := out.(bool); ok {
		return b, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeExpression,
		"CEL condition %q returned %T, want bool", expression, out).
		WithDetails(map[string]any{"expression": expression})
}

// activation fills in zero values for absent variables so a partial data
// map never fails with "no such attribute".
func activation(data map[string]any) map[string]any {
	act := map[string]any{
		"item":  data["item"],
		"index": 0,
		"node":  map[string]any{},
		"vars":  map[string]any{},
	}
	for _, key := range []string{"index", "node", "vars"} {
		if v := data[key]; v != nil {
			act[key] = v
		}
	}
	return act
}

var _ Engine = (*CELEngine)(nil)
