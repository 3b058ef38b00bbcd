package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/internal/runners"
	"github.com/rendis/flowrun/pkg/schema"
)

func parseDef(t *testing.T, raw string) *schema.FlowDefinition {
	t.Helper()
	var def schema.FlowDefinition
	require.NoError(t, json.Unmarshal([]byte(raw), &def))
	return &def
}

func builtinRegistry(t *testing.T) *runners.Registry {
	t.Helper()
	reg := runners.NewRegistry()
	for _, r := range runners.CoreRunners() {
		require.NoError(t, reg.Register(r))
	}
	for _, r := range runners.TransformRunners() {
		require.NoError(t, reg.Register(r))
	}
	return reg
}

func TestBuildGraph_DerivesPorts(t *testing.T) {
	def := parseDef(t, `{
		"steps": [
			{"id": "trigger", "role": "trigger", "runner": "core.set"},
			{"id": "split", "runner": "core.passthrough"},
			{"id": "left", "runner": "core.passthrough"},
			{"id": "right", "runner": "core.passthrough"},
			{"id": "join", "role": "branch_join", "runner": "core.merge"}
		],
		"connections": {
			"trigger": ["split"],
			"split": [{"step": "left"}, {"step": "right", "output": 1}],
			"left": ["join"],
			"right": ["join"]
		}
	}`)

	g, err := BuildGraph(def, nil)
	require.NoError(t, err)

	split, ok := g.Node("split")
	require.True(t, ok)
	assert.Equal(t, 2, split.Outputs)
	assert.Equal(t, 1, split.Inputs)

	join, _ := g.Node("join")
	assert.Equal(t, 2, join.Inputs)

	conns := g.ConnectionsOf("join")
	require.Len(t, conns.Inputs, 2)
	assert.Equal(t, "left", conns.Inputs[0][0].Source)
	assert.Equal(t, "right", conns.Inputs[1][0].Source)

	assert.Equal(t, []string{"trigger"}, g.StartNodes())
}

func TestBuildGraph_ExplicitPorts(t *testing.T) {
	def := parseDef(t, `{
		"steps": [
			{"id": "a", "runner": "core.passthrough"},
			{"id": "b", "runner": "core.passthrough"},
			{"id": "j", "role": "branch_join", "runner": "core.merge", "inputs": 3}
		],
		"connections": {
			"a": [{"step": "j", "input": 2}],
			"b": [{"step": "j", "input": 0}]
		}
	}`)

	g, err := BuildGraph(def, nil)
	require.NoError(t, err)

	j, _ := g.Node("j")
	assert.Equal(t, 3, j.Inputs)
	conns := g.ConnectionsOf("j")
	assert.Equal(t, "b", conns.Inputs[0][0].Source)
	assert.Empty(t, conns.Inputs[1])
	assert.Equal(t, "a", conns.Inputs[2][0].Source)
}

func TestBuildGraph_NonJoinKeepsSingleInput(t *testing.T) {
	def := parseDef(t, `{
		"steps": [
			{"id": "a", "runner": "core.passthrough"},
			{"id": "b", "runner": "core.passthrough"},
			{"id": "c", "runner": "core.passthrough"}
		],
		"connections": {"a": ["c"], "b": ["c"]}
	}`)

	g, err := BuildGraph(def, nil)
	require.NoError(t, err)
	c, _ := g.Node("c")
	assert.Equal(t, 1, c.Inputs)
	assert.Len(t, g.ConnectionsOf("c").Inputs[0], 2)
}

func TestBuildGraph_RunnerSchemaOutputs(t *testing.T) {
	reg := builtinRegistry(t)
	require.NoError(t, reg.Register(&twoPortRunner{}))

	def := parseDef(t, `{"steps": [{"id": "x", "runner": "test.two"}]}`)
	g, err := BuildGraph(def, reg)
	require.NoError(t, err)
	x, _ := g.Node("x")
	assert.Equal(t, 2, x.Outputs)
}

func TestBuildGraph_Errors(t *testing.T) {
	reg := builtinRegistry(t)

	tests := []struct {
		name string
		def  string
		code string
	}{
		{"empty id", `{"steps": [{"id": "", "runner": "core.passthrough"}]}`, schema.ErrCodeValidation},
		{"duplicate id", `{"steps": [{"id": "a", "runner": "core.passthrough"}, {"id": "a", "runner": "core.passthrough"}]}`, schema.ErrCodeValidation},
		{"unknown runner", `{"steps": [{"id": "a", "runner": "nope"}]}`, schema.ErrCodeRunnerUnavailable},
		{"bad params", `{"steps": [{"id": "a", "runner": "transform.jq", "parameters": {"expression": ".a |"}}]}`, schema.ErrCodeValidation},
		{"params not object", `{"steps": [{"id": "a", "runner": "core.passthrough", "parameters": [1]}]}`, schema.ErrCodeValidation},
		{"dangling connection", `{"steps": [{"id": "a", "runner": "core.passthrough"}], "connections": {"a": ["ghost"]}}`, schema.ErrCodeUnknownNode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildGraph(parseDef(t, tt.def), reg)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, tt.code), "got %v", err)
		})
	}
}

func TestBuildGraph_BindsRunners(t *testing.T) {
	reg := builtinRegistry(t)
	def := parseDef(t, `{
		"steps": [
			{"id": "seed", "role": "trigger", "runner": "core.set", "parameters": {"items": [{"n": 1}, {"n": 2}]}},
			{"id": "double", "runner": "transform.expr", "parameters": {"expression": "item.n * 2"}},
			{"id": "collect", "runner": "core.passthrough"}
		],
		"connections": {"seed": ["double"], "double": ["collect"]}
	}`)

	g, err := BuildGraph(def, reg)
	require.NoError(t, err)

	seed, _ := g.Node("seed")
	bound, ok := seed.Payload.(*BoundStep)
	require.True(t, ok)
	assert.Equal(t, "core.set", bound.Runner.Name())
	assert.Equal(t, schema.StepRoleTrigger, bound.Step.Role)

	res, err := NewExecutor(g, nil, ExecutorConfig{}, nil).Execute(context.Background(), "seed", ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.Items{float64(2), float64(4)}, res.Snapshot["collect"][0][0])
}

type twoPortRunner struct{}

func (twoPortRunner) Name() string { return "test.two" }
func (twoPortRunner) Schema() runners.RunnerSchema {
	return runners.RunnerSchema{Outputs: 2}
}
func (twoPortRunner) Validate(map[string]any) error { return nil }
func (twoPortRunner) Run(context.Context, runners.Input) (schema.PortData, error) {
	return runners.Ports(2), nil
}
