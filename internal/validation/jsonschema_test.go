package validation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

func newValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func TestValidateDefinition_Valid(t *testing.T) {
	v := newValidator(t)
	def := parseFlow(t, `{
		"id": "f1",
		"steps": [
			{"id": "start", "role": "trigger", "runner": "core.set", "parameters": {"items": [1]}},
			{"id": "check", "runner": "flow.if", "parameters": {"condition": "item > 0"}, "outputs": 2}
		],
		"connections": {"start": ["check", {"step": "check", "output": 0, "input": 0}]}
	}`)

	assert.NoError(t, v.ValidateDefinition(def))
}

func TestValidateDefinition_Nil(t *testing.T) {
	err := newValidator(t).ValidateDefinition(nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestValidateDefinition_StructuralErrors(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name string
		def  *schema.FlowDefinition
	}{
		{"no steps", &schema.FlowDefinition{}},
		{"empty id", &schema.FlowDefinition{Steps: []schema.StepDefinition{{ID: "", Runner: "core.set"}}}},
		{"missing runner", &schema.FlowDefinition{Steps: []schema.StepDefinition{{ID: "a"}}}},
		{"bad role", &schema.FlowDefinition{Steps: []schema.StepDefinition{{ID: "a", Runner: "x", Role: "loop"}}}},
		{"negative outputs", &schema.FlowDefinition{Steps: []schema.StepDefinition{{ID: "a", Runner: "x", Outputs: -1}}}},
		{"parameters not object", &schema.FlowDefinition{Steps: []schema.StepDefinition{{ID: "a", Runner: "x", Parameters: []byte(`[1,2]`)}}}},
		{"negative connection port", &schema.FlowDefinition{
			Steps:       []schema.StepDefinition{{ID: "a", Runner: "x"}, {ID: "b", Runner: "x"}},
			Connections: map[string][]schema.ConnectionTarget{"a": {{Step: "b", Input: intPtr(-1)}}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateDefinition(tt.def)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
		})
	}
}

func TestValidateDefinition_DuplicateStepID(t *testing.T) {
	v := newValidator(t)
	def := &schema.FlowDefinition{Steps: []schema.StepDefinition{
		{ID: "a", Runner: "x"},
		{ID: "a", Runner: "y"},
	}}

	err := v.ValidateDefinition(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate step id "a"`)
}

func TestValidateDefinition_ViolationsListed(t *testing.T) {
	v := newValidator(t)
	def := &schema.FlowDefinition{Steps: []schema.StepDefinition{{ID: ""}, {ID: "b"}}}

	err := v.ValidateDefinition(def)
	require.Error(t, err)
	fe, ok := err.(*schema.FlowError)
	require.True(t, ok)
	violations, ok := fe.Details["violations"].([]string)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(violations), 2)
}

func TestValidateInput(t *testing.T) {
	v := newValidator(t)
	ps := []byte(`{"type": "object", "required": ["url"], "properties": {"url": {"type": "string"}}}`)

	assert.NoError(t, v.ValidateInput(map[string]any{"url": "https://x"}, ps))
	assert.Error(t, v.ValidateInput(map[string]any{"url": 1}, ps))
	assert.Error(t, v.ValidateInput(map[string]any{}, ps))
	assert.Error(t, v.ValidateInput(nil, ps))
	assert.NoError(t, v.ValidateInput(map[string]any{}, nil))
}

func TestValidateValue_NonObjectItems(t *testing.T) {
	v := newValidator(t)

	assert.NoError(t, v.ValidateValue(5, []byte(`{"type": "integer", "minimum": 1}`)))
	assert.Error(t, v.ValidateValue(0, []byte(`{"type": "integer", "minimum": 1}`)))
	assert.NoError(t, v.ValidateValue("a@example.com", []byte(`{"type": "string", "format": "email"}`)))
	assert.Error(t, v.ValidateValue("nope", []byte(`{"type": "string", "format": "email"}`)))
}

func TestCompileSchema(t *testing.T) {
	v := newValidator(t)

	assert.NoError(t, v.CompileSchema([]byte(`{"type": "string"}`)))
	err := v.CompileSchema([]byte(`{"type": 12}`))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Error(t, v.CompileSchema([]byte(`not json`)))
}

func TestSchemaCache_Concurrent(t *testing.T) {
	v := newValidator(t)
	ps := []byte(`{"type": "number"}`)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, v.ValidateValue(float64(n), ps))
		}(i)
	}
	wg.Wait()

	v.mu.Lock()
	defer v.mu.Unlock()
	assert.Len(t, v.schemas, 1)
}

func TestValidateStructural_PointerPaths(t *testing.T) {
	v := newValidator(t)
	res := validateStructural(v, &schema.FlowDefinition{Steps: []schema.StepDefinition{
		{ID: "a", Runner: "core.set"},
		{ID: "b"},
	}})

	require.False(t, res.Valid())
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "/steps/1", res.Errors[0].Path)
	assert.Contains(t, res.Errors[0].Message, "runner")
}
