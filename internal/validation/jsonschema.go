package validation

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/flowrun/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed flow.schema.json
var flowSchemaJSON []byte

const flowSchemaURL = "https://flowrun.dev/schemas/flow.json"

// JSONSchemaValidator checks flow definitions against the embedded flow
// schema (draft 2020-12) and items or parameters against caller-supplied
// schemas. Compiled schemas are cached by their source bytes. Safe for
// concurrent use.
type JSONSchemaValidator struct {
	flow *jsonschema.Schema

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	flow, err := compileSchema(flowSchemaURL, flowSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("flow schema: %w", err)
	}
	return &JSONSchemaValidator{flow: flow, schemas: make(map[string]*jsonschema.Schema)}, nil
}

// ValidateDefinition checks def against the flow schema, then rejects
// duplicate step IDs, which JSON Schema cannot express.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.FlowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "flow definition is nil")
	}
	if err := check(v.flow, def); err != nil {
		return err
	}

	seen := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if seen[step.ID] {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id %q", step.ID)
		}
		seen[step.ID] = true
	}
	return nil
}

// ValidateInput checks a parameter object against raw. An empty raw accepts
// anything; a nil input never passes.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, raw []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	return v.ValidateValue(input, raw)
}

// ValidateValue checks any JSON-compatible value against raw. Items need not
// be objects. An empty raw accepts anything.
func (v *JSONSchemaValidator) ValidateValue(value any, raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	compiled, err := v.lookup(raw)
	if err != nil {
		return err
	}
	return check(compiled, value)
}

// CompileSchema reports whether raw is a usable JSON Schema and caches it.
func (v *JSONSchemaValidator) CompileSchema(raw []byte) error {
	_, err := v.lookup(raw)
	return err
}

func (v *JSONSchemaValidator) lookup(raw []byte) (*jsonschema.Schema, error) {
	key := string(raw)

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.schemas[key]; ok {
		return s, nil
	}

	// Every schema gets its own compiler and URL so unrelated $ids never
	// collide.
	s, err := compileSchema(fmt.Sprintf("flowrun://schema/%d", len(v.schemas)), raw)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid schema").WithCause(err)
	}
	v.schemas[key] = s
	return s, nil
}

func compileSchema(url string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// check validates value against s. The value is re-encoded first so numbers
// reach the validator as json.Number.
func check(s *jsonschema.Schema, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "value is not JSON").WithCause(err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "value is not JSON").WithCause(err)
	}

	err = s.Validate(doc)
	if err == nil {
		return nil
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	var violations []string
	leaves(verr, func(e *jsonschema.ValidationError) {
		violations = append(violations, "/"+strings.Join(e.InstanceLocation, "/")+": "+e.Error())
	})
	msg := verr.Error()
	switch {
	case len(violations) == 1:
		msg = violations[0]
	case len(violations) > 1:
		msg = fmt.Sprintf("%d schema violations: %s", len(violations), strings.Join(violations, "; "))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// leaves visits the innermost causes of a validation error tree.
func leaves(e *jsonschema.ValidationError, visit func(*jsonschema.ValidationError)) {
	if len(e.Causes) == 0 {
		visit(e)
		return
	}
	for _, c := range e.Causes {
		leaves(c, visit)
	}
}
