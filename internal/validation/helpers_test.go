package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

// mockLookup is a RunnerLookup backed by maps.
type mockLookup struct {
	runners map[string]json.RawMessage            // name -> params schema
	checks  map[string]func(map[string]any) error // name -> Validate
}

func newMockLookup(names ...string) *mockLookup {
	m := &mockLookup{runners: map[string]json.RawMessage{}, checks: map[string]func(map[string]any) error{}}
	for _, n := range names {
		m.runners[n] = nil
	}
	return m
}

func (m *mockLookup) Has(name string) bool {
	_, ok := m.runners[name]
	return ok
}

func (m *mockLookup) ParamsSchema(name string) json.RawMessage {
	return m.runners[name]
}

func (m *mockLookup) ValidateParams(name string, params map[string]any) error {
	if fn, ok := m.checks[name]; ok {
		return fn(params)
	}
	return nil
}

func parseFlow(t *testing.T, raw string) *schema.FlowDefinition {
	t.Helper()
	var def schema.FlowDefinition
	require.NoError(t, json.Unmarshal([]byte(raw), &def))
	return &def
}

func intPtr(n int) *int { return &n }

func hasIssue(issues []schema.ValidationIssue, code string) bool {
	for _, is := range issues {
		if is.Code == code {
			return true
		}
	}
	return false
}
