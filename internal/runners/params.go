package runners

import (
	"encoding/json"
	"time"

	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/pkg/schema"
)

// Param helpers used by all runner files.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func mapParam(m map[string]any, key string) map[string]any {
	v, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	return v
}

func durationParam(m map[string]any, key string, defaultVal time.Duration) time.Duration {
	s := stringParam(m, key, "")
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// requireString returns a VALIDATION_ERROR when params[key] is not a
// non-empty string.
func requireString(runner string, params map[string]any, key string) error {
	if s, ok := params[key].(string); !ok || s == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s requires non-empty '%s' string parameter", runner, key)
	}
	return nil
}

// eachItem calls fn for every input item in port order with its scope.
// Returns the number of items visited.
func eachItem(in Input, fn func(scope expressions.Scope) error) (int, error) {
	vars := mapParam(in.Params, "vars")
	n := 0
	for _, items := range in.Inputs {
		for _, item := range items {
			scope := expressions.Scope{
				Item:     item,
				Index:    n,
				NodeID:   in.NodeID,
				RunIndex: in.RunIndex,
				Vars:     vars,
			}
			if err := fn(scope); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// runnerErr wraps an evaluation failure as RUNNER_FAILED, keeping the
// underlying code reachable through the cause chain.
func runnerErr(runner string, in Input, index int, err error) error {
	return schema.NewErrorf(schema.ErrCodeRunnerFailed, "%s: item %d: %s", runner, index, err.Error()).
		WithNode(in.NodeID).
		WithCause(err)
}
