package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/flowrun/pkg/schema"
)

// Interpolator resolves ${{...}} references in runner parameters against a
// Scope. A string that is exactly one reference is replaced by the referenced
// value with its type intact; references embedded in a longer string are
// stringified.
//
// Namespaces: item, index, node, vars. Paths use dots and may index into
// slices with a numeric segment, e.g. ${{item.tags.0}}.
type Interpolator struct{}

// NewInterpolator creates an Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// HasReferences reports whether any string inside v contains a ${{ marker.
func HasReferences(v any) bool {
	switch val := v.(type) {
	case string:
		return strings.Contains(val, "${{")
	case map[string]any:
		for _, x := range val {
			if HasReferences(x) {
				return true
			}
		}
	case []any:
		for _, x := range val {
			if HasReferences(x) {
				return true
			}
		}
	}
	return false
}

// Resolve returns a copy of params with every reference resolved. params is
// not modified.
func (interp *Interpolator) Resolve(params map[string]any, scope Scope) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	vars := scope.Map()
	out, err := interp.resolveValue(params, vars)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func (interp *Interpolator) resolveValue(v any, vars map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return interp.resolveString(val, vars)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			r, err := interp.resolveValue(x, vars)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			r, err := interp.resolveValue(x, vars)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveString scans for ${{...}} tokens and resolves them.
func (interp *Interpolator) resolveString(input string, vars map[string]any) (any, error) {
	if !strings.Contains(input, "${{") {
		return input, nil
	}

	// Whole-value reference keeps the value's type.
	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "${{") == 1 {
		expr := strings.TrimSpace(trimmed[3 : len(trimmed)-2])
		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeExpression, "empty variable reference: ${{  }}")
		}
		val, err := interp.resolveExpr(expr, vars)
		if err != nil {
			return nil, err
		}
		return deepCopyAny(val), nil
	}

	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeExpression, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])
		if strings.Contains(expr, "${{") {
			return nil, schema.NewError(schema.ErrCodeExpression,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeExpression, "empty variable reference: ${{  }}")
		}

		val, err := interp.resolveExpr(expr, vars)
		if err != nil {
			return nil, err
		}
		result.WriteString(marshalInline(val))

		i = end + 2
	}

	return result.String(), nil
}

// resolveExpr resolves a single path like "item.user.email".
func (interp *Interpolator) resolveExpr(expr string, vars map[string]any) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	namespace := parts[0]

	root, ok := vars[namespace]
	if !ok {
		available := mapKeys(vars)
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}
	if len(parts) == 1 {
		return root, nil
	}
	return interp.traversePath(root, parts[1], expr)
}

// traversePath navigates into nested maps/slices using a dot-delimited path.
func (interp *Interpolator) traversePath(root any, path, expr string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				availableKeys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeExpression,
					"field %q not found in %q; available: [%s]", seg, expr, strings.Join(availableKeys, ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": availableKeys})
			}
			current = val
		case []any:
			n, err := strconv.Atoi(seg)
			if err != nil || n < 0 || n >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeExpression,
					"index %q out of range in %q (len %d)", seg, expr, len(v)).
					WithDetails(map[string]any{"expression": expr})
			}
			current = v[n]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
	}

	return current, nil
}

// marshalInline converts a resolved value into its inline text form.
// Strings are embedded as is, composite values are JSON-encoded.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
