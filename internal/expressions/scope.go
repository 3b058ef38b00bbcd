package expressions

import "encoding/json"

// Scope is the data visible to an expression evaluated against one item of
// a node's input.
type Scope struct {
	Item     any            // current item
	Index    int            // position of the item in the node's input
	NodeID   string         // node being run
	RunIndex int            // run index of the dispatch
	Vars     map[string]any // static step variables (parameters.vars)
}

// Map returns the scope as the variable map shared by all engines:
//   - item:  the current item
//   - index: its position
//   - node:  {"id": ..., "run_index": ...}
//   - vars:  static variables, never nil
//
// Item and vars are deep-copied so an expression cannot mutate run state.
func (s Scope) Map() map[string]any {
	vars := deepCopyMap(s.Vars)
	if vars == nil {
		vars = map[string]any{}
	}
	return map[string]any{
		"item":  deepCopyAny(s.Item),
		"index": s.Index,
		"node": map[string]any{
			"id":        s.NodeID,
			"run_index": s.RunIndex,
		},
		"vars": vars,
	}
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies maps and slices. Primitives are
// returned as is.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
