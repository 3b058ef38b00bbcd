package schema

import (
	"bytes"
	"encoding/json"
	"slices"
)

// FlowDefinition is the JSON-serializable flow format produced by the editor
// and persisted by the surrounding application.
type FlowDefinition struct {
	ID          string                        `json:"id,omitempty"`
	Name        string                        `json:"name,omitempty"`
	Steps       []StepDefinition              `json:"steps"`
	Connections map[string][]ConnectionTarget `json:"connections,omitempty"` // source step ID → ordered targets
	Metadata    map[string]any                `json:"metadata,omitempty"`
}

// StepDefinition describes a single trigger or action step.
type StepDefinition struct {
	ID         string          `json:"id"`
	Name       string          `json:"name,omitempty"`
	Role       StepRole        `json:"role,omitempty"`       // trigger, action, branch_start, branch_join (default: action)
	Runner     string          `json:"runner"`               // registry key, e.g. "http.request"
	Parameters json.RawMessage `json:"parameters,omitempty"` // runner-specific, opaque to the engine
	Condition  json.RawMessage `json:"condition,omitempty"`  // branch metadata, passed through to the runner
	Inputs     int             `json:"inputs,omitempty"`     // declared input ports (0 = derive)
	Outputs    int             `json:"outputs,omitempty"`    // declared output ports (0 = derive)
}

// DecodeParameters decodes Parameters into a map. Empty or null
// parameters decode to an empty map.
func (s *StepDefinition) DecodeParameters() (map[string]any, error) {
	params := map[string]any{}
	raw := bytes.TrimSpace(s.Parameters)
	if len(raw) == 0 || string(raw) == "null" {
		return params, nil
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}

// StepRole is the structural role of a step in the flow graph.
type StepRole string

const (
	StepRoleTrigger     StepRole = "trigger"
	StepRoleAction      StepRole = "action"
	StepRoleBranchStart StepRole = "branch_start"
	StepRoleBranchJoin  StepRole = "branch_join"
)

// EffectiveRole returns the role, defaulting to action.
func (s *StepDefinition) EffectiveRole() StepRole {
	if s.Role == "" {
		return StepRoleAction
	}
	return s.Role
}

// ConnectionTarget is one outgoing connection of a step. In JSON it may be
// a bare step ID string or an object with explicit ports.
type ConnectionTarget struct {
	Step   string `json:"step"`
	Output int    `json:"output,omitempty"` // source output port
	Input  *int   `json:"input,omitempty"`  // destination input port (nil = derive)
}

// UnmarshalJSON accepts either "stepID" or {"step": ..., "output": ..., "input": ...}.
func (c *ConnectionTarget) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*c = ConnectionTarget{Step: id}
		return nil
	}
	type plain ConnectionTarget
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = ConnectionTarget(p)
	return nil
}

// SourceOrder returns the IDs of steps that have outgoing connections, in
// step declaration order. Connection sources that are not declared steps
// follow, sorted by ID (callers validate them).
func (d *FlowDefinition) SourceOrder() []string {
	out := make([]string, 0, len(d.Connections))
	seen := make(map[string]bool, len(d.Connections))
	for _, s := range d.Steps {
		if _, ok := d.Connections[s.ID]; ok && !seen[s.ID] {
			out = append(out, s.ID)
			seen[s.ID] = true
		}
	}
	var extra []string
	for src := range d.Connections {
		if !seen[src] {
			extra = append(extra, src)
		}
	}
	slices.Sort(extra)
	return append(out, extra...)
}

// Step returns the step with the given ID, or nil.
func (d *FlowDefinition) Step(id string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}
