// Package runners holds the node runners a flow step can bind to, and the
// registry the graph importer resolves them from.
package runners

import (
	"context"
	"encoding/json"

	"github.com/rendis/flowrun/pkg/schema"
)

// Runner performs the work of one flow step. It receives one item sequence
// per declared input port and returns one item sequence per output port.
type Runner interface {
	Name() string
	Schema() RunnerSchema
	Validate(params map[string]any) error
	Run(ctx context.Context, in Input) (schema.PortData, error)
}

// RunnerSchema describes the parameter contract of a runner.
type RunnerSchema struct {
	ParamsSchema json.RawMessage `json:"params_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
	Outputs      int             `json:"outputs,omitempty"` // default output port count, 0 = 1
}

// Input is the data provided to a runner for one (node, run) dispatch.
type Input struct {
	NodeID    string          `json:"node_id"`
	RunIndex  int             `json:"run_index"`
	Params    map[string]any  `json:"params,omitempty"`
	Condition json.RawMessage `json:"condition,omitempty"`
	Inputs    schema.PortData `json:"inputs"`
	Outputs   int             `json:"outputs"` // declared output port count
	// Reached is set when the node was reached through an edge rather than
	// dispatched as a start node.
	Reached bool `json:"reached,omitempty"`
}

// IsStart reports whether the node runs as a start node. Runners that emit
// a single item or call on empty input do so only then; a node reached
// through an edge that delivered nothing emits nothing.
func (in Input) IsStart() bool { return !in.Reached }

// RunnerInfo is a summary of a registered runner for listing.
type RunnerInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Ports returns an empty PortData with n ports.
func Ports(n int) schema.PortData {
	if n < 1 {
		n = 1
	}
	out := make(schema.PortData, n)
	for i := range out {
		out[i] = schema.Items{}
	}
	return out
}
