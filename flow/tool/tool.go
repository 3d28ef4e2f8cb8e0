// Package tool defines the narrow interface for external actions a
// workflow invokes, plus a mock for tests.
package tool

import (
	"context"

	"github.com/dshills/duraflow/flow"
)

// Tool is one invokable external action. Implementations validate
// their input, respect ctx cancellation, and return structured output.
type Tool interface {
	// Name uniquely identifies the tool.
	Name() string

	// Call executes the tool. Input may be nil for parameterless tools.
	Call(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Config describes a tool node.
type Config struct {
	// Input derives the tool's input from the run state. Nil invokes
	// the tool with no input.
	Input func(st flow.State) map[string]any

	// Into names the state field receiving the tool's output map.
	Into string
}

// Node builds a node that invokes a tool and writes its output into
// state. Tool failures are execution errors and go through the node's
// retry policy.
func Node(name string, t Tool, cfg Config) flow.NodeDef {
	fn := func(ctx context.Context, nc *flow.NodeContext) (flow.NodeResult, error) {
		var input map[string]any
		if cfg.Input != nil {
			input = cfg.Input(nc.State)
		}
		out, err := t.Call(ctx, input)
		if err != nil {
			return flow.NodeResult{}, flow.WrapError(flow.KindExecution, name, err)
		}
		res := flow.NodeResult{Output: out}
		if cfg.Into != "" {
			res.Patch = flow.State{cfg.Into: out}
		}
		return res, nil
	}
	return flow.NodeDef{Name: name, Kind: flow.NodeTool, Fn: fn, Config: cfg}
}
