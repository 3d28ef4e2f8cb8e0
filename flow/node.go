package flow

import (
	"context"
	"time"

	"github.com/dshills/duraflow/flow/breaker"
	"github.com/dshills/duraflow/flow/saga"
)

// BreakerConfig configures a node's circuit breaker; see the breaker
// package for the state machine.
type BreakerConfig = breaker.Config

// CompensationFn is a node's compensating action, invoked with the
// run's state if the run fails after the node completed.
type CompensationFn = saga.CompensationFn

// NodeFn is the computation a node performs. It receives an immutable
// snapshot of run state through the NodeContext and returns a patch to
// merge plus routing information.
//
// A NodeFn must treat nc.State as read-only; the executor merges the
// returned Patch atomically.
type NodeFn func(ctx context.Context, nc *NodeContext) (NodeResult, error)

// NodeResult is the outcome of one node execution.
type NodeResult struct {
	// Patch is the partial state update, merged field-level
	// last-writer-wins into the run's state.
	Patch State

	// Next optionally overrides edge-based routing. nil asks the
	// scheduler; a non-nil empty slice means "no successors from this
	// branch" (siblings' successors still apply).
	Next []string

	// Output is the recorded per-node output, surfaced on the run record
	// and in streaming events.
	Output any

	// Suspend, when non-nil, parks the run instead of completing the
	// node: the executor checkpoints and returns with status waiting.
	// A timer fire or approval response later resumes the run, at which
	// point the node executes again with the resume patch visible in
	// state.
	Suspend *Suspension

	// TokensIn, TokensOut, and CostUSD accumulate onto the run's usage
	// counters when set (agent nodes report model usage here).
	TokensIn  int
	TokensOut int
	CostUSD   float64
}

// Suspension describes why a node parked its run.
type Suspension struct {
	// Reason is a short machine-readable tag: "timer", "approval", ...
	Reason string

	// ResumeAt, when non-zero, records the earliest instant the run is
	// expected to resume (timer waits). Informational.
	ResumeAt time.Time
}

// NodeContext carries per-dispatch information into a NodeFn.
type NodeContext struct {
	// RunID identifies the executing run.
	RunID string

	// WorkflowID and WorkflowName identify the definition.
	WorkflowID   string
	WorkflowName string

	// Node is the executing node's name.
	Node string

	// Attempt is the 1-based attempt number under the retry policy.
	Attempt int

	// Depth is the subworkflow nesting depth (0 for a root run).
	Depth int

	// State is the immutable snapshot the node computes over.
	State State

	// Clock is the executor's clock, for nodes that reason about time.
	Clock Clock

	saga *saga.Saga
}

// Compensate registers a compensating action for this node, to run in
// reverse registration order if the run later fails. Calling it from a
// node body is equivalent to setting NodeDef.Compensate, but allows
// the action to close over values computed during execution.
func (nc *NodeContext) Compensate(fn CompensationFn) {
	if nc.saga != nil && fn != nil {
		nc.saga.Register(nc.Node, fn)
	}
}

// NodeOutput records one completed node execution on a run.
type NodeOutput struct {
	Node       string        `json:"node"`
	Output     any           `json:"output,omitempty"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// FuncNode builds a NodeDef for a plain function node.
func FuncNode(name string, fn NodeFn) NodeDef {
	return NodeDef{Name: name, Kind: NodeFunction, Fn: fn}
}

// PatchNode builds a node that merges a static patch; occasionally
// useful as a join point or in tests.
func PatchNode(name string, patch State) NodeDef {
	return FuncNode(name, func(context.Context, *NodeContext) (NodeResult, error) {
		return NodeResult{Patch: patch.Clone()}, nil
	})
}
