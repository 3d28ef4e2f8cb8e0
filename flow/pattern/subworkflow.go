package pattern

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/duraflow/flow"
)

// ErrorStrategy selects how a composite node treats a child failure.
type ErrorStrategy string

const (
	// ErrorFail propagates the child's failure (default).
	ErrorFail ErrorStrategy = "fail"

	// ErrorIgnore records the failure in state and completes the node.
	ErrorIgnore ErrorStrategy = "ignore"

	// ErrorCompensate fails the node without retry, so the parent run
	// fails immediately and rolls back its registered compensations.
	ErrorCompensate ErrorStrategy = "compensate"
)

// SubworkflowConfig parameterizes a Subworkflow node.
type SubworkflowConfig struct {
	// Input derives the child's input patch from the parent state. Nil
	// passes the parent state through unchanged.
	Input func(parent flow.State) flow.State

	// Into names the state field receiving the child's final state.
	Into string

	// OnError selects failure handling.
	OnError ErrorStrategy
}

// Subworkflow builds a node that runs another workflow as a child run.
// The child inherits the parent's run identity for lineage and runs at
// depth+1; exceeding the child engine's depth limit fails with
// max_depth. The child's terminal state lands in the parent's state
// under Into.
func Subworkflow(name string, child *flow.Engine, cfg SubworkflowConfig) flow.NodeDef {
	fn := func(ctx context.Context, nc *flow.NodeContext) (flow.NodeResult, error) {
		input := nc.State
		if cfg.Input != nil {
			input = cfg.Input(nc.State)
		}
		res, err := child.Run(ctx,
			flow.WithInput(input),
			flow.WithParentRun(nc.RunID, nc.Depth+1),
		)
		if err != nil {
			return flow.NodeResult{}, flow.WrapError(flow.KindOf(err), name, err)
		}
		if res.Status != flow.RunCompleted {
			cause := res.Err
			if cause == nil {
				cause = flow.Errorf(flow.KindExecution, name,
					"child run %s ended %s", res.RunID, res.Status)
			}
			if cfg.OnError == ErrorIgnore {
				return flow.NodeResult{
					Patch: flow.State{
						cfg.Into + "_error": cause.Error(),
					},
					Output: map[string]any{"run_id": res.RunID, "status": string(res.Status)},
				}, nil
			}
			werr := flow.WrapError(flow.KindOf(cause), name, cause)
			if cfg.OnError == ErrorCompensate {
				werr = flow.NonRetryable(werr)
			}
			return flow.NodeResult{}, werr
		}

		result := flow.NodeResult{
			Output:    map[string]any{"run_id": res.RunID, "status": string(res.Status)},
			TokensIn:  res.Usage.TokensIn,
			TokensOut: res.Usage.TokensOut,
			CostUSD:   res.Usage.CostUSD,
		}
		if cfg.Into != "" {
			result.Patch = flow.State{cfg.Into: map[string]any(res.State)}
		}
		return result, nil
	}
	return flow.NodeDef{Name: name, Kind: flow.NodeSubworkflow, Fn: fn, Config: cfg}
}

// ParallelSubworkflows builds a node that runs several child workflows
// concurrently, writing each child's final state under its key in
// Into. A single failure cancels the rest and fails the node unless
// OnError is ErrorIgnore.
func ParallelSubworkflows(name string, children map[string]*flow.Engine, cfg SubworkflowConfig) flow.NodeDef {
	// Deterministic dispatch order.
	keys := sortedKeys(children)

	fn := func(ctx context.Context, nc *flow.NodeContext) (flow.NodeResult, error) {
		input := nc.State
		if cfg.Input != nil {
			input = cfg.Input(nc.State)
		}

		states := make(map[string]any, len(children))
		failures := make(map[string]string)
		var usage flow.Usage

		eg, cctx := errgroup.WithContext(ctx)
		results := make([]*flow.RunResult, len(keys))
		for i, key := range keys {
			i, key := i, key
			eg.Go(func() error {
				res, err := children[key].Run(cctx,
					flow.WithInput(input),
					flow.WithParentRun(nc.RunID, nc.Depth+1),
				)
				if err != nil {
					return flow.WrapError(flow.KindOf(err), name, err)
				}
				results[i] = res
				if res.Status != flow.RunCompleted && cfg.OnError != ErrorIgnore {
					cause := res.Err
					if cause == nil {
						cause = flow.Errorf(flow.KindExecution, name,
							"child %s ended %s", key, res.Status)
					}
					werr := flow.WrapError(flow.KindOf(cause), name, cause)
					if cfg.OnError == ErrorCompensate {
						werr = flow.NonRetryable(werr)
					}
					return werr
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return flow.NodeResult{}, err
		}

		for i, key := range keys {
			res := results[i]
			if res == nil {
				continue
			}
			usage.Add(res.Usage.TokensIn, res.Usage.TokensOut, res.Usage.CostUSD)
			if res.Status == flow.RunCompleted {
				states[key] = map[string]any(res.State)
			} else if res.Err != nil {
				failures[key] = res.Err.Error()
			} else {
				failures[key] = string(res.Status)
			}
		}

		patch := flow.State{}
		if cfg.Into != "" {
			patch[cfg.Into] = states
			if len(failures) > 0 {
				patch[cfg.Into+"_errors"] = failures
			}
		}
		return flow.NodeResult{
			Patch:     patch,
			Output:    map[string]any{"children": len(keys), "failed": len(failures)},
			TokensIn:  usage.TokensIn,
			TokensOut: usage.TokensOut,
			CostUSD:   usage.CostUSD,
		}, nil
	}
	return flow.NodeDef{Name: name, Kind: flow.NodeSubworkflow, Fn: fn, Config: cfg}
}

func sortedKeys(m map[string]*flow.Engine) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
