package pattern

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/duraflow/flow"
)

// BranchFn is one alternative computation over the run state.
type BranchFn func(ctx context.Context, st flow.State) (any, error)

// ScatterGatherConfig parameterizes a ScatterGather node.
type ScatterGatherConfig struct {
	// Into names the state field receiving the per-branch result map.
	Into string

	// Concurrency bounds parallel branches. Zero or negative means all
	// at once.
	Concurrency int

	// Gather, when set, post-processes the branch results into the
	// stored value. The default stores the raw map.
	Gather func(ctx context.Context, results map[string]any) (any, error)
}

// ScatterGather builds a node that runs every branch concurrently and
// gathers their results. Any branch failure cancels the rest and fails
// the node.
func ScatterGather(name string, branches map[string]BranchFn, cfg ScatterGatherConfig) flow.NodeDef {
	fn := func(ctx context.Context, nc *flow.NodeContext) (flow.NodeResult, error) {
		var mu sync.Mutex
		results := make(map[string]any, len(branches))

		eg, ictx := errgroup.WithContext(ctx)
		if cfg.Concurrency > 0 {
			eg.SetLimit(cfg.Concurrency)
		}
		for key, branch := range branches {
			key, branch := key, branch
			eg.Go(func() error {
				v, err := branch(ictx, nc.State)
				if err != nil {
					return flow.Errorf(flow.KindOf(err), name, "branch %s: %v", key, err)
				}
				mu.Lock()
				results[key] = v
				mu.Unlock()
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return flow.NodeResult{}, err
		}

		var gathered any = results
		if cfg.Gather != nil {
			var err error
			gathered, err = cfg.Gather(ctx, results)
			if err != nil {
				return flow.NodeResult{}, flow.WrapError(flow.KindExecution, name, err)
			}
		}
		return flow.NodeResult{
			Patch:  flow.State{cfg.Into: gathered},
			Output: gathered,
		}, nil
	}
	return flow.NodeDef{Name: name, Kind: flow.NodeCustom, Fn: fn, Config: cfg}
}

// Race builds a node that runs every branch concurrently and takes the
// first success, cancelling the rest. The node fails only when every
// branch fails, with the errors joined.
func Race(name string, into string, branches map[string]BranchFn) flow.NodeDef {
	fn := func(ctx context.Context, nc *flow.NodeContext) (flow.NodeResult, error) {
		if len(branches) == 0 {
			return flow.NodeResult{}, flow.Errorf(flow.KindValidation, name, "no branches")
		}

		type winner struct {
			key   string
			value any
		}
		rctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			won     *winner
			errList []error
		)
		for key, branch := range branches {
			key, branch := key, branch
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := branch(rctx, nc.State)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if !errors.Is(err, context.Canceled) || rctx.Err() == nil {
						errList = append(errList, flow.Errorf(flow.KindExecution, name,
							"branch %s: %v", key, err))
					}
					return
				}
				if won == nil {
					won = &winner{key: key, value: v}
					cancel()
				}
			}()
		}
		wg.Wait()

		if won == nil {
			if err := ctx.Err(); err != nil {
				return flow.NodeResult{}, flow.WrapError(flow.KindCancelled, name, err)
			}
			return flow.NodeResult{}, flow.WrapError(flow.KindExecution, name, errors.Join(errList...))
		}
		return flow.NodeResult{
			Patch:  flow.State{into: won.value, into + "_winner": won.key},
			Output: map[string]any{"winner": won.key, "value": won.value},
		}, nil
	}
	return flow.NodeDef{Name: name, Kind: flow.NodeCustom, Fn: fn}
}

// FallbackBranch is one ordered alternative for a Fallback node.
type FallbackBranch struct {
	Name string
	Fn   BranchFn
}

// Fallback builds a node that tries each branch in order and takes the
// first success. Cancellation stops the chain immediately; other
// failures fall through to the next branch. The node fails when every
// branch has failed.
func Fallback(name string, into string, branches []FallbackBranch) flow.NodeDef {
	fn := func(ctx context.Context, nc *flow.NodeContext) (flow.NodeResult, error) {
		if len(branches) == 0 {
			return flow.NodeResult{}, flow.Errorf(flow.KindValidation, name, "no branches")
		}
		var errList []error
		for _, b := range branches {
			if err := ctx.Err(); err != nil {
				return flow.NodeResult{}, flow.WrapError(flow.KindCancelled, name, err)
			}
			v, err := b.Fn(ctx, nc.State)
			if err == nil {
				return flow.NodeResult{
					Patch:  flow.State{into: v, into + "_source": b.Name},
					Output: map[string]any{"source": b.Name, "value": v},
				}, nil
			}
			errList = append(errList, flow.Errorf(flow.KindOf(err), name,
				"branch %s: %v", b.Name, err))
			if flow.KindOf(err) == flow.KindCancelled || errors.Is(err, context.Canceled) {
				break
			}
		}
		return flow.NodeResult{}, flow.WrapError(flow.KindExecution, name, errors.Join(errList...))
	}
	return flow.NodeDef{Name: name, Kind: flow.NodeCustom, Fn: fn}
}
