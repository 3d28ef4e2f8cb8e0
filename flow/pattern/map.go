// Package pattern provides composite nodes built on the core engine:
// map/reduce over collections, subworkflow embedding, and the
// scatter-gather, race, and fallback combinators.
package pattern

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/duraflow/flow"
)

// MapFn processes one collection item. The index is the item's
// position in the (filtered) input.
type MapFn func(ctx context.Context, item any, index int) (any, error)

// ItemError records one failed item in a continue-on-error map.
type ItemError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// MapConfig parameterizes a Map node.
type MapConfig struct {
	// Items names the state field holding the input slice.
	Items string

	// Into names the state field receiving the result slice. Results
	// keep input order; failed items hold nil.
	Into string

	// Concurrency bounds parallel item processing (default 1,
	// sequential).
	Concurrency int

	// Filter drops items before processing.
	Filter func(item any) bool

	// Timeout bounds each item's processing. Zero means none.
	Timeout time.Duration

	// Retry re-attempts individual items. Nil means one attempt.
	Retry *flow.RetryPolicy

	// ContinueOnError processes every item and records failures in
	// <Into>_errors instead of failing the node on the first error.
	ContinueOnError bool

	// OnProgress, when set, observes completion counts.
	OnProgress func(done, total int)
}

// Map builds a node that applies fn to each element of a state slice,
// bounded-parallel, writing results (and with ContinueOnError, an
// error list) back into state.
func Map(name string, fn MapFn, cfg MapConfig) flow.NodeDef {
	nodeFn := func(ctx context.Context, nc *flow.NodeContext) (flow.NodeResult, error) {
		items, err := sliceField(nc.State, cfg.Items)
		if err != nil {
			return flow.NodeResult{}, flow.WrapError(flow.KindValidation, name, err)
		}
		if cfg.Filter != nil {
			filtered := make([]any, 0, len(items))
			for _, it := range items {
				if cfg.Filter(it) {
					filtered = append(filtered, it)
				}
			}
			items = filtered
		}

		results, itemErrs, err := mapItems(ctx, nc.Clock, fn, items, cfg)
		if err != nil {
			return flow.NodeResult{}, flow.WrapError(flow.KindExecution, name, err)
		}

		patch := flow.State{cfg.Into: results}
		if cfg.ContinueOnError {
			patch[cfg.Into+"_errors"] = itemErrs
		}
		return flow.NodeResult{
			Patch: patch,
			Output: map[string]any{
				"total":     len(items),
				"succeeded": len(items) - len(itemErrs),
				"failed":    len(itemErrs),
			},
		}, nil
	}
	return flow.NodeDef{Name: name, Kind: flow.NodeMap, Fn: nodeFn, Config: cfg}
}

// mapItems runs the fan-out. Without ContinueOnError the first failure
// cancels outstanding items and is returned; with it, every item runs
// and failures are collected.
func mapItems(ctx context.Context, clk flow.Clock, fn MapFn, items []any, cfg MapConfig) ([]any, []ItemError, error) {
	results := make([]any, len(items))
	var (
		mu       sync.Mutex
		itemErrs []ItemError
		done     int
	)

	conc := cfg.Concurrency
	if conc < 1 {
		conc = 1
	}
	eg, ictx := errgroup.WithContext(ctx)
	eg.SetLimit(conc)
	for i, item := range items {
		i, item := i, item
		eg.Go(func() error {
			err := runItem(ictx, clk, fn, item, i, cfg, &results[i])
			mu.Lock()
			done++
			if err != nil {
				itemErrs = append(itemErrs, ItemError{Index: i, Error: err.Error()})
			}
			progress := done
			mu.Unlock()
			if cfg.OnProgress != nil {
				cfg.OnProgress(progress, len(items))
			}
			if err != nil && !cfg.ContinueOnError {
				return err
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}
	// Deterministic order for the error list.
	sortItemErrors(itemErrs)
	return results, itemErrs, nil
}

func runItem(ctx context.Context, clk flow.Clock, fn MapFn, item any, index int, cfg MapConfig, out *any) error {
	attempt := func(ctx context.Context) error {
		ictx := ctx
		var cancel context.CancelFunc
		if cfg.Timeout > 0 {
			ictx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}
		v, err := fn(ictx, item, index)
		if err != nil {
			return err
		}
		*out = v
		return nil
	}
	if cfg.Retry != nil {
		return cfg.Retry.Do(ctx, clk, attempt)
	}
	return attempt(ctx)
}

func sortItemErrors(errs []ItemError) {
	for i := 1; i < len(errs); i++ {
		for j := i; j > 0 && errs[j].Index < errs[j-1].Index; j-- {
			errs[j], errs[j-1] = errs[j-1], errs[j]
		}
	}
}

// ReduceFn folds one item into the accumulator.
type ReduceFn func(ctx context.Context, acc any, item any, index int) (any, error)

// CombineFn merges two partial accumulators, for batched reduction.
type CombineFn func(ctx context.Context, left, right any) (any, error)

// ReduceConfig parameterizes a Reduce node.
type ReduceConfig struct {
	// Items names the state field holding the input slice.
	Items string

	// Into names the state field receiving the folded value.
	Into string

	// Initial seeds the accumulator.
	Initial any

	// BatchSize, together with Combine, enables parallel reduction:
	// items are folded per batch and the partials combined pairwise in
	// order. Zero folds sequentially.
	BatchSize int
	Combine   CombineFn

	// Streaming folds map output in completion order as items finish
	// (MapReduce only); the default batch mode folds after the whole
	// map phase drains. Fold indexes follow arrival order, so the
	// reducer must be order-insensitive.
	Streaming bool

	// Finalize maps the folded accumulator to the stored value, for
	// averages and other post-fold shaping. Nil stores the accumulator
	// as is.
	Finalize func(ctx context.Context, acc any) (any, error)
}

// Reduce builds a node that folds a state slice into a single value.
func Reduce(name string, fn ReduceFn, cfg ReduceConfig) flow.NodeDef {
	nodeFn := func(ctx context.Context, nc *flow.NodeContext) (flow.NodeResult, error) {
		items, err := sliceField(nc.State, cfg.Items)
		if err != nil {
			return flow.NodeResult{}, flow.WrapError(flow.KindValidation, name, err)
		}
		acc, err := reduceItems(ctx, fn, items, cfg)
		if err != nil {
			return flow.NodeResult{}, flow.WrapError(flow.KindExecution, name, err)
		}
		if cfg.Finalize != nil {
			if acc, err = cfg.Finalize(ctx, acc); err != nil {
				return flow.NodeResult{}, flow.WrapError(flow.KindExecution, name, err)
			}
		}
		return flow.NodeResult{
			Patch:  flow.State{cfg.Into: acc},
			Output: acc,
		}, nil
	}
	return flow.NodeDef{Name: name, Kind: flow.NodeReduce, Fn: nodeFn, Config: cfg}
}

func reduceItems(ctx context.Context, fn ReduceFn, items []any, cfg ReduceConfig) (any, error) {
	if cfg.BatchSize > 0 && cfg.Combine != nil && len(items) > cfg.BatchSize {
		return reduceBatched(ctx, fn, items, cfg)
	}
	acc := cfg.Initial
	for i, item := range items {
		var err error
		acc, err = fn(ctx, acc, item, i)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
	}
	return acc, nil
}

func reduceBatched(ctx context.Context, fn ReduceFn, items []any, cfg ReduceConfig) (any, error) {
	var batches [][]any
	for start := 0; start < len(items); start += cfg.BatchSize {
		end := start + cfg.BatchSize
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}

	partials := make([]any, len(batches))
	eg, ictx := errgroup.WithContext(ctx)
	for bi, batch := range batches {
		bi, batch := bi, batch
		offset := bi * cfg.BatchSize
		eg.Go(func() error {
			acc := cfg.Initial
			for i, item := range batch {
				var err error
				acc, err = fn(ictx, acc, item, offset+i)
				if err != nil {
					return fmt.Errorf("item %d: %w", offset+i, err)
				}
			}
			partials[bi] = acc
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	acc := partials[0]
	for _, p := range partials[1:] {
		var err error
		acc, err = cfg.Combine(ctx, acc, p)
		if err != nil {
			return nil, fmt.Errorf("combine: %w", err)
		}
	}
	return acc, nil
}

// MapReduce builds a node chaining a map phase into a fold, without
// materializing the intermediate slice in state.
func MapReduce(name string, mapFn MapFn, reduceFn ReduceFn, mapCfg MapConfig, reduceCfg ReduceConfig) flow.NodeDef {
	nodeFn := func(ctx context.Context, nc *flow.NodeContext) (flow.NodeResult, error) {
		items, err := sliceField(nc.State, mapCfg.Items)
		if err != nil {
			return flow.NodeResult{}, flow.WrapError(flow.KindValidation, name, err)
		}
		if mapCfg.Filter != nil {
			filtered := make([]any, 0, len(items))
			for _, it := range items {
				if mapCfg.Filter(it) {
					filtered = append(filtered, it)
				}
			}
			items = filtered
		}
		var acc any
		if reduceCfg.Streaming {
			acc, _, err = mapReduceStream(ctx, nc.Clock, mapFn, reduceFn, items, mapCfg, reduceCfg)
			if err != nil {
				return flow.NodeResult{}, flow.WrapError(flow.KindExecution, name, err)
			}
		} else {
			mapped, itemErrs, merr := mapItems(ctx, nc.Clock, mapFn, items, mapCfg)
			if merr != nil {
				return flow.NodeResult{}, flow.WrapError(flow.KindExecution, name, merr)
			}
			// Failed items (nil results) are excluded from the fold.
			if len(itemErrs) > 0 {
				kept := make([]any, 0, len(mapped))
				failed := make(map[int]bool, len(itemErrs))
				for _, ie := range itemErrs {
					failed[ie.Index] = true
				}
				for i, v := range mapped {
					if !failed[i] {
						kept = append(kept, v)
					}
				}
				mapped = kept
			}
			acc, err = reduceItems(ctx, reduceFn, mapped, reduceCfg)
			if err != nil {
				return flow.NodeResult{}, flow.WrapError(flow.KindExecution, name, err)
			}
		}
		if reduceCfg.Finalize != nil {
			if acc, err = reduceCfg.Finalize(ctx, acc); err != nil {
				return flow.NodeResult{}, flow.WrapError(flow.KindExecution, name, err)
			}
		}
		return flow.NodeResult{
			Patch:  flow.State{reduceCfg.Into: acc},
			Output: acc,
		}, nil
	}
	return flow.NodeDef{Name: name, Kind: flow.NodeMapReduce, Fn: nodeFn}
}

// mapReduceStream folds mapped items as they complete instead of
// materializing the mapped slice first. Failed items are skipped when
// the map phase continues on error; otherwise the first failure
// cancels the fan-out.
func mapReduceStream(ctx context.Context, clk flow.Clock, mapFn MapFn, reduceFn ReduceFn, items []any, mapCfg MapConfig, reduceCfg ReduceConfig) (any, []ItemError, error) {
	type mapped struct {
		index int
		value any
	}
	ch := make(chan mapped, len(items))

	conc := mapCfg.Concurrency
	if conc < 1 {
		conc = 1
	}
	var (
		mu       sync.Mutex
		itemErrs []ItemError
		done     int
	)
	eg, ictx := errgroup.WithContext(ctx)
	eg.SetLimit(conc)
	for i, item := range items {
		i, item := i, item
		eg.Go(func() error {
			var out any
			err := runItem(ictx, clk, mapFn, item, i, mapCfg, &out)
			mu.Lock()
			done++
			if err != nil {
				itemErrs = append(itemErrs, ItemError{Index: i, Error: err.Error()})
			}
			progress := done
			mu.Unlock()
			if mapCfg.OnProgress != nil {
				mapCfg.OnProgress(progress, len(items))
			}
			if err != nil {
				if mapCfg.ContinueOnError {
					return nil
				}
				return err
			}
			ch <- mapped{index: i, value: out}
			return nil
		})
	}

	acc := reduceCfg.Initial
	foldDone := make(chan error, 1)
	go func() {
		n := 0
		for m := range ch {
			var err error
			if acc, err = reduceFn(ctx, acc, m.value, n); err != nil {
				foldDone <- fmt.Errorf("item %d: %w", m.index, err)
				return
			}
			n++
		}
		foldDone <- nil
	}()

	mapErr := eg.Wait()
	close(ch)
	foldErr := <-foldDone
	if mapErr != nil {
		return nil, nil, mapErr
	}
	if foldErr != nil {
		return nil, nil, foldErr
	}
	sortItemErrors(itemErrs)
	return acc, itemErrs, nil
}

// sliceField reads a state field as a slice. JSON-reloaded state
// arrives as []any; live state may hold typed slices, which are
// normalized.
func sliceField(st flow.State, key string) ([]any, error) {
	v, ok := st[key]
	if !ok {
		return nil, fmt.Errorf("state field %q missing", key)
	}
	switch items := v.(type) {
	case []any:
		return items, nil
	case []string:
		out := make([]any, len(items))
		for i, s := range items {
			out[i] = s
		}
		return out, nil
	case []int:
		out := make([]any, len(items))
		for i, n := range items {
			out[i] = n
		}
		return out, nil
	case []float64:
		out := make([]any, len(items))
		for i, f := range items {
			out[i] = f
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(items))
		for i, m := range items {
			out[i] = m
		}
		return out, nil
	}
	return nil, fmt.Errorf("state field %q is not a slice", key)
}
