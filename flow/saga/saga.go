// Package saga tracks compensating actions registered by completed
// nodes and rolls them back in reverse order when a run fails
// terminally.
package saga

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CompensationFn reverses the effect of one completed node. It
// receives the run's state at failure time.
type CompensationFn func(ctx context.Context, state map[string]any) error

// RetryPolicy is the (deliberately small) retry configuration for a
// compensation. Compensations are best-effort: a terminally failing
// compensation is reported and skipped, never escalated.
type RetryPolicy struct {
	// MaxAttempts including the first. Values < 1 mean 1.
	MaxAttempts int

	// Delay between attempts, fixed.
	Delay time.Duration
}

// Entry is one registered compensation.
type Entry struct {
	// Node is the node whose effect this entry reverses.
	Node string

	// Fn is the compensating action.
	Fn CompensationFn

	// Retry governs re-attempts of Fn. Zero value means one attempt.
	Retry RetryPolicy

	// Scope groups entries that the caller wants rolled back in
	// parallel with each other. Entries with an empty scope, and
	// entries in different scopes, run serially in reverse
	// registration order.
	Scope string
}

// Outcome reports the result of one compensation during rollback.
type Outcome struct {
	Node     string
	Attempts int
	Err      error
}

// Saga accumulates compensations for one run. Registration order is
// preserved; Rollback walks it backwards ("LIFO").
type Saga struct {
	mu      sync.Mutex
	entries []Entry
}

// New creates an empty saga.
func New() *Saga { return &Saga{} }

// Register appends a compensation with default (no-retry) policy.
func (s *Saga) Register(node string, fn CompensationFn) {
	s.RegisterEntry(Entry{Node: node, Fn: fn})
}

// RegisterEntry appends a fully specified compensation.
func (s *Saga) RegisterEntry(e Entry) {
	if e.Fn == nil {
		return
	}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
}

// Len returns the number of registered compensations.
func (s *Saga) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Rollback invokes every registered compensation in reverse
// registration order. Consecutive entries sharing a non-empty Scope
// run in parallel with each other; everything else is serialized.
//
// Each compensation retries per its own policy. A compensation that
// still fails is recorded in its Outcome and skipped; Rollback always
// visits every entry. The caller augments the run's original error
// with the outcomes.
func (s *Saga) Rollback(ctx context.Context, state map[string]any) []Outcome {
	s.mu.Lock()
	entries := make([]Entry, len(s.entries))
	copy(entries, s.entries)
	s.mu.Unlock()

	outcomes := make([]Outcome, 0, len(entries))
	i := len(entries) - 1
	for i >= 0 {
		e := entries[i]
		if e.Scope == "" {
			outcomes = append(outcomes, runOne(ctx, e, state))
			i--
			continue
		}
		// Collect the contiguous group sharing this scope.
		j := i
		for j >= 0 && entries[j].Scope == e.Scope {
			j--
		}
		group := entries[j+1 : i+1]
		results := make([]Outcome, len(group))
		var eg errgroup.Group
		for gi := len(group) - 1; gi >= 0; gi-- {
			gi := gi
			ge := group[gi]
			eg.Go(func() error {
				results[gi] = runOne(ctx, ge, state)
				return nil
			})
		}
		_ = eg.Wait()
		for gi := len(results) - 1; gi >= 0; gi-- {
			outcomes = append(outcomes, results[gi])
		}
		i = j
	}
	return outcomes
}

func runOne(ctx context.Context, e Entry, state map[string]any) Outcome {
	attempts := e.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for a := 1; a <= attempts; a++ {
		if ctx.Err() != nil {
			return Outcome{Node: e.Node, Attempts: a - 1, Err: ctx.Err()}
		}
		err = e.Fn(ctx, state)
		if err == nil {
			return Outcome{Node: e.Node, Attempts: a}
		}
		if a < attempts && e.Retry.Delay > 0 {
			t := time.NewTimer(e.Retry.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return Outcome{Node: e.Node, Attempts: a, Err: ctx.Err()}
			case <-t.C:
			}
		}
	}
	return Outcome{Node: e.Node, Attempts: attempts, Err: err}
}
