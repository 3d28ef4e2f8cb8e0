package saga_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dshills/duraflow/flow/saga"
)

func TestRollbackReverseOrder(t *testing.T) {
	s := saga.New()
	var order []string
	for _, name := range []string{"reserve", "charge", "ship"} {
		name := name
		s.Register(name, func(context.Context, map[string]any) error {
			order = append(order, name)
			return nil
		})
	}

	outcomes := s.Rollback(context.Background(), nil)

	want := []string{"ship", "charge", "reserve"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d = %s, want %s", i, order[i], want[i])
		}
	}
	for _, o := range outcomes {
		if o.Err != nil {
			t.Errorf("%s: %v", o.Node, o.Err)
		}
		if o.Attempts != 1 {
			t.Errorf("%s attempts = %d, want 1", o.Node, o.Attempts)
		}
	}
}

func TestRollbackVisitsAllDespiteFailure(t *testing.T) {
	s := saga.New()
	var visited []string
	s.Register("a", func(context.Context, map[string]any) error {
		visited = append(visited, "a")
		return nil
	})
	s.Register("b", func(context.Context, map[string]any) error {
		visited = append(visited, "b")
		return errors.New("refund rejected")
	})
	s.Register("c", func(context.Context, map[string]any) error {
		visited = append(visited, "c")
		return nil
	})

	outcomes := s.Rollback(context.Background(), nil)

	if len(visited) != 3 {
		t.Fatalf("visited = %v, want all three", visited)
	}
	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
			if o.Node != "b" {
				t.Errorf("failed node = %s, want b", o.Node)
			}
		}
	}
	if failed != 1 {
		t.Errorf("failed outcomes = %d, want 1", failed)
	}
}

func TestCompensationRetry(t *testing.T) {
	s := saga.New()
	calls := 0
	s.RegisterEntry(saga.Entry{
		Node: "release",
		Fn: func(context.Context, map[string]any) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		},
		Retry: saga.RetryPolicy{MaxAttempts: 5, Delay: time.Millisecond},
	})

	outcomes := s.Rollback(context.Background(), nil)
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if outcomes[0].Err != nil || outcomes[0].Attempts != 3 {
		t.Errorf("outcome = %+v, want success at attempt 3", outcomes[0])
	}
}

func TestCompensationRetryExhaustion(t *testing.T) {
	s := saga.New()
	calls := 0
	s.RegisterEntry(saga.Entry{
		Node:  "release",
		Fn:    func(context.Context, map[string]any) error { calls++; return errors.New("down") },
		Retry: saga.RetryPolicy{MaxAttempts: 3},
	})

	outcomes := s.Rollback(context.Background(), nil)
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if outcomes[0].Err == nil || outcomes[0].Attempts != 3 {
		t.Errorf("outcome = %+v, want error after 3 attempts", outcomes[0])
	}
}

func TestScopedEntriesRunInParallel(t *testing.T) {
	s := saga.New()
	s.Register("setup", func(context.Context, map[string]any) error { return nil })

	var mu sync.Mutex
	inflight, peak := 0, 0
	parallel := func(context.Context, map[string]any) error {
		mu.Lock()
		inflight++
		if inflight > peak {
			peak = inflight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inflight--
		mu.Unlock()
		return nil
	}
	s.RegisterEntry(saga.Entry{Node: "shard-0", Fn: parallel, Scope: "shards"})
	s.RegisterEntry(saga.Entry{Node: "shard-1", Fn: parallel, Scope: "shards"})
	s.RegisterEntry(saga.Entry{Node: "shard-2", Fn: parallel, Scope: "shards"})

	outcomes := s.Rollback(context.Background(), nil)

	if peak < 2 {
		t.Errorf("peak concurrency = %d, want >= 2 for scoped group", peak)
	}
	if len(outcomes) != 4 {
		t.Fatalf("outcomes = %d, want 4", len(outcomes))
	}
	// The scoped group reports before the serial entry that preceded it.
	if outcomes[len(outcomes)-1].Node != "setup" {
		t.Errorf("last outcome = %s, want setup", outcomes[len(outcomes)-1].Node)
	}
}

func TestRollbackCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := saga.New()
	calls := 0
	s.Register("a", func(context.Context, map[string]any) error { calls++; return nil })

	outcomes := s.Rollback(ctx, nil)
	if calls != 0 {
		t.Errorf("calls = %d, want 0 on cancelled context", calls)
	}
	if !errors.Is(outcomes[0].Err, context.Canceled) {
		t.Errorf("outcome err = %v, want context.Canceled", outcomes[0].Err)
	}
}

func TestRollbackReceivesState(t *testing.T) {
	s := saga.New()
	var got any
	s.Register("charge", func(_ context.Context, st map[string]any) error {
		got = st["payment_id"]
		return nil
	})

	s.Rollback(context.Background(), map[string]any{"payment_id": "pay_123"})
	if got != "pay_123" {
		t.Errorf("state payment_id = %v, want pay_123", got)
	}
}

func TestRegisterNilIgnored(t *testing.T) {
	s := saga.New()
	s.Register("noop", nil)
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}
