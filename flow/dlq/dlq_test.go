package dlq_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dshills/duraflow/flow/dlq"
)

func seed(t *testing.T, q dlq.Queue, n int, workflow string, base time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := q.Enqueue(context.Background(), &dlq.Entry{
			ID:         fmt.Sprintf("%s-%d", workflow, i),
			RunID:      fmt.Sprintf("run-%d", i),
			WorkflowID: workflow,
			Node:       "consume",
			Attempts:   3,
			Error:      "downstream 503",
			ErrorKind:  "execution",
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
}

func TestEnqueueGet(t *testing.T) {
	ctx := context.Background()
	q := dlq.NewMemory()
	e := &dlq.Entry{
		ID:         "e1",
		RunID:      "run-1",
		WorkflowID: "ingest@v1",
		Node:       "parse",
		Attempts:   4,
		Error:      "bad payload",
		State:      map[string]any{"offset": 99},
		CreatedAt:  time.Unix(1000, 0),
	}
	if err := q.Enqueue(ctx, e); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got, err := q.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Node != "parse" || got.Attempts != 4 {
		t.Errorf("entry = %+v", got)
	}
	if got.State["offset"] != 99 {
		t.Errorf("state = %v, want offset snapshot", got.State)
	}

	if _, err := q.Get(ctx, "ghost"); !errors.Is(err, dlq.ErrNotFound) {
		t.Errorf("Get ghost = %v, want ErrNotFound", err)
	}
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1000, 0)
	q := dlq.NewMemory()
	seed(t, q, 3, "ingest@v1", base)
	seed(t, q, 2, "billing@v1", base)

	t.Run("by workflow", func(t *testing.T) {
		out, err := q.List(ctx, dlq.Filter{WorkflowID: "billing@v1"})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(out) != 2 {
			t.Errorf("len = %d, want 2", len(out))
		}
	})

	t.Run("by run", func(t *testing.T) {
		out, _ := q.List(ctx, dlq.Filter{RunID: "run-1"})
		if len(out) != 2 {
			t.Errorf("len = %d, want 2 (one per workflow)", len(out))
		}
	})

	t.Run("before cutoff", func(t *testing.T) {
		out, _ := q.List(ctx, dlq.Filter{WorkflowID: "ingest@v1", Before: base.Add(90 * time.Second)})
		if len(out) != 1 {
			t.Errorf("len = %d, want 1", len(out))
		}
	})

	t.Run("limit", func(t *testing.T) {
		out, _ := q.List(ctx, dlq.Filter{Limit: 2})
		if len(out) != 2 {
			t.Errorf("len = %d, want 2", len(out))
		}
	})

	t.Run("oldest first", func(t *testing.T) {
		out, _ := q.List(ctx, dlq.Filter{WorkflowID: "ingest@v1"})
		for i := 1; i < len(out); i++ {
			if out[i].CreatedAt.Before(out[i-1].CreatedAt) {
				t.Fatal("entries out of order")
			}
		}
	})
}

func TestMarkReplayedHidesFromList(t *testing.T) {
	ctx := context.Background()
	q := dlq.NewMemory()
	seed(t, q, 2, "ingest@v1", time.Unix(1000, 0))

	at := time.Unix(2000, 0)
	if err := q.MarkReplayed(ctx, "ingest@v1-0", at); err != nil {
		t.Fatalf("MarkReplayed: %v", err)
	}

	out, _ := q.List(ctx, dlq.Filter{})
	if len(out) != 1 || out[0].ID != "ingest@v1-1" {
		t.Errorf("default List = %v, want only the unreplayed entry", ids(out))
	}

	out, _ = q.List(ctx, dlq.Filter{IncludeReplayed: true})
	if len(out) != 2 {
		t.Errorf("IncludeReplayed List len = %d, want 2", len(out))
	}

	got, _ := q.Get(ctx, "ingest@v1-0")
	if !got.Replayed || !got.ReplayedAt.Equal(at) {
		t.Errorf("entry = %+v, want replayed at %v", got, at)
	}

	if err := q.MarkReplayed(ctx, "ghost", at); !errors.Is(err, dlq.ErrNotFound) {
		t.Errorf("MarkReplayed ghost = %v, want ErrNotFound", err)
	}
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1000, 0)
	q := dlq.NewMemory()
	seed(t, q, 4, "ingest@v1", base)
	q.MarkReplayed(ctx, "ingest@v1-0", base)

	// Retention purge removes old entries, replayed or not.
	n, err := q.Purge(ctx, dlq.Filter{Before: base.Add(2 * time.Minute)})
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 2 {
		t.Errorf("purged = %d, want 2", n)
	}

	out, _ := q.List(ctx, dlq.Filter{IncludeReplayed: true})
	if len(out) != 2 {
		t.Errorf("remaining = %v, want 2 entries", ids(out))
	}
	if _, err := q.Get(ctx, "ingest@v1-0"); !errors.Is(err, dlq.ErrNotFound) {
		t.Error("purged entry still retrievable")
	}
}

func ids(entries []*dlq.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestCount(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1000, 0)
	q := dlq.NewMemory()
	seed(t, q, 3, "ingest@v1", base)
	seed(t, q, 2, "billing@v1", base)
	q.MarkReplayed(ctx, "ingest@v1-0", base)

	n, err := q.Count(ctx, dlq.Filter{})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 4 {
		t.Errorf("Count = %d, want 4 unreplayed", n)
	}

	n, _ = q.Count(ctx, dlq.Filter{IncludeReplayed: true})
	if n != 5 {
		t.Errorf("Count all = %d, want 5", n)
	}

	// Limit only caps List; Count reports the full match.
	n, _ = q.Count(ctx, dlq.Filter{WorkflowID: "ingest@v1", IncludeReplayed: true, Limit: 1})
	if n != 3 {
		t.Errorf("Count ingest = %d, want 3", n)
	}
}

func TestDrain(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1000, 0)
	q := dlq.NewMemory()
	seed(t, q, 3, "ingest@v1", base)
	seed(t, q, 2, "billing@v1", base)

	drained, err := q.Drain(ctx, dlq.Filter{WorkflowID: "ingest@v1"})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(drained) != 3 {
		t.Fatalf("drained = %v, want 3 entries", ids(drained))
	}
	for i := 1; i < len(drained); i++ {
		if drained[i].CreatedAt.Before(drained[i-1].CreatedAt) {
			t.Fatal("drained entries out of order")
		}
	}

	if _, err := q.Get(ctx, "ingest@v1-0"); !errors.Is(err, dlq.ErrNotFound) {
		t.Error("drained entry still retrievable")
	}
	n, _ := q.Count(ctx, dlq.Filter{})
	if n != 2 {
		t.Errorf("remaining = %d, want the billing entries", n)
	}

	// Draining an empty selection is a no-op.
	drained, err = q.Drain(ctx, dlq.Filter{WorkflowID: "ingest@v1"})
	if err != nil || len(drained) != 0 {
		t.Errorf("second Drain = %v, %v, want empty", ids(drained), err)
	}
}
