package dlq_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dshills/duraflow/flow/dlq"
)

func newSQLiteQueue(t *testing.T) *dlq.SQLiteQueue {
	t.Helper()
	q, err := dlq.NewSQLiteQueue(filepath.Join(t.TempDir(), "dlq.db"))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestSQLiteQueue(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1000, 0).UTC()
	q := newSQLiteQueue(t)
	seed(t, q, 3, "ingest@v1", base)
	seed(t, q, 2, "billing@v1", base)

	t.Run("get round trip", func(t *testing.T) {
		got, err := q.Get(ctx, "ingest@v1-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Node != "consume" || got.Attempts != 3 || got.ErrorKind != "execution" {
			t.Errorf("entry = %+v", got)
		}
		if !got.CreatedAt.Equal(base.Add(time.Minute)) {
			t.Errorf("CreatedAt = %v", got.CreatedAt)
		}
		if _, err := q.Get(ctx, "ghost"); !errors.Is(err, dlq.ErrNotFound) {
			t.Errorf("Get ghost = %v, want ErrNotFound", err)
		}
	})

	t.Run("list oldest first with filters", func(t *testing.T) {
		out, err := q.List(ctx, dlq.Filter{WorkflowID: "ingest@v1"})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(out) != 3 || out[0].ID != "ingest@v1-0" || out[2].ID != "ingest@v1-2" {
			t.Errorf("order = %v, want oldest first", ids(out))
		}

		out, _ = q.List(ctx, dlq.Filter{Before: base.Add(time.Minute)})
		if len(out) != 2 {
			t.Errorf("before cutoff = %v, want the two minute-zero entries", ids(out))
		}

		out, _ = q.List(ctx, dlq.Filter{WorkflowID: "ingest@v1", Limit: 2})
		if len(out) != 2 {
			t.Errorf("limited = %v, want 2", ids(out))
		}
	})

	t.Run("mark replayed hides and counts", func(t *testing.T) {
		at := base.Add(time.Hour)
		if err := q.MarkReplayed(ctx, "billing@v1-0", at); err != nil {
			t.Fatalf("MarkReplayed: %v", err)
		}
		got, _ := q.Get(ctx, "billing@v1-0")
		if !got.Replayed || !got.ReplayedAt.Equal(at) {
			t.Errorf("entry = %+v, want replayed at %v", got, at)
		}

		out, _ := q.List(ctx, dlq.Filter{WorkflowID: "billing@v1"})
		if len(out) != 1 || out[0].ID != "billing@v1-1" {
			t.Errorf("List = %v, want only the unreplayed entry", ids(out))
		}

		n, err := q.Count(ctx, dlq.Filter{WorkflowID: "billing@v1"})
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if n != 1 {
			t.Errorf("Count = %d, want 1", n)
		}
		n, _ = q.Count(ctx, dlq.Filter{WorkflowID: "billing@v1", IncludeReplayed: true})
		if n != 2 {
			t.Errorf("Count all = %d, want 2", n)
		}

		if err := q.MarkReplayed(ctx, "ghost", at); !errors.Is(err, dlq.ErrNotFound) {
			t.Errorf("MarkReplayed ghost = %v, want ErrNotFound", err)
		}
	})

	t.Run("drain removes and returns", func(t *testing.T) {
		drained, err := q.Drain(ctx, dlq.Filter{WorkflowID: "ingest@v1"})
		if err != nil {
			t.Fatalf("Drain: %v", err)
		}
		if len(drained) != 3 || drained[0].ID != "ingest@v1-0" {
			t.Errorf("drained = %v, want all ingest entries oldest first", ids(drained))
		}
		if _, err := q.Get(ctx, "ingest@v1-0"); !errors.Is(err, dlq.ErrNotFound) {
			t.Error("drained entry still retrievable")
		}
		n, _ := q.Count(ctx, dlq.Filter{IncludeReplayed: true})
		if n != 2 {
			t.Errorf("remaining = %d, want the billing entries", n)
		}
	})

	t.Run("purge ignores replayed flag", func(t *testing.T) {
		n, err := q.Purge(ctx, dlq.Filter{WorkflowID: "billing@v1"})
		if err != nil {
			t.Fatalf("Purge: %v", err)
		}
		if n != 2 {
			t.Errorf("purged = %d, want 2 including the replayed entry", n)
		}
		n, _ = q.Count(ctx, dlq.Filter{IncludeReplayed: true})
		if n != 0 {
			t.Errorf("remaining = %d, want empty queue", n)
		}
	})
}
