package timer_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dshills/duraflow/flow/timer"
)

func newSQLiteTimers(t *testing.T) *timer.SQLiteStore {
	t.Helper()
	st, err := timer.NewSQLiteStore(filepath.Join(t.TempDir(), "timers.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteTimers(t)
	base := time.Unix(1000, 0).UTC()

	entries := []*timer.Entry{
		{ID: "t1", RunID: "run-1", Kind: timer.KindDelay, FireAt: base.Add(time.Minute)},
		{ID: "t2", RunID: "run-1", Kind: timer.KindDelay, FireAt: base.Add(time.Hour)},
		{ID: "t3", RunID: "run-2", Kind: timer.KindUntil, FireAt: base.Add(30 * time.Second)},
	}
	for _, e := range entries {
		if err := st.Schedule(ctx, e); err != nil {
			t.Fatalf("Schedule %s: %v", e.ID, err)
		}
	}

	t.Run("due earliest first", func(t *testing.T) {
		due, err := st.Due(ctx, base.Add(2*time.Minute))
		if err != nil {
			t.Fatalf("Due: %v", err)
		}
		if len(due) != 2 || due[0].ID != "t3" || due[1].ID != "t1" {
			t.Errorf("due = %v", entryIDs(due))
		}
	})

	t.Run("mark fired is an exclusive claim", func(t *testing.T) {
		if err := st.MarkFired(ctx, "t3", base.Add(time.Minute)); err != nil {
			t.Fatalf("MarkFired: %v", err)
		}
		due, _ := st.Due(ctx, base.Add(2*time.Minute))
		if len(due) != 1 || due[0].ID != "t1" {
			t.Errorf("due after fire = %v", entryIDs(due))
		}
		if err := st.MarkFired(ctx, "t3", base.Add(time.Minute)); !errors.Is(err, timer.ErrNotFound) {
			t.Errorf("second MarkFired = %v, want ErrNotFound", err)
		}
		if err := st.MarkFired(ctx, "ghost", base); !errors.Is(err, timer.ErrNotFound) {
			t.Errorf("MarkFired ghost = %v, want ErrNotFound", err)
		}
	})

	t.Run("pending by run", func(t *testing.T) {
		pending, err := st.Pending(ctx, "run-1")
		if err != nil {
			t.Fatalf("Pending: %v", err)
		}
		if len(pending) != 2 {
			t.Errorf("pending = %v, want t1 and t2", entryIDs(pending))
		}
	})

	t.Run("cancel", func(t *testing.T) {
		if err := st.Cancel(ctx, "t2"); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
		pending, _ := st.Pending(ctx, "run-1")
		if len(pending) != 1 {
			t.Errorf("pending after cancel = %v", entryIDs(pending))
		}
		if err := st.Cancel(ctx, "t3"); !errors.Is(err, timer.ErrNotFound) {
			t.Errorf("Cancel fired = %v, want ErrNotFound", err)
		}
	})

	t.Run("payload round trip", func(t *testing.T) {
		cron := &timer.Entry{
			ID: "c1", RunID: "run-3", WorkflowID: "wf@v1", Node: "nightly",
			Kind: timer.KindCron, CronExpr: "0 0 * * *", Timezone: "America/New_York",
			FireAt: base.Add(24 * time.Hour), CreatedAt: base,
		}
		if err := st.Schedule(ctx, cron); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		got, err := st.Pending(ctx, "run-3")
		if err != nil || len(got) != 1 {
			t.Fatalf("Pending = %v, %v", got, err)
		}
		e := got[0]
		if e.CronExpr != "0 0 * * *" || e.Timezone != "America/New_York" || e.Node != "nightly" {
			t.Errorf("entry = %+v, want cron fields preserved", e)
		}
		if !e.FireAt.Equal(cron.FireAt) {
			t.Errorf("FireAt = %v, want %v", e.FireAt, cron.FireAt)
		}
	})
}
