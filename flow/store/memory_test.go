package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dshills/duraflow/flow/store"
)

func TestCheckpointSaveLatestLoad(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryCheckpointStore()

	for seq := 1; seq <= 3; seq++ {
		err := s.Save(ctx, &store.Checkpoint{
			RunID:     "run-1",
			Seq:       seq,
			Wave:      seq,
			Status:    "running",
			State:     map[string]any{"progress": seq},
			Completed: []string{"a"},
		})
		if err != nil {
			t.Fatalf("Save seq %d: %v", seq, err)
		}
	}

	latest, err := s.Latest(ctx, "run-1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Seq != 3 {
		t.Errorf("Latest.Seq = %d, want 3", latest.Seq)
	}

	cp, err := s.Load(ctx, "run-1", 2)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// JSON round trip normalizes numbers.
	if cp.State["progress"] != float64(2) {
		t.Errorf("loaded state = %v", cp.State)
	}

	if _, err := s.Latest(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Latest ghost = %v, want ErrNotFound", err)
	}
	if _, err := s.Load(ctx, "run-1", 9); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Load missing seq = %v, want ErrNotFound", err)
	}
}

func TestCheckpointSaveOverwritesSeq(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryCheckpointStore()

	s.Save(ctx, &store.Checkpoint{RunID: "r", Seq: 1, State: map[string]any{"v": "old"}})
	s.Save(ctx, &store.Checkpoint{RunID: "r", Seq: 1, State: map[string]any{"v": "new"}})

	list, err := s.List(ctx, "r")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len = %d, want 1", len(list))
	}
	if list[0].State["v"] != "new" {
		t.Errorf("state = %v, want overwrite", list[0].State)
	}
}

func TestCheckpointIsolation(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryCheckpointStore()

	st := map[string]any{"k": "original"}
	s.Save(ctx, &store.Checkpoint{RunID: "r", Seq: 1, State: st})
	st["k"] = "mutated"

	cp, _ := s.Latest(ctx, "r")
	if cp.State["k"] != "original" {
		t.Errorf("stored state = %v, caller mutation leaked in", cp.State)
	}

	cp.State["k"] = "mutated-read"
	again, _ := s.Latest(ctx, "r")
	if again.State["k"] != "original" {
		t.Errorf("stored state = %v, reader mutation leaked in", again.State)
	}
}

func TestCheckpointSuspensionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryCheckpointStore()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	s.Save(ctx, &store.Checkpoint{
		RunID:  "r",
		Seq:    1,
		Status: "waiting",
		Suspended: &store.SuspensionRecord{
			Node:     "wait_approval",
			Reason:   "approval",
			ResumeAt: at,
		},
		LoopCounts: map[string]int{"2": 3},
	})

	cp, err := s.Latest(ctx, "r")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if cp.Suspended == nil || cp.Suspended.Node != "wait_approval" || cp.Suspended.Reason != "approval" {
		t.Fatalf("suspension = %+v", cp.Suspended)
	}
	if !cp.Suspended.ResumeAt.Equal(at) {
		t.Errorf("ResumeAt = %v, want %v", cp.Suspended.ResumeAt, at)
	}
	if cp.LoopCounts["2"] != 3 {
		t.Errorf("loop counts = %v", cp.LoopCounts)
	}
}

func TestCheckpointDelete(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryCheckpointStore()
	s.Save(ctx, &store.Checkpoint{RunID: "r", Seq: 1})
	s.Save(ctx, &store.Checkpoint{RunID: "other", Seq: 1})

	if err := s.Delete(ctx, "r"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Latest(ctx, "r"); !errors.Is(err, store.ErrNotFound) {
		t.Error("checkpoints survived delete")
	}
	if _, err := s.Latest(ctx, "other"); err != nil {
		t.Errorf("unrelated run deleted: %v", err)
	}
}

func TestRunStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryRunStore()

	rec := &store.RunRecord{
		ID:           "run-1",
		WorkflowID:   "ingest@v1",
		WorkflowName: "ingest",
		Status:       "queued",
		Priority:     5,
		CreatedAt:    time.Unix(1000, 0),
	}
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != "queued" || got.Priority != 5 {
		t.Errorf("record = %+v", got)
	}

	got.Status = "completed"
	got.FinishedAt = time.Unix(2000, 0)
	if err := s.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	again, _ := s.Get(ctx, "run-1")
	if again.Status != "completed" || again.FinishedAt.IsZero() {
		t.Errorf("updated record = %+v", again)
	}

	if err := s.Update(ctx, &store.RunRecord{ID: "ghost"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Update ghost = %v, want ErrNotFound", err)
	}
	if _, err := s.Get(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get ghost = %v, want ErrNotFound", err)
	}
}

func TestRunStoreList(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryRunStore()
	for i := 0; i < 5; i++ {
		status := "completed"
		if i%2 == 0 {
			status = "failed"
		}
		s.Create(ctx, &store.RunRecord{
			ID:         fmt.Sprintf("run-%d", i),
			WorkflowID: "ingest@v1",
			Status:     status,
		})
	}
	s.Create(ctx, &store.RunRecord{ID: "other", WorkflowID: "billing@v1", Status: "completed"})

	t.Run("newest first", func(t *testing.T) {
		out, err := s.List(ctx, store.RunFilter{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(out) != 6 || out[0].ID != "other" || out[5].ID != "run-0" {
			t.Errorf("order = %v", runIDs(out))
		}
	})

	t.Run("by workflow and status", func(t *testing.T) {
		out, _ := s.List(ctx, store.RunFilter{WorkflowID: "ingest@v1", Status: "failed"})
		if len(out) != 3 {
			t.Errorf("len = %d, want 3", len(out))
		}
	})

	t.Run("limit", func(t *testing.T) {
		out, _ := s.List(ctx, store.RunFilter{Limit: 2})
		if len(out) != 2 {
			t.Errorf("len = %d, want 2", len(out))
		}
	})
}

func TestRunStoreHeartbeatAndOrphans(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryRunStore()
	base := time.Unix(1000, 0)

	s.Create(ctx, &store.RunRecord{ID: "fresh", Status: "running"})
	s.Create(ctx, &store.RunRecord{ID: "stale", Status: "running"})
	s.Create(ctx, &store.RunRecord{ID: "parked", Status: "waiting"})
	s.Create(ctx, &store.RunRecord{ID: "done", Status: "completed"})

	if err := s.Heartbeat(ctx, "fresh", base); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	s.Heartbeat(ctx, "stale", base.Add(-time.Hour))

	orphans, err := s.Orphans(ctx, base.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("Orphans: %v", err)
	}
	got := runIDs(orphans)
	if len(got) != 2 {
		t.Fatalf("orphans = %v, want stale and parked", got)
	}
	for _, id := range got {
		if id != "stale" && id != "parked" {
			t.Errorf("unexpected orphan %s", id)
		}
	}

	if err := s.Heartbeat(ctx, "ghost", base); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Heartbeat ghost = %v, want ErrNotFound", err)
	}
}

func runIDs(recs []*store.RunRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestRunStoreListTimeRangeAndOffset(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryRunStore()
	base := time.Unix(1000, 0)
	for i := 0; i < 5; i++ {
		s.Create(ctx, &store.RunRecord{
			ID:         fmt.Sprintf("run-%d", i),
			WorkflowID: "ingest@v1",
			Status:     "completed",
			CreatedAt:  base.Add(time.Duration(i) * time.Hour),
		})
	}

	t.Run("from inclusive to exclusive", func(t *testing.T) {
		out, err := s.List(ctx, store.RunFilter{
			From: base.Add(time.Hour),
			To:   base.Add(4 * time.Hour),
		})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(out) != 3 || out[0].ID != "run-3" || out[2].ID != "run-1" {
			t.Errorf("range = %v, want run-3 run-2 run-1", runIDs(out))
		}
	})

	t.Run("offset pages past newest", func(t *testing.T) {
		out, _ := s.List(ctx, store.RunFilter{Offset: 2, Limit: 2})
		if len(out) != 2 || out[0].ID != "run-2" || out[1].ID != "run-1" {
			t.Errorf("page = %v, want run-2 run-1", runIDs(out))
		}
	})

	t.Run("offset beyond matches is empty", func(t *testing.T) {
		out, _ := s.List(ctx, store.RunFilter{Offset: 10})
		if len(out) != 0 {
			t.Errorf("len = %d, want 0", len(out))
		}
	})
}

func TestRunStoreStats(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryRunStore()
	base := time.Unix(1000, 0)

	recs := []*store.RunRecord{
		{ID: "r1", Status: "completed", TokensIn: 100, TokensOut: 40, CostUSD: 0.5, CreatedAt: base},
		{ID: "r2", Status: "completed", TokensIn: 50, TokensOut: 10, CostUSD: 0.25, CreatedAt: base.Add(time.Hour)},
		{ID: "r3", Status: "failed", CreatedAt: base.Add(2 * time.Hour)},
		{ID: "r4", Status: "running", CreatedAt: base.Add(3 * time.Hour)},
	}
	for _, r := range recs {
		s.Create(ctx, r)
	}

	stats, err := s.Stats(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
	if stats.ByStatus["completed"] != 2 || stats.ByStatus["failed"] != 1 {
		t.Errorf("by status = %v", stats.ByStatus)
	}
	if stats.TokensIn != 150 || stats.TokensOut != 50 || stats.CostUSD != 0.75 {
		t.Errorf("usage = %d/%d/%.2f, want 150/50/0.75",
			stats.TokensIn, stats.TokensOut, stats.CostUSD)
	}

	// [from, to): r1 falls before from, r4 sits on the exclusive bound.
	ranged, err := s.Stats(ctx, base.Add(time.Hour), base.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if ranged.Total != 2 || ranged.TokensIn != 50 {
		t.Errorf("ranged = %+v, want r2 and r3 only", ranged)
	}
}
