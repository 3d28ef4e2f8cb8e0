package timer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dshills/duraflow/flow"
	"github.com/dshills/duraflow/flow/store"
	"github.com/dshills/duraflow/flow/timer"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	st := timer.NewMemoryStore()
	base := time.Unix(1000, 0)

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

	t.Run("mark fired removes from due", func(t *testing.T) {
		if err := st.MarkFired(ctx, "t3", base.Add(time.Minute)); err != nil {
			t.Fatalf("MarkFired: %v", err)
		}
		due, _ := st.Due(ctx, base.Add(2*time.Minute))
		if len(due) != 1 || due[0].ID != "t1" {
			t.Errorf("due after fire = %v", entryIDs(due))
		}
		if err := st.MarkFired(ctx, "ghost", base); !errors.Is(err, timer.ErrNotFound) {
			t.Errorf("MarkFired ghost = %v, want ErrNotFound", err)
		}
		// The claim is exclusive: a second MarkFired loses.
		if err := st.MarkFired(ctx, "t3", base.Add(time.Minute)); !errors.Is(err, timer.ErrNotFound) {
			t.Errorf("second MarkFired = %v, want ErrNotFound", err)
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
		// Fired entries cannot be cancelled.
		if err := st.Cancel(ctx, "t3"); !errors.Is(err, timer.ErrNotFound) {
			t.Errorf("Cancel fired = %v, want ErrNotFound", err)
		}
	})
}

func TestManagerPollFiresDue(t *testing.T) {
	ctx := context.Background()
	st := timer.NewMemoryStore()
	clk := flow.NewFakeClock(time.Unix(1000, 0))

	st.Schedule(ctx, &timer.Entry{
		ID: "t1", RunID: "run-1", WorkflowID: "wf@v1", Node: "wait",
		Kind: timer.KindDelay, FireAt: clk.Now().Add(time.Minute),
	})

	var mu sync.Mutex
	resumed := map[string]flow.State{}
	m := timer.NewManager(st, func(_ context.Context, runID string, patch flow.State) error {
		mu.Lock()
		defer mu.Unlock()
		resumed[runID] = patch
		return nil
	}, timer.WithClock(clk))

	m.Poll(ctx)
	if len(resumed) != 0 {
		t.Fatalf("resumed before due: %v", resumed)
	}

	clk.Advance(2 * time.Minute)
	m.Poll(ctx)
	patch, ok := resumed["run-1"]
	if !ok {
		t.Fatal("due timer did not resume its run")
	}
	if !patch.GetBool(timer.StateKey("wait")) {
		t.Errorf("patch = %v, want fired flag for node", patch)
	}

	// A second poll must not double-fire the claimed entry.
	m.Poll(ctx)
	if len(resumed) != 1 {
		t.Errorf("resumed = %v, want exactly one firing", resumed)
	}
}

func TestManagerPollClaimSurvivesResumeError(t *testing.T) {
	ctx := context.Background()
	st := timer.NewMemoryStore()
	clk := flow.NewFakeClock(time.Unix(1000, 0))

	st.Schedule(ctx, &timer.Entry{
		ID: "t1", RunID: "run-1", Node: "wait",
		Kind: timer.KindDelay, FireAt: clk.Now(),
	})

	calls := 0
	m := timer.NewManager(st, func(context.Context, string, flow.State) error {
		calls++
		return errors.New("queue full")
	}, timer.WithClock(clk))

	m.Poll(ctx)
	m.Poll(ctx)
	if calls != 1 {
		t.Errorf("resume calls = %d, want 1 (entry stays claimed)", calls)
	}
}

// A delayed node parks its run; the fire patch lets it complete on
// resume.
func TestDelayNodeSuspendAndResume(t *testing.T) {
	ctx := context.Background()
	ts := timer.NewMemoryStore()
	clk := flow.NewFakeClock(time.Unix(1000, 0))

	wf, err := flow.NewWorkflow("reminder", "v1").
		AddNode(timer.Node("wait", ts, timer.Config{Delay: time.Hour})).
		AddFunc("send", func(_ context.Context, nc *flow.NodeContext) (flow.NodeResult, error) {
			return flow.NodeResult{Patch: flow.State{"sent": true}}, nil
		}).
		Then("wait", "send").
		EntryPoint("wait").
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	eng := flow.New(wf,
		flow.WithClock(clk),
		flow.WithCheckpointStore(store.NewMemoryCheckpointStore()))

	res, err := eng.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != flow.RunWaiting {
		t.Fatalf("status = %s, want waiting", res.Status)
	}
	if res.Suspended == nil || res.Suspended.Reason != "timer" {
		t.Fatalf("suspension = %+v, want timer", res.Suspended)
	}
	if !res.Suspended.ResumeAt.Equal(clk.Now().Add(time.Hour)) {
		t.Errorf("ResumeAt = %v, want one hour out", res.Suspended.ResumeAt)
	}

	pending, _ := ts.Pending(ctx, res.RunID)
	if len(pending) != 1 || pending[0].Kind != timer.KindDelay {
		t.Fatalf("pending = %+v, want one delay entry", pending)
	}

	clk.Advance(2 * time.Hour)
	final, err := eng.Resume(ctx, res.RunID, timer.FirePatch("wait", clk.Now()))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if final.Status != flow.RunCompleted {
		t.Fatalf("status = %s (%v), want completed", final.Status, final.Err)
	}
	if !final.State.GetBool("sent") {
		t.Errorf("state = %v, want sent", final.State)
	}
	// The node clears its fired flag so a later visit re-arms.
	if final.State.GetBool(timer.StateKey("wait")) {
		t.Error("fired flag not cleared after resume")
	}
}

func TestUntilNodeInPastCompletesImmediately(t *testing.T) {
	ctx := context.Background()
	ts := timer.NewMemoryStore()
	clk := flow.NewFakeClock(time.Unix(10000, 0))

	wf, err := flow.NewWorkflow("w", "v1").
		AddNode(timer.Node("wait", ts, timer.Config{Until: time.Unix(5000, 0)})).
		EntryPoint("wait").
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	res, err := flow.New(wf, flow.WithClock(clk)).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != flow.RunCompleted {
		t.Errorf("status = %s, want completed for past deadline", res.Status)
	}
	pending, _ := ts.Pending(ctx, res.RunID)
	if len(pending) != 0 {
		t.Errorf("pending = %+v, want none", pending)
	}
}

func TestTimerNodeConfigValidation(t *testing.T) {
	ctx := context.Background()
	ts := timer.NewMemoryStore()

	cases := []struct {
		name string
		cfg  timer.Config
	}{
		{"empty config", timer.Config{}},
		{"bad cron", timer.Config{Cron: "not a cron"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wf, err := flow.NewWorkflow("w", "v1").
				AddNode(timer.Node("wait", ts, tc.cfg)).
				EntryPoint("wait").
				Build()
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			res, err := flow.New(wf).Run(ctx)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.Status != flow.RunFailed {
				t.Fatalf("status = %s, want failed", res.Status)
			}
			if flow.KindOf(res.Err) != flow.KindValidation {
				t.Errorf("kind = %s, want validation", flow.KindOf(res.Err))
			}
		})
	}
}

func TestCronNodeArmsNextOccurrence(t *testing.T) {
	ctx := context.Background()
	ts := timer.NewMemoryStore()
	start := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	clk := flow.NewFakeClock(start)

	wf, err := flow.NewWorkflow("nightly", "v1").
		AddNode(timer.Node("wait", ts, timer.Config{Cron: "@daily"})).
		EntryPoint("wait").
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	res, err := flow.New(wf, flow.WithClock(clk)).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != flow.RunWaiting {
		t.Fatalf("status = %s, want waiting", res.Status)
	}
	pending, _ := ts.Pending(ctx, res.RunID)
	if len(pending) != 1 {
		t.Fatalf("pending = %+v", pending)
	}
	want := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	if !pending[0].FireAt.Equal(want) {
		t.Errorf("FireAt = %v, want %v", pending[0].FireAt, want)
	}
	if pending[0].Kind != timer.KindCron || pending[0].CronExpr != "@daily" {
		t.Errorf("entry = %+v", pending[0])
	}
}

func entryIDs(entries []*timer.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

// A state-computed delay lets earlier nodes decide how long to wait.
func TestDynamicDelayNode(t *testing.T) {
	ctx := context.Background()
	ts := timer.NewMemoryStore()
	clk := flow.NewFakeClock(time.Unix(1000, 0))

	wf, err := flow.NewWorkflow("backoff", "v1").
		InitialState(flow.State{"wait_seconds": 90}).
		AddNode(timer.Node("wait", ts, timer.Config{
			DelayFrom: func(st flow.State) time.Duration {
				return time.Duration(st.GetInt("wait_seconds")) * time.Second
			},
		})).
		EntryPoint("wait").
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	res, err := flow.New(wf,
		flow.WithClock(clk),
		flow.WithCheckpointStore(store.NewMemoryCheckpointStore())).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != flow.RunWaiting {
		t.Fatalf("status = %s, want waiting", res.Status)
	}

	pending, _ := ts.Pending(ctx, res.RunID)
	if len(pending) != 1 || pending[0].Kind != timer.KindDynamic {
		t.Fatalf("pending = %+v, want one dynamic entry", pending)
	}
	if !pending[0].FireAt.Equal(clk.Now().Add(90 * time.Second)) {
		t.Errorf("FireAt = %v, want 90s out", pending[0].FireAt)
	}
}

func TestDynamicDelayNonPositiveCompletesImmediately(t *testing.T) {
	ctx := context.Background()
	ts := timer.NewMemoryStore()
	clk := flow.NewFakeClock(time.Unix(1000, 0))

	wf, err := flow.NewWorkflow("backoff", "v1").
		AddNode(timer.Node("wait", ts, timer.Config{
			DelayFrom: func(flow.State) time.Duration { return 0 },
		})).
		EntryPoint("wait").
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	res, err := flow.New(wf, flow.WithClock(clk)).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != flow.RunCompleted {
		t.Errorf("status = %s, want completed for zero wait", res.Status)
	}
	if pending, _ := ts.Pending(ctx, res.RunID); len(pending) != 0 {
		t.Errorf("pending = %+v, want none", pending)
	}
}

// Cron occurrences follow the configured timezone's wall clock, not the
// engine clock's zone.
func TestCronNodeInNamedTimezone(t *testing.T) {
	ctx := context.Background()
	ts := timer.NewMemoryStore()
	// 9:30 UTC on March 10, 2026 is 4:30 in New York (EST ended March 8,
	// so the offset is -4).
	start := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	clk := flow.NewFakeClock(start)

	wf, err := flow.NewWorkflow("nightly", "v1").
		AddNode(timer.Node("wait", ts, timer.Config{Cron: "0 0 * * *", Location: "America/New_York"})).
		EntryPoint("wait").
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	res, err := flow.New(wf,
		flow.WithClock(clk),
		flow.WithCheckpointStore(store.NewMemoryCheckpointStore())).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != flow.RunWaiting {
		t.Fatalf("status = %s, want waiting", res.Status)
	}

	pending, _ := ts.Pending(ctx, res.RunID)
	if len(pending) != 1 {
		t.Fatalf("pending = %+v", pending)
	}
	loc, _ := time.LoadLocation("America/New_York")
	want := time.Date(2026, 3, 11, 0, 0, 0, 0, loc)
	if !pending[0].FireAt.Equal(want) {
		t.Errorf("FireAt = %v, want midnight New York = %v", pending[0].FireAt, want)
	}
	if pending[0].Timezone != "America/New_York" {
		t.Errorf("Timezone = %q, want America/New_York", pending[0].Timezone)
	}
}

func TestCronNodeUnknownTimezoneFailsValidation(t *testing.T) {
	ctx := context.Background()
	ts := timer.NewMemoryStore()

	wf, err := flow.NewWorkflow("w", "v1").
		AddNode(timer.Node("wait", ts, timer.Config{Cron: "@daily", Location: "Mars/Olympus"})).
		EntryPoint("wait").
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	res, err := flow.New(wf).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != flow.RunFailed || flow.KindOf(res.Err) != flow.KindValidation {
		t.Errorf("status = %s kind = %s, want failed validation", res.Status, flow.KindOf(res.Err))
	}
}
