package trigger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dshills/duraflow/flow"
	"github.com/dshills/duraflow/flow/trigger"
)

func TestTokenBucket(t *testing.T) {
	base := time.Unix(1000, 0)

	t.Run("starts full", func(t *testing.T) {
		b := trigger.NewTokenBucket(3, 1, base)
		for i := 0; i < 3; i++ {
			if !b.Allow(base) {
				t.Fatalf("admission %d rejected from a full bucket", i)
			}
		}
		if b.Allow(base) {
			t.Error("admission past capacity")
		}
	})

	t.Run("refills continuously", func(t *testing.T) {
		b := trigger.NewTokenBucket(2, 2, base)
		b.Allow(base)
		b.Allow(base)

		// Half a token accrued: still not a whole one.
		if b.Allow(base.Add(250 * time.Millisecond)) {
			t.Error("admitted on a fractional token")
		}
		if !b.Allow(base.Add(500 * time.Millisecond)) {
			t.Error("rejected after a whole token accrued")
		}
	})

	t.Run("refill caps at capacity", func(t *testing.T) {
		b := trigger.NewTokenBucket(2, 100, base)
		if got := b.Available(base.Add(time.Hour)); got != 2 {
			t.Errorf("Available = %d, want capacity", got)
		}
	})

	t.Run("zero rate never refills", func(t *testing.T) {
		b := trigger.NewTokenBucket(1, 0, base)
		b.Allow(base)
		if b.Allow(base.Add(time.Hour)) {
			t.Error("admitted from a non-refilling bucket")
		}
	})

	// Admissions over any interval stay within capacity + rate*elapsed.
	t.Run("admission bound", func(t *testing.T) {
		const (
			capacity = 5
			rate     = 10.0
		)
		b := trigger.NewTokenBucket(capacity, rate, base)
		admitted := 0
		elapsed := 2 * time.Second
		for offset := time.Duration(0); offset <= elapsed; offset += 10 * time.Millisecond {
			if b.Allow(base.Add(offset)) {
				admitted++
			}
		}
		bound := capacity + int(rate*elapsed.Seconds())
		if admitted > bound {
			t.Errorf("admitted = %d, bound = %d", admitted, bound)
		}
	})
}

func TestSlidingWindow(t *testing.T) {
	base := time.Unix(1000, 0)
	w := trigger.NewSlidingWindow(2, time.Minute)

	if !w.Allow(base) || !w.Allow(base.Add(10*time.Second)) {
		t.Fatal("admissions under the limit rejected")
	}
	if w.Allow(base.Add(20 * time.Second)) {
		t.Error("admission over the limit")
	}

	// The first admission ages out exactly at the boundary.
	if !w.Allow(base.Add(60 * time.Second)) {
		t.Error("rejected after the oldest admission left the window")
	}
	if got := w.InWindow(base.Add(60 * time.Second)); got != 2 {
		t.Errorf("InWindow = %d, want 2", got)
	}
}

func submitRecorder() (*[]string, trigger.SubmitFunc) {
	var submitted []string
	return &submitted, func(_ context.Context, workflowID string, input flow.State) (string, error) {
		submitted = append(submitted, workflowID)
		return fmt.Sprintf("run-%d", len(submitted)), nil
	}
}

func TestWebhook(t *testing.T) {
	secret := []byte("s3cret")
	body := []byte(`{"order_id": "ord_1", "amount": 42}`)

	newHandler := func(submit trigger.SubmitFunc, limiter trigger.Limiter) *trigger.Webhook {
		return trigger.NewWebhook(trigger.WebhookConfig{
			WorkflowID: "ingest@v1",
			Secret:     secret,
			Limiter:    limiter,
		}, submit)
	}

	post := func(h http.Handler, body []byte, sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/hooks/ingest", bytes.NewReader(body))
		if sig != "" {
			req.Header.Set(trigger.SignatureHeader, sig)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	t.Run("accepts signed request", func(t *testing.T) {
		var got flow.State
		h := newHandler(func(_ context.Context, wf string, input flow.State) (string, error) {
			got = input
			return "run-1", nil
		}, nil)

		rec := post(h, body, trigger.Sign(secret, body))
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", rec.Code)
		}
		var resp map[string]string
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp["run_id"] != "run-1" {
			t.Errorf("response = %v", resp)
		}

		payload, ok := got["webhook"].(map[string]any)
		if !ok {
			t.Fatalf("webhook input = %T", got["webhook"])
		}
		if payload["order_id"] != "ord_1" {
			t.Errorf("payload = %v", payload)
		}
		if got.GetString("_trigger.received_at") == "" {
			t.Error("received_at missing")
		}
	})

	t.Run("rejects bad signature", func(t *testing.T) {
		submitted, submit := submitRecorder()
		h := newHandler(submit, nil)

		cases := []struct {
			name string
			sig  string
		}{
			{"missing", ""},
			{"not hex", "zzzz"},
			{"wrong body", trigger.Sign(secret, []byte("other"))},
			{"wrong secret", trigger.Sign([]byte("guess"), body)},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				if rec := post(h, body, tc.sig); rec.Code != http.StatusUnauthorized {
					t.Errorf("status = %d, want 401", rec.Code)
				}
			})
		}
		if len(*submitted) != 0 {
			t.Errorf("submitted = %v, want none", *submitted)
		}
	})

	t.Run("rejects non-post", func(t *testing.T) {
		_, submit := submitRecorder()
		h := newHandler(submit, nil)
		req := httptest.NewRequest(http.MethodGet, "/hooks/ingest", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", rec.Code)
		}
		if rec.Header().Get("Allow") != http.MethodPost {
			t.Errorf("Allow = %q", rec.Header().Get("Allow"))
		}
	})

	t.Run("rate limits", func(t *testing.T) {
		submitted, submit := submitRecorder()
		h := newHandler(submit, trigger.NewTokenBucket(1, 0, time.Now()))

		if rec := post(h, body, trigger.Sign(secret, body)); rec.Code != http.StatusAccepted {
			t.Fatalf("first status = %d", rec.Code)
		}
		if rec := post(h, body, trigger.Sign(secret, body)); rec.Code != http.StatusTooManyRequests {
			t.Errorf("second status = %d, want 429", rec.Code)
		}
		if len(*submitted) != 1 {
			t.Errorf("submitted = %d, want 1", len(*submitted))
		}
	})

	t.Run("caps body size", func(t *testing.T) {
		_, submit := submitRecorder()
		h := trigger.NewWebhook(trigger.WebhookConfig{
			WorkflowID: "ingest@v1",
			MaxBody:    16,
		}, submit)
		big := bytes.Repeat([]byte("x"), 64)
		if rec := post(h, big, ""); rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("status = %d, want 413", rec.Code)
		}
	})

	t.Run("non-json body carried as string", func(t *testing.T) {
		var got flow.State
		h := trigger.NewWebhook(trigger.WebhookConfig{WorkflowID: "ingest@v1"},
			func(_ context.Context, _ string, input flow.State) (string, error) {
				got = input
				return "run-1", nil
			})
		raw := []byte("plain text payload")
		if rec := post(h, raw, ""); rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d", rec.Code)
		}
		if got.GetString("webhook") != "plain text payload" {
			t.Errorf("webhook input = %v", got["webhook"])
		}
	})
}

func TestBus(t *testing.T) {
	ctx := context.Background()

	t.Run("one run per binding", func(t *testing.T) {
		submitted, submit := submitRecorder()
		bus := trigger.NewBus(submit)
		bus.Bind(&trigger.Binding{Event: "order.created", WorkflowID: "fulfill@v1"})
		bus.Bind(&trigger.Binding{Event: "order.created", WorkflowID: "notify@v1"})
		bus.Bind(&trigger.Binding{Event: "order.cancelled", WorkflowID: "refund@v1"})

		runIDs, err := bus.Emit(ctx, "order.created", map[string]any{"id": "ord_1"})
		if err != nil {
			t.Fatalf("Emit: %v", err)
		}
		if len(runIDs) != 2 || len(*submitted) != 2 {
			t.Errorf("runIDs = %v, submitted = %v", runIDs, *submitted)
		}
	})

	t.Run("transform shapes input", func(t *testing.T) {
		var got flow.State
		bus := trigger.NewBus(func(_ context.Context, _ string, input flow.State) (string, error) {
			got = input
			return "run-1", nil
		})
		bus.Bind(&trigger.Binding{
			Event:      "user.signup",
			WorkflowID: "onboard@v1",
			Transform: func(payload any) flow.State {
				return flow.State{"email": payload.(map[string]any)["email"]}
			},
		})

		bus.Emit(ctx, "user.signup", map[string]any{"email": "a@example.com"})
		if got.GetString("email") != "a@example.com" {
			t.Errorf("input = %v", got)
		}
	})

	t.Run("default input wraps payload", func(t *testing.T) {
		var got flow.State
		bus := trigger.NewBus(func(_ context.Context, _ string, input flow.State) (string, error) {
			got = input
			return "run-1", nil
		})
		bus.Bind(&trigger.Binding{Event: "ping", WorkflowID: "pong@v1"})

		bus.Emit(ctx, "ping", "payload-value")
		if got.GetString("event") != "ping" || got["payload"] != "payload-value" {
			t.Errorf("input = %v", got)
		}
	})

	t.Run("rate limited binding skipped", func(t *testing.T) {
		submitted, submit := submitRecorder()
		bus := trigger.NewBus(submit)
		bus.Bind(&trigger.Binding{
			Event:      "tick",
			WorkflowID: "metered@v1",
			Limiter:    trigger.NewTokenBucket(1, 0, time.Now()),
		})

		bus.Emit(ctx, "tick", nil)
		runIDs, err := bus.Emit(ctx, "tick", nil)
		if err != nil {
			t.Fatalf("Emit: %v", err)
		}
		if len(runIDs) != 0 || len(*submitted) != 1 {
			t.Errorf("runIDs = %v, submitted = %v", runIDs, *submitted)
		}
	})

	t.Run("submit failure reported after all bindings", func(t *testing.T) {
		failed := errors.New("queue down")
		calls := 0
		bus := trigger.NewBus(func(_ context.Context, wf string, _ flow.State) (string, error) {
			calls++
			if wf == "bad@v1" {
				return "", failed
			}
			return "run-ok", nil
		})
		bus.Bind(&trigger.Binding{Event: "e", WorkflowID: "bad@v1"})
		bus.Bind(&trigger.Binding{Event: "e", WorkflowID: "good@v1"})

		runIDs, err := bus.Emit(ctx, "e", nil)
		if !errors.Is(err, failed) {
			t.Errorf("err = %v, want the submit failure", err)
		}
		if calls != 2 || len(runIDs) != 1 {
			t.Errorf("calls = %d, runIDs = %v; want every binding tried", calls, runIDs)
		}
	})

	t.Run("unbind", func(t *testing.T) {
		submitted, submit := submitRecorder()
		bus := trigger.NewBus(submit)
		bus.Bind(&trigger.Binding{Event: "e", WorkflowID: "a@v1"})
		bus.Bind(&trigger.Binding{Event: "e", WorkflowID: "b@v1"})
		bus.Unbind("e", "a@v1")

		bus.Emit(ctx, "e", nil)
		if len(*submitted) != 1 || (*submitted)[0] != "b@v1" {
			t.Errorf("submitted = %v, want only b@v1", *submitted)
		}
	})
}

func TestCronScheduler(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 9, 30, 30, 0, time.UTC)

	t.Run("fires due triggers", func(t *testing.T) {
		clk := flow.NewFakeClock(start)
		var inputs []flow.State
		sched := trigger.NewCronScheduler(func(_ context.Context, wf string, input flow.State) (string, error) {
			inputs = append(inputs, input)
			return "run-1", nil
		}, trigger.WithCronClock(clk))

		err := sched.Add(&trigger.CronTrigger{
			ID:         "nightly",
			WorkflowID: "report@v1",
			Expr:       "* * * * *",
			Input:      flow.State{"report": "daily"},
		})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}

		next, ok := sched.NextFire("nightly")
		if !ok || !next.Equal(start.Add(30*time.Second)) {
			t.Fatalf("NextFire = %v, want next whole minute", next)
		}

		sched.Poll(ctx)
		if len(inputs) != 0 {
			t.Fatal("fired before due")
		}

		clk.Advance(time.Minute)
		sched.Poll(ctx)
		if len(inputs) != 1 {
			t.Fatalf("fires = %d, want 1", len(inputs))
		}
		if inputs[0].GetString("report") != "daily" {
			t.Errorf("input = %v", inputs[0])
		}
		if inputs[0].GetString("_trigger.fired_at") == "" {
			t.Error("fired_at missing")
		}

		// The schedule advanced; an immediate re-poll does not re-fire.
		sched.Poll(ctx)
		if len(inputs) != 1 {
			t.Errorf("fires = %d after re-poll, want 1", len(inputs))
		}
	})

	t.Run("rejects bad expression", func(t *testing.T) {
		sched := trigger.NewCronScheduler(func(context.Context, string, flow.State) (string, error) {
			return "", nil
		})
		err := sched.Add(&trigger.CronTrigger{ID: "x", WorkflowID: "wf@v1", Expr: "bogus"})
		if err == nil {
			t.Error("Add accepted a bad expression")
		}
		if err := sched.Add(&trigger.CronTrigger{Expr: "* * * * *"}); err == nil {
			t.Error("Add accepted a trigger without an ID")
		}
	})

	t.Run("rate limited fire skipped", func(t *testing.T) {
		clk := flow.NewFakeClock(start)
		submitted, submit := submitRecorder()
		sched := trigger.NewCronScheduler(submit, trigger.WithCronClock(clk))

		sched.Add(&trigger.CronTrigger{
			ID:         "busy",
			WorkflowID: "wf@v1",
			Expr:       "* * * * *",
			Limiter:    trigger.NewTokenBucket(1, 0, start),
		})

		clk.Advance(time.Minute)
		sched.Poll(ctx)
		clk.Advance(time.Minute)
		sched.Poll(ctx)

		if len(*submitted) != 1 {
			t.Errorf("submitted = %d, want 1 (second fire limited)", len(*submitted))
		}
	})

	t.Run("remove", func(t *testing.T) {
		clk := flow.NewFakeClock(start)
		submitted, submit := submitRecorder()
		sched := trigger.NewCronScheduler(submit, trigger.WithCronClock(clk))

		sched.Add(&trigger.CronTrigger{ID: "gone", WorkflowID: "wf@v1", Expr: "* * * * *"})
		sched.Remove("gone")
		if _, ok := sched.NextFire("gone"); ok {
			t.Error("removed trigger still present")
		}

		clk.Advance(time.Minute)
		sched.Poll(ctx)
		if len(*submitted) != 0 {
			t.Errorf("submitted = %v, want none", *submitted)
		}
	})
}
