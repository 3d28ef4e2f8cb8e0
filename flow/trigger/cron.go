package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/duraflow/flow"
	"github.com/dshills/duraflow/flow/timer"
)

// CronTrigger binds a cron expression to a workflow. The scheduler
// enqueues a run each time the expression fires.
type CronTrigger struct {
	ID         string
	WorkflowID string
	Expr       string

	// Input is merged over the workflow's initial state on each fire.
	// The fire instant is added under "_trigger.fired_at".
	Input flow.State

	// Limiter, when set, drops fires that exceed the admission rate.
	Limiter Limiter

	schedule *timer.Schedule
	next     time.Time
}

// CronScheduler owns a set of cron triggers and fires them as their
// schedules come due.
type CronScheduler struct {
	submit   SubmitFunc
	clock    flow.Clock
	interval time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	triggers map[string]*CronTrigger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// CronOption configures a CronScheduler.
type CronOption func(*CronScheduler)

// WithCronClock substitutes the scheduler's time source.
func WithCronClock(clk flow.Clock) CronOption {
	return func(s *CronScheduler) {
		if clk != nil {
			s.clock = clk
		}
	}
}

// WithCronInterval sets how often due schedules are checked (default
// 1s).
func WithCronInterval(d time.Duration) CronOption {
	return func(s *CronScheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithCronLogger sets the scheduler's logger.
func WithCronLogger(log zerolog.Logger) CronOption {
	return func(s *CronScheduler) { s.log = log }
}

// NewCronScheduler creates a stopped scheduler; call Start to begin
// firing.
func NewCronScheduler(submit SubmitFunc, opts ...CronOption) *CronScheduler {
	s := &CronScheduler{
		submit:   submit,
		clock:    flow.SystemClock(),
		interval: time.Second,
		log:      zerolog.Nop(),
		triggers: make(map[string]*CronTrigger),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add registers a trigger, parsing its expression and computing the
// first fire time.
func (s *CronScheduler) Add(t *CronTrigger) error {
	if t.ID == "" || t.WorkflowID == "" {
		return fmt.Errorf("cron trigger needs an ID and workflow")
	}
	sched, err := timer.ParseCron(t.Expr)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", t.ID, err)
	}
	t.schedule = sched
	t.next = sched.Next(s.clock.Now())
	s.mu.Lock()
	s.triggers[t.ID] = t
	s.mu.Unlock()
	return nil
}

// Remove unregisters a trigger. Removing an unknown ID is not an
// error.
func (s *CronScheduler) Remove(id string) {
	s.mu.Lock()
	delete(s.triggers, id)
	s.mu.Unlock()
}

// NextFire returns the next computed fire time for a trigger.
func (s *CronScheduler) NextFire(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return time.Time{}, false
	}
	return t.next, true
}

// Start launches the firing loop.
func (s *CronScheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-s.clock.After(s.interval):
				s.Poll(ctx)
			}
		}
	}()
}

// Stop halts the firing loop and waits for it to exit.
func (s *CronScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Poll fires every due trigger once and advances its schedule.
// Exported so tests can drive firing with a fake clock.
func (s *CronScheduler) Poll(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	var due []*CronTrigger
	for _, t := range s.triggers {
		if !t.next.IsZero() && !t.next.After(now) {
			due = append(due, t)
			t.next = t.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		if t.Limiter != nil && !t.Limiter.Allow(now) {
			s.log.Warn().Str("trigger_id", t.ID).Msg("cron fire rate limited")
			continue
		}
		input := t.Input.Clone()
		input["_trigger.fired_at"] = now.Format(time.RFC3339Nano)
		runID, err := s.submit(ctx, t.WorkflowID, input)
		if err != nil {
			s.log.Error().Err(err).
				Str("trigger_id", t.ID).Str("workflow_id", t.WorkflowID).
				Msg("cron submit failed")
			continue
		}
		s.log.Info().
			Str("trigger_id", t.ID).Str("run_id", runID).
			Msg("cron trigger fired")
	}
}
