package timer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/duraflow/flow"
	"github.com/dshills/duraflow/flow/emit"
)

// ResumeFunc resumes a parked run with a state patch. The run manager
// supplies this; it enqueues the resume rather than executing inline.
type ResumeFunc func(ctx context.Context, runID string, patch flow.State) error

// Manager polls the timer store and resumes runs whose timers are due.
// One manager per process is enough; MarkFired is the claim that keeps
// concurrent managers from double-firing an entry.
type Manager struct {
	store    Store
	resume   ResumeFunc
	clock    flow.Clock
	interval time.Duration
	emitter  emit.Emitter
	log      zerolog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPollInterval sets how often the store is polled (default 1s).
func WithPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithClock substitutes the manager's time source.
func WithClock(clk flow.Clock) ManagerOption {
	return func(m *Manager) {
		if clk != nil {
			m.clock = clk
		}
	}
}

// WithEmitter streams timer:fired events.
func WithEmitter(em emit.Emitter) ManagerOption {
	return func(m *Manager) {
		if em != nil {
			m.emitter = em
		}
	}
}

// WithLogger sets the manager's logger.
func WithLogger(log zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// NewManager creates a stopped manager; call Start to begin polling.
func NewManager(st Store, resume ResumeFunc, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    st,
		resume:   resume,
		clock:    flow.SystemClock(),
		interval: time.Second,
		emitter:  emit.Null{},
		log:      zerolog.Nop(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start launches the polling loop. It returns immediately; the loop
// runs until ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-m.clock.After(m.interval):
				m.Poll(ctx)
			}
		}
	}()
}

// Stop halts the polling loop and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// Poll fires every due timer once. Exported so tests (and callers
// preferring their own ticker) can drive firing directly.
func (m *Manager) Poll(ctx context.Context) {
	now := m.clock.Now()
	due, err := m.store.Due(ctx, now)
	if err != nil {
		m.log.Error().Err(err).Msg("timer poll failed")
		return
	}
	for _, e := range due {
		// Claim before resuming: a second manager polling the same store
		// sees the entry fired and skips it.
		if err := m.store.MarkFired(ctx, e.ID, now); err != nil {
			continue
		}
		m.emitter.Emit(emit.Event{
			Type: emit.TimerFired, RunID: e.RunID, WorkflowID: e.WorkflowID,
			Node: e.Node,
			Meta: map[string]any{"timer_id": e.ID, "kind": string(e.Kind)},
			At:   now,
		})
		if err := m.resume(ctx, e.RunID, FirePatch(e.Node, now)); err != nil {
			m.log.Error().Err(err).
				Str("run_id", e.RunID).Str("node", e.Node).
				Msg("timer resume failed")
		}
	}
}
