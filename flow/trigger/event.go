package trigger

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dshills/duraflow/flow"
)

// Binding maps an event name to a workflow. Emitting the event submits
// a run.
type Binding struct {
	Event      string
	WorkflowID string

	// Transform derives the run input from the event payload. Nil wraps
	// the payload under "event".
	Transform func(payload any) flow.State

	// Limiter, when set, drops emissions over the admission rate.
	Limiter Limiter
}

// Bus routes in-process events to workflow runs. Multiple bindings may
// share one event name; each submits its own run.
type Bus struct {
	submit SubmitFunc
	clock  flow.Clock
	log    zerolog.Logger

	mu       sync.RWMutex
	bindings map[string][]*Binding
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusClock substitutes the bus's time source.
func WithBusClock(clk flow.Clock) BusOption {
	return func(b *Bus) {
		if clk != nil {
			b.clock = clk
		}
	}
}

// WithBusLogger sets the bus's logger.
func WithBusLogger(log zerolog.Logger) BusOption {
	return func(b *Bus) { b.log = log }
}

// NewBus creates an event bus submitting through submit.
func NewBus(submit SubmitFunc, opts ...BusOption) *Bus {
	b := &Bus{
		submit:   submit,
		clock:    flow.SystemClock(),
		log:      zerolog.Nop(),
		bindings: make(map[string][]*Binding),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Bind registers a binding.
func (b *Bus) Bind(binding *Binding) error {
	if binding.Event == "" || binding.WorkflowID == "" {
		return fmt.Errorf("binding needs an event and workflow")
	}
	b.mu.Lock()
	b.bindings[binding.Event] = append(b.bindings[binding.Event], binding)
	b.mu.Unlock()
	return nil
}

// Unbind removes every binding of the event to the workflow.
func (b *Bus) Unbind(event, workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.bindings[event][:0]
	for _, bd := range b.bindings[event] {
		if bd.WorkflowID != workflowID {
			kept = append(kept, bd)
		}
	}
	if len(kept) == 0 {
		delete(b.bindings, event)
		return
	}
	b.bindings[event] = kept
}

// Emit submits one run per binding of the event and returns the run
// IDs. Rate-limited bindings are skipped; a submit failure is returned
// after the remaining bindings have been tried.
func (b *Bus) Emit(ctx context.Context, event string, payload any) ([]string, error) {
	b.mu.RLock()
	bindings := append([]*Binding(nil), b.bindings[event]...)
	b.mu.RUnlock()

	now := b.clock.Now()
	var (
		runIDs   []string
		firstErr error
	)
	for _, bd := range bindings {
		if bd.Limiter != nil && !bd.Limiter.Allow(now) {
			b.log.Warn().Str("event", event).Str("workflow_id", bd.WorkflowID).
				Msg("event emission rate limited")
			continue
		}
		input := flow.State{"event": event}
		if bd.Transform != nil {
			input = bd.Transform(payload)
		} else if payload != nil {
			input["payload"] = payload
		}
		runID, err := b.submit(ctx, bd.WorkflowID, input)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("event %s -> %s: %w", event, bd.WorkflowID, err)
			}
			continue
		}
		runIDs = append(runIDs, runID)
	}
	return runIDs, firstErr
}
