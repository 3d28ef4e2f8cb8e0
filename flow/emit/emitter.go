// Package emit defines the engine's observability event stream.
//
// The executor emits one Event per lifecycle transition (run started,
// node started, node completed, node failed, run finished). Emitters
// fan these out to logs, metrics, traces, or user callbacks. Emit is
// called on the executor's hot path, so emitters must be fast and must
// never block; buffer or drop instead.
package emit

import "time"

// Event types emitted by the executor.
const (
	RunStart     = "run:start"
	RunComplete  = "run:complete"
	RunError     = "run:error"
	RunWaiting   = "run:waiting"
	RunResumed   = "run:resumed"
	RunCancelled = "run:cancelled"

	NodeStart    = "node:start"
	NodeComplete = "node:complete"
	NodeError    = "node:error"
	NodeRetry    = "node:retry"
	NodeSkipped  = "node:skipped"

	BreakerOpen   = "breaker:open"
	BreakerClose  = "breaker:close"
	Compensation  = "saga:compensation"
	DeadLettered  = "dlq:enqueued"
	TimerFired    = "timer:fired"
	ApprovalAsked = "approval:requested"
)

// Event is one observability record.
type Event struct {
	// Type is one of the constants above.
	Type string `json:"type"`

	// RunID and WorkflowID locate the event.
	RunID      string `json:"run_id"`
	WorkflowID string `json:"workflow_id,omitempty"`

	// Node is set for node-scoped events.
	Node string `json:"node,omitempty"`

	// Wave is the scheduler wave for node events.
	Wave int `json:"wave,omitempty"`

	// Attempt is the retry attempt for node events.
	Attempt int `json:"attempt,omitempty"`

	// Err is the error message for error events.
	Err string `json:"err,omitempty"`

	// Output carries the node output on completion events, when the
	// emitter was configured to include it.
	Output any `json:"output,omitempty"`

	// Meta holds event-specific extras (timer IDs, approval IDs,
	// breaker states).
	Meta map[string]any `json:"meta,omitempty"`

	At time.Time `json:"at"`
}

// Emitter receives engine events. Implementations must be safe for
// concurrent use and must not block.
type Emitter interface {
	Emit(e Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(e Event)

// Emit calls the function.
func (f EmitterFunc) Emit(e Event) { f(e) }

// Null discards every event.
type Null struct{}

// Emit does nothing.
func (Null) Emit(Event) {}

// Multi fans one event out to several emitters in order.
type Multi []Emitter

// Emit forwards e to every child.
func (m Multi) Emit(e Event) {
	for _, em := range m {
		em.Emit(e)
	}
}
