// Package timer provides durable timers: delay, absolute deadline, and
// cron-scheduled waits that survive process restarts.
//
// A timer node parks its run and records an Entry in the Store. The
// Manager polls for due entries and resumes the owning runs through a
// callback; because both the entry and the run's checkpoint are
// durable, a restart between scheduling and firing loses nothing.
package timer

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for unknown timer IDs.
var ErrNotFound = errors.New("timer not found")

// Kind is the timer variant.
type Kind string

const (
	// KindDelay fires once, a relative duration after scheduling.
	KindDelay Kind = "delay"

	// KindUntil fires once at an absolute instant.
	KindUntil Kind = "until"

	// KindCron fires repeatedly per a cron schedule. Each firing
	// resumes the run once; the node reschedules on its next execution.
	KindCron Kind = "cron"

	// KindDynamic fires once, a duration computed from run state at the
	// moment the node arms. Re-entering the node recomputes.
	KindDynamic Kind = "dynamic"
)

// Entry is one scheduled timer.
type Entry struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	WorkflowID string    `json:"workflow_id"`
	Node       string    `json:"node"`
	Kind       Kind      `json:"kind"`
	FireAt     time.Time `json:"fire_at"`
	CronExpr   string    `json:"cron_expr,omitempty"`
	Timezone   string    `json:"timezone,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Fired      bool      `json:"fired"`
	FiredAt    time.Time `json:"fired_at,omitempty"`
}

// Store persists timer entries.
type Store interface {
	// Schedule inserts an entry.
	Schedule(ctx context.Context, e *Entry) error

	// Due returns unfired entries with FireAt <= now, earliest first.
	Due(ctx context.Context, now time.Time) ([]*Entry, error)

	// MarkFired stamps an entry fired at the given instant.
	MarkFired(ctx context.Context, id string, at time.Time) error

	// Cancel deletes an unfired entry. Cancelling an unknown ID returns
	// ErrNotFound.
	Cancel(ctx context.Context, id string) error

	// Pending returns unfired entries for a run.
	Pending(ctx context.Context, runID string) ([]*Entry, error)
}
