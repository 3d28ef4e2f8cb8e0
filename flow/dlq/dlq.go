// Package dlq is the dead letter queue: the terminal parking lot for
// node executions that exhausted their retry budget. Entries carry
// enough context (state snapshot, attempt count, error) to be
// inspected and replayed later.
package dlq

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an entry ID does not exist.
var ErrNotFound = errors.New("dead letter entry not found")

// Entry is one dead-lettered node execution.
type Entry struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	WorkflowID string         `json:"workflow_id"`
	Node       string         `json:"node"`
	Attempts   int            `json:"attempts"`
	Error      string         `json:"error"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	State      map[string]any `json:"state,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`

	// Replayed marks entries that have been re-driven through a run
	// manager replay. Replayed entries are skipped by later replays but
	// kept until purged.
	Replayed   bool      `json:"replayed,omitempty"`
	ReplayedAt time.Time `json:"replayed_at,omitempty"`
}

// Filter narrows List and Purge. Zero fields match everything.
type Filter struct {
	RunID      string
	WorkflowID string
	Node       string

	// Before matches entries created strictly before the instant.
	Before time.Time

	// IncludeReplayed widens List to entries already replayed.
	IncludeReplayed bool

	// Limit caps List results. Zero means no cap.
	Limit int
}

// Match reports whether e satisfies the filter, ignoring Limit.
func (f Filter) Match(e *Entry) bool {
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Node != "" && e.Node != f.Node {
		return false
	}
	if !f.Before.IsZero() && !e.CreatedAt.Before(f.Before) {
		return false
	}
	if e.Replayed && !f.IncludeReplayed {
		return false
	}
	return true
}

// Queue persists dead letter entries.
type Queue interface {
	// Enqueue appends an entry. The entry's ID must be set by the caller.
	Enqueue(ctx context.Context, e *Entry) error

	// Get returns one entry by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*Entry, error)

	// List returns entries matching the filter, oldest first.
	List(ctx context.Context, f Filter) ([]*Entry, error)

	// Count reports how many entries match the filter, ignoring Limit.
	Count(ctx context.Context, f Filter) (int, error)

	// Drain removes entries matching the filter and returns them oldest
	// first, for bulk replay or export.
	Drain(ctx context.Context, f Filter) ([]*Entry, error)

	// MarkReplayed stamps an entry as replayed at the given instant.
	MarkReplayed(ctx context.Context, id string, at time.Time) error

	// Purge deletes entries matching the filter and reports how many
	// were removed.
	Purge(ctx context.Context, f Filter) (int, error)
}
