// Package store provides persistence for runs and checkpoints.
//
// Two interfaces cover the engine's durability needs:
//
//   - CheckpointStore holds the per-run execution snapshots written
//     after every wave. The latest checkpoint is everything needed to
//     resume a run: merged state, completed node set, loop counters,
//     and the suspension record when the run is parked.
//   - RunStore holds the run lifecycle records the run manager tracks:
//     status, priority, usage counters, heartbeats for orphan
//     detection.
//
// Backends: in-memory (memory.go, for tests and single-process use),
// SQLite in WAL mode (sqlite.go, zero-setup local durability), and
// MySQL (mysql.go, shared multi-process durability).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run or checkpoint does not
// exist.
var ErrNotFound = errors.New("not found")

// Checkpoint is one durable execution snapshot, written after each
// completed wave. Seq increases by one per checkpoint within a run;
// the highest Seq is the resume point.
type Checkpoint struct {
	// RunID identifies the run this snapshot belongs to.
	RunID string `json:"run_id"`

	// Seq is the 1-based checkpoint sequence number within the run.
	Seq int `json:"seq"`

	// Wave is the scheduler wave the snapshot was taken after.
	Wave int `json:"wave"`

	// Status is the run status at snapshot time ("running", "waiting").
	Status string `json:"status"`

	// State is the merged shared state after the wave.
	State map[string]any `json:"state"`

	// Completed lists node names that have finished, in completion
	// order.
	Completed []string `json:"completed"`

	// LoopCounts tracks iterations per loop edge, keyed by the edge's
	// index in the workflow definition (stringified for JSON).
	LoopCounts map[string]int `json:"loop_counts,omitempty"`

	// Suspended records why the run is parked, when Status is
	// "waiting".
	Suspended *SuspensionRecord `json:"suspended,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// SuspensionRecord captures a parked run's wait.
type SuspensionRecord struct {
	// Node is the suspending node; it re-executes on resume.
	Node string `json:"node"`

	// Reason is the suspension tag ("timer", "approval").
	Reason string `json:"reason"`

	// ResumeAt is the earliest expected resume instant, when known.
	ResumeAt time.Time `json:"resume_at,omitempty"`
}

// CheckpointStore persists checkpoints.
type CheckpointStore interface {
	// Save persists cp. Saving the same (RunID, Seq) twice overwrites.
	Save(ctx context.Context, cp *Checkpoint) error

	// Latest returns the highest-Seq checkpoint for runID, or
	// ErrNotFound.
	Latest(ctx context.Context, runID string) (*Checkpoint, error)

	// Load returns the checkpoint at a specific sequence number, or
	// ErrNotFound.
	Load(ctx context.Context, runID string, seq int) (*Checkpoint, error)

	// List returns all checkpoints for runID in ascending Seq order.
	List(ctx context.Context, runID string) ([]*Checkpoint, error)

	// Delete removes every checkpoint for runID.
	Delete(ctx context.Context, runID string) error
}

// RunRecord is the run manager's view of one run.
type RunRecord struct {
	ID           string `json:"id"`
	WorkflowID   string `json:"workflow_id"`
	WorkflowName string `json:"workflow_name"`

	// Status is one of the run lifecycle states: queued, running,
	// waiting, completed, failed, cancelled, timed_out.
	Status string `json:"status"`

	// Priority orders the run manager's queue; higher runs first.
	Priority int `json:"priority"`

	// Depth is the subworkflow nesting depth, 0 for roots.
	Depth int `json:"depth"`

	// ParentRunID links a child run to the run that spawned it.
	ParentRunID string `json:"parent_run_id,omitempty"`

	// State is the final (or most recently published) merged state.
	State map[string]any `json:"state,omitempty"`

	// Error holds the terminal error message for failed runs.
	Error string `json:"error,omitempty"`

	// NodeResults lists completed node executions in completion order,
	// mirrored from the run as it finishes or parks.
	NodeResults []NodeResultRecord `json:"node_results,omitempty"`

	// TokensIn, TokensOut, and CostUSD accumulate model usage across
	// the run's agent nodes.
	TokensIn  int     `json:"tokens_in,omitempty"`
	TokensOut int     `json:"tokens_out,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	// HeartbeatAt is refreshed while a worker owns the run; a stale
	// heartbeat on a running record marks the run as orphaned.
	HeartbeatAt time.Time `json:"heartbeat_at,omitempty"`
}

// NodeResultRecord is one completed node execution on a run record.
type NodeResultRecord struct {
	Node       string        `json:"node"`
	Output     any           `json:"output,omitempty"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// RunFilter narrows RunStore.List. Zero fields match everything. From
// and To bound CreatedAt, From inclusive and To exclusive; Offset
// skips matches before Limit applies, for pagination.
type RunFilter struct {
	WorkflowID string
	Status     string
	From       time.Time
	To         time.Time
	Offset     int
	Limit      int
}

// RunStats aggregates run records created within a time range.
type RunStats struct {
	Total     int            `json:"total"`
	ByStatus  map[string]int `json:"by_status"`
	TokensIn  int            `json:"tokens_in"`
	TokensOut int            `json:"tokens_out"`
	CostUSD   float64        `json:"cost_usd"`
}

// RunStore persists run lifecycle records.
type RunStore interface {
	// Create inserts a new run record.
	Create(ctx context.Context, r *RunRecord) error

	// Update overwrites the record with r.ID.
	Update(ctx context.Context, r *RunRecord) error

	// Get returns the record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (*RunRecord, error)

	// List returns records matching the filter, newest first.
	List(ctx context.Context, f RunFilter) ([]*RunRecord, error)

	// Stats aggregates records created in [from, to); zero bounds are
	// open-ended.
	Stats(ctx context.Context, from, to time.Time) (*RunStats, error)

	// Heartbeat stamps the record's HeartbeatAt.
	Heartbeat(ctx context.Context, id string, at time.Time) error

	// Orphans returns runs whose status is running or waiting and whose
	// heartbeat is older than cutoff.
	Orphans(ctx context.Context, cutoff time.Time) ([]*RunRecord, error)
}
