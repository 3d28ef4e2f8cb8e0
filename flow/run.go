package flow

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is a run's position in its lifecycle.
type RunStatus string

const (
	// RunQueued means the run is accepted but not yet dispatched.
	RunQueued RunStatus = "queued"

	// RunRunning means the executor is actively scheduling waves.
	RunRunning RunStatus = "running"

	// RunWaiting means the run is parked on a timer or approval and
	// holds no goroutine.
	RunWaiting RunStatus = "waiting"

	// RunCompleted, RunFailed, RunCancelled, and RunTimedOut are
	// terminal.
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunTimedOut  RunStatus = "timed_out"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunTimedOut:
		return true
	}
	return false
}

// NewRunID returns a time-ordered unique run identifier. UUIDv7 keeps
// run listings naturally sorted by creation time.
func NewRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Usage accumulates model token and cost counters across a run.
type Usage struct {
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
}

// Add merges another usage sample in.
func (u *Usage) Add(tokensIn, tokensOut int, costUSD float64) {
	u.TokensIn += tokensIn
	u.TokensOut += tokensOut
	u.CostUSD += costUSD
}

// RunResult is the outcome of one Run or Resume call.
type RunResult struct {
	// RunID identifies the run; pass it to Resume.
	RunID string

	// Status is the run status at return: RunCompleted, RunFailed,
	// RunCancelled, RunTimedOut, or RunWaiting for a parked run.
	Status RunStatus

	// State is the merged shared state at return.
	State State

	// Outputs records completed node executions in completion order.
	Outputs []NodeOutput

	// Err is the terminal error for failed runs.
	Err error

	// Suspended describes the wait for RunWaiting results.
	Suspended *Suspension

	// SuspendedNode is the node that parked the run, for RunWaiting
	// results. It re-executes on resume.
	SuspendedNode string

	// Compensations lists saga rollback outcomes for failed runs.
	Compensations []CompensationOutcome

	// Waves is the number of scheduler waves executed.
	Waves int

	// Usage totals model consumption across agent nodes.
	Usage Usage

	StartedAt  time.Time
	FinishedAt time.Time
}

// CompensationOutcome reports one compensating action's result.
type CompensationOutcome struct {
	Node     string
	Attempts int
	Err      error
}

// Output returns the recorded output of a named node, if present.
func (r *RunResult) Output(node string) (any, bool) {
	for i := len(r.Outputs) - 1; i >= 0; i-- {
		if r.Outputs[i].Node == node {
			return r.Outputs[i].Output, true
		}
	}
	return nil, false
}
