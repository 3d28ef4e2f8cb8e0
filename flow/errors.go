// Package flow provides the core execution engine for Duraflow: typed
// workflow graphs, a dependency-aware parallel scheduler, and a durable
// executor that wraps every node dispatch in a reliability envelope.
package flow

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the engine's taxonomy. Kinds are stable
// machine-readable identifiers; they appear on run records, dead-letter
// entries, and span attributes.
type Kind string

const (
	// KindValidation indicates a malformed workflow definition: missing
	// node, duplicate node, dangling edge, or a cycle outside a loop
	// edge. Fatal at workflow build time.
	KindValidation Kind = "validation"

	// KindExecution indicates a user-code failure inside a node.
	// Retry-eligible unless marked non-retryable.
	KindExecution Kind = "execution"

	// KindTimeout indicates a per-attempt deadline was exceeded.
	// Retryable by default.
	KindTimeout Kind = "timeout"

	// KindCancelled indicates run-level cancellation. Non-retryable and
	// terminal.
	KindCancelled Kind = "cancelled"

	// KindUpstreamOpen indicates the node's circuit breaker rejected the
	// call. Not retried locally.
	KindUpstreamOpen Kind = "upstream_open"

	// KindApprovalTimeout indicates an approval deadline passed without a
	// response and the request's timeout action was "fail".
	KindApprovalTimeout Kind = "approval_timeout"

	// KindMaxDepth indicates the subworkflow nesting limit was exceeded.
	KindMaxDepth Kind = "max_depth"

	// KindIterationLimit indicates the executor exceeded MaxIterations.
	KindIterationLimit Kind = "iteration_limit"

	// KindOrphan indicates a run found in running status on startup with
	// no owning executor.
	KindOrphan Kind = "orphan"
)

// Sentinel errors for the taxonomy. Wrap these (or use Errorf) so that
// callers can test with errors.Is.
var (
	ErrCancelled       = errors.New("run cancelled")
	ErrUpstreamOpen    = errors.New("circuit breaker open")
	ErrApprovalTimeout = errors.New("approval deadline exceeded")
	ErrMaxDepth        = errors.New("subworkflow max depth exceeded")
	ErrIterationLimit  = errors.New("iteration limit exceeded")
	ErrOrphaned        = errors.New("run orphaned")
	ErrNodeTimeout     = errors.New("node deadline exceeded")
)

// Error is a structured engine error carrying the taxonomy kind and the
// node it originated from (empty for run-level errors).
type Error struct {
	Kind Kind
	Node string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("%s: node %s: %v", e.Kind, e.Node, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error with a formatted cause.
func Errorf(kind Kind, node, format string, args ...any) *Error {
	return &Error{Kind: kind, Node: node, Err: fmt.Errorf(format, args...)}
}

// WrapError attaches kind and node to an existing error. A nil err
// returns nil. If err is already an *Error its kind is preserved.
func WrapError(kind Kind, node string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Node == "" && node != "" {
			return &Error{Kind: fe.Kind, Node: node, Err: fe.Err}
		}
		return err
	}
	return &Error{Kind: kind, Node: node, Err: err}
}

// KindOf extracts the taxonomy kind from an error chain. Unclassified
// errors report KindExecution; nil reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrUpstreamOpen):
		return KindUpstreamOpen
	case errors.Is(err, ErrApprovalTimeout):
		return KindApprovalTimeout
	case errors.Is(err, ErrMaxDepth):
		return KindMaxDepth
	case errors.Is(err, ErrIterationLimit):
		return KindIterationLimit
	case errors.Is(err, ErrOrphaned):
		return KindOrphan
	case errors.Is(err, ErrNodeTimeout):
		return KindTimeout
	}
	return KindExecution
}

// nonRetryable marks an error as ineligible for retry regardless of the
// retry policy in force.
type nonRetryable struct{ err error }

func (n *nonRetryable) Error() string { return n.err.Error() }
func (n *nonRetryable) Unwrap() error { return n.err }

// NonRetryable wraps err so the retry loop will not re-attempt it.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryable{err: err}
}

// Retryable reports whether the retry loop may re-attempt err under the
// default classification: cancellation, breaker rejection, validation
// failures, and explicitly marked errors escape immediately; execution
// and timeout errors are retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var nr *nonRetryable
	if errors.As(err, &nr) {
		return false
	}
	switch KindOf(err) {
	case KindCancelled, KindUpstreamOpen, KindValidation, KindMaxDepth,
		KindIterationLimit, KindApprovalTimeout:
		return false
	}
	return true
}
