// Package approval implements human-in-the-loop gates: a workflow
// parks until a named approver (or a quorum of them) responds, with
// deadline handling that can auto-approve, auto-reject, escalate to a
// different approver set, or fail the run.
package approval

import (
	"context"
	"errors"
	"time"
)

// Errors returned by stores and the manager.
var (
	ErrNotFound        = errors.New("approval request not found")
	ErrResolved        = errors.New("approval request already resolved")
	ErrNotApprover     = errors.New("responder is not an approver for this request")
	ErrInvalidResponse = errors.New("response does not match request type")
)

// Status is an approval request's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusEscalated Status = "escalated"
)

// Terminal reports whether the status admits no further responses.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// RequestType selects what a response must carry.
type RequestType string

const (
	// TypeApproveReject takes a bare yes/no decision; the zero value.
	TypeApproveReject RequestType = "approve_reject"

	// TypeChoice takes one of the request's Options as the response
	// value.
	TypeChoice RequestType = "choice"

	// TypeFreeForm takes a non-empty text answer as the response value.
	TypeFreeForm RequestType = "free_form"

	// TypeRating takes an integer from 1 to RatingScale as the response
	// value.
	TypeRating RequestType = "rating"
)

// TimeoutAction selects what happens when the deadline passes without
// resolution.
type TimeoutAction string

const (
	// TimeoutApprove resolves the request approved.
	TimeoutApprove TimeoutAction = "approve"

	// TimeoutReject resolves the request rejected.
	TimeoutReject TimeoutAction = "reject"

	// TimeoutEscalate re-targets the request at the escalation
	// approvers with a fresh deadline; the run stays parked.
	TimeoutEscalate TimeoutAction = "escalate"

	// TimeoutFail expires the request; the waiting node fails the run
	// with an approval_timeout error.
	TimeoutFail TimeoutAction = "fail"
)

// Response is one approver's decision. An approving response to a
// typed request carries its answer in Value; a response with
// DelegateTo set re-targets the request instead of deciding it.
type Response struct {
	Approver   string    `json:"approver"`
	Approve    bool      `json:"approve"`
	Comment    string    `json:"comment,omitempty"`
	Value      any       `json:"value,omitempty"`
	DelegateTo string    `json:"delegate_to,omitempty"`
	At         time.Time `json:"at"`
}

// Delegation records one re-targeting of a request.
type Delegation struct {
	From    string    `json:"from"`
	To      string    `json:"to"`
	Comment string    `json:"comment,omitempty"`
	At      time.Time `json:"at"`
}

// ChainStep is one stage of a sequential approval chain. Each step
// files its own request; approval advances to the next step, and any
// rejection or expiry terminates the whole chain with that outcome.
type ChainStep struct {
	Approvers         []string      `json:"approvers"`
	MinApprovals      int           `json:"min_approvals,omitempty"`
	Timeout           time.Duration `json:"timeout,omitempty"`
	TimeoutAction     TimeoutAction `json:"timeout_action,omitempty"`
	EscalateTo        []string      `json:"escalate_to,omitempty"`
	EscalationTimeout time.Duration `json:"escalation_timeout,omitempty"`
}

// Request is one pending (or resolved) approval.
type Request struct {
	ID         string `json:"id"`
	RunID      string `json:"run_id"`
	WorkflowID string `json:"workflow_id"`
	Node       string `json:"node"`

	Title    string         `json:"title,omitempty"`
	Message  string         `json:"message,omitempty"`
	Priority int            `json:"priority,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Type selects the response form (default approve_reject). Options
	// lists the valid answers for choice requests; RatingScale caps
	// rating answers (default 5).
	Type        RequestType `json:"type,omitempty"`
	Options     []string    `json:"options,omitempty"`
	RatingScale int         `json:"rating_scale,omitempty"`

	// Approvers may respond. MinApprovals approvals resolve the request
	// approved (default 1); a single rejection resolves it rejected.
	Approvers    []string `json:"approvers"`
	MinApprovals int      `json:"min_approvals,omitempty"`

	// Deadline, TimeoutAction, and the escalation parameters govern
	// expiry. EscalatedFrom links a derived request to its original.
	Deadline          time.Time     `json:"deadline,omitempty"`
	TimeoutAction     TimeoutAction `json:"timeout_action,omitempty"`
	EscalateTo        []string      `json:"escalate_to,omitempty"`
	EscalationTimeout time.Duration `json:"escalation_timeout,omitempty"`
	EscalatedFrom     string        `json:"escalated_from,omitempty"`

	// Delegations records re-targetings: each one replaced the
	// delegating approver with the delegate while the request stayed
	// pending.
	Delegations []Delegation `json:"delegations,omitempty"`

	// Chain holds the remaining steps of a sequential approval chain;
	// ChainIndex/ChainTotal locate this request within it, and ChainOf
	// links back to the chain's first request. Approving a chained
	// request files the next step instead of resuming the run.
	Chain      []ChainStep `json:"chain,omitempty"`
	ChainIndex int         `json:"chain_index,omitempty"`
	ChainTotal int         `json:"chain_total,omitempty"`
	ChainOf    string      `json:"chain_of,omitempty"`

	Status     Status     `json:"status"`
	Responses  []Response `json:"responses,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt time.Time  `json:"resolved_at,omitempty"`
}

// HasApprover reports whether name may respond to the request.
func (r *Request) HasApprover(name string) bool {
	for _, a := range r.Approvers {
		if a == name {
			return true
		}
	}
	return false
}

// quorum returns the approvals needed to resolve approved.
func (r *Request) quorum() int {
	if r.MinApprovals > 1 {
		return r.MinApprovals
	}
	return 1
}

// apply records one response and returns the resulting status. An
// approver's repeated responses are ignored after the first: the first
// writer wins.
func (r *Request) apply(resp Response) Status {
	for _, prev := range r.Responses {
		if prev.Approver == resp.Approver {
			return r.Status
		}
	}
	r.Responses = append(r.Responses, resp)
	if !resp.Approve {
		r.Status = StatusRejected
		r.ResolvedAt = resp.At
		return r.Status
	}
	approvals := 0
	for _, p := range r.Responses {
		if p.Approve {
			approvals++
		}
	}
	if approvals >= r.quorum() {
		r.Status = StatusApproved
		r.ResolvedAt = resp.At
	}
	return r.Status
}

// validateResponse checks a response's payload against the request
// type. Rejections and delegations need no value; an approval's value
// must fit the declared form.
func (r *Request) validateResponse(resp Response) error {
	if resp.DelegateTo != "" {
		if resp.DelegateTo == resp.Approver {
			return ErrInvalidResponse
		}
		return nil
	}
	if !resp.Approve {
		return nil
	}
	switch r.Type {
	case "", TypeApproveReject:
		return nil
	case TypeChoice:
		s, ok := resp.Value.(string)
		if !ok {
			return ErrInvalidResponse
		}
		for _, opt := range r.Options {
			if opt == s {
				return nil
			}
		}
		return ErrInvalidResponse
	case TypeFreeForm:
		s, ok := resp.Value.(string)
		if !ok || s == "" {
			return ErrInvalidResponse
		}
		return nil
	case TypeRating:
		var n int
		switch v := resp.Value.(type) {
		case int:
			n = v
		case float64:
			if v != float64(int(v)) {
				return ErrInvalidResponse
			}
			n = int(v)
		default:
			return ErrInvalidResponse
		}
		scale := r.RatingScale
		if scale <= 0 {
			scale = 5
		}
		if n < 1 || n > scale {
			return ErrInvalidResponse
		}
		return nil
	default:
		return ErrInvalidResponse
	}
}

// delegate re-targets the request: the delegating approver is replaced
// by the delegate and the handoff is recorded. The request stays
// pending with its deadline intact.
func (r *Request) delegate(resp Response) {
	for i, a := range r.Approvers {
		if a == resp.Approver {
			r.Approvers[i] = resp.DelegateTo
		}
	}
	r.Delegations = append(r.Delegations, Delegation{
		From:    resp.Approver,
		To:      resp.DelegateTo,
		Comment: resp.Comment,
		At:      resp.At,
	})
}

// Store persists approval requests. Respond must apply responses
// atomically per request so racing approvers resolve first-writer-wins.
type Store interface {
	// Create inserts a pending request.
	Create(ctx context.Context, r *Request) error

	// Get returns the request for id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Request, error)

	// Respond applies one decision and returns the updated request. A
	// response with DelegateTo set re-targets the request instead of
	// deciding it. Respond returns ErrResolved for terminal requests,
	// ErrNotApprover when the responder is not in the approver set, and
	// ErrInvalidResponse when the payload does not fit the request type.
	Respond(ctx context.Context, id string, resp Response) (*Request, error)

	// Resolve forces a terminal or escalated status (deadline
	// handling). It returns the updated request.
	Resolve(ctx context.Context, id string, status Status, at time.Time) (*Request, error)

	// PendingFor returns pending requests a given approver may act on,
	// oldest first.
	PendingFor(ctx context.Context, approver string) ([]*Request, error)

	// Expired returns pending requests whose deadline passed at now.
	Expired(ctx context.Context, now time.Time) ([]*Request, error)
}
