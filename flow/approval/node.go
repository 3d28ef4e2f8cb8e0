package approval

import (
	"context"
	"time"

	"github.com/dshills/duraflow/flow"
)

// Config describes an approval node's gate.
type Config struct {
	Title   string
	Message string

	// Approvers may respond; MinApprovals approvals resolve approved
	// (default 1).
	Approvers    []string
	MinApprovals int

	// Timeout sets the response deadline relative to the request's
	// creation. Zero means no deadline.
	Timeout       time.Duration
	TimeoutAction TimeoutAction

	// EscalateTo and EscalationTimeout parameterize TimeoutEscalate.
	EscalateTo        []string
	EscalationTimeout time.Duration

	Priority int
	Metadata map[string]any

	// Type, Options, and RatingScale select the response form; see
	// RequestType.
	Type        RequestType
	Options     []string
	RatingScale int

	// Chain, when set, files a sequential approval chain instead of a
	// single request. The Approvers and timeout fields above are ignored
	// in favor of each step's own.
	Chain []ChainStep

	// FailOnReject makes a rejection fail the run instead of recording
	// the decision in state for conditional routing.
	FailOnReject bool
}

// Node builds a human gate. On first execution it files a request with
// the manager and parks the run; the response (or the deadline's
// timeout action) resumes the run with the decision in state, and the
// node's re-execution completes or fails accordingly.
//
// The decision stays in state under StateKey(name), so downstream
// conditional edges can branch on it.
func Node(name string, mgr *Manager, cfg Config) flow.NodeDef {
	fn := func(ctx context.Context, nc *flow.NodeContext) (flow.NodeResult, error) {
		switch Status(nc.State.GetString(StateKey(name))) {
		case StatusApproved:
			out := map[string]any{
				"approved": true,
				"by":       nc.State.GetString("_approval." + name + ".by"),
			}
			if v, ok := nc.State["_approval."+name+".value"]; ok {
				out["value"] = v
			}
			return flow.NodeResult{Output: out}, nil
		case StatusRejected:
			if cfg.FailOnReject {
				return flow.NodeResult{}, flow.NonRetryable(
					flow.Errorf(flow.KindExecution, name, "approval rejected by %s",
						nc.State.GetString("_approval."+name+".by")))
			}
			return flow.NodeResult{
				Output: map[string]any{"approved": false},
			}, nil
		case StatusExpired:
			return flow.NodeResult{}, flow.WrapError(flow.KindApprovalTimeout, name,
				flow.ErrApprovalTimeout)
		}

		req := &Request{
			RunID:             nc.RunID,
			WorkflowID:        nc.WorkflowID,
			Node:              name,
			Title:             cfg.Title,
			Message:           cfg.Message,
			Priority:          cfg.Priority,
			Metadata:          cfg.Metadata,
			Type:              cfg.Type,
			Options:           cfg.Options,
			RatingScale:       cfg.RatingScale,
			Approvers:         cfg.Approvers,
			MinApprovals:      cfg.MinApprovals,
			TimeoutAction:     cfg.TimeoutAction,
			EscalateTo:        cfg.EscalateTo,
			EscalationTimeout: cfg.EscalationTimeout,
		}
		if cfg.Timeout > 0 {
			req.Deadline = nc.Clock.Now().Add(cfg.Timeout)
		}
		var err error
		if len(cfg.Chain) > 0 {
			err = mgr.CreateChain(ctx, req, cfg.Chain)
		} else {
			err = mgr.Create(ctx, req)
		}
		if err != nil {
			return flow.NodeResult{}, flow.WrapError(flow.KindExecution, name, err)
		}
		return flow.NodeResult{
			Suspend: &flow.Suspension{Reason: "approval", ResumeAt: req.Deadline},
		}, nil
	}
	return flow.NodeDef{Name: name, Kind: flow.NodeHuman, Fn: fn, Config: cfg}
}
