// Package trigger creates runs from external signals: cron schedules,
// signed webhooks, and in-process events, each throttled by an
// optional rate limiter. Triggers submit through a SubmitFunc, which
// the run manager provides, so admission control and priority
// scheduling apply uniformly however a run originates.
package trigger

import (
	"context"

	"github.com/dshills/duraflow/flow"
)

// SubmitFunc enqueues a run of the identified workflow with the given
// input and returns its run ID.
//
//	submit := func(ctx context.Context, wf string, in flow.State) (string, error) {
//	    return mgr.Submit(ctx, wf, runmgr.SubmitInput(in))
//	}
type SubmitFunc func(ctx context.Context, workflowID string, input flow.State) (string, error)
