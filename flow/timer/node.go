package timer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/duraflow/flow"
)

// Config describes a timer node's wait. Exactly one of Delay,
// DelayFrom, Until, or Cron must be set.
type Config struct {
	// Delay waits a relative duration from the node's first execution.
	Delay time.Duration

	// DelayFrom computes the wait from run state each time the node
	// arms, for backoffs or deadlines decided earlier in the run. A
	// non-positive result completes the node immediately.
	DelayFrom func(st flow.State) time.Duration

	// Until waits for an absolute instant.
	Until time.Time

	// Cron waits for the next match of a cron expression. Each visit to
	// the node arms one firing.
	Cron string

	// Location names the IANA timezone cron occurrences are computed
	// in ("America/New_York"). Empty means the clock's own zone.
	Location string
}

// StateKey is the state field a timer firing patches true for the
// named node. The node reads it on re-execution to distinguish the
// arming visit from the resumed one.
func StateKey(node string) string { return "_timer_fired." + node }

// FirePatch is the state patch the Manager applies when a timer for
// node fires.
func FirePatch(node string, at time.Time) flow.State {
	return flow.State{
		StateKey(node):            true,
		"_timer_fired_at." + node: at.Format(time.RFC3339Nano),
	}
}

// Node builds a durable wait node. On first execution it schedules an
// Entry and suspends its run; when the Manager fires the entry the run
// resumes, the node executes again, sees the fired flag in state, and
// completes (clearing the flag so a later loop iteration re-arms).
func Node(name string, st Store, cfg Config) flow.NodeDef {
	fn := func(ctx context.Context, nc *flow.NodeContext) (flow.NodeResult, error) {
		key := StateKey(name)
		if nc.State.GetBool(key) {
			return flow.NodeResult{Patch: flow.State{key: false}}, nil
		}

		now := nc.Clock.Now()
		e := &Entry{
			ID:         uuid.NewString(),
			RunID:      nc.RunID,
			WorkflowID: nc.WorkflowID,
			Node:       name,
			CreatedAt:  now,
		}
		switch {
		case cfg.Delay > 0:
			e.Kind = KindDelay
			e.FireAt = now.Add(cfg.Delay)
		case cfg.DelayFrom != nil:
			e.Kind = KindDynamic
			e.FireAt = now.Add(cfg.DelayFrom(nc.State))
		case !cfg.Until.IsZero():
			e.Kind = KindUntil
			e.FireAt = cfg.Until
		case cfg.Cron != "":
			sched, err := ParseCron(cfg.Cron)
			if err != nil {
				return flow.NodeResult{}, flow.WrapError(flow.KindValidation, name, err)
			}
			base := now
			if cfg.Location != "" {
				loc, lerr := time.LoadLocation(cfg.Location)
				if lerr != nil {
					return flow.NodeResult{}, flow.WrapError(flow.KindValidation, name, lerr)
				}
				base = now.In(loc)
				e.Timezone = cfg.Location
			}
			e.Kind = KindCron
			e.CronExpr = cfg.Cron
			e.FireAt = sched.Next(base)
			if e.FireAt.IsZero() {
				return flow.NodeResult{}, flow.Errorf(flow.KindValidation, name,
					"cron %q never fires", cfg.Cron)
			}
		default:
			return flow.NodeResult{}, flow.Errorf(flow.KindValidation, name,
				"timer node needs Delay, DelayFrom, Until, or Cron")
		}

		// A deadline already in the past completes immediately.
		if !e.FireAt.After(now) {
			return flow.NodeResult{}, nil
		}

		if err := st.Schedule(ctx, e); err != nil {
			return flow.NodeResult{}, flow.WrapError(flow.KindExecution, name, err)
		}
		return flow.NodeResult{
			Suspend: &flow.Suspension{Reason: "timer", ResumeAt: e.FireAt},
		}, nil
	}
	return flow.NodeDef{Name: name, Kind: flow.NodeTimer, Fn: fn, Config: cfg}
}
