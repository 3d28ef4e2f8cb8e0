package runmgr

import (
	"context"
	"fmt"

	"github.com/dshills/duraflow/flow"
	"github.com/dshills/duraflow/flow/dlq"
)

// Recover re-queues runs whose heartbeat went stale while running or
// waiting, resuming each from its last checkpoint. It returns how many
// runs were queued. The maintenance loop calls this every tick; call
// it directly once at startup to pick up runs abandoned by a crashed
// process.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	cutoff := m.clock.Now().Add(-m.orphanCutoff)
	orphans, err := m.runs.Orphans(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list orphans: %w", err)
	}
	queued := 0
	for _, rec := range orphans {
		m.mu.Lock()
		_, known := m.engines[rec.WorkflowID]
		_, executing := m.inflight[rec.ID]
		m.mu.Unlock()
		if !known || executing {
			continue
		}
		m.mu.Lock()
		if _, ok := m.tracked[rec.ID]; !ok {
			m.tracked[rec.ID] = &runTrack{done: make(chan struct{})}
		}
		m.enqueueLocked(&job{
			kind:       jobResume,
			runID:      rec.ID,
			workflowID: rec.WorkflowID,
			priority:   rec.Priority,
		})
		m.mu.Unlock()
		queued++
		m.log.Info().
			Str("run_id", rec.ID).Str("workflow_id", rec.WorkflowID).
			Msg("orphaned run queued for recovery")
	}
	return queued, nil
}

// ReplayDeadLetter re-drives one dead-lettered execution as a fresh
// run of its workflow, seeded with the state captured at failure. The
// entry is marked replayed on successful submission; the new run ID is
// returned.
func (m *Manager) ReplayDeadLetter(ctx context.Context, id string) (string, error) {
	if m.dead == nil {
		return "", fmt.Errorf("no dead letter queue configured")
	}
	e, err := m.dead.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if e.Replayed {
		return "", fmt.Errorf("entry %s already replayed", id)
	}
	runID, err := m.Submit(ctx, e.WorkflowID, SubmitInput(flow.State(e.State)))
	if err != nil {
		return "", err
	}
	if err := m.dead.MarkReplayed(ctx, id, m.clock.Now()); err != nil {
		m.log.Warn().Err(err).Str("entry_id", id).Msg("mark replayed failed")
	}
	return runID, nil
}

// ReplayDeadLetters replays every unreplayed entry matching the
// filter, returning the new run IDs keyed by entry ID. Entries whose
// workflow has no registered engine are skipped.
func (m *Manager) ReplayDeadLetters(ctx context.Context, f dlq.Filter) (map[string]string, error) {
	if m.dead == nil {
		return nil, fmt.Errorf("no dead letter queue configured")
	}
	f.IncludeReplayed = false
	entries, err := m.dead.List(ctx, f)
	if err != nil {
		return nil, err
	}
	replayed := make(map[string]string, len(entries))
	for _, e := range entries {
		if _, ok := m.Engine(e.WorkflowID); !ok {
			continue
		}
		runID, err := m.ReplayDeadLetter(ctx, e.ID)
		if err != nil {
			m.log.Warn().Err(err).Str("entry_id", e.ID).Msg("replay failed")
			continue
		}
		replayed[e.ID] = runID
	}
	return replayed, nil
}

// maintain runs the periodic housekeeping loop: orphan recovery,
// idempotency record sweeps, and dead letter retention.
func (m *Manager) maintain(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-m.clock.After(m.maintenanceInterval):
			m.maintainOnce(ctx)
		}
	}
}

func (m *Manager) maintainOnce(ctx context.Context) {
	if _, err := m.Recover(ctx); err != nil {
		m.log.Error().Err(err).Msg("orphan recovery failed")
	}
	now := m.clock.Now()
	if m.idem != nil {
		if n, err := m.idem.Sweep(ctx, now); err != nil {
			m.log.Error().Err(err).Msg("idempotency sweep failed")
		} else if n > 0 {
			m.log.Debug().Int("removed", n).Msg("idempotency records swept")
		}
	}
	if m.dead != nil {
		f := dlq.Filter{Before: now.Add(-m.dlqRetention), IncludeReplayed: true}
		if n, err := m.dead.Purge(ctx, f); err != nil {
			m.log.Error().Err(err).Msg("dead letter purge failed")
		} else if n > 0 {
			m.log.Debug().Int("removed", n).Msg("dead letters purged")
		}
	}
}
