// Package runmgr is the run manager: a priority queue of run starts
// and resumes drained by a bounded worker pool, plus the operational
// loops a long-lived deployment needs. It is the resume target for the
// timer and approval managers, recovers orphaned runs from their last
// checkpoint, replays dead-lettered executions, and sweeps expired
// idempotency records.
package runmgr

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/duraflow/flow"
	"github.com/dshills/duraflow/flow/dlq"
	"github.com/dshills/duraflow/flow/idempotency"
	"github.com/dshills/duraflow/flow/store"
)

// ErrUnknownWorkflow is returned when no engine is registered for a
// workflow ID.
var ErrUnknownWorkflow = errors.New("no engine registered for workflow")

// ErrUnknownRun is returned by Wait and Cancel for run IDs the manager
// is not tracking.
var ErrUnknownRun = errors.New("run not tracked by manager")

const (
	defaultWorkers             = 4
	defaultMaintenanceInterval = time.Minute
	defaultOrphanCutoff        = 5 * time.Minute
	defaultDLQRetention        = 7 * 24 * time.Hour
)

// Manager owns a fleet of engines and schedules their runs.
type Manager struct {
	runs  store.RunStore
	clock flow.Clock
	log   zerolog.Logger

	workers             int
	maintenanceInterval time.Duration
	orphanCutoff        time.Duration
	dlqRetention        time.Duration

	idem idempotency.Store
	dead dlq.Queue

	mu       sync.Mutex
	engines  map[string]*flow.Engine
	queue    jobQueue
	seq      uint64
	tracked  map[string]*runTrack
	inflight map[string]context.CancelFunc

	wake     chan struct{}
	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// runTrack follows one run across its start and any number of resumes.
type runTrack struct {
	last *flow.RunResult
	err  error
	done chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithWorkers sets the worker pool size (default 4).
func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithClock substitutes the manager's time source.
func WithClock(clk flow.Clock) Option {
	return func(m *Manager) {
		if clk != nil {
			m.clock = clk
		}
	}
}

// WithLogger sets the manager's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithIdempotencyStore enables the maintenance sweep of expired
// idempotency records.
func WithIdempotencyStore(s idempotency.Store) Option {
	return func(m *Manager) { m.idem = s }
}

// WithDeadLetterQueue enables dead letter replay and retention purge.
func WithDeadLetterQueue(q dlq.Queue) Option {
	return func(m *Manager) { m.dead = q }
}

// WithMaintenanceInterval sets the maintenance tick (default 1m).
func WithMaintenanceInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.maintenanceInterval = d
		}
	}
}

// WithOrphanCutoff sets how stale a running record's heartbeat must be
// before recovery resumes it (default 5m).
func WithOrphanCutoff(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.orphanCutoff = d
		}
	}
}

// WithDLQRetention sets how long dead letters are kept before the
// maintenance purge removes them, replayed or not (default 7 days).
func WithDLQRetention(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.dlqRetention = d
		}
	}
}

// New creates a stopped manager over a shared run store. Register
// engines, then Start.
func New(runs store.RunStore, opts ...Option) *Manager {
	m := &Manager{
		runs:                runs,
		clock:               flow.SystemClock(),
		log:                 zerolog.Nop(),
		workers:             defaultWorkers,
		maintenanceInterval: defaultMaintenanceInterval,
		orphanCutoff:        defaultOrphanCutoff,
		dlqRetention:        defaultDLQRetention,
		engines:             make(map[string]*flow.Engine),
		tracked:             make(map[string]*runTrack),
		inflight:            make(map[string]context.CancelFunc),
		wake:                make(chan struct{}, 1),
		stop:                make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Register adds an engine, keyed by its workflow's ID. Registering a
// second engine for the same ID replaces the first.
func (m *Manager) Register(eng *flow.Engine) {
	m.mu.Lock()
	m.engines[eng.Workflow().ID()] = eng
	m.mu.Unlock()
}

// Engine returns the registered engine for a workflow ID.
func (m *Manager) Engine(workflowID string) (*flow.Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eng, ok := m.engines[workflowID]
	return eng, ok
}

// SubmitOption configures one submission.
type SubmitOption func(*job)

// SubmitInput merges a patch over the workflow's initial state.
func SubmitInput(st flow.State) SubmitOption {
	return func(j *job) { j.patch = st }
}

// SubmitPriority sets the queue priority; higher runs first (default
// 0).
func SubmitPriority(p int) SubmitOption {
	return func(j *job) { j.priority = p }
}

// Submit queues a new run of the identified workflow and returns its
// run ID immediately. Use Wait to block for the terminal result.
func (m *Manager) Submit(ctx context.Context, workflowID string, opts ...SubmitOption) (string, error) {
	m.mu.Lock()
	eng, ok := m.engines[workflowID]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}
	j := &job{
		kind:       jobStart,
		runID:      flow.NewRunID(),
		workflowID: workflowID,
	}
	for _, o := range opts {
		o(j)
	}

	// The record exists as queued before any worker picks the job up,
	// so listings and stats see submitted-but-undispatched runs. The
	// engine moves it to running on dispatch.
	rec := &store.RunRecord{
		ID:           j.runID,
		WorkflowID:   workflowID,
		WorkflowName: eng.Workflow().Name(),
		Status:       string(flow.RunQueued),
		Priority:     j.priority,
		CreatedAt:    m.clock.Now(),
	}
	if err := m.runs.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("submit %s: %w", workflowID, err)
	}

	m.mu.Lock()
	m.tracked[j.runID] = &runTrack{done: make(chan struct{})}
	m.enqueueLocked(j)
	m.mu.Unlock()
	return j.runID, nil
}

// Resume queues a resume of a parked run with the given state patch.
// It satisfies timer.ResumeFunc and approval.ResumeFunc, so the timer
// and approval managers route their wakeups through the same queue as
// new runs.
func (m *Manager) Resume(ctx context.Context, runID string, patch flow.State) error {
	rec, err := m.runs.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("resume %s: %w", runID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.engines[rec.WorkflowID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorkflow, rec.WorkflowID)
	}
	if _, ok := m.tracked[runID]; !ok {
		m.tracked[runID] = &runTrack{done: make(chan struct{})}
	}
	m.enqueueLocked(&job{
		kind:       jobResume,
		runID:      runID,
		workflowID: rec.WorkflowID,
		priority:   rec.Priority,
		patch:      patch,
	})
	return nil
}

func (m *Manager) enqueueLocked(j *job) {
	m.seq++
	j.seq = m.seq
	j.enqueuedAt = m.clock.Now()
	heap.Push(&m.queue, j)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until the run reaches a terminal status and returns its
// result. A run parked on a timer or approval stays pending here until
// something resumes it to completion.
func (m *Manager) Wait(ctx context.Context, runID string) (*flow.RunResult, error) {
	m.mu.Lock()
	tr, ok := m.tracked[runID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tr.done:
		return tr.last, tr.err
	}
}

// Status returns the run's most recent result without blocking: the
// waiting-state result for a parked run, or nil if the run has not yet
// produced one.
func (m *Manager) Status(runID string) (*flow.RunResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.tracked[runID]
	if !ok {
		return nil, false
	}
	return tr.last, true
}

// Cancel aborts an in-flight run. Queued jobs for the run are executed
// against the cancelled record and fail fast; a run not currently
// executing is not affected.
func (m *Manager) Cancel(runID string) error {
	m.mu.Lock()
	cancel, ok := m.inflight[runID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	cancel()
	return nil
}

// Runs lists run records through the underlying store.
func (m *Manager) Runs(ctx context.Context, f store.RunFilter) ([]*store.RunRecord, error) {
	return m.runs.List(ctx, f)
}

// Start launches the worker pool and the maintenance loop. It returns
// immediately; work continues until ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}
	m.wg.Add(1)
	go m.maintain(ctx)
}

// Stop halts the workers and waits for in-flight runs to finish.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		j := m.pop()
		if j == nil {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-m.wake:
				continue
			}
		}
		m.runJob(ctx, j)
	}
}

// pop removes the highest-priority job, re-waking another worker when
// more remain.
func (m *Manager) pop() *job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil
	}
	j := heap.Pop(&m.queue).(*job)
	if len(m.queue) > 0 {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
	return j
}

func (m *Manager) runJob(ctx context.Context, j *job) {
	m.mu.Lock()
	eng, ok := m.engines[j.workflowID]
	m.mu.Unlock()
	if !ok {
		m.finish(j.runID, nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, j.workflowID))
		return
	}

	rctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.inflight[j.runID] = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.inflight, j.runID)
		m.mu.Unlock()
	}()

	var (
		res *flow.RunResult
		err error
	)
	switch j.kind {
	case jobStart:
		res, err = eng.Run(rctx,
			flow.WithRunID(j.runID),
			flow.WithInput(j.patch),
			flow.WithPriority(j.priority),
		)
	case jobResume:
		res, err = eng.Resume(rctx, j.runID, j.patch)
	}
	if err != nil {
		m.log.Error().Err(err).
			Str("run_id", j.runID).Str("workflow_id", j.workflowID).
			Msg("run dispatch failed")
	}
	m.finish(j.runID, res, err)
}

// finish records the job's result. Waiting results keep the track open
// for the eventual resume; terminal results (and dispatch errors)
// release Wait callers.
func (m *Manager) finish(runID string, res *flow.RunResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.tracked[runID]
	if !ok {
		return
	}
	tr.last = res
	tr.err = err
	if err != nil || (res != nil && res.Status.Terminal()) {
		select {
		case <-tr.done:
		default:
			close(tr.done)
		}
	}
}
