package approval

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dshills/duraflow/flow"
	"github.com/dshills/duraflow/flow/emit"
)

// ResumeFunc resumes a parked run with a state patch carrying the
// approval decision.
type ResumeFunc func(ctx context.Context, runID string, patch flow.State) error

// StateKey returns the state field holding the decision for node:
// "approved", "rejected", or "expired".
func StateKey(node string) string { return "_approval." + node + ".status" }

// DecisionPatch is the patch applied to a run when a request for node
// resolves.
func DecisionPatch(node string, r *Request, by, comment string) flow.State {
	st := flow.State{StateKey(node): string(r.Status)}
	st["_approval."+node+".request"] = r.ID
	if by != "" {
		st["_approval."+node+".by"] = by
	}
	if comment != "" {
		st["_approval."+node+".comment"] = comment
	}
	for _, resp := range r.Responses {
		if resp.Approve && resp.Value != nil {
			st["_approval."+node+".value"] = resp.Value
		}
	}
	return st
}

// Manager owns the approval lifecycle: creating and notifying
// requests, applying responses, resuming runs on resolution, and
// enforcing deadlines.
type Manager struct {
	store    Store
	resume   ResumeFunc
	notifier Notifier
	clock    flow.Clock
	interval time.Duration
	emitter  emit.Emitter
	log      zerolog.Logger

	mu         sync.Mutex
	onResponse []func(*Request)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithNotifier delivers new requests to approvers.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) {
		if n != nil {
			m.notifier = n
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

// WithPollInterval sets the deadline sweep interval (default 5s).
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithEmitter streams approval events.
func WithEmitter(em emit.Emitter) Option {
	return func(m *Manager) {
		if em != nil {
			m.emitter = em
		}
	}
}

// WithLogger sets the manager's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager creates a stopped manager; call Start to begin the
// deadline sweep.
func NewManager(st Store, resume ResumeFunc, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		resume:   resume,
		notifier: NotifierFunc(func(context.Context, *Request) error { return nil }),
		clock:    flow.SystemClock(),
		interval: 5 * time.Second,
		emitter:  emit.Null{},
		log:      zerolog.Nop(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OnResponse registers a callback invoked after every recorded
// response, resolved or not.
func (m *Manager) OnResponse(fn func(*Request)) {
	m.mu.Lock()
	m.onResponse = append(m.onResponse, fn)
	m.mu.Unlock()
}

func (m *Manager) fireCallbacks(r *Request) {
	m.mu.Lock()
	cbs := append([]func(*Request){}, m.onResponse...)
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(r)
	}
}

// persist inserts a pending request and emits the asked event, leaving
// notification to the caller so each path uses its own verb.
func (m *Manager) persist(ctx context.Context, r *Request) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Status = StatusPending
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.clock.Now()
	}
	if err := m.store.Create(ctx, r); err != nil {
		return err
	}
	m.emitter.Emit(emit.Event{
		Type: emit.ApprovalAsked, RunID: r.RunID, WorkflowID: r.WorkflowID,
		Node: r.Node,
		Meta: map[string]any{"approval_id": r.ID, "approvers": r.Approvers},
		At:   r.CreatedAt,
	})
	return nil
}

// Create persists a new pending request and notifies its approvers.
func (m *Manager) Create(ctx context.Context, r *Request) error {
	if err := m.persist(ctx, r); err != nil {
		return err
	}
	if err := m.notifier.Notify(ctx, r); err != nil {
		m.log.Warn().Err(err).Str("approval_id", r.ID).Msg("approval notify failed")
	}
	return nil
}

// CreateChain files a sequential approval chain for one node. The
// first step's parameters are applied to r; each approval files the
// next step's request, and the run resumes only when the last step
// approves or any step rejects or expires.
func (m *Manager) CreateChain(ctx context.Context, r *Request, steps []ChainStep) error {
	if len(steps) == 0 {
		return m.Create(ctx, r)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	applyChainStep(r, steps[0], m.clock.Now())
	r.Chain = steps[1:]
	r.ChainIndex = 0
	r.ChainTotal = len(steps)
	r.ChainOf = r.ID
	return m.Create(ctx, r)
}

func applyChainStep(r *Request, s ChainStep, now time.Time) {
	r.Approvers = s.Approvers
	r.MinApprovals = s.MinApprovals
	r.Deadline = time.Time{}
	if s.Timeout > 0 {
		r.Deadline = now.Add(s.Timeout)
	}
	r.TimeoutAction = s.TimeoutAction
	r.EscalateTo = s.EscalateTo
	r.EscalationTimeout = s.EscalationTimeout
}

// advanceChain files the next step of an approved chained request.
func (m *Manager) advanceChain(ctx context.Context, r *Request) {
	chainOf := r.ChainOf
	if chainOf == "" {
		chainOf = r.ID
	}
	next := &Request{
		RunID:       r.RunID,
		WorkflowID:  r.WorkflowID,
		Node:        r.Node,
		Title:       r.Title,
		Message:     r.Message,
		Priority:    r.Priority,
		Metadata:    r.Metadata,
		Type:        r.Type,
		Options:     r.Options,
		RatingScale: r.RatingScale,
		Chain:       r.Chain[1:],
		ChainIndex:  r.ChainIndex + 1,
		ChainTotal:  r.ChainTotal,
		ChainOf:     chainOf,
	}
	applyChainStep(next, r.Chain[0], m.clock.Now())
	if err := m.Create(ctx, next); err != nil {
		m.log.Error().Err(err).Str("approval_id", r.ID).Msg("chain advance failed")
	}
}

// RespondWith records one approver's response in full form: a plain
// decision, a typed answer in Value, or a delegation. A delegation
// leaves the request pending with the delegate in the approver set.
// An approval with chain steps remaining files the next step; only a
// terminal resolution resumes the waiting run.
func (m *Manager) RespondWith(ctx context.Context, id string, resp Response) (*Request, error) {
	if resp.At.IsZero() {
		resp.At = m.clock.Now()
	}
	r, err := m.store.Respond(ctx, id, resp)
	if err != nil {
		return nil, err
	}
	m.fireCallbacks(r)
	switch {
	case resp.DelegateTo != "":
		if nerr := m.notifier.NotifyDelegation(ctx, r, resp.Approver, resp.DelegateTo); nerr != nil {
			m.log.Warn().Err(nerr).Str("approval_id", r.ID).Msg("delegation notify failed")
		}
	case r.Status == StatusApproved && len(r.Chain) > 0:
		m.advanceChain(ctx, r)
	case r.Status.Terminal():
		if rerr := m.resume(ctx, r.RunID, DecisionPatch(r.Node, r, resp.Approver, resp.Comment)); rerr != nil {
			m.log.Error().Err(rerr).Str("run_id", r.RunID).Msg("approval resume failed")
		}
	}
	return r, nil
}

// Respond records a plain approve/reject decision.
func (m *Manager) Respond(ctx context.Context, id, approver string, approve bool, comment string) (*Request, error) {
	return m.RespondWith(ctx, id, Response{Approver: approver, Approve: approve, Comment: comment})
}

// Pending lists requests an approver can act on.
func (m *Manager) Pending(ctx context.Context, approver string) ([]*Request, error) {
	return m.store.PendingFor(ctx, approver)
}

// Get returns one request.
func (m *Manager) Get(ctx context.Context, id string) (*Request, error) {
	return m.store.Get(ctx, id)
}

// Start launches the deadline sweep loop.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-m.clock.After(m.interval):
				m.Poll(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// Poll applies each expired request's timeout action once. Exported so
// tests can drive deadline handling directly.
func (m *Manager) Poll(ctx context.Context) {
	now := m.clock.Now()
	expired, err := m.store.Expired(ctx, now)
	if err != nil {
		m.log.Error().Err(err).Msg("approval sweep failed")
		return
	}
	for _, r := range expired {
		m.expire(ctx, r, now)
	}
}

func (m *Manager) expire(ctx context.Context, r *Request, now time.Time) {
	action := r.TimeoutAction
	if action == "" {
		action = TimeoutFail
	}
	if action == TimeoutEscalate && len(r.EscalateTo) == 0 {
		action = TimeoutFail
	}

	switch action {
	case TimeoutApprove, TimeoutReject:
		status := StatusApproved
		if action == TimeoutReject {
			status = StatusRejected
		}
		resolved, err := m.store.Resolve(ctx, r.ID, status, now)
		if err != nil {
			return
		}
		m.notifyTimeout(ctx, resolved)
		if resolved.Status == StatusApproved && len(resolved.Chain) > 0 {
			m.advanceChain(ctx, resolved)
			return
		}
		m.resumeDecision(ctx, resolved, "timeout", "auto-resolved on deadline")

	case TimeoutEscalate:
		if _, err := m.store.Resolve(ctx, r.ID, StatusEscalated, now); err != nil {
			return
		}
		derived := &Request{
			RunID:         r.RunID,
			WorkflowID:    r.WorkflowID,
			Node:          r.Node,
			Title:         r.Title,
			Message:       r.Message,
			Priority:      r.Priority + 1,
			Metadata:      r.Metadata,
			Type:          r.Type,
			Options:       r.Options,
			RatingScale:   r.RatingScale,
			Approvers:     r.EscalateTo,
			MinApprovals:  r.MinApprovals,
			TimeoutAction: TimeoutFail,
			EscalatedFrom: r.ID,
			Chain:         r.Chain,
			ChainIndex:    r.ChainIndex,
			ChainTotal:    r.ChainTotal,
			ChainOf:       r.ChainOf,
		}
		if r.EscalationTimeout > 0 {
			derived.Deadline = now.Add(r.EscalationTimeout)
		}
		if err := m.persist(ctx, derived); err != nil {
			m.log.Error().Err(err).Str("approval_id", r.ID).Msg("escalation failed")
			return
		}
		if err := m.notifier.NotifyEscalation(ctx, derived, "deadline passed without quorum"); err != nil {
			m.log.Warn().Err(err).Str("approval_id", derived.ID).Msg("escalation notify failed")
		}

	default: // TimeoutFail
		resolved, err := m.store.Resolve(ctx, r.ID, StatusExpired, now)
		if err != nil {
			return
		}
		m.notifyTimeout(ctx, resolved)
		m.resumeDecision(ctx, resolved, "", "")
	}
}

func (m *Manager) notifyTimeout(ctx context.Context, r *Request) {
	if err := m.notifier.NotifyTimeout(ctx, r); err != nil {
		m.log.Warn().Err(err).Str("approval_id", r.ID).Msg("timeout notify failed")
	}
}

func (m *Manager) resumeDecision(ctx context.Context, r *Request, by, comment string) {
	if err := m.resume(ctx, r.RunID, DecisionPatch(r.Node, r, by, comment)); err != nil {
		m.log.Error().Err(err).Str("run_id", r.RunID).Msg("approval resume failed")
	}
}
