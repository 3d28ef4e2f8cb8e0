package flow

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/duraflow/flow/breaker"
	"github.com/dshills/duraflow/flow/dlq"
	"github.com/dshills/duraflow/flow/emit"
	"github.com/dshills/duraflow/flow/idempotency"
	"github.com/dshills/duraflow/flow/saga"
	"github.com/dshills/duraflow/flow/store"
	"github.com/dshills/duraflow/flow/trace"
)

// Engine executes runs of one workflow. An Engine is safe for
// concurrent use; each Run call is independent.
//
// Every node dispatch passes through the reliability envelope, in
// order: cancellation check, circuit breaker, idempotency cache, retry
// loop, per-attempt timeout, execution, then outcome recording
// (breaker feedback, idempotency store, compensation registration on
// success; dead-lettering on terminal failure).
type Engine struct {
	wf    *Workflow
	cfg   config
	sched *scheduler
}

// New creates an engine for wf.
func New(wf *Workflow, opts ...Option) *Engine {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.breakers == nil {
		cfg.breakers = breaker.NewRegistry(cfg.clock.Now)
	}
	if cfg.breakers.OnTransition == nil {
		em, m := cfg.emitter, cfg.metrics
		clk := cfg.clock
		cfg.breakers.OnTransition = func(node string, from, to breaker.State) {
			m.BreakerTransition(node, string(to))
			typ := emit.BreakerClose
			if to == breaker.Open {
				typ = emit.BreakerOpen
			}
			em.Emit(emit.Event{
				Type: typ,
				Node: node,
				Meta: map[string]any{"from": string(from), "to": string(to)},
				At:   clk.Now(),
			})
		}
	}
	return &Engine{wf: wf, cfg: cfg, sched: newScheduler(wf)}
}

// Workflow returns the engine's workflow definition.
func (e *Engine) Workflow() *Workflow { return e.wf }

// runState is the mutable execution context of one run.
type runState struct {
	id       string
	priority int
	depth    int
	parent   string

	state         State
	completed     map[string]bool
	completedList []string
	loops         map[int]int
	pending       []string
	frontier      []string

	outputs []NodeOutput
	usage   Usage
	sg      *saga.Saga

	seq       int
	wave      int
	startedAt time.Time
}

// Run executes the workflow from its entry point and blocks until the
// run reaches a terminal status or parks on a suspension. The returned
// RunResult is non-nil whenever a run was actually started, including
// failed runs; inspect Status and Err rather than the error return,
// which reports only pre-start problems.
func (e *Engine) Run(ctx context.Context, opts ...RunOption) (*RunResult, error) {
	var rc runConfig
	for _, o := range opts {
		o(&rc)
	}
	if rc.depth > e.cfg.maxDepth {
		return nil, WrapError(KindMaxDepth, "", ErrMaxDepth)
	}
	if rc.runID == "" {
		rc.runID = NewRunID()
	}

	r := &runState{
		id:        rc.runID,
		priority:  rc.priority,
		depth:     rc.depth,
		parent:    rc.parent,
		state:     e.wf.InitialState().Merge(rc.patch),
		completed: make(map[string]bool),
		loops:     make(map[int]int),
		frontier:  []string{e.wf.entryPoint},
		sg:        saga.New(),
		startedAt: e.cfg.clock.Now(),
	}

	// A run submitted through a queue already has a queued record; that
	// record moves to running here. Direct runs create theirs now.
	if e.cfg.runs != nil {
		if rec, getErr := e.cfg.runs.Get(ctx, r.id); getErr == nil {
			rec.Status = string(RunRunning)
			rec.StartedAt = r.startedAt
			rec.HeartbeatAt = r.startedAt
			if err := e.cfg.runs.Update(ctx, rec); err != nil {
				return nil, err
			}
		} else {
			rec := &store.RunRecord{
				ID:           r.id,
				WorkflowID:   e.wf.ID(),
				WorkflowName: e.wf.Name(),
				Status:       string(RunRunning),
				Priority:     r.priority,
				Depth:        r.depth,
				ParentRunID:  r.parent,
				CreatedAt:    r.startedAt,
				StartedAt:    r.startedAt,
				HeartbeatAt:  r.startedAt,
			}
			if err := e.cfg.runs.Create(ctx, rec); err != nil {
				return nil, err
			}
		}
	}

	return e.execute(ctx, r, false)
}

// Resume continues a checkpointed run. The patch is merged over the
// checkpointed state before scheduling restarts; timer fires and
// approval responses deliver their decisions this way. For a suspended
// run the suspending node re-executes and reads the decision from
// state. For an orphaned run the frontier is recomputed from the
// completed set.
func (e *Engine) Resume(ctx context.Context, runID string, patch State, opts ...RunOption) (*RunResult, error) {
	if e.cfg.checkpoints == nil {
		return nil, Errorf(KindValidation, "", "resume requires a checkpoint store")
	}
	cp, err := e.cfg.checkpoints.Latest(ctx, runID)
	if err != nil {
		return nil, err
	}

	var rc runConfig
	for _, o := range opts {
		o(&rc)
	}

	r := &runState{
		id:        runID,
		priority:  rc.priority,
		depth:     rc.depth,
		parent:    rc.parent,
		state:     State(cp.State).Merge(patch),
		completed: make(map[string]bool),
		loops:     make(map[int]int),
		sg:        saga.New(),
		seq:       cp.Seq,
		wave:      cp.Wave,
		startedAt: e.cfg.clock.Now(),
	}
	for _, n := range cp.Completed {
		r.completed[n] = true
		r.completedList = append(r.completedList, n)
	}
	for k, v := range cp.LoopCounts {
		idx, convErr := strconv.Atoi(k)
		if convErr != nil {
			continue
		}
		r.loops[idx] = v
	}

	if cp.Suspended != nil {
		r.frontier = []string{cp.Suspended.Node}
	} else {
		r.frontier = e.recoverFrontier(r)
		if len(r.frontier) == 0 && len(r.completedList) == 0 {
			r.frontier = []string{e.wf.entryPoint}
		}
	}

	if e.cfg.runs != nil {
		if rec, recErr := e.cfg.runs.Get(ctx, runID); recErr == nil {
			rec.Status = string(RunRunning)
			rec.HeartbeatAt = r.startedAt
			_ = e.cfg.runs.Update(ctx, rec)
		}
	}
	e.cfg.emitter.Emit(emit.Event{
		Type: emit.RunResumed, RunID: r.id, WorkflowID: e.wf.ID(), At: r.startedAt,
	})

	return e.execute(ctx, r, true)
}

// recoverFrontier recomputes the ready set from a crashed run's
// completed set: successors of completed nodes that have not
// themselves completed. Loop counters are read without consuming
// iterations.
func (e *Engine) recoverFrontier(r *runState) []string {
	loopsCopy := make(map[int]int, len(r.loops))
	for k, v := range r.loops {
		loopsCopy[k] = v
	}
	var targets []string
	seen := make(map[string]bool)
	for _, n := range r.completedList {
		for _, t := range e.sched.successors(n, r.state, loopsCopy) {
			if !r.completed[t] && !seen[t] {
				seen[t] = true
				targets = append(targets, t)
			}
		}
	}
	return targets
}

func (e *Engine) execute(ctx context.Context, r *runState, resumed bool) (*RunResult, error) {
	if e.cfg.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.runTimeout)
		defer cancel()
	}

	ctx, runSpan := e.cfg.tracer.StartSpan(ctx, "run "+e.wf.ID(), trace.KindRun)
	runSpan.SetAttr("run_id", r.id)
	runSpan.SetAttr("workflow", e.wf.ID())

	if !resumed {
		e.cfg.metrics.RunStarted()
		e.cfg.emitter.Emit(emit.Event{
			Type: emit.RunStart, RunID: r.id, WorkflowID: e.wf.ID(), At: r.startedAt,
		})
	} else {
		e.cfg.metrics.RunStarted()
	}

	for len(r.frontier) > 0 {
		if r.wave >= e.cfg.maxIterations {
			return e.finalizeFailure(ctx, r, runSpan,
				WrapError(KindIterationLimit, "", ErrIterationLimit))
		}
		r.wave++
		outcomes := e.runWave(ctx, r)

		// Merge successful siblings in dispatch order before handling
		// failures, so compensations and the failure snapshot see their
		// writes.
		for i := range outcomes {
			oc := &outcomes[i]
			if oc.err != nil || oc.res.Suspend != nil {
				continue
			}
			e.recordSuccess(r, oc)
		}

		if oc := firstFailure(outcomes); oc != nil {
			return e.finalizeFailure(ctx, r, runSpan, oc.err)
		}

		if oc := firstSuspension(outcomes); oc != nil {
			return e.finalizeWaiting(ctx, r, runSpan, oc)
		}

		if err := e.advanceFrontier(r, outcomes); err != nil {
			return e.finalizeFailure(ctx, r, runSpan, err)
		}

		if err := e.checkpoint(ctx, r, string(RunRunning), nil); err != nil {
			return e.finalizeFailure(ctx, r, runSpan, err)
		}
		if e.cfg.runs != nil {
			_ = e.cfg.runs.Heartbeat(ctx, r.id, e.cfg.clock.Now())
		}
	}

	return e.finalizeSuccess(ctx, r, runSpan)
}

type nodeOutcome struct {
	name string
	res  NodeResult
	out  NodeOutput
	err  error
}

// runWave executes the frontier in parallel, bounded by the engine's
// concurrency limit. A node failure cancels the wave's context; still
// running siblings observe the cancellation through their own ctx.
// Results come back indexed by dispatch position, so later merging is
// deterministic.
func (e *Engine) runWave(ctx context.Context, r *runState) []nodeOutcome {
	outcomes := make([]nodeOutcome, len(r.frontier))
	// Re-dispatching a completed node (loop re-entry) clears its mark.
	for _, name := range r.frontier {
		if r.completed[name] {
			delete(r.completed, name)
			for i, c := range r.completedList {
				if c == name {
					r.completedList = append(r.completedList[:i], r.completedList[i+1:]...)
					break
				}
			}
		}
	}

	eg, wctx := errgroup.WithContext(ctx)
	eg.SetLimit(e.cfg.maxConcurrency)
	snapshot := r.state.Clone()
	for i, name := range r.frontier {
		i, name := i, name
		eg.Go(func() error {
			outcomes[i] = e.runNode(wctx, r, name, snapshot)
			return outcomes[i].err
		})
	}
	_ = eg.Wait()
	return outcomes
}

// firstFailure picks the wave's reportable failure: the first real
// error by dispatch order, preferring causes over the cancellations
// the errgroup propagated to siblings.
func firstFailure(outcomes []nodeOutcome) *nodeOutcome {
	var cancelled *nodeOutcome
	for i := range outcomes {
		if outcomes[i].err == nil {
			continue
		}
		if KindOf(outcomes[i].err) != KindCancelled {
			return &outcomes[i]
		}
		if cancelled == nil {
			cancelled = &outcomes[i]
		}
	}
	return cancelled
}

func firstSuspension(outcomes []nodeOutcome) *nodeOutcome {
	for i := range outcomes {
		if outcomes[i].err == nil && outcomes[i].res.Suspend != nil {
			return &outcomes[i]
		}
	}
	return nil
}

// recordSuccess merges a completed node's patch and bookkeeping into
// the run. Called in dispatch order; field conflicts between siblings
// resolve last-writer-wins by that order.
func (e *Engine) recordSuccess(r *runState, oc *nodeOutcome) {
	if oc.res.Patch != nil {
		r.state = r.state.Merge(oc.res.Patch)
	}
	r.completed[oc.name] = true
	r.completedList = append(r.completedList, oc.name)
	r.outputs = append(r.outputs, oc.out)
	r.usage.Add(oc.res.TokensIn, oc.res.TokensOut, oc.res.CostUSD)
	e.cfg.metrics.ModelUsage(e.wf.ID(), oc.res.TokensIn, oc.res.TokensOut, oc.res.CostUSD)
}

// advanceFrontier computes the next wave: the union of each completed
// node's successor set (explicit Next overrides edge routing per
// node), joined against still-busy predecessors.
func (e *Engine) advanceFrontier(r *runState, outcomes []nodeOutcome) error {
	for i := range outcomes {
		oc := &outcomes[i]
		if oc.err != nil || oc.res.Suspend != nil {
			continue
		}
		var succ []string
		if oc.res.Next != nil {
			for _, t := range oc.res.Next {
				if _, ok := e.wf.nodes[t]; !ok {
					return Errorf(KindValidation, oc.name, "next target %q is not a node", t)
				}
			}
			succ = oc.res.Next
		} else {
			succ = e.sched.successors(oc.name, r.state, r.loops)
		}
		for _, t := range succ {
			if !containsStr(r.pending, t) {
				r.pending = append(r.pending, t)
			}
		}
	}

	var ready, still []string
	for _, c := range r.pending {
		if e.blocked(c, r) {
			still = append(still, c)
		} else {
			ready = append(ready, c)
		}
	}
	r.frontier = ready
	r.pending = still
	return nil
}

// blocked reports whether candidate c must wait for a join: some
// predecessor has not completed and is still live, either pending
// itself or reachable from another pending node. Predecessors that can
// no longer execute this run (unselected branches) do not block.
func (e *Engine) blocked(c string, r *runState) bool {
	for pred := range e.sched.preds[c] {
		if r.completed[pred] {
			continue
		}
		for _, other := range r.pending {
			if other == c {
				continue
			}
			if other == pred || e.sched.reachable(other)[pred] {
				return true
			}
		}
	}
	return false
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// runNode drives one node through the reliability envelope.
func (e *Engine) runNode(ctx context.Context, r *runState, name string, snapshot State) (oc nodeOutcome) {
	def := e.wf.nodes[name]
	oc.name = name
	clk := e.cfg.clock
	started := clk.Now()

	nctx, span := e.cfg.tracer.StartSpan(ctx, "node "+name, trace.KindNode)
	span.SetAttr("run_id", r.id)
	span.SetAttr("node", name)

	e.cfg.emitter.Emit(emit.Event{
		Type: emit.NodeStart, RunID: r.id, WorkflowID: e.wf.ID(),
		Node: name, Wave: r.wave, At: started,
	})

	finish := func() {
		oc.out = NodeOutput{
			Node:       name,
			Output:     oc.res.Output,
			Attempts:   oc.out.Attempts,
			StartedAt:  started,
			FinishedAt: clk.Now(),
		}
		oc.out.Duration = oc.out.FinishedAt.Sub(started)
		e.cfg.metrics.NodeExecuted(e.wf.ID(), name, oc.out.Duration)
		span.Finish(oc.err)
		if oc.err != nil {
			e.cfg.emitter.Emit(emit.Event{
				Type: emit.NodeError, RunID: r.id, WorkflowID: e.wf.ID(),
				Node: name, Wave: r.wave, Attempt: oc.out.Attempts,
				Err: oc.err.Error(), At: oc.out.FinishedAt,
			})
		} else if oc.res.Suspend == nil {
			e.cfg.emitter.Emit(emit.Event{
				Type: emit.NodeComplete, RunID: r.id, WorkflowID: e.wf.ID(),
				Node: name, Wave: r.wave, Attempt: oc.out.Attempts,
				Output: oc.res.Output, At: oc.out.FinishedAt,
			})
		}
	}
	defer finish()

	// Cancellation first: a cancelled run executes nothing further.
	if err := nctx.Err(); err != nil {
		oc.err = WrapError(KindCancelled, name, ErrCancelled)
		return oc
	}

	// Circuit breaker gates the dispatch. A rejection is not retried
	// here; the run fails with upstream_open.
	var br *breaker.Breaker
	if def.Breaker != nil {
		br = e.cfg.breakers.Get(e.breakerKey(name), *def.Breaker)
		if err := br.Allow(); err != nil {
			oc.err = WrapError(KindUpstreamOpen, name, ErrUpstreamOpen)
			return oc
		}
	}

	// Idempotency cache: a duplicate dispatch short-circuits to the
	// recorded outcome without executing. The dispatch first claims the
	// key; losing the claim to an in-flight execution means waiting for
	// that execution's record rather than invoking the body again.
	var idemKey string
	if def.Idempotent && e.cfg.idem != nil {
		if key, kerr := idempotency.Key(e.wf.ID(), name, map[string]any(snapshot)); kerr == nil {
			idemKey = key
			rec, cerr := e.claimIdempotent(nctx, name, key)
			if cerr != nil {
				oc.err = cerr
				return oc
			}
			if rec != nil {
				if br != nil {
					br.Success()
				}
				oc.res, oc.err = outcomeFromRecord(name, rec)
				oc.out.Attempts = 0
				return oc
			}
		}
	}

	policy := def.Retry
	if policy == nil {
		policy = &e.cfg.defaultRetry
	}
	timeout := def.Timeout
	if timeout == 0 {
		timeout = e.cfg.defaultTimeout
	}
	rng := rand.New(rand.NewSource(started.UnixNano())) // #nosec G404 -- jitter, not security

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		oc.out.Attempts = attempt
		nc := &NodeContext{
			RunID:        r.id,
			WorkflowID:   e.wf.ID(),
			WorkflowName: e.wf.Name(),
			Node:         name,
			Attempt:      attempt,
			Depth:        r.depth,
			State:        snapshot,
			Clock:        clk,
			saga:         r.sg,
		}

		actx := nctx
		var cancel context.CancelFunc
		if timeout > 0 {
			actx, cancel = context.WithTimeout(nctx, timeout)
		}
		res, err := def.Fn(actx, nc)
		if cancel != nil {
			timedOut := actx.Err() == context.DeadlineExceeded && nctx.Err() == nil
			cancel()
			if err != nil && timedOut {
				err = WrapError(KindTimeout, name, ErrNodeTimeout)
			}
		}

		if err == nil {
			if res.Suspend == nil {
				if br != nil {
					br.Success()
				}
				e.storeIdempotent(nctx, idemKey, &res, nil)
				if def.Compensate != nil {
					r.sg.Register(name, def.Compensate)
				}
			} else if idemKey != "" {
				// A suspension has no outcome to cache; release the claim
				// so the post-resume dispatch can take it.
				_ = e.cfg.idem.Delete(nctx, idemKey)
			}
			oc.res = res
			return oc
		}

		lastErr = WrapError(KindExecution, name, err)
		if nctx.Err() != nil {
			lastErr = WrapError(KindCancelled, name, ErrCancelled)
			break
		}
		if attempt >= policy.MaxAttempts || !policy.retryable(lastErr) {
			break
		}

		e.cfg.metrics.NodeRetried(e.wf.ID(), name)
		e.cfg.emitter.Emit(emit.Event{
			Type: emit.NodeRetry, RunID: r.id, WorkflowID: e.wf.ID(),
			Node: name, Wave: r.wave, Attempt: attempt,
			Err: lastErr.Error(), At: clk.Now(),
		})
		if serr := clk.Sleep(nctx, policy.backoffDelay(attempt, rng)); serr != nil {
			lastErr = WrapError(KindCancelled, name, ErrCancelled)
			break
		}
	}

	// Terminal failure: feed the breaker, cache the failure, and
	// dead-letter the execution. Saga rollback happens at run level.
	if br != nil {
		br.Failure()
	}
	e.storeIdempotent(nctx, idemKey, nil, lastErr)
	e.deadLetter(nctx, r, name, oc.out.Attempts, lastErr)
	oc.err = lastErr
	return oc
}

// breakerKey scopes breaker state per workflow and node.
func (e *Engine) breakerKey(node string) string {
	return e.wf.ID() + "/" + node
}

// idemPollInterval is how often a dispatch that lost the idempotency
// claim re-reads the key while the holder is still executing.
const idemPollInterval = 25 * time.Millisecond

// claimIdempotent installs a pending claim for key or resolves to the
// record another dispatch produced. It returns a non-nil record when a
// terminal outcome already exists to adopt, and nil when the caller
// now holds the claim and must execute. While a concurrent dispatch
// holds the claim the caller blocks, polling until it resolves. Store
// errors degrade to executing without a claim.
func (e *Engine) claimIdempotent(ctx context.Context, node, key string) (*idempotency.Record, error) {
	now := e.cfg.clock.Now()
	pending := &idempotency.Record{
		Key:       key,
		Status:    idempotency.StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(e.cfg.idemTTL),
	}
	for {
		rec, claimed, err := e.cfg.idem.Claim(ctx, pending)
		if err != nil {
			e.cfg.logger.Warn().Err(err).Str("key", key).Msg("idempotency claim failed")
			return nil, nil
		}
		if claimed {
			return nil, nil
		}
		if rec.Status != idempotency.StatusPending {
			return rec, nil
		}
		if serr := e.cfg.clock.Sleep(ctx, idemPollInterval); serr != nil {
			return nil, WrapError(KindCancelled, node, ErrCancelled)
		}
	}
}

func (e *Engine) storeIdempotent(ctx context.Context, key string, res *NodeResult, failure error) {
	if key == "" || e.cfg.idem == nil {
		return
	}
	now := e.cfg.clock.Now()
	rec := &idempotency.Record{
		Key:       key,
		CreatedAt: now,
		ExpiresAt: now.Add(e.cfg.idemTTL),
	}
	if failure != nil {
		rec.Status = idempotency.StatusFailed
		rec.Error = failure.Error()
	} else {
		rec.Status = idempotency.StatusCompleted
		rec.Result = map[string]any{
			"patch":  map[string]any(res.Patch),
			"output": res.Output,
			"next":   res.Next,
		}
	}
	if _, err := e.cfg.idem.Store(ctx, rec); err != nil {
		e.cfg.logger.Warn().Err(err).Str("key", key).Msg("idempotency store failed")
	}
}

// outcomeFromRecord reconstructs a node outcome from a cached
// idempotency record.
func outcomeFromRecord(node string, rec *idempotency.Record) (NodeResult, error) {
	if rec.Status == idempotency.StatusFailed {
		return NodeResult{}, Errorf(KindExecution, node, "cached failure: %s", rec.Error)
	}
	var res NodeResult
	m, ok := rec.Result.(map[string]any)
	if !ok {
		return res, nil
	}
	if patch, ok := m["patch"].(map[string]any); ok && patch != nil {
		res.Patch = State(patch)
	}
	res.Output = m["output"]
	switch next := m["next"].(type) {
	case []string:
		if next != nil {
			res.Next = next
		}
	case []any:
		out := make([]string, 0, len(next))
		for _, v := range next {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		res.Next = out
	}
	return res, nil
}

func (e *Engine) deadLetter(ctx context.Context, r *runState, node string, attempts int, cause error) {
	if e.cfg.deadQ == nil {
		return
	}
	entry := &dlq.Entry{
		ID:         uuid.NewString(),
		RunID:      r.id,
		WorkflowID: e.wf.ID(),
		Node:       node,
		Attempts:   attempts,
		Error:      cause.Error(),
		ErrorKind:  string(KindOf(cause)),
		State:      map[string]any(r.state.Clone()),
		CreatedAt:  e.cfg.clock.Now(),
	}
	if err := e.cfg.deadQ.Enqueue(ctx, entry); err != nil {
		e.cfg.logger.Error().Err(err).Str("node", node).Msg("dead letter enqueue failed")
		return
	}
	e.cfg.metrics.DeadLettered()
	e.cfg.emitter.Emit(emit.Event{
		Type: emit.DeadLettered, RunID: r.id, WorkflowID: e.wf.ID(),
		Node: node, Err: cause.Error(),
		Meta: map[string]any{"dlq_id": entry.ID},
		At:   entry.CreatedAt,
	})
}

// checkpoint writes a durable snapshot after a wave. No-op without a
// checkpoint store.
func (e *Engine) checkpoint(ctx context.Context, r *runState, status string, susp *store.SuspensionRecord) error {
	if e.cfg.checkpoints == nil {
		return nil
	}
	r.seq++
	loops := make(map[string]int, len(r.loops))
	for k, v := range r.loops {
		loops[strconv.Itoa(k)] = v
	}
	completed := make([]string, len(r.completedList))
	copy(completed, r.completedList)
	cp := &store.Checkpoint{
		RunID:      r.id,
		Seq:        r.seq,
		Wave:       r.wave,
		Status:     status,
		State:      map[string]any(r.state.Clone()),
		Completed:  completed,
		LoopCounts: loops,
		Suspended:  susp,
		CreatedAt:  e.cfg.clock.Now(),
	}
	return e.cfg.checkpoints.Save(ctx, cp)
}

func (e *Engine) finalizeSuccess(ctx context.Context, r *runState, span *trace.Span) (*RunResult, error) {
	res := e.result(r, RunCompleted, nil)
	_ = e.checkpoint(ctx, r, string(RunCompleted), nil)
	e.updateRunRecord(ctx, r, res)
	e.cfg.metrics.RunFinished(e.wf.ID(), string(RunCompleted))
	e.cfg.emitter.Emit(emit.Event{
		Type: emit.RunComplete, RunID: r.id, WorkflowID: e.wf.ID(), At: res.FinishedAt,
	})
	span.Finish(nil)
	return res, nil
}

func (e *Engine) finalizeWaiting(ctx context.Context, r *runState, span *trace.Span, oc *nodeOutcome) (*RunResult, error) {
	// The suspending node's patch is visible to the resumed execution,
	// but the node itself is not completed; it re-executes on resume.
	if oc.res.Patch != nil {
		r.state = r.state.Merge(oc.res.Patch)
	}
	susp := &store.SuspensionRecord{
		Node:     oc.name,
		Reason:   oc.res.Suspend.Reason,
		ResumeAt: oc.res.Suspend.ResumeAt,
	}
	if err := e.checkpoint(ctx, r, string(RunWaiting), susp); err != nil {
		return e.finalizeFailure(ctx, r, span, err)
	}

	res := e.result(r, RunWaiting, nil)
	res.Suspended = oc.res.Suspend
	res.SuspendedNode = oc.name
	e.updateRunRecord(ctx, r, res)
	e.cfg.metrics.RunFinished(e.wf.ID(), string(RunWaiting))
	e.cfg.emitter.Emit(emit.Event{
		Type: emit.RunWaiting, RunID: r.id, WorkflowID: e.wf.ID(),
		Node: oc.name,
		Meta: map[string]any{"reason": oc.res.Suspend.Reason},
		At:   res.FinishedAt,
	})
	span.Finish(nil)
	return res, nil
}

func (e *Engine) finalizeFailure(ctx context.Context, r *runState, span *trace.Span, cause error) (*RunResult, error) {
	status := RunFailed
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		status = RunTimedOut
	case errors.Is(ctx.Err(), context.Canceled),
		KindOf(cause) == KindCancelled:
		status = RunCancelled
	}

	res := e.result(r, status, cause)

	// Saga rollback runs the registered compensations in reverse order
	// against the failure-time state. Best effort; outcomes are
	// reported, not escalated.
	if status == RunFailed && r.sg.Len() > 0 {
		// Rollback uses a fresh context: the run's may already be done.
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		outcomes := r.sg.Rollback(rbCtx, map[string]any(r.state))
		cancel()
		for _, o := range outcomes {
			res.Compensations = append(res.Compensations, CompensationOutcome{
				Node: o.Node, Attempts: o.Attempts, Err: o.Err,
			})
			if o.Err == nil {
				e.cfg.metrics.Compensated()
			}
			e.cfg.emitter.Emit(emit.Event{
				Type: emit.Compensation, RunID: r.id, WorkflowID: e.wf.ID(),
				Node: o.Node, Err: errString(o.Err), At: e.cfg.clock.Now(),
			})
		}
	}

	_ = e.checkpoint(ctx, r, string(status), nil)
	e.updateRunRecord(ctx, r, res)
	e.cfg.metrics.RunFinished(e.wf.ID(), string(status))
	evType := emit.RunError
	if status == RunCancelled {
		evType = emit.RunCancelled
	}
	e.cfg.emitter.Emit(emit.Event{
		Type: evType, RunID: r.id, WorkflowID: e.wf.ID(),
		Err: cause.Error(), At: res.FinishedAt,
	})
	span.Finish(cause)
	return res, nil
}

func (e *Engine) result(r *runState, status RunStatus, cause error) *RunResult {
	return &RunResult{
		RunID:      r.id,
		Status:     status,
		State:      r.state.Clone(),
		Outputs:    append([]NodeOutput(nil), r.outputs...),
		Err:        cause,
		Waves:      r.wave,
		Usage:      r.usage,
		StartedAt:  r.startedAt,
		FinishedAt: e.cfg.clock.Now(),
	}
}

func (e *Engine) updateRunRecord(ctx context.Context, r *runState, res *RunResult) {
	if e.cfg.runs == nil {
		return
	}
	rec, err := e.cfg.runs.Get(ctx, r.id)
	if err != nil {
		return
	}
	rec.Status = string(res.Status)
	rec.State = map[string]any(res.State)
	rec.Error = errString(res.Err)
	rec.NodeResults = rec.NodeResults[:0]
	for _, out := range res.Outputs {
		rec.NodeResults = append(rec.NodeResults, store.NodeResultRecord{
			Node:       out.Node,
			Output:     out.Output,
			Attempts:   out.Attempts,
			Duration:   out.Duration,
			StartedAt:  out.StartedAt,
			FinishedAt: out.FinishedAt,
		})
	}
	rec.TokensIn = res.Usage.TokensIn
	rec.TokensOut = res.Usage.TokensOut
	rec.CostUSD = res.Usage.CostUSD
	rec.HeartbeatAt = res.FinishedAt
	if res.Status.Terminal() {
		rec.FinishedAt = res.FinishedAt
	}
	_ = e.cfg.runs.Update(ctx, rec)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
