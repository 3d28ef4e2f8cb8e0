package flow

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/duraflow/flow/breaker"
	"github.com/dshills/duraflow/flow/dlq"
	"github.com/dshills/duraflow/flow/emit"
	"github.com/dshills/duraflow/flow/idempotency"
	"github.com/dshills/duraflow/flow/metrics"
	"github.com/dshills/duraflow/flow/store"
	"github.com/dshills/duraflow/flow/trace"
)

// Defaults applied by New when the corresponding option is absent.
const (
	// DefaultMaxConcurrency bounds parallel node executions per wave.
	DefaultMaxConcurrency = 8

	// DefaultNodeTimeout is the per-attempt deadline for nodes that do
	// not set their own.
	DefaultNodeTimeout = 30 * time.Second

	// DefaultMaxDepth bounds subworkflow nesting.
	DefaultMaxDepth = 10

	// DefaultMaxIterations bounds how many scheduler waves one run may
	// execute, counting resumed waves. Cyclic routing that never
	// converges fails the run instead of spinning.
	DefaultMaxIterations = 1000

	// DefaultIdempotencyTTL is how long cached node outcomes live.
	DefaultIdempotencyTTL = 24 * time.Hour
)

type config struct {
	checkpoints store.CheckpointStore
	runs        store.RunStore
	emitter     emit.Emitter
	logger      zerolog.Logger
	clock       Clock

	maxConcurrency int
	defaultRetry   RetryPolicy
	defaultTimeout time.Duration
	runTimeout     time.Duration
	maxDepth       int
	maxIterations  int

	idem    idempotency.Store
	idemTTL time.Duration
	deadQ   dlq.Queue

	breakers *breaker.Registry
	metrics  *metrics.Metrics
	tracer   *trace.Tracer
}

func defaultConfig() config {
	return config{
		emitter:        emit.Null{},
		logger:         zerolog.Nop(),
		clock:          SystemClock(),
		maxConcurrency: DefaultMaxConcurrency,
		defaultRetry:   *DefaultRetryPolicy(),
		defaultTimeout: DefaultNodeTimeout,
		maxDepth:       DefaultMaxDepth,
		maxIterations:  DefaultMaxIterations,
		idemTTL:        DefaultIdempotencyTTL,
	}
}

// Option configures an Engine.
type Option func(*config)

// WithCheckpointStore enables durable checkpoints. Without a store the
// engine runs in memory only and Resume is unavailable.
func WithCheckpointStore(cs store.CheckpointStore) Option {
	return func(c *config) { c.checkpoints = cs }
}

// WithRunStore keeps run lifecycle records updated as runs progress.
func WithRunStore(rs store.RunStore) Option {
	return func(c *config) { c.runs = rs }
}

// WithEmitter streams lifecycle events to em.
func WithEmitter(em emit.Emitter) Option {
	return func(c *config) {
		if em != nil {
			c.emitter = em
		}
	}
}

// WithLogger sets the engine's structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *config) { c.logger = log }
}

// WithClock substitutes the time source; tests use a FakeClock to
// drive backoff and breaker reset without real sleeps.
func WithClock(clk Clock) Option {
	return func(c *config) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithMaxConcurrency bounds how many nodes of one wave execute at
// once.
func WithMaxConcurrency(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxConcurrency = n
		}
	}
}

// WithDefaultRetry sets the retry policy for nodes without their own.
func WithDefaultRetry(p RetryPolicy) Option {
	return func(c *config) { c.defaultRetry = p }
}

// WithDefaultTimeout sets the per-attempt deadline for nodes without
// their own. Zero disables the default deadline.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *config) { c.defaultTimeout = d }
}

// WithRunTimeout bounds a whole run's wall-clock time. Zero means
// unbounded.
func WithRunTimeout(d time.Duration) Option {
	return func(c *config) { c.runTimeout = d }
}

// WithMaxDepth bounds subworkflow nesting.
func WithMaxDepth(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxDepth = n
		}
	}
}

// WithMaxIterations bounds how many waves a run may execute before it
// fails with an iteration limit error. The counter survives resume.
func WithMaxIterations(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxIterations = n
		}
	}
}

// WithIdempotencyStore enables result caching for nodes marked
// Idempotent.
func WithIdempotencyStore(s idempotency.Store) Option {
	return func(c *config) { c.idem = s }
}

// WithIdempotencyTTL sets how long cached outcomes live.
func WithIdempotencyTTL(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.idemTTL = d
		}
	}
}

// WithDeadLetterQueue captures terminally failed node executions.
func WithDeadLetterQueue(q dlq.Queue) Option {
	return func(c *config) { c.deadQ = q }
}

// WithBreakerRegistry shares breaker state across engines; by default
// each engine owns its own registry.
func WithBreakerRegistry(r *breaker.Registry) Option {
	return func(c *config) { c.breakers = r }
}

// WithMetrics records Prometheus metrics for runs and nodes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithTracer opens a span per run and per node execution.
func WithTracer(t *trace.Tracer) Option {
	return func(c *config) { c.tracer = t }
}

type runConfig struct {
	runID    string
	patch    State
	priority int
	depth    int
	parent   string
}

// RunOption configures a single Run or Resume call.
type RunOption func(*runConfig)

// WithRunID fixes the run's identifier instead of generating one.
func WithRunID(id string) RunOption {
	return func(rc *runConfig) { rc.runID = id }
}

// WithInput merges a patch over the workflow's initial state before
// the entry node runs.
func WithInput(patch State) RunOption {
	return func(rc *runConfig) { rc.patch = patch }
}

// WithPriority tags the run's priority on its run record.
func WithPriority(p int) RunOption {
	return func(rc *runConfig) { rc.priority = p }
}

// WithParentRun marks the run as a child spawned at the given nesting
// depth. Used by the subworkflow node.
func WithParentRun(parentID string, depth int) RunOption {
	return func(rc *runConfig) {
		rc.parent = parentID
		rc.depth = depth
	}
}
