package flow

import "time"

// NodeKind tags the variant of a node definition. The executor
// dispatches on the node's Fn regardless of kind; the tag and Config
// payload exist so tooling and stores can introspect what a node is.
type NodeKind string

const (
	NodeFunction    NodeKind = "function"
	NodeAgent       NodeKind = "agent"
	NodeTool        NodeKind = "tool"
	NodeSubworkflow NodeKind = "subworkflow"
	NodeMap         NodeKind = "map"
	NodeReduce      NodeKind = "reduce"
	NodeMapReduce   NodeKind = "map_reduce"
	NodeHuman       NodeKind = "human"
	NodeTimer       NodeKind = "timer"
	NodeCustom      NodeKind = "custom"
)

// NodeDef describes one unit of work in a workflow, together with the
// reliability settings the executor's envelope enforces around it.
type NodeDef struct {
	// Name uniquely identifies the node within its workflow.
	Name string

	// Kind tags the node variant; constructors in subsystem packages
	// (pattern, timer, approval, model, tool) set it appropriately.
	// Plain functions use NodeFunction.
	Kind NodeKind

	// Fn is the computation. Required.
	Fn NodeFn

	// Config carries the kind-specific configuration record, when the
	// node was produced by a typed constructor. May be nil.
	Config any

	// Retry overrides the executor's default retry policy for this node.
	Retry *RetryPolicy

	// Timeout is the per-attempt deadline. Zero inherits the executor
	// default.
	Timeout time.Duration

	// Breaker enables a per-node circuit breaker with the given
	// configuration. Nil disables the breaker for this node.
	Breaker *BreakerConfig

	// Compensate, when non-nil, is registered with the run's saga after
	// the node completes successfully and invoked (reverse order) if the
	// run later fails.
	Compensate CompensationFn

	// Idempotent routes the node through the idempotency store: results
	// are cached by a key derived from (workflow, node, input) and a
	// duplicate dispatch returns the cached outcome without executing.
	Idempotent bool
}

// Workflow is the immutable description of a node graph: an initial
// state, a named set of nodes, ordered edges, and an entry point.
// Build validates the description once; the value is then shared by
// any number of concurrent runs without synchronization.
type Workflow struct {
	name         string
	version      string
	initialState State
	nodes        map[string]NodeDef
	order        []string
	edges        []Edge
	entryPoint   string
}

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// Version returns the workflow version string.
func (w *Workflow) Version() string { return w.version }

// ID identifies the definition: name at version.
func (w *Workflow) ID() string {
	if w.version == "" {
		return w.name
	}
	return w.name + "@" + w.version
}

// EntryPoint returns the entry node name.
func (w *Workflow) EntryPoint() string { return w.entryPoint }

// InitialState returns a copy of the declared initial state.
func (w *Workflow) InitialState() State { return w.initialState.Clone() }

// Node looks up a node definition by name.
func (w *Workflow) Node(name string) (NodeDef, bool) {
	n, ok := w.nodes[name]
	return n, ok
}

// Nodes returns the node names in declaration order.
func (w *Workflow) Nodes() []string {
	out := make([]string, len(w.order))
	copy(out, w.order)
	return out
}

// Edges returns the edge list in insertion order.
func (w *Workflow) Edges() []Edge {
	out := make([]Edge, len(w.edges))
	copy(out, w.edges)
	return out
}

// Builder assembles a Workflow. Methods append; Build validates and
// freezes the result.
//
//	wf, err := flow.NewWorkflow("enrich", "v1").
//	    InitialState(flow.State{"count": 0}).
//	    AddNode(flow.FuncNode("fetch", fetch)).
//	    AddNode(flow.FuncNode("score", score)).
//	    Then("fetch", "score").
//	    EntryPoint("fetch").
//	    Build()
type Builder struct {
	wf   Workflow
	errs []error
}

// NewWorkflow starts a builder for a named workflow version.
func NewWorkflow(name, version string) *Builder {
	return &Builder{wf: Workflow{
		name:    name,
		version: version,
		nodes:   make(map[string]NodeDef),
	}}
}

// InitialState sets the workflow's initial shared state.
func (b *Builder) InitialState(s State) *Builder {
	b.wf.initialState = s.Clone()
	return b
}

// AddNode registers a node definition. Names must be unique.
func (b *Builder) AddNode(def NodeDef) *Builder {
	if def.Name == "" {
		b.errs = append(b.errs, Errorf(KindValidation, "", "node with empty name"))
		return b
	}
	if def.Fn == nil {
		b.errs = append(b.errs, Errorf(KindValidation, def.Name, "node without a function"))
		return b
	}
	if _, dup := b.wf.nodes[def.Name]; dup {
		b.errs = append(b.errs, Errorf(KindValidation, def.Name, "duplicate node"))
		return b
	}
	if def.Kind == "" {
		def.Kind = NodeFunction
	}
	b.wf.nodes[def.Name] = def
	b.wf.order = append(b.wf.order, def.Name)
	return b
}

// AddFunc registers a plain function node.
func (b *Builder) AddFunc(name string, fn NodeFn) *Builder {
	return b.AddNode(NodeDef{Name: name, Kind: NodeFunction, Fn: fn})
}

// Then appends a sequential edge from one node to the next.
func (b *Builder) Then(from, to string) *Builder {
	b.wf.edges = append(b.wf.edges, Edge{Kind: EdgeSequential, From: from, To: to})
	return b
}

// When appends one branch to the conditional edge out of from,
// creating the edge on first use. Branches are evaluated in the order
// added; the first match wins.
func (b *Builder) When(from string, pred Predicate, to string) *Builder {
	if e := b.lastConditional(from); e != nil {
		e.Branches = append(e.Branches, Branch{When: pred, To: to})
		return b
	}
	b.wf.edges = append(b.wf.edges, Edge{
		Kind:     EdgeConditional,
		From:     from,
		Branches: []Branch{{When: pred, To: to}},
	})
	return b
}

// Otherwise sets the default target of the conditional edge out of
// from, taken when no branch matches.
func (b *Builder) Otherwise(from, to string) *Builder {
	if e := b.lastConditional(from); e != nil {
		e.Default = to
		return b
	}
	b.wf.edges = append(b.wf.edges, Edge{Kind: EdgeConditional, From: from, Default: to})
	return b
}

// FanOut appends a parallel edge: all targets become ready together
// once from completes.
func (b *Builder) FanOut(from string, targets ...string) *Builder {
	b.wf.edges = append(b.wf.edges, Edge{Kind: EdgeParallel, From: from, Targets: targets})
	return b
}

// Loop appends a loop edge: after from completes, while pred holds and
// fewer than maxIterations passes have run, body becomes ready;
// otherwise exit does.
func (b *Builder) Loop(from, body string, pred Predicate, maxIterations int, exit string) *Builder {
	b.wf.edges = append(b.wf.edges, Edge{
		Kind:          EdgeLoop,
		From:          from,
		Body:          body,
		Exit:          exit,
		While:         pred,
		MaxIterations: maxIterations,
	})
	return b
}

// EntryPoint names the node execution starts at.
func (b *Builder) EntryPoint(node string) *Builder {
	b.wf.entryPoint = node
	return b
}

func (b *Builder) lastConditional(from string) *Edge {
	for i := len(b.wf.edges) - 1; i >= 0; i-- {
		e := &b.wf.edges[i]
		if e.From == from && e.Kind == EdgeConditional {
			return e
		}
	}
	return nil
}

// Build validates the assembled description and returns the immutable
// workflow. Validation failures are KindValidation errors: unknown
// edge endpoints, missing or unknown entry point, malformed edges,
// duplicate nodes, and cycles not expressed as loop edges.
func (b *Builder) Build() (*Workflow, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	wf := b.wf
	if wf.name == "" {
		return nil, Errorf(KindValidation, "", "workflow without a name")
	}
	if len(wf.nodes) == 0 {
		return nil, Errorf(KindValidation, "", "workflow %q has no nodes", wf.name)
	}
	if wf.entryPoint == "" {
		return nil, Errorf(KindValidation, "", "workflow %q has no entry point", wf.name)
	}
	if _, ok := wf.nodes[wf.entryPoint]; !ok {
		return nil, Errorf(KindValidation, "", "entry point %q is not a node", wf.entryPoint)
	}
	for i, e := range wf.edges {
		if err := validateEdge(i, e); err != nil {
			return nil, err
		}
		if _, ok := wf.nodes[e.From]; !ok {
			return nil, Errorf(KindValidation, "", "edge %d: unknown source %q", i, e.From)
		}
		for _, ep := range e.endpoints() {
			if _, ok := wf.nodes[ep]; !ok {
				return nil, Errorf(KindValidation, "", "edge %d: unknown target %q", i, ep)
			}
		}
	}
	for name, def := range wf.nodes {
		if def.Retry != nil {
			if err := def.Retry.Validate(); err != nil {
				return nil, Errorf(KindValidation, name, "retry policy: %v", err)
			}
		}
		if def.Breaker != nil {
			if err := def.Breaker.Validate(); err != nil {
				return nil, Errorf(KindValidation, name, "breaker config: %v", err)
			}
		}
	}
	if err := checkAcyclic(&wf); err != nil {
		return nil, err
	}
	if wf.initialState == nil {
		wf.initialState = State{}
	}
	return &wf, nil
}

// checkAcyclic rejects cycles that are not expressed through loop
// edges. Loop edges intentionally re-enter earlier nodes and carry
// their own iteration cap, so their back-path (body reaching From
// again) is excluded from the cycle check.
func checkAcyclic(wf *Workflow) error {
	adj := make(map[string][]string)
	for _, e := range wf.edges {
		if e.Kind == EdgeLoop {
			// Only the exit path participates; the body re-entry is the
			// sanctioned cycle.
			adj[e.From] = append(adj[e.From], e.Exit)
			continue
		}
		adj[e.From] = append(adj[e.From], e.endpoints()...)
	}

	const (
		unseen = 0
		onPath = 1
		done   = 2
	)
	marks := make(map[string]int, len(wf.nodes))
	var visit func(string) error
	visit = func(n string) error {
		switch marks[n] {
		case onPath:
			return Errorf(KindValidation, n, "cycle outside a loop edge")
		case done:
			return nil
		}
		marks[n] = onPath
		for _, next := range adj[n] {
			if err := visit(next); err != nil {
				return err
			}
		}
		marks[n] = done
		return nil
	}
	for _, n := range wf.order {
		if err := visit(n); err != nil {
			return err
		}
	}
	return nil
}
