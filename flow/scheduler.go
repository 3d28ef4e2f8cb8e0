package flow

// scheduler answers two questions about a workflow's graph: which
// nodes follow a completed node under the current state, and whether a
// targeted node's join dependencies have drained. It is stateless
// apart from the workflow it was built for; loop iteration counters
// live with the run so they survive checkpoints.
type scheduler struct {
	wf *Workflow

	// preds maps node name to the set of nodes with an edge into it.
	preds map[string]map[string]bool

	// adj is the full adjacency (loop bodies and exits included), used
	// for reachability.
	adj map[string][]string

	// reach memoizes reachable-node sets per source.
	reach map[string]map[string]bool
}

func newScheduler(wf *Workflow) *scheduler {
	s := &scheduler{
		wf:    wf,
		preds: make(map[string]map[string]bool),
		adj:   make(map[string][]string),
		reach: make(map[string]map[string]bool),
	}
	add := func(from, to string) {
		set := s.preds[to]
		if set == nil {
			set = make(map[string]bool)
			s.preds[to] = set
		}
		set[from] = true
		s.adj[from] = append(s.adj[from], to)
	}
	for _, e := range wf.edges {
		for _, ep := range e.endpoints() {
			add(e.From, ep)
		}
	}
	return s
}

// reachable returns the set of nodes reachable from n along any edge
// variant. Computed once per source and cached; safe because the graph
// is immutable after Build.
func (s *scheduler) reachable(n string) map[string]bool {
	if set, ok := s.reach[n]; ok {
		return set
	}
	set := make(map[string]bool)
	stack := append([]string(nil), s.adj[n]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if set[cur] {
			continue
		}
		set[cur] = true
		stack = append(stack, s.adj[cur]...)
	}
	s.reach[n] = set
	return set
}

// successors routes from a completed node under the current state.
// Conditional edges take the first matching branch (or the default);
// parallel edges fan out to every target; loop edges consume one
// iteration from loops (keyed by edge index) and route to the body
// while the predicate holds and the cap is not exhausted, to the exit
// otherwise.
//
// Multiple edges out of one node contribute the union of their
// targets, in edge order.
func (s *scheduler) successors(node string, st State, loops map[int]int) []string {
	var out []string
	seen := make(map[string]bool)
	push := func(n string) {
		if n != "" && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	for i, e := range s.wf.edges {
		if e.From != node {
			continue
		}
		switch e.Kind {
		case EdgeSequential:
			push(e.To)
		case EdgeConditional:
			matched := false
			for _, br := range e.Branches {
				if br.When(st) {
					push(br.To)
					matched = true
					break
				}
			}
			if !matched && e.Default != "" {
				push(e.Default)
			}
		case EdgeParallel:
			for _, t := range e.Targets {
				push(t)
			}
		case EdgeLoop:
			if loops[i] < e.MaxIterations && e.While(st) {
				loops[i]++
				push(e.Body)
			} else {
				push(e.Exit)
			}
		}
	}
	return out
}

// joinReady reports whether node may run: true when no predecessor is
// still busy (queued, pending, or executing). Predecessors that were
// never activated this run, such as nodes on an unselected conditional
// branch, do not hold the join back.
func (s *scheduler) joinReady(node string, busy func(string) bool) bool {
	for pred := range s.preds[node] {
		if busy(pred) {
			return false
		}
	}
	return true
}
