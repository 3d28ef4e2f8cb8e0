package flow

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Predicate evaluates the current state to drive conditional routing.
// Predicates should be pure: deterministic and free of side effects,
// since the scheduler may evaluate them more than once per wave.
type Predicate func(State) bool

// EdgeKind tags the routing behavior of an Edge.
type EdgeKind string

const (
	// EdgeSequential routes From to a single To.
	EdgeSequential EdgeKind = "sequential"

	// EdgeConditional routes From to the first Branch whose predicate
	// matches, or to Default when none does.
	EdgeConditional EdgeKind = "conditional"

	// EdgeParallel routes From to every target at once (fan-out).
	EdgeParallel EdgeKind = "parallel"

	// EdgeLoop routes From back into Body while the predicate holds and
	// the iteration counter is below MaxIterations, then to Exit.
	EdgeLoop EdgeKind = "loop"
)

// Branch is one (predicate, target) arm of a conditional edge.
type Branch struct {
	When Predicate
	To   string
}

// Edge is a routing rule between nodes. Exactly one variant is active,
// selected by Kind; the builder constructors (Then, When, FanOut,
// Loop) produce well-formed edges.
//
// Edges are evaluated in insertion order: the first matching
// conditional branch wins, and parallel targets become ready together.
type Edge struct {
	Kind EdgeKind
	From string

	// To is the target for sequential edges.
	To string

	// Branches and Default drive conditional edges. Branches are scanned
	// in order; Default (optional) applies when none match.
	Branches []Branch
	Default  string

	// Targets is the fan-out set for parallel edges.
	Targets []string

	// Body, Exit, While, and MaxIterations drive loop edges. While is
	// evaluated against the state after From completes: true re-enters
	// Body, false (or the iteration cap) routes to Exit.
	Body          string
	Exit          string
	While         Predicate
	MaxIterations int
}

// endpoints returns every node name the edge can route to, used by
// workflow validation.
func (e Edge) endpoints() []string {
	switch e.Kind {
	case EdgeSequential:
		return []string{e.To}
	case EdgeConditional:
		out := make([]string, 0, len(e.Branches)+1)
		for _, b := range e.Branches {
			out = append(out, b.To)
		}
		if e.Default != "" {
			out = append(out, e.Default)
		}
		return out
	case EdgeParallel:
		return e.Targets
	case EdgeLoop:
		return []string{e.Body, e.Exit}
	}
	return nil
}

// ExprPredicate compiles an expr-lang expression into a Predicate. The
// expression is evaluated with the state record as its environment and
// must yield a boolean:
//
//	b.When("review", flow.MustExprPredicate(`score > 0.8`), "publish")
//
// Compilation errors surface at build time, not during a run.
func ExprPredicate(src string) (Predicate, error) {
	prog, err := expr.Compile(src, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, Errorf(KindValidation, "", "compile predicate %q: %v", src, err)
	}
	return compiledPredicate(prog), nil
}

// MustExprPredicate is ExprPredicate that panics on compile error, for
// static expressions in workflow builders.
func MustExprPredicate(src string) Predicate {
	p, err := ExprPredicate(src)
	if err != nil {
		panic(err)
	}
	return p
}

func compiledPredicate(prog *vm.Program) Predicate {
	return func(s State) bool {
		out, err := expr.Run(prog, map[string]any(s))
		if err != nil {
			return false
		}
		b, ok := out.(bool)
		return ok && b
	}
}

// validateEdge checks structural well-formedness independent of the
// node set (endpoint existence is checked by the workflow builder).
func validateEdge(i int, e Edge) error {
	if e.From == "" {
		return Errorf(KindValidation, "", "edge %d: empty source", i)
	}
	switch e.Kind {
	case EdgeSequential:
		if e.To == "" {
			return Errorf(KindValidation, "", "edge %d: sequential edge without target", i)
		}
	case EdgeConditional:
		if len(e.Branches) == 0 && e.Default == "" {
			return Errorf(KindValidation, "", "edge %d: conditional edge without branches", i)
		}
		for bi, b := range e.Branches {
			if b.To == "" {
				return Errorf(KindValidation, "", "edge %d: branch %d without target", i, bi)
			}
			if b.When == nil {
				return Errorf(KindValidation, "", "edge %d: branch %d without predicate", i, bi)
			}
		}
	case EdgeParallel:
		if len(e.Targets) == 0 {
			return Errorf(KindValidation, "", "edge %d: parallel edge without targets", i)
		}
	case EdgeLoop:
		if e.Body == "" || e.Exit == "" {
			return Errorf(KindValidation, "", "edge %d: loop edge needs body and exit", i)
		}
		if e.While == nil {
			return Errorf(KindValidation, "", "edge %d: loop edge without predicate", i)
		}
		if e.MaxIterations <= 0 {
			return Errorf(KindValidation, "", "edge %d: loop edge needs a positive iteration cap", i)
		}
	default:
		return Errorf(KindValidation, "", "edge %d: unknown kind %q", i, string(e.Kind))
	}
	return nil
}
