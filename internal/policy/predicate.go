// Package policy maps per-item signals to an effort decision and QA
// requirement through a pure function over a frozen variable map.
// Predicates are compiled once at load time with google/cel-go against
// the standard CEL environment; its operators, functions and macros are
// not narrowed to a smaller set. The environment only ever sees the
// four declared variables, so a predicate cannot reach outside the
// frozen map, and CEL has no unbounded loop construct.
package policy

import (
	"fmt"
	"log"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
)

// env is the single CEL environment every predicate compiles against,
// declaring exactly four variables: hint_effort, match_score,
// company_tier, domain_policy. An identifier outside this set fails to
// compile, rejecting unknown identifiers at load.
var env *cel.Env

func init() {
	var err error
	env, err = cel.NewEnv(
		cel.Variable("hint_effort", cel.StringType),
		cel.Variable("match_score", cel.DoubleType),
		cel.Variable("company_tier", cel.StringType),
		cel.Variable("domain_policy", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		panic("policy: building CEL environment: " + err.Error())
	}
}

// compiledPredicate is a predicate that has already survived parse,
// check, and planning; Eval never returns a compile error.
type compiledPredicate struct {
	source  string
	program cel.Program
}

// compilePredicate compiles source against env. A predicate that
// fails to parse or type-check is not a fatal error at load time: the
// caller logs once and substitutes an always-false predicate, so a
// malformed rule never aborts evaluation.
func compilePredicate(source string) (*compiledPredicate, error) {
	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: compiling predicate %q: %w", source, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("policy: predicate %q does not evaluate to a bool", source)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: planning predicate %q: %w", source, err)
	}
	return &compiledPredicate{source: source, program: prg}, nil
}

// alwaysFalse stands in for a predicate that failed to compile.
var alwaysFalse = &compiledPredicate{source: "false"}

// mustCompile compiles source, logging once and substituting
// alwaysFalse on failure rather than returning an error up the call
// stack — the only place load-time predicate errors are observed.
func mustCompile(source string) *compiledPredicate {
	p, err := compilePredicate(source)
	if err != nil {
		log.Printf("policy: rule predicate rejected at load, treating as false: %v", err)
		return alwaysFalse
	}
	return p
}

// eval runs the predicate against vars, a frozen snapshot of the four
// declared variables. A predicate that fails at *evaluation* time
// (distinct from compile time — e.g. a map key CEL can't prove is
// present) is also treated as false rather than propagated, preserving
// the "never aborts evaluation" guarantee for the whole rule set.
func (p *compiledPredicate) eval(vars map[string]any) bool {
	if p == alwaysFalse {
		return false
	}
	out, _, err := p.program.Eval(vars)
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	if !ok {
		if rv, ok := out.(ref.Val); ok {
			if bv, ok := rv.Value().(bool); ok {
				return bv
			}
		}
		return false
	}
	return b
}
