package policy

import (
	"github.com/applyctl/flowctl/internal/apperrors"
	"github.com/applyctl/flowctl/internal/store"
)

// RuleConfig is one declarative `{when, then}` rule as loaded from
// the effort policy config file: a predicate plus an
// upgrade/downgrade/skip/require_qa action.
type RuleConfig struct {
	Name string
	When string
	// Target is the effort level named by upgrade_to/downgrade_to; unused
	// for skip/require_qa rules.
	Target store.Effort
	// SkipReason is the reason code attached when a skip rule fires.
	SkipReason string
}

// EffortPolicyConfig is the parsed config document for one
// effort_policy_ref, compiled once into an Evaluator.
type EffortPolicyConfig struct {
	SkipThreshold float64
	Upgrade       []RuleConfig
	Downgrade     []RuleConfig
	QA            []RuleConfig
}

// rule pairs a compiled predicate with its originating config, so the
// Evaluator never re-parses an expression after load.
type rule struct {
	cfg  RuleConfig
	pred *compiledPredicate
}

// Evaluator is the compiled, immutable form of one EffortPolicyConfig.
// It holds no I/O handles and no mutable state once built; Evaluate is
// a pure function of its inputs, deterministic across runs and
// processes.
type Evaluator struct {
	skipThreshold float64
	upgrade       []rule
	downgrade     []rule
	qa            []rule
}

// Compile builds an Evaluator from cfg, compiling every predicate up
// front. It never returns an error for a malformed predicate — see
// mustCompile — only for structural problems that would make the
// policy meaningless (e.g. an upgrade rule naming an unknown effort
// level).
func Compile(cfg EffortPolicyConfig) (*Evaluator, error) {
	e := &Evaluator{skipThreshold: cfg.SkipThreshold}
	if e.skipThreshold == 0 {
		e.skipThreshold = 0.20
	}
	for _, rc := range cfg.Upgrade {
		if err := validEffort(rc.Target); err != nil {
			return nil, err
		}
		e.upgrade = append(e.upgrade, rule{cfg: rc, pred: mustCompile(rc.When)})
	}
	for _, rc := range cfg.Downgrade {
		if err := validEffort(rc.Target); err != nil {
			return nil, err
		}
		e.downgrade = append(e.downgrade, rule{cfg: rc, pred: mustCompile(rc.When)})
	}
	for _, rc := range cfg.QA {
		e.qa = append(e.qa, rule{cfg: rc, pred: mustCompile(rc.When)})
	}
	return e, nil
}

func validEffort(e store.Effort) error {
	switch e {
	case store.EffortLow, store.EffortMedium, store.EffortHigh:
		return nil
	default:
		return apperrors.Wrap(apperrors.ErrInvalidPredicate, "unknown effort level "+string(e))
	}
}

// effortRank orders the three levels so upgrade/downgrade can compare
// "up to"/"down to" a target without a switch at every call site.
var effortRank = map[store.Effort]int{
	store.EffortLow:    0,
	store.EffortMedium: 1,
	store.EffortHigh:   2,
}

// Input is the frozen signal map an evaluation runs against.
type Input struct {
	HintEffort   store.Effort
	MatchScore   float64
	CompanyTier  string
	DomainPolicy store.DomainPolicy
}

// Decision is the Policy Evaluator's output: "(effort, qa_required,
// skip_reason)".
type Decision struct {
	Effort     store.Effort
	QARequired bool
	SkipReason apperrors.ReasonCode // empty if not skipped
}

// Skipped reports whether the decision carries a skip reason.
func (d Decision) Skipped() bool { return d.SkipReason != "" }

// celVars builds the frozen map the CEL programs evaluate against.
// Built once per Evaluate call, not per rule, so every rule in the
// same evaluation sees byte-identical inputs.
func celVars(in Input) map[string]any {
	return map[string]any{
		"hint_effort":  string(in.HintEffort),
		"match_score":  in.MatchScore,
		"company_tier": in.CompanyTier,
		"domain_policy": map[string]any{
			"max_per_day":          int64(in.DomainPolicy.MaxPerDay),
			"min_interval_seconds": int64(in.DomainPolicy.MinIntervalSeconds),
			"max_concurrent":       int64(in.DomainPolicy.MaxConcurrent),
			"avoid":                in.DomainPolicy.Avoid,
			"cooldown_seconds":     int64(in.DomainPolicy.CooldownSeconds),
		},
	}
}

// Evaluate decides effort, QA and skip for one item. The avoid-company
// and low-match checks are unconditional early returns ahead of the
// rule lists; the rule lists then run in declared order, first match
// wins, which keeps the tie-break stable across processes.
func (e *Evaluator) Evaluate(in Input) Decision {
	if in.CompanyTier == "avoid" {
		return Decision{Effort: store.EffortLow, SkipReason: apperrors.ReasonAvoidCompany}
	}
	if in.MatchScore < e.skipThreshold {
		return Decision{Effort: store.EffortLow, SkipReason: apperrors.ReasonLowMatch}
	}

	effort := in.HintEffort
	if _, ok := effortRank[effort]; !ok {
		effort = store.EffortLow
	}
	vars := celVars(in)

	// First matching upgrade rule wins, never downgrades here.
	for _, r := range e.upgrade {
		if r.pred.eval(vars) {
			if effortRank[r.cfg.Target] > effortRank[effort] {
				effort = r.cfg.Target
			}
			break
		}
	}
	// First matching downgrade rule wins.
	for _, r := range e.downgrade {
		if r.pred.eval(vars) {
			if effortRank[r.cfg.Target] < effortRank[effort] {
				effort = r.cfg.Target
			}
			break
		}
	}
	// QA rules evaluate once, after upgrade/downgrade and against the
	// same input variables (not the settled effort), so QA triggering
	// never depends on how many upgrade rules happened to fire.
	qaRequired := false
	for _, r := range e.qa {
		if r.pred.eval(vars) {
			qaRequired = true
			break
		}
	}

	return Decision{Effort: effort, QARequired: qaRequired}
}
