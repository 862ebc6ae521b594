package policy

import (
	"testing"

	"github.com/applyctl/flowctl/internal/apperrors"
	"github.com/applyctl/flowctl/internal/store"
)

func testEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	ev, err := Compile(EffortPolicyConfig{
		SkipThreshold: 0.20,
		Upgrade: []RuleConfig{
			{Name: "high-match", When: "match_score >= 0.9", Target: store.EffortHigh},
			{Name: "medium-match", When: "match_score >= 0.6", Target: store.EffortMedium},
		},
		Downgrade: []RuleConfig{
			{Name: "crowded-domain", When: "domain_policy.max_concurrent == 1", Target: store.EffortLow},
		},
		QA: []RuleConfig{
			{Name: "qa-on-high", When: "match_score >= 0.9"},
			{Name: "qa-bad-syntax", When: "this is not cel("},
		},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return ev
}

func TestEvaluator_AvoidCompany(t *testing.T) {
	ev := testEvaluator(t)
	d := ev.Evaluate(Input{HintEffort: store.EffortHigh, MatchScore: 0.95, CompanyTier: "avoid"})
	if d.SkipReason != apperrors.ReasonAvoidCompany {
		t.Fatalf("expected avoid_company skip, got %+v", d)
	}
}

func TestEvaluator_LowMatchSkips(t *testing.T) {
	ev := testEvaluator(t)
	d := ev.Evaluate(Input{HintEffort: store.EffortMedium, MatchScore: 0.15, CompanyTier: "normal"})
	if d.SkipReason != apperrors.ReasonLowMatch {
		t.Fatalf("expected low_match skip, got %+v", d)
	}
}

func TestEvaluator_UpgradeNeverDowngrades(t *testing.T) {
	ev := testEvaluator(t)
	d := ev.Evaluate(Input{HintEffort: store.EffortHigh, MatchScore: 0.7, CompanyTier: "normal"})
	if d.Effort != store.EffortHigh {
		t.Fatalf("expected effort to stay high, got %s", d.Effort)
	}
}

func TestEvaluator_UpgradeRaises(t *testing.T) {
	ev := testEvaluator(t)
	d := ev.Evaluate(Input{HintEffort: store.EffortLow, MatchScore: 0.95, CompanyTier: "normal",
		DomainPolicy: store.DomainPolicy{MaxConcurrent: 5}})
	if d.Effort != store.EffortHigh || !d.QARequired {
		t.Fatalf("expected high effort + QA, got %+v", d)
	}
}

func TestEvaluator_DowngradeAfterUpgrade(t *testing.T) {
	ev := testEvaluator(t)
	d := ev.Evaluate(Input{HintEffort: store.EffortLow, MatchScore: 0.95, CompanyTier: "normal",
		DomainPolicy: store.DomainPolicy{MaxConcurrent: 1}})
	if d.Effort != store.EffortLow {
		t.Fatalf("expected downgrade back to low, got %s", d.Effort)
	}
	if !d.QARequired {
		t.Fatalf("QA rule is evaluated against the settled state independent of the downgrade, expected true")
	}
}

func TestEvaluator_Determinism(t *testing.T) {
	ev := testEvaluator(t)
	in := Input{HintEffort: store.EffortMedium, MatchScore: 0.7, CompanyTier: "normal"}
	a := ev.Evaluate(in)
	b := ev.Evaluate(in)
	if a != b {
		t.Fatalf("Evaluate is not deterministic: %+v != %+v", a, b)
	}
}

func TestEvaluator_MalformedPredicateTreatedFalse(t *testing.T) {
	ev := testEvaluator(t)
	// The qa-bad-syntax rule never panics evaluation nor spuriously fires.
	d := ev.Evaluate(Input{HintEffort: store.EffortLow, MatchScore: 0.3, CompanyTier: "normal"})
	if d.QARequired {
		t.Fatalf("malformed predicate should never contribute a true match")
	}
}

func TestCompile_RejectsUnknownEffort(t *testing.T) {
	_, err := Compile(EffortPolicyConfig{
		Upgrade: []RuleConfig{{When: "true", Target: store.Effort("legendary")}},
	})
	if err == nil {
		t.Fatalf("expected error for unknown effort level")
	}
}
