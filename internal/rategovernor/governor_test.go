package rategovernor

import (
	"testing"
	"time"

	"github.com/applyctl/flowctl/internal/store"
)

func TestTryAcquire_ConcurrencyCeiling(t *testing.T) {
	g := New(time.UTC)
	g.LoadPolicies([]*store.DomainPolicy{{Domain: "ats.company.com", MaxPerDay: 100, MaxConcurrent: 1}})

	a1 := g.TryAcquire("ats.company.com")
	if a1.Outcome != Admit {
		t.Fatalf("expected first acquire to admit, got %+v", a1)
	}
	a2 := g.TryAcquire("ats.company.com")
	if a2.Outcome != Defer {
		t.Fatalf("expected second concurrent acquire to defer, got %+v", a2)
	}
	if g.InFlight("ats.company.com") != 1 {
		t.Fatalf("expected in_flight=1, got %d", g.InFlight("ats.company.com"))
	}
	g.Release("ats.company.com", OutcomeSuccess)
	if g.InFlight("ats.company.com") != 0 {
		t.Fatalf("expected in_flight=0 after release")
	}
}

func TestTryAcquire_MinInterval(t *testing.T) {
	cur := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g := New(time.UTC)
	g.now = func() time.Time { return cur }
	g.LoadPolicies([]*store.DomainPolicy{{Domain: "ats.company.com", MaxPerDay: 100, MinIntervalSeconds: 60, MaxConcurrent: 2}})

	a1 := g.TryAcquire("ats.company.com")
	if a1.Outcome != Admit {
		t.Fatalf("expected admit, got %+v", a1)
	}
	g.Release("ats.company.com", OutcomeSuccess)

	a2 := g.TryAcquire("ats.company.com")
	if a2.Outcome != Defer {
		t.Fatalf("expected defer within min_interval, got %+v", a2)
	}
	if a2.EarliestAt.Before(cur.Add(60 * time.Second)) {
		t.Fatalf("expected earliest_ts >= 60s out, got %v", a2.EarliestAt)
	}

	cur = cur.Add(61 * time.Second)
	a3 := g.TryAcquire("ats.company.com")
	if a3.Outcome != Admit {
		t.Fatalf("expected admit after interval elapses, got %+v", a3)
	}
}

func TestTryAcquire_AvoidRejects(t *testing.T) {
	g := New(time.UTC)
	g.LoadPolicies([]*store.DomainPolicy{{Domain: "blacklisted.com", Avoid: true}})
	a := g.TryAcquire("blacklisted.com")
	if a.Outcome != Reject || a.Reason != "avoid" {
		t.Fatalf("expected reject/avoid, got %+v", a)
	}
}

func TestTryAcquire_DayCapRejects(t *testing.T) {
	g := New(time.UTC)
	g.LoadPolicies([]*store.DomainPolicy{{Domain: "x.com", MaxPerDay: 1, MaxConcurrent: 5}})
	a1 := g.TryAcquire("x.com")
	if a1.Outcome != Admit {
		t.Fatalf("expected first admit, got %+v", a1)
	}
	g.Release("x.com", OutcomeSuccess)
	a2 := g.TryAcquire("x.com")
	if a2.Outcome != Reject || a2.Reason != "day_cap_reached" {
		t.Fatalf("expected day cap reject, got %+v", a2)
	}
}

func TestRelease_BlockedSetsCooldown(t *testing.T) {
	cur := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g := New(time.UTC)
	g.now = func() time.Time { return cur }
	g.LoadPolicies([]*store.DomainPolicy{{Domain: "x.com", MaxPerDay: 100, MaxConcurrent: 5, CooldownSeconds: 1800}})
	g.TryAcquire("x.com")
	g.Release("x.com", OutcomeBlocked)

	a := g.TryAcquire("x.com")
	if a.Outcome != Defer {
		t.Fatalf("expected defer while blocked, got %+v", a)
	}
	if g.BlockedUntil("x.com").Sub(cur) != 1800*time.Second {
		t.Fatalf("expected 30m cooldown, got %v", g.BlockedUntil("x.com").Sub(cur))
	}
}

func TestTryAcquire_UnknownDomainGetsPermissiveDefault(t *testing.T) {
	g := New(time.UTC)
	a := g.TryAcquire("never-configured.example.com")
	if a.Outcome != Admit {
		t.Fatalf("expected unconfigured domain to admit by default, got %+v", a)
	}
}
