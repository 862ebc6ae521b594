// Package rategovernor enforces per-domain admission: one admission
// record per domain (day cap, min interval, concurrency ceiling, avoid
// flag, blocked-until deadline), serialized per-domain, never a single
// process-wide lock held across an outbound call. Domain state is
// per-process and rebuilt as all-zero on restart; it is never the
// durable record, the event log is.
package rategovernor

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/applyctl/flowctl/internal/apperrors"
	"github.com/applyctl/flowctl/internal/observability"
	"github.com/applyctl/flowctl/internal/store"
)

// Outcome classifies why a slot is being released.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// AdmitOutcome is the three-way result of TryAcquire.
type AdmitOutcome int

const (
	Admit AdmitOutcome = iota
	Defer
	Reject
)

// Admission is the result of one TryAcquire call.
type Admission struct {
	Outcome    AdmitOutcome
	EarliestAt time.Time            // valid when Outcome == Defer
	Reason     apperrors.ReasonCode // valid when Outcome == Reject
}

// domainState is one domain's admission record. Every field is
// guarded by mu; mu is never held across an outbound call, it only
// protects counter mutation.
type domainState struct {
	mu sync.Mutex

	policy store.DomainPolicy

	applicationsToday int
	dayKey            string // yyyy-mm-dd in the governor's configured location
	lastStartedAt     time.Time
	inFlight          int
	blockedUntil      time.Time
}

// Governor holds one domainState per domain plus the shared domain
// policy table loaded at session start. It is process-scoped and safe
// for concurrent use by every worker.
type Governor struct {
	mu      sync.RWMutex
	domains map[string]*domainState
	loc     *time.Location

	cronOnce sync.Once
	cron     *cron.Cron

	now func() time.Time // overridable for tests
}

// New builds a Governor. Day counts reset at local midnight in loc, one
// location for every domain and every session; a session's own
// Timezone setting does not change it. The composition root passes
// time.Local.
func New(loc *time.Location) *Governor {
	if loc == nil {
		loc = time.UTC
	}
	return &Governor{
		domains: make(map[string]*domainState),
		loc:     loc,
		now:     time.Now,
	}
}

// LoadPolicies installs the domain policy table at session start. It
// never clobbers a domain's live counters, only its policy.
func (g *Governor) LoadPolicies(policies []*store.DomainPolicy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range policies {
		d, ok := g.domains[p.Domain]
		if !ok {
			d = &domainState{}
			g.domains[p.Domain] = d
		}
		d.mu.Lock()
		d.policy = *p
		d.mu.Unlock()
	}
}

// UpsertPolicy installs or updates a single domain's policy, for
// domains discovered after session start (a job URL whose host has no
// prior policy row).
func (g *Governor) UpsertPolicy(p store.DomainPolicy) {
	g.mu.Lock()
	d, ok := g.domains[p.Domain]
	if !ok {
		d = &domainState{}
		g.domains[p.Domain] = d
	}
	g.mu.Unlock()
	d.mu.Lock()
	d.policy = p
	d.mu.Unlock()
}

// domain returns (creating if necessary) the state for a domain with
// no explicit policy row — it gets a permissive built-in default (1000
// per day, no minimum interval, one concurrent, 30-minute cooldown)
// rather than blocking all traffic to an unconfigured host.
func (g *Governor) domain(name string) *domainState {
	g.mu.RLock()
	d, ok := g.domains[name]
	g.mu.RUnlock()
	if ok {
		return d
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if d, ok = g.domains[name]; ok {
		return d
	}
	d = &domainState{policy: store.DomainPolicy{
		Domain:             name,
		MaxPerDay:          1000,
		MinIntervalSeconds: 0,
		MaxConcurrent:      1,
		CooldownSeconds:    1800,
	}}
	g.domains[name] = d
	return d
}

// TryAcquire atomically checks the day cap, minimum interval,
// concurrency ceiling, avoid flag and blocked-until deadline. All
// state updates for one domain are serialized by that domain's own
// mutex: when two dispatch attempts race for the same domain, at most
// one admits and the other defers with a non-decreasing earliest time.
func (g *Governor) TryAcquire(domain string) Admission {
	d := g.domain(domain)
	now := g.now().In(g.loc)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.rolloverLocked(now)

	if d.policy.Avoid {
		observability.RateGovernorDecisions.WithLabelValues(domain, "reject", "avoid").Inc()
		return Admission{Outcome: Reject, Reason: "avoid"}
	}
	if !d.blockedUntil.IsZero() && now.Before(d.blockedUntil) {
		observability.RateGovernorDecisions.WithLabelValues(domain, "defer", "blocked").Inc()
		return Admission{Outcome: Defer, EarliestAt: d.blockedUntil}
	}
	if d.policy.MaxPerDay > 0 && d.applicationsToday >= d.policy.MaxPerDay {
		observability.RateGovernorDecisions.WithLabelValues(domain, "reject", "day_cap").Inc()
		return Admission{Outcome: Reject, Reason: "day_cap_reached"}
	}
	minInterval := time.Duration(d.policy.MinIntervalSeconds) * time.Second
	if !d.lastStartedAt.IsZero() {
		earliest := d.lastStartedAt.Add(minInterval)
		if now.Before(earliest) {
			observability.RateGovernorDecisions.WithLabelValues(domain, "defer", "min_interval").Inc()
			return Admission{Outcome: Defer, EarliestAt: earliest}
		}
	}
	maxConcurrent := d.policy.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if d.inFlight >= maxConcurrent {
		observability.RateGovernorDecisions.WithLabelValues(domain, "defer", "concurrency").Inc()
		// No principled earliest time is known until some in-flight item
		// finishes; a short poll interval is the caller's concern (the
		// Dispatcher requeues and retries).
		return Admission{Outcome: Defer, EarliestAt: now.Add(time.Second)}
	}

	d.inFlight++
	d.lastStartedAt = now
	d.applicationsToday++
	observability.RateGovernorDecisions.WithLabelValues(domain, "admit", "").Inc()
	return Admission{Outcome: Admit}
}

// rolloverLocked resets applications_today if we've crossed local
// midnight since the last observation, the manual fallback to the
// cron-driven daily reset so a domain that simply wasn't touched
// around midnight still self-corrects the next time it's queried.
func (d *domainState) rolloverLocked(now time.Time) {
	key := now.Format("2006-01-02")
	if d.dayKey == "" {
		d.dayKey = key
		return
	}
	if d.dayKey != key {
		d.dayKey = key
		d.applicationsToday = 0
	}
}

// Release returns an admitted slot. Every terminal worker path
// (success, failure, crash, timeout, cancellation) must call this
// exactly once per admitted item; the dispatcher/worker-pool boundary
// is responsible for that guarantee so a crashed worker never leaks a
// slot.
func (g *Governor) Release(domain string, outcome Outcome) {
	d := g.domain(domain)
	now := g.now().In(g.loc)

	d.mu.Lock()
	if d.inFlight > 0 {
		d.inFlight--
	}
	blocked := false
	if outcome == OutcomeBlocked {
		cooldown := time.Duration(d.policy.CooldownSeconds) * time.Second
		if cooldown <= 0 {
			cooldown = 30 * time.Minute
		}
		d.blockedUntil = now.Add(cooldown)
		blocked = true
	}
	d.mu.Unlock()

	observability.RateGovernorDecisions.WithLabelValues(domain, "release", string(outcome)).Inc()
	_ = blocked // event emission ("domain_blocked") is the caller's job (has event log access); Release is pure bookkeeping.
}

// BlockedUntil reports the domain's current cooldown deadline, used by
// callers that need to emit a domain_blocked event with the deadline
// as payload without re-deriving it.
func (g *Governor) BlockedUntil(domain string) time.Time {
	d := g.domain(domain)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blockedUntil
}

// Policy reports the domain's currently installed policy, used by the
// Dispatcher to build the Policy Evaluator's `domain_policy` variable
// without duplicating the Governor's own policy table.
func (g *Governor) Policy(domain string) store.DomainPolicy {
	d := g.domain(domain)
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.policy
	if !d.blockedUntil.IsZero() {
		bu := d.blockedUntil
		p.BlockedUntil = &bu
	}
	return p
}

// InFlight reports the current in-flight count for a domain.
func (g *Governor) InFlight(domain string) int {
	d := g.domain(domain)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight
}

// StartDailyReset schedules the daily reset job, pinned to the
// Governor's configured location so every domain resets at the same
// local midnight. Idempotent: only the first call actually starts the
// scheduler.
func (g *Governor) StartDailyReset() {
	g.cronOnce.Do(func() {
		c := cron.New(cron.WithLocation(g.loc))
		_, _ = c.AddFunc("0 0 * * *", g.dailyReset)
		c.Start()
		g.cron = c
	})
}

// Stop halts the cron scheduler, if started.
func (g *Governor) Stop() {
	if g.cron != nil {
		g.cron.Stop()
	}
}

func (g *Governor) dailyReset() {
	g.mu.RLock()
	defer g.mu.RUnlock()
	key := g.now().In(g.loc).Format("2006-01-02")
	for _, d := range g.domains {
		d.mu.Lock()
		d.applicationsToday = 0
		d.dayKey = key
		d.mu.Unlock()
	}
}
