// Package dispatcher implements the dispatch loop: the single logical
// loop that selects admissible items, consults the policy evaluator
// and rate governor, and hands work to the worker pool while enforcing
// session limits and cooperative cancellation.
package dispatcher

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/applyctl/flowctl/internal/apperrors"
	"github.com/applyctl/flowctl/internal/eventlog"
	"github.com/applyctl/flowctl/internal/observability"
	"github.com/applyctl/flowctl/internal/policy"
	"github.com/applyctl/flowctl/internal/rategovernor"
	"github.com/applyctl/flowctl/internal/store"
	"github.com/applyctl/flowctl/internal/worker"
)

// state is the Dispatcher's own view of the session lifecycle,
// narrowed to the subset the loop itself must react to.
type state int32

const (
	stateRunning state = iota
	statePaused
	stateDraining
	stateCancelling
	stateStopped
)

// perEffortCostCeiling is the budget guard's per-item cost estimate by
// chosen effort. The values are fixed here; the effort policy config
// has no cost fields.
var perEffortCostCeiling = map[store.Effort]float64{
	store.EffortLow:    0.05,
	store.EffortMedium: 0.25,
	store.EffortHigh:   1.00,
}

// refillBatch bounds how many queued items one ListQueuedApplications
// call pulls at a time.
const refillBatch = 50

// pollInterval is how long the loop parks when the queue is empty or
// the session is paused, re-checking state/queue depth each wake.
const pollInterval = 200 * time.Millisecond

// dispatchesPerSecond paces the loop globally, on top of the Rate
// Governor's per-domain admission — a burst of single-item domains
// must not turn into a burst of simultaneous browser launches.
const dispatchesPerSecond = 10

// Deps bundles the Dispatcher's collaborators, built once by the
// Session Controller at session start().
type Deps struct {
	Repo     store.Repository
	Log      *eventlog.Log
	Policy   *policy.Evaluator
	Governor *rategovernor.Governor
	Pool     *worker.Pool

	SessionID store.ID
	Limits    store.SessionLimits
	StartedAt time.Time

	// OnLimitsReached is called exactly once, from the dispatch
	// goroutine, the instant a session limit trips. The session
	// controller owns the actual draining->terminal repository
	// transition and digest.
	OnLimitsReached func(reason string)
	// OnFatal is called when an Event Log write exhausts its retries;
	// the session must transition to failed and dispatch must stop.
	OnFatal func(err error)
}

// Dispatcher is the dispatch loop, one instance per running session.
type Dispatcher struct {
	deps  Deps
	queue *readyQueue
	pacer *rate.Limiter

	state  atomic.Int32
	cancel context.CancelFunc

	mu         sync.Mutex
	attempted  int
	estCost    float64
	inFlight   map[store.ID]bool
	attemptCnt map[store.ID]int // assignment retry count

	pendingWG sync.WaitGroup
}

// New builds a Dispatcher. attempted/estCost seed from the session's
// persisted counters so a resumed session doesn't re-derive them from
// scratch (the Session Controller passes the session snapshot's
// current counters via attempted/estCost).
func New(deps Deps, attempted int, estCost float64) *Dispatcher {
	d := &Dispatcher{
		deps:       deps,
		queue:      newReadyQueue(),
		pacer:      rate.NewLimiter(rate.Limit(dispatchesPerSecond), 1),
		inFlight:   make(map[store.ID]bool),
		attemptCnt: make(map[store.ID]int),
		attempted:  attempted,
		estCost:    estCost,
	}
	d.state.Store(int32(stateRunning))
	return d
}

// Pause stops the loop from picking new items; in-flight items
// complete.
func (d *Dispatcher) Pause() { d.state.Store(int32(statePaused)) }

// Resume lets a paused loop pick items again.
func (d *Dispatcher) Resume() { d.state.Store(int32(stateRunning)) }

// Cancel cooperatively cancels in-flight items via ctx and stops
// picking new ones.
func (d *Dispatcher) Cancel() {
	d.state.Store(int32(stateCancelling))
	if d.cancel != nil {
		d.cancel()
	}
}

// Stop requests a graceful drain, equivalent to an externally
// triggered limits_reached.
func (d *Dispatcher) Stop() { d.state.Store(int32(stateDraining)) }

// QueueDepth reports items currently staged in the local ready queue.
// Neither the Control API's status() nor the QueueDepth gauge reads it.
func (d *Dispatcher) QueueDepth() int { return d.queue.len() }

// Run drives the loop until the session drains, is cancelled, or ctx
// is done. It returns once no more in-flight items remain.
func (d *Dispatcher) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	for {
		observability.DispatchLoopIterations.Inc()

		if ctx.Err() != nil {
			d.state.Store(int32(stateCancelling))
		}

		switch state(d.state.Load()) {
		case stateCancelling:
			d.drainInFlight(ctx)
			return
		case statePaused:
			d.sleep(ctx, pollInterval)
			continue
		case stateDraining:
			if d.inFlightCount() == 0 {
				return
			}
			d.sleep(ctx, pollInterval)
			continue
		}

		if reason := d.limitsReached(); reason != "" {
			d.state.Store(int32(stateDraining))
			if d.deps.OnLimitsReached != nil {
				d.deps.OnLimitsReached(reason)
			}
			continue
		}

		item := d.nextItem(ctx)
		if item == nil {
			d.sleep(ctx, pollInterval)
			continue
		}

		if err := d.pacer.Wait(ctx); err != nil {
			d.queue.push(item)
			continue
		}
		d.dispatchOne(ctx, item)

		select {
		case <-ctx.Done():
			d.state.Store(int32(stateCancelling))
		default:
		}
	}
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// limitsReached checks the three session limits; max_items is checked
// before any rate acquisition so a capped session never burns a slot.
func (d *Dispatcher) limitsReached() string {
	d.mu.Lock()
	attempted := d.attempted
	cost := d.estCost
	d.mu.Unlock()

	if d.deps.Limits.MaxItems > 0 && attempted >= d.deps.Limits.MaxItems {
		return "max_items_reached"
	}
	if d.deps.Limits.MaxDuration > 0 && time.Since(d.deps.StartedAt) >= d.deps.Limits.MaxDuration {
		return "max_duration_reached"
	}
	if d.deps.Limits.BudgetCost > 0 && cost > d.deps.Limits.BudgetCost {
		return "budget_exhausted"
	}
	return ""
}

// nextItem pops the local ready queue, refilling from the repository
// (already ordered by `floor(match_score*10) DESC, queued_at ASC`)
// when it runs dry.
func (d *Dispatcher) nextItem(ctx context.Context) *store.ApplicationItem {
	if it := d.queue.pop(); it != nil {
		return it
	}
	items, err := d.deps.Repo.ListQueuedApplications(ctx, d.deps.SessionID, refillBatch)
	if err != nil {
		log.Printf("dispatcher: refill failed: %v", err)
		return nil
	}
	d.mu.Lock()
	for _, it := range items {
		if d.inFlight[it.ID] {
			continue
		}
		d.mu.Unlock()
		d.queue.push(it)
		d.mu.Lock()
	}
	d.mu.Unlock()
	return d.queue.pop()
}

// dispatchOne runs one full dispatch iteration: policy, rate
// governor, worker assignment, and registering the async release.
func (d *Dispatcher) dispatchOne(ctx context.Context, item *store.ApplicationItem) {
	decision := d.deps.Policy.Evaluate(policy.Input{
		HintEffort:   item.HintEffort,
		MatchScore:   item.MatchScore,
		CompanyTier:  item.CompanyTier,
		DomainPolicy: d.domainPolicy(item.Domain),
	})
	observability.PolicyDecisions.WithLabelValues(string(decision.Effort), string(decision.SkipReason)).Inc()

	if decision.Skipped() {
		d.markSkipped(ctx, item, string(decision.SkipReason))
		return
	}

	adm := d.deps.Governor.TryAcquire(item.Domain)
	switch adm.Outcome {
	case rategovernor.Reject:
		observability.DispatchSkips.WithLabelValues("rate_reject").Inc()
		d.markSkipped(ctx, item, string(adm.Reason))
		return
	case rategovernor.Defer:
		_, _ = d.deps.Log.AppendApplication(ctx, d.deps.SessionID, item.ID, store.EventRateLimitApplied, item.Domain, map[string]any{
			"earliest_at": adm.EarliestAt,
		})
		d.queue.pushDelayed(item, time.Until(adm.EarliestAt))
		return
	}

	w, err := d.deps.Pool.AwaitFreeSlot(ctx)
	if err != nil {
		// ctx cancelled while waiting; release the slot we just admitted
		// and let the outer loop notice cancellation.
		d.deps.Governor.Release(item.Domain, rategovernor.OutcomeCancelled)
		d.queue.push(item)
		return
	}

	if !d.assign(w, item, decision) {
		d.deps.Governor.Release(item.Domain, rategovernor.OutcomeFailure)
		d.handleAssignmentFailure(ctx, item)
		return
	}

	d.mu.Lock()
	d.attempted++
	d.estCost += perEffortCostCeiling[decision.Effort]
	d.inFlight[item.ID] = true
	d.mu.Unlock()

	_ = d.deps.Repo.UpdateSessionCounters(ctx, d.deps.SessionID, store.SessionCounters{Attempted: 1, InFlight: 1})
}

// assign hands the item to w, recovering from a panic in Worker.Assign
// (e.g. a send on a channel closed by a racing pool shutdown).
func (d *Dispatcher) assign(w *worker.Worker, item *store.ApplicationItem, decision policy.Decision) (ok bool) {
	done := make(chan rategovernor.Outcome, 1)
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
		if ok {
			d.pendingWG.Add(1)
			go d.awaitRelease(item, done)
		}
	}()
	w.Assign(&worker.Assignment{Item: item, Effort: decision.Effort, QARequired: decision.QARequired, Done: done})
	ok = true
	return ok
}

// handleAssignmentFailure requeues the item once with backoff; a
// second failure marks it failed.
func (d *Dispatcher) handleAssignmentFailure(ctx context.Context, item *store.ApplicationItem) {
	d.mu.Lock()
	d.attemptCnt[item.ID]++
	n := d.attemptCnt[item.ID]
	d.mu.Unlock()
	if n <= 1 {
		d.queue.pushDelayed(item, 500*time.Millisecond)
		return
	}
	_ = d.deps.Repo.RecordApplicationFailure(ctx, item.ID, "assignment_failure", "worker assignment failed twice")
	_ = d.deps.Repo.UpdateApplicationStatus(ctx, item.ID, store.AppFailed, "assignment_failure", "", &store.Event{
		SessionID: d.deps.SessionID, ApplicationID: item.ID, Type: store.EventItemFailed, Detail: "assignment_failure",
	})
	observability.ApplicationsTerminal.WithLabelValues(item.Domain, "failed").Inc()
}

// awaitRelease waits for the worker's terminal outcome and releases
// the rate governor slot on the item's behalf, whatever the outcome.
func (d *Dispatcher) awaitRelease(item *store.ApplicationItem, done chan rategovernor.Outcome) {
	defer d.pendingWG.Done()
	outcome := <-done
	d.deps.Governor.Release(item.Domain, outcome)
	if outcome == rategovernor.OutcomeBlocked {
		_, _ = d.deps.Log.AppendApplication(context.Background(), d.deps.SessionID, item.ID, store.EventDomainBlocked, item.Domain, map[string]any{
			"blocked_until": d.deps.Governor.BlockedUntil(item.Domain),
		})
	}
	d.mu.Lock()
	delete(d.inFlight, item.ID)
	delete(d.attemptCnt, item.ID)
	d.mu.Unlock()
	_ = d.deps.Repo.UpdateSessionCounters(context.Background(), d.deps.SessionID, store.SessionCounters{InFlight: -1})
}

func (d *Dispatcher) inFlightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

// markSkipped is a single status transition plus event, never touching
// the rate governor (no slot was ever acquired).
func (d *Dispatcher) markSkipped(ctx context.Context, item *store.ApplicationItem, reason string) {
	observability.DispatchSkips.WithLabelValues(reason).Inc()
	err := d.deps.Repo.UpdateApplicationStatus(ctx, item.ID, store.AppSkipped, reason, "", &store.Event{
		SessionID: d.deps.SessionID, ApplicationID: item.ID, Type: store.EventItemSkipped, Detail: reason,
	})
	if err != nil {
		d.fatal(apperrors.Wrap(apperrors.ErrFatalLogWrite, err.Error()))
		return
	}
	d.mu.Lock()
	d.attempted++
	d.mu.Unlock()
	_ = d.deps.Repo.UpdateSessionCounters(ctx, d.deps.SessionID, store.SessionCounters{Attempted: 1, Skipped: 1})
}

// drainInFlight waits for every dispatched item's release to land
// before Run returns, so cancellation leaves no item without a
// terminal status.
func (d *Dispatcher) drainInFlight(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.pendingWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Printf("dispatcher: cancellation drain window elapsed with items still in flight")
	}
}

func (d *Dispatcher) domainPolicy(domain string) store.DomainPolicy {
	// The Governor already holds the authoritative per-domain policy
	// (loaded at session start), so the Policy Evaluator's
	// `domain_policy` variable reads the live record rather than a
	// stale repository snapshot.
	return d.deps.Governor.Policy(domain)
}

// fatal escalates an exhausted Event Log write retry to a session
// failure; in-memory state must not diverge from the durable log.
func (d *Dispatcher) fatal(err error) {
	d.state.Store(int32(stateCancelling))
	if d.cancel != nil {
		d.cancel()
	}
	if d.deps.OnFatal != nil {
		d.deps.OnFatal(err)
	}
}
