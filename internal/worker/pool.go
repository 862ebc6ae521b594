// Package worker implements the worker pool: a fixed-size set of
// isolated actors, each owning its own Executor instance and running
// one application item at a time. A worker is a local, single-threaded
// goroutine loop reading from its own channel; results flow back
// through the same Repository/Event Log every other component uses, so
// distribution (if ever needed) is a transport swapped in under the
// channel interface, not a second pool shape.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/applyctl/flowctl/internal/apperrors"
	"github.com/applyctl/flowctl/internal/eventlog"
	"github.com/applyctl/flowctl/internal/executor"
	"github.com/applyctl/flowctl/internal/intervention"
	"github.com/applyctl/flowctl/internal/observability"
	"github.com/applyctl/flowctl/internal/rategovernor"
	"github.com/applyctl/flowctl/internal/store"
)

// Assignment is what the Dispatcher hands a free Worker: an item plus
// the policy decision for it.
type Assignment struct {
	Item       *store.ApplicationItem
	Effort     store.Effort
	QARequired bool
	// Done is closed by the Worker when the item reaches a terminal
	// status, carrying the release outcome so the Dispatcher can release
	// the rate slot without polling repository state.
	Done chan rategovernor.Outcome
}

// Deps bundles every collaborator a Worker needs; passed once at Pool
// construction and shared (read-only) by every worker goroutine.
type Deps struct {
	Repo            store.Repository
	Log             *eventlog.Log
	Bridge          *intervention.Bridge
	Governor        *rategovernor.Governor
	NewExecutor     func() executor.Executor
	MaxItemDuration time.Duration // default 10 minutes
	ShutdownWindow  time.Duration // default 30 seconds
}

// Pool is the fixed-size worker pool. Size is bounded by the session's
// max_concurrency; default 5.
type Pool struct {
	deps Deps

	mu      sync.Mutex
	workers map[int]*Worker
	free    chan *Worker
	nextID  int

	wg sync.WaitGroup
}

// New builds a Pool with n workers, each constructing its own Executor
// via deps.NewExecutor. Executor state is never shared across workers.
func New(n int, deps Deps) *Pool {
	if deps.MaxItemDuration <= 0 {
		deps.MaxItemDuration = 10 * time.Minute
	}
	if deps.ShutdownWindow <= 0 {
		deps.ShutdownWindow = 30 * time.Second
	}
	p := &Pool{
		deps:    deps,
		workers: make(map[int]*Worker),
		free:    make(chan *Worker, n),
	}
	for i := 0; i < n; i++ {
		p.spawn()
	}
	return p
}

// spawn starts one new worker goroutine and registers it as free.
// Called at construction and again whenever a worker decommissions
// itself.
func (p *Pool) spawn() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	w := &Worker{
		id:    id,
		deps:  p.deps,
		exec:  p.deps.NewExecutor(),
		workC: make(chan *Assignment, 1),
		pool:  p,
	}
	p.workers[id] = w
	p.mu.Unlock()

	p.wg.Add(1)
	go w.loop()
	p.free <- w
}

// AwaitFreeSlot blocks until a worker is free or ctx is cancelled.
func (p *Pool) AwaitFreeSlot(ctx context.Context) (*Worker, error) {
	select {
	case w := <-p.free:
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Assign hands item to w without blocking. The caller must have
// obtained w from AwaitFreeSlot and not reuse it until a later
// AwaitFreeSlot call returns it again.
func (w *Worker) Assign(a *Assignment) {
	w.workC <- a
}

// Size reports the pool's configured worker count (matches the number
// of workers, not in-flight count).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Shutdown waits up to deps.ShutdownWindow for all worker goroutines
// to finish whatever they are holding.
func (p *Pool) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.deps.ShutdownWindow):
		log.Printf("worker pool: shutdown window elapsed with workers still draining")
	case <-ctx.Done():
	}
}

// Close stops every worker's channel and releases its Executor. Call
// only after Shutdown.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	ws := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		ws = append(ws, w)
	}
	p.mu.Unlock()
	for _, w := range ws {
		close(w.workC)
		_ = w.exec.Close(ctx)
	}
}

// Worker is one isolated execution context. The Dispatcher interacts
// with it only through AwaitFreeSlot/Assign.
type Worker struct {
	id   int
	deps Deps
	exec executor.Executor
	pool *Pool

	workC chan *Assignment

	mu                 sync.Mutex
	consecutiveCrashes int
}

// maxConsecutiveCrashes bounds how many times a worker recovers from a
// panic before it decommissions itself.
const maxConsecutiveCrashes = 3

func (w *Worker) loop() {
	defer w.pool.wg.Done()
	for a := range w.workC {
		w.process(a)
		select {
		case w.pool.free <- w:
		default:
			// Pool is shutting down and no longer draining the free
			// channel; drop rather than block forever.
		}
		w.mu.Lock()
		decommission := w.consecutiveCrashes >= maxConsecutiveCrashes
		w.mu.Unlock()
		if decommission {
			w.decommission()
			return
		}
	}
}

// decommission closes this worker's executor and spawns a replacement.
func (w *Worker) decommission() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = w.exec.Close(ctx)
	w.pool.mu.Lock()
	delete(w.pool.workers, w.id)
	w.pool.mu.Unlock()
	log.Printf("worker %d: decommissioned after %d consecutive crashes, spawning replacement", w.id, maxConsecutiveCrashes)
	w.pool.spawn()
}

// process runs the per-item protocol end to end, recovering from any
// panic raised by the Executor or this function itself so one worker's
// crash never reaches its peers or the pool goroutine running it.
func (w *Worker) process(a *Assignment) {
	defer func() {
		if r := recover(); r != nil {
			w.mu.Lock()
			w.consecutiveCrashes++
			w.mu.Unlock()
			w.handleCrash(a, r)
		}
	}()

	outcome := w.runItem(context.Background(), a)
	w.mu.Lock()
	w.consecutiveCrashes = 0
	w.mu.Unlock()

	if a.Done != nil {
		a.Done <- outcome
		close(a.Done)
	}
}

// handleCrash emits worker_crashed and marks the item failed with
// reason worker_exception; the caller (process's defer) decides
// separately whether this worker stays alive.
func (w *Worker) handleCrash(a *Assignment, r any) {
	ctx := context.Background()
	detail := fmt.Sprintf("%v", r)
	_, _ = w.deps.Log.AppendApplication(ctx, a.Item.SessionID, a.Item.ID, store.EventWorkerCrashed, detail, nil)
	_ = w.deps.Repo.UpdateApplicationStatus(ctx, a.Item.ID, store.AppFailed, string(apperrors.ReasonWorkerException), detail, &store.Event{
		SessionID: a.Item.SessionID, ApplicationID: a.Item.ID, Type: store.EventItemFailed, Detail: detail,
	})
	_ = w.deps.Repo.UpdateSessionCounters(ctx, a.Item.SessionID, store.SessionCounters{Failed: 1})
	observability.WorkerCrashes.Inc()
	if a.Done != nil {
		a.Done <- rategovernor.OutcomeFailure
		close(a.Done)
	}
}

// runItem performs the non-panic happy/unhappy path. ctx is the
// worker's own lifetime context; the Executor call is bounded
// separately by MaxItemDuration so a timed-out item can still have its
// terminal status recorded.
func (w *Worker) runItem(ctx context.Context, a *Assignment) rategovernor.Outcome {
	item := a.Item
	now := time.Now()

	// queued -> in_progress. The item_started event rides the same
	// transaction as the status update, so the log can never acknowledge
	// a transition the event missed.
	if err := w.deps.Repo.UpdateApplicationStatus(ctx, item.ID, store.AppInProgress, "", "", &store.Event{
		SessionID: item.SessionID, ApplicationID: item.ID, Type: store.EventItemStarted,
	}); err != nil {
		return w.fail(ctx, item, "transition_failure", err.Error())
	}
	_ = w.deps.Repo.SetApplicationTiming(ctx, item.ID, &now, nil)

	// Reset the executor between every item: bounds per-worker memory
	// growth and rotates the browser fingerprint per item.
	if err := w.exec.Reset(ctx); err != nil {
		return w.fail(ctx, item, "executor_reset_failure", err.Error())
	}

	cb := func(cbCtx context.Context, kind executor.EventKind, payload map[string]any) executor.CallbackResult {
		// Release the rate slot promptly on suspension rather than
		// holding it across a human-timescale wait; a paused item is not
		// occupying a connection to the domain.
		w.deps.Governor.Release(item.Domain, rategovernor.OutcomeSuccess)
		res := w.deps.Bridge.Request(cbCtx, item.SessionID, item.ID, kind, payload)
		// Re-acquire before resuming real outbound activity.
		w.deps.Governor.TryAcquire(item.Domain)
		return executor.CallbackResult{Action: string(res.Action), Payload: res.Payload}
	}

	execCtx, cancel := context.WithTimeout(ctx, w.deps.MaxItemDuration)
	out, err := w.exec.RunApplication(execCtx, item, a.Effort, cb)
	cancel()
	if err == nil {
		w.recordUsage(ctx, item, out)
	}
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return w.fail(ctx, item, string(apperrors.ReasonTimeout), err.Error())
		case errors.Is(err, context.Canceled):
			return w.cancelled(ctx, item)
		default:
			return w.fail(ctx, item, "executor_error", err.Error())
		}
	}

	switch out.Kind {
	case executor.OutcomeSubmitted:
		return w.submit(ctx, item, out)
	case executor.OutcomeFailed:
		return w.fail(ctx, item, out.Reason, out.Detail)
	case executor.OutcomeNeedsIntervention:
		// The executor suspended without blocking internally; request
		// resolution directly, then act on it once.
		res := w.deps.Bridge.Request(ctx, item.SessionID, item.ID, out.InterventionKind, out.Payload)
		switch {
		case ActionContinue(res):
			return w.submit(ctx, item, out)
		case res.Action == intervention.ActionAbort:
			return w.fail(ctx, item, "intervention_abort", "")
		case res.Reason == string(apperrors.ReasonInterventionTimeout):
			return w.fail(ctx, item, res.Reason, "")
		case res.Reason == "cancelled":
			return w.cancelled(ctx, item)
		default:
			return w.skip(ctx, item, "intervention_skip")
		}
	default:
		return w.fail(ctx, item, "unknown_outcome", string(out.Kind))
	}
}

// ActionContinue reports whether a resolution's action is "continue",
// kept as a tiny named predicate so runItem's switch reads declaratively.
func ActionContinue(res intervention.Resolution) bool {
	return res.Action == intervention.ActionContinue
}

// recordUsage persists the attempt's itemized model usage and its
// token/cost accumulators — failed attempts spent tokens too, so this
// runs before the outcome is classified.
func (w *Worker) recordUsage(ctx context.Context, item *store.ApplicationItem, out executor.Outcome) {
	for i := range out.Usage {
		u := out.Usage[i]
		u.ApplicationID = item.ID
		u.SessionID = item.SessionID
		_ = w.deps.Repo.AppendModelUsage(ctx, &u)
	}
	if out.TokensIn != 0 || out.TokensOut != 0 || out.Cost != 0 {
		_ = w.deps.Repo.IncrementApplicationCounters(ctx, item.ID, out.TokensIn, out.TokensOut, out.Cost)
		_ = w.deps.Repo.UpdateSessionCounters(ctx, item.SessionID, store.SessionCounters{
			TokensIn: out.TokensIn, TokensOut: out.TokensOut, Cost: out.Cost,
		})
	}
}

func (w *Worker) submit(ctx context.Context, item *store.ApplicationItem, out executor.Outcome) rategovernor.Outcome {
	now := time.Now()
	for _, q := range out.Questions {
		q.ApplicationID = item.ID
		_ = w.deps.Repo.AppendQuestion(ctx, &q)
	}
	_ = w.deps.Repo.SetApplicationTiming(ctx, item.ID, nil, &now)
	_ = w.deps.Repo.UpdateApplicationStatus(ctx, item.ID, store.AppSubmitted, "", "", &store.Event{
		SessionID: item.SessionID, ApplicationID: item.ID, Type: store.EventItemSubmitted,
	})
	_ = w.deps.Repo.UpdateSessionCounters(ctx, item.SessionID, store.SessionCounters{Succeeded: 1})
	observability.ApplicationsTerminal.WithLabelValues(item.Domain, "submitted").Inc()
	return rategovernor.OutcomeSuccess
}

func (w *Worker) fail(ctx context.Context, item *store.ApplicationItem, reason, detail string) rategovernor.Outcome {
	_ = w.deps.Repo.RecordApplicationFailure(ctx, item.ID, reason, detail)
	_ = w.deps.Repo.UpdateApplicationStatus(ctx, item.ID, store.AppFailed, reason, detail, &store.Event{
		SessionID: item.SessionID, ApplicationID: item.ID, Type: store.EventItemFailed, Detail: reason,
	})
	_ = w.deps.Repo.UpdateSessionCounters(ctx, item.SessionID, store.SessionCounters{Failed: 1})
	observability.ApplicationsTerminal.WithLabelValues(item.Domain, "failed").Inc()
	switch reason {
	case string(apperrors.ReasonTimeout):
		return rategovernor.OutcomeTimeout
	case string(apperrors.ReasonDomainBlocked):
		return rategovernor.OutcomeBlocked
	default:
		return rategovernor.OutcomeFailure
	}
}

func (w *Worker) skip(ctx context.Context, item *store.ApplicationItem, reason string) rategovernor.Outcome {
	_ = w.deps.Repo.UpdateApplicationStatus(ctx, item.ID, store.AppSkipped, reason, "", &store.Event{
		SessionID: item.SessionID, ApplicationID: item.ID, Type: store.EventItemSkipped, Detail: reason,
	})
	_ = w.deps.Repo.UpdateSessionCounters(ctx, item.SessionID, store.SessionCounters{Skipped: 1})
	observability.ApplicationsTerminal.WithLabelValues(item.Domain, "skipped").Inc()
	return rategovernor.OutcomeSuccess
}

// cancelled transitions an item caught by session cancellation to
// cancelled with reason session_cancelled.
func (w *Worker) cancelled(_ context.Context, item *store.ApplicationItem) rategovernor.Outcome {
	// The run context is already dead; terminal bookkeeping gets its own
	// bounded context so the transition still lands.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = w.deps.Repo.UpdateApplicationStatus(ctx, item.ID, store.AppCancelled, string(apperrors.ReasonSessionCancelled), "", &store.Event{
		SessionID: item.SessionID, ApplicationID: item.ID, Type: store.EventSessionCancelled, Detail: string(apperrors.ReasonSessionCancelled),
	})
	_ = w.deps.Repo.UpdateSessionCounters(ctx, item.SessionID, store.SessionCounters{Cancelled: 1})
	observability.ApplicationsTerminal.WithLabelValues(item.Domain, "cancelled").Inc()
	return rategovernor.OutcomeCancelled
}
