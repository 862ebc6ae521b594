// Package session implements the session controller: the lifecycle
// state machine around one dispatcher/worker-pool pair, recovery of
// orphaned sessions at process start, and digest computation at
// session end.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/applyctl/flowctl/internal/apperrors"
	"github.com/applyctl/flowctl/internal/dispatcher"
	"github.com/applyctl/flowctl/internal/eventlog"
	"github.com/applyctl/flowctl/internal/executor"
	"github.com/applyctl/flowctl/internal/intervention"
	"github.com/applyctl/flowctl/internal/observability"
	"github.com/applyctl/flowctl/internal/policy"
	"github.com/applyctl/flowctl/internal/rategovernor"
	"github.com/applyctl/flowctl/internal/store"
	"github.com/applyctl/flowctl/internal/worker"
)

// PolicyLoader resolves an effort_policy_ref to its parsed rule
// config; the Controller compiles and caches the result. Where the ref
// is stored (file, database row) is the composition root's concern; it
// supplies the loader.
type PolicyLoader func(ref string) (policy.EffortPolicyConfig, error)

// Deps bundles the session controller's process-scoped collaborators.
// Governor and Bridge are shared across every session the Controller
// runs; a worker pool is built fresh per session, sized to that
// session's own max_concurrency.
type Deps struct {
	Repo         store.Repository
	Log          *eventlog.Log
	Governor     *rategovernor.Governor
	Bridge       *intervention.Bridge
	Notifier     executor.Notifier
	NewExecutor  func() executor.Executor
	PolicyLoader PolicyLoader

	NodeID            string
	HeartbeatInterval time.Duration // default 10s
	LeaseTTL          time.Duration // staleness threshold for recovery, default 30s
	MaxItemDuration   time.Duration
	ShutdownWindow    time.Duration

	// DefaultMaxConcurrency sizes a session's worker pool when the
	// session itself did not set max_concurrency, default 5.
	DefaultMaxConcurrency int
}

// running is the live state for one in-progress session.
type running struct {
	sess   *store.Session
	disp   *dispatcher.Dispatcher
	pool   *worker.Pool
	cancel context.CancelFunc
	doneCh chan struct{}
}

// Controller is the session controller, one instance per process,
// coordinating any number of concurrently running sessions.
type Controller struct {
	deps Deps

	mu         sync.Mutex
	sessions   map[store.ID]*running
	evaluators map[string]*policy.Evaluator
}

// New builds a Controller, applying inline defaults for unset
// durations.
func New(deps Deps) *Controller {
	if deps.HeartbeatInterval <= 0 {
		deps.HeartbeatInterval = 10 * time.Second
	}
	if deps.LeaseTTL <= 0 {
		deps.LeaseTTL = 30 * time.Second
	}
	if deps.DefaultMaxConcurrency <= 0 {
		deps.DefaultMaxConcurrency = 5
	}
	return &Controller{
		deps:       deps,
		sessions:   make(map[store.ID]*running),
		evaluators: make(map[string]*policy.Evaluator),
	}
}

// evaluator resolves and caches the compiled Evaluator for ref.
func (c *Controller) evaluator(ref string) (*policy.Evaluator, error) {
	c.mu.Lock()
	if ev, ok := c.evaluators[ref]; ok {
		c.mu.Unlock()
		return ev, nil
	}
	c.mu.Unlock()

	cfg, err := c.deps.PolicyLoader(ref)
	if err != nil {
		return nil, fmt.Errorf("loading effort policy %q: %w", ref, err)
	}
	ev, err := policy.Compile(cfg)
	if err != nil {
		return nil, fmt.Errorf("compiling effort policy %q: %w", ref, err)
	}

	c.mu.Lock()
	c.evaluators[ref] = ev
	c.mu.Unlock()
	return ev, nil
}

// Start persists the config snapshot, loads domain policies into the
// rate governor, and starts the dispatcher and worker pool for one
// session. sess must be planned with its Limits/Timezone/
// EffortPolicyRef already populated; items are persisted as queued
// application items owned by sess.
func (c *Controller) Start(ctx context.Context, sess *store.Session, items []*store.ApplicationItem) error {
	if sess.Status != "" && sess.Status != store.SessionPlanned {
		return apperrors.Wrap(apperrors.ErrIllegalTransition, "session must be planned to start")
	}
	sess.Status = store.SessionPlanned
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	if err := c.deps.Repo.CreateSession(ctx, sess); err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	for _, item := range items {
		item.SessionID = sess.ID
		item.Status = store.AppQueued
		item.QueuedAt = time.Now()
		if err := c.deps.Repo.CreateApplication(ctx, item); err != nil {
			return fmt.Errorf("creating application %s: %w", item.ID, err)
		}
		if _, err := c.deps.Log.AppendApplication(ctx, sess.ID, item.ID, store.EventItemQueued, "", nil); err != nil {
			return fmt.Errorf("logging item_queued for %s: %w", item.ID, err)
		}
	}

	policies, err := c.deps.Repo.LoadAllDomainPolicies(ctx)
	if err != nil {
		return fmt.Errorf("loading domain policies: %w", err)
	}
	c.deps.Governor.LoadPolicies(policies)
	c.deps.Governor.StartDailyReset()

	ev, err := c.evaluator(sess.EffortPolicyRef)
	if err != nil {
		return err
	}

	concurrency := sess.Limits.MaxConcurrency
	if concurrency <= 0 {
		concurrency = c.deps.DefaultMaxConcurrency
	}
	pool := worker.New(concurrency, worker.Deps{
		Repo:            c.deps.Repo,
		Log:             c.deps.Log,
		Bridge:          c.deps.Bridge,
		Governor:        c.deps.Governor,
		NewExecutor:     c.deps.NewExecutor,
		MaxItemDuration: c.deps.MaxItemDuration,
		ShutdownWindow:  c.deps.ShutdownWindow,
	})

	now := time.Now()
	sess.StartedAt = &now
	sess.Status = store.SessionRunning
	if err := c.deps.Repo.UpdateSessionStatus(ctx, sess.ID, store.SessionRunning, sess.Version); err != nil {
		return fmt.Errorf("transitioning session to running: %w", err)
	}
	observability.SessionTransitions.WithLabelValues(string(store.SessionRunning)).Inc()
	_, _ = c.deps.Log.AppendSession(ctx, sess.ID, store.EventSessionStarted, "", nil)

	runCtx, cancel := context.WithCancel(context.Background())
	r := &running{sess: sess, pool: pool, cancel: cancel, doneCh: make(chan struct{})}

	disp := dispatcher.New(dispatcher.Deps{
		Repo:      c.deps.Repo,
		Log:       c.deps.Log,
		Policy:    ev,
		Governor:  c.deps.Governor,
		Pool:      pool,
		SessionID: sess.ID,
		Limits:    sess.Limits,
		StartedAt: now,
		OnLimitsReached: func(reason string) {
			log.Printf("session %s: limits reached (%s), draining", sess.ID, reason)
		},
		OnFatal: func(err error) {
			c.fail(context.Background(), sess.ID, err)
		},
	}, sess.Counters.Attempted, sess.Counters.Cost)
	r.disp = disp

	c.mu.Lock()
	c.sessions[sess.ID] = r
	c.mu.Unlock()

	go c.heartbeatLoop(runCtx, sess.ID)
	go func() {
		defer close(r.doneCh)
		disp.Run(runCtx)
		pool.Shutdown(runCtx)
		pool.Close(context.Background())
		c.finalize(context.Background(), sess.ID)
	}()

	return nil
}

// transition refetches the session and applies a status update against
// its current version, so a transition never loses its optimistic-lock
// check to a counter update that happened since the last snapshot.
func (c *Controller) transition(ctx context.Context, r *running, status store.SessionStatus) error {
	sess, err := c.deps.Repo.GetSession(ctx, r.sess.ID)
	if err != nil {
		return err
	}
	if err := c.deps.Repo.UpdateSessionStatus(ctx, sess.ID, status, sess.Version); err != nil {
		return err
	}
	sess.Status = status
	sess.Version++
	r.sess = sess
	observability.SessionTransitions.WithLabelValues(string(status)).Inc()
	return nil
}

// Pause stops the dispatcher from picking; in-flight items complete.
// Emits session_paused.
func (c *Controller) Pause(ctx context.Context, sessionID store.ID) error {
	r, err := c.get(sessionID)
	if err != nil {
		return err
	}
	r.disp.Pause()
	if err := c.transition(ctx, r, store.SessionPaused); err != nil {
		return err
	}
	_, _ = c.deps.Log.AppendSession(ctx, sessionID, store.EventSessionPaused, "", nil)
	return nil
}

// Resume lets a paused session's dispatcher pick items again.
func (c *Controller) Resume(ctx context.Context, sessionID store.ID) error {
	r, err := c.get(sessionID)
	if err != nil {
		return err
	}
	r.disp.Resume()
	if err := c.transition(ctx, r, store.SessionRunning); err != nil {
		return err
	}
	_, _ = c.deps.Log.AppendSession(ctx, sessionID, store.EventSessionResumed, "", nil)
	return nil
}

// Stop requests a graceful drain, identical to the limits-reached
// path but triggered by an operator rather than a tripped limit.
func (c *Controller) Stop(sessionID store.ID) error {
	r, err := c.get(sessionID)
	if err != nil {
		return err
	}
	r.disp.Stop()
	return nil
}

// Cancel propagates cooperative cancellation to the dispatcher and
// every worker.
func (c *Controller) Cancel(ctx context.Context, sessionID store.ID) error {
	r, err := c.get(sessionID)
	if err != nil {
		return err
	}
	if err := c.transition(ctx, r, store.SessionCancelling); err != nil {
		return err
	}
	r.disp.Cancel()
	return nil
}

// get returns the running state for sessionID or apperrors.ErrNotFound
// if this process isn't running it.
func (c *Controller) get(sessionID store.ID) (*running, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.sessions[sessionID]
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "session not running on this node")
	}
	return r, nil
}

// heartbeatLoop keeps the session's lease alive while it runs, so the
// startup recovery sweep can tell a live session from an orphaned one.
func (c *Controller) heartbeatLoop(ctx context.Context, sessionID store.ID) {
	t := time.NewTicker(c.deps.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.deps.Repo.Heartbeat(context.Background(), sessionID, c.deps.NodeID, time.Now()); err != nil {
				log.Printf("session %s: heartbeat failed: %v", sessionID, err)
			}
		}
	}
}

// fail transitions a session to failed outside the normal drain path,
// the escalation for an event log write that exhausted its retries.
func (c *Controller) fail(ctx context.Context, sessionID store.ID, cause error) {
	r, err := c.get(sessionID)
	if err != nil {
		return
	}
	now := time.Now()
	_ = c.deps.Repo.MarkSessionTerminal(ctx, sessionID, store.SessionFailed, now)
	observability.SessionTransitions.WithLabelValues(string(store.SessionFailed)).Inc()
	_, _ = c.deps.Log.AppendSession(ctx, sessionID, store.EventSessionFailed, cause.Error(), nil)
	if c.deps.Notifier != nil {
		_ = c.deps.Notifier.Notify(ctx, executor.NotifyFatalError, map[string]any{
			"session_id": sessionID.String(),
			"error":      cause.Error(),
		})
	}
	r.disp.Cancel()
}

// finalize runs once the Dispatcher's loop returns: it decides the
// session's terminal status from how it stopped, computes the digest,
// and removes the session from the live set.
func (c *Controller) finalize(ctx context.Context, sessionID store.ID) {
	r, err := c.get(sessionID)
	if err != nil {
		return
	}

	sess, getErr := c.deps.Repo.GetSession(ctx, sessionID)
	if getErr == nil {
		r.sess = sess
	}

	if !r.sess.Status.Terminal() {
		status := store.SessionCompleted
		if r.sess.Status == store.SessionCancelling {
			status = store.SessionCancelled
		}
		now := time.Now()
		if err := c.deps.Repo.MarkSessionTerminal(ctx, sessionID, status, now); err != nil {
			log.Printf("session %s: mark terminal failed: %v", sessionID, err)
		}
		observability.SessionTransitions.WithLabelValues(string(status)).Inc()
		evt := store.EventSessionCompleted
		if status == store.SessionCancelled {
			evt = store.EventSessionCancelled
		}
		_, _ = c.deps.Log.AppendSession(ctx, sessionID, evt, "", nil)
	}

	d, err := c.Digest(ctx, sessionID)
	if err != nil {
		log.Printf("session %s: digest computation failed: %v", sessionID, err)
	} else if c.deps.Notifier != nil {
		_ = c.deps.Notifier.Notify(ctx, executor.NotifySessionDigest, map[string]any{
			"session_id": sessionID.String(),
			"attempted":  d.Counters.Attempted,
			"succeeded":  d.Counters.Succeeded,
			"failed":     d.Counters.Failed,
			"skipped":    d.Counters.Skipped,
			"cost":       d.Counters.Cost,
		})
	}

	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}
