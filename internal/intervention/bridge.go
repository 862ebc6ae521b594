// Package intervention mediates CAPTCHA/2FA human-in-the-loop
// resolution between a suspended worker and an external
// resolve_intervention caller: process-scoped state keyed by
// application id, one pending request at a time per application, with
// idempotent resolution. The inbound webhook's HMAC signature check
// lives at the Control API boundary
// (internal/api/handlers_intervention.go); this package only mediates
// the request/resolve handoff once a call has been authenticated.
package intervention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/applyctl/flowctl/internal/apperrors"
	"github.com/applyctl/flowctl/internal/eventlog"
	"github.com/applyctl/flowctl/internal/executor"
	"github.com/applyctl/flowctl/internal/observability"
	"github.com/applyctl/flowctl/internal/store"
)

// Action is the closed vocabulary of resolve_intervention actions.
type Action string

const (
	ActionContinue Action = "continue"
	ActionSkip     Action = "skip"
	ActionAbort    Action = "abort"
)

// Resolution is the value a pending request() future resolves to.
type Resolution struct {
	Action  Action
	Payload map[string]any
	Reason  string // set on timeout, e.g. "intervention_timeout"
}

// pending is one in-flight request() awaiting a resolve().
type pending struct {
	once    sync.Once
	resultC chan Resolution
	kind    executor.EventKind
}

// Bridge is process-scoped state keyed by application_id.
type Bridge struct {
	mu      sync.Mutex
	pending map[store.ID]*pending

	log      *eventlog.Log
	notifier executor.Notifier
	timeout  time.Duration // default 5 minutes
}

// New builds a Bridge. notifier is the one-shot notification sink;
// timeout is the default resolve deadline (5 minutes).
func New(log *eventlog.Log, notifier executor.Notifier, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Bridge{
		pending:  make(map[store.ID]*pending),
		log:      log,
		notifier: notifier,
		timeout:  timeout,
	}
}

// Request is called by a worker on a captcha_detected/two_factor
// callback. It registers a pending resolution, emits a captcha_failed
// or two_factor_requested event and a generic intervention_requested
// event, forwards the payload to configured sinks, and blocks until Resolve arrives, ctx is cancelled, or the deadline
// elapses, whichever comes first. On timeout it returns
// Resolution{Action: ActionSkip, Reason: "intervention_timeout"} and
// logs intervention_timeout.
func (b *Bridge) Request(ctx context.Context, sessionID, applicationID store.ID, kind executor.EventKind, payload map[string]any) Resolution {
	p := &pending{resultC: make(chan Resolution, 1), kind: kind}

	b.mu.Lock()
	b.pending[applicationID] = p
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, applicationID)
		b.mu.Unlock()
	}()

	failureEvent := store.EventTwoFactorRequested
	notifyKind := executor.NotifyTwoFactor
	if kind == executor.EventCaptchaDetected {
		failureEvent = store.EventCaptchaFailed
		notifyKind = executor.NotifyCaptchaManual
	}
	if b.log != nil {
		_, _ = b.log.AppendApplication(ctx, sessionID, applicationID, failureEvent, "", payload)
		_, _ = b.log.AppendApplication(ctx, sessionID, applicationID, store.EventInterventionRequested, string(kind), payload)
	}
	if b.notifier != nil {
		_ = b.notifier.Notify(ctx, notifyKind, mergePayload(applicationID, payload))
	}
	observability.InterventionsRequested.WithLabelValues(string(kind)).Inc()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case res := <-p.resultC:
		observability.InterventionsResolved.WithLabelValues(string(res.Action)).Inc()
		if b.log != nil {
			_, _ = b.log.AppendApplication(ctx, sessionID, applicationID, store.EventInterventionResolved, string(res.Action), res.Payload)
		}
		return res
	case <-timer.C:
		observability.InterventionsTimedOut.Inc()
		if b.log != nil {
			_, _ = b.log.AppendApplication(ctx, sessionID, applicationID, store.EventInterventionTimeout, "", nil)
		}
		return Resolution{Action: ActionSkip, Reason: string(apperrors.ReasonInterventionTimeout)}
	case <-ctx.Done():
		return Resolution{Action: ActionSkip, Reason: "cancelled"}
	}
}

// Resolve is called by the inbound resolve_intervention endpoint. It
// is idempotent: a second resolve for an application with no
// pending request (already resolved, or never requested) is ignored
// and reported via the bool return rather than an error; the caller
// logs, Resolve itself stays side-effect free on the not-pending path.
func (b *Bridge) Resolve(applicationID store.ID, action Action, payload map[string]any) (delivered bool) {
	b.mu.Lock()
	p, ok := b.pending[applicationID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	delivered = false
	p.once.Do(func() {
		p.resultC <- Resolution{Action: action, Payload: payload}
		delivered = true
	})
	return delivered
}

// IsPending reports whether applicationID currently has an outstanding
// request, used by the Control API to answer resolve_intervention
// calls for unknown applications with a clear error rather than a
// silent no-op.
func (b *Bridge) IsPending(applicationID store.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[applicationID]
	return ok
}

func mergePayload(applicationID store.ID, payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["application_id"] = fmt.Sprintf("%s", applicationID.String())
	return out
}
