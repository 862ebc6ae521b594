// Package executor declares the opaque external collaborators of the
// control plane: the browser executor, the matcher, the content
// generator, and the notification sinks. The control plane consumes
// each only through the narrow interface named here; no real
// implementation of any of them lives in this module.
package executor

import (
	"context"

	"github.com/applyctl/flowctl/internal/store"
)

// Callback is how an Executor reports out-of-band events mid-run and
// receives the human's eventual decision back. CAPTCHA and 2FA are
// explicit values a worker decides on (by calling the intervention
// bridge and returning its resolution), never a panic the Executor
// must catch.
type Callback func(ctx context.Context, kind EventKind, payload map[string]any) CallbackResult

// CallbackResult is the Worker's answer to one Callback invocation,
// carrying the Intervention Bridge's resolution back into the
// Executor without the executor package importing internal/intervention.
type CallbackResult struct {
	Action  string // "continue" | "skip" | "abort"
	Payload map[string]any
}

// EventKind enumerates the out-of-band signals an Executor may emit
// through Callback while run_application is in flight.
type EventKind string

const (
	EventCaptchaDetected    EventKind = "captcha_detected"
	EventTwoFactorRequested EventKind = "two_factor_requested"
)

// OutcomeKind distinguishes the three ways one attempt can end:
// submitted, failed with a reason, or needing human intervention.
type OutcomeKind string

const (
	OutcomeSubmitted         OutcomeKind = "submitted"
	OutcomeFailed            OutcomeKind = "failed"
	OutcomeNeedsIntervention OutcomeKind = "needs_intervention"
)

// Outcome is what Executor.RunApplication returns once the Worker's
// invocation returns control. The Worker calls RunApplication once per
// item and handles a NeedsIntervention outcome itself, without calling
// RunApplication again for that item.
type Outcome struct {
	Kind   OutcomeKind
	Reason string // set when Kind == OutcomeFailed
	Detail string

	InterventionKind EventKind // set when Kind == OutcomeNeedsIntervention
	Payload          map[string]any

	Questions []store.Question
	// Usage itemizes the LLM/embedding calls made during this attempt;
	// the Worker persists each row attributed to the item. The sums must
	// equal the TokensIn/TokensOut/Cost accumulators below.
	Usage     []store.ModelUsage
	TokensIn  int64
	TokensOut int64
	Cost      float64
}

// Executor is the opaque run_application(item, effort) operation
// implemented by the external browser-driving agent. Each worker owns
// exactly one Executor instance for its lifetime, with no shared
// state; RunApplication blocks for the duration of one attempt and
// must honor ctx cancellation at its own suspension points.
type Executor interface {
	// RunApplication drives one attempt at item with the chosen effort.
	// cb is invoked zero or more times for out-of-band events; the
	// worker decides how to react to each invocation (forward to the
	// intervention bridge) rather than RunApplication blocking
	// internally on a human.
	RunApplication(ctx context.Context, item *store.ApplicationItem, effort store.Effort, cb Callback) (Outcome, error)

	// Reset tears down and recreates any internal browser/session state.
	// The worker pool calls this between every item, not only after an
	// exception, bounding memory growth and rotating stealth
	// fingerprints per item.
	Reset(ctx context.Context) error

	// Close releases the executor's resources permanently; called when
	// a worker decommissions itself.
	Close(ctx context.Context) error
}

// Matcher is the opaque score(job) operation returning a match score
// in [0,1].
type Matcher interface {
	Score(ctx context.Context, jobURL string, profileRef string) (float64, error)
}

// Generator is consumed by the Executor, not by the control plane
// directly; it is declared here only so composition roots wiring a
// real Executor implementation have a named seam to inject one
// through.
type Generator interface {
	GenerateAnswer(ctx context.Context, fieldLabel string, profileRef string) (value string, confidence float64, err error)
}

// NotifyKind is the closed vocabulary of notification kinds.
type NotifyKind string

const (
	NotifyCaptchaManual  NotifyKind = "captcha_manual"
	NotifyTwoFactor      NotifyKind = "two_factor_needed"
	NotifySessionDigest  NotifyKind = "session_digest"
	NotifyFatalError     NotifyKind = "fatal_error"
)

// Notifier is the one-shot notify(kind, payload) sink.
type Notifier interface {
	Notify(ctx context.Context, kind NotifyKind, payload map[string]any) error
}
