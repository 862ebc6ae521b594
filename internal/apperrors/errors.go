// Package apperrors is the closed error taxonomy shared by every
// component of the control plane. Errors are values: sentinel errors
// wrapped with fmt.Errorf("...: %w", err) at each boundary, classified
// back to a Kind where a caller needs to decide how to react.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the recovery buckets a caller
// can act on without inspecting error strings.
type Kind string

const (
	KindTransientIO          Kind = "transient_io"
	KindRateDenied           Kind = "rate_denied"
	KindRateBlocked          Kind = "rate_blocked"
	KindPolicySkip           Kind = "policy_skip"
	KindInterventionRequired Kind = "intervention_required"
	KindInterventionTimeout  Kind = "intervention_timeout"
	KindWorkerCrashed        Kind = "worker_crashed"
	KindBudgetExhausted      Kind = "budget_exhausted"
	KindFatalLogWrite        Kind = "fatal_log_write"
	KindInvalidPredicate     Kind = "invalid_policy_predicate"
	KindUnknown              Kind = "unknown"
)

// Sentinels. Every package wraps one of these rather than minting a
// new error type; Kind() recovers the bucket via errors.Is.
var (
	ErrTransientIO          = errors.New("transient I/O failure")
	ErrRateDenied           = errors.New("rate governor deferred admission")
	ErrRateBlocked          = errors.New("domain blocked by rate governor")
	ErrPolicySkip           = errors.New("policy evaluator requested skip")
	ErrInterventionRequired = errors.New("intervention required")
	ErrInterventionTimeout  = errors.New("intervention timed out")
	ErrWorkerCrashed        = errors.New("worker crashed")
	ErrBudgetExhausted      = errors.New("session budget exhausted")
	ErrFatalLogWrite        = errors.New("event log write exhausted retries")
	ErrInvalidPredicate     = errors.New("policy predicate failed to compile")

	ErrIllegalTransition     = errors.New("illegal status transition")
	ErrNotFound              = errors.New("not found")
	ErrOptimisticLock        = errors.New("optimistic lock failure: version changed")
	ErrAlreadyResolved       = errors.New("intervention already resolved")
	ErrSessionNotRunning     = errors.New("session is not running")
	ErrRepositoryUnavailable = errors.New("repository unavailable")
)

var kindBySentinel = map[error]Kind{
	ErrTransientIO:          KindTransientIO,
	ErrRateDenied:           KindRateDenied,
	ErrRateBlocked:          KindRateBlocked,
	ErrPolicySkip:           KindPolicySkip,
	ErrInterventionRequired: KindInterventionRequired,
	ErrInterventionTimeout:  KindInterventionTimeout,
	ErrWorkerCrashed:        KindWorkerCrashed,
	ErrBudgetExhausted:      KindBudgetExhausted,
	ErrFatalLogWrite:        KindFatalLogWrite,
	ErrInvalidPredicate:     KindInvalidPredicate,
}

// KindOf classifies err against the known sentinels. Unrecognized
// errors classify as KindUnknown, the catch-all bucket.
func KindOf(err error) Kind {
	for sentinel, kind := range kindBySentinel {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// Wrap attaches context to a sentinel:
// fmt.Errorf("<context>: %w", sentinel).
func Wrap(sentinel error, context string) error {
	return fmt.Errorf("%s: %w", context, sentinel)
}

// ReasonCode maps a Kind (or a freeform detail) onto the short reason
// strings application items and events carry, e.g. "low_match",
// "worker_exception", "intervention_timeout".
type ReasonCode string

const (
	ReasonAvoidCompany        ReasonCode = "avoid_company"
	ReasonLowMatch            ReasonCode = "low_match"
	ReasonPolicyError         ReasonCode = "policy_error"
	ReasonRateLimitApplied    ReasonCode = "rate_limit_applied"
	ReasonDomainBlocked       ReasonCode = "domain_blocked"
	ReasonWorkerException     ReasonCode = "worker_exception"
	ReasonTimeout             ReasonCode = "timeout"
	ReasonSessionCancelled    ReasonCode = "session_cancelled"
	ReasonInterventionTimeout ReasonCode = "intervention_timeout"
	ReasonOrphaned            ReasonCode = "orphaned"
	ReasonProcessDied         ReasonCode = "process_died"
	ReasonUnknown             ReasonCode = "unknown"
)
