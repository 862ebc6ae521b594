// Package observability declares the Prometheus metrics every control
// plane component increments: one package-level var block of promauto
// constructors, no registration boilerplate at call sites.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// === Rate Governor ===

	// RateGovernorDecisions tracks every try_acquire outcome by domain.
	RateGovernorDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowctl_rate_governor_decisions_total",
		Help: "Rate Governor try_acquire decisions by domain, decision and reason",
	}, []string{"domain", "decision", "reason"}) // decision: admit, defer, reject, release

	// RateGovernorInFlight tracks current in-flight count per domain.
	RateGovernorInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flowctl_rate_governor_in_flight",
		Help: "Current in-flight application count per domain",
	}, []string{"domain"})

	// === Intervention Bridge ===

	// InterventionsRequested tracks intervention requests by kind.
	InterventionsRequested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowctl_interventions_requested_total",
		Help: "Intervention requests raised by a worker, by kind",
	}, []string{"kind"}) // captcha_detected, two_factor_requested

	// InterventionsResolved tracks resolved interventions by the action taken.
	InterventionsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowctl_interventions_resolved_total",
		Help: "Interventions resolved via resolve_intervention, by action",
	}, []string{"action"}) // continue, skip, abort

	// InterventionsTimedOut tracks interventions that hit the default deadline.
	InterventionsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowctl_interventions_timed_out_total",
		Help: "Interventions that elapsed their resolve deadline unresolved",
	})

	// === Worker Pool ===

	// WorkerCrashes tracks panics recovered from a worker's Executor.
	WorkerCrashes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowctl_worker_crashes_total",
		Help: "Panics recovered inside a worker's run of an Executor",
	})

	// ApplicationsTerminal tracks items reaching a terminal status, by domain and status.
	ApplicationsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowctl_applications_terminal_total",
		Help: "Application items reaching a terminal status, by domain and status",
	}, []string{"domain", "status"}) // submitted, failed, skipped, cancelled

	// WorkerPoolFree tracks the number of idle workers currently parked on the free channel.
	WorkerPoolFree = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowctl_worker_pool_free",
		Help: "Idle worker count currently available for assignment",
	})

	// === Dispatcher ===

	// DispatchLoopIterations counts dispatch loop iterations across all
	// sessions, incremented as each iteration starts.
	DispatchLoopIterations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowctl_dispatch_loop_iterations_total",
		Help: "Dispatcher main-loop iterations started, across all sessions",
	})

	// DispatchSkips tracks items skipped before assignment, by reason.
	DispatchSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowctl_dispatch_skips_total",
		Help: "Queued items skipped by the Dispatcher before worker assignment",
	}, []string{"reason"}) // low_match, avoid_company, avoid, day_cap_reached, rate_reject

	// DispatchRequeues tracks items requeued after a failed assignment attempt.
	DispatchRequeues = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowctl_dispatch_requeues_total",
		Help: "Items requeued once after a worker assignment failure",
	})

	// QueueDepth tracks the number of queued items awaiting dispatch per session.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flowctl_queue_depth",
		Help: "Queued application items awaiting dispatch, by session",
	}, []string{"session_id"})

	// === Session Controller ===

	// SessionTransitions tracks session status transitions, by to-status.
	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowctl_session_transitions_total",
		Help: "Session Controller status transitions, by resulting status",
	}, []string{"status"})

	// SessionRecoveries tracks sessions recovered at process start after a dead heartbeat.
	SessionRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowctl_session_recoveries_total",
		Help: "Non-terminal sessions recovered at startup due to a stale heartbeat",
	})

	// DigestsComputed tracks digest computations.
	DigestsComputed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowctl_digests_computed_total",
		Help: "Session digests computed by the Session Controller",
	})

	// === Policy Evaluator ===

	// PolicyDecisions tracks evaluate() outcomes by effort and skip_reason.
	PolicyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowctl_policy_decisions_total",
		Help: "Policy Evaluator decisions by resulting effort and skip reason",
	}, []string{"effort", "skip_reason"})

	// === Event Log ===

	// EventLogFatalWrites tracks appends that exhausted the bounded retry schedule.
	EventLogFatalWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowctl_event_log_fatal_writes_total",
		Help: "Event Log appends that exhausted retries and escalated to a fatal write error",
	})

	// === Control API ===

	// APIRequests tracks inbound Control API calls by route and status.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowctl_api_requests_total",
		Help: "Control API requests by route and response status class",
	}, []string{"route", "status"})
)
