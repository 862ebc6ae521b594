package store

import (
	"context"
	"time"
)

// Repository is the single persistence contract the control plane
// requires: one contract, one relational implementation, never a
// second ORM-shaped path that can diverge from it.
//
// Every application-status update is a single transaction updating the
// application row, appending a status-history row, and appending the
// corresponding event. Callers never see those three writes split
// across calls; UpdateApplicationStatus does all three itself.
type Repository interface {
	// Session operations.
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id ID) (*Session, error)
	UpdateSessionStatus(ctx context.Context, id ID, status SessionStatus, expectedVersion int64) error
	// UpdateSessionCounters applies an additive delta to the session's
	// counters; "additive" so concurrent workers never clobber each
	// other's contribution.
	UpdateSessionCounters(ctx context.Context, id ID, delta SessionCounters) error
	MarkSessionTerminal(ctx context.Context, id ID, status SessionStatus, endedAt time.Time) error
	Heartbeat(ctx context.Context, id ID, nodeID string, at time.Time) error
	// ListNonTerminalSessions supports startup recovery: sessions whose
	// owning process may be dead.
	ListNonTerminalSessions(ctx context.Context) ([]*Session, error)

	// Application operations.
	CreateApplication(ctx context.Context, a *ApplicationItem) error
	GetApplication(ctx context.Context, id ID) (*ApplicationItem, error)
	// UpdateApplicationStatus validates the transition against
	// LegalTransition, then performs the three-part transaction:
	// application row, status-history row, event append.
	UpdateApplicationStatus(ctx context.Context, id ID, to ApplicationStatus, reason, detail string, evt *Event) error
	SetApplicationTiming(ctx context.Context, id ID, startedAt, submittedAt *time.Time) error
	IncrementApplicationCounters(ctx context.Context, id ID, tokensIn, tokensOut int64, cost float64) error
	RecordApplicationFailure(ctx context.Context, id ID, reason, detail string) error
	ListQueuedApplications(ctx context.Context, sessionID ID, limit int) ([]*ApplicationItem, error)
	ListInProgressApplications(ctx context.Context, sessionID ID) ([]*ApplicationItem, error)
	// ListApplications returns every item owned by a session regardless
	// of status, for digest computation.
	ListApplications(ctx context.Context, sessionID ID) ([]*ApplicationItem, error)
	ListStatusHistory(ctx context.Context, applicationID ID) ([]*StatusHistoryEntry, error)

	// Question operations. StepIndex is assigned by the implementation,
	// strictly increasing per application.
	AppendQuestion(ctx context.Context, q *Question) error
	ListQuestions(ctx context.Context, applicationID ID) ([]*Question, error)

	// Event operations. AppendEvent assigns Sequence, ignoring any
	// value the caller set. It assigns the event's ID when that is zero,
	// so a retry of the same *Event (see internal/eventlog) reuses the ID
	// and cannot insert a second row once the first insert committed.
	AppendEvent(ctx context.Context, e *Event) (int64, error)
	ListEvents(ctx context.Context, sessionID ID) ([]*Event, error)
	ListApplicationEvents(ctx context.Context, applicationID ID) ([]*Event, error)

	// Model Usage operations.
	AppendModelUsage(ctx context.Context, u *ModelUsage) error

	// Digest operations.
	UpsertDigest(ctx context.Context, d *Digest) error
	GetDigest(ctx context.Context, sessionID ID) (*Digest, error)

	// Domain Policy operations.
	LoadAllDomainPolicies(ctx context.Context) ([]*DomainPolicy, error)
	UpsertDomainPolicy(ctx context.Context, p *DomainPolicy) error

	Close()
}
