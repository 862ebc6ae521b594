// Package eventlog is the thin, write-mostly interface over the
// Repository: every append is durable (written through to the
// Repository) before the caller's state transition is acknowledged,
// sequence numbers are assigned by the log rather than the caller, and
// a write that fails after bounded retries escalates to
// apperrors.ErrFatalLogWrite so the session controller can fail the
// session rather than let state diverge from the log.
package eventlog

import (
	"context"
	"time"

	"github.com/applyctl/flowctl/internal/apperrors"
	"github.com/applyctl/flowctl/internal/observability"
	"github.com/applyctl/flowctl/internal/store"
)

// retrySchedule is the bounded backoff for transient append failures:
// one initial attempt, then 3 retries after waits of 100ms/500ms/2s.
var retrySchedule = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

// Log is the append-only event log, backed by one store.Repository.
type Log struct {
	repo  store.Repository
	sleep func(time.Duration) // overridable for tests
}

// New builds a Log over repo.
func New(repo store.Repository) *Log {
	return &Log{repo: repo, sleep: time.Sleep}
}

// Append durably appends e, retrying transient failures per the
// bounded schedule. It returns the assigned sequence number.
// On exhaustion it returns an error wrapping apperrors.ErrFatalLogWrite
// — the caller (Dispatcher/Session Controller) must transition the
// session to failed and stop dispatch, never acknowledge the state
// transition that triggered this append.
func (l *Log) Append(ctx context.Context, e *store.Event) (int64, error) {
	var lastErr error
	for attempt := 0; attempt <= len(retrySchedule); attempt++ {
		seq, err := l.repo.AppendEvent(ctx, e)
		if err == nil {
			return seq, nil
		}
		lastErr = err
		if attempt < len(retrySchedule) {
			l.sleep(retrySchedule[attempt])
		}
	}
	observability.EventLogFatalWrites.Inc()
	return 0, apperrors.Wrap(apperrors.ErrFatalLogWrite, lastErr.Error())
}

// AppendApplication is a convenience wrapper for the common case of an
// application-scoped event with a small payload.
func (l *Log) AppendApplication(ctx context.Context, sessionID, applicationID store.ID, typ store.EventType, detail string, payload map[string]any) (int64, error) {
	return l.Append(ctx, &store.Event{
		SessionID:     sessionID,
		ApplicationID: applicationID,
		Type:          typ,
		Detail:        detail,
		Payload:       payload,
		Timestamp:     time.Now(),
	})
}

// AppendSession is a convenience wrapper for a session-scoped event
// (no application attached), e.g. session_paused/session_completed.
func (l *Log) AppendSession(ctx context.Context, sessionID store.ID, typ store.EventType, detail string, payload map[string]any) (int64, error) {
	return l.Append(ctx, &store.Event{
		SessionID: sessionID,
		Type:      typ,
		Detail:    detail,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}
