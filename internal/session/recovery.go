package session

import (
	"context"
	"log"
	"time"

	"github.com/applyctl/flowctl/internal/apperrors"
	"github.com/applyctl/flowctl/internal/observability"
	"github.com/applyctl/flowctl/internal/store"
)

// Recover runs the startup sweep: it scans the repository for
// non-terminal sessions whose owning process is dead (by heartbeat
// expiry) and marks them failed with reason process_died; their
// in_progress items are marked failed with reason orphaned. It never
// resumes a session automatically — that is an operator action, via a
// fresh call to Start with the same config snapshot.
func (c *Controller) Recover(ctx context.Context) error {
	sessions, err := c.deps.Repo.ListNonTerminalSessions(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, sess := range sessions {
		if c.owns(sess.ID) {
			// Already running under this process's Controller instance;
			// not orphaned.
			continue
		}
		if now.Sub(sess.HeartbeatAt) < c.deps.LeaseTTL {
			continue
		}

		log.Printf("session %s: stale heartbeat (last %s), marking process_died", sess.ID, sess.HeartbeatAt)
		if err := c.deps.Repo.MarkSessionTerminal(ctx, sess.ID, store.SessionFailed, now); err != nil {
			log.Printf("session %s: recovery mark-terminal failed: %v", sess.ID, err)
			continue
		}
		observability.SessionTransitions.WithLabelValues(string(store.SessionFailed)).Inc()
		_, _ = c.deps.Log.AppendSession(ctx, sess.ID, store.EventSessionFailed, string(apperrors.ReasonProcessDied), nil)
		observability.SessionRecoveries.Inc()

		inProgress, err := c.deps.Repo.ListInProgressApplications(ctx, sess.ID)
		if err != nil {
			log.Printf("session %s: listing in-progress applications during recovery: %v", sess.ID, err)
			continue
		}
		for _, item := range inProgress {
			err := c.deps.Repo.UpdateApplicationStatus(ctx, item.ID, store.AppFailed, string(apperrors.ReasonOrphaned), "", &store.Event{
				SessionID:     sess.ID,
				ApplicationID: item.ID,
				Type:          store.EventItemFailed,
				Detail:        string(apperrors.ReasonOrphaned),
			})
			if err != nil {
				log.Printf("application %s: recovery transition failed: %v", item.ID, err)
			}
		}
	}
	return nil
}

func (c *Controller) owns(sessionID store.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[sessionID]
	return ok
}
