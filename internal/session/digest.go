package session

import (
	"context"
	"time"

	"github.com/applyctl/flowctl/internal/observability"
	"github.com/applyctl/flowctl/internal/store"
)

// Digest computes the end-of-session summary: counters, per-domain
// and per-effort breakdowns, and a failure taxonomy with up to three
// example application ids per reason; it persists the result. It
// appends no event: session_completed is appended when the controller
// finalizes the session. It is safe to call more than once (an
// operator re-requesting a digest gets a freshly recomputed one).
func (c *Controller) Digest(ctx context.Context, sessionID store.ID) (*store.Digest, error) {
	sess, err := c.deps.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	items, err := c.deps.Repo.ListApplications(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	d := &store.Digest{
		SessionID:   sessionID,
		Counters:    sess.Counters,
		PerDomain:   make(map[string]store.SessionCounters),
		PerEffort:   make(map[store.Effort]store.SessionCounters),
		GeneratedAt: time.Now(),
	}

	failureExamples := make(map[string][]store.ID)
	failureCounts := make(map[string]int)

	for _, item := range items {
		accumulate(d.PerDomain, item.Domain, item)
		accumulate2(d.PerEffort, item.Effort, item)

		if item.Status == store.AppFailed && item.FailureReason != "" {
			failureCounts[item.FailureReason]++
			if len(failureExamples[item.FailureReason]) < 3 {
				failureExamples[item.FailureReason] = append(failureExamples[item.FailureReason], item.ID)
			}
		}
	}

	for reason, count := range failureCounts {
		d.Failures = append(d.Failures, store.DigestFailureCount{
			Reason:   reason,
			Count:    count,
			Examples: failureExamples[reason],
		})
	}

	if err := c.deps.Repo.UpsertDigest(ctx, d); err != nil {
		return nil, err
	}
	observability.DigestsComputed.Inc()
	return d, nil
}

func accumulate(m map[string]store.SessionCounters, domain string, item *store.ApplicationItem) {
	c := m[domain]
	applyItem(&c, item)
	m[domain] = c
}

func accumulate2(m map[store.Effort]store.SessionCounters, effort store.Effort, item *store.ApplicationItem) {
	c := m[effort]
	applyItem(&c, item)
	m[effort] = c
}

// applyItem folds one terminal (or in-flight) item into a breakdown
// bucket's counters, the same conservation shape
// (succeeded + failed + skipped + cancelled + in_flight = attempted)
// the session-level counters follow.
func applyItem(c *store.SessionCounters, item *store.ApplicationItem) {
	switch item.Status {
	case store.AppSubmitted:
		c.Attempted++
		c.Succeeded++
	case store.AppFailed:
		c.Attempted++
		c.Failed++
	case store.AppSkipped:
		c.Attempted++
		c.Skipped++
	case store.AppCancelled:
		c.Attempted++
		c.Cancelled++
	case store.AppInProgress, store.AppPaused:
		c.Attempted++
		c.InFlight++
	}
	c.TokensIn += item.TokensIn
	c.TokensOut += item.TokensOut
	c.Cost += item.Cost
}
