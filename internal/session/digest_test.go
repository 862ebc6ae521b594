package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/applyctl/flowctl/internal/eventlog"
	"github.com/applyctl/flowctl/internal/store"
)

// fakeRepo backs the Controller's digest and recovery paths in-memory.
type fakeRepo struct {
	store.Repository

	mu          sync.Mutex
	sessions    map[store.ID]*store.Session
	items       map[store.ID][]*store.ApplicationItem
	itemStatus  map[store.ID]store.ApplicationStatus
	itemReasons map[store.ID]string
	digests     map[store.ID]*store.Digest
	seq         int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sessions:    make(map[store.ID]*store.Session),
		items:       make(map[store.ID][]*store.ApplicationItem),
		itemStatus:  make(map[store.ID]store.ApplicationStatus),
		itemReasons: make(map[store.ID]string),
		digests:     make(map[store.ID]*store.Digest),
	}
}

func (f *fakeRepo) GetSession(ctx context.Context, id store.ID) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id], nil
}

func (f *fakeRepo) ListApplications(ctx context.Context, sessionID store.ID) ([]*store.ApplicationItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[sessionID], nil
}

func (f *fakeRepo) ListNonTerminalSessions(ctx context.Context) ([]*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Session
	for _, s := range f.sessions {
		if !s.Status.Terminal() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListInProgressApplications(ctx context.Context, sessionID store.ID) ([]*store.ApplicationItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.ApplicationItem
	for _, it := range f.items[sessionID] {
		if it.Status == store.AppInProgress {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *fakeRepo) MarkSessionTerminal(ctx context.Context, id store.ID, status store.SessionStatus, endedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		s.Status = status
		s.EndedAt = &endedAt
	}
	return nil
}

func (f *fakeRepo) UpdateApplicationStatus(ctx context.Context, id store.ID, to store.ApplicationStatus, reason, detail string, evt *store.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.itemStatus[id] = to
	f.itemReasons[id] = reason
	return nil
}

func (f *fakeRepo) AppendEvent(ctx context.Context, e *store.Event) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return f.seq, nil
}

func (f *fakeRepo) UpsertDigest(ctx context.Context, d *store.Digest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.digests[d.SessionID] = d
	return nil
}

func item(sessionID store.ID, domain string, effort store.Effort, status store.ApplicationStatus, failReason string) *store.ApplicationItem {
	return &store.ApplicationItem{
		ID:            store.NewID(),
		SessionID:     sessionID,
		Domain:        domain,
		Effort:        effort,
		Status:        status,
		FailureReason: failReason,
	}
}

func TestDigest_BreakdownsAndFailureTaxonomy(t *testing.T) {
	repo := newFakeRepo()
	c := New(Deps{Repo: repo, Log: eventlog.New(repo)})

	sessID := store.NewID()
	repo.sessions[sessID] = &store.Session{
		ID:     sessID,
		Status: store.SessionCompleted,
		Counters: store.SessionCounters{
			Attempted: 8, Succeeded: 2, Failed: 5, Skipped: 1,
		},
	}
	items := []*store.ApplicationItem{
		item(sessID, "a.example.com", store.EffortHigh, store.AppSubmitted, ""),
		item(sessID, "a.example.com", store.EffortMedium, store.AppSubmitted, ""),
		item(sessID, "b.example.com", store.EffortLow, store.AppSkipped, ""),
		item(sessID, "b.example.com", store.EffortMedium, store.AppFailed, "intervention_timeout"),
		item(sessID, "b.example.com", store.EffortMedium, store.AppFailed, "intervention_timeout"),
		item(sessID, "b.example.com", store.EffortMedium, store.AppFailed, "intervention_timeout"),
		item(sessID, "b.example.com", store.EffortMedium, store.AppFailed, "intervention_timeout"),
		item(sessID, "a.example.com", store.EffortHigh, store.AppFailed, "worker_exception"),
	}
	repo.items[sessID] = items

	d, err := c.Digest(context.Background(), sessID)
	require.NoError(t, err)

	// Breakdown buckets reproduce the session-level conservation shape.
	a := d.PerDomain["a.example.com"]
	require.Equal(t, 3, a.Attempted)
	require.Equal(t, 2, a.Succeeded)
	require.Equal(t, 1, a.Failed)

	b := d.PerDomain["b.example.com"]
	require.Equal(t, 5, b.Attempted)
	require.Equal(t, 4, b.Failed)
	require.Equal(t, 1, b.Skipped)

	require.Equal(t, 2, d.PerEffort[store.EffortHigh].Attempted)
	require.Equal(t, 5, d.PerEffort[store.EffortMedium].Attempted)

	// Failure taxonomy: per-reason counts with at most three example ids.
	byReason := map[string]store.DigestFailureCount{}
	for _, fc := range d.Failures {
		byReason[fc.Reason] = fc
	}
	require.Equal(t, 4, byReason["intervention_timeout"].Count)
	require.Len(t, byReason["intervention_timeout"].Examples, 3)
	require.Equal(t, 1, byReason["worker_exception"].Count)
	require.Len(t, byReason["worker_exception"].Examples, 1)

	// The digest was persisted.
	require.NotNil(t, repo.digests[sessID])
}

func TestRecover_MarksStaleSessionsAndOrphansItems(t *testing.T) {
	repo := newFakeRepo()
	c := New(Deps{Repo: repo, Log: eventlog.New(repo), LeaseTTL: 30 * time.Second})

	stale := &store.Session{ID: store.NewID(), Status: store.SessionRunning, HeartbeatAt: time.Now().Add(-time.Minute)}
	fresh := &store.Session{ID: store.NewID(), Status: store.SessionRunning, HeartbeatAt: time.Now()}
	repo.sessions[stale.ID] = stale
	repo.sessions[fresh.ID] = fresh

	orphan := item(stale.ID, "a.example.com", store.EffortMedium, store.AppInProgress, "")
	repo.items[stale.ID] = []*store.ApplicationItem{orphan}

	require.NoError(t, c.Recover(context.Background()))

	require.Equal(t, store.SessionFailed, stale.Status)
	require.Equal(t, store.SessionRunning, fresh.Status)
	require.Equal(t, store.AppFailed, repo.itemStatus[orphan.ID])
	require.Equal(t, "orphaned", repo.itemReasons[orphan.ID])
}
