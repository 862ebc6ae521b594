package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/applyctl/flowctl/internal/eventlog"
	"github.com/applyctl/flowctl/internal/executor"
	"github.com/applyctl/flowctl/internal/intervention"
	"github.com/applyctl/flowctl/internal/policy"
	"github.com/applyctl/flowctl/internal/rategovernor"
	"github.com/applyctl/flowctl/internal/store"
	"github.com/applyctl/flowctl/internal/worker"
)

// fakeRepo implements only the operations this package's tests
// exercise; everything else panics via the embedded nil interface,
// same shape as internal/eventlog/log_test.go's fakeRepo.
type fakeRepo struct {
	store.Repository

	mu          sync.Mutex
	statuses    map[store.ID]store.ApplicationStatus
	counters    store.SessionCounters
	seq         int64
	queued      []*store.ApplicationItem
}

func newFakeRepo(queued []*store.ApplicationItem) *fakeRepo {
	return &fakeRepo{statuses: make(map[store.ID]store.ApplicationStatus), queued: queued}
}

func (f *fakeRepo) ListQueuedApplications(ctx context.Context, sessionID store.ID, limit int) ([]*store.ApplicationItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.queued
	f.queued = nil
	return out, nil
}

func (f *fakeRepo) UpdateApplicationStatus(ctx context.Context, id store.ID, to store.ApplicationStatus, reason, detail string, evt *store.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = to
	return nil
}

func (f *fakeRepo) SetApplicationTiming(ctx context.Context, id store.ID, startedAt, submittedAt *time.Time) error {
	return nil
}

func (f *fakeRepo) IncrementApplicationCounters(ctx context.Context, id store.ID, tokensIn, tokensOut int64, cost float64) error {
	return nil
}

func (f *fakeRepo) RecordApplicationFailure(ctx context.Context, id store.ID, reason, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = store.AppFailed
	return nil
}

func (f *fakeRepo) AppendQuestion(ctx context.Context, q *store.Question) error { return nil }

func (f *fakeRepo) AppendEvent(ctx context.Context, e *store.Event) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return f.seq, nil
}

func (f *fakeRepo) UpdateSessionCounters(ctx context.Context, id store.ID, delta store.SessionCounters) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters.Attempted += delta.Attempted
	f.counters.Skipped += delta.Skipped
	f.counters.InFlight += delta.InFlight
	return nil
}

func (f *fakeRepo) statusOf(id store.ID) store.ApplicationStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

// immediateExecutor resolves every item as submitted without blocking,
// standing in for the out-of-scope browser-driving Executor.
type immediateExecutor struct{}

func (immediateExecutor) RunApplication(ctx context.Context, item *store.ApplicationItem, effort store.Effort, cb executor.Callback) (executor.Outcome, error) {
	return executor.Outcome{Kind: executor.OutcomeSubmitted}, nil
}
func (immediateExecutor) Reset(ctx context.Context) error { return nil }
func (immediateExecutor) Close(ctx context.Context) error { return nil }

func testEvaluator(t *testing.T) *policy.Evaluator {
	t.Helper()
	ev, err := policy.Compile(policy.EffortPolicyConfig{})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return ev
}

func testPool(t *testing.T, repo store.Repository) *worker.Pool {
	t.Helper()
	gov := rategovernor.New(time.UTC)
	log := eventlog.New(repo)
	bridge := intervention.New(log, nil, time.Second)
	return worker.New(1, worker.Deps{
		Repo:        repo,
		Log:         log,
		Bridge:      bridge,
		Governor:    gov,
		NewExecutor: func() executor.Executor { return immediateExecutor{} },
	})
}

func TestDispatcher_SkipsLowMatchItem(t *testing.T) {
	item := &store.ApplicationItem{ID: store.NewID(), SessionID: store.NewID(), Domain: "example.com", MatchScore: 0.05, QueuedAt: time.Now()}
	repo := newFakeRepo([]*store.ApplicationItem{item})
	gov := rategovernor.New(time.UTC)
	pool := testPool(t, repo)

	var limitsReached int
	d := New(Deps{
		Repo:      repo,
		Log:       eventlog.New(repo),
		Policy:    testEvaluator(t),
		Governor:  gov,
		Pool:      pool,
		SessionID: item.SessionID,
		Limits:    store.SessionLimits{MaxItems: 10},
		StartedAt: time.Now(),
		OnLimitsReached: func(string) { limitsReached++ },
	}, 0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.dispatchOne(ctx, repo.queued0())

	if got := repo.statusOf(item.ID); got != store.AppSkipped {
		t.Fatalf("expected skipped, got %v", got)
	}
	if gov.InFlight("example.com") != 0 {
		t.Fatalf("rate governor slot must not be touched by a skip")
	}
}

func (f *fakeRepo) queued0() *store.ApplicationItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queued) == 0 {
		return nil
	}
	return f.queued[0]
}

func TestDispatcher_DispatchesAdmissibleItemToCompletion(t *testing.T) {
	item := &store.ApplicationItem{ID: store.NewID(), SessionID: store.NewID(), Domain: "example.com", MatchScore: 0.9, QueuedAt: time.Now()}
	repo := newFakeRepo([]*store.ApplicationItem{item})
	gov := rategovernor.New(time.UTC)
	pool := testPool(t, repo)

	d := New(Deps{
		Repo:      repo,
		Log:       eventlog.New(repo),
		Policy:    testEvaluator(t),
		Governor:  gov,
		Pool:      pool,
		SessionID: item.SessionID,
		Limits:    store.SessionLimits{MaxItems: 1},
		StartedAt: time.Now(),
	}, 0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if repo.statusOf(item.ID) == store.AppSubmitted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := repo.statusOf(item.ID); got != store.AppSubmitted {
		t.Fatalf("expected submitted, got %v", got)
	}
}
