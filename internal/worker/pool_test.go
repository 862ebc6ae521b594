package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/applyctl/flowctl/internal/eventlog"
	"github.com/applyctl/flowctl/internal/executor"
	"github.com/applyctl/flowctl/internal/intervention"
	"github.com/applyctl/flowctl/internal/rategovernor"
	"github.com/applyctl/flowctl/internal/store"
)

// fakeRepo records the status transitions, events, questions and
// session-counter deltas the worker writes, implementing only what this
// package's tests exercise.
type fakeRepo struct {
	store.Repository

	mu        sync.Mutex
	statuses  map[store.ID]store.ApplicationStatus
	reasons   map[store.ID]string
	events    []store.EventType
	questions []*store.Question
	counters  store.SessionCounters
	seq       int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		statuses: make(map[store.ID]store.ApplicationStatus),
		reasons:  make(map[store.ID]string),
	}
}

func (f *fakeRepo) UpdateApplicationStatus(ctx context.Context, id store.ID, to store.ApplicationStatus, reason, detail string, evt *store.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = to
	if reason != "" {
		f.reasons[id] = reason
	}
	if evt != nil {
		f.events = append(f.events, evt.Type)
	}
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
	f.reasons[id] = reason
	return nil
}

func (f *fakeRepo) AppendQuestion(ctx context.Context, q *store.Question) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q.StepIndex = len(f.questions)
	f.questions = append(f.questions, q)
	return nil
}

func (f *fakeRepo) AppendEvent(ctx context.Context, e *store.Event) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e.Type)
	f.seq++
	return f.seq, nil
}

func (f *fakeRepo) UpdateSessionCounters(ctx context.Context, id store.ID, delta store.SessionCounters) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters.Succeeded += delta.Succeeded
	f.counters.Failed += delta.Failed
	f.counters.Skipped += delta.Skipped
	f.counters.Cancelled += delta.Cancelled
	f.counters.TokensIn += delta.TokensIn
	f.counters.TokensOut += delta.TokensOut
	f.counters.Cost += delta.Cost
	return nil
}

func (f *fakeRepo) statusOf(id store.ID) store.ApplicationStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

func (f *fakeRepo) reasonOf(id store.ID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reasons[id]
}

func (f *fakeRepo) eventTypes() []store.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.EventType, len(f.events))
	copy(out, f.events)
	return out
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls map[executor.NotifyKind]int
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{calls: make(map[executor.NotifyKind]int)}
}

func (n *fakeNotifier) Notify(ctx context.Context, kind executor.NotifyKind, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[kind]++
	return nil
}

func (n *fakeNotifier) count(kind executor.NotifyKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[kind]
}

// scriptedExecutor returns a fixed outcome per RunApplication call,
// standing in for the out-of-scope browser agent.
type scriptedExecutor struct {
	mu       sync.Mutex
	outcomes []executor.Outcome
	run      func(ctx context.Context) error // optional, simulates browser time
}

func (s *scriptedExecutor) RunApplication(ctx context.Context, item *store.ApplicationItem, effort store.Effort, cb executor.Callback) (executor.Outcome, error) {
	if s.run != nil {
		if err := s.run(ctx); err != nil {
			return executor.Outcome{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outcomes) == 0 {
		return executor.Outcome{Kind: executor.OutcomeSubmitted}, nil
	}
	out := s.outcomes[0]
	s.outcomes = s.outcomes[1:]
	return out, nil
}

func (s *scriptedExecutor) Reset(ctx context.Context) error { return nil }
func (s *scriptedExecutor) Close(ctx context.Context) error { return nil }

type panicExecutor struct {
	scriptedExecutor
	panics int
	mu     sync.Mutex
}

func (p *panicExecutor) RunApplication(ctx context.Context, item *store.ApplicationItem, effort store.Effort, cb executor.Callback) (executor.Outcome, error) {
	p.mu.Lock()
	remaining := p.panics
	if remaining > 0 {
		p.panics--
	}
	p.mu.Unlock()
	if remaining > 0 {
		panic("browser context lost")
	}
	return executor.Outcome{Kind: executor.OutcomeSubmitted}, nil
}

func testItem() *store.ApplicationItem {
	return &store.ApplicationItem{
		ID:        store.NewID(),
		SessionID: store.NewID(),
		Domain:    "careers.example.com",
		Status:    store.AppQueued,
		QueuedAt:  time.Now(),
	}
}

func runOne(t *testing.T, p *Pool, item *store.ApplicationItem) rategovernor.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w, err := p.AwaitFreeSlot(ctx)
	require.NoError(t, err)
	done := make(chan rategovernor.Outcome, 1)
	w.Assign(&Assignment{Item: item, Effort: store.EffortMedium, Done: done})
	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		t.Fatal("worker never reported a terminal outcome")
		return ""
	}
}

func newTestPool(repo *fakeRepo, notifier executor.Notifier, exec executor.Executor, bridgeTimeout time.Duration) *Pool {
	log := eventlog.New(repo)
	bridge := intervention.New(log, notifier, bridgeTimeout)
	return New(1, Deps{
		Repo:        repo,
		Log:         log,
		Bridge:      bridge,
		Governor:    rategovernor.New(time.UTC),
		NewExecutor: func() executor.Executor { return exec },
	})
}

func TestWorker_SubmitsAndRecordsQuestions(t *testing.T) {
	repo := newFakeRepo()
	exec := &scriptedExecutor{outcomes: []executor.Outcome{{
		Kind: executor.OutcomeSubmitted,
		Questions: []store.Question{
			{Field: store.FieldDescriptor{NormalizedLabel: "full_name"}, Value: "A. Candidate", Source: store.SourceProfile, Confidence: 1},
			{Field: store.FieldDescriptor{NormalizedLabel: "cover_letter"}, Value: "...", Source: store.SourceLLM, Confidence: 0.8},
		},
		TokensIn:  1200,
		TokensOut: 450,
		Cost:      0.12,
	}}}
	pool := newTestPool(repo, nil, exec, time.Second)
	defer pool.Close(context.Background())

	item := testItem()
	out := runOne(t, pool, item)

	require.Equal(t, rategovernor.OutcomeSuccess, out)
	require.Equal(t, store.AppSubmitted, repo.statusOf(item.ID))
	require.Len(t, repo.questions, 2)
	require.Equal(t, item.ID, repo.questions[0].ApplicationID)
	require.Equal(t, 1, repo.counters.Succeeded)
	require.Equal(t, int64(1200), repo.counters.TokensIn)
	require.Equal(t, []store.EventType{store.EventItemStarted, store.EventItemSubmitted}, repo.eventTypes())
}

func TestWorker_PanicIsContainedAndWorkerSurvives(t *testing.T) {
	repo := newFakeRepo()
	exec := &panicExecutor{panics: 1}
	pool := newTestPool(repo, nil, exec, time.Second)
	defer pool.Close(context.Background())

	crashed := testItem()
	out := runOne(t, pool, crashed)
	require.Equal(t, rategovernor.OutcomeFailure, out)
	require.Equal(t, store.AppFailed, repo.statusOf(crashed.ID))
	require.Equal(t, "worker_exception", repo.reasonOf(crashed.ID))
	require.Contains(t, repo.eventTypes(), store.EventWorkerCrashed)

	// The same worker keeps serving items after recovering.
	next := testItem()
	out = runOne(t, pool, next)
	require.Equal(t, rategovernor.OutcomeSuccess, out)
	require.Equal(t, store.AppSubmitted, repo.statusOf(next.ID))
	require.Equal(t, 1, pool.Size())
}

func TestWorker_InterventionTimeoutFailsItem(t *testing.T) {
	repo := newFakeRepo()
	notifier := newFakeNotifier()
	exec := &scriptedExecutor{outcomes: []executor.Outcome{{
		Kind:             executor.OutcomeNeedsIntervention,
		InterventionKind: executor.EventCaptchaDetected,
	}}}
	pool := newTestPool(repo, notifier, exec, 30*time.Millisecond)
	defer pool.Close(context.Background())

	item := testItem()
	out := runOne(t, pool, item)

	require.Equal(t, rategovernor.OutcomeFailure, out)
	require.Equal(t, store.AppFailed, repo.statusOf(item.ID))
	require.Equal(t, "intervention_timeout", repo.reasonOf(item.ID))
	require.Equal(t, 1, notifier.count(executor.NotifyCaptchaManual))

	types := repo.eventTypes()
	require.Equal(t, []store.EventType{
		store.EventItemStarted,
		store.EventCaptchaFailed,
		store.EventInterventionRequested,
		store.EventInterventionTimeout,
		store.EventItemFailed,
	}, types)

	// The worker is alive afterward: a fresh item runs to completion on
	// the same pool.
	next := testItem()
	out = runOne(t, pool, next)
	require.Equal(t, rategovernor.OutcomeSuccess, out)
	require.Equal(t, store.AppSubmitted, repo.statusOf(next.ID))
}

func TestWorker_InterventionResolvedContinueSubmits(t *testing.T) {
	repo := newFakeRepo()
	exec := &scriptedExecutor{outcomes: []executor.Outcome{{
		Kind:             executor.OutcomeNeedsIntervention,
		InterventionKind: executor.EventTwoFactorRequested,
	}}}
	log := eventlog.New(repo)
	bridge := intervention.New(log, nil, 5*time.Second)
	pool := New(1, Deps{
		Repo:        repo,
		Log:         log,
		Bridge:      bridge,
		Governor:    rategovernor.New(time.UTC),
		NewExecutor: func() executor.Executor { return exec },
	})
	defer pool.Close(context.Background())

	item := testItem()
	go func() {
		for !bridge.IsPending(item.ID) {
			time.Sleep(5 * time.Millisecond)
		}
		bridge.Resolve(item.ID, intervention.ActionContinue, nil)
	}()

	out := runOne(t, pool, item)
	require.Equal(t, rategovernor.OutcomeSuccess, out)
	require.Equal(t, store.AppSubmitted, repo.statusOf(item.ID))
}

func TestWorker_ItemTimeoutMarksFailedTimeout(t *testing.T) {
	repo := newFakeRepo()
	exec := &scriptedExecutor{run: func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	log := eventlog.New(repo)
	pool := New(1, Deps{
		Repo:            repo,
		Log:             log,
		Bridge:          intervention.New(log, nil, time.Second),
		Governor:        rategovernor.New(time.UTC),
		NewExecutor:     func() executor.Executor { return exec },
		MaxItemDuration: 30 * time.Millisecond,
	})
	defer pool.Close(context.Background())

	item := testItem()
	out := runOne(t, pool, item)
	require.Equal(t, rategovernor.OutcomeTimeout, out)
	require.Equal(t, store.AppFailed, repo.statusOf(item.ID))
	require.Equal(t, "timeout", repo.reasonOf(item.ID))
}
