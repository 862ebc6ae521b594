package intervention

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/applyctl/flowctl/internal/executor"
	"github.com/applyctl/flowctl/internal/store"
)

type countingNotifier struct {
	mu    sync.Mutex
	calls map[executor.NotifyKind]int
}

func newCountingNotifier() *countingNotifier {
	return &countingNotifier{calls: make(map[executor.NotifyKind]int)}
}

func (n *countingNotifier) Notify(ctx context.Context, kind executor.NotifyKind, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[kind]++
	return nil
}

func (n *countingNotifier) count(kind executor.NotifyKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[kind]
}

func TestRequest_TimeoutReturnsSkip(t *testing.T) {
	notifier := newCountingNotifier()
	b := New(nil, notifier, 20*time.Millisecond)

	appID := store.NewID()
	res := b.Request(context.Background(), store.NewID(), appID, executor.EventCaptchaDetected, nil)

	require.Equal(t, ActionSkip, res.Action)
	require.Equal(t, "intervention_timeout", res.Reason)
	require.Equal(t, 1, notifier.count(executor.NotifyCaptchaManual))
	require.False(t, b.IsPending(appID))
}

func TestRequest_ResolveDeliversAction(t *testing.T) {
	b := New(nil, nil, 5*time.Second)
	appID := store.NewID()

	resC := make(chan Resolution, 1)
	go func() {
		resC <- b.Request(context.Background(), store.NewID(), appID, executor.EventTwoFactorRequested, nil)
	}()

	require.Eventually(t, func() bool { return b.IsPending(appID) }, time.Second, 5*time.Millisecond)
	require.True(t, b.Resolve(appID, ActionContinue, map[string]any{"code": "123456"}))

	res := <-resC
	require.Equal(t, ActionContinue, res.Action)
	require.Equal(t, "123456", res.Payload["code"])
}

func TestResolve_SecondResolveIgnored(t *testing.T) {
	b := New(nil, nil, 5*time.Second)
	appID := store.NewID()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Request(context.Background(), store.NewID(), appID, executor.EventCaptchaDetected, nil)
	}()

	require.Eventually(t, func() bool { return b.IsPending(appID) }, time.Second, 5*time.Millisecond)
	require.True(t, b.Resolve(appID, ActionSkip, nil))
	<-done

	// The pending entry is gone; a retried resolve is a no-op.
	require.False(t, b.Resolve(appID, ActionContinue, nil))
}

func TestResolve_UnknownApplicationIgnored(t *testing.T) {
	b := New(nil, nil, time.Second)
	require.False(t, b.Resolve(store.NewID(), ActionContinue, nil))
}

func TestRequest_ContextCancellation(t *testing.T) {
	b := New(nil, nil, 5*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := b.Request(ctx, store.NewID(), store.NewID(), executor.EventCaptchaDetected, nil)
	require.Equal(t, ActionSkip, res.Action)
	require.Equal(t, "cancelled", res.Reason)
}

func TestBridge_ConcurrentRequestsKeyedIndependently(t *testing.T) {
	b := New(nil, nil, 5*time.Second)
	a1, a2 := store.NewID(), store.NewID()

	results := make(chan Resolution, 2)
	for _, id := range []store.ID{a1, a2} {
		id := id
		go func() {
			results <- b.Request(context.Background(), store.NewID(), id, executor.EventCaptchaDetected, nil)
		}()
	}
	require.Eventually(t, func() bool { return b.IsPending(a1) && b.IsPending(a2) }, time.Second, 5*time.Millisecond)

	require.True(t, b.Resolve(a1, ActionContinue, nil))
	require.True(t, b.Resolve(a2, ActionAbort, nil))

	got := map[Action]bool{}
	for i := 0; i < 2; i++ {
		got[(<-results).Action] = true
	}
	require.True(t, got[ActionContinue])
	require.True(t, got[ActionAbort])
}
