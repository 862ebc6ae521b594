package dispatcher

import (
	"testing"
	"time"

	"github.com/applyctl/flowctl/internal/store"
)

func TestReadyQueue_OrdersByScoreBucketThenEnqueueTime(t *testing.T) {
	q := newReadyQueue()
	now := time.Now()

	low := &store.ApplicationItem{ID: store.NewID(), MatchScore: 0.21, QueuedAt: now}
	highOld := &store.ApplicationItem{ID: store.NewID(), MatchScore: 0.95, QueuedAt: now.Add(-time.Minute)}
	highNew := &store.ApplicationItem{ID: store.NewID(), MatchScore: 0.91, QueuedAt: now}

	q.push(low)
	q.push(highNew)
	q.push(highOld)

	first := q.pop()
	if first.ID != highOld.ID {
		t.Fatalf("expected highOld first (older enqueue time within same bucket), got %v", first.ID)
	}
	second := q.pop()
	if second.ID != highNew.ID {
		t.Fatalf("expected highNew second, got %v", second.ID)
	}
	third := q.pop()
	if third.ID != low.ID {
		t.Fatalf("expected low last (lower score bucket), got %v", third.ID)
	}
	if q.pop() != nil {
		t.Fatalf("expected empty queue")
	}
}

func TestReadyQueue_PushDelayed(t *testing.T) {
	q := newReadyQueue()
	item := &store.ApplicationItem{ID: store.NewID(), MatchScore: 0.5, QueuedAt: time.Now()}
	q.pushDelayed(item, 20*time.Millisecond)

	if q.pop() != nil {
		t.Fatalf("expected item not yet visible")
	}
	time.Sleep(60 * time.Millisecond)
	if q.pop() == nil {
		t.Fatalf("expected item visible after delay elapsed")
	}
}

func TestScoreBucket_ClampsToRange(t *testing.T) {
	if b := scoreBucket(&store.ApplicationItem{MatchScore: 1.5}); b != 9 {
		t.Fatalf("expected clamp to 9, got %d", b)
	}
	if b := scoreBucket(&store.ApplicationItem{MatchScore: -0.5}); b != 0 {
		t.Fatalf("expected clamp to 0, got %d", b)
	}
}
