package dispatcher

import (
	"container/heap"
	"sync"
	"time"

	"github.com/applyctl/flowctl/internal/store"
)

// queuedItem pairs an Application Item with the insertion counter that
// breaks ties within its score bucket.
type queuedItem struct {
	item       *store.ApplicationItem
	seq        int64
	enqueuedAt time.Time
}

func scoreBucket(item *store.ApplicationItem) int {
	b := int(item.MatchScore * 10)
	if b > 9 {
		b = 9
	}
	if b < 0 {
		b = 0
	}
	return b
}

// itemHeap implements heap.Interface over the total order
// `(score_bucket_desc, enqueue_time_asc)`, ties broken by insertion
// order (seq). Bucketing by floor(match_score*10) gives higher-quality
// items priority without letting a tiny score gap starve older items;
// there is deliberately no aging term, which would break the total
// order.
type itemHeap []*queuedItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	bi, bj := scoreBucket(h[i].item), scoreBucket(h[j].item)
	if bi != bj {
		return bi > bj // descending
	}
	if !h[i].enqueuedAt.Equal(h[j].enqueuedAt) {
		return h[i].enqueuedAt.Before(h[j].enqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) {
	*h = append(*h, x.(*queuedItem))
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return it
}

// readyQueue is the Dispatcher's in-memory staging area between
// repository reads and worker assignment: items pulled from
// Repository.ListQueuedApplications (already ordered by the
// repository's own SQL `ORDER BY floor(match_score*10) DESC, queued_at
// ASC`) land here so a rate-governor `defer` or a failed assignment can
// requeue an item locally without a round trip to the repository.
type readyQueue struct {
	mu   sync.Mutex
	h    itemHeap
	next int64
}

func newReadyQueue() *readyQueue {
	return &readyQueue{}
}

func (q *readyQueue) push(item *store.ApplicationItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.next++
	heap.Push(&q.h, &queuedItem{item: item, seq: q.next, enqueuedAt: item.QueuedAt})
}

// pushDelayed requeues the item so it becomes visible to pop only
// after delay elapses, via time.AfterFunc.
func (q *readyQueue) pushDelayed(item *store.ApplicationItem, delay time.Duration) {
	if delay <= 0 {
		q.push(item)
		return
	}
	time.AfterFunc(delay, func() { q.push(item) })
}

func (q *readyQueue) pop() *store.ApplicationItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	qi := heap.Pop(&q.h).(*queuedItem)
	return qi.item
}

func (q *readyQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}
