package transactions

import (
	"container/heap"
	"sync"
	"time"
)

// atrRegistration is one entry on the Cleanup Queue: an ATR this process
// has pended an attempt against, and the earliest time the background
// cleanup worker should consider it (spec.md §4.6).
type atrRegistration struct {
	loc          atrLocationKey
	attemptID    string
	minStartTime time.Time
}

// cleanupHeap orders atrRegistration entries by minStartTime, earliest
// first, via container/heap.
type cleanupHeap []atrRegistration

func (h cleanupHeap) Len() int            { return len(h) }
func (h cleanupHeap) Less(i, j int) bool  { return h[i].minStartTime.Before(h[j].minStartTime) }
func (h cleanupHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *cleanupHeap) Push(x interface{}) { *h = append(*h, x.(atrRegistration)) }
func (h *cleanupHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// CleanupQueue is the in-process record of attempts this client has
// started, ordered by min_start_time so the background cleanup worker
// (cleanup_worker.go) always considers the oldest-eligible entry first.
// Grounded on the teacher's TransactionsCleanupQueue, reworked from its
// unbounded channel into a bounded min-heap because spec.md §4.6
// requires earliest-eligible-first ordering rather than FIFO-by-arrival.
type CleanupQueue struct {
	mu       sync.Mutex
	h        cleanupHeap
	capacity int
	notEmpty chan struct{}
}

func newCleanupQueue(capacity int) *CleanupQueue {
	if capacity <= 0 {
		capacity = 100000
	}
	return &CleanupQueue{
		capacity: capacity,
		notEmpty: make(chan struct{}, 1),
	}
}

// registerATR adds an entry to the queue, dropping the oldest-scheduled
// entry when at capacity (a best-effort queue: losing one cleanup
// registration only delays, never prevents, eventual lost-transaction
// recovery via the Lost-Transaction Scanner).
func (q *CleanupQueue) registerATR(reg atrRegistration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	heap.Push(&q.h, reg)
	for len(q.h) > q.capacity {
		heap.Pop(&q.h)
	}

	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// popDue removes and returns the earliest entry if it is due (its
// min_start_time has passed), along with ok=true; otherwise returns
// ok=false without modifying the queue.
func (q *CleanupQueue) popDue(now time.Time) (atrRegistration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.h) == 0 {
		return atrRegistration{}, false
	}
	next := q.h[0]
	if next.minStartTime.After(now) {
		return atrRegistration{}, false
	}
	return heap.Pop(&q.h).(atrRegistration), true
}

// peekWait returns the duration until the earliest entry becomes due, or
// a default poll interval when the queue is empty.
func (q *CleanupQueue) peekWait(now time.Time, idleInterval time.Duration) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.h) == 0 {
		return idleInterval
	}
	d := q.h[0].minStartTime.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func (q *CleanupQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}
