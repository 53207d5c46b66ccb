// Package delayqueue holds items until an absolute execute time and hands
// them back once due. Both message queues use it for deferred retries.
package delayqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// DefaultPollInterval is how often Run checks for due items.
const DefaultPollInterval = 100 * time.Millisecond

type entry[T any] struct {
	item T
	at   time.Time
	seq  uint64
}

type entryHeap[T any] []*entry[T]

func (h entryHeap[T]) Len() int { return len(h) }
func (h entryHeap[T]) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h entryHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap[T]) Push(x any)   { *h = append(*h, x.(*entry[T])) }
func (h *entryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is a min-heap ordered by execute time. Items due at the same instant
// come out in insertion order.
type Queue[T any] struct {
	mu   sync.Mutex
	h    entryHeap[T]
	seq  uint64
	now  func() time.Time
	poll time.Duration
}

// New creates an empty queue polled every poll (DefaultPollInterval when
// zero).
func New[T any](poll time.Duration) *Queue[T] {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Queue[T]{now: time.Now, poll: poll}
}

// PushAt schedules item for at.
func (q *Queue[T]) PushAt(item T, at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	heap.Push(&q.h, &entry[T]{item: item, at: at, seq: q.seq})
}

// PushAfter schedules item d from now.
func (q *Queue[T]) PushAfter(item T, d time.Duration) {
	q.PushAt(item, q.now().Add(d))
}

// PopDue removes and returns every item whose execute time is not after now,
// earliest first.
func (q *Queue[T]) PopDue(now time.Time) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []T
	for len(q.h) > 0 && !q.h[0].at.After(now) {
		e := heap.Pop(&q.h).(*entry[T])
		due = append(due, e.item)
	}
	return due
}

// Len returns the number of waiting items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// NextAt returns the execute time of the earliest item.
func (q *Queue[T]) NextAt() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return time.Time{}, false
	}
	return q.h[0].at, true
}

// Drain empties the queue and returns what it held in execute order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, 0, len(q.h))
	for len(q.h) > 0 {
		out = append(out, heap.Pop(&q.h).(*entry[T]).item)
	}
	return out
}

// Remove deletes every waiting item for which match returns true and reports
// how many were removed.
func (q *Queue[T]) Remove(match func(T) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.h[:0]
	removed := 0
	for _, e := range q.h {
		if match(e.item) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.h); i++ {
		q.h[i] = nil
	}
	q.h = kept
	heap.Init(&q.h)
	return removed
}

// Run polls the queue and passes each due item to release until ctx is done.
func (q *Queue[T]) Run(ctx context.Context, release func(T)) {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, item := range q.PopDue(q.now()) {
				release(item)
			}
		}
	}
}
