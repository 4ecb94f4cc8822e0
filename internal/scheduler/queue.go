package scheduler

import (
	"container/heap"
	"time"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// queue is a bounded max-heap of opportunities ordered by RawScore, FIFO
// within equal scores. It is not safe for concurrent use; the scheduler
// serializes access under its own mutex.
type queue struct {
	items    oppHeap
	capacity int
}

func newQueue(capacity int) *queue {
	return &queue{capacity: capacity}
}

func (q *queue) Len() int { return len(q.items) }

// Push inserts an opportunity. When the queue is at capacity the
// lowest-scoring entry loses its slot: either the incoming opportunity (if it
// scores at or below the current minimum) or the evicted resident. The loser
// is returned so the caller can account for the drop; nil means everything
// fit.
func (q *queue) Push(opp *domain.Opportunity) *domain.Opportunity {
	if q.capacity > 0 && len(q.items) >= q.capacity {
		min := q.minIndex()
		if opp.RawScore <= q.items[min].RawScore {
			return opp
		}
		evicted := heap.Remove(&q.items, min).(*domain.Opportunity)
		heap.Push(&q.items, opp)
		return evicted
	}
	heap.Push(&q.items, opp)
	return nil
}

// Pop removes and returns the highest-scoring opportunity, or nil when the
// queue is empty.
func (q *queue) Pop() *domain.Opportunity {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*domain.Opportunity)
}

// Peek returns the highest-scoring opportunity without removing it.
func (q *queue) Peek() *domain.Opportunity {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// SweepOlderThan removes every opportunity enqueued before the cutoff and
// returns them.
func (q *queue) SweepOlderThan(cutoff time.Time) []*domain.Opportunity {
	var removed []*domain.Opportunity
	for i := 0; i < len(q.items); {
		if q.items[i].EnqueuedAt.Before(cutoff) {
			removed = append(removed, heap.Remove(&q.items, i).(*domain.Opportunity))
			continue
		}
		i++
	}
	return removed
}

// minIndex returns the index of the lowest-scoring entry. The minimum of a
// max-heap lives in a leaf, so only the second half of the slice needs
// scanning.
func (q *queue) minIndex() int {
	min := len(q.items) / 2
	for i := min + 1; i < len(q.items); i++ {
		if oppLess(q.items[min], q.items[i]) {
			min = i
		}
	}
	return min
}

// oppLess orders a before b: higher score first, earlier enqueue first among
// equals.
func oppLess(a, b *domain.Opportunity) bool {
	if a.RawScore != b.RawScore {
		return a.RawScore > b.RawScore
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

type oppHeap []*domain.Opportunity

func (h oppHeap) Len() int            { return len(h) }
func (h oppHeap) Less(i, j int) bool  { return oppLess(h[i], h[j]) }
func (h oppHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *oppHeap) Push(x any)         { *h = append(*h, x.(*domain.Opportunity)) }
func (h *oppHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
