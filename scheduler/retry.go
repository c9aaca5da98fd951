package scheduler

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/expense-engine/engine"
)

// RetryKind distinguishes per-obligation retries from whole-pass retries.
type RetryKind string

const (
	RetryObligation     RetryKind = "obligation"
	RetryFullGeneration RetryKind = "full_generation"
)

// RetryItem is one queued retry.
type RetryItem struct {
	ID             string              `json:"id"`
	Kind           RetryKind           `json:"kind"`
	ObligationID   engine.ObligationID `json:"obligation_id,omitempty"`
	ObligationKind engine.Kind         `json:"obligation_kind,omitempty"`
	Attempts       int                 `json:"attempts"`
	LastError      string              `json:"last_error"`
	EnqueuedAt     time.Time           `json:"enqueued_at"`
	LastAttemptAt  *time.Time          `json:"last_attempt_at,omitempty"`
}

func (it RetryItem) key() string {
	return string(it.Kind) + "/" + string(it.ObligationID)
}

// RetryQueue is a bounded FIFO of retry items with attempt counters.
// Pushing an item that is already queued (same kind and obligation) only
// refreshes its error. When full, the oldest item is evicted.
type RetryQueue struct {
	mu          sync.Mutex
	items       []*RetryItem
	capacity    int
	maxAttempts int
}

func NewRetryQueue(capacity, maxAttempts int) *RetryQueue {
	if capacity < 1 {
		capacity = 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryQueue{capacity: capacity, maxAttempts: maxAttempts}
}

// Push enqueues item. It returns false when the item was merged into an
// existing one, and the evicted item, if any.
func (q *RetryQueue) Push(item RetryItem) (added bool, evicted *RetryItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, it := range q.items {
		if it.key() == item.key() {
			it.LastError = item.LastError
			return false, nil
		}
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if len(q.items) >= q.capacity {
		old := *q.items[0]
		q.items = q.items[1:]
		evicted = &old
	}
	q.items = append(q.items, &item)
	return true, evicted
}

// Pending returns copies of the items that still have attempts left.
func (q *RetryQueue) Pending() []RetryItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []RetryItem
	for _, it := range q.items {
		if it.Attempts < q.maxAttempts {
			out = append(out, *it)
		}
	}
	return out
}

// Succeed removes the item.
func (q *RetryQueue) Succeed(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(id)
}

// Fail records a failed attempt. The item is dropped when it has used all
// its attempts; exhausted reports that case.
func (q *RetryQueue) Fail(id string, err error, at time.Time) (attempts int, exhausted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.ID != id {
			continue
		}
		it.Attempts++
		it.LastAttemptAt = &at
		if err != nil {
			it.LastError = err.Error()
		}
		if it.Attempts >= q.maxAttempts {
			q.removeLocked(id)
			return it.Attempts, true
		}
		return it.Attempts, false
	}
	return 0, false
}

// Drop removes the item without retrying it again.
func (q *RetryQueue) Drop(id string) {
	q.Succeed(id)
}

// PruneOlderThan removes items enqueued before cutoff and returns how many.
func (q *RetryQueue) PruneOlderThan(cutoff time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	pruned := 0
	for _, it := range q.items {
		if it.EnqueuedAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	return pruned
}

func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *RetryQueue) Capacity() int { return q.capacity }

// Snapshot returns copies of all queued items, oldest first.
func (q *RetryQueue) Snapshot() []RetryItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]RetryItem, len(q.items))
	for i, it := range q.items {
		out[i] = *it
	}
	return out
}

func (q *RetryQueue) removeLocked(id string) {
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}
