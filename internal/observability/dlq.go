package observability

import "sync"

// DeadLetterQueue stores records whose delivery was abandoned.
type DeadLetterQueue[T any] struct {
	mu       sync.Mutex
	capacity int
	records  []T
}

// NewDeadLetterQueue creates a DLQ with the provided capacity. Capacity <=0 implies unbounded.
func NewDeadLetterQueue[T any](capacity int) *DeadLetterQueue[T] {
	queue := new(DeadLetterQueue[T])
	queue.capacity = capacity
	queue.records = make([]T, 0)
	return queue
}

// Offer records an abandoned delivery in the DLQ.
func (q *DeadLetterQueue[T]) Offer(record T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.records) >= q.capacity {
		// Drop oldest record to make space for the new one.
		copy(q.records[0:], q.records[1:])
		q.records[len(q.records)-1] = record
		return
	}
	q.records = append(q.records, record)
}

// Drain retrieves and clears all queued records.
func (q *DeadLetterQueue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]T, len(q.records))
	copy(drained, q.records)
	q.records = q.records[:0]
	return drained
}

// Len returns the number of queued records.
func (q *DeadLetterQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}
