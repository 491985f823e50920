package exporter

import (
	"sync"
	"time"

	"github.com/ethpandaops/promagg/internal/record"
)

type entry struct {
	enqueuedAt time.Time
	record     record.Record
}

// boundedQueue is a FIFO ring that never grows past its capacity. Pushing
// onto a full queue overwrites the oldest entry, so the newest survive.
type boundedQueue struct {
	mu   sync.Mutex
	buf  []entry
	head int
	size int
}

func newBoundedQueue(capacity int) *boundedQueue {
	return &boundedQueue{
		buf: make([]entry, capacity),
	}
}

// push appends e and reports whether the oldest entry was evicted.
func (q *boundedQueue) push(e entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == len(q.buf) {
		q.buf[q.head] = e
		q.head = (q.head + 1) % len(q.buf)

		return true
	}

	q.buf[(q.head+q.size)%len(q.buf)] = e
	q.size++

	return false
}

func (q *boundedQueue) popFront() (entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.popLocked()
}

// dropStale discards head entries whose age at now is at least threshold
// and returns how many were dropped.
func (q *boundedQueue) dropStale(now time.Time, threshold time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := 0

	for q.size > 0 && now.Sub(q.buf[q.head].enqueuedAt) >= threshold {
		q.popLocked()
		dropped++
	}

	return dropped
}

func (q *boundedQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.size
}

func (q *boundedQueue) capacity() int {
	return len(q.buf)
}

func (q *boundedQueue) popLocked() (entry, bool) {
	if q.size == 0 {
		return entry{}, false
	}

	e := q.buf[q.head]
	q.buf[q.head] = entry{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--

	return e, true
}
