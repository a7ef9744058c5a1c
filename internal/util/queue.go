package util

import "sync"

// FrameQueue is a fixed-capacity FIFO for outbound wire frames. When full,
// Push evicts the oldest frame so the newest intent always survives a long
// disconnect. All methods are safe for concurrent use.
type FrameQueue struct {
	mu      sync.Mutex
	buf     [][]byte
	head    int
	count   int
	dropped uint64
}

// NewFrameQueue creates a queue holding at most capacity frames.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &FrameQueue{buf: make([][]byte, capacity)}
}

// Push appends a frame. Returns true when an older frame was evicted to
// make room.
func (q *FrameQueue) Push(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	idx := (q.head + q.count) % len(q.buf)
	q.buf[idx] = frame
	if q.count == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.dropped++
		evicted = true
	} else {
		q.count++
	}
	return evicted
}

// PushFront puts a frame back at the head so flush order is preserved
// when a write fails mid-stream. The frame is older than everything
// queued, so on a full queue it is itself the one dropped. Returns true
// when it was dropped.
func (q *FrameQueue) PushFront(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.buf) {
		q.dropped++
		return true
	}
	q.head = (q.head - 1 + len(q.buf)) % len(q.buf)
	q.buf[q.head] = frame
	q.count++
	return false
}

// Drain removes and returns all queued frames, oldest first.
func (q *FrameQueue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([][]byte, q.count)
	for i := 0; i < q.count; i++ {
		idx := (q.head + i) % len(q.buf)
		out[i] = q.buf[idx]
		q.buf[idx] = nil
	}
	q.head = 0
	q.count = 0
	return out
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	n := q.count
	q.mu.Unlock()
	return n
}

// Dropped returns the total number of frames evicted since creation.
func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	n := q.dropped
	q.mu.Unlock()
	return n
}
