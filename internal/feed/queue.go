package feed

import "sync"

// sendQueue buffers caller-issued outbound frames while a venue is
// disconnected. It is bounded; pushing onto a full queue drops the oldest
// frame so the freshest commands survive a long outage.
type sendQueue struct {
	mu      sync.Mutex
	frames  [][]byte
	max     int
	dropped uint64
}

func newSendQueue(max int) *sendQueue {
	return &sendQueue{max: max}
}

// Push appends frame, evicting the oldest entry when the queue is full.
// It reports whether an eviction happened.
func (q *sendQueue) Push(frame []byte) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) >= q.max {
		q.frames = q.frames[1:]
		q.dropped++
		evicted = true
	}
	q.frames = append(q.frames, frame)
	return evicted
}

// Drain removes and returns all queued frames in FIFO order.
func (q *sendQueue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.frames
	q.frames = nil
	return out
}

// Len returns the number of queued frames.
func (q *sendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Dropped returns the total number of evicted frames, for diagnostics.
func (q *sendQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
