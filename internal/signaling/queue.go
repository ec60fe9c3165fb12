package signaling

import (
	"sync"
	"sync/atomic"
)

// sendQueue is a frame-bounded FIFO between the hub and a connection's
// writer goroutine. Enqueue never blocks so one slow client cannot stall the
// hub.
type sendQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxFrames int
	frames    [][]byte

	drops atomic.Uint64
}

func newSendQueue(maxFrames int) *sendQueue {
	if maxFrames <= 0 {
		maxFrames = 1
	}
	q := &sendQueue{maxFrames: maxFrames}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *sendQueue) DropCount() uint64 {
	return q.drops.Load()
}

// Enqueue appends frame unless the queue is closed or full.
func (q *sendQueue) Enqueue(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.frames) >= q.maxFrames {
		q.drops.Add(1)
		return false
	}
	q.frames = append(q.frames, frame)
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until a frame is available or the queue is closed and
// drained.
func (q *sendQueue) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.frames) == 0 {
		return nil, false
	}
	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	return frame, true
}

func (q *sendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Close wakes the writer. Frames already queued are still delivered so a
// final error event reaches the client before the close frame.
func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
