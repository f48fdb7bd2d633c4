package memory

import (
	"sync"
	"sync/atomic"
)

// vectorWrite is one fire-and-forget indexing task for the response path.
type vectorWrite struct {
	ownerID        string
	conversationID string
	chatID         string
	messages       []Message
}

// writeQueue is the bounded queue behind fire-and-forget vector writes.
// The response path never blocks on it: when the queue is full the oldest
// pending write is dropped and counted. Dropped writes only delay L2/L3
// visibility of a message; the synchronous history write has already made
// it durable.
type writeQueue struct {
	ch      chan vectorWrite
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
}

func newWriteQueue(size int) *writeQueue {
	if size <= 0 {
		size = 256
	}
	return &writeQueue{ch: make(chan vectorWrite, size)}
}

// push enqueues without blocking, evicting the oldest pending write when
// full.
func (q *writeQueue) push(w vectorWrite) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.dropped.Add(1)
		return
	}
	for {
		select {
		case q.ch <- w:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

func (q *writeQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

func (q *writeQueue) droppedCount() uint64 {
	return q.dropped.Load()
}
