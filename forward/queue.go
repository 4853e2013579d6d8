package forward

import "sync"

// PendingQueue is an unbounded FIFO of messages waiting for another delivery
// attempt. Messages leave it only through Drain.
type PendingQueue struct {
	mu   sync.Mutex
	msgs []Message
}

func NewPendingQueue() *PendingQueue {
	return &PendingQueue{}
}

// Push appends msgs in order.
func (q *PendingQueue) Push(msgs ...Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, msgs...)
}

// Drain removes and returns every queued message in arrival order.
func (q *PendingQueue) Drain() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.msgs
	q.msgs = nil
	return out
}

func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}
