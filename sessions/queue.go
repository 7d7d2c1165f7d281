package sessions

import (
	"github.com/eapache/queue"

	"github.com/ggoodman/bayeux-server-go/bayeux"
)

// Queue is the FIFO of messages pending delivery to a session. It is only
// ever handed to listeners while the owning session's lock is held.
type Queue struct {
	q *queue.Queue
}

func newQueue() *Queue { return &Queue{q: queue.New()} }

// Len returns the number of queued messages.
func (q *Queue) Len() int { return q.q.Length() }

// Add appends m.
func (q *Queue) Add(m *bayeux.Message) { q.q.Add(m) }

// Get returns the i-th message; negative indexes count from the tail.
func (q *Queue) Get(i int) *bayeux.Message { return q.q.Get(i).(*bayeux.Message) }

// Peek returns the head without removing it, or nil.
func (q *Queue) Peek() *bayeux.Message {
	if q.q.Length() == 0 {
		return nil
	}
	return q.q.Peek().(*bayeux.Message)
}

// Remove pops the head, or returns nil when empty.
func (q *Queue) Remove() *bayeux.Message {
	if q.q.Length() == 0 {
		return nil
	}
	return q.q.Remove().(*bayeux.Message)
}

// drain removes and returns every message in order.
func (q *Queue) drain() []*bayeux.Message {
	n := q.q.Length()
	if n == 0 {
		return nil
	}
	out := make([]*bayeux.Message, 0, n)
	for q.q.Length() > 0 {
		out = append(out, q.q.Remove().(*bayeux.Message))
	}
	return out
}
