package sessions

import "github.com/ggoodman/bayeux-server-go/bayeux"

// Listener is any value implementing one or more of the listener
// interfaces below. Listeners are compared with == on removal, so use
// pointer types.
type Listener any

// MessageListener may veto delivery of a message to the session.
type MessageListener interface {
	OnMessage(s *Session, sender *Session, msg *bayeux.Message) bool
}

// QueueListener observes every message appended by Enqueue.
type QueueListener interface {
	Queued(s *Session, sender *Session, msg *bayeux.Message)
}

// MaxQueueListener is consulted when the queue already exceeds the
// configured limit. Returning false skips waking the consumer; the message
// is queued regardless.
type MaxQueueListener interface {
	QueueMaxed(s *Session, q *Queue, sender *Session, msg *bayeux.Message) bool
}

// DequeueListener is invoked before every TakeQueue, even on an empty queue,
// and may add messages to q.
type DequeueListener interface {
	Dequeue(s *Session, q *Queue)
}

// RemovalListener is notified once when the session is removed.
type RemovalListener interface {
	Removed(s *Session, timedOut bool)
}

// Extension transforms messages entering and leaving a session. Rcv and
// RcvMeta may veto by returning false. Send may replace or drop (nil) a
// broadcast message; it must not mutate a frozen message in place.
type Extension interface {
	Rcv(s *Session, msg *bayeux.Message) bool
	RcvMeta(s *Session, msg *bayeux.Message) bool
	Send(s *Session, msg *bayeux.Message) *bayeux.Message
	SendMeta(s *Session, msg *bayeux.Message) bool
}

// BaseExtension passes everything through. Embed it to implement only the
// hooks you need.
type BaseExtension struct{}

func (BaseExtension) Rcv(*Session, *bayeux.Message) bool                 { return true }
func (BaseExtension) RcvMeta(*Session, *bayeux.Message) bool             { return true }
func (BaseExtension) Send(_ *Session, m *bayeux.Message) *bayeux.Message { return m }
func (BaseExtension) SendMeta(*Session, *bayeux.Message) bool            { return true }

// LocalReceiver receives messages delivered to an in-process session.
type LocalReceiver interface {
	Receive(msg *bayeux.Message)
}
