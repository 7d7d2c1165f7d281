package sessions

import "net/http"

// Scheduler resumes or abandons a pending delivery for a session.
type Scheduler interface {
	// Schedule delivers now.
	Schedule()
	// Cancel abandons the pending delivery without sending queued messages.
	Cancel()
}

// RemoteScheduler is implemented by schedulers bound to a held HTTP
// exchange. A session hands such a scheduler off (detaches it) before
// resuming it, and resumes it immediately on installation when non-lazy
// messages are already pending.
type RemoteScheduler interface {
	Scheduler
	// Request returns the suspended request.
	Request() *http.Request
}

// LocalScheduler is the no-op scheduler used for in-process delivery.
type LocalScheduler struct{}

func (LocalScheduler) Schedule() {}
func (LocalScheduler) Cancel()   {}

var _ Scheduler = LocalScheduler{}
