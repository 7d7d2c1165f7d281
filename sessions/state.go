package sessions

// State is the lifecycle state of a Session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitialized   State = "initialized"
	StateInactive      State = "inactive"
	StateActive        State = "active"
	StateDisconnected  State = "disconnected"
	StateTimedOut      State = "timed_out"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateDisconnected || s == StateTimedOut }

// Connected reports whether the client has completed at least one connect
// and has not been removed.
func (s State) Connected() bool { return s == StateInactive || s == StateActive }

// Handshaken reports whether the session accepted a handshake and is still
// live.
func (s State) Handshaken() bool { return s == StateInitialized || s.Connected() }
