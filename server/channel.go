package server

import (
	"sync"
	"time"

	"github.com/ggoodman/bayeux-server-go/bayeux"
	"github.com/ggoodman/bayeux-server-go/sessions"
)

// ChannelListener is any value implementing PublishListener and/or
// SubscriptionListener. Use pointer types so removal can find it.
type ChannelListener any

// PublishListener observes messages published to a channel and may veto
// them. It also receives messages on /service/ channels, which have no
// subscribers.
type PublishListener interface {
	OnPublish(from *sessions.Session, ch *Channel, msg *bayeux.Message) bool
}

// SubscriptionListener observes subscribe and unsubscribe.
type SubscriptionListener interface {
	Subscribed(s *sessions.Session, ch *Channel)
	Unsubscribed(s *sessions.Session, ch *Channel)
}

// ChannelOption configures a channel at creation.
type ChannelOption func(*Channel)

// WithLazy marks messages published on the channel as lazy.
func WithLazy() ChannelOption { return func(c *Channel) { c.lazy = true } }

// WithLazyTimeout marks the channel lazy and overrides the session lazy
// timeout for its messages.
func WithLazyTimeout(d time.Duration) ChannelOption {
	return func(c *Channel) {
		c.lazyTimeout = d
		if d > 0 {
			c.lazy = true
		}
	}
}

// WithPersistent keeps the channel when it has no subscribers.
func WithPersistent() ChannelOption { return func(c *Channel) { c.persistent = true } }

// Channel is a node of the channel tree with its subscribers and listeners.
type Channel struct {
	id  bayeux.ChannelID
	srv *Server

	lazy        bool
	lazyTimeout time.Duration
	persistent  bool

	mu          sync.RWMutex
	subscribers map[*sessions.Session]struct{}
	listeners   []ChannelListener
	// swept is set once the channel has left the registry; it never takes
	// subscribers again.
	swept bool
}

// ID returns the channel name.
func (c *Channel) ID() bayeux.ChannelID { return c.id }

func (c *Channel) Lazy() bool                 { return c.lazy }
func (c *Channel) LazyTimeout() time.Duration { return c.lazyTimeout }
func (c *Channel) Persistent() bool           { return c.persistent }

// Subscribe adds s to the subscribers. It fails for removed sessions and
// for a channel dropped by Sweep.
func (c *Channel) Subscribe(s *sessions.Session) bool {
	ok, _ := c.subscribe(s)
	return ok
}

// subscribe reports swept when the channel was dropped from the registry
// and the caller should look it up again.
func (c *Channel) subscribe(s *sessions.Session) (ok, swept bool) {
	if s.IsTerminated() {
		return false, false
	}
	c.mu.Lock()
	if c.swept {
		c.mu.Unlock()
		return false, true
	}
	_, dup := c.subscribers[s]
	c.subscribers[s] = struct{}{}
	listeners := append([]ChannelListener(nil), c.listeners...)
	c.mu.Unlock()
	s.Subscribed(c)
	if s.IsTerminated() {
		c.Unsubscribe(s)
		return false, false
	}
	if dup {
		return true, false
	}
	for _, l := range listeners {
		if sl, ok := l.(SubscriptionListener); ok {
			c.srv.guard(l, func() { sl.Subscribed(s, c) })
		}
	}
	return true, false
}

// Unsubscribe removes s from the subscribers.
func (c *Channel) Unsubscribe(s *sessions.Session) bool {
	c.mu.Lock()
	_, ok := c.subscribers[s]
	delete(c.subscribers, s)
	listeners := append([]ChannelListener(nil), c.listeners...)
	c.mu.Unlock()
	if !ok {
		return false
	}
	s.Unsubscribed(c)
	for _, l := range listeners {
		if sl, ok := l.(SubscriptionListener); ok {
			c.srv.guard(l, func() { sl.Unsubscribed(s, c) })
		}
	}
	return true
}

// Subscribers returns a snapshot of the subscribed sessions.
func (c *Channel) Subscribers() []*sessions.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*sessions.Session, 0, len(c.subscribers))
	for s := range c.subscribers {
		out = append(out, s)
	}
	return out
}

// AddListener registers l.
func (c *Channel) AddListener(l ChannelListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// RemoveListener unregisters l.
func (c *Channel) RemoveListener(l ChannelListener) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.listeners {
		if cur == l {
			c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Channel) snapshotListeners() []ChannelListener {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ChannelListener(nil), c.listeners...)
}

// sweep marks a non-persistent channel without subscribers or listeners as
// dropped and reports whether it did. The check and the mark happen under
// the channel lock so a concurrent subscribe either lands first or sees the
// mark.
func (c *Channel) sweep() bool {
	if c.persistent {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subscribers) > 0 || len(c.listeners) > 0 {
		return false
	}
	c.swept = true
	return true
}

var _ sessions.Channel = (*Channel)(nil)
