package sessions

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/bayeux-server-go/bayeux"
)

// Channel is the subscription handle a session keeps for each channel it is
// subscribed to. Package server provides the implementation.
type Channel interface {
	ID() bayeux.ChannelID
	// Unsubscribe removes s from the channel's subscribers.
	Unsubscribe(s *Session) bool
}

// Host is the session's view of the server that owns it.
type Host interface {
	// RemoveSession unregisters s and, when it was registered, calls
	// s.Removed. It returns false when s was not registered.
	RemoveSession(s *Session, timedOut bool) bool
	// LazyTimeout returns the lazy timeout configured on a channel, or 0 to
	// use the session default.
	LazyTimeout(channel bayeux.ChannelID) time.Duration
}

// Defaults carries the transport-level tunables a session copies at
// construction and again at handshake.
type Defaults struct {
	Timeout              time.Duration
	Interval             time.Duration
	MaxInterval          time.Duration
	MaxServerInterval    time.Duration
	InactiveInterval     time.Duration
	MaxLazyTimeout       time.Duration
	MaxQueue             int
	BroadcastToPublisher bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger used for lifecycle and listener failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithIDHint prefixes the generated id with hint.
func WithIDHint(hint string) Option {
	return func(s *Session) {
		if hint != "" {
			s.id = hint + "_" + s.id
		}
	}
}

// WithLocalReceiver marks the session as in-process; flushed messages are
// handed to r instead of a remote scheduler.
func WithLocalReceiver(r LocalReceiver) Option {
	return func(s *Session) { s.local = r }
}

// Session is the server-side state of one client.
type Session struct {
	id    string
	host  Host
	log   *slog.Logger
	local LocalReceiver

	state atomic.Value // State

	mu                   sync.Mutex
	queue                *Queue
	batch                int
	nonLazy              bool
	scheduler            Scheduler
	lazy                 lazyTask
	defaults             Defaults
	maxQueue             int
	timeout              time.Duration
	interval             time.Duration
	transientTimeout     time.Duration
	transientInterval    time.Duration
	connectTimestamp     time.Time
	expiry               time.Time // zero while a connect is held
	advisedTransport     string
	metaConnectDelivery  bool
	broadcastToPublisher bool
	userAgent            string

	lmu        sync.RWMutex
	listeners  []Listener
	extensions []Extension

	smu           sync.Mutex
	subscriptions map[bayeux.ChannelID]Channel

	attributes sync.Map
}

type lazyTask struct {
	timer    *time.Timer
	deadline time.Time
	gen      uint64
}

// New creates an uninitialized session owned by host.
func New(host Host, d Defaults, opts ...Option) *Session {
	s := &Session{
		id:                uuid.NewString(),
		host:              host,
		log:               slog.Default(),
		queue:             newQueue(),
		timeout:           -1,
		interval:          -1,
		transientTimeout:  -1,
		transientInterval: -1,
		subscriptions:     make(map[bayeux.ChannelID]Channel),
	}
	s.state.Store(StateUninitialized)
	for _, opt := range opts {
		opt(s)
	}
	s.applyDefaults(d)
	s.expiry = time.Now().Add(d.MaxInterval)
	return s
}

func (s *Session) applyDefaults(d Defaults) {
	s.defaults = d
	s.maxQueue = d.MaxQueue
	s.broadcastToPublisher = d.BroadcastToPublisher
}

// ID returns the server-assigned session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state.Load().(State) }

// IsLocal reports whether the session delivers in-process.
func (s *Session) IsLocal() bool { return s.local != nil }

func (s *Session) IsHandshaken() bool   { return s.State().Handshaken() }
func (s *Session) IsConnected() bool    { return s.State().Connected() }
func (s *Session) IsDisconnected() bool { return s.State() == StateDisconnected }
func (s *Session) IsTerminated() bool   { return s.State().Terminal() }

// transition moves to next unless the session is terminal or allow rejects
// the current state. It returns the previous state and whether it changed.
func (s *Session) transition(next State, allow func(State) bool) (State, bool) {
	for {
		cur := s.State()
		if cur.Terminal() || cur == next || (allow != nil && !allow(cur)) {
			return cur, false
		}
		if s.state.CompareAndSwap(cur, next) {
			s.log.Debug("session.state", slog.String("session_id", s.id), slog.String("from", string(cur)), slog.String("to", string(next)))
			return cur, true
		}
	}
}

// Handshake moves an uninitialized session to initialized and reloads the
// transport defaults.
func (s *Session) Handshake(d Defaults) bool {
	_, ok := s.transition(StateInitialized, func(cur State) bool { return cur == StateUninitialized })
	if ok {
		s.mu.Lock()
		s.applyDefaults(d)
		s.mu.Unlock()
	}
	return ok
}

// Connected records a connect. Interval tracking stays off until
// StartIntervalTimeout.
func (s *Session) Connected() bool {
	if s.IsTerminated() || s.State() == StateUninitialized {
		return false
	}
	s.transition(StateInactive, func(cur State) bool { return cur == StateInitialized })
	s.mu.Lock()
	s.connectTimestamp = time.Now()
	s.expiry = time.Time{}
	s.mu.Unlock()
	return true
}

// Activate marks the session as holding a long poll.
func (s *Session) Activate() {
	s.mu.Lock()
	s.activateLocked()
	s.mu.Unlock()
}

// Deactivate marks the session as not holding a long poll. It is a no-op
// while a scheduler is installed, so a finished poll cannot deactivate the
// poll that replaced it.
func (s *Session) Deactivate() {
	s.mu.Lock()
	if s.scheduler == nil {
		s.deactivateLocked()
	}
	s.mu.Unlock()
}

func (s *Session) activateLocked() {
	if _, ok := s.transition(StateActive, func(cur State) bool { return cur.Connected() }); ok {
		// A held poll is covered for its whole timeout plus the grace.
		s.expiry = time.Now().Add(s.calculateTimeoutLocked(s.defaults.Timeout) + s.defaults.MaxInterval)
	}
}

func (s *Session) deactivateLocked() {
	if _, ok := s.transition(StateInactive, func(cur State) bool { return cur == StateActive }); ok {
		s.expiry = time.Now().Add(s.calculateIntervalLocked(s.defaults.Interval) + s.defaults.InactiveInterval)
	}
}

// StartIntervalTimeout starts the expiry clock after a connect reply has
// been written.
func (s *Session) StartIntervalTimeout(defaultInterval time.Duration) {
	s.mu.Lock()
	s.expiry = time.Now().Add(s.calculateIntervalLocked(defaultInterval) + s.defaults.MaxInterval)
	s.mu.Unlock()
}

// Expiry returns the instant after which Sweep times the session out; zero
// from a connect until its reply or held poll sets a new one.
func (s *Session) Expiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiry
}

// Disconnect cancels any held poll and asks the host to remove the session.
func (s *Session) Disconnect() bool {
	if s.IsConnected() {
		s.CancelSchedule()
	}
	return s.host.RemoveSession(s, false)
}

// Removed performs the terminal transition. Only the first call has any
// effect; it unsubscribes every channel, notifies removal listeners and
// cancels the scheduler. It reports whether the session had been connected.
func (s *Session) Removed(timedOut bool) bool {
	next := StateDisconnected
	if timedOut {
		next = StateTimedOut
	}
	prev, ok := s.transition(next, nil)
	if !ok {
		return false
	}
	if prev != StateUninitialized {
		s.smu.Lock()
		subs := make([]Channel, 0, len(s.subscriptions))
		for _, ch := range s.subscriptions {
			subs = append(subs, ch)
		}
		s.subscriptions = make(map[bayeux.ChannelID]Channel)
		s.smu.Unlock()
		for _, ch := range subs {
			ch.Unsubscribe(s)
		}
		for _, l := range s.snapshotListeners() {
			if rl, ok := l.(RemovalListener); ok {
				s.guard(l, func() { rl.Removed(s, timedOut) })
			}
		}
		s.CancelSchedule()
	}
	s.log.Debug("session.remove", slog.String("session_id", s.id), slog.Bool("timed_out", timedOut))
	return prev.Connected()
}

// Sweep times the session out when its expiry has passed, or when a connect
// has been held longer than the max server interval.
func (s *Session) Sweep(now time.Time) bool {
	if s.local != nil || s.IsTerminated() {
		return false
	}
	s.mu.Lock()
	var expired bool
	if s.expiry.IsZero() {
		msi := s.defaults.MaxServerInterval
		if msi > 0 && now.Sub(s.connectTimestamp) > msi {
			s.log.Info("session.sweep.emergency", slog.String("session_id", s.id), slog.Duration("held", now.Sub(s.connectTimestamp)))
			expired = true
		}
	} else if now.After(s.expiry) {
		expired = true
	}
	s.mu.Unlock()
	if !expired {
		return false
	}
	s.log.Debug("session.sweep.expired", slog.String("session_id", s.id))
	s.CancelSchedule()
	s.host.RemoveSession(s, true)
	return true
}

// StartBatch defers waking the consumer until the matching EndBatch.
func (s *Session) StartBatch() {
	s.mu.Lock()
	s.batch++
	s.mu.Unlock()
}

// EndBatch closes a batch and flushes when the outermost batch ends with
// non-lazy messages pending. Unbalanced calls are ignored.
func (s *Session) EndBatch() bool {
	s.mu.Lock()
	if s.batch == 0 {
		s.mu.Unlock()
		s.log.Warn("session.batch.unbalanced", slog.String("session_id", s.id))
		return false
	}
	s.batch--
	flush := s.batch == 0 && s.nonLazy
	s.mu.Unlock()
	if flush {
		s.Flush()
	}
	return flush
}

// Batch runs fn inside a batch.
func (s *Session) Batch(fn func()) {
	s.StartBatch()
	defer s.EndBatch()
	fn()
}

// BatchDepth returns the current batch nesting.
func (s *Session) BatchDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batch
}

// AddMessage appends msg without notifying listeners or waking anyone.
func (s *Session) AddMessage(msg *bayeux.Message) {
	s.mu.Lock()
	s.addMessageLocked(msg)
	s.mu.Unlock()
}

func (s *Session) addMessageLocked(msg *bayeux.Message) {
	s.queue.Add(msg)
	if !msg.Lazy() {
		s.nonLazy = true
	}
}

// Enqueue appends msg on behalf of sender and reports whether the consumer
// should be woken.
func (s *Session) Enqueue(sender *Session, msg *bayeux.Message) bool {
	listeners := s.snapshotListeners()
	s.mu.Lock()
	defer s.mu.Unlock()
	wake := true
	if s.maxQueue > 0 && s.queue.Len() > s.maxQueue {
		for _, l := range listeners {
			if ml, ok := l.(MaxQueueListener); ok {
				allow := true
				s.guard(l, func() { allow = ml.QueueMaxed(s, s.queue, sender, msg) })
				if !allow {
					wake = false
					break
				}
			}
		}
	}
	s.addMessageLocked(msg)
	for _, l := range listeners {
		if ql, ok := l.(QueueListener); ok {
			s.guard(l, func() { ql.Queued(s, sender, msg) })
		}
	}
	return wake && s.batch == 0
}

// TakeQueue runs dequeue listeners, then drains the queue.
func (s *Session) TakeQueue() []*bayeux.Message {
	listeners := s.snapshotListeners()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range listeners {
		if dl, ok := l.(DequeueListener); ok {
			s.guard(l, func() { dl.Dequeue(s, s.queue) })
		}
	}
	msgs := s.queue.drain()
	s.nonLazy = false
	return msgs
}

// QueueLen returns the number of pending messages.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// HasNonLazyMessages reports whether a non-lazy message is pending.
func (s *Session) HasNonLazyMessages() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonLazy
}

// Flush resumes the installed scheduler, or delivers synchronously to a
// local receiver.
func (s *Session) Flush() {
	s.mu.Lock()
	s.lazy.stop()
	sch := s.scheduler
	if _, ok := sch.(RemoteScheduler); ok {
		s.scheduler = nil
	}
	s.mu.Unlock()

	if sch != nil {
		sch.Schedule()
		return
	}
	if s.local != nil && s.HasNonLazyMessages() {
		for _, m := range s.TakeQueue() {
			s.local.Receive(m.Copy())
		}
	}
}

// flushLazy arms the coalescing timer for a lazy message.
func (s *Session) flushLazy(msg *bayeux.Message) {
	timeout := s.host.LazyTimeout(bayeux.ChannelID(msg.Channel))
	s.mu.Lock()
	if timeout <= 0 {
		timeout = s.defaults.MaxLazyTimeout
	}
	if timeout <= 0 {
		s.mu.Unlock()
		s.Flush()
		return
	}
	s.scheduleLazyLocked(timeout)
	s.mu.Unlock()
}

// scheduleLazyLocked keeps the earliest deadline.
func (s *Session) scheduleLazyLocked(d time.Duration) bool {
	deadline := time.Now().Add(d)
	if s.lazy.timer != nil && !deadline.Before(s.lazy.deadline) {
		return false
	}
	s.lazy.stop()
	gen := s.lazy.gen
	s.lazy.deadline = deadline
	s.lazy.timer = time.AfterFunc(d, func() { s.runLazy(gen) })
	return true
}

func (s *Session) runLazy(gen uint64) {
	s.mu.Lock()
	if s.lazy.gen != gen || s.lazy.timer == nil {
		s.mu.Unlock()
		return
	}
	s.lazy.timer = nil
	s.lazy.deadline = time.Time{}
	s.mu.Unlock()
	s.Flush()
}

func (t *lazyTask) stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.deadline = time.Time{}
	t.gen++
}

// SetScheduler cancels the current scheduler and installs next. A remote
// scheduler installed while non-lazy messages are pending outside a batch
// is resumed immediately instead of being installed.
func (s *Session) SetScheduler(next Scheduler) {
	s.mu.Lock()
	s.deactivateLocked()
	old := s.scheduler
	s.scheduler = next
	immediate := false
	if _, remote := next.(RemoteScheduler); remote && s.nonLazy && s.batch == 0 {
		s.scheduler = nil
		immediate = true
	}
	if next != nil {
		s.activateLocked()
	}
	s.mu.Unlock()

	if old != nil && old != next {
		old.Cancel()
	}
	if immediate {
		next.Schedule()
	}
}

// DetachScheduler removes sch if it is still the installed scheduler.
func (s *Session) DetachScheduler(sch Scheduler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sch == nil || s.scheduler != sch {
		return false
	}
	s.scheduler = nil
	return true
}

// CancelSchedule deactivates the session and cancels its scheduler.
func (s *Session) CancelSchedule() {
	s.mu.Lock()
	s.deactivateLocked()
	sch := s.scheduler
	s.scheduler = nil
	s.mu.Unlock()
	if sch != nil {
		sch.Cancel()
	}
}

// Scheduler returns the installed scheduler, if any.
func (s *Session) Scheduler() Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduler
}

// Deliver runs the send side of the session for a message published by
// sender: extensions, freeze, message listeners, then enqueue and wake.
func (s *Session) Deliver(sender *Session, msg *bayeux.Message) bool {
	if sender == s && !s.BroadcastToPublisher() {
		return false
	}
	msg = s.ExtendSend(msg)
	if msg == nil {
		return false
	}
	msg.Freeze()
	for _, l := range s.snapshotListeners() {
		if ml, ok := l.(MessageListener); ok {
			allow := true
			s.guard(l, func() { allow = ml.OnMessage(s, sender, msg) })
			if !allow {
				return false
			}
		}
	}
	if s.Enqueue(sender, msg) {
		if msg.Lazy() {
			s.flushLazy(msg)
		} else {
			s.Flush()
		}
	}
	return true
}

// ExtendRecv runs the receive extensions; the first veto wins.
func (s *Session) ExtendRecv(msg *bayeux.Message) bool {
	for _, ext := range s.snapshotExtensions() {
		ok := true
		if msg.Meta() {
			s.guard(ext, func() { ok = ext.RcvMeta(s, msg) })
		} else {
			s.guard(ext, func() { ok = ext.Rcv(s, msg) })
		}
		if !ok {
			return false
		}
	}
	return true
}

// ExtendSend runs the send extensions. Broadcast messages may be replaced
// or dropped (nil); meta messages may only be vetoed.
func (s *Session) ExtendSend(msg *bayeux.Message) *bayeux.Message {
	for _, ext := range s.snapshotExtensions() {
		if msg.Meta() {
			ok := true
			s.guard(ext, func() { ok = ext.SendMeta(s, msg) })
			if !ok {
				return nil
			}
			continue
		}
		out := msg
		s.guard(ext, func() { out = ext.Send(s, msg) })
		if out == nil {
			return nil
		}
		msg = out
	}
	return msg
}

// AddListener registers l; it may implement any of the listener interfaces.
func (s *Session) AddListener(l Listener) {
	s.lmu.Lock()
	s.listeners = append(s.listeners, l)
	s.lmu.Unlock()
}

// RemoveListener unregisters the first listener equal to l.
func (s *Session) RemoveListener(l Listener) bool {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	for i, cur := range s.listeners {
		if cur == l {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Listeners returns a snapshot of the registered listeners.
func (s *Session) Listeners() []Listener { return s.snapshotListeners() }

// AddExtension appends ext.
func (s *Session) AddExtension(ext Extension) {
	s.lmu.Lock()
	s.extensions = append(s.extensions, ext)
	s.lmu.Unlock()
}

// RemoveExtension unregisters ext.
func (s *Session) RemoveExtension(ext Extension) bool {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	for i, cur := range s.extensions {
		if cur == ext {
			s.extensions = append(s.extensions[:i:i], s.extensions[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Session) snapshotListeners() []Listener {
	s.lmu.RLock()
	defer s.lmu.RUnlock()
	return append([]Listener(nil), s.listeners...)
}

func (s *Session) snapshotExtensions() []Extension {
	s.lmu.RLock()
	defer s.lmu.RUnlock()
	return append([]Extension(nil), s.extensions...)
}

// guard runs fn, recovering and logging a panic raised by l.
func (s *Session) guard(l any, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Info("session.listener.panic",
				slog.String("session_id", s.id),
				slog.String("listener", fmt.Sprintf("%T", l)),
				slog.String("err", fmt.Sprint(r)),
			)
		}
	}()
	fn()
}

// Subscribed records a channel subscription.
func (s *Session) Subscribed(ch Channel) {
	s.smu.Lock()
	s.subscriptions[ch.ID()] = ch
	s.smu.Unlock()
}

// Unsubscribed forgets a channel subscription.
func (s *Session) Unsubscribed(ch Channel) {
	s.smu.Lock()
	delete(s.subscriptions, ch.ID())
	s.smu.Unlock()
}

// Subscriptions lists the channels the session is subscribed to.
func (s *Session) Subscriptions() []bayeux.ChannelID {
	s.smu.Lock()
	defer s.smu.Unlock()
	out := make([]bayeux.ChannelID, 0, len(s.subscriptions))
	for id := range s.subscriptions {
		out = append(out, id)
	}
	return out
}

// TakeAdvice returns connect advice for transport when it differs from what
// was last advised to that transport, else nil.
func (s *Session) TakeAdvice(transport string) *bayeux.Advice {
	s.mu.Lock()
	defer s.mu.Unlock()
	if transport == "" || transport == s.advisedTransport {
		return nil
	}
	s.advisedTransport = transport
	timeout := s.timeout
	if timeout < 0 {
		timeout = s.defaults.Timeout
	}
	// The interval includes the transient value: it is the current one.
	interval := s.calculateIntervalLocked(s.defaults.Interval)
	return bayeux.NewAdvice(bayeux.ReconnectRetry, interval, timeout)
}

// ReAdvise forces fresh advice on the next TakeAdvice.
func (s *Session) ReAdvise() {
	s.mu.Lock()
	s.advisedTransport = ""
	s.mu.Unlock()
}

// SetTimeout overrides the long-poll timeout for this session; negative
// clears the override.
func (s *Session) SetTimeout(d time.Duration) {
	s.mu.Lock()
	s.timeout = d
	s.advisedTransport = ""
	s.mu.Unlock()
}

// SetInterval overrides the reconnect interval for this session; negative
// clears the override.
func (s *Session) SetInterval(d time.Duration) {
	s.mu.Lock()
	s.interval = d
	s.advisedTransport = ""
	s.mu.Unlock()
}

// UpdateTransientTimeout records a timeout requested by the client on the
// current connect; negative clears it.
func (s *Session) UpdateTransientTimeout(d time.Duration) {
	s.mu.Lock()
	s.transientTimeout = d
	s.mu.Unlock()
}

// UpdateTransientInterval records an interval requested by the client on
// the current connect; negative clears it.
func (s *Session) UpdateTransientInterval(d time.Duration) {
	s.mu.Lock()
	s.transientInterval = d
	s.mu.Unlock()
}

// CalculateTimeout resolves transient, then session, then def.
func (s *Session) CalculateTimeout(def time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calculateTimeoutLocked(def)
}

func (s *Session) calculateTimeoutLocked(def time.Duration) time.Duration {
	if s.transientTimeout >= 0 {
		return s.transientTimeout
	}
	if s.timeout >= 0 {
		return s.timeout
	}
	return def
}

// CalculateInterval resolves transient, then session, then def.
func (s *Session) CalculateInterval(def time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calculateIntervalLocked(def)
}

func (s *Session) calculateIntervalLocked(def time.Duration) time.Duration {
	if s.transientInterval >= 0 {
		return s.transientInterval
	}
	if s.interval >= 0 {
		return s.interval
	}
	return def
}

// MaxQueue returns the queue limit; values <= 0 mean unbounded.
func (s *Session) MaxQueue() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxQueue
}

func (s *Session) SetMaxQueue(n int) {
	s.mu.Lock()
	s.maxQueue = n
	s.mu.Unlock()
}

// MetaConnectDeliveryOnly reports whether queued messages are only sent on
// connect replies.
func (s *Session) MetaConnectDeliveryOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metaConnectDelivery
}

func (s *Session) SetMetaConnectDeliveryOnly(v bool) {
	s.mu.Lock()
	s.metaConnectDelivery = v
	s.mu.Unlock()
}

func (s *Session) BroadcastToPublisher() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcastToPublisher
}

func (s *Session) SetBroadcastToPublisher(v bool) {
	s.mu.Lock()
	s.broadcastToPublisher = v
	s.mu.Unlock()
}

func (s *Session) UserAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userAgent
}

func (s *Session) SetUserAgent(ua string) {
	s.mu.Lock()
	s.userAgent = ua
	s.mu.Unlock()
}

// SetAttribute stores an arbitrary value on the session.
func (s *Session) SetAttribute(name string, v any) { s.attributes.Store(name, v) }

// Attribute returns a stored value.
func (s *Session) Attribute(name string) (any, bool) { return s.attributes.Load(name) }

// RemoveAttribute deletes a stored value and returns it.
func (s *Session) RemoveAttribute(name string) (any, bool) { return s.attributes.LoadAndDelete(name) }

func (s *Session) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("%s,%s,connect=%d,expire=%d", s.id, s.State(), s.connectTimestamp.UnixMilli(), s.expiry.UnixMilli())
}
