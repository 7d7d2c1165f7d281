package sessions_test

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ggoodman/bayeux-server-go/bayeux"
	"github.com/ggoodman/bayeux-server-go/sessions"
)

type fakeHost struct {
	mu      sync.Mutex
	removed []bool
	lazy    map[bayeux.ChannelID]time.Duration
}

func (h *fakeHost) RemoveSession(s *sessions.Session, timedOut bool) bool {
	h.mu.Lock()
	h.removed = append(h.removed, timedOut)
	h.mu.Unlock()
	s.Removed(timedOut)
	return true
}

func (h *fakeHost) LazyTimeout(ch bayeux.ChannelID) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lazy[ch]
}

func (h *fakeHost) removals() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.removed...)
}

type remoteScheduler struct {
	scheduled atomic.Int32
	cancelled atomic.Int32
	fired     chan struct{}
}

func newRemoteScheduler() *remoteScheduler {
	return &remoteScheduler{fired: make(chan struct{}, 16)}
}

func (r *remoteScheduler) Schedule() {
	r.scheduled.Add(1)
	r.fired <- struct{}{}
}
func (r *remoteScheduler) Cancel()                { r.cancelled.Add(1) }
func (r *remoteScheduler) Request() *http.Request { return nil }

var testDefaults = sessions.Defaults{
	Timeout:              30 * time.Second,
	MaxInterval:          10 * time.Second,
	InactiveInterval:     time.Minute,
	MaxQueue:             -1,
	BroadcastToPublisher: true,
}

func mustConnected(t *testing.T, h sessions.Host, opts ...sessions.Option) *sessions.Session {
	t.Helper()
	s := sessions.New(h, testDefaults, opts...)
	if !s.Handshake(testDefaults) {
		t.Fatalf("handshake failed")
	}
	if !s.Connected() {
		t.Fatalf("connect failed")
	}
	return s
}

func msg(ch string) *bayeux.Message { return &bayeux.Message{Channel: ch} }

func channels(msgs []*bayeux.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Channel)
	}
	return out
}

func TestQueueIsFIFO(t *testing.T) {
	s := mustConnected(t, &fakeHost{})
	for _, ch := range []string{"/a", "/b", "/c"} {
		s.Enqueue(nil, msg(ch))
	}
	got := channels(s.TakeQueue())
	if diff := cmp.Diff([]string{"/a", "/b", "/c"}, got); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if s.HasNonLazyMessages() {
		t.Fatalf("non-lazy flag should clear on take")
	}
	if n := len(s.TakeQueue()); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
}

func TestBatchDefersWake(t *testing.T) {
	s := mustConnected(t, &fakeHost{})
	rs := newRemoteScheduler()
	s.SetScheduler(rs)
	if s.State() != sessions.StateActive {
		t.Fatalf("state = %s, want active", s.State())
	}

	s.StartBatch()
	s.StartBatch()
	s.Deliver(nil, msg("/x"))
	s.Deliver(nil, msg("/y"))
	if rs.scheduled.Load() != 0 {
		t.Fatalf("scheduled inside batch")
	}
	if s.EndBatch() {
		t.Fatalf("inner EndBatch should not flush")
	}
	if !s.EndBatch() {
		t.Fatalf("outer EndBatch should flush")
	}
	if got := rs.scheduled.Load(); got != 1 {
		t.Fatalf("scheduled %d times, want 1", got)
	}
	if s.Scheduler() != nil {
		t.Fatalf("remote scheduler should be detached before resume")
	}
	if s.EndBatch() {
		t.Fatalf("unbalanced EndBatch must be ignored")
	}
	if s.BatchDepth() != 0 {
		t.Fatalf("batch depth went negative: %d", s.BatchDepth())
	}
}

func TestSetSchedulerResumesPending(t *testing.T) {
	t.Run("remote with non-lazy pending", func(t *testing.T) {
		s := mustConnected(t, &fakeHost{})
		s.AddMessage(msg("/x"))
		rs := newRemoteScheduler()
		s.SetScheduler(rs)
		if rs.scheduled.Load() != 1 {
			t.Fatalf("expected immediate schedule")
		}
		if s.Scheduler() != nil {
			t.Fatalf("scheduled handle must not stay installed")
		}
	})
	t.Run("remote inside batch", func(t *testing.T) {
		s := mustConnected(t, &fakeHost{})
		s.StartBatch()
		s.AddMessage(msg("/x"))
		rs := newRemoteScheduler()
		s.SetScheduler(rs)
		if rs.scheduled.Load() != 0 {
			t.Fatalf("must wait for batch end")
		}
		s.EndBatch()
		if rs.scheduled.Load() != 1 {
			t.Fatalf("expected schedule at batch end")
		}
	})
	t.Run("lazy only", func(t *testing.T) {
		s := mustConnected(t, &fakeHost{})
		m := msg("/x")
		m.SetLazy(true)
		s.AddMessage(m)
		rs := newRemoteScheduler()
		s.SetScheduler(rs)
		if rs.scheduled.Load() != 0 {
			t.Fatalf("lazy messages must not resume")
		}
	})
	t.Run("local scheduler", func(t *testing.T) {
		s := mustConnected(t, &fakeHost{})
		s.AddMessage(msg("/x"))
		s.SetScheduler(sessions.LocalScheduler{})
		if s.Scheduler() == nil {
			t.Fatalf("local scheduler should be installed")
		}
	})
}

func TestSetSchedulerCancelsPrevious(t *testing.T) {
	s := mustConnected(t, &fakeHost{})
	a, b := newRemoteScheduler(), newRemoteScheduler()
	s.SetScheduler(a)
	s.SetScheduler(b)
	if a.cancelled.Load() != 1 {
		t.Fatalf("previous scheduler not cancelled")
	}
	if s.DetachScheduler(a) {
		t.Fatalf("detaching a stale scheduler must fail")
	}
	if !s.DetachScheduler(b) {
		t.Fatalf("detach current scheduler failed")
	}
	s.SetScheduler(nil)
	if s.State() != sessions.StateInactive {
		t.Fatalf("state = %s, want inactive", s.State())
	}
}

func TestLifecycle(t *testing.T) {
	h := &fakeHost{}
	s := sessions.New(h, testDefaults)
	if s.State() != sessions.StateUninitialized {
		t.Fatalf("state = %s", s.State())
	}
	if s.Connected() {
		t.Fatalf("connect before handshake must fail")
	}
	s.Handshake(testDefaults)
	if s.Handshake(testDefaults) {
		t.Fatalf("second handshake must be rejected")
	}
	s.Connected()
	s.Activate()
	if s.State() != sessions.StateActive {
		t.Fatalf("state = %s, want active", s.State())
	}
	s.Deactivate()
	if s.State() != sessions.StateInactive {
		t.Fatalf("state = %s, want inactive", s.State())
	}
	if !s.Disconnect() {
		t.Fatalf("disconnect failed")
	}
	if s.State() != sessions.StateDisconnected {
		t.Fatalf("state = %s, want disconnected", s.State())
	}
	s.Activate()
	s.Connected()
	if s.State() != sessions.StateDisconnected {
		t.Fatalf("terminal state left: %s", s.State())
	}
}

type fakeChannel struct {
	id    bayeux.ChannelID
	calls atomic.Int32
}

func (c *fakeChannel) ID() bayeux.ChannelID { return c.id }
func (c *fakeChannel) Unsubscribe(*sessions.Session) bool {
	c.calls.Add(1)
	return true
}

type removalCounter struct{ n atomic.Int32 }

func (r *removalCounter) Removed(*sessions.Session, bool) { r.n.Add(1) }

func TestRemovedIsIdempotent(t *testing.T) {
	s := mustConnected(t, &fakeHost{})
	ch := &fakeChannel{id: "/foo"}
	s.Subscribed(ch)
	rc := &removalCounter{}
	s.AddListener(rc)
	rs := newRemoteScheduler()
	s.SetScheduler(rs)

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Removed(i%2 == 0) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("removal won %d times", wins.Load())
	}
	if rc.n.Load() != 1 {
		t.Fatalf("removal listener called %d times", rc.n.Load())
	}
	if ch.calls.Load() != 1 {
		t.Fatalf("unsubscribe called %d times", ch.calls.Load())
	}
	if rs.cancelled.Load() != 1 {
		t.Fatalf("scheduler cancelled %d times", rs.cancelled.Load())
	}
	if len(s.Subscriptions()) != 0 {
		t.Fatalf("subscriptions not cleared")
	}
}

type vetoQueue struct{}

func (vetoQueue) QueueMaxed(*sessions.Session, *sessions.Queue, *sessions.Session, *bayeux.Message) bool {
	return false
}

func TestMaxQueueVetoStillQueues(t *testing.T) {
	s := mustConnected(t, &fakeHost{})
	s.SetMaxQueue(1)
	s.AddListener(&vetoQueue{})
	if !s.Enqueue(nil, msg("/1")) {
		t.Fatalf("first message should wake")
	}
	if !s.Enqueue(nil, msg("/2")) {
		t.Fatalf("second message should wake")
	}
	if s.Enqueue(nil, msg("/3")) {
		t.Fatalf("guard veto should suppress wake")
	}
	if n := s.QueueLen(); n != 3 {
		t.Fatalf("queue len = %d, want 3", n)
	}
}

type injector struct{ calls atomic.Int32 }

func (i *injector) Dequeue(_ *sessions.Session, q *sessions.Queue) {
	i.calls.Add(1)
	q.Add(msg("/injected"))
}

func TestDequeueListenerRunsOnEmptyQueue(t *testing.T) {
	s := mustConnected(t, &fakeHost{})
	inj := &injector{}
	s.AddListener(inj)
	got := channels(s.TakeQueue())
	if diff := cmp.Diff([]string{"/injected"}, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	if !s.RemoveListener(inj) {
		t.Fatalf("remove listener failed")
	}
	if n := len(s.TakeQueue()); n != 0 {
		t.Fatalf("removed listener still ran")
	}
}

type panicky struct{}

func (panicky) OnMessage(*sessions.Session, *sessions.Session, *bayeux.Message) bool {
	panic("boom")
}

type dropAll struct{ sessions.BaseExtension }

func (dropAll) Send(*sessions.Session, *bayeux.Message) *bayeux.Message { return nil }

func TestDeliver(t *testing.T) {
	t.Run("listener panic is permissive", func(t *testing.T) {
		s := mustConnected(t, &fakeHost{})
		s.AddListener(&panicky{})
		if !s.Deliver(nil, msg("/x")) {
			t.Fatalf("delivery vetoed by panicking listener")
		}
		if s.QueueLen() != 1 {
			t.Fatalf("message not queued")
		}
	})
	t.Run("extension drop", func(t *testing.T) {
		s := mustConnected(t, &fakeHost{})
		s.AddExtension(dropAll{})
		if s.Deliver(nil, msg("/x")) {
			t.Fatalf("expected drop")
		}
	})
	t.Run("publisher excluded", func(t *testing.T) {
		s := mustConnected(t, &fakeHost{})
		s.SetBroadcastToPublisher(false)
		if s.Deliver(s, msg("/x")) {
			t.Fatalf("own message delivered")
		}
	})
	t.Run("frozen on delivery", func(t *testing.T) {
		s := mustConnected(t, &fakeHost{})
		m := msg("/x")
		s.Deliver(nil, m)
		if !m.Frozen() {
			t.Fatalf("delivered message not frozen")
		}
	})
}

type collector struct {
	mu   sync.Mutex
	msgs []*bayeux.Message
}

func (c *collector) Receive(m *bayeux.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

func TestLocalDeliveryCopies(t *testing.T) {
	c := &collector{}
	s := mustConnected(t, &fakeHost{}, sessions.WithLocalReceiver(c), sessions.WithIDHint("local"))
	m := &bayeux.Message{Channel: "/x", Data: json.RawMessage(`{"n":1}`)}
	s.Deliver(nil, m)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) != 1 {
		t.Fatalf("received %d messages", len(c.msgs))
	}
	if c.msgs[0] == m || c.msgs[0].Frozen() {
		t.Fatalf("local receiver must get a mutable copy")
	}
	if s.Sweep(time.Now().Add(24 * time.Hour)) {
		t.Fatalf("local sessions are never swept")
	}
}

func TestLazyCoalescing(t *testing.T) {
	h := &fakeHost{lazy: map[bayeux.ChannelID]time.Duration{"/fast": 20 * time.Millisecond}}
	d := testDefaults
	d.MaxLazyTimeout = time.Hour
	s := sessions.New(h, d)
	s.Handshake(d)
	s.Connected()
	rs := newRemoteScheduler()
	s.SetScheduler(rs)

	slow := msg("/slow")
	slow.SetLazy(true)
	s.Deliver(nil, slow)
	fast := msg("/fast")
	fast.SetLazy(true)
	s.Deliver(nil, fast)

	select {
	case <-rs.fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("earliest lazy deadline did not fire")
	}
	if got := channels(s.TakeQueue()); len(got) != 2 {
		t.Fatalf("expected both lazy messages, got %v", got)
	}
}

func TestLazyZeroTimeoutFlushesImmediately(t *testing.T) {
	d := testDefaults
	d.MaxLazyTimeout = 0
	s := sessions.New(&fakeHost{}, d)
	s.Handshake(d)
	s.Connected()
	rs := newRemoteScheduler()
	s.SetScheduler(rs)
	m := msg("/x")
	m.SetLazy(true)
	s.Deliver(nil, m)
	if rs.scheduled.Load() != 1 {
		t.Fatalf("expected immediate flush")
	}
}

func TestSweep(t *testing.T) {
	t.Run("interval expiry", func(t *testing.T) {
		h := &fakeHost{}
		s := mustConnected(t, h)
		s.StartIntervalTimeout(0)
		if s.Sweep(time.Now()) {
			t.Fatalf("swept too early")
		}
		if !s.Sweep(time.Now().Add(time.Minute)) {
			t.Fatalf("expected expiry")
		}
		if s.State() != sessions.StateTimedOut {
			t.Fatalf("state = %s", s.State())
		}
		if diff := cmp.Diff([]bool{true}, h.removals()); diff != "" {
			t.Fatalf("removals (-want +got):\n%s", diff)
		}
	})
	t.Run("held connect", func(t *testing.T) {
		s := mustConnected(t, &fakeHost{})
		if !s.Expiry().IsZero() {
			t.Fatalf("expiry should be off while connect is held")
		}
		if s.Sweep(time.Now().Add(time.Hour)) {
			t.Fatalf("no max server interval configured")
		}
	})
	t.Run("emergency", func(t *testing.T) {
		d := testDefaults
		d.MaxServerInterval = time.Second
		s := sessions.New(&fakeHost{}, d)
		s.Handshake(d)
		s.Connected()
		if !s.Sweep(time.Now().Add(time.Minute)) {
			t.Fatalf("expected emergency expiry")
		}
	})
}

func TestActiveExpiryCoversTimeoutPlusGrace(t *testing.T) {
	s := mustConnected(t, &fakeHost{})
	s.UpdateTransientTimeout(5 * time.Second)
	hold := 5*time.Second + testDefaults.MaxInterval

	before := time.Now()
	s.Activate()
	after := time.Now()
	if s.State() != sessions.StateActive {
		t.Fatalf("state = %s, want active", s.State())
	}
	exp := s.Expiry()
	if exp.Before(before.Add(hold)) || exp.After(after.Add(hold)) {
		t.Fatalf("expiry %v outside [%v, %v]", exp, before.Add(hold), after.Add(hold))
	}
	if s.Sweep(after.Add(hold - time.Second)) {
		t.Fatalf("swept inside the timeout plus grace window")
	}
	if s.Sweep(before.Add(11 * time.Second)) {
		t.Fatalf("swept while the held poll is still within its timeout")
	}

	s.Deactivate()
	if s.State() != sessions.StateInactive {
		t.Fatalf("state = %s, want inactive", s.State())
	}
	if got := s.Expiry().Sub(after); got < testDefaults.InactiveInterval {
		t.Fatalf("inactive expiry only %v ahead", got)
	}
	if !s.Sweep(after.Add(hold + testDefaults.InactiveInterval + time.Minute)) {
		t.Fatalf("expected expiry once inactive long enough")
	}
}

func TestAdvice(t *testing.T) {
	s := mustConnected(t, &fakeHost{})
	a := s.TakeAdvice("long-polling")
	if a == nil || a.Reconnect != bayeux.ReconnectRetry {
		t.Fatalf("unexpected advice %+v", a)
	}
	if d, ok := a.TimeoutDuration(); !ok || d != 30*time.Second {
		t.Fatalf("timeout = %v", d)
	}
	if s.TakeAdvice("long-polling") != nil {
		t.Fatalf("advice repeated for same transport")
	}
	s.SetTimeout(5 * time.Second)
	a = s.TakeAdvice("long-polling")
	if d, _ := a.TimeoutDuration(); d != 5*time.Second {
		t.Fatalf("override not advised: %+v", a)
	}
}

func TestCalculateTimeoutPrecedence(t *testing.T) {
	s := mustConnected(t, &fakeHost{})
	if got := s.CalculateTimeout(time.Second); got != time.Second {
		t.Fatalf("default: got %v", got)
	}
	s.SetTimeout(2 * time.Second)
	if got := s.CalculateTimeout(time.Second); got != 2*time.Second {
		t.Fatalf("session: got %v", got)
	}
	s.UpdateTransientTimeout(0)
	if got := s.CalculateTimeout(time.Second); got != 0 {
		t.Fatalf("transient: got %v", got)
	}
	s.UpdateTransientInterval(3 * time.Second)
	if got := s.CalculateInterval(0); got != 3*time.Second {
		t.Fatalf("interval: got %v", got)
	}
}

func TestAttributes(t *testing.T) {
	s := sessions.New(&fakeHost{}, testDefaults)
	s.SetAttribute("k", 1)
	if v, ok := s.Attribute("k"); !ok || v.(int) != 1 {
		t.Fatalf("attribute lookup failed")
	}
	if _, ok := s.RemoveAttribute("k"); !ok {
		t.Fatalf("remove failed")
	}
	if _, ok := s.Attribute("k"); ok {
		t.Fatalf("attribute still present")
	}
}
