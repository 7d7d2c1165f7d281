package longpoll

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/bayeux-server-go/bayeux"
	"github.com/ggoodman/bayeux-server-go/internal/metrics"
	"github.com/ggoodman/bayeux-server-go/server"
	"github.com/ggoodman/bayeux-server-go/sessions"
)

// recordingWriter counts writes and can fail writes or flushes.
type recordingWriter struct {
	mu       sync.Mutex
	header   http.Header
	writes   int
	statuses int
	flushErr error
	writeErr error
}

func (w *recordingWriter) Header() http.Header {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.header == nil {
		w.header = http.Header{}
	}
	return w.header
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	if w.writeErr != nil {
		return 0, w.writeErr
	}
	return len(p), nil
}

func (w *recordingWriter) WriteHeader(int) {
	w.mu.Lock()
	w.statuses++
	w.mu.Unlock()
}

func (w *recordingWriter) FlushError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushErr
}

type countingSink struct {
	metrics.Nop
	mu      sync.Mutex
	resumes map[string]int
}

func (c *countingSink) IncCounter(name string, tags map[string]string) {
	if name != metrics.PollsResumed {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resumes == nil {
		c.resumes = map[string]int{}
	}
	c.resumes[tags["cause"]]++
}

func (c *countingSink) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.resumes {
		n += v
	}
	return n
}

// mustConnected handshakes and connects a session, returning the connect
// reply a held poll would carry.
func mustConnected(t *testing.T, tr *Transport) (*sessions.Session, *bayeux.Message) {
	t.Helper()
	ctx := server.WithTransport(context.Background(), Name)
	reply := tr.srv.Handle(ctx, nil, &bayeux.Message{Channel: bayeux.MetaHandshake})
	sess, ok := tr.srv.Session(reply.ClientID)
	if !ok {
		t.Fatalf("handshake failed: %s", reply.Error)
	}
	connect := &bayeux.Message{Channel: bayeux.MetaConnect, ClientID: sess.ID()}
	reply = tr.srv.Handle(ctx, sess, connect)
	if !reply.IsSuccessful() {
		t.Fatalf("connect failed: %s", reply.Error)
	}
	return sess, reply
}

// hold suspends reply for sess on w.
func hold(tr *Transport, sess *sessions.Session, reply *bayeux.Message, w http.ResponseWriter, timeout time.Duration) *scheduler {
	ctx := server.WithTransport(context.Background(), Name)
	sess.UpdateTransientTimeout(timeout)
	req := httptest.NewRequest(http.MethodPost, "/cometd", nil)
	return tr.suspend(ctx, w, req, sess, []*bayeux.Message{reply}, 0)
}

// mustSuspend builds a connected session and holds a connect for it on w.
func mustSuspend(t *testing.T, tr *Transport, w http.ResponseWriter, timeout time.Duration) (*sessions.Session, *scheduler) {
	t.Helper()
	sess, reply := mustConnected(t, tr)
	return sess, hold(tr, sess, reply, w, timeout)
}

func waitDone(t *testing.T, sch *scheduler) {
	t.Helper()
	select {
	case <-sch.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduler never completed")
	}
}

func TestSchedulerCompletesOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		sink := &countingSink{}
		tr := New(server.New(), WithMetrics(sink))
		w := &recordingWriter{}
		sess, sch := mustSuspend(t, tr, w, 5*time.Millisecond)

		var wg sync.WaitGroup
		for j := 0; j < 8; j++ {
			wg.Add(4)
			go func() { defer wg.Done(); sch.Schedule() }()
			go func() { defer wg.Done(); sch.Cancel() }()
			go func() { defer wg.Done(); sch.expire() }()
			go func() { defer wg.Done(); sess.Disconnect() }()
		}
		wg.Wait()
		waitDone(t, sch)

		if n := sink.total(); n != 1 {
			t.Fatalf("completed %d times, want 1", n)
		}
		w.mu.Lock()
		if w.writes > 1 || w.statuses > 1 {
			t.Fatalf("writes=%d statuses=%d", w.writes, w.statuses)
		}
		w.mu.Unlock()
		if tr.Suspended() != 0 {
			t.Fatalf("scheduler still registered")
		}
	}
}

func TestSchedulerTimeoutWritesConnectReply(t *testing.T) {
	sink := &countingSink{}
	tr := New(server.New(), WithMetrics(sink))
	w := &recordingWriter{}
	sess, sch := mustSuspend(t, tr, w, 20*time.Millisecond)
	if sess.State() != sessions.StateActive {
		t.Fatalf("state = %s, want active", sess.State())
	}

	waitDone(t, sch)
	if sink.resumes[causeTimeout] != 1 {
		t.Fatalf("resumes = %v", sink.resumes)
	}
	if w.writes != 1 {
		t.Fatalf("writes = %d", w.writes)
	}
	if sess.State() != sessions.StateInactive {
		t.Fatalf("state = %s, want inactive", sess.State())
	}
	if sess.Scheduler() != nil {
		t.Fatalf("scheduler still installed")
	}
}

func TestProbeFailureCancelsPoll(t *testing.T) {
	sink := &countingSink{}
	tr := New(server.New(), WithMetrics(sink), WithSettings(Settings{Timeout: time.Minute, HeartbeatInterval: time.Second, SweepPeriod: time.Second}))
	w := &recordingWriter{flushErr: errors.New("broken pipe")}
	_, sch := mustSuspend(t, tr, w, time.Minute)

	sch.probe(time.Now())
	select {
	case <-sch.done:
		t.Fatalf("probe ran before the heartbeat interval elapsed")
	default:
	}

	sch.probe(time.Now().Add(2 * time.Second))
	waitDone(t, sch)
	if sink.resumes[causeProbe] != 1 {
		t.Fatalf("resumes = %v", sink.resumes)
	}
}

func TestProbeKeepsHealthyPoll(t *testing.T) {
	tr := New(server.New(), WithSettings(Settings{Timeout: time.Minute, HeartbeatInterval: time.Second}))
	w := &recordingWriter{}
	_, sch := mustSuspend(t, tr, w, time.Minute)

	sch.probe(time.Now().Add(2 * time.Second))
	if sch.claimed.Load() {
		t.Fatalf("healthy probe completed the poll")
	}
	w.mu.Lock()
	if w.writes != 1 {
		t.Fatalf("probe writes = %d", w.writes)
	}
	w.mu.Unlock()
	sch.Cancel()
	waitDone(t, sch)
}

func TestWriteFailureStillReleasesPoll(t *testing.T) {
	sink := &countingSink{}
	tr := New(server.New(), WithMetrics(sink))
	w := &recordingWriter{writeErr: errors.New("connection reset")}
	sess, reply := mustConnected(t, tr)
	if err := tr.srv.Subscribe(sess, "/news"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sch := hold(tr, sess, reply, w, time.Minute)
	if tr.Suspended() != 1 {
		t.Fatalf("suspended = %d", tr.Suspended())
	}

	if err := tr.srv.Publish(context.Background(), "/news", "hello"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitDone(t, sch)

	if w.writes != 1 {
		t.Fatalf("writes = %d, want one failed attempt", w.writes)
	}
	if n := tr.Suspended(); n != 0 {
		t.Fatalf("suspended = %d", n)
	}
	if sess.Scheduler() != nil {
		t.Fatalf("scheduler still installed")
	}
	if sess.State() != sessions.StateInactive {
		t.Fatalf("state = %s, want inactive", sess.State())
	}
	if got := sink.resumes[causeMessage]; got != 1 {
		t.Fatalf("resumes = %v", sink.resumes)
	}
}

func TestImmediateResumeLeavesNoTimer(t *testing.T) {
	tr := New(server.New())
	w := &recordingWriter{}
	sess, reply := mustConnected(t, tr)
	if err := tr.srv.Subscribe(sess, "/news"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := tr.srv.Publish(context.Background(), "/news", 1); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !sess.HasNonLazyMessages() {
		t.Fatalf("expected a pending message")
	}

	sch := hold(tr, sess, reply, w, time.Hour)
	waitDone(t, sch)

	sch.timerMu.Lock()
	defer sch.timerMu.Unlock()
	if sch.timer != nil {
		t.Fatalf("connect timer still armed after completion")
	}
	if sess.QueueLen() != 0 {
		t.Fatalf("queue not drained")
	}
}
