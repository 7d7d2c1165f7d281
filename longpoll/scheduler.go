package longpoll

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/bayeux-server-go/bayeux"
	"github.com/ggoodman/bayeux-server-go/internal/metrics"
	"github.com/ggoodman/bayeux-server-go/sessions"
)

// Completion causes, used for logging and metrics.
const (
	causeMessage = "message"
	causeTimeout = "timeout"
	causeCancel  = "cancel"
	causeRemoved = "removed"
	causeGone    = "client_gone"
	causeProbe   = "probe_failed"
)

// scheduler holds one suspended /meta/connect exchange. The first caller to
// win claim completes it; every other path becomes a no-op.
type scheduler struct {
	t    *Transport
	ctx  context.Context
	req  *http.Request
	w    http.ResponseWriter
	wf   *lockedWriteFlusher
	sess *sessions.Session

	// replies is the full reply array of the request; replies[connect] is
	// the draft connect reply, extended and frozen only on resume.
	replies []*bayeux.Message
	connect int

	claimed atomic.Bool
	done    chan struct{}

	timerMu sync.Mutex
	timer   *time.Timer
	stopped bool

	probeMu   sync.Mutex
	lastProbe time.Time
	validFor  time.Duration
}

func (s *scheduler) Request() *http.Request              { return s.req }
func (s *scheduler) ResponseWriter() http.ResponseWriter { return s.w }

func (s *scheduler) claim() bool { return s.claimed.CompareAndSwap(false, true) }

// Schedule resumes the poll with whatever the session has queued. The write
// happens on its own goroutine so publishers never block on a slow peer.
func (s *scheduler) Schedule() {
	if s.claim() {
		go s.resume(causeMessage)
	}
}

// Cancel completes the poll with an empty body.
func (s *scheduler) Cancel() {
	if s.claim() {
		s.cancel(causeCancel, true)
	}
}

// Removed is notified when the session leaves the registry.
func (s *scheduler) Removed(_ *sessions.Session, _ bool) {
	if s.claim() {
		s.resume(causeRemoved)
	}
}

// arm starts the connect timeout, unless the poll already completed.
func (s *scheduler) arm(timeout time.Duration) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.stopped || s.claimed.Load() {
		return
	}
	s.timer = time.AfterFunc(timeout, s.expire)
}

func (s *scheduler) expire() {
	if s.claim() {
		s.resume(causeTimeout)
	}
}

func (s *scheduler) stopTimer() {
	s.timerMu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerMu.Unlock()
}

// abort completes the poll without writing, for a request whose context is
// already over.
func (s *scheduler) abort(cause string) {
	if s.claim() {
		s.cancel(cause, false)
	}
}

func (s *scheduler) resume(cause string) {
	s.stopTimer()
	s.sess.DetachScheduler(s)
	if err := s.t.resume(s); err != nil {
		s.t.log.InfoContext(s.ctx, "longpoll.resume.write_fail", slog.String("cause", cause), slog.String("err", err.Error()))
	}
	s.finish(cause)
}

func (s *scheduler) cancel(cause string, write bool) {
	s.stopTimer()
	s.sess.DetachScheduler(s)
	if write {
		s.wf.WriteHeader(http.StatusOK)
	}
	s.finish(cause)
}

// finish releases the session and the parked handler goroutine.
func (s *scheduler) finish(cause string) {
	s.t.removeSuspended(s)
	s.sess.RemoveListener(s)
	s.sess.Deactivate()
	s.wf.close()
	s.t.metrics.AddGauge(metrics.PollsSuspended, -1, nil)
	s.t.metrics.IncCounter(metrics.PollsResumed, map[string]string{"cause": cause})
	s.t.log.DebugContext(s.ctx, "longpoll.complete", slog.String("cause", cause))
	close(s.done)
}

// probe writes a liveness byte when the last probe is older than the
// validity window. A failure cancels the poll.
func (s *scheduler) probe(now time.Time) {
	if s.validFor <= 0 {
		return
	}
	s.probeMu.Lock()
	due := now.Sub(s.lastProbe) >= s.validFor
	if due {
		s.lastProbe = now
	}
	s.probeMu.Unlock()
	if !due || s.claimed.Load() {
		return
	}
	if err := s.wf.probe(); err != nil {
		s.t.log.DebugContext(s.ctx, "longpoll.probe.fail", slog.String("err", err.Error()))
		s.abort(causeProbe)
	}
}

var (
	_ sessions.RemoteScheduler = (*scheduler)(nil)
	_ sessions.RemovalListener = (*scheduler)(nil)
)
