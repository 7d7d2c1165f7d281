package longpoll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/ggoodman/bayeux-server-go/bayeux"
	"github.com/ggoodman/bayeux-server-go/internal/logctx"
	"github.com/ggoodman/bayeux-server-go/internal/metrics"
	"github.com/ggoodman/bayeux-server-go/server"
	"github.com/ggoodman/bayeux-server-go/sessions"
)

// Name identifies the transport in handshake replies and advice tracking.
const Name = bayeux.ConnectionTypeLongPolling

const (
	jsonContentType = "application/json;charset=UTF-8"
	messageParam    = "message"
	maxBodyBytes    = 4 << 20

	// BrowserCookie ties sessions to a browser when client-declared ids are
	// not trusted.
	BrowserCookie = "BAYEUX_BROWSER"
	browserAttr   = "longpoll.browser"
)

var (
	ErrHandshakeNotAlone = errors.New("handshake must be the only message in its batch")
	ErrMissingChannel    = errors.New("message without channel")
	ErrInvalidClientID   = errors.New("clientId must be a string")
	ErrUnsupportedMedia  = errors.New("content-type must be application/json or application/x-www-form-urlencoded")
	ErrMethodNotAllowed  = errors.New("method not allowed")
)

var (
	jsonMediaType = contenttype.NewMediaType("application/json")
	formMediaType = contenttype.NewMediaType("application/x-www-form-urlencoded")
)

// Settings are the transport tunables. They may be replaced at runtime with
// Apply; new values affect subsequent requests.
type Settings struct {
	// Timeout is the default time a /meta/connect is held.
	Timeout time.Duration
	// Interval is the reconnect interval advised to clients.
	Interval time.Duration
	// AutoBatch wraps each request in a session batch.
	AutoBatch bool
	// TrustClientSession resolves sessions from the declared clientId
	// alone. When false the browser cookie set at handshake must match.
	TrustClientSession bool
	// MetaConnectDeliveryOnly sends queued messages only on connect replies.
	MetaConnectDeliveryOnly bool
	// HeartbeatInterval is how long a held poll may go without a probe.
	HeartbeatInterval time.Duration
	// SweepPeriod is the cadence of the liveness sweep.
	SweepPeriod time.Duration
}

// DefaultSettings returns the transport defaults.
func DefaultSettings() Settings {
	return Settings{
		Timeout:            30 * time.Second,
		AutoBatch:          true,
		TrustClientSession: true,
		HeartbeatInterval:  time.Minute,
		SweepPeriod:        time.Second,
	}
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger. Its handler is wrapped so records carry the
// request, session and message groups of the context.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

// WithMetrics installs a metrics sink.
func WithMetrics(m metrics.Sink) Option { return func(t *Transport) { t.metrics = metrics.OrNop(m) } }

// WithSettings replaces the default settings.
func WithSettings(s Settings) Option { return func(t *Transport) { t.settings = s } }

// Transport is the long-polling http.Handler.
type Transport struct {
	srv     *server.Server
	log     *slog.Logger
	metrics metrics.Sink

	cfgMu    sync.RWMutex
	settings Settings

	suspMu    sync.Mutex
	suspended map[*scheduler]struct{}
}

// New creates a transport in front of srv.
func New(srv *server.Server, opts ...Option) *Transport {
	t := &Transport{
		srv:       srv,
		log:       slog.Default(),
		metrics:   metrics.Nop{},
		settings:  DefaultSettings(),
		suspended: make(map[*scheduler]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	if _, ok := t.log.Handler().(logctx.Handler); !ok {
		t.log = slog.New(logctx.Handler{Handler: t.log.Handler()})
	}
	return t
}

// Settings returns the current settings.
func (t *Transport) Settings() Settings {
	t.cfgMu.RLock()
	defer t.cfgMu.RUnlock()
	return t.settings
}

// Apply replaces the settings.
func (t *Transport) Apply(s Settings) {
	t.cfgMu.Lock()
	t.settings = s
	t.cfgMu.Unlock()
}

// Accept reports whether r is a long-polling request: a POST carrying JSON
// or a form, or a GET carrying a message parameter.
func (t *Transport) Accept(r *http.Request) bool {
	return t.accept(r) == nil
}

func (t *Transport) accept(r *http.Request) error {
	switch r.Method {
	case http.MethodPost:
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !(ctype.Matches(jsonMediaType) || ctype.Matches(formMediaType)) {
			return ErrUnsupportedMedia
		}
		return nil
	case http.MethodGet:
		if !r.URL.Query().Has(messageParam) {
			return fmt.Errorf("%w: missing %s parameter", bayeux.ErrMalformed, messageParam)
		}
		return nil
	}
	return ErrMethodNotAllowed
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	ctx = server.WithTransport(ctx, Name)
	r = r.WithContext(ctx)

	if err := t.accept(r); err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, ErrMethodNotAllowed):
			status = http.StatusMethodNotAllowed
		case errors.Is(err, ErrUnsupportedMedia):
			status = http.StatusUnsupportedMediaType
		}
		t.reject(ctx, w, status, err)
		return
	}

	msgs, err := t.parseMessages(w, r)
	if err != nil {
		t.reject(ctx, w, http.StatusBadRequest, err)
		return
	}

	sch, err := t.processMessages(w, r, msgs)
	if err != nil {
		t.reject(ctx, w, http.StatusBadRequest, err)
		return
	}
	if sch != nil {
		select {
		case <-sch.done:
		case <-ctx.Done():
			sch.abort(causeGone)
			<-sch.done
		}
	}
	t.log.DebugContext(ctx, "longpoll.request.done", slog.Int("messages", len(msgs)), slog.Bool("held", sch != nil), slog.Duration("dur", time.Since(start)))
}

func (t *Transport) reject(ctx context.Context, w http.ResponseWriter, status int, err error) {
	t.metrics.IncCounter(metrics.BadRequests, map[string]string{"status": http.StatusText(status)})
	t.log.InfoContext(ctx, "longpoll.request.reject", slog.Int("status", status), slog.String("err", err.Error()))
	writeJSONError(w, status, err.Error())
}

// parseMessages reads the batch from the JSON body, or from the message
// form or query parameters.
func (t *Transport) parseMessages(w http.ResponseWriter, r *http.Request) ([]*bayeux.Message, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if r.Method == http.MethodPost {
		if ctype, err := contenttype.GetMediaType(r); err == nil && ctype.Matches(jsonMediaType) {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				return nil, fmt.Errorf("%w: read body: %v", bayeux.ErrMalformed, err)
			}
			msgs, err := bayeux.ParseBatch(body)
			if err != nil {
				return nil, classify(body, err)
			}
			return msgs, nil
		}
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("%w: %v", bayeux.ErrMalformed, err)
		}
	}

	values := r.URL.Query()[messageParam]
	if r.Method == http.MethodPost {
		values = r.PostForm[messageParam]
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: missing %s parameter", bayeux.ErrMalformed, messageParam)
	}
	var out []*bayeux.Message
	for _, v := range values {
		msgs, err := bayeux.ParseBatch([]byte(v))
		if err != nil {
			return nil, classify([]byte(v), err)
		}
		out = append(out, msgs...)
	}
	return out, nil
}

// classify refines a decode failure caused by a clientId that is not a
// string.
func classify(body []byte, err error) error {
	bad := false
	check := func(m gjson.Result) bool {
		if id := m.Get("clientId"); id.Exists() && id.Type != gjson.String && id.Type != gjson.Null {
			bad = true
		}
		return !bad
	}
	root := gjson.ParseBytes(body)
	if root.IsArray() {
		root.ForEach(func(_, v gjson.Result) bool { return check(v) })
	} else {
		check(root)
	}
	if bad {
		return fmt.Errorf("%w: %w", ErrInvalidClientID, err)
	}
	return err
}

// resolve finds the session a message belongs to. Sessions that are not
// handshaken, or whose browser cookie does not match in untrusting mode,
// are treated as absent.
func (t *Transport) resolve(r *http.Request, set Settings, clientID string) *sessions.Session {
	if clientID == "" {
		return nil
	}
	sess, ok := t.srv.Session(clientID)
	if !ok || !sess.IsHandshaken() {
		return nil
	}
	if !set.TrustClientSession {
		want, _ := sess.Attribute(browserAttr)
		c, err := r.Cookie(BrowserCookie)
		if err != nil || want == nil || c.Value != want.(string) {
			return nil
		}
	}
	return sess
}

// processMessages dispatches each message of the batch. When a connect is
// held it returns the scheduler the caller must wait on; otherwise the
// response has been written.
func (t *Transport) processMessages(w http.ResponseWriter, r *http.Request, msgs []*bayeux.Message) (*scheduler, error) {
	for _, msg := range msgs {
		if msg.Channel == "" {
			return nil, ErrMissingChannel
		}
		if msg.Channel == bayeux.MetaHandshake && len(msgs) > 1 {
			return nil, ErrHandshakeNotAlone
		}
	}

	ctx := r.Context()
	set := t.Settings()

	var (
		sess          *sessions.Session
		batched       *sessions.Session
		sendQueue     = true
		sendReplies   = true
		startInterval = false
		sch           *scheduler
	)
	defer func() {
		if batched != nil {
			batched.EndBatch()
		}
	}()

	replies := make([]*bayeux.Message, len(msgs))
	for i, msg := range msgs {
		if sess == nil {
			sess = t.resolve(r, set, msg.ClientID)
		} else if !sess.IsHandshaken() {
			if batched == sess {
				batched.EndBatch()
				batched = nil
			}
			sess = nil
		}
		if sess != nil {
			ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), State: string(sess.State())})
			if set.AutoBatch && batched == nil {
				sess.StartBatch()
				batched = sess
			}
		}

		mctx := logctx.WithMessageData(ctx, &logctx.MessageData{Channel: msg.Channel, ID: msg.ID})

		switch msg.Channel {
		case bayeux.MetaHandshake:
			reply := t.srv.Handle(mctx, nil, msg)
			if reply.IsSuccessful() {
				if created, ok := t.srv.Session(reply.ClientID); ok {
					sess = created
					t.bindBrowser(w, r, sess)
				}
			}
			replies[i] = t.processReply(sess, reply)
			sendQueue = false

		case bayeux.MetaConnect:
			reply, held := t.metaConnect(mctx, sess, msg, i == len(msgs)-1)
			if held {
				replies[i] = reply
				sch = t.suspend(mctx, w, r, sess, replies, i)
				startInterval, sendQueue, sendReplies = false, false, false
				continue
			}
			replies[i] = t.processReply(sess, reply)
			startInterval, sendQueue, sendReplies = true, true, true

		default:
			replies[i] = t.processReply(sess, t.srv.Handle(mctx, sess, msg))
		}
	}

	if sendReplies || sendQueue {
		if err := t.flush(ctx, w, sess, set, sendQueue, startInterval, replies); err != nil {
			t.log.InfoContext(ctx, "longpoll.write.fail", slog.String("err", err.Error()))
		}
	}
	return sch, nil
}

// bindBrowser records the browser id cookie on a new session.
func (t *Transport) bindBrowser(w http.ResponseWriter, r *http.Request, sess *sessions.Session) {
	sess.SetUserAgent(r.UserAgent())
	id := ""
	if c, err := r.Cookie(BrowserCookie); err == nil && c.Value != "" {
		id = c.Value
	} else {
		id = uuid.NewString()
		http.SetCookie(w, &http.Cookie{Name: BrowserCookie, Value: id, Path: "/", HttpOnly: true, SameSite: http.SameSiteLaxMode})
	}
	sess.SetAttribute(browserAttr, id)
}

// metaConnect handles a /meta/connect and reports whether it should be held.
func (t *Transport) metaConnect(ctx context.Context, sess *sessions.Session, msg *bayeux.Message, last bool) (*bayeux.Message, bool) {
	if sess != nil {
		sess.SetScheduler(nil)
	}
	wasConnected := sess != nil && sess.IsConnected()
	reply := t.srv.Handle(ctx, sess, msg)
	if sess == nil {
		return reply, false
	}
	if last && reply.IsSuccessful() && !sess.HasNonLazyMessages() {
		timeout := sess.CalculateTimeout(t.Settings().Timeout)
		if timeout > 0 && wasConnected && sess.IsConnected() {
			return reply, true
		}
	}
	if sess.IsDisconnected() {
		reply.AdviceFor().Reconnect = bayeux.ReconnectNone
	}
	return reply, false
}

// suspend installs a scheduler for the held connect at replies[idx].
func (t *Transport) suspend(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *sessions.Session, replies []*bayeux.Message, idx int) *scheduler {
	set := t.Settings()
	w.Header().Set("Content-Type", jsonContentType)
	sch := &scheduler{
		t:         t,
		ctx:       ctx,
		req:       r,
		w:         w,
		wf:        newLockedWriteFlusher(ctx, w),
		sess:      sess,
		replies:   replies,
		connect:   idx,
		done:      make(chan struct{}),
		lastProbe: time.Now(),
		validFor:  set.HeartbeatInterval,
	}
	timeout := sess.CalculateTimeout(set.Timeout)

	t.suspMu.Lock()
	t.suspended[sch] = struct{}{}
	t.suspMu.Unlock()
	t.metrics.AddGauge(metrics.PollsSuspended, 1, nil)

	sess.AddListener(sch)
	t.log.DebugContext(ctx, "longpoll.suspend", slog.Duration("timeout", timeout))
	sess.SetScheduler(sch)
	// SetScheduler may already have resumed sch; arm is then a no-op.
	sch.arm(timeout)
	return sch
}

func (t *Transport) removeSuspended(sch *scheduler) {
	t.suspMu.Lock()
	delete(t.suspended, sch)
	t.suspMu.Unlock()
}

// Suspended returns the number of held polls.
func (t *Transport) Suspended() int {
	t.suspMu.Lock()
	defer t.suspMu.Unlock()
	return len(t.suspended)
}

func (t *Transport) snapshotSuspended() []*scheduler {
	t.suspMu.Lock()
	defer t.suspMu.Unlock()
	out := make([]*scheduler, 0, len(t.suspended))
	for sch := range t.suspended {
		out = append(out, sch)
	}
	return out
}

// processReply runs the reply extensions and freezes the result.
func (t *Transport) processReply(sess *sessions.Session, reply *bayeux.Message) *bayeux.Message {
	reply = t.srv.ExtendReply(sess, sess, reply)
	t.srv.Freeze(reply)
	return reply
}

// resume completes a held connect: final advice, reply extensions, the
// session queue and the write.
func (t *Transport) resume(sch *scheduler) error {
	sess := sch.sess
	reply := sch.replies[sch.connect]
	if adv := sess.TakeAdvice(Name); adv != nil {
		reply.SetAdvice(adv)
	}
	if sess.IsDisconnected() {
		reply.AdviceFor().Reconnect = bayeux.ReconnectNone
	}
	sch.replies[sch.connect] = t.processReply(sess, reply)
	return t.write(sch.ctx, sch.wf, sess, t.Settings(), true, sess.TakeQueue(), sch.replies)
}

// flush writes the replies, preceded by the session queue when allowed.
func (t *Transport) flush(ctx context.Context, w http.ResponseWriter, sess *sessions.Session, set Settings, sendQueue, startInterval bool, replies []*bayeux.Message) error {
	var queue []*bayeux.Message
	if sess != nil {
		deliveryOnly := set.MetaConnectDeliveryOnly || sess.MetaConnectDeliveryOnly()
		if sendQueue && (startInterval || !deliveryOnly) {
			queue = sess.TakeQueue()
		}
	}
	w.Header().Set("Content-Type", jsonContentType)
	return t.write(ctx, w, sess, set, startInterval, queue, replies)
}

func (t *Transport) write(ctx context.Context, w io.Writer, sess *sessions.Session, set Settings, startInterval bool, queue, replies []*bayeux.Message) error {
	out := make([]*bayeux.Message, 0, len(queue)+len(replies))
	out = append(out, queue...)
	out = append(out, replies...)
	body, err := bayeux.EncodeBatch(out...)
	if err != nil {
		return err
	}
	if len(queue) > 0 {
		t.metrics.ObserveHistogram(metrics.QueueDrained, float64(len(queue)), nil)
	}
	_, err = w.Write(body)
	if startInterval && sess != nil && sess.IsConnected() {
		sess.StartIntervalTimeout(set.Interval)
	}
	if err != nil {
		return fmt.Errorf("write %d messages: %w", len(out), err)
	}
	t.log.DebugContext(ctx, "longpoll.write.ok", slog.Int("queued", len(queue)), slog.Int("replies", len(replies)))
	return nil
}

// Run probes held polls every sweep period until ctx ends, then cancels
// whatever is still held.
func (t *Transport) Run(ctx context.Context) error {
	period := t.Settings().SweepPeriod
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			held := t.snapshotSuspended()
			for _, sch := range held {
				sch.Cancel()
			}
			t.log.InfoContext(ctx, "longpoll.run.stop", slog.Int("cancelled", len(held)))
			return nil
		case now := <-ticker.C:
			for _, sch := range t.snapshotSuspended() {
				sch.probe(now)
			}
		}
	}
}
