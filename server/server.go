package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/bayeux-server-go/bayeux"
	"github.com/ggoodman/bayeux-server-go/broker"
	"github.com/ggoodman/bayeux-server-go/internal/metrics"
	"github.com/ggoodman/bayeux-server-go/sessions"
)

const (
	defaultSweepPeriod = time.Second

	// fanoutTopic carries broadcast messages between nodes.
	fanoutTopic = "bayeux:publish"
)

var (
	ErrInvalidChannel = errors.New("invalid channel")
	ErrWildChannel    = errors.New("cannot publish to a wildcard channel")
	ErrPublishDenied  = errors.New("publish denied")
)

// Error strings carried in the error field of replies.
const (
	errSessionUnknown      = "402::session_unknown"
	errSubscriptionMissing = "403::subscription_missing"
	errMetaChannel         = "403::meta_channel"
	errChannelInvalid      = "400::channel_invalid"
	errChannelMissing      = "400::channel_missing"
	errChannelWild         = "403::channel_wild"
	errPublishDenied       = "403::publish_denied"
	errMessageDeleted      = "404::message_deleted"
	errUnknownMeta         = "501::meta_unknown"
)

// SessionListener observes sessions entering and leaving the registry.
type SessionListener interface {
	SessionAdded(s *sessions.Session, handshake *bayeux.Message)
	SessionRemoved(s *sessions.Session, timedOut bool)
}

// Server coordinates sessions, channels and message routing.
type Server struct {
	log     *slog.Logger
	node    string
	broker  broker.Broker
	metrics metrics.Sink

	cfgMu       sync.RWMutex
	defaults    sessions.Defaults
	sweepPeriod time.Duration

	mu       sync.RWMutex
	sessions map[string]*sessions.Session

	chMu     sync.RWMutex
	channels map[bayeux.ChannelID]*Channel

	extMu      sync.RWMutex
	extensions []Extension

	lMu       sync.RWMutex
	listeners []SessionListener
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithBroker enables cross-node fan-out through b.
func WithBroker(b broker.Broker) Option { return func(s *Server) { s.broker = b } }

// WithMetrics installs a metrics sink.
func WithMetrics(m metrics.Sink) Option { return func(s *Server) { s.metrics = metrics.OrNop(m) } }

// WithDefaults sets the tunables copied into new sessions.
func WithDefaults(d sessions.Defaults) Option { return func(s *Server) { s.defaults = d } }

// WithSweepPeriod sets how often Run sweeps expired sessions.
func WithSweepPeriod(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.sweepPeriod = d
		}
	}
}

// New creates a server.
func New(opts ...Option) *Server {
	s := &Server{
		log:     slog.Default(),
		node:    uuid.NewString(),
		metrics: metrics.Nop{},
		defaults: sessions.Defaults{
			Timeout:              30 * time.Second,
			MaxInterval:          10 * time.Second,
			InactiveInterval:     30 * time.Minute,
			MaxLazyTimeout:       5 * time.Second,
			MaxQueue:             -1,
			BroadcastToPublisher: true,
		},
		sweepPeriod: defaultSweepPeriod,
		sessions:    make(map[string]*sessions.Session),
		channels:    make(map[bayeux.ChannelID]*Channel),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Defaults returns the current session defaults.
func (s *Server) Defaults() sessions.Defaults {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.defaults
}

// Apply replaces the session defaults; existing sessions keep theirs.
func (s *Server) Apply(d sessions.Defaults) {
	s.cfgMu.Lock()
	s.defaults = d
	s.cfgMu.Unlock()
	s.log.Info("server.apply", slog.Duration("timeout", d.Timeout), slog.Duration("max_interval", d.MaxInterval), slog.Int("max_queue", d.MaxQueue))
}

// AddListener registers a session listener.
func (s *Server) AddListener(l SessionListener) {
	s.lMu.Lock()
	s.listeners = append(s.listeners, l)
	s.lMu.Unlock()
}

func (s *Server) snapshotListeners() []SessionListener {
	s.lMu.RLock()
	defer s.lMu.RUnlock()
	return append([]SessionListener(nil), s.listeners...)
}

// Session looks up a registered session.
func (s *Server) Session(id string) (*sessions.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Sessions returns a snapshot of the registered sessions.
func (s *Server) Sessions() []*sessions.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*sessions.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Server) newSession(opts ...sessions.Option) *sessions.Session {
	d := s.Defaults()
	opts = append([]sessions.Option{sessions.WithLogger(s.log)}, opts...)
	sess := sessions.New(s, d, opts...)
	sess.Handshake(d)
	return sess
}

func (s *Server) addSession(sess *sessions.Session, handshake *bayeux.Message) {
	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()
	s.metrics.IncCounter(metrics.SessionsCreated, nil)
	s.metrics.AddGauge(metrics.SessionsLive, 1, nil)
	for _, l := range s.snapshotListeners() {
		s.guard(l, func() { l.SessionAdded(sess, handshake) })
	}
}

// RemoveSession implements sessions.Host.
func (s *Server) RemoveSession(sess *sessions.Session, timedOut bool) bool {
	s.mu.Lock()
	cur, ok := s.sessions[sess.ID()]
	if ok && cur == sess {
		delete(s.sessions, sess.ID())
	}
	s.mu.Unlock()
	if !ok || cur != sess {
		return false
	}

	reason := "disconnect"
	if timedOut {
		reason = "timeout"
	}
	s.metrics.IncCounter(metrics.SessionsRemoved, map[string]string{"reason": reason})
	s.metrics.AddGauge(metrics.SessionsLive, -1, nil)
	for _, l := range s.snapshotListeners() {
		s.guard(l, func() { l.SessionRemoved(sess, timedOut) })
	}
	sess.Removed(timedOut)
	s.log.Debug("server.session.removed", slog.String("session_id", sess.ID()), slog.String("reason", reason))
	return true
}

// LazyTimeout implements sessions.Host.
func (s *Server) LazyTimeout(id bayeux.ChannelID) time.Duration {
	for _, ch := range s.matchingChannels(id) {
		if d := ch.LazyTimeout(); d > 0 {
			return d
		}
	}
	return 0
}

// NewLocalSession creates a handshaken in-process session that receives
// messages through r.
func (s *Server) NewLocalSession(hint string, r sessions.LocalReceiver) *sessions.Session {
	sess := s.newSession(sessions.WithIDHint(hint), sessions.WithLocalReceiver(r))
	sess.Connected()
	s.addSession(sess, nil)
	return sess
}

// Channel returns an existing channel.
func (s *Server) Channel(id bayeux.ChannelID) (*Channel, bool) {
	s.chMu.RLock()
	defer s.chMu.RUnlock()
	ch, ok := s.channels[id]
	return ch, ok
}

// CreateChannel returns the channel named id, creating it with opts when it
// does not exist yet.
func (s *Server) CreateChannel(id bayeux.ChannelID, opts ...ChannelOption) (*Channel, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannel, id)
	}
	s.chMu.Lock()
	defer s.chMu.Unlock()
	if ch, ok := s.channels[id]; ok {
		return ch, nil
	}
	ch := &Channel{id: id, srv: s, subscribers: make(map[*sessions.Session]struct{})}
	for _, opt := range opts {
		opt(ch)
	}
	s.channels[id] = ch
	s.log.Debug("server.channel.created", slog.String("channel", string(id)))
	return ch, nil
}

// matchingChannels returns the existing channel named id followed by the
// existing wildcard channels that match it.
func (s *Server) matchingChannels(id bayeux.ChannelID) []*Channel {
	s.chMu.RLock()
	defer s.chMu.RUnlock()
	var out []*Channel
	if ch, ok := s.channels[id]; ok {
		out = append(out, ch)
	}
	for _, w := range id.Wilds() {
		if ch, ok := s.channels[bayeux.ChannelID(w)]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// Subscribe subscribes sess to id, creating the channel if needed.
func (s *Server) Subscribe(sess *sessions.Session, id bayeux.ChannelID) error {
	if id.IsMeta() {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, id)
	}
	ok, err := s.subscribe(sess, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("subscribe %s: session %s is gone", id, sess.ID())
	}
	return nil
}

// subscribe creates id when needed and adds sess to it, looking the channel
// up again when Sweep dropped it in between.
func (s *Server) subscribe(sess *sessions.Session, id bayeux.ChannelID) (bool, error) {
	for {
		ch, err := s.CreateChannel(id)
		if err != nil {
			return false, err
		}
		ok, swept := ch.subscribe(sess)
		if !swept {
			return ok, nil
		}
	}
}

// Unsubscribe removes sess from id.
func (s *Server) Unsubscribe(sess *sessions.Session, id bayeux.ChannelID) bool {
	ch, ok := s.Channel(id)
	return ok && ch.Unsubscribe(sess)
}

// Publish publishes a server-originated message.
func (s *Server) Publish(ctx context.Context, channel string, data any) error {
	return s.PublishFrom(ctx, nil, channel, data)
}

// PublishFrom publishes data on channel on behalf of from, typically a local
// session.
func (s *Server) PublishFrom(ctx context.Context, from *sessions.Session, channel string, data any) error {
	id := bayeux.ChannelID(channel)
	if !id.Valid() || id.IsMeta() {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	if id.IsWild() || id.IsDeepWild() {
		return fmt.Errorf("%w: %q", ErrWildChannel, channel)
	}
	msg, err := bayeux.NewMessage(channel, data)
	if err != nil {
		return err
	}
	if !s.publish(ctx, from, msg, true) {
		return ErrPublishDenied
	}
	return nil
}

// publish runs the channel listeners and delivers msg to every matching
// subscriber. When fanout is set the message is also handed to the broker.
func (s *Server) publish(ctx context.Context, from *sessions.Session, msg *bayeux.Message, fanout bool) bool {
	id := bayeux.ChannelID(msg.Channel)
	chs := s.matchingChannels(id)

	for _, ch := range chs {
		for _, l := range ch.snapshotListeners() {
			if pl, ok := l.(PublishListener); ok {
				allow := true
				s.guard(l, func() { allow = pl.OnPublish(from, ch, msg) })
				if !allow {
					s.log.DebugContext(ctx, "server.publish.denied", slog.String("channel", msg.Channel))
					return false
				}
			}
		}
	}

	kind := "broadcast"
	if !id.IsBroadcast() {
		kind = "service"
	}
	s.metrics.IncCounter(metrics.MessagesPublished, map[string]string{"kind": kind})
	if !id.IsBroadcast() {
		return true
	}

	if !msg.Frozen() {
		for _, ch := range chs {
			if ch.Lazy() {
				msg.SetLazy(true)
				break
			}
		}
		msg.Freeze()
	}

	seen := make(map[*sessions.Session]struct{})
	for _, ch := range chs {
		for _, sub := range ch.Subscribers() {
			if _, dup := seen[sub]; dup {
				continue
			}
			seen[sub] = struct{}{}
			s.deliver(from, sub, msg)
		}
	}

	if fanout && s.broker != nil {
		s.fanout(ctx, msg)
	}
	return true
}

func (s *Server) deliver(from, to *sessions.Session, msg *bayeux.Message) {
	out := s.extendSend(from, to, msg)
	if out == nil {
		return
	}
	to.Deliver(from, out)
}

type remoteMessage struct {
	Node    string          `json:"node"`
	Message *bayeux.Message `json:"message"`
}

func (s *Server) fanout(ctx context.Context, msg *bayeux.Message) {
	data, err := json.Marshal(remoteMessage{Node: s.node, Message: msg})
	if err != nil {
		s.log.ErrorContext(ctx, "server.fanout.encode_fail", slog.String("err", err.Error()))
		return
	}
	if _, err := s.broker.Publish(context.WithoutCancel(ctx), fanoutTopic, data); err != nil {
		s.log.ErrorContext(ctx, "server.fanout.publish_fail", slog.String("channel", msg.Channel), slog.String("err", err.Error()))
	}
}

func (s *Server) handleRemote(ctx context.Context, env broker.Envelope) error {
	var rm remoteMessage
	if err := json.Unmarshal(env.Data, &rm); err != nil || rm.Message == nil {
		s.log.WarnContext(ctx, "server.fanout.decode_fail", slog.String("event_id", env.ID))
		return nil
	}
	if rm.Node == s.node {
		return nil
	}
	s.metrics.IncCounter(metrics.BrokerReceived, nil)
	s.publish(ctx, nil, rm.Message, false)
	return nil
}

// Sweep times out expired sessions and drops idle non-persistent channels.
func (s *Server) Sweep(now time.Time) {
	for _, sess := range s.Sessions() {
		sess.Sweep(now)
	}

	s.chMu.Lock()
	for id, ch := range s.channels {
		if ch.sweep() {
			delete(s.channels, id)
		}
	}
	s.chMu.Unlock()
}

// Run sweeps sessions every sweep period and, when a broker is configured,
// consumes messages published by other nodes. It returns when ctx is done.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.cfgMu.RLock()
		period := s.sweepPeriod
		s.cfgMu.RUnlock()
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case now := <-t.C:
				s.Sweep(now)
			}
		}
	})

	if s.broker != nil {
		g.Go(func() error {
			err := s.broker.Subscribe(ctx, fanoutTopic, s.handleRemote)
			if err != nil && ctx.Err() == nil {
				s.log.ErrorContext(ctx, "server.fanout.subscribe_fail", slog.String("err", err.Error()))
			}
			return err
		})
	}

	return g.Wait()
}

var _ sessions.Host = (*Server)(nil)
