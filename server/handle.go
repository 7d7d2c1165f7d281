package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/ggoodman/bayeux-server-go/bayeux"
	"github.com/ggoodman/bayeux-server-go/sessions"
)

// Handle processes one inbound message for sess and returns the draft reply.
// sess is nil for a handshake or when the client's session is not known.
// The reply is never nil; callers pass it through ExtendReply and Freeze
// before writing it.
func (s *Server) Handle(ctx context.Context, sess *sessions.Session, msg *bayeux.Message) *bayeux.Message {
	start := time.Now()
	reply := bayeux.NewReply(msg)
	log := s.log.With(slog.String("channel", msg.Channel))

	handshake := msg.Channel == bayeux.MetaHandshake
	if !handshake && (sess == nil || !sess.IsHandshaken()) {
		log.InfoContext(ctx, "server.handle.unknown_session", slog.String("client_id", msg.ClientID))
		unknownSession(reply)
		return reply
	}
	if !bayeux.ChannelID(msg.Channel).Valid() {
		reply.SetError(errChannelInvalid)
		return reply
	}
	if !s.extendRecv(sess, msg) || (sess != nil && !sess.ExtendRecv(msg)) {
		log.DebugContext(ctx, "server.handle.deleted")
		reply.SetError(errMessageDeleted)
		return reply
	}
	if sess != nil && msg.Meta() {
		reply.SetClientID(sess.ID())
	}

	switch msg.Channel {
	case bayeux.MetaHandshake:
		s.handleHandshake(ctx, msg, reply)
	case bayeux.MetaConnect:
		s.handleConnect(ctx, sess, msg, reply)
	case bayeux.MetaSubscribe:
		s.handleSubscribe(ctx, sess, msg, reply)
	case bayeux.MetaUnsubscribe:
		s.handleUnsubscribe(ctx, sess, msg, reply)
	case bayeux.MetaDisconnect:
		reply.SetSuccessful(true)
		sess.Disconnect()
		log.InfoContext(ctx, "server.disconnect.ok", slog.String("session_id", sess.ID()))
	default:
		if msg.Meta() {
			reply.SetError(errUnknownMeta)
			break
		}
		s.handlePublish(ctx, sess, msg, reply)
	}

	log.DebugContext(ctx, "server.handle.done", slog.Bool("successful", reply.IsSuccessful()), slog.Duration("dur", time.Since(start)))
	return reply
}

func unknownSession(reply *bayeux.Message) {
	reply.SetError(errSessionUnknown)
	adv := reply.AdviceFor()
	adv.Reconnect = bayeux.ReconnectHandshake
	zero := int64(0)
	adv.Interval = &zero
}

func (s *Server) handleHandshake(ctx context.Context, msg, reply *bayeux.Message) {
	sess := s.newSession()
	s.addSession(sess, msg)

	d := s.Defaults()
	reply.SetClientID(sess.ID())
	reply.Version = bayeux.ProtocolVersion
	reply.SupportedConnectionTypes = []string{bayeux.ConnectionTypeLongPolling}
	reply.SetAdvice(bayeux.NewAdvice(bayeux.ReconnectRetry, d.Interval, d.Timeout))
	reply.SetSuccessful(true)
	s.log.InfoContext(ctx, "server.handshake.ok", slog.String("session_id", sess.ID()))
}

func (s *Server) handleConnect(ctx context.Context, sess *sessions.Session, msg, reply *bayeux.Message) {
	if !sess.Connected() {
		unknownSession(reply)
		return
	}
	if d, ok := msg.Advice.TimeoutDuration(); ok {
		sess.UpdateTransientTimeout(d)
	} else {
		sess.UpdateTransientTimeout(-1)
	}
	if d, ok := msg.Advice.IntervalDuration(); ok {
		sess.UpdateTransientInterval(d)
	} else {
		sess.UpdateTransientInterval(-1)
	}
	if adv := sess.TakeAdvice(TransportFromContext(ctx)); adv != nil {
		reply.SetAdvice(adv)
	}
	reply.SetSuccessful(true)
}

func (s *Server) handleSubscribe(ctx context.Context, sess *sessions.Session, msg, reply *bayeux.Message) {
	if msg.Subscription == "" {
		reply.SetError(errSubscriptionMissing)
		return
	}
	reply.Subscription = msg.Subscription
	id := bayeux.ChannelID(msg.Subscription)
	switch {
	case id.IsMeta():
		reply.SetError(errMetaChannel)
		return
	case !id.Valid():
		reply.SetError(errChannelInvalid)
		return
	}
	ok, err := s.subscribe(sess, id)
	if err != nil {
		reply.SetError(errChannelInvalid)
		return
	}
	if !ok {
		unknownSession(reply)
		return
	}
	reply.SetSuccessful(true)
	s.log.DebugContext(ctx, "server.subscribe.ok", slog.String("session_id", sess.ID()), slog.String("subscription", msg.Subscription))
}

func (s *Server) handleUnsubscribe(ctx context.Context, sess *sessions.Session, msg, reply *bayeux.Message) {
	if msg.Subscription == "" {
		reply.SetError(errSubscriptionMissing)
		return
	}
	reply.Subscription = msg.Subscription
	ch, ok := s.Channel(bayeux.ChannelID(msg.Subscription))
	if !ok {
		reply.SetError(errChannelMissing)
		return
	}
	ch.Unsubscribe(sess)
	reply.SetSuccessful(true)
	s.log.DebugContext(ctx, "server.unsubscribe.ok", slog.String("session_id", sess.ID()), slog.String("subscription", msg.Subscription))
}

func (s *Server) handlePublish(ctx context.Context, sess *sessions.Session, msg, reply *bayeux.Message) {
	id := bayeux.ChannelID(msg.Channel)
	if id.IsWild() || id.IsDeepWild() {
		reply.SetError(errChannelWild)
		return
	}

	out := msg.Copy()
	out.ClientID = ""
	out.Advice = nil
	out.Successful = nil
	out.Error = ""

	if !s.publish(ctx, sess, out, true) {
		reply.SetError(errPublishDenied)
		return
	}
	reply.SetSuccessful(true)
}
