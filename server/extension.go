package server

import (
	"fmt"
	"log/slog"

	"github.com/ggoodman/bayeux-server-go/bayeux"
	"github.com/ggoodman/bayeux-server-go/sessions"
)

// Extension hooks every message entering or leaving the server. from and to
// may be nil for server-originated messages and the handshake.
type Extension interface {
	Rcv(from *sessions.Session, msg *bayeux.Message) bool
	RcvMeta(from *sessions.Session, msg *bayeux.Message) bool
	// Send may replace the message or drop it by returning nil.
	Send(from, to *sessions.Session, msg *bayeux.Message) *bayeux.Message
	SendMeta(to *sessions.Session, msg *bayeux.Message) bool
}

// BaseExtension passes everything through; embed it to override a subset.
type BaseExtension struct{}

func (BaseExtension) Rcv(*sessions.Session, *bayeux.Message) bool     { return true }
func (BaseExtension) RcvMeta(*sessions.Session, *bayeux.Message) bool { return true }
func (BaseExtension) Send(_, _ *sessions.Session, m *bayeux.Message) *bayeux.Message {
	return m
}
func (BaseExtension) SendMeta(*sessions.Session, *bayeux.Message) bool { return true }

// AddExtension appends ext to the server extensions.
func (s *Server) AddExtension(ext Extension) {
	s.extMu.Lock()
	s.extensions = append(s.extensions, ext)
	s.extMu.Unlock()
}

// RemoveExtension removes ext.
func (s *Server) RemoveExtension(ext Extension) bool {
	s.extMu.Lock()
	defer s.extMu.Unlock()
	for i, cur := range s.extensions {
		if cur == ext {
			s.extensions = append(s.extensions[:i:i], s.extensions[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Server) snapshotExtensions() []Extension {
	s.extMu.RLock()
	defer s.extMu.RUnlock()
	return append([]Extension(nil), s.extensions...)
}

func (s *Server) extendRecv(from *sessions.Session, msg *bayeux.Message) bool {
	for _, ext := range s.snapshotExtensions() {
		ok := true
		if msg.Meta() {
			s.guard(ext, func() { ok = ext.RcvMeta(from, msg) })
		} else {
			s.guard(ext, func() { ok = ext.Rcv(from, msg) })
		}
		if !ok {
			return false
		}
	}
	return true
}

// extendSend runs the server send hooks and returns the message to deliver,
// or nil when dropped.
func (s *Server) extendSend(from, to *sessions.Session, msg *bayeux.Message) *bayeux.Message {
	for _, ext := range s.snapshotExtensions() {
		if msg.Meta() {
			ok := true
			s.guard(ext, func() { ok = ext.SendMeta(to, msg) })
			if !ok {
				return nil
			}
			continue
		}
		out := msg
		s.guard(ext, func() { out = ext.Send(from, to, msg) })
		if out == nil {
			return nil
		}
		msg = out
	}
	return msg
}

// ExtendReply runs the server and then the session send extensions over a
// reply about to be written to session. A nil result means the reply was
// dropped.
func (s *Server) ExtendReply(sender, session *sessions.Session, reply *bayeux.Message) *bayeux.Message {
	if reply == nil {
		return nil
	}
	reply = s.extendSend(sender, session, reply)
	if reply == nil {
		return nil
	}
	if session != nil {
		reply = session.ExtendSend(reply)
	}
	return reply
}

// Freeze makes reply immutable before it is written.
func (s *Server) Freeze(reply *bayeux.Message) {
	if reply != nil {
		reply.Freeze()
	}
}

// guard runs fn, recovering and logging a panic raised by l.
func (s *Server) guard(l any, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Info("server.listener.panic",
				slog.String("listener", fmt.Sprintf("%T", l)),
				slog.String("err", fmt.Sprint(r)),
			)
		}
	}()
	fn()
}
