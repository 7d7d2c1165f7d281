// Package longpoll serves the Bayeux long-polling transport over net/http.
//
// A request carries a batch of messages. Each one is resolved to a session,
// handed to the server and answered with a reply; the replies and the
// session's queued messages are written back as one JSON array. A
// /meta/connect that finds nothing to deliver is held open: the handler
// goroutine parks while a scheduler waits for the first of
//
//   - a message becoming deliverable to the session
//   - the connect timeout
//   - a newer connect or a disconnect replacing the poll
//   - the request context ending (client gone, server shutdown)
//   - a failed liveness probe
//
// Exactly one of them wins the scheduler's claim and completes the exchange.
//
// Run drives the liveness sweep: every held poll whose last probe is older
// than the heartbeat interval gets a single space written and flushed. A
// failure to flush means the peer is gone and the poll is cancelled.
//
// Basic usage:
//
//	srv := server.New()
//	t := longpoll.New(srv, longpoll.WithLogger(log))
//	go srv.Run(ctx)
//	go t.Run(ctx)
//	http.Handle("/cometd", t)
package longpoll
