// Package server is the business layer behind the long-polling transport. It
// owns the session registry and the channel tree, answers the /meta/
// channels, runs server-level extensions and fans published messages out to
// subscribers, to channel listeners and, through an optional
// broker.Broker, to the other nodes of a cluster.
//
// The transport reaches it through a single call per inbound message:
//
//	reply := srv.Handle(ctx, session, msg)
//	reply = srv.ExtendReply(session, session, reply)
//	srv.Freeze(reply)
//
// Run drives the periodic session expiry sweep and consumes the broker.
package server
