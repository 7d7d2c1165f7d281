// Package bayeux contains the protocol data types and constants shared by the
// long-polling transport and the server business layer. It mirrors the wire
// representation of Bayeux messages while keeping the surface Go-friendly
// (exported structs with json tags, string constants for reserved channels and
// advice values, small helpers for channel matching).
//
// The package is free of transport logic. The longpoll package frames batches
// of messages over HTTP; the server package builds replies from these types
// and freezes them before they are handed back for transmission.
//
// # Channels
//
// Channel names are absolute, slash separated paths. Names under /meta/ are
// protocol channels handled by the server itself, names under /service/ are
// request/response channels that are never broadcast to subscribers. A
// trailing /* matches exactly one segment and a trailing /** matches any
// number of segments:
//
//	ChannelID("/chat/*").Matches("/chat/room")        // true
//	ChannelID("/chat/*").Matches("/chat/room/a")      // false
//	ChannelID("/chat/**").Matches("/chat/room/a")     // true
//
// # Freezing
//
// A Message becomes immutable once Freeze is called. The mutating helpers
// panic with ErrFrozen after that point; callers that need to change a frozen
// message work on Copy.
package bayeux
