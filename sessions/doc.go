// Package sessions implements the server-side view of a connected Bayeux
// client. A Session owns the outbound message queue, the batch depth, the
// lifecycle state machine, at most one Scheduler (the handle that resumes a
// held long poll), per-session timeout and interval overrides, and ordered
// lists of listeners and extensions.
//
// Layers & Roles
//
//	Transport -> suspends/resumes long polls, installs Schedulers
//	Host      -> registry, channel lookups, removal (implemented by package server)
//	Session   -> queue, batching, lifecycle, listener/extension dispatch
//
// # Lifecycle
//
//	uninitialized -> initialized -> {inactive <-> active} -> {disconnected | timed_out}
//
// Terminal states are never left. Activate and Deactivate toggle freely
// until a terminal transition; each toggle recomputes the expiry timestamp
// consulted by Sweep.
//
// # Locking
//
// A single mutex guards the queue, the batch depth, the scheduler and the
// timestamps. Enqueue and SetScheduler take the same lock, so a scheduler
// installed while non-lazy messages are pending is resumed at once rather
// than left waiting for its timer.
//
// Listeners and extensions run in insertion order. A panic inside one is
// recovered, logged and treated as the permissive default so one misbehaving
// observer cannot break delivery for the others. QueueListener,
// MaxQueueListener and DequeueListener are invoked with the session lock
// held and must not call back into the session.
package sessions
