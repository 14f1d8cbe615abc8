// Package core implements the nucleus cell runtime.
//
// A Cell is an actor: a Handler plus two bounded queues, one for incoming
// requests and one for results flowing back to it. Cells are owned by a
// Dispatcher, an event loop that runs the handlers of its cells one
// message at a time. The Scheduler creates dispatchers on demand, moves
// cells off overloaded or blocked dispatchers and retires idle ones.
//
// Handlers talk to other cells through the Context they receive. A Call
// returns a future.Future whose continuations run inside the calling cell,
// and awaiting a future from a handler lets the dispatcher serve its other
// cells until the result arrives.
package core
