// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package duplex implements bidirectional message-passing sessions
// between processes over Unix-domain sockets and loopback TCP.
//
// # Sessions
//
// A session joins a dialing endpoint to a listening endpoint. The
// dialing end is a [Client]; the listening end is either a [Server],
// which talks to one client at a time, or a [MultiServer], which talks
// to any number of clients and identifies each by a connection
// [Handle]. Once joined, the two ends are symmetric: either may send
// messages and invocations to the other at any time.
//
// The payload of every message is an opaque byte slice; the session
// imposes no interpretation on it. On the wire each payload travels in
// a single frame carrying its length and a handle that classifies it as
// a one-way message, an invocation request, or an invocation response.
//
// # Invocations
//
// An invocation is a request that expects exactly one response. The
// caller passes a [Completion], which is called exactly once with the
// response body and a [ResultCode]: [CodeGood] when the response
// arrived, [CodeRemoteDisconnect] when the peer went away first, and
// [CodeLocalDisconnect] when the local end disconnected or closed
// first. A nil Completion routes the response to the OnResult handler
// instead.
//
// The receiving end answers invocations through one of three handler
// shapes, installed with OnInvoked, OnInvokedImmediate, or
// OnInvokedCallback. The shapes are mutually exclusive; installing one
// clears the others. The promise-id shape reports the originating
// connection and the invocation id, and is answered later by passing
// both to SendResult. The immediate shape returns the response body
// directly from the handler. The callback shape receives a reply
// function to call with the response when it is ready, from any
// goroutine.
//
// # Delivery
//
// Each session owns a single delivery goroutine on which all handlers
// and completions run, one at a time, in the order the underlying
// events occurred. A handler never runs concurrently with another
// handler of the same session, and messages from one peer are delivered
// in the order they were sent. Blocking in a handler stalls delivery
// for the whole session, so long work should move to another goroutine.
//
// The only exceptions to delivery-goroutine execution are the
// completions run synchronously by Disconnect, Close, and a failed
// Invoke, which fire on the calling goroutine before the operation
// returns.
//
// # Endpoints
//
// Endpoints are strings naming a socket. An endpoint ending in a
// ":port" suffix is a TCP address in "host:port" form; the host may be
// omitted and defaults to the loopback interface when dialing and to
// all interfaces when listening. Any other endpoint names a Unix-domain
// socket: a value containing a slash is used as a path verbatim, while
// a bare name is decorated into a path under /tmp.
//
// # Lifecycle
//
// A Client's Connect starts a background dialer that retries with
// increasing delays until the endpoint accepts, and redials the same
// way whenever an established connection is lost, so a client may
// outlive many server restarts. OnConnect and OnDisconnect report each
// transition. Messages and invocations sent while disconnected are
// discarded; invocations complete with CodeLocalDisconnect.
//
// Disconnect tears down the connection but keeps the session usable, so
// connect-disconnect cycles can repeat. Close ends the session: pending
// invocations complete with CodeLocalDisconnect, the delivery goroutine
// stops, and no further handlers run. Close must not be called from a
// handler, since it waits for the delivery goroutine to drain.
package duplex
