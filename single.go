// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package duplex

import (
	"expvar"
	"sync/atomic"
)

// A Server is the listening end of a session serving one client at a
// time. It wraps a MultiServer whose transport keeps only the latest
// connection: when a new client connects, the previous connection is
// closed and handlers stop seeing its traffic. Sends and invocations
// implicitly address the most recent client. Only the promise-id pair,
// OnInvoked and SendResult, carries connection handles: an answer
// addressed to a connection that has since been replaced is discarded
// rather than delivered to its replacement.
type Server struct {
	ms  *MultiServer
	cur atomic.Uint32 // handle of the most recent connection
}

// NewServer constructs a single-connection server session with the given
// options.
func NewServer(opts ServerOptions) *Server {
	s := &Server{ms: NewMultiServer(opts)}
	s.ms.latestOnly = true
	s.installConnect(nil)
	return s
}

// installConnect installs the connect hook that remembers the newest
// connection handle before invoking the user's handler, if any.
func (s *Server) installConnect(f func()) {
	s.ms.OnConnect(func(conn Handle) {
		s.cur.Store(conn)
		if f != nil {
			f()
		}
	})
}

// current reports whether conn is the most recent connection. It is
// never true before the first client connects.
func (s *Server) current(conn Handle) bool {
	cur := s.cur.Load()
	return cur != 0 && conn == cur
}

// OnReceived sets the handler for one-way messages from the current
// client and returns s. Messages from a superseded connection are
// discarded.
func (s *Server) OnReceived(f func(body []byte)) *Server {
	if f == nil {
		s.ms.OnReceived(nil)
		return s
	}
	s.ms.OnReceived(func(conn Handle, body []byte) {
		if s.current(conn) {
			f(body)
		}
	})
	return s
}

// OnInvoked sets the invocation handler to the promise-id shape: the
// handler receives the connection handle and invocation id along with
// the request, and answers later by passing both to SendResult. Setting
// it clears the other invocation shapes. Invocations from a superseded
// connection are discarded. Returns s.
func (s *Server) OnInvoked(f func(conn, id Handle, body []byte)) *Server {
	if f == nil {
		s.ms.OnInvoked(nil)
		return s
	}
	s.ms.OnInvoked(func(conn, id Handle, body []byte) {
		if s.current(conn) {
			f(conn, id, body)
		}
	})
	return s
}

// OnInvokedImmediate sets the invocation handler to the immediate shape:
// the handler's return value is sent back as the response. Setting it
// clears the other invocation shapes. An invocation from a superseded
// connection receives an empty response without the handler running.
// Returns s.
func (s *Server) OnInvokedImmediate(f func(body []byte) []byte) *Server {
	if f == nil {
		s.ms.OnInvokedImmediate(nil)
		return s
	}
	s.ms.OnInvokedImmediate(func(conn Handle, body []byte) []byte {
		if !s.current(conn) {
			return nil
		}
		return f(body)
	})
	return s
}

// OnInvokedCallback sets the invocation handler to the callback shape:
// the handler receives a reply function that sends the response when
// called. Setting it clears the other invocation shapes. Invocations
// from a superseded connection are discarded. Returns s.
func (s *Server) OnInvokedCallback(f func(body []byte, reply func([]byte))) *Server {
	if f == nil {
		s.ms.OnInvokedCallback(nil)
		return s
	}
	s.ms.OnInvokedCallback(func(conn Handle, body []byte, reply func([]byte)) {
		if s.current(conn) {
			f(body, reply)
		}
	})
	return s
}

// OnResult sets the fallback handler for responses whose invocation has
// no registered completion. Returns s.
func (s *Server) OnResult(f func(id Handle, body []byte)) *Server {
	if f == nil {
		s.ms.OnResult(nil)
		return s
	}
	s.ms.OnResult(func(conn, id Handle, body []byte) {
		if s.current(conn) {
			f(id, body)
		}
	})
	return s
}

// OnConnect sets the handler called each time a client connects,
// replacing any previous connection. Returns s.
func (s *Server) OnConnect(f func()) *Server {
	s.installConnect(f)
	return s
}

// OnDisconnect sets the handler called when the client disconnects or is
// superseded. It does not fire for connections closed by Disconnect or
// Close. Returns s.
func (s *Server) OnDisconnect(f func()) *Server {
	if f == nil {
		s.ms.OnDisconnect(nil)
		return s
	}
	s.ms.OnDisconnect(func(Handle) { f() })
	return s
}

// OnError sets the handler for unrecoverable transport errors. Returns s.
func (s *Server) OnError(f func(error)) *Server {
	s.ms.OnError(f)
	return s
}

// OnLog sets the log handler and adjusts the minimum level: a min other
// than LogNone becomes the new minimum, while LogNone keeps the current
// minimum unless logging was disabled, in which case it becomes
// LogWarning. Returns s.
func (s *Server) OnLog(f func(level LogLevel, message, category string), min LogLevel) *Server {
	s.ms.sink.install(min, f, nil)
	return s
}

// SetLogLevel changes the minimum log level. LogNone disables logging.
func (s *Server) SetLogLevel(l LogLevel) { s.ms.SetLogLevel(l) }

// Metrics returns the process-wide session activity counters.
func (s *Server) Metrics() *expvar.Map { return s.ms.Metrics() }

// Listen binds the endpoint and starts accepting connections. It returns
// Connected on success, ShuttingDown after Close, and ConnectFailed when
// the endpoint is invalid or cannot be bound.
func (s *Server) Listen() ConnectResult { return s.ms.Listen() }

// Disconnect stops listening and closes the connection. Completions for
// invocations still awaiting a response run synchronously with
// CodeLocalDisconnect before Disconnect returns; the OnDisconnect
// handler does not fire. The session may listen again afterward.
func (s *Server) Disconnect() { s.ms.Disconnect() }

// Close shuts the session down; see MultiServer.Close. Close is
// idempotent, always returns nil, and must not be called from a handler.
func (s *Server) Close() error { return s.ms.Close() }

// Send transmits a one-way message to the current client. The message is
// discarded if no client has connected or the session is not listening.
func (s *Server) Send(message []byte) {
	if cur := s.cur.Load(); cur != 0 {
		s.ms.Send(cur, message)
	}
}

// Invoke sends an invocation to the current client and returns its id. A
// non-nil completion is called exactly once with the outcome; with a nil
// completion the response is routed to the OnResult handler. If no
// client has connected yet, Invoke returns 0 and the completion is not
// called.
func (s *Server) Invoke(message []byte, completion Completion) Handle {
	cur := s.cur.Load()
	if cur == 0 {
		return 0
	}
	return s.ms.Invoke(cur, message, completion)
}

// SendResult answers an invocation received through the promise-id
// handler shape. The response is discarded unless conn is still the
// current connection.
func (s *Server) SendResult(conn, id Handle, message []byte) {
	if s.current(conn) {
		s.ms.SendResult(conn, id, message)
	}
}
