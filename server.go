// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package duplex

import (
	"expvar"
	"fmt"
	"sync"

	"github.com/creachadair/duplex/transport"
	"github.com/creachadair/duplex/wire"
	"go.uber.org/zap"
)

// ServerOptions configure a MultiServer or a single-connection Server.
type ServerOptions struct {
	// Endpoint names the socket to listen on. See the transport package
	// for the accepted forms.
	Endpoint string

	// AllowMultiuserAccess opens the socket file so that processes of
	// other users can connect. It applies to Unix-domain sockets only.
	AllowMultiuserAccess bool

	// LogLevel sets the initial minimum log level. The zero value LogNone
	// produces no logging until OnLog installs a handler.
	LogLevel LogLevel
}

// A MultiServer is the listening end of a session, serving any number of
// concurrently connected clients. Each client is identified by a nonzero
// connection handle, passed to every handler and required by every send
// operation.
//
// All handlers are delivered one at a time, in order, on the session's
// delivery goroutine. Handler setters return the receiver so calls can be
// chained, and a handler may be replaced at any time.
type MultiServer struct {
	*session
	opts       ServerOptions
	latestOnly bool

	μ  sync.Mutex // guards tr
	tr *transport.Server

	hμ sync.Mutex
	h  serverHandlers

	calls pendingMap
}

// serverHandlers hold a multi-server's installed callbacks. The three
// invocation shapes are mutually exclusive: at most one is non-nil.
type serverHandlers struct {
	received   func(conn Handle, body []byte)
	invoked    func(conn, id Handle, body []byte)
	immediate  func(conn Handle, body []byte) []byte
	callback   func(conn Handle, body []byte, reply func([]byte))
	result     func(conn, id Handle, body []byte)
	connect    func(conn Handle)
	disconnect func(conn Handle)
	err        func(error)
}

// NewMultiServer constructs a multi-connection server session with the
// given options.
func NewMultiServer(opts ServerOptions) *MultiServer {
	return &MultiServer{session: newSession(opts.LogLevel), opts: opts}
}

// OnReceived sets the handler for one-way messages and returns s.
func (s *MultiServer) OnReceived(f func(conn Handle, body []byte)) *MultiServer {
	s.hμ.Lock()
	defer s.hμ.Unlock()
	s.h.received = f
	return s
}

// OnInvoked sets the invocation handler to the promise-id shape: the
// handler receives the connection handle and invocation id along with the
// request, and answers later with SendResult. Setting it clears the other
// invocation shapes. Returns s.
func (s *MultiServer) OnInvoked(f func(conn, id Handle, body []byte)) *MultiServer {
	s.hμ.Lock()
	defer s.hμ.Unlock()
	s.h.invoked, s.h.immediate, s.h.callback = f, nil, nil
	return s
}

// OnInvokedImmediate sets the invocation handler to the immediate shape:
// the handler's return value is sent back as the response. Setting it
// clears the other invocation shapes. Returns s.
func (s *MultiServer) OnInvokedImmediate(f func(conn Handle, body []byte) []byte) *MultiServer {
	s.hμ.Lock()
	defer s.hμ.Unlock()
	s.h.invoked, s.h.immediate, s.h.callback = nil, f, nil
	return s
}

// OnInvokedCallback sets the invocation handler to the callback shape:
// the handler receives a reply function that sends the response when
// called. The reply function may be called once, later, from any
// goroutine; after the session closes it has no effect. Setting the
// handler clears the other invocation shapes. Returns s.
func (s *MultiServer) OnInvokedCallback(f func(conn Handle, body []byte, reply func([]byte))) *MultiServer {
	s.hμ.Lock()
	defer s.hμ.Unlock()
	s.h.invoked, s.h.immediate, s.h.callback = nil, nil, f
	return s
}

// OnResult sets the fallback handler for responses whose invocation has
// no registered completion, such as an Invoke issued with a nil
// completion. Returns s.
func (s *MultiServer) OnResult(f func(conn, id Handle, body []byte)) *MultiServer {
	s.hμ.Lock()
	defer s.hμ.Unlock()
	s.h.result = f
	return s
}

// OnConnect sets the handler called each time a client connects.
// Returns s.
func (s *MultiServer) OnConnect(f func(conn Handle)) *MultiServer {
	s.hμ.Lock()
	defer s.hμ.Unlock()
	s.h.connect = f
	return s
}

// OnDisconnect sets the handler called when a client disconnects or is
// evicted. It does not fire for connections closed by Disconnect or
// Close. Returns s.
func (s *MultiServer) OnDisconnect(f func(conn Handle)) *MultiServer {
	s.hμ.Lock()
	defer s.hμ.Unlock()
	s.h.disconnect = f
	return s
}

// OnError sets the handler for unrecoverable transport errors, including
// a failure to bind the endpoint. Returns s.
func (s *MultiServer) OnError(f func(error)) *MultiServer {
	s.hμ.Lock()
	defer s.hμ.Unlock()
	s.h.err = f
	return s
}

// OnLog sets the log handler and adjusts the minimum level: a min other
// than LogNone becomes the new minimum, while LogNone keeps the current
// minimum unless logging was disabled, in which case it becomes
// LogWarning. Returns s.
func (s *MultiServer) OnLog(f func(conn Handle, level LogLevel, message, category string), min LogLevel) *MultiServer {
	s.sink.install(min, nil, f)
	return s
}

// SetLogLevel changes the minimum log level. LogNone disables logging.
func (s *MultiServer) SetLogLevel(l LogLevel) { s.sink.setLevel(l) }

// Metrics returns the process-wide session activity counters.
func (s *MultiServer) Metrics() *expvar.Map { return ipcMetrics.emap }

// Listen binds the endpoint and starts accepting connections. It returns
// Connected on success, ShuttingDown after Close, and ConnectFailed when
// the endpoint is invalid or cannot be bound; a bind failure is also
// reported to the OnError handler.
func (s *MultiServer) Listen() ConnectResult {
	if s.opts.Endpoint == "" {
		s.log.Error("No endpoint specified.")
		return ConnectFailed
	}
	if s.shut.Load() {
		s.log.Debug("listen after shutdown")
		return ShuttingDown
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.shut.Load() {
		return ShuttingDown
	}
	if s.tr != nil {
		s.log.Debug("already listening")
		return Connected
	}
	tr, err := transport.NewServer(s.opts.Endpoint, transport.ServerOptions{
		LatestOnly: s.latestOnly,
		Multiuser:  s.opts.AllowMultiuserAccess,
	}, transport.Callbacks{
		Connected:    s.handleConnected,
		Disconnected: s.handleDisconnected,
		Evicted:      s.handleEvicted,
		Frame:        s.handleFrame,
		Dropped:      s.handleDropped,
	}, s.trlog)
	if err == nil {
		err = tr.Listen()
	}
	if err != nil {
		s.log.Error("Failed to start server", zap.Error(err))
		s.handleError(err)
		return ConnectFailed
	}
	s.tr = tr
	return Connected
}

// Disconnect stops listening and closes every connection. Completions
// for invocations still awaiting a response run synchronously with
// CodeLocalDisconnect before Disconnect returns; the OnDisconnect
// handler does not fire. The session may listen again afterward.
func (s *MultiServer) Disconnect() {
	if s.shut.Load() {
		return
	}
	s.μ.Lock()
	tr := s.tr
	s.tr = nil
	s.μ.Unlock()
	if tr != nil {
		tr.Stop()
	}
	for _, fn := range s.calls.drainAll() {
		complete(fn, nil, CodeLocalDisconnect)
	}
}

// Close shuts the session down: it stops listening, completes
// outstanding invocations with CodeLocalDisconnect, stops callback
// delivery, and releases the transport. After Close no further callbacks
// fire and the session cannot be reused. Close is idempotent, always
// returns nil, and must not be called from a handler.
func (s *MultiServer) Close() error {
	if !s.shut.CompareAndSwap(false, true) {
		return nil
	}
	s.guard.clear()
	s.μ.Lock()
	tr := s.tr
	s.tr = nil
	s.μ.Unlock()
	for _, fn := range s.calls.drainAll() {
		complete(fn, nil, CodeLocalDisconnect)
	}
	s.deliver.stop()
	if tr != nil {
		tr.Stop()
	}
	return nil
}

// Send transmits a one-way message to the given client. A message sent
// while the session is not listening or is shut down is discarded.
func (s *MultiServer) Send(conn Handle, message []byte) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.tr == nil || s.shut.Load() {
		s.log.Debug("send while disconnected, message discarded")
		return
	}
	s.connLog(conn).Debug(fmt.Sprintf("Sending message of length %d", len(message)))
	ipcMetrics.framesSent.Add(1)
	s.tr.Send(conn, 0, message)
}

// Broadcast transmits a one-way message to every connected client.
func (s *MultiServer) Broadcast(message []byte) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.tr == nil || s.shut.Load() {
		return
	}
	s.log.Debug(fmt.Sprintf("Broadcasting message of length %d", len(message)))
	ipcMetrics.broadcasts.Add(1)
	s.tr.Broadcast(message)
}

// ActiveConnections reports the number of connected clients, 0 when the
// session is not listening.
func (s *MultiServer) ActiveConnections() int {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.tr == nil {
		return 0
	}
	return s.tr.ActiveConnections()
}

// Invoke sends an invocation to the given client and returns its id. A
// non-nil completion is called exactly once with the outcome; with a nil
// completion the response is routed to the OnResult handler. If the
// session is not listening, a non-nil completion runs synchronously with
// CodeLocalDisconnect before Invoke returns; if conn does not name a
// live connection, the completion is delivered CodeRemoteDisconnect.
func (s *MultiServer) Invoke(conn Handle, message []byte, completion Completion) Handle {
	id := s.nextID()
	ipcMetrics.invokesOut.Add(1)
	s.μ.Lock()
	if s.tr != nil && !s.shut.Load() {
		if completion != nil {
			s.calls.register(conn, id, completion)
		}
		s.connLog(conn).Debug(fmt.Sprintf("Sending invoke of length %d", len(message)))
		ipcMetrics.framesSent.Add(1)
		s.tr.Send(conn, id, message)
		s.μ.Unlock()
		return id
	}
	shut := s.shut.Load()
	s.μ.Unlock()
	if !shut && completion != nil {
		complete(completion, nil, CodeLocalDisconnect)
	}
	return id
}

// SendResult answers an invocation received through the promise-id
// handler shape.
func (s *MultiServer) SendResult(conn, id Handle, message []byte) {
	s.sendReply(conn, id, message)
}

// sendReply sends the response frame for invocation id to conn.
func (s *MultiServer) sendReply(conn, id Handle, result []byte) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.tr == nil || s.shut.Load() {
		return
	}
	s.connLog(conn).Debug(fmt.Sprintf("Sending invoke result %d of length %d", id, len(result)))
	ipcMetrics.framesSent.Add(1)
	s.tr.Send(conn, wire.ReplyTo(id), result)
}

// replyFunc returns the reply function handed to callback-shape
// invocation handlers. The function is safe to call after the session
// has closed; it then does nothing.
func (s *MultiServer) replyFunc(conn, id Handle) func([]byte) {
	return func(result []byte) {
		s.guard.do(func() { s.sendReply(conn, id, result) })
	}
}

// connLog returns the session logger scoped to one connection.
func (s *MultiServer) connLog(conn Handle) *zap.Logger {
	return s.log.With(zap.Uint32(connField, conn))
}

// handleConnected runs on a transport goroutine.
func (s *MultiServer) handleConnected(conn uint32) {
	ipcMetrics.connAccepted.Add(1)
	s.deliver.enqueue(func() {
		s.hμ.Lock()
		f := s.h.connect
		s.hμ.Unlock()
		if f != nil {
			f(conn)
		}
	})
}

// handleDisconnected runs on a transport goroutine. Completions for
// invocations pending toward conn are collected immediately and delivered
// ahead of the OnDisconnect handler in a single delivery step.
func (s *MultiServer) handleDisconnected(conn uint32) {
	fns := s.calls.drain(conn)
	s.deliver.enqueue(func() {
		for _, fn := range fns {
			complete(fn, nil, CodeRemoteDisconnect)
		}
		s.hμ.Lock()
		f := s.h.disconnect
		s.hμ.Unlock()
		if f != nil {
			f(conn)
		}
	})
}

// handleEvicted runs on a transport goroutine when the latest-only
// policy displaces a connection.
func (s *MultiServer) handleEvicted(uint32) { ipcMetrics.connEvicted.Add(1) }

// handleDropped runs on a transport goroutine when an outbound request
// frame was discarded because its connection vanished. The invocation's
// completion, if any, is delivered CodeRemoteDisconnect.
func (s *MultiServer) handleDropped(conn, handle uint32) {
	ipcMetrics.framesDropped.Add(1)
	fn, ok := s.calls.take(conn, handle)
	if !ok {
		return
	}
	s.connLog(conn).Debug("Rejecting invoke for missing client")
	s.deliver.enqueue(func() { complete(fn, nil, CodeRemoteDisconnect) })
}

// handleError delivers an error to the OnError handler.
func (s *MultiServer) handleError(err error) {
	s.deliver.enqueue(func() {
		s.hμ.Lock()
		f := s.h.err
		s.hμ.Unlock()
		if f != nil {
			f(err)
		}
	})
}

// handleFrame runs on a transport goroutine. Classification and handler
// dispatch happen on the delivery goroutine.
func (s *MultiServer) handleFrame(conn, handle uint32, body []byte) {
	ipcMetrics.framesReceived.Add(1)
	s.deliver.enqueue(func() { s.dispatch(conn, handle, body) })
}

// dispatch routes one inbound frame. It runs on the delivery goroutine.
func (s *MultiServer) dispatch(conn, handle uint32, body []byte) {
	switch {
	case handle == 0:
		s.hμ.Lock()
		f := s.h.received
		s.hμ.Unlock()
		if f != nil {
			f(conn, body)
		}

	case wire.IsReply(handle):
		id := wire.CallID(handle)
		s.connLog(conn).Debug(fmt.Sprintf("Processing invoke result %d of length %d", id, len(body)))
		if fn, ok := s.calls.take(conn, id); ok {
			complete(fn, body, CodeGood)
			return
		}
		s.hμ.Lock()
		f := s.h.result
		s.hμ.Unlock()
		if f != nil {
			f(conn, id, body)
		} else {
			s.connLog(conn).Debug(fmt.Sprintf("Could not process invoke result %d", id))
		}

	default:
		ipcMetrics.invokesIn.Add(1)
		s.connLog(conn).Debug(fmt.Sprintf("Received invoke request %d of length %d", handle, len(body)))
		s.hμ.Lock()
		h := s.h
		s.hμ.Unlock()
		switch {
		case h.invoked != nil:
			h.invoked(conn, handle, body)
		case h.immediate != nil:
			s.sendReply(conn, handle, h.immediate(conn, body))
		case h.callback != nil:
			h.callback(conn, body, s.replyFunc(conn, handle))
		}
	}
}
