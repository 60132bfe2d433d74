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

// Options configure a Client.
type Options struct {
	// Endpoint names the socket to dial or listen on. See the transport
	// package for the accepted forms.
	Endpoint string

	// LogLevel sets the initial minimum log level. The zero value LogNone
	// produces no logging until OnLog installs a handler.
	LogLevel LogLevel
}

// A Client is the dialing end of a session. Construct it with NewClient,
// install handlers, then Connect. While connected, the client exchanges
// messages and invocations with the server; if the connection drops, it
// re-dials in the background until Disconnect or Close.
//
// All handlers are delivered one at a time, in order, on the session's
// delivery goroutine. Handler setters return the receiver so calls can be
// chained, and a handler may be replaced at any time.
type Client struct {
	*session
	endpoint string

	μ  sync.Mutex // guards tr
	tr *transport.Client

	hμ sync.Mutex
	h  clientHandlers

	calls pendingMap
}

// clientHandlers hold a client's installed callbacks. The three
// invocation shapes are mutually exclusive: at most one is non-nil.
type clientHandlers struct {
	received   func(body []byte)
	invoked    func(conn, id Handle, body []byte)
	immediate  func(body []byte) []byte
	callback   func(body []byte, reply func([]byte))
	result     func(id Handle, body []byte)
	connect    func()
	disconnect func()
	err        func(error)
}

// NewClient constructs a client session with the given options.
func NewClient(opts Options) *Client {
	return &Client{session: newSession(opts.LogLevel), endpoint: opts.Endpoint}
}

// OnReceived sets the handler for one-way messages and returns c.
func (c *Client) OnReceived(f func(body []byte)) *Client {
	c.hμ.Lock()
	defer c.hμ.Unlock()
	c.h.received = f
	return c
}

// OnInvoked sets the invocation handler to the promise-id shape: the
// handler receives the connection handle and invocation id along with the
// request, and answers later with SendResult. Setting it clears the other
// invocation shapes. Returns c.
func (c *Client) OnInvoked(f func(conn, id Handle, body []byte)) *Client {
	c.hμ.Lock()
	defer c.hμ.Unlock()
	c.h.invoked, c.h.immediate, c.h.callback = f, nil, nil
	return c
}

// OnInvokedImmediate sets the invocation handler to the immediate shape:
// the handler's return value is sent back as the response. Setting it
// clears the other invocation shapes. Returns c.
func (c *Client) OnInvokedImmediate(f func(body []byte) []byte) *Client {
	c.hμ.Lock()
	defer c.hμ.Unlock()
	c.h.invoked, c.h.immediate, c.h.callback = nil, f, nil
	return c
}

// OnInvokedCallback sets the invocation handler to the callback shape:
// the handler receives a reply function that sends the response when
// called. The reply function may be called once, later, from any
// goroutine; after the session closes it has no effect. Setting the
// handler clears the other invocation shapes. Returns c.
func (c *Client) OnInvokedCallback(f func(body []byte, reply func([]byte))) *Client {
	c.hμ.Lock()
	defer c.hμ.Unlock()
	c.h.invoked, c.h.immediate, c.h.callback = nil, nil, f
	return c
}

// OnResult sets the fallback handler for responses whose invocation has
// no registered completion, such as an Invoke issued with a nil
// completion. Returns c.
func (c *Client) OnResult(f func(id Handle, body []byte)) *Client {
	c.hμ.Lock()
	defer c.hμ.Unlock()
	c.h.result = f
	return c
}

// OnConnect sets the handler called each time a connection to the server
// is established, including reconnections. Returns c.
func (c *Client) OnConnect(f func()) *Client {
	c.hμ.Lock()
	defer c.hμ.Unlock()
	c.h.connect = f
	return c
}

// OnDisconnect sets the handler called when the server disconnects. It
// does not fire for a local Disconnect or Close. Returns c.
func (c *Client) OnDisconnect(f func()) *Client {
	c.hμ.Lock()
	defer c.hμ.Unlock()
	c.h.disconnect = f
	return c
}

// OnError sets the handler for unrecoverable transport errors. Returns c.
func (c *Client) OnError(f func(error)) *Client {
	c.hμ.Lock()
	defer c.hμ.Unlock()
	c.h.err = f
	return c
}

// OnLog sets the log handler and adjusts the minimum level: a min other
// than LogNone becomes the new minimum, while LogNone keeps the current
// minimum unless logging was disabled, in which case it becomes
// LogWarning. Returns c.
func (c *Client) OnLog(f func(level LogLevel, message, category string), min LogLevel) *Client {
	c.sink.install(min, f, nil)
	return c
}

// SetLogLevel changes the minimum log level. LogNone disables logging.
func (c *Client) SetLogLevel(l LogLevel) { c.sink.setLevel(l) }

// Metrics returns the process-wide session activity counters.
func (c *Client) Metrics() *expvar.Map { return ipcMetrics.emap }

// Connect starts the session dialing its endpoint. It returns Connecting
// when dialing proceeds in the background (the usual case; OnConnect
// reports establishment), Connected if the session already has a
// transport, ShuttingDown after Close, and ConnectFailed for an unusable
// endpoint.
func (c *Client) Connect() ConnectResult {
	if c.endpoint == "" {
		c.log.Error("No endpoint specified.")
		return ConnectFailed
	}
	if c.shut.Load() {
		c.log.Debug("connect after shutdown")
		return ShuttingDown
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.shut.Load() {
		return ShuttingDown
	}
	if c.tr != nil {
		c.log.Debug("already connected")
		return Connected
	}
	tr, err := transport.NewClient(c.endpoint, transport.Callbacks{
		Connected:    c.handleConnected,
		Disconnected: c.handleDisconnected,
		Frame:        c.handleFrame,
		Error:        c.handleError,
	}, c.trlog)
	if err != nil {
		c.log.Error("connect failed", zap.Error(err))
		return ConnectFailed
	}
	switch st := tr.Connect(); st {
	case transport.Connecting:
		c.tr = tr
		return Connecting
	case transport.Connected:
		c.tr = tr
		return Connected
	case transport.WriteFailed:
		tr.Stop()
		return ConnectFailed
	default: // stopped while starting
		tr.Stop()
		return ShuttingDown
	}
}

// Disconnect closes the connection and cancels reconnection. Completions
// for invocations still awaiting a response run synchronously with
// CodeLocalDisconnect before Disconnect returns; the OnDisconnect handler
// does not fire. The session may connect again afterward.
func (c *Client) Disconnect() {
	if c.shut.Load() {
		return
	}
	c.μ.Lock()
	tr := c.tr
	c.tr = nil
	c.μ.Unlock()
	if tr != nil {
		tr.Stop()
	}
	for _, fn := range c.calls.drainAll() {
		complete(fn, nil, CodeLocalDisconnect)
	}
}

// Close shuts the session down: it cancels reconnection, completes
// outstanding invocations with CodeLocalDisconnect, stops callback
// delivery, and releases the transport. After Close no further callbacks
// fire and the session cannot be reused. Close is idempotent, always
// returns nil, and must not be called from a handler.
func (c *Client) Close() error {
	if !c.shut.CompareAndSwap(false, true) {
		return nil
	}
	c.guard.clear()
	c.μ.Lock()
	tr := c.tr
	c.tr = nil
	c.μ.Unlock()
	for _, fn := range c.calls.drainAll() {
		complete(fn, nil, CodeLocalDisconnect)
	}
	c.deliver.stop()
	if tr != nil {
		tr.Stop()
	}
	return nil
}

// Send transmits a one-way message to the server. A message sent while
// the session is disconnected or shut down is discarded.
func (c *Client) Send(message []byte) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.tr == nil || c.shut.Load() {
		c.log.Debug("send while disconnected, message discarded")
		return
	}
	c.log.Debug(fmt.Sprintf("Sending message of length %d", len(message)))
	ipcMetrics.framesSent.Add(1)
	c.tr.Send(0, 0, message)
}

// Invoke sends an invocation to the server and returns its id. A non-nil
// completion is called exactly once with the outcome; with a nil
// completion the response is routed to the OnResult handler. If the
// session is disconnected, a non-nil completion runs synchronously with
// CodeLocalDisconnect before Invoke returns.
func (c *Client) Invoke(message []byte, completion Completion) Handle {
	id := c.nextID()
	ipcMetrics.invokesOut.Add(1)
	c.μ.Lock()
	if c.tr != nil && !c.shut.Load() {
		if completion != nil {
			c.calls.register(0, id, completion)
		}
		c.log.Debug(fmt.Sprintf("Sending invoke of length %d", len(message)))
		ipcMetrics.framesSent.Add(1)
		c.tr.Send(0, id, message)
		c.μ.Unlock()
		return id
	}
	shut := c.shut.Load()
	c.μ.Unlock()
	if !shut && completion != nil {
		complete(completion, nil, CodeLocalDisconnect)
	}
	return id
}

// SendResult answers an invocation received through the promise-id
// handler shape.
func (c *Client) SendResult(conn, id Handle, message []byte) {
	c.sendReply(conn, id, message)
}

// sendReply sends the response frame for invocation id to conn.
func (c *Client) sendReply(conn, id Handle, result []byte) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.tr == nil || c.shut.Load() {
		return
	}
	c.log.Debug(fmt.Sprintf("Sending invoke result %d of length %d", id, len(result)))
	ipcMetrics.framesSent.Add(1)
	c.tr.Send(conn, wire.ReplyTo(id), result)
}

// replyFunc returns the reply function handed to callback-shape
// invocation handlers. The function is safe to call after the session
// has closed; it then does nothing.
func (c *Client) replyFunc(conn, id Handle) func([]byte) {
	return func(result []byte) {
		c.guard.do(func() { c.sendReply(conn, id, result) })
	}
}

// handleConnected runs on a transport goroutine.
func (c *Client) handleConnected(conn uint32) {
	ipcMetrics.connAccepted.Add(1)
	c.deliver.enqueue(func() {
		c.hμ.Lock()
		f := c.h.connect
		c.hμ.Unlock()
		if f != nil {
			f()
		}
	})
}

// handleDisconnected runs on a transport goroutine. Completions for
// in-flight invocations are collected immediately and delivered ahead of
// the OnDisconnect handler in a single delivery step.
func (c *Client) handleDisconnected(conn uint32) {
	fns := c.calls.drainAll()
	c.deliver.enqueue(func() {
		for _, fn := range fns {
			complete(fn, nil, CodeRemoteDisconnect)
		}
		c.hμ.Lock()
		f := c.h.disconnect
		c.hμ.Unlock()
		if f != nil {
			f()
		}
	})
}

// handleError runs on a transport goroutine.
func (c *Client) handleError(err error) {
	c.deliver.enqueue(func() {
		c.hμ.Lock()
		f := c.h.err
		c.hμ.Unlock()
		if f != nil {
			f(err)
		}
	})
}

// handleFrame runs on a transport goroutine. Classification and handler
// dispatch happen on the delivery goroutine.
func (c *Client) handleFrame(conn, handle uint32, body []byte) {
	ipcMetrics.framesReceived.Add(1)
	c.deliver.enqueue(func() { c.dispatch(conn, handle, body) })
}

// dispatch routes one inbound frame. It runs on the delivery goroutine.
func (c *Client) dispatch(conn, handle uint32, body []byte) {
	switch {
	case handle == 0:
		c.hμ.Lock()
		f := c.h.received
		c.hμ.Unlock()
		if f != nil {
			f(body)
		}

	case wire.IsReply(handle):
		id := wire.CallID(handle)
		c.log.Debug(fmt.Sprintf("Processing invoke result %d of length %d", id, len(body)))
		if fn, ok := c.calls.take(0, id); ok {
			complete(fn, body, CodeGood)
			return
		}
		c.hμ.Lock()
		f := c.h.result
		c.hμ.Unlock()
		if f != nil {
			f(id, body)
		} else {
			c.log.Debug(fmt.Sprintf("Could not process invoke result %d", id))
		}

	default:
		ipcMetrics.invokesIn.Add(1)
		c.log.Debug(fmt.Sprintf("Received invoke request %d of length %d", handle, len(body)))
		c.hμ.Lock()
		h := c.h
		c.hμ.Unlock()
		switch {
		case h.invoked != nil:
			h.invoked(conn, handle, body)
		case h.immediate != nil:
			c.sendReply(conn, handle, h.immediate(body))
		case h.callback != nil:
			h.callback(body, c.replyFunc(conn, handle))
		}
	}
}
