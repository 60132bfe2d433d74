// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package duplex

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/creachadair/duplex/wire"
	"go.uber.org/zap"
)

// A Handle identifies a connection or an invocation within a session.
// Connection handles are assigned by the transport and invocation ids by
// the session; both are nonzero while valid.
type Handle = uint32

// A ResultCode reports how an invocation completed.
type ResultCode int

const (
	CodeGood             ResultCode = iota // the remote end answered
	CodeRemoteDisconnect                   // the remote end disconnected before answering
	CodeLocalDisconnect                    // this session disconnected before the answer arrived
)

func (c ResultCode) String() string {
	switch c {
	case CodeGood:
		return "Good"
	case CodeRemoteDisconnect:
		return "RemoteDisconnect"
	case CodeLocalDisconnect:
		return "LocalDisconnect"
	}
	return fmt.Sprintf("ResultCode(%d)", int(c))
}

// A Completion receives the outcome of an invocation: the response body
// when code is CodeGood, otherwise an empty body and the code naming
// which side disconnected first.
type Completion func(body []byte, code ResultCode)

// A ConnectResult reports the immediate outcome of Connect or Listen.
type ConnectResult int

const (
	// Connecting means the session is dialing in the background; the
	// OnConnect handler reports establishment.
	Connecting ConnectResult = iota

	// Connected means the session is established or already was.
	Connected

	// ShuttingDown means the session has been closed and cannot restart.
	ShuttingDown

	// ConnectFailed means the endpoint is unusable or the transport could
	// not start.
	ConnectFailed
)

func (c ConnectResult) String() string {
	switch c {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case ShuttingDown:
		return "ShuttingDown"
	case ConnectFailed:
		return "ConnectFailed"
	}
	return fmt.Sprintf("ConnectResult(%d)", int(c))
}

// A session carries the state common to every façade: the shutdown latch,
// the delivery queue, the callback lifetime guard, the invocation id
// counter, and the log plumbing.
type session struct {
	shut    atomic.Bool
	deliver *opQueue
	guard   lifeGuard
	sink    *logSink
	log     *zap.Logger // category "connection"
	trlog   *zap.Logger // category "transport"

	idμ    sync.Mutex // serializes id counter rollover
	lastID atomic.Uint32
}

func newSession(level LogLevel) *session {
	s := &session{deliver: newOpQueue()}
	s.sink = &logSink{deliver: s.deliver}
	s.sink.setLevel(level)
	s.log, s.trlog = newSessionLoggers(s.sink)
	return s
}

// nextID returns the next invocation id: a nonzero value below
// wire.ResponseFlag. The counter is shared by all connections of the
// session and wraps around after 2^31-1 ids.
func (s *session) nextID() Handle {
	id := s.lastID.Add(1)
	if id >= wire.ResponseFlag {
		s.idμ.Lock()
		if s.lastID.Load() >= wire.ResponseFlag {
			s.lastID.Store(0)
		}
		s.idμ.Unlock()
		id = s.lastID.Add(1)
	}
	return id
}

// complete runs a completion callback, if set, and counts its outcome.
func complete(fn Completion, body []byte, code ResultCode) {
	switch code {
	case CodeGood:
		ipcMetrics.resultsGood.Add(1)
	case CodeRemoteDisconnect:
		ipcMetrics.resultsRemote.Add(1)
	case CodeLocalDisconnect:
		ipcMetrics.resultsLocal.Add(1)
	}
	if fn != nil {
		fn(body, code)
	}
}
