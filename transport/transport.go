// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package transport provides the socket transports underneath duplex
// sessions: a dialing client that reconnects with capped backoff, and a
// listening server that manages any number of inbound connections.
//
// Transports move whole frames (see the wire package) without
// interpreting their bodies. Events are reported through a Callbacks
// struct from the transport's internal goroutines; serializing delivery
// to the application is the caller's concern.
package transport

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// A Status describes the state of a transport.
type Status int32

// Transport states. A client moves from Disconnected through Connecting
// to Connected, returns to Connecting when the remote end disconnects,
// and lands on WriteFailed after an unrecoverable write error. A server
// is Listening until stopped, or ListenFailed if the endpoint could not
// be bound. Stop passes either transport through Disconnecting while its
// goroutines wind down; WriteFailed and ListenFailed are sticky.
const (
	Disconnected Status = iota
	Connecting
	Connected
	Disconnecting
	WriteFailed
	Listening
	ListenFailed
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	case WriteFailed:
		return "WriteFailed"
	case Listening:
		return "Listening"
	case ListenFailed:
		return "ListenFailed"
	}
	return "Unknown"
}

// Callbacks connect a transport to its owner. A nil callback is skipped.
// Callbacks are invoked from the transport's internal goroutines and must
// not block for long.
type Callbacks struct {
	// Connected reports a newly established connection.
	Connected func(conn uint32)

	// Disconnected reports a connection that closed remotely or was
	// evicted. It is not invoked for connections closed by Stop.
	Disconnected func(conn uint32)

	// Evicted reports a connection displaced by the latest-only policy,
	// immediately before its Disconnected callback. Server only.
	Evicted func(conn uint32)

	// Frame delivers one reassembled inbound frame. Ownership of body
	// passes to the callback.
	Frame func(conn, handle uint32, body []byte)

	// Dropped reports an outbound request frame that was discarded because
	// its destination connection no longer exists. Message and response
	// frames are discarded without notice.
	Dropped func(conn, handle uint32)

	// Error reports an unrecoverable transport error.
	Error func(err error)
}

// readBufSize is the size of the per-connection read buffer.
const readBufSize = 65536

// nextHandle advances a connection-handle counter, skipping zero, and
// returns the new value.
func nextHandle(last *uint32) uint32 {
	*last++
	if *last == 0 {
		*last++
	}
	return *last
}

// isPeerClosed reports whether err indicates the peer closed or reset the
// connection, as distinct from a local usage or resource error.
func isPeerClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed)
}
