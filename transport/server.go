// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/creachadair/duplex/wire"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// ServerOptions configure a server transport.
type ServerOptions struct {
	// LatestOnly, when true, evicts every existing connection whenever a
	// new one arrives, so that at most one connection is live at a time.
	LatestOnly bool

	// Multiuser, when true, opens the permissions of a bound Unix socket
	// file so that processes of other users can connect.
	Multiuser bool
}

// A Server is the listening side of a duplex transport. It accepts any
// number of concurrent connections, identified by nonzero handles.
//
// A Server is single use: construct it, Listen once, Stop once.
type Server struct {
	cb      Callbacks
	log     *zap.Logger
	opts    ServerOptions
	network string
	address string

	wq   writeQueue
	wake chan struct{}

	ctx    context.Context // canceled by Stop
	cancel context.CancelFunc

	μ      sync.Mutex
	status Status
	lis    net.Listener
	tasks  *taskgroup.Group

	cμ       sync.Mutex
	clients  map[uint32]net.Conn
	last     uint32 // connection handle counter
	stopping bool   // set by Stop; no further connections are admitted
}

// NewServer constructs a server transport for endpoint. It fails if the
// endpoint cannot be resolved. The transport does not bind until Listen
// is called. The callbacks and logger must not be modified afterward.
func NewServer(endpoint string, opts ServerOptions, cb Callbacks, log *zap.Logger) (*Server, error) {
	network, address, err := ResolveListen(endpoint)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cb:      cb,
		log:     log,
		opts:    opts,
		network: network,
		address: address,
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[uint32]net.Conn),
	}, nil
}

// Listen binds the endpoint and starts accepting connections. It returns
// nil on success; otherwise the transport is left in ListenFailed and the
// bind error is returned. A Unix socket file abandoned by a dead owner is
// removed and the endpoint rebound; an endpoint with a live listener
// fails.
func (s *Server) Listen() error {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.status != Disconnected {
		return errors.New("transport already started")
	}
	lis, err := net.Listen(s.network, s.address)
	if err != nil && s.network == "unix" && errors.Is(err, syscall.EADDRINUSE) {
		// A crashed previous owner may have left its socket file behind.
		// Probe it: if nothing answers, remove the file and rebind. A
		// live listener keeps the endpoint and the bind error stands.
		if probe, perr := net.DialTimeout("unix", s.address, time.Second); perr == nil {
			probe.Close()
		} else {
			s.log.Info("removing stale socket file", zap.String("address", s.address))
			os.Remove(s.address)
			lis, err = net.Listen(s.network, s.address)
		}
	}
	if err != nil {
		s.status = ListenFailed
		return err
	}
	if s.network == "unix" && s.opts.Multiuser {
		if err := os.Chmod(s.address, 0666); err != nil {
			s.log.Warn("open socket permissions", zap.Error(err))
		}
	}
	s.lis = lis
	s.status = Listening
	s.tasks = taskgroup.New(nil)
	s.tasks.Go(func() error { s.acceptLoop(lis); return nil })
	s.tasks.Go(func() error { s.serve(); return nil })
	s.log.Info("listening",
		zap.String("network", s.network), zap.String("address", s.address))
	return nil
}

// Addr returns the bound listener address, or "" before Listen.
func (s *Server) Addr() string {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Send queues a frame carrying body to the given connection. Frames to a
// connection that has vanished are discarded at write time.
func (s *Server) Send(conn, handle uint32, body []byte) {
	s.wq.push(writeOp{conn: conn, handle: handle, frame: wire.AppendFrame(nil, handle, body)})
	s.kick()
}

// Broadcast queues a message frame for every live connection. The encoded
// frame is shared among the connections, not copied per recipient.
func (s *Server) Broadcast(body []byte) {
	frame := wire.AppendFrame(nil, 0, body)
	s.cμ.Lock()
	ids := make([]uint32, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.cμ.Unlock()
	for _, id := range ids {
		s.wq.push(writeOp{conn: id, frame: frame})
	}
	s.kick()
}

// ActiveConnections reports the number of live connections.
func (s *Server) ActiveConnections() int {
	s.cμ.Lock()
	defer s.cμ.Unlock()
	return len(s.clients)
}

// Status reports the transport's current state.
func (s *Server) Status() Status {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.status
}

func (s *Server) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop closes the listener and every connection and blocks until the
// transport's goroutines exit. Connections closed by teardown are not
// reported through the Disconnected callback.
func (s *Server) Stop() {
	s.cancel()
	s.μ.Lock()
	lis, g := s.lis, s.tasks
	s.lis = nil
	if s.status == Listening {
		s.status = Disconnecting
	}
	s.μ.Unlock()
	if lis != nil {
		lis.Close()
	}
	s.cμ.Lock()
	s.stopping = true
	conns := s.clients
	s.clients = make(map[uint32]net.Conn)
	s.cμ.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
	if g != nil {
		g.Wait()
	}
	s.μ.Lock()
	if s.status == Disconnecting {
		s.status = Disconnected
	}
	s.μ.Unlock()
}

// acceptLoop admits connections until the listener closes. Accept
// failures back off with a doubling delay so a transient resource
// shortage cannot spin the loop.
func (s *Server) acceptLoop(lis net.Listener) {
	var tempDelay time.Duration
	for {
		conn, err := lis.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			tempDelay = min(tempDelay, time.Second)
			s.log.Warn("accept failed, retrying",
				zap.Duration("delay", tempDelay), zap.Error(err))
			select {
			case <-time.After(tempDelay):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		tempDelay = 0
		s.admit(conn)
	}
}

// admit registers a new connection, applying the latest-only eviction
// policy, and starts its reader. Evicted connections are reported
// disconnected before the new connection is reported, so a
// single-connection consumer observes a clean handoff.
func (s *Server) admit(conn net.Conn) {
	s.cμ.Lock()
	if s.stopping {
		s.cμ.Unlock()
		conn.Close()
		return
	}
	var evict map[uint32]net.Conn
	if s.opts.LatestOnly && len(s.clients) > 0 {
		evict = s.clients
		s.clients = make(map[uint32]net.Conn)
	}
	id := nextHandle(&s.last)
	s.clients[id] = conn
	s.cμ.Unlock()

	for old, oc := range evict {
		oc.Close()
		s.log.Debug("connection evicted", zap.Uint32("conn", old))
		if s.cb.Evicted != nil {
			s.cb.Evicted(old)
		}
		if s.cb.Disconnected != nil {
			s.cb.Disconnected(old)
		}
	}
	s.log.Debug("connection accepted", zap.Uint32("conn", id))
	if s.cb.Connected != nil {
		s.cb.Connected(id)
	}
	s.tasks.Go(func() error { s.readLoop(id, conn); return nil })
}

// readLoop reads and reassembles frames from one connection until it
// closes or fails.
func (s *Server) readLoop(id uint32, conn net.Conn) {
	var asm wire.Assembler
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			asm.Feed(buf[:n], func(handle uint32, body []byte) {
				if s.cb.Frame != nil {
					s.cb.Frame(id, handle, body)
				}
			})
		}
		if err != nil {
			s.drop(id, conn, err)
			return
		}
	}
}

// drop removes a connection after a read or write failure and reports it
// disconnected, unless it was already evicted or the transport is
// stopping.
func (s *Server) drop(id uint32, conn net.Conn, err error) {
	conn.Close()
	s.cμ.Lock()
	cur, ok := s.clients[id]
	if ok && cur == conn {
		delete(s.clients, id)
	}
	s.cμ.Unlock()
	if !ok || cur != conn {
		return // already evicted
	}
	if s.ctx.Err() != nil {
		return // teardown closes connections silently
	}
	if !isPeerClosed(err) {
		s.log.Debug("connection failed", zap.Uint32("conn", id), zap.Error(err))
	}
	if s.cb.Disconnected != nil {
		s.cb.Disconnected(id)
	}
}

// serve pumps the write queue until the transport stops. Teardown does
// not flush: frames still queued at Stop are abandoned without Dropped
// notifications, so a stopping server does not synthesize disconnect
// results for work it chose to abandon.
func (s *Server) serve() {
	for {
		select {
		case <-s.wake:
			s.drainQueue()
		case <-s.ctx.Done():
			return
		}
	}
}

// drainQueue writes queued frames to their connections. Frames for a
// vanished connection are discarded, reporting Dropped for requests. A
// write failure drops only the affected connection, never the listener.
func (s *Server) drainQueue() {
	for {
		if s.ctx.Err() != nil {
			return // stopping; leave the rest unwritten
		}
		op, ok := s.wq.pop()
		if !ok {
			return
		}
		s.cμ.Lock()
		conn := s.clients[op.conn]
		s.cμ.Unlock()
		if conn == nil {
			if s.cb.Dropped != nil && op.handle != 0 && !wire.IsReply(op.handle) {
				s.cb.Dropped(op.conn, op.handle)
			}
			continue
		}
		if _, err := conn.Write(op.frame); err != nil {
			if !isPeerClosed(err) {
				s.log.Error("write failed", zap.Uint32("conn", op.conn), zap.Error(err))
			}
			s.drop(op.conn, conn, err)
		}
	}
}
