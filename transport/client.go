// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/creachadair/duplex/wire"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// Retry pacing for failed dial attempts: a counter starts at retryInit,
// increases by one per failure up to retryMax, and the delay before the
// next attempt is the counter divided by ten, in milliseconds.
const (
	retryInit = 20
	retryMax  = 1000
)

func retryDelay(counter int) time.Duration {
	return time.Duration(counter/10) * time.Millisecond
}

// stopFlush bounds how long Stop waits for queued writes to flush to a
// peer that has stopped reading.
const stopFlush = time.Second

// errPeerClosed distinguishes a lost connection from a fatal write error.
var errPeerClosed = errors.New("connection closed by peer")

// A Client is the dialing side of a duplex transport. It maintains at
// most one connection to its endpoint, re-dialing with capped backoff
// until stopped whenever the connection cannot be established or is lost.
//
// A Client is single use: construct it, Connect once, Stop once.
type Client struct {
	cb      Callbacks
	log     *zap.Logger
	network string
	address string

	wq   writeQueue
	wake chan struct{} // 1-buffered write nudge

	ctx    context.Context // canceled by Stop
	cancel context.CancelFunc

	μ      sync.Mutex
	status Status
	conn   net.Conn // current connection; non-nil only while one is up
	connID uint32   // handle of the current connection
	last   uint32   // connection handle counter
	tasks  *taskgroup.Group
}

// NewClient constructs a client transport for endpoint. It fails if the
// endpoint cannot be resolved. The transport does not dial until Connect
// is called. The callbacks and logger must not be modified afterward.
func NewClient(endpoint string, cb Callbacks, log *zap.Logger) (*Client, error) {
	network, address, err := ResolveDial(endpoint)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cb:      cb,
		log:     log,
		network: network,
		address: address,
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Connect starts the transport's service goroutine and returns its
// initial status. The usual result is Connecting: dialing proceeds in the
// background and the Connected callback reports establishment.
func (c *Client) Connect() Status {
	c.μ.Lock()
	if c.status != Disconnected {
		defer c.μ.Unlock()
		return c.status
	}
	c.status = Connecting
	c.tasks = taskgroup.New(nil)
	g := c.tasks
	c.μ.Unlock()

	ready := make(chan struct{})
	g.Go(func() error { return c.run(ready) })
	<-ready
	return c.Status()
}

// Status reports the transport's current state.
func (c *Client) Status() Status {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.status
}

// Send queues a frame carrying body to the server. A conn of 0 addresses
// whichever connection is current when the write happens; a nonzero conn
// restricts the frame to that connection, and it is discarded if the
// connection has been superseded by a reconnect.
func (c *Client) Send(conn, handle uint32, body []byte) {
	c.wq.push(writeOp{conn: conn, handle: handle, frame: wire.AppendFrame(nil, handle, body)})
	c.kick()
}

// kick nudges the service goroutine to drain the write queue.
func (c *Client) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Stop disconnects and shuts the transport down, blocking until its
// goroutines have exited. If the transport is connected, queued writes
// are flushed before the connection closes; the flush is abandoned after
// stopFlush if the peer is not reading. Stop is idempotent.
func (c *Client) Stop() {
	c.cancel()
	c.μ.Lock()
	if c.status == Connecting || c.status == Connected {
		c.status = Disconnecting
	}
	if c.conn != nil {
		// Bound the flush, and cut short a write already in flight. The
		// deadline applies to pending writes as well as future ones.
		c.conn.SetWriteDeadline(time.Now().Add(stopFlush))
	}
	g := c.tasks
	c.μ.Unlock()
	if g != nil {
		g.Wait()
	}
	c.μ.Lock()
	if c.status != WriteFailed {
		c.status = Disconnected
	}
	c.μ.Unlock()
}

// run is the transport service routine. It dials, pumps the write queue
// while connected, and re-dials when the connection drops, until Stop.
func (c *Client) run(ready chan<- struct{}) error {
	close(ready)

	retry := retryInit
	var d net.Dialer
	for {
		conn, err := d.DialContext(c.ctx, c.network, c.address)
		if err != nil {
			if c.ctx.Err() != nil || !c.dialing() {
				return nil
			}
			if retry < retryMax {
				retry++
			}
			c.log.Debug("dial failed, retrying",
				zap.String("address", c.address),
				zap.Duration("delay", retryDelay(retry)),
				zap.Error(err))
			select {
			case <-time.After(retryDelay(retry)):
			case <-c.ctx.Done():
				return nil
			}
			continue
		}

		id, ok := c.attach(conn)
		if !ok {
			conn.Close()
			return nil
		}
		c.log.Debug("connected",
			zap.String("address", c.address), zap.Uint32("conn", id))
		if c.cb.Connected != nil {
			c.cb.Connected(id)
		}

		done := make(chan struct{})
		c.tasks.Go(func() error {
			defer close(done)
			c.readLoop(id, conn)
			return nil
		})

		if !c.service(conn, id, done) {
			return nil
		}
		// The connection was lost remotely; report it and dial again.
		if c.cb.Disconnected != nil {
			c.cb.Disconnected(id)
		}
	}
}

// dialing reports whether the transport is still trying to connect.
func (c *Client) dialing() bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.status == Connecting
}

// attach records an established connection and allocates its handle. It
// fails if the transport stopped while dialing.
func (c *Client) attach(conn net.Conn) (uint32, bool) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.status != Connecting {
		return 0, false
	}
	c.status = Connected
	c.conn = conn
	c.connID = nextHandle(&c.last)
	return c.connID, true
}

// detach clears the current connection, sets the next status, and closes
// the socket.
func (c *Client) detach(conn net.Conn, next Status) {
	c.μ.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.status = next
	c.μ.Unlock()
	conn.Close()
}

// service pumps the write queue while conn is up. It reports true if the
// connection was lost remotely and dialing should resume, false if the
// transport is stopping.
func (c *Client) service(conn net.Conn, id uint32, done <-chan struct{}) bool {
	for {
		var err error
		select {
		case <-c.wake:
			err = c.drain(conn, id)
		case <-done: // the reader saw EOF or a read error
			err = errPeerClosed
		case <-c.ctx.Done():
			c.drain(conn, id) // a local stop flushes queued writes
			c.detach(conn, Disconnected)
			return false
		}
		if err == nil {
			continue
		}
		if errors.Is(err, errPeerClosed) {
			if c.ctx.Err() != nil {
				c.detach(conn, Disconnected)
				return false
			}
			c.detach(conn, Connecting)
			return true
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			// A write deadline is armed only by Stop: the stop flush gave
			// up on a peer that is not reading.
			c.detach(conn, Disconnected)
			return false
		}
		c.log.Error("write failed", zap.Uint32("conn", id), zap.Error(err))
		c.detach(conn, WriteFailed)
		if c.cb.Error != nil {
			c.cb.Error(err)
		}
		return false
	}
}

// drain writes queued frames to conn until the queue is empty. Frames
// addressed to a superseded connection are discarded, reporting Dropped
// for requests. A broken connection reports errPeerClosed; any other
// write error is fatal to the transport.
func (c *Client) drain(conn net.Conn, id uint32) error {
	for {
		op, ok := c.wq.pop()
		if !ok {
			return nil
		}
		if op.conn != 0 && op.conn != id {
			if c.cb.Dropped != nil && op.handle != 0 && !wire.IsReply(op.handle) {
				c.cb.Dropped(op.conn, op.handle)
			}
			continue
		}
		if _, err := conn.Write(op.frame); err != nil {
			if isPeerClosed(err) {
				return errPeerClosed
			}
			return err
		}
	}
}

// readLoop reads and reassembles frames from conn until it closes.
func (c *Client) readLoop(id uint32, conn net.Conn) {
	var asm wire.Assembler
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			asm.Feed(buf[:n], func(handle uint32, body []byte) {
				if c.cb.Frame != nil {
					c.cb.Frame(id, handle, body)
				}
			})
		}
		if err != nil {
			if !isPeerClosed(err) && c.ctx.Err() == nil {
				c.log.Debug("read failed", zap.Uint32("conn", id), zap.Error(err))
			}
			return
		}
	}
}
