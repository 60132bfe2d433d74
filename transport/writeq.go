// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"sync"

	"github.com/creachadair/mds/mlink"
)

// A writeOp is one queued outbound frame.
type writeOp struct {
	conn   uint32 // destination connection; 0 means the current one (client only)
	handle uint32 // frame handle, kept for drop reporting
	frame  []byte // encoded header and body
}

// A writeQueue is an unbounded FIFO of outbound frames. Senders push from
// any goroutine without blocking; the owning transport pops from its
// service goroutine. The zero value is ready for use.
type writeQueue struct {
	μ sync.Mutex
	q mlink.Queue[writeOp]
}

func (w *writeQueue) push(op writeOp) {
	w.μ.Lock()
	defer w.μ.Unlock()
	w.q.Add(op)
}

// pop removes and returns the oldest queued frame, if any.
func (w *writeQueue) pop() (writeOp, bool) {
	w.μ.Lock()
	defer w.μ.Unlock()
	return w.q.Pop()
}
