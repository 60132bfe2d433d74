// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package duplex

import (
	"sync"

	"github.com/creachadair/mds/mlink"
	"github.com/creachadair/taskgroup"
)

// An opQueue runs queued operations one at a time, in order, on a single
// worker goroutine. Every user callback of a session is dispatched
// through its opQueue, which is what makes callback delivery serial.
type opQueue struct {
	μ       sync.Mutex
	cond    *sync.Cond
	ops     mlink.Queue[func()]
	stopped bool
	done    chan struct{} // closed when the worker exits
}

// newOpQueue returns a queue whose worker is running.
func newOpQueue() *opQueue {
	q := &opQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.μ)
	taskgroup.Go(func() error { q.work(); return nil })
	return q
}

// enqueue schedules op to run on the worker, unless the queue has been
// stopped, in which case op is discarded.
func (q *opQueue) enqueue(op func()) {
	q.μ.Lock()
	defer q.μ.Unlock()
	if q.stopped {
		return
	}
	q.ops.Add(op)
	q.cond.Signal()
}

// work runs operations until stop. Operations still queued at stop are
// discarded.
func (q *opQueue) work() {
	defer close(q.done)
	q.μ.Lock()
	for {
		for q.ops.IsEmpty() && !q.stopped {
			q.cond.Wait()
		}
		if q.stopped {
			q.μ.Unlock()
			return
		}
		op, _ := q.ops.Pop()
		q.μ.Unlock()
		op()
		q.μ.Lock()
	}
}

// stop halts the worker and blocks until it exits. It is idempotent, and
// must not be called from the worker itself.
func (q *opQueue) stop() {
	q.μ.Lock()
	if !q.stopped {
		q.stopped = true
		q.cond.Signal()
	}
	q.μ.Unlock()
	<-q.done
}
