// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package duplex

import "sync"

// A lifeGuard gates callbacks that may be retained past the life of their
// session, such as the reply functions handed to invocation handlers.
// Guarded functions run only while the guard is open; clear closes the
// guard and waits out any guarded function already running. The zero
// value is an open guard.
type lifeGuard struct {
	μ        sync.RWMutex
	released bool
}

// do runs fn unless the guard has been cleared. It holds off clear until
// fn returns.
func (g *lifeGuard) do(fn func()) {
	g.μ.RLock()
	defer g.μ.RUnlock()
	if g.released {
		return
	}
	fn()
}

// clear closes the guard, blocking until in-flight guarded calls finish.
func (g *lifeGuard) clear() {
	g.μ.Lock()
	defer g.μ.Unlock()
	g.released = true
}
