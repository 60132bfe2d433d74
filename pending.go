// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package duplex

import "sync"

// A pendingKey identifies an outstanding invocation.
type pendingKey struct {
	conn Handle // 0 on clients, which have one implicit connection
	id   Handle
}

// A pendingMap tracks the completion callbacks of invocations that are
// awaiting a response. The zero value is ready for use.
type pendingMap struct {
	μ sync.Mutex
	m map[pendingKey]Completion
}

// register records the completion for (conn, id), replacing any previous
// entry for that key.
func (p *pendingMap) register(conn, id Handle, fn Completion) {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.m == nil {
		p.m = make(map[pendingKey]Completion)
	}
	p.m[pendingKey{conn, id}] = fn
}

// take removes and returns the completion for (conn, id), if one is
// registered.
func (p *pendingMap) take(conn, id Handle) (Completion, bool) {
	p.μ.Lock()
	defer p.μ.Unlock()
	fn, ok := p.m[pendingKey{conn, id}]
	if ok {
		delete(p.m, pendingKey{conn, id})
	}
	return fn, ok
}

// drain removes and returns all completions registered for conn, in
// unspecified order.
func (p *pendingMap) drain(conn Handle) []Completion {
	p.μ.Lock()
	defer p.μ.Unlock()
	var out []Completion
	for k, fn := range p.m {
		if k.conn == conn {
			out = append(out, fn)
			delete(p.m, k)
		}
	}
	return out
}

// drainAll removes and returns every registered completion, in
// unspecified order.
func (p *pendingMap) drainAll() []Completion {
	p.μ.Lock()
	defer p.μ.Unlock()
	out := make([]Completion, 0, len(p.m))
	for k, fn := range p.m {
		out = append(out, fn)
		delete(p.m, k)
	}
	return out
}
