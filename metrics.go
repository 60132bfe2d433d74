// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package duplex

import "expvar"

// sessionMetrics record session activity counters, shared by all the
// sessions in a process.
type sessionMetrics struct {
	framesSent     expvar.Int
	framesReceived expvar.Int
	framesDropped  expvar.Int // outbound frames whose connection vanished
	invokesOut     expvar.Int // invocations issued locally
	invokesIn      expvar.Int // invocation requests received
	resultsGood    expvar.Int
	resultsRemote  expvar.Int // completions with CodeRemoteDisconnect
	resultsLocal   expvar.Int // completions with CodeLocalDisconnect
	broadcasts     expvar.Int
	connAccepted   expvar.Int
	connEvicted    expvar.Int // connections displaced by latest-only policy

	emap *expvar.Map
}

var ipcMetrics = newSessionMetrics()

func newSessionMetrics() *sessionMetrics {
	m := &sessionMetrics{emap: new(expvar.Map)}
	m.emap.Set("frames_sent", &m.framesSent)
	m.emap.Set("frames_received", &m.framesReceived)
	m.emap.Set("frames_dropped", &m.framesDropped)
	m.emap.Set("invokes_out", &m.invokesOut)
	m.emap.Set("invokes_in", &m.invokesIn)
	m.emap.Set("results_good", &m.resultsGood)
	m.emap.Set("results_remote_disconnect", &m.resultsRemote)
	m.emap.Set("results_local_disconnect", &m.resultsLocal)
	m.emap.Set("broadcasts", &m.broadcasts)
	m.emap.Set("connections_accepted", &m.connAccepted)
	m.emap.Set("connections_evicted", &m.connEvicted)
	return m
}

// Metrics returns a map of activity counters shared by all the sessions
// in the process. The caller must not modify the map.
func Metrics() *expvar.Map { return ipcMetrics.emap }
