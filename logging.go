// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package duplex

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// A LogLevel selects which session log entries reach the OnLog handler.
// LogNone, the zero value, disables logging entirely.
type LogLevel int32

const (
	LogNone LogLevel = iota
	LogDebug
	LogInfo
	LogWarning
	LogError
)

// String returns the canonical name of the level.
func (l LogLevel) String() string {
	switch l {
	case LogNone:
		return "none"
	case LogDebug:
		return "debug"
	case LogInfo:
		return "info"
	case LogWarning:
		return "warning"
	case LogError:
		return "error"
	}
	return fmt.Sprintf("LogLevel(%d)", int32(l))
}

// ParseLogLevel returns the level named by s, matching without regard to
// case.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "none":
		return LogNone, nil
	case "debug":
		return LogDebug, nil
	case "info":
		return LogInfo, nil
	case "warning":
		return LogWarning, nil
	case "error":
		return LogError, nil
	}
	return LogNone, fmt.Errorf("invalid log level %q", s)
}

// sessionLevel maps a zap level onto the session scale.
func sessionLevel(l zapcore.Level) LogLevel {
	switch {
	case l <= zapcore.DebugLevel:
		return LogDebug
	case l == zapcore.InfoLevel:
		return LogInfo
	case l == zapcore.WarnLevel:
		return LogWarning
	default:
		return LogError
	}
}

// connField is the structured-log field key that carries a connection
// handle through to multi-server log handlers.
const connField = "conn"

// defaultCategory labels entries from a logger with no name.
const defaultCategory = "connection"

// A logSink fans session and transport log entries out to the user's
// OnLog handler through the delivery queue. The level is checked when an
// entry is written and again at delivery, so lowering the level takes
// effect immediately even for entries already queued.
type logSink struct {
	min     atomic.Int32 // a LogLevel; LogNone disables
	deliver *opQueue

	μ      sync.Mutex
	client func(level LogLevel, message, category string)
	server func(conn Handle, level LogLevel, message, category string)
}

func (s *logSink) level() LogLevel     { return LogLevel(s.min.Load()) }
func (s *logSink) setLevel(l LogLevel) { s.min.Store(int32(l)) }

// enabled reports whether entries at level l should be produced.
func (s *logSink) enabled(l LogLevel) bool {
	min := s.level()
	return min != LogNone && l >= min
}

// install sets the handler functions, of which at most one should be
// non-nil. A min of LogNone leaves the current level in place, except
// that a disabled sink is promoted to LogWarning so that installing a
// handler has a visible effect.
func (s *logSink) install(min LogLevel, client func(LogLevel, string, string), server func(Handle, LogLevel, string, string)) {
	if min != LogNone {
		s.setLevel(min)
	} else if s.level() == LogNone {
		s.setLevel(LogWarning)
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	s.client, s.server = client, server
}

// post delivers one entry to the installed handler on the delivery queue.
func (s *logSink) post(conn Handle, level LogLevel, message, category string) {
	s.deliver.enqueue(func() {
		if !s.enabled(level) {
			return
		}
		s.μ.Lock()
		client, server := s.client, s.server
		s.μ.Unlock()
		switch {
		case client != nil:
			client(level, message, category)
		case server != nil:
			server(conn, level, message, category)
		}
	})
}

// newSessionLoggers builds the two loggers a session writes through, one
// per category, both backed by the same sink.
func newSessionLoggers(sink *logSink) (conn, tr *zap.Logger) {
	base := zap.New(&bridgeCore{sink: sink})
	return base.Named("connection"), base.Named("transport")
}

// A bridgeCore is a zapcore.Core that forwards entries to a logSink. The
// logger name becomes the entry category, a connField field attached with
// Logger.With becomes the connection handle, and any other fields are
// rendered into the message text.
type bridgeCore struct {
	sink   *logSink
	conn   Handle
	labels string
}

func (c *bridgeCore) Enabled(l zapcore.Level) bool {
	return c.sink.enabled(sessionLevel(l))
}

func (c *bridgeCore) With(fields []zapcore.Field) zapcore.Core {
	cp := &bridgeCore{sink: c.sink, conn: c.conn, labels: c.labels}
	cp.absorb(fields)
	return cp
}

func (c *bridgeCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *bridgeCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	w := bridgeCore{sink: c.sink, conn: c.conn, labels: c.labels}
	w.absorb(fields)
	category := ent.LoggerName
	if category == "" {
		category = defaultCategory
	}
	c.sink.post(w.conn, sessionLevel(ent.Level), ent.Message+w.labels, category)
	return nil
}

func (c *bridgeCore) Sync() error { return nil }

// absorb captures the connection field and renders the remaining fields
// into the label text.
func (c *bridgeCore) absorb(fields []zapcore.Field) {
	for _, f := range fields {
		if f.Key == connField {
			c.conn = Handle(f.Integer)
			continue
		}
		c.labels += formatField(f)
	}
}

// formatField renders one field as " key=value".
func formatField(f zapcore.Field) string {
	enc := zapcore.NewMapObjectEncoder()
	f.AddTo(enc)
	keys := make([]string, 0, len(enc.Fields))
	for k := range enc.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, enc.Fields[k])
	}
	return sb.String()
}
