// Package logging provides structured logging for the mux client.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds a structured logger writing to stderr at the given
// level and format. Supported levels: debug, info, warn, error.
// Supported formats: text, json.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter builds a structured logger over a custom writer,
// primarily for tests that want to assert on log output.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger discards all output; used where a component requires a
// logger but the caller (usually a test) has none to give it.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Attribute keys shared across the session, stream, and dial packages
// so log lines stay greppable by a consistent field name.
const (
	KeySessionID  = "session_id"
	KeyStreamID   = "stream_id"
	KeyComponent  = "component"
	KeyFlag       = "flag"
	KeyMethod     = "cipher_method"
	KeyURL        = "url"
	KeyRemoteAddr = "remote_addr"
	KeyLocalAddr  = "local_addr"
	KeyBytes      = "bytes"
	KeyDuration   = "duration"
	KeyError      = "error"
)
