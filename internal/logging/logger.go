// Package logging provides structured JSON logging with conversation
// session-ID propagation. It wraps Go's built-in log/slog: the orchestrator
// stores the session ID in the context and every log line emitted below it
// carries a session_id attribute.
package logging

import (
	"context"
	"log/slog"
	"os"

	"github.com/google/uuid"
)

type contextKey string

const sessionIDKey contextKey = "session_id"

// Logger is the package-level structured logger. Callers should prefer
// FromContext(ctx) to automatically attach the conversation session ID.
var Logger *slog.Logger

func init() {
	Setup(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

// Setup (re-)initialises the package logger. level is one of debug/info/warn/error
// (default info). format is "json" (default) or "text".
func Setup(level, format string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// NewSessionID generates a fresh conversation session ID.
func NewSessionID() string {
	return uuid.NewString()
}

// WithSessionID stores a session ID in the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// SessionIDFromContext retrieves the session ID stored in the context.
func SessionIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}

// FromContext returns a *slog.Logger pre-annotated with the session_id from ctx.
func FromContext(ctx context.Context) *slog.Logger {
	if id := SessionIDFromContext(ctx); id != "" {
		return Logger.With("session_id", id)
	}
	return Logger
}
