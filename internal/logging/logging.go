// Package logging sets up structured logging with lmittmann/tint,
// adapted from EternisAI-enchanted-proxy/internal/logger/logger.go for a
// single-process inference server: no instance id or distributed tracing
// machinery, but the same tint-backed slog.Logger and component/context
// helpers.
package logging

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

type contextKey string

const (
	// ContextKeySessionID correlates log lines with a session's bounded
	// channel of events.
	ContextKeySessionID contextKey = "session_id"
	// ContextKeyChatID correlates log lines with a persisted chat.
	ContextKeyChatID contextKey = "chat_id"
)

// New builds a tint-backed logger at the given level ("debug", "info",
// "warn", "error"; anything else falls back to "info").
func New(level string) *slog.Logger {
	opts := &tint.Options{
		Level:      parseLevel(level),
		AddSource:  true,
		TimeFormat: time.Kitchen,
	}
	return slog.New(tint.NewHandler(os.Stdout, opts))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithContext attaches session/chat correlation ids found on ctx.
func WithContext(logger *slog.Logger, ctx context.Context) *slog.Logger {
	if sessionID, ok := ctx.Value(ContextKeySessionID).(string); ok && sessionID != "" {
		logger = logger.With(slog.String("session_id", sessionID))
	}
	if chatID, ok := ctx.Value(ContextKeyChatID).(string); ok && chatID != "" {
		logger = logger.With(slog.String("chat_id", chatID))
	}
	return logger
}

// WithComponent tags every log line from logger with a component name.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}
