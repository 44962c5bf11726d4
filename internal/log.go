package internal

import (
	"context"
	"log/slog"
)

// LevelTrace is a custom log level below slog.LevelDebug used for
// per-segment tracing that is too noisy to enable even in debug builds.
const LevelTrace slog.Level = slog.LevelDebug - 2

// LogAttrs is a helper used by all package loggers so that a nil
// *slog.Logger is always a safe, silent no-op.
func LogAttrs(l *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	if l != nil {
		l.LogAttrs(context.Background(), level, msg, attrs...)
	}
}

// Enabled reports whether l would emit a record at level lvl. A nil logger
// is never enabled.
func Enabled(l *slog.Logger, lvl slog.Level) bool {
	return l != nil && l.Handler().Enabled(context.Background(), lvl)
}
