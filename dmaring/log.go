package dmaring

import (
	"context"
	"log/slog"
)

const levelTrace slog.Level = slog.LevelDebug - 1

type logger struct {
	l *slog.Logger
}

func (lg logger) logerr(msg string, attrs ...slog.Attr) {
	lg.logattrs(slog.LevelError, msg, attrs...)
}

func (lg logger) debug(msg string, attrs ...slog.Attr) {
	lg.logattrs(slog.LevelDebug, msg, attrs...)
}

func (lg logger) trace(msg string, attrs ...slog.Attr) {
	lg.logattrs(levelTrace, msg, attrs...)
}

func (lg logger) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if lg.l != nil {
		lg.l.LogAttrs(context.Background(), level, msg, attrs...)
	}
}
