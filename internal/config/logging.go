package config

import (
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
)

// BuildLogger constructs an slog.Logger from the resolved LoggingConfig.
// "auto" format writes text when stderr is a terminal-like destination and
// falls back to JSON otherwise — callers running as a daemon (cmd/cozy-sync's
// "watch" under a pidfile) should prefer "json" explicitly since there is no
// terminal to detect.
func BuildLogger(l LoggingConfig) *slog.Logger {
	var level slog.Level

	switch l.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	out := os.Stderr

	if l.File != "" {
		if f, err := os.OpenFile(l.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600); err == nil {
			return slog.New(handlerFor(l.Format, f, level))
		}
	}

	return slog.New(handlerFor(l.Format, out, level))
}

func handlerFor(format string, w *os.File, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	switch format {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "text":
		return slog.NewTextHandler(w, opts)
	default:
		if isatty.IsTerminal(w.Fd()) || isatty.IsCygwinTerminal(w.Fd()) {
			return slog.NewTextHandler(w, opts)
		}

		return slog.NewJSONHandler(w, opts)
	}
}
