package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level: unknown level %q", s)
	}
}

// NewLogger creates a logger writing text or JSON to w. Unknown levels fall
// back to info. It does not set the global logger.
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	lvl, _ := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Logger builds the logger described by the Log section.
func (c Config) Logger(w io.Writer) *slog.Logger {
	l := NewLogger(c.Log.Level, c.Log.Format, w)
	if c.WorkerID != "" {
		l = l.With("worker_id", c.WorkerID)
	}
	return l
}
