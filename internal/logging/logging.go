// Package logging builds the service's slog logger.
package logging

import (
	"io"
	"log/slog"
	"strings"

	"duofern-go-home/internal/config"
)

// New returns a logger writing to w with the configured level and format.
// Every record carries the service name and version.
func New(cfg config.LogConfig, version string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "duofern-go-home"),
		slog.String("version", version),
	})
	return slog.New(handler)
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything else
// is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
