// Package logging provides structured logging configuration and utilities.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/polisai/flowlog/pkg/logctx"
)

// Config holds logging configuration.
type Config struct {
	Level  string
	Format string // "json" (default) or "text"
	Output io.Writer
}

// ChannelKey is the attribute naming the channel a line was written to.
const ChannelKey = "logger"

// NewLogger builds an slog logger whose records carry the fields of the
// logctx overlay found in the logging context.
func NewLogger(cfg Config) *slog.Logger {
	var output io.Writer = os.Stdout
	if cfg.Output != nil {
		output = cfg.Output
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	return slog.New(logctx.NewHandler(handler))
}

// ParseLevel maps a level name to an slog level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Channel derives a named channel from logger.
func Channel(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String(ChannelKey, name))
}
