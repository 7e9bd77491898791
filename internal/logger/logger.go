// Package logger holds the module's structured logger.
package logger

import (
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"
)

// L is the global logger instance. It discards all output until Init
// enables it.
var L = slog.New(slog.NewTextHandler(io.Discard, nil))

// Options configures the logger.
type Options struct {
	Enabled bool       // If false, all logging is discarded
	Writer  io.Writer  // Destination, required when Enabled
	JSON    bool       // JSON handler instead of text
	Level   slog.Level // Minimum level. Default: LevelInfo
}

// Init configures logging. It is not safe to call concurrently with logging.
func Init(opts Options) {
	if !opts.Enabled || opts.Writer == nil {
		L = slog.New(slog.NewTextHandler(io.Discard, nil))
		return
	}
	hopts := &slog.HandlerOptions{Level: opts.Level}
	if opts.JSON {
		L = slog.New(slog.NewJSONHandler(opts.Writer, hopts))
		return
	}
	L = slog.New(slog.NewTextHandler(opts.Writer, hopts))
}

// Bytes renders a byte count as a human readable attribute.
func Bytes(key string, n uint64) slog.Attr {
	return slog.String(key, humanize.IBytes(n))
}

// Debug logs a debug message with optional key-value pairs.
func Debug(msg string, args ...any) { L.Debug(msg, args...) }

// Info logs an info message with optional key-value pairs.
func Info(msg string, args ...any) { L.Info(msg, args...) }

// Warn logs a warning message with optional key-value pairs.
func Warn(msg string, args ...any) { L.Warn(msg, args...) }
