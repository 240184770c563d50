// Package logger wires up the process-wide structured logger. Every
// component receives a *slog.Logger built here rather than constructing
// its own, so log level and output shape stay uniform across the proxy.
package logger

import (
	"io"
	"log/slog"
	"os"
)

// New builds the process logger, writing JSON lines to stdout. debug raises
// the level to slog.LevelDebug and attaches source file/line to each
// record; otherwise the logger runs at slog.LevelInfo with no source info.
func New(debug bool) *slog.Logger {
	return NewWithWriter(os.Stdout, debug)
}

// NewWithWriter is New with an explicit destination, for tests that need to
// inspect emitted records.
func NewWithWriter(w io.Writer, debug bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
