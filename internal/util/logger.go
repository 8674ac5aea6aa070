package util

import (
	"io"
	"log/slog"
	"os"
)

type Logger = *slog.Logger

func NewLogger() *slog.Logger {
	return NewLoggerTo(os.Stdout, false)
}

// NewLoggerTo builds a text logger writing to w. Verbose enables debug
// records, which include every control call.
func NewLoggerTo(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
