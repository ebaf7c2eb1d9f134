package logger

import (
	"log/slog"
	"os"
)

// New returns the process logger. Output is JSON so log aggregation can
// index evaluation failures by group and subject.
func New() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}
