// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Setup installs a default slog logger writing to w at the level held by
// level. Terminals get a colored tint handler; anything else gets plain
// key=value text. The returned logger is also set as slog's default.
func Setup(w io.Writer, level *slog.LevelVar) *slog.Logger {
	logger := slog.New(NewHandler(w, level))
	slog.SetDefault(logger)
	return logger
}

// NewHandler picks the handler for w.
func NewHandler(w io.Writer, level slog.Leveler) slog.Handler {
	if IsTerminal(w) {
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	}
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
}

// IsTerminal reports whether w is a character device such as a TTY.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
