package logging

import (
	"io"
	"log/slog"
	"strings"
)

// New returns a structured logger writing to w.
// If verbose == true, level = Debug, else Info. format is "json" (default)
// or "text". The returned LevelVar changes the level of the live logger.
func New(w io.Writer, verbose bool, format string) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	SetVerbose(level, verbose)

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler), level
}

// SetVerbose switches level between Debug and Info.
func SetVerbose(level *slog.LevelVar, verbose bool) {
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}
}
