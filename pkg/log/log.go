// Package log configures the process-wide slog logger.
package log

import (
	"log/slog"
	"os"
)

// Setup installs a text handler on stderr at the given level and returns
// the root logger. Unknown level names fall back to info.
func Setup(logLevel string) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})).With("service", "testforge")

	slog.SetDefault(logger)

	return logger
}

// WithModule returns a child of the default logger tagged with the
// module name.
func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}
