package logging

import (
	"io"
	"log/slog"
	"os"
)

// ParseLevel maps the LOG_LEVEL aliases onto slog levels. Unknown values
// fall back to def.
func ParseLevel(value string, def slog.Level) slog.Level {
	switch value {
	case "dev", "development", "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "production", "prod":
		return slog.LevelError
	}
	return def
}

// Init installs the default slog logger. The level comes from LOG_LEVEL and
// defaults to def (the server runs at info, the client only shows errors so
// the terminal UI stays readable).
func Init(def slog.Level) *slog.Logger {
	return InitWriter(os.Stderr, def)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, def slog.Level) *slog.Logger {
	level := def
	if l, ok := os.LookupEnv("LOG_LEVEL"); ok {
		level = ParseLevel(l, def)
	}

	logger := slog.New(
		slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: level,
		}),
	)
	slog.SetDefault(logger)
	return logger
}

// Discard returns a logger that drops everything. Handy for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
