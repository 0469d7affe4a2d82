// Package logger builds the process slog logger.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// LevelNone silences everything; used by tests.
const LevelNone = slog.Level(100)

func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "none", "off":
		return LevelNone
	default:
		return slog.LevelInfo
	}
}

// InitLogger installs and returns the default logger: colored text for dev and test, JSON in production.
func InitLogger(level slog.Level, environment string) *slog.Logger {
	l := slog.New(newHandler(os.Stderr, level, environment))
	slog.SetDefault(l)
	return l
}

func newHandler(w io.Writer, level slog.Level, environment string) slog.Handler {
	if environment == "production" || environment == "prod" {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})
}
