package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/config"
)

// Setup builds the process logger, tags it with the service name and
// installs it as the slog default.
func Setup(cfg config.LoggingConfig, serviceName string) *slog.Logger {
	logger := New(os.Stdout, cfg).With("service", serviceName)
	slog.SetDefault(logger)
	return logger
}

// New builds a logger writing to w
func New(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel maps a level name to a slog level, defaulting to info
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

// Discard returns a logger that drops everything, for tests
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
