// Package log configures the process-wide structured logger. Components
// receive child loggers tagged with a component attribute so log lines
// from the scheduler, allocator, and registry can be filtered apart.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config selects the handler level and output format.
type Config struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string `mapstructure:"level"`
	// Format is "text" or "json". Default: text.
	Format string `mapstructure:"format"`
}

// ParseLevel maps a config string to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// New builds a logger from config, writing to w. Unknown levels fall
// back to info rather than failing startup.
func New(cfg Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	if err != nil {
		logger.Warn("unknown log level, using info", "level", cfg.Level)
	}
	return logger
}

// Setup builds the root logger and installs it as the slog default.
func Setup(cfg Config) *slog.Logger {
	logger := New(cfg, os.Stderr)
	slog.SetDefault(logger)
	return logger
}

// ForComponent tags a child logger with the component name. A nil
// parent falls back to the default logger so tests can pass nil.
func ForComponent(parent *slog.Logger, component string) *slog.Logger {
	if parent == nil {
		parent = slog.Default()
	}
	return parent.With("component", component)
}

// Discard returns a logger that drops everything; used by tests that do
// not assert on log output.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
