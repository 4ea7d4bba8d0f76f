package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// SetupLogger installs the global slog default logger from the configured format and
// level. Format "json" selects a JSONHandler for production log shipping; anything
// else selects a TextHandler for local development. Application logs stay separate
// from the audit ledger: entries in the ledger are records of record, log lines are
// debug output, and nothing in the audit write path depends on the logger.
func SetupLogger(format, level string) {
	slog.SetDefault(newLogger(os.Stdout, format, level))
	slog.Info("logger initialised", "format", format, "level", parseLevel(level).String())
}

// newLogger builds a logger over w. Split out of SetupLogger so tests can capture
// output without touching process-global state.
func newLogger(w io.Writer, format, level string) *slog.Logger {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug, // include file:line only when debugging
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// parseLevel maps a configuration string to a slog level, defaulting to Info for
// unknown values rather than failing startup.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
