// Package obslog provides ambient structured logging (startup, shutdown,
// rule-reload failures) distinct from the fixed-schema per-transaction
// records emitted by internal/accesslog. Grounded on the zerolog usage in
// go-core-stack/mcp-auth-proxy: a single global logger leveled once at
// startup, with a component-scoped ".With().Str(...)" sub-logger per
// package.
package obslog

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

var globalLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Init configures the global zerolog logger with the given level name
// ("debug", "info", "warn", "error"); an unrecognised level falls back to
// info.
func Init(levelName string) {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	globalLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

// For returns a component-scoped sub-logger, e.g. obslog.For("supervisor").
func For(component string) zerolog.Logger {
	return globalLogger.With().Str("component", component).Logger()
}
