// Package logging provides level-based structured logging for the engine.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Global logger instance
var globalLogger zerolog.Logger

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool   // console format for interactive use
	Output io.Writer
}

// Initialize sets up the global logger. Pretty output is used for CLI
// runs; server mode logs JSON lines.
func Initialize(cfg Config) {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	globalLogger = zerolog.New(output).With().Timestamp().Logger()
}

// Component returns a child logger tagged with a component name for
// structured use inside services.
func Component(name string) zerolog.Logger {
	return globalLogger.With().Str("component", name).Logger()
}

// Info logs informational messages (always shown)
func Info(format string, args ...interface{}) {
	globalLogger.Info().Msgf(format, args...)
}

// Debug logs debug messages (only shown when debug mode is enabled)
func Debug(format string, args ...interface{}) {
	globalLogger.Debug().Msgf(format, args...)
}

// Warn logs warning messages
func Warn(format string, args ...interface{}) {
	globalLogger.Warn().Msgf(format, args...)
}

// Error logs error messages (always shown)
func Error(format string, args ...interface{}) {
	globalLogger.Error().Msgf(format, args...)
}

// IsDebugEnabled returns true if debug logging is enabled
func IsDebugEnabled() bool {
	return zerolog.GlobalLevel() <= zerolog.DebugLevel
}
