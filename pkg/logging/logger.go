// Package logging configures zerolog for the alert feed and hands out
// component-scoped loggers.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs per-request and per-page flow.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs poll cycles, token issuance and lifecycle changes.
	LevelInfo LogLevel = "info"

	// LevelWarn logs retries, degraded pages and skipped cycles.
	LevelWarn LogLevel = "warn"

	// LevelError logs failed cycles and authentication failures.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output instead of JSON.
	Pretty bool

	// Output defaults to os.Stderr when nil.
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level, defaulting to info.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a logger from the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Component derives a component-scoped logger from base.
func Component(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: request flow (route, attempt, request_id), page walk progress,
// quota accounting, cache hits and misses.
//
// Info: token issued, poll cycle completed, polling started/stopped.
//
// Warn: 429 and transport retries, degraded (rate limited) pages, page
// ceiling reached, overlapping poll tick skipped, malformed quota headers.
//
// Error: authentication failure, failed poll cycle, sink publish failure.
//
// Context Fields:
//   - component: token, ratelimit, client, pagination, cache, poll, feed
//   - route: API route relative to the base URL
//   - status: HTTP status code
//   - attempt: retry attempt counter
//   - request_id: X-Request-ID sent upstream
//   - remaining / limit / reset_at: quota state
//   - pages / alerts: walk and cycle sizes
//   - watermark: last poll time
