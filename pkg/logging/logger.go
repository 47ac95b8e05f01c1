// Package logging configures the process-wide zerolog logger.
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
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"

	// LevelDisabled turns logging off entirely.
	LevelDisabled LogLevel = "disabled"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// Service is added to every line as "service" when set.
	Service string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(string(cfg.Level)))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	logger := ctx.Logger()

	log.Logger = logger
	return logger
}

// ParseLevel converts a level name to a zerolog level. Unknown names map
// to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache hits and misses (key, layer, ttl)
//   - Session bootstraps and cookie resets
//   - Coalesced in-flight requests
//   - Worker lifecycle in the feed poller
//
// Info: Normal operation events
//   - Poll summaries (fetched, new, processed)
//   - Cooldown cleared
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Upstream 429 and the resulting cooldown
//   - Retry attempts
//   - Cache tier errors (request falls through to upstream)
//   - Feed handler failures (record left for the next poll)
//
// Error: Error conditions requiring attention
//   - Requests failing after retries
//   - Tracker storage failures
//   - Configuration errors
//
// Context Fields:
//   - component: emitting package (nse-client, cache, ratelimit, tracker, feed)
//   - endpoint: upstream endpoint path
//   - status_code: HTTP status code
//   - kind: error kind (rate_limited, upstream, connection, timeout, parse)
//   - duration: request or poll duration
//   - retry_after: cooldown requested by the upstream
//   - key: cache key
//   - unique_id: tracker record identifier
//   - source: feed source name
