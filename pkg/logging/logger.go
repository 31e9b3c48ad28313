// Package logging configures zerolog for the client and the dexctl command.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelTrace also logs every rate limit bookkeeping step.
	LevelTrace LogLevel = "trace"

	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// NoColor disables ANSI colors in console output.
	NoColor bool

	// Output is the writer to output logs to (default: os.Stderr).
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

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05", NoColor: cfg.NoColor}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel validates a level name from flags or config files.
func ParseLevel(name string) (LogLevel, error) {
	switch level := LogLevel(strings.ToLower(strings.TrimSpace(name))); level {
	case LevelTrace, LevelDebug, LevelInfo, LevelWarn, LevelError:
		return level, nil
	case "warning":
		return LevelWarn, nil
	default:
		return "", fmt.Errorf("unknown log level %q", name)
	}
}

func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "trace":
		return zerolog.TraceLevel
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

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Component derives a component logger from parent, or from the global logger when parent
// is nil.
func Component(parent *zerolog.Logger, component string) zerolog.Logger {
	if parent == nil {
		return NewLogger(component)
	}
	return parent.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Trace: rate limit headers read, throttle decisions that did not sleep
//
// Debug: prefetch fan-out, backoff pauses, session token refreshes
//
// Info: every outgoing request ("Making GET request to ..."), batch progress
//
// Warn: sleeping on a 429 or a rule, refresh token rejected, falling back to login
//
// Error: failures returned to the caller after the retry budget is spent
//
// Context Fields:
//   - component: mangadex-client, auth, throttle, ratelimit, paginator, batch-fetcher
//   - method, url: request line
//   - status_code: HTTP status code
//   - rule: rate limit rule name
//   - attempt: retry attempt (1-based)
//   - error_class: unauthorized, captcha, rate_limit, server, network
