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

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// Forward receives every record in JSON form in addition to Output, for
	// example the chat log writer. A zerolog.LevelWriter gets the level.
	Forward []io.Writer

	// Service is added to every record when set.
	Service string
}

// DefaultConfig returns a default logger configuration. Debug is the default
// level so a fresh deployment shows the full request flow.
func DefaultConfig() Config {
	return Config{
		Level:  LevelDebug,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(string(cfg.Level)))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	var output io.Writer = out
	if len(cfg.Forward) > 0 {
		writers := append([]io.Writer{out}, cfg.Forward...)
		output = zerolog.MultiLevelWriter(writers...)
	}

	ctx := zerolog.New(output).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	logger := ctx.Logger()

	log.Logger = logger
	return logger
}

// ParseLevel converts a level name to zerolog.Level. Unknown names map to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Log Level Guidelines:
//
// Debug: request flow and internal state
//   - Limiter configuration, each executed request, retry backoff
//   - Pages fetched, devices patched
//
// Info: normal operation events
//   - Run start and finish, tasks due, workflow results
//   - Session refresh, shadow mode notices
//
// Warn: degraded but continuing
//   - Classified request errors before retry
//   - Retry exhaustion, bulk group deadline, discarded stragglers
//   - Failed chat notifications
//
// Error: terminal failures
//   - Requests failed after retries
//   - Authentication failures
//   - Run failures in the scheduler loop
//
// Context Fields:
//   - component: package emitting the record (dispatch, mips, bulk, workflow, ...)
//   - client: destination name of the dispatch client
//   - method, url, status: request details (url is redacted)
//   - error_class: success, client, server, unexpected_status, transport
//   - attempt, attempts, backoff, elapsed: retry details
//   - run_id: identifier of one ExecuteTasks call
//   - device_id: MIPS device id
