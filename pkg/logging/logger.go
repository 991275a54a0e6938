// Package logging provides structured logging configuration using zerolog.
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

	// ErrorOutput, when set, additionally receives every event at
	// ErrorSinkLevel or above as JSON, regardless of Pretty.
	ErrorOutput io.Writer
}

// ErrorSinkLevel is the lowest level copied to Config.ErrorOutput.
// Retry and rate-limit events are logged at warn.
const ErrorSinkLevel = zerolog.WarnLevel

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
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	var output io.Writer = cfg.Output
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: cfg.Output}
	}

	if cfg.ErrorOutput != nil {
		output = zerolog.MultiLevelWriter(
			zerolog.LevelWriterAdapter{Writer: output},
			&zerolog.FilteredLevelWriter{
				Writer: zerolog.LevelWriterAdapter{Writer: cfg.ErrorOutput},
				Level:  ErrorSinkLevel,
			},
		)
	}

	logger := zerolog.New(output).With().Timestamp().Logger()

	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
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

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Individual request attempts (credential group, status)
//   - Range cache hits and misses
//   - Credential borrow/return
//
// Info: Normal operation events
//   - Range results per granularity level
//   - Batch start/completion and rows appended
//   - Run start/finish summaries
//
// Warn: Warning conditions that don't prevent operation
//   - Rate-limited attempts and backoff rounds
//   - HTTP and transport errors on a single attempt
//   - Ranges accepted at the finest granularity while still at the cap
//   - Low remaining quota on a credential group
//
// Error: Error conditions requiring attention
//   - Endpoint fetches that exhausted all retry rounds
//   - Records whose fan-out failed unrecoverably
//   - Checkpoint append failures
//   - Configuration errors
//
// Context Fields:
//   - run_id: Identifier of one pipeline or partitioner run
//   - congress, bill_type, bill_number, row_index: Bill identity
//   - endpoint: Endpoint name (sponsors, actions, ...)
//   - group: Credential group
//   - status: HTTP status code (-1 for transport errors)
//   - round: Retry round (1-based)
//   - granularity, range_start, range_end, count: Partitioner fields
//   - batch, batches, rows: Pipeline progress fields
