package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Expected default level to be Info, got %s", cfg.Level)
	}
	if cfg.Pretty {
		t.Error("Expected default pretty to be false")
	}
	if cfg.ErrorOutput != nil {
		t.Error("Expected no error sink by default")
	}
}

// Each case logs one event per level; only events at or above the
// configured level reach the output.
func TestSetup_LevelFiltering(t *testing.T) {
	events := []struct {
		level zerolog.Level
		msg   string
	}{
		{zerolog.DebugLevel, "attempt sent"},
		{zerolog.InfoLevel, "batch appended"},
		{zerolog.WarnLevel, "rate limited"},
		{zerolog.ErrorLevel, "retries exhausted"},
	}

	tests := []struct {
		level LogLevel
		want  []bool
	}{
		{LevelDebug, []bool{true, true, true, true}},
		{LevelInfo, []bool{false, true, true, true}},
		{LevelWarn, []bool{false, false, true, true}},
		{LevelError, []bool{false, false, false, true}},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := Setup(Config{Level: tt.level, Output: buf})

			for _, e := range events {
				logger.WithLevel(e.level).Msg(e.msg)
			}

			output := buf.String()
			for i, e := range events {
				if got := strings.Contains(output, e.msg); got != tt.want[i] {
					t.Errorf("level %s: %q logged = %v, want %v", tt.level, e.msg, got, tt.want[i])
				}
			}
		})
	}
}

func TestSetup_Pretty(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := Setup(Config{Level: LevelInfo, Pretty: true, Output: buf})

	logger.Info().Int("rows", 4).Msg("batch appended")

	output := buf.String()
	if strings.HasPrefix(output, "{") {
		t.Errorf("Expected console output, got JSON %q", output)
	}
	if !strings.Contains(output, "batch appended") || !strings.Contains(output, "rows=") {
		t.Errorf("Expected message and field in console output, got %q", output)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    LogLevel
		expected zerolog.Level
	}{
		{LevelDebug, zerolog.DebugLevel},
		{LevelInfo, zerolog.InfoLevel},
		{LevelWarn, zerolog.WarnLevel},
		{"WARNING", zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"invalid", zerolog.InfoLevel}, // Should default to Info
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			result := parseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Output: buf})

	logger := NewLogger("partitioner")
	logger.Info().Str("granularity", "week").Msg("Range queried")

	output := buf.String()
	if !strings.Contains(output, `"component":"partitioner"`) {
		t.Errorf("Expected output to carry the component, got %q", output)
	}
	if !strings.Contains(output, "Range queried") {
		t.Errorf("Expected output to contain the message, got %q", output)
	}
}

func TestSetup_ErrorOutput(t *testing.T) {
	buf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	logger := Setup(Config{
		Level:       LevelDebug,
		Output:      buf,
		ErrorOutput: errBuf,
	})

	logger.Info().Msg("batch complete")
	logger.Warn().Str("endpoint", "actions").Int("status", 429).Msg("rate limited")
	logger.Error().Msg("retries exhausted")

	if !strings.Contains(buf.String(), "batch complete") {
		t.Errorf("Expected main output to contain info message, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "retries exhausted") {
		t.Errorf("Expected main output to contain error message, got %q", buf.String())
	}

	sink := errBuf.String()
	if strings.Contains(sink, "batch complete") {
		t.Error("Info message should not reach the error sink")
	}
	if !strings.Contains(sink, "rate limited") || !strings.Contains(sink, `"status":429`) {
		t.Errorf("Expected error sink to contain warn event with status, got %q", sink)
	}
	if !strings.Contains(sink, "retries exhausted") {
		t.Errorf("Expected error sink to contain error event, got %q", sink)
	}
}

func TestSetup_NilOutputDefaults(t *testing.T) {
	logger := Setup(Config{Level: LevelError})
	// Must not panic when writing.
	logger.Debug().Msg("discarded")
}
