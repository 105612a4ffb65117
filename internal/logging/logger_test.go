package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zapcore.Level
		known    bool
	}{
		{input: "debug", expected: zapcore.DebugLevel, known: true},
		{input: " WARNING ", expected: zapcore.WarnLevel, known: true},
		{input: "", expected: zapcore.InfoLevel, known: true},
		{input: "error", expected: zapcore.ErrorLevel, known: true},
		{input: "verbose", expected: zapcore.InfoLevel, known: false},
	}
	for _, tt := range tests {
		level, known := ParseLevel(tt.input)
		if level != tt.expected || known != tt.known {
			t.Fatalf("ParseLevel(%q) = (%s, %v), expected (%s, %v)", tt.input, level, known, tt.expected, tt.known)
		}
	}
}

func TestNewLoggerHonoursLevel(t *testing.T) {
	logger, err := NewLogger("warn")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer logger.Sync() //nolint:errcheck
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info to be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatalf("expected error to be enabled at warn level")
	}
}
