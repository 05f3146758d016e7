package stdout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/songzhibin97/edgegate/pkg/log"
)

func newTestLogger(t *testing.T, level log.Level) (*StdoutLogger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	cfg := DefaultConfig()
	cfg.Level = level
	cfg.EnableStacktrace = false
	cfg.Output = buf
	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger, buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("Invalid JSON log line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "default config", config: nil},
		{name: "custom config", config: DefaultConfig()},
		{
			name: "development config",
			config: &Config{
				Level:            log.DebugLevel,
				TimeFormat:       time.RFC3339Nano,
				EnableCaller:     true,
				EnableStacktrace: true,
				Development:      true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.config)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
		})
	}
}

func TestStdoutLogger_LogLevels(t *testing.T) {
	logger, buf := newTestLogger(t, log.DebugLevel)

	tests := []struct {
		name    string
		logFunc func(string, ...log.Field)
		level   string
	}{
		{name: "debug level", logFunc: logger.Debug, level: "debug"},
		{name: "info level", logFunc: logger.Info, level: "info"},
		{name: "warn level", logFunc: logger.Warn, level: "warn"},
		{name: "error level", logFunc: logger.Error, level: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.logFunc("message", log.String("key", "value"))

			entries := decodeLines(t, buf)
			if len(entries) != 1 {
				t.Fatalf("Expected 1 entry, got %d", len(entries))
			}
			if entries[0][log.FieldLevel] != tt.level {
				t.Errorf("Expected level %s, got %v", tt.level, entries[0][log.FieldLevel])
			}
			if entries[0][log.FieldMessage] != "message" {
				t.Errorf("Expected message field, got %v", entries[0][log.FieldMessage])
			}
			if entries[0]["key"] != "value" {
				t.Errorf("Expected key=value, got %v", entries[0]["key"])
			}
		})
	}
}

func TestStdoutLogger_LevelFiltering(t *testing.T) {
	logger, buf := newTestLogger(t, log.WarnLevel)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")

	entries := decodeLines(t, buf)
	if len(entries) != 1 {
		t.Fatalf("Expected only the warn entry, got %d entries", len(entries))
	}
	if entries[0][log.FieldMessage] != "shown" {
		t.Errorf("Unexpected entry: %v", entries[0])
	}
}

func TestStdoutLogger_With(t *testing.T) {
	logger, buf := newTestLogger(t, log.InfoLevel)

	child := logger.With(log.String(log.FieldUpstream, "backend_api"))
	child.Info("selected", log.String(log.FieldTarget, "127.0.0.1:8080"))
	logger.Info("parent")

	entries := decodeLines(t, buf)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0][log.FieldUpstream] != "backend_api" || entries[0][log.FieldTarget] != "127.0.0.1:8080" {
		t.Errorf("Child entry missing fields: %v", entries[0])
	}
	if _, ok := entries[1][log.FieldUpstream]; ok {
		t.Errorf("Parent logger must not inherit child fields: %v", entries[1])
	}
}

func TestStdoutLogger_FieldTypes(t *testing.T) {
	logger, buf := newTestLogger(t, log.InfoLevel)

	logger.Info("types",
		log.Int("int", 3),
		log.Int64("int64", 4),
		log.Float64("float", 1.5),
		log.Bool("bool", true),
		log.Duration("duration", 2*time.Second),
		log.Error(errors.New("boom")),
	)

	entries := decodeLines(t, buf)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry["int"] != float64(3) || entry["int64"] != float64(4) || entry["float"] != 1.5 {
		t.Errorf("Numeric fields not encoded: %v", entry)
	}
	if entry["bool"] != true {
		t.Errorf("Bool field not encoded: %v", entry)
	}
	if entry["duration"] != float64(2) {
		t.Errorf("Duration should be encoded in seconds, got %v", entry["duration"])
	}
	if entry[log.FieldError] != "boom" {
		t.Errorf("Error field not encoded: %v", entry)
	}
}

func TestStdoutLogger_WithContextNoSpan(t *testing.T) {
	logger, buf := newTestLogger(t, log.InfoLevel)

	logger.WithContext(context.Background()).Info("no span")

	entries := decodeLines(t, buf)
	if _, ok := entries[0][log.FieldTraceID]; ok {
		t.Errorf("trace_id must be absent without an active span: %v", entries[0])
	}
}

func TestStdoutLogger_SetLevel(t *testing.T) {
	logger, buf := newTestLogger(t, log.InfoLevel)
	child := logger.With(log.String(log.FieldComponent, "proxy"))

	child.Debug("hidden")
	logger.SetLevel(log.DebugLevel)
	child.Debug("shown")

	entries := decodeLines(t, buf)
	if len(entries) != 1 || entries[0][log.FieldMessage] != "shown" {
		t.Fatalf("Level change should reach child loggers, got %v", entries)
	}
	if entries[0][log.FieldComponent] != "proxy" {
		t.Errorf("Child fields missing: %v", entries[0])
	}
}

func TestStdoutLogger_CustomTimeFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := New(&Config{Level: log.InfoLevel, TimeFormat: "2006-01-02", Output: buf})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("dated")

	entries := decodeLines(t, buf)
	if _, err := time.Parse("2006-01-02", entries[0][log.FieldTimestamp].(string)); err != nil {
		t.Errorf("Timestamp not in custom layout: %v", entries[0][log.FieldTimestamp])
	}
}
