package log

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Logger is the structured logger every component writes through. Child
// loggers created by With carry their fields into every entry.
//
//	logger.Warn("target marked down", String(FieldTarget, "10.0.0.1:8080"), Int(FieldFailures, 3))
//	access := logger.With(String(FieldComponent, "access"))
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	// Fatal logs and exits; reserved for startup failures.
	Fatal(msg string, fields ...Field)

	With(fields ...Field) Logger
	// WithContext adds request scoped fields such as the active trace ID.
	WithContext(ctx context.Context) Logger
}

// Level orders entries by severity; lower is more verbose.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelNames = map[Level]string{
	DebugLevel: "DEBUG",
	InfoLevel:  "INFO",
	WarnLevel:  "WARN",
	ErrorLevel: "ERROR",
	FatalLevel: "FATAL",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLevel converts a configured level name. An empty name means info.
func ParseLevel(s string) (Level, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	switch name {
	case "":
		return InfoLevel, nil
	case "WARNING":
		return WarnLevel, nil
	}
	for level, levelName := range levelNames {
		if levelName == name {
			return level, nil
		}
	}
	return InfoLevel, fmt.Errorf("invalid log level: %s", s)
}

// Field is one structured key/value pair.
type Field struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Time(key string, value time.Time) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// Error stores err under FieldError.
func Error(err error) Field {
	return Field{Key: FieldError, Value: err}
}

func Any(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}
