package log

import (
	"context"
	"fmt"
	"os"
	"sync"
)

var (
	globalMu     sync.RWMutex
	globalLogger Logger
)

// SetDefault installs the process-wide logger returned by Default and Component.
func SetDefault(logger Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

// Default returns the process-wide logger, or a fallback logger before
// SetDefault has been called.
func Default() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger == nil {
		return &fallbackLogger{name: "default"}
	}
	return globalLogger
}

// Component returns a child of the default logger tagged with the component name.
func Component(component string) Logger {
	globalMu.RLock()
	logger := globalLogger
	globalMu.RUnlock()

	if logger == nil {
		return &fallbackLogger{name: component}
	}
	return logger.With(String(FieldComponent, component))
}

// FromContext extracts a logger from the context, or returns the default logger.
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerContextKey).(Logger); ok {
		return logger
	}
	return Default()
}

// ToContext adds a logger to the context.
func ToContext(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

type contextKey string

const loggerContextKey contextKey = "logger"

// Nop returns a logger that discards everything. Useful in tests.
func Nop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...Field) {}
func (nopLogger) Info(string, ...Field) {}
func (nopLogger) Warn(string, ...Field) {}
func (nopLogger) Error(string, ...Field) {}
func (nopLogger) Fatal(string, ...Field) { os.Exit(1) }
func (n nopLogger) With(...Field) Logger { return n }
func (n nopLogger) WithContext(context.Context) Logger { return n }

// fallbackLogger prints plain lines until the zap driver is installed
type fallbackLogger struct {
	name   string
	fields []Field
}

func (l *fallbackLogger) print(level Level, msg string, fields []Field) {
	line := fmt.Sprintf("[%s] %s: %s", level, l.name, msg)
	for _, f := range l.fields {
		line += fmt.Sprintf(" %s=%v", f.Key, f.Value)
	}
	for _, f := range fields {
		line += fmt.Sprintf(" %s=%v", f.Key, f.Value)
	}
	fmt.Fprintln(os.Stderr, line)
}

func (l *fallbackLogger) Debug(msg string, fields ...Field) {
	l.print(DebugLevel, msg, fields)
}

func (l *fallbackLogger) Info(msg string, fields ...Field) {
	l.print(InfoLevel, msg, fields)
}

func (l *fallbackLogger) Warn(msg string, fields ...Field) {
	l.print(WarnLevel, msg, fields)
}

func (l *fallbackLogger) Error(msg string, fields ...Field) {
	l.print(ErrorLevel, msg, fields)
}

func (l *fallbackLogger) Fatal(msg string, fields ...Field) {
	l.print(FatalLevel, msg, fields)
	os.Exit(1)
}

func (l *fallbackLogger) With(fields ...Field) Logger {
	newFields := make([]Field, len(l.fields)+len(fields))
	copy(newFields, l.fields)
	copy(newFields[len(l.fields):], fields)
	return &fallbackLogger{
		name:   l.name,
		fields: newFields,
	}
}

func (l *fallbackLogger) WithContext(ctx context.Context) Logger {
	return l
}
