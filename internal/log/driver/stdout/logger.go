package stdout

import (
	"context"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/songzhibin97/edgegate/pkg/log"
)

// StdoutLogger writes JSON entries through zap. Child loggers share the
// level, so SetLevel on any of them applies to all.
type StdoutLogger struct {
	zap   *zap.Logger
	level zap.AtomicLevel
}

// Config represents the configuration options for StdoutLogger.
type Config struct {
	Level log.Level `json:"level"`

	// TimeFormat is a Go layout; RFC3339 when empty
	TimeFormat string `json:"time_format,omitempty"`

	EnableCaller bool `json:"enable_caller"`

	// EnableStacktrace attaches stacks to error and fatal entries
	EnableStacktrace bool `json:"enable_stacktrace"`

	Development bool `json:"development"`

	// Output receives the encoded entries; os.Stdout when nil
	Output io.Writer `json:"-"`
}

// DefaultConfig returns info level RFC3339 output with stack traces.
func DefaultConfig() *Config {
	return &Config{
		Level:            log.InfoLevel,
		TimeFormat:       time.RFC3339,
		EnableStacktrace: true,
	}
}

// New builds the zap core described by config.
func New(config *Config) (*StdoutLogger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	timeFormat := config.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        log.FieldTimestamp,
		LevelKey:       log.FieldLevel,
		NameKey:        "logger",
		CallerKey:      log.FieldCaller,
		MessageKey:     log.FieldMessage,
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     timeEncoder(timeFormat),
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	out := config.Output
	if out == nil {
		out = os.Stdout
	}

	level := zap.NewAtomicLevelAt(zapLevel(config.Level))
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(out), level)

	var options []zap.Option
	if config.EnableCaller {
		options = append(options, zap.AddCaller(), zap.AddCallerSkip(1))
	}
	if config.EnableStacktrace {
		options = append(options, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if config.Development {
		options = append(options, zap.Development())
	}

	return &StdoutLogger{zap: zap.New(core, options...), level: level}, nil
}

func (l *StdoutLogger) Debug(msg string, fields ...log.Field) {
	l.zap.Debug(msg, zapFields(fields)...)
}

func (l *StdoutLogger) Info(msg string, fields ...log.Field) {
	l.zap.Info(msg, zapFields(fields)...)
}

func (l *StdoutLogger) Warn(msg string, fields ...log.Field) {
	l.zap.Warn(msg, zapFields(fields)...)
}

func (l *StdoutLogger) Error(msg string, fields ...log.Field) {
	l.zap.Error(msg, zapFields(fields)...)
}

// Fatal logs at fatal level; zap exits the process afterwards.
func (l *StdoutLogger) Fatal(msg string, fields ...log.Field) {
	l.zap.Fatal(msg, zapFields(fields)...)
}

// With encodes fields once into a child logger.
func (l *StdoutLogger) With(fields ...log.Field) log.Logger {
	return &StdoutLogger{zap: l.zap.With(zapFields(fields)...), level: l.level}
}

// WithContext attaches the trace ID of the active span, if any.
func (l *StdoutLogger) WithContext(ctx context.Context) log.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.HasTraceID() {
		return l
	}
	return l.With(log.String(log.FieldTraceID, spanCtx.TraceID().String()))
}

// SetLevel changes the minimum level at runtime.
func (l *StdoutLogger) SetLevel(level log.Level) {
	l.level.SetLevel(zapLevel(level))
}

// Sync flushes any buffered entries.
func (l *StdoutLogger) Sync() error {
	return l.zap.Sync()
}

func zapLevel(level log.Level) zapcore.Level {
	switch level {
	case log.DebugLevel:
		return zapcore.DebugLevel
	case log.WarnLevel:
		return zapcore.WarnLevel
	case log.ErrorLevel:
		return zapcore.ErrorLevel
	case log.FatalLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func zapFields(fields []log.Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, len(fields))
	for i, field := range fields {
		out[i] = zapField(field)
	}
	return out
}

func zapField(field log.Field) zap.Field {
	switch v := field.Value.(type) {
	case string:
		return zap.String(field.Key, v)
	case int:
		return zap.Int(field.Key, v)
	case int64:
		return zap.Int64(field.Key, v)
	case uint64:
		return zap.Uint64(field.Key, v)
	case float64:
		return zap.Float64(field.Key, v)
	case bool:
		return zap.Bool(field.Key, v)
	case time.Time:
		return zap.Time(field.Key, v)
	case time.Duration:
		return zap.Duration(field.Key, v)
	case error:
		return zap.NamedError(field.Key, v)
	default:
		return zap.Any(field.Key, v)
	}
}

func timeEncoder(layout string) zapcore.TimeEncoder {
	switch layout {
	case time.RFC3339:
		return zapcore.RFC3339TimeEncoder
	case time.RFC3339Nano:
		return zapcore.RFC3339NanoTimeEncoder
	default:
		return zapcore.TimeEncoderOfLayout(layout)
	}
}
