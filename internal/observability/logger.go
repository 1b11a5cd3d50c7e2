// Package observability defines shared logging and metrics primitives.
package observability

import "log/slog"

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F constructs a logging field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// SlogLogger adapts a *slog.Logger to the Logger interface.
type SlogLogger struct {
	inner *slog.Logger
}

// NewSlogLogger wraps the provided slog logger; a nil argument wraps
// slog.Default().
func NewSlogLogger(inner *slog.Logger) *SlogLogger {
	if inner == nil {
		inner = slog.Default()
	}
	return &SlogLogger{inner: inner}
}

func (l *SlogLogger) Debug(msg string, fields ...Field) { l.inner.Debug(msg, args(fields)...) }
func (l *SlogLogger) Info(msg string, fields ...Field)  { l.inner.Info(msg, args(fields)...) }
func (l *SlogLogger) Warn(msg string, fields ...Field)  { l.inner.Warn(msg, args(fields)...) }
func (l *SlogLogger) Error(msg string, fields ...Field) { l.inner.Error(msg, args(fields)...) }

func args(fields []Field) []any {
	out := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		out = append(out, f.Key, f.Value)
	}
	return out
}
