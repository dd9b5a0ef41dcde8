// Package observability defines shared logging and telemetry primitives.
package observability

import (
	"fmt"
	"log"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
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
func (noopLogger) Error(string, ...Field) {}

// StdLogger adapts a standard library logger to the Logger interface. Debug
// output is suppressed unless Verbose is set.
type StdLogger struct {
	Base    *log.Logger
	Verbose bool
}

func (l StdLogger) Debug(msg string, fields ...Field) {
	if l.Verbose {
		l.print("DEBUG", msg, fields)
	}
}

func (l StdLogger) Info(msg string, fields ...Field)  { l.print("INFO", msg, fields) }
func (l StdLogger) Error(msg string, fields ...Field) { l.print("ERROR", msg, fields) }

func (l StdLogger) print(level, msg string, fields []Field) {
	if l.Base == nil {
		return
	}
	args := make([]any, 0, 2+len(fields))
	args = append(args, level, msg)
	for _, f := range fields {
		args = append(args, f.Key+"="+format(f.Value))
	}
	l.Base.Println(args...)
}

func format(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case error:
		return value.Error()
	default:
		return fmt.Sprint(value)
	}
}
