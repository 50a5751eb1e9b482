// Package observability provides unified logging, metrics, and tracing for
// the meshflow engine. It follows a consistent approach to observability
// across all components.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// LogLevel defines log message severity
type LogLevel string

// Log levels
const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

// Logger defines the interface for logging
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	WithPrefix(prefix string) Logger
	With(fields map[string]interface{}) Logger
}

// MetricsClient defines the interface for metrics collection
type MetricsClient interface {
	IncrementCounter(name string, value float64)
	IncrementCounterWithLabels(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
	RecordDuration(name string, duration time.Duration)
	StartTimer(name string, labels map[string]string) func()
	Close() error
}

// Span represents a trace span
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
	SpanContext() trace.SpanContext
}

// StartSpanFunc is a function that creates and starts a new span
type StartSpanFunc func(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span)
