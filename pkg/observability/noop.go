package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NewNoopLogger returns a logger that discards everything. Used in tests and
// as the default when no logger is configured.
func NewNoopLogger() Logger { return &noopLogger{} }

type noopLogger struct{}

func (noopLogger) Debug(string, map[string]interface{}) {}
func (noopLogger) Info(string, map[string]interface{})  {}
func (noopLogger) Warn(string, map[string]interface{})  {}
func (noopLogger) Error(string, map[string]interface{}) {}
func (noopLogger) Debugf(string, ...interface{})        {}
func (noopLogger) Infof(string, ...interface{})         {}
func (noopLogger) Warnf(string, ...interface{})         {}
func (noopLogger) Errorf(string, ...interface{})        {}
func (n noopLogger) WithPrefix(string) Logger           { return n }
func (n noopLogger) With(map[string]interface{}) Logger { return n }

// NewNoopMetricsClient returns a metrics client that records nothing.
func NewNoopMetricsClient() MetricsClient { return &noopMetrics{} }

type noopMetrics struct{}

func (noopMetrics) IncrementCounter(string, float64)                              {}
func (noopMetrics) IncrementCounterWithLabels(string, float64, map[string]string) {}
func (noopMetrics) RecordGauge(string, float64, map[string]string)                {}
func (noopMetrics) RecordHistogram(string, float64, map[string]string)            {}
func (noopMetrics) RecordDuration(string, time.Duration)                          {}
func (noopMetrics) StartTimer(string, map[string]string) func()                   { return func() {} }
func (noopMetrics) Close() error                                                  { return nil }

// NoopStartSpan is a StartSpanFunc that produces inert spans.
func NoopStartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End()                             {}
func (noopSpan) SetAttribute(string, interface{}) {}
func (noopSpan) RecordError(error)                {}
func (noopSpan) SpanContext() trace.SpanContext   { return trace.SpanContext{} }
