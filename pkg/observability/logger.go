package observability

import (
	"fmt"
	"log"
	"os"
	"time"
)

// StandardLogger is a logger implementation that uses the standard log package
type StandardLogger struct {
	prefix string
	level  LogLevel
	fields map[string]interface{}
}

// NewStandardLogger creates a new StandardLogger with the given prefix
func NewStandardLogger(prefix string) Logger {
	return &StandardLogger{
		prefix: prefix,
		level:  LogLevelInfo,
	}
}

// NewStandardLoggerWithLevel creates a StandardLogger with an explicit level
func NewStandardLoggerWithLevel(prefix string, level LogLevel) Logger {
	return &StandardLogger{prefix: prefix, level: level}
}

func levelPriority(level LogLevel) int {
	switch level {
	case LogLevelDebug:
		return 0
	case LogLevelInfo:
		return 1
	case LogLevelWarn:
		return 2
	case LogLevelError:
		return 3
	default:
		return 1
	}
}

func (l *StandardLogger) levelEnabled(level LogLevel) bool {
	return levelPriority(level) >= levelPriority(l.level)
}

func (l *StandardLogger) log(level LogLevel, msg string, fields map[string]interface{}) {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	fieldStr := ""
	for k, v := range merged {
		fieldStr += fmt.Sprintf(" %s=%v", k, v)
	}

	log.Printf("[%s] [%s] %s: %s%s", time.Now().Format(time.RFC3339), level, l.prefix, msg, fieldStr)

	if level == "FATAL" {
		os.Exit(1)
	}
}

// Debug logs a debug message
func (l *StandardLogger) Debug(msg string, fields map[string]interface{}) {
	if l.levelEnabled(LogLevelDebug) {
		l.log(LogLevelDebug, msg, fields)
	}
}

// Info logs an info message
func (l *StandardLogger) Info(msg string, fields map[string]interface{}) {
	if l.levelEnabled(LogLevelInfo) {
		l.log(LogLevelInfo, msg, fields)
	}
}

// Warn logs a warning message
func (l *StandardLogger) Warn(msg string, fields map[string]interface{}) {
	if l.levelEnabled(LogLevelWarn) {
		l.log(LogLevelWarn, msg, fields)
	}
}

// Error logs an error message
func (l *StandardLogger) Error(msg string, fields map[string]interface{}) {
	l.log(LogLevelError, msg, fields)
}

// Debugf logs a formatted debug message
func (l *StandardLogger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...), nil)
}

// Infof logs a formatted info message
func (l *StandardLogger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...), nil)
}

// Warnf logs a formatted warning message
func (l *StandardLogger) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...), nil)
}

// Errorf logs a formatted error message
func (l *StandardLogger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...), nil)
}

// WithPrefix returns a new logger with the specified prefix
func (l *StandardLogger) WithPrefix(prefix string) Logger {
	return &StandardLogger{prefix: prefix, level: l.level, fields: l.fields}
}

// With returns a new logger that always includes the given fields
func (l *StandardLogger) With(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &StandardLogger{prefix: l.prefix, level: l.level, fields: merged}
}
