package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger provides structured key/value logging on top of zap
type Logger struct {
	prefix string
	sugar  *zap.SugaredLogger
}

// NewLogger creates a new info-level logger with prefix
func NewLogger(prefix string) *Logger {
	logger, err := NewLoggerWithLevel(prefix, "info")
	if err != nil {
		// "info" always parses
		panic(err)
	}
	return logger
}

// NewLoggerWithLevel creates a logger with prefix at the given level
// (debug, info, warn, error).
func NewLoggerWithLevel(prefix, level string) (*Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	base, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return NewFromZap(base.Named(prefix), prefix), nil
}

// NewFromZap wraps an existing zap logger
func NewFromZap(base *zap.Logger, prefix string) *Logger {
	return &Logger{prefix: prefix, sugar: base.Sugar()}
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	return NewFromZap(zap.NewNop(), "nop")
}

// With returns a child logger that always carries the given key-value pairs
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{prefix: l.prefix, sugar: l.sugar.With(keysAndValues...)}
}

// Debug logs debug message with key-value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

// Info logs informational message with key-value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, keysAndValues...)
}

// Warn logs warning message
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}

// Error logs error message
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}

// Sync flushes buffered log entries
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}
