// Package logging wraps zap's SugaredLogger with the small leveled API the
// account layer and the binaries use.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a wrapper for zap.SugaredLogger.
type Logger struct {
	zLogger *zap.SugaredLogger
}

// Config holds the running environment, either "development" or
// "production", an optional file to copy output to, and whether stack traces
// are printed.
type Config struct {
	EnableStacktrace bool   `yaml:"enable_stacktrace,omitempty"`
	Environment      string `yaml:"env"`
	Path             string `yaml:"path,omitempty"`
}

// Validate checks the environment name.
func (c Config) Validate() error {
	_, err := c.level()
	return err
}

func (c Config) level() (zapcore.Level, error) {
	switch {
	case strings.EqualFold("development", c.Environment):
		return zap.DebugLevel, nil
	case strings.EqualFold("production", c.Environment):
		return zap.InfoLevel, nil
	default:
		return 0, fmt.Errorf("logging: environment must be development or production, got %q", c.Environment)
	}
}

// New builds a console logger writing to stderr and, if set, conf.Path.
// Development logs Debug and above; production logs Info and above.
func New(conf Config) (*Logger, error) {
	lvl, err := conf.level()
	if err != nil {
		return nil, err
	}
	outputs := []string{"stderr"}
	if conf.Path != "" {
		outputs = append(outputs, conf.Path)
	}
	zConfig := &zap.Config{
		Level:             zap.NewAtomicLevelAt(lvl),
		Encoding:          "console",
		DisableStacktrace: !conf.EnableStacktrace,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "path",
			MessageKey:     "msg",
			StacktraceKey:  "stack",
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
		},
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := zConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build: %w", err)
	}
	return &Logger{logger.Sugar()}, nil
}

// FromZap wraps an existing zap logger.
func FromZap(l *zap.Logger) *Logger {
	return &Logger{l.Sugar()}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zap.NewNop().Sugar()}
}

// With returns a child logger carrying the given key-value pairs.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{l.zLogger.With(keysAndValues...)}
}

// Debug logs a message that is most useful to debug,
// with some additional context addressed by key-value pairs.
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.zLogger.Debugw(msg, keysAndValues...)
}

// Info logs steady-state progress, including refused proposals.
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.zLogger.Infow(msg, keysAndValues...)
}

// Warn logs a message that indicates potentially harmful situations.
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.zLogger.Warnw(msg, keysAndValues...)
}

// Error logs a failed operation that the process survives.
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.zLogger.Errorw(msg, keysAndValues...)
}

// Sync flushes buffered output.
func (l *Logger) Sync() error {
	return l.zLogger.Sync()
}
