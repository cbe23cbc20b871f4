package logger

import (
	"fmt"
	"strings"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is re-exported from eigensdk-go so packages in this module only import one logging package.
type Logger = sdklogging.Logger

// NoOpLogger discards everything. Used where a logger is optional.
type NoOpLogger struct{}

func (l *NoOpLogger) Info(msg string, keysAndValues ...interface{})  {}
func (l *NoOpLogger) Infof(format string, args ...interface{})       {}
func (l *NoOpLogger) Debug(msg string, keysAndValues ...interface{}) {}
func (l *NoOpLogger) Debugf(format string, args ...interface{})      {}
func (l *NoOpLogger) Error(msg string, keysAndValues ...interface{}) {}
func (l *NoOpLogger) Errorf(format string, args ...interface{})      {}
func (l *NoOpLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (l *NoOpLogger) Warnf(format string, args ...interface{})       {}
func (l *NoOpLogger) Fatal(msg string, keysAndValues ...interface{}) {}
func (l *NoOpLogger) Fatalf(format string, args ...interface{})      {}
func (l *NoOpLogger) With(keysAndValues ...interface{}) Logger       { return l }

func NewNoOpLogger() Logger {
	return &NoOpLogger{}
}

// EnsureLogger returns the logger if not nil, otherwise a no-op logger.
func EnsureLogger(logger Logger) Logger {
	if logger == nil {
		return NewNoOpLogger()
	}
	return logger
}

// New builds the zap backed logger for an environment name and a minimum
// level (debug, info, warn or error; empty keeps the environment default).
// Anything other than "production" gets the development encoder.
func New(environment, level string) (Logger, error) {
	config, err := zapConfig(environment, level)
	if err != nil {
		return nil, err
	}

	l, err := sdklogging.NewZapLoggerByConfig(config, zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("cannot create %s logger: %w", environment, err)
	}
	return l, nil
}

func zapConfig(environment, level string) (zap.Config, error) {
	config := zap.NewDevelopmentConfig()
	if environment == string(sdklogging.Production) {
		config = zap.NewProductionConfig()
	}

	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return config, nil
	}
	if level == "warning" {
		level = "warn"
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return config, fmt.Errorf("unknown log level %q", level)
	}
	config.Level = zap.NewAtomicLevelAt(lvl)
	return config, nil
}

// Component tags every line of the returned logger with the component name.
func Component(l Logger, name string) Logger {
	return EnsureLogger(l).With("component", name)
}
