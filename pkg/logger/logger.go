// Package logger wraps zap behind a package-level singleton so call sites
// never import zap's config machinery, and defines the gateway's shared
// correlation fields: every ceremony step, daemon call, and relay event
// logs through the same session_id/author/event_id keys so one session's
// trail can be stitched together across components.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the global logger instance used throughout the application
var Log *zap.Logger

// encoderConfig returns the shared field layout; only the level rendering
// differs between console and JSON output.
func encoderConfig(production bool) zapcore.EncoderConfig {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if !production {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncodeDuration = zapcore.StringDurationEncoder
	}
	return cfg
}

// Init initializes the global logger based on the environment:
// "production" emits Info-level JSON, anything else pretty Debug-level
// console output.
func Init(environment string) error {
	production := environment == "production"

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zap.DebugLevel),
		Encoding:         "console",
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig:    encoderConfig(production),
	}
	if production {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		cfg.Encoding = "json"
	}

	logger, err := cfg.Build()
	if err != nil {
		return err
	}

	Log = logger
	return nil
}

// Sync flushes any buffered log entries
// Should be called before application exits (typically with defer)
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}

// Info logs an informational message
func Info(msg string, fields ...zap.Field) {
	Log.Info(msg, fields...)
}

// Debug logs a debug message (only visible in development mode)
func Debug(msg string, fields ...zap.Field) {
	Log.Debug(msg, fields...)
}

// Warn logs a warning message
func Warn(msg string, fields ...zap.Field) {
	Log.Warn(msg, fields...)
}

// Error logs an error message
func Error(msg string, fields ...zap.Field) {
	Log.Error(msg, fields...)
}

// Fatal logs a fatal message and exits the application
func Fatal(msg string, fields ...zap.Field) {
	Log.Fatal(msg, fields...)
}

// With creates a child logger with additional fields
// Useful for adding context that applies to multiple log statements
func With(fields ...zap.Field) *zap.Logger {
	return Log.With(fields...)
}

// Correlation fields. One session's trail spans the dispatcher, the
// ceremony workers, the Lightning watcher, and the relay publisher; these
// keep the key names identical everywhere so the trail greps cleanly.

// Session tags a log line with the signing session it belongs to.
func Session(sessionID string) zap.Field { return zap.String("session_id", sessionID) }

// Author tags a log line with the event author / session owner pubkey.
func Author(pubkey string) zap.Field { return zap.String("author", pubkey) }

// EventID tags a log line with a relay event id.
func EventID(id string) zap.Field { return zap.String("event_id", id) }

// Action tags a log line with an intent's action_id.
func Action(actionID string) zap.Field { return zap.String("action_id", actionID) }

// Txid tags a log line with a transaction id.
func Txid(txid string) zap.Field { return zap.String("txid", txid) }

// ForSession returns a child logger pre-tagged with the session id, for
// code paths that log the same session repeatedly.
func ForSession(sessionID string) *zap.Logger {
	return Log.With(Session(sessionID))
}

// GetEnv returns the environment from ENV variable, defaults to "development"
func GetEnv() string {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}
	return env
}
