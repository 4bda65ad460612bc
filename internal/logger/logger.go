// Package logger is a thin zap wrapper. Call sites pass interleaved
// "key", value pairs instead of typed zap fields.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig selects level, encoding, and destination.
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // "json", anything else means console
	Output string // file path, empty or "stdout" for stdout
}

type Logger struct {
	*zap.Logger
}

// New builds a logger from config. An unknown level falls back to info
// rather than failing startup.
func New(cfg LogConfig) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.Format == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.Encoding = "console"
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	if cfg.Output != "" && cfg.Output != "stdout" {
		zcfg.OutputPaths = []string{cfg.Output}
		zcfg.ErrorOutputPaths = []string{cfg.Output}
	}

	zl, err := zcfg.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, err
	}
	return &Logger{zl}, nil
}

// NewNopLogger discards everything. Used in tests.
func NewNopLogger() *Logger {
	return &Logger{zap.NewNop()}
}

// Sync flushes buffered entries.
func (l *Logger) Sync() {
	_ = l.Logger.Sync()
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.Logger.Debug(msg, pairs(kv)...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.Logger.Info(msg, pairs(kv)...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.Logger.Warn(msg, pairs(kv)...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.Logger.Error(msg, pairs(kv)...) }

// pairs converts interleaved key/value arguments to zap fields.
// Non-string keys and a trailing odd value are dropped, not panicked on.
func pairs(kv []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, kv[i+1]))
	}
	return fields
}
