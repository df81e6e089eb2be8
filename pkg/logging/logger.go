package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Logger *zap.Logger = zap.NewNop()

// InitLogger initializes the structured logger.
// Error entries are written to stderr, everything below error to stdout.
func InitLogger(level string, format string) error {
	var encoderConfig zapcore.EncoderConfig
	if format == "json" {
		encoderConfig = zap.NewProductionEncoderConfig()
	} else {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	minLevel := ParseLevel(level)

	stdoutLevels := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= minLevel && l < zapcore.ErrorLevel
	})
	stderrLevels := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= minLevel && l >= zapcore.ErrorLevel
	})

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), stdoutLevels),
		zapcore.NewCore(encoder.Clone(), zapcore.Lock(os.Stderr), stderrLevels),
	)

	Logger = zap.New(core)
	return nil
}

// ParseLevel maps a level name to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Success logs a completed step at info level with a success status marker
func Success(msg string, fields ...zap.Field) {
	SuccessTo(Logger, msg, fields...)
}

// SuccessTo is Success on a derived logger
func SuccessTo(l *zap.Logger, msg string, fields ...zap.Field) {
	l.Info(msg, append(fields, zap.String("status", "success"))...)
}

// WithRun returns l annotated with the run identifier. A nil l uses the global logger.
func WithRun(l *zap.Logger, runID string) *zap.Logger {
	if l == nil {
		l = Logger
	}
	return l.With(zap.String("run_id", runID))
}
