package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the structured logger used by every component. Level is one of
// debug, info, warn or error; unknown values fall back to info.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// WithOperation tags the logger with the operation name and, when known, the
// submission the log lines belong to.
func WithOperation(logger *zap.Logger, operation, submissionID string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if submissionID != "" {
		fields = append(fields, zap.String("submission_id", submissionID))
	}
	return logger.With(fields...)
}
