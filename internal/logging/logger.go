package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a zap production logger at the requested level.
func NewLogger(level string) (*zap.Logger, error) {
	atomicLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = atomicLevel
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

// Component returns a named child logger, falling back to a no-op logger.
func Component(logger *zap.Logger, name string) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger.Named(name)
}

func parseLevel(level string) (zap.AtomicLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	case "warning":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel), nil
	}
	parsed, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("logging: unsupported level %q", level)
	}
	return zap.NewAtomicLevelAt(parsed), nil
}
