// Package logging builds the process logger. Records are JSON written by zap;
// the rest of the code logs through log/slog, which is bridged onto the same
// zap core.
package logging

import (
	"fmt"
	"log/slog"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// New returns a production zap logger at the given level ("debug", "info",
// "warn", "error"). An empty level means info.
func New(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if s := strings.TrimSpace(level); s != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// Slog wraps a zap logger in a slog.Logger.
func Slog(logger *zap.Logger) *slog.Logger {
	return slog.New(zapslog.NewHandler(logger.Core()))
}

// Setup builds the logger for level and installs it as the slog default. The
// returned func flushes buffered records.
func Setup(level string) (*zap.Logger, func(), error) {
	logger, err := New(level)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(Slog(logger))
	return logger, func() { _ = logger.Sync() }, nil
}
