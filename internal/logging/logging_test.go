package logging

import (
	"context"
	"log/slog"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Levels(t *testing.T) {
	tests := map[string]zapcore.Level{
		"":      zapcore.InfoLevel,
		"debug": zapcore.DebugLevel,
		"WARN":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	}
	for in, want := range tests {
		logger, err := New(in)
		if err != nil {
			t.Fatalf("New(%q): %v", in, err)
		}
		if !logger.Core().Enabled(want) {
			t.Errorf("New(%q): level %s should be enabled", in, want)
		}
		if want > zapcore.DebugLevel && logger.Core().Enabled(want-1) {
			t.Errorf("New(%q): level %s should be disabled", in, want-1)
		}
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	if _, err := New("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestSlog_WritesToZapCore(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := Slog(zap.New(core))

	logger.Info("order placed", "order_id", "o-1", "symbol", "BTC")
	logger.Debug("ignored")

	if !logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be enabled")
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Message != "order placed" {
		t.Errorf("unexpected message %q", e.Message)
	}
	fields := e.ContextMap()
	if fields["order_id"] != "o-1" || fields["symbol"] != "BTC" {
		t.Errorf("unexpected fields %v", fields)
	}
}
