// pkg/logger/logger_test.go
package logger_test

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/YaganovValera/group-consumer/pkg/logger"
)

func TestNew_InvalidLevel(t *testing.T) {
	_, err := logger.New(logger.Config{Level: "invalid", DevMode: false})
	if err == nil {
		t.Error("expected error for invalid level, got nil")
	}
}

func TestNew_ValidLevels(t *testing.T) {
	levels := []string{"trace", "debug", "info", "warn", "error", "TRACE"}
	for _, lvl := range levels {
		_, err := logger.New(logger.Config{Level: lvl, DevMode: true})
		if err != nil {
			t.Errorf("expected no error for level %s, got %v", lvl, err)
		}
	}
}

func TestLevelFromVerbosity(t *testing.T) {
	cases := map[int]string{-1: "info", 0: "info", 1: "debug", 2: "trace", 5: "trace"}
	for v, want := range cases {
		if got := logger.LevelFromVerbosity(v); got != want {
			t.Errorf("LevelFromVerbosity(%d) = %q; want %q", v, got, want)
		}
	}
}

func TestTrace_OnlyWhenEnabled(t *testing.T) {
	core, logs := observer.New(logger.TraceLevel)
	l := logger.FromZap(zap.New(core))
	l.Trace("deep")
	l.Debug("dbg")
	if logs.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", logs.Len())
	}
	if logs.All()[0].Level != logger.TraceLevel {
		t.Errorf("first entry level = %v; want trace", logs.All()[0].Level)
	}

	core, logs = observer.New(zapcore.DebugLevel)
	l = logger.FromZap(zap.New(core))
	l.Trace("hidden")
	if logs.Len() != 0 {
		t.Errorf("trace must be filtered at debug level, got %d entries", logs.Len())
	}
	if l.Enabled(logger.TraceLevel) {
		t.Error("Enabled(trace) = true at debug level")
	}
}

func TestWithContext_TraceAndRequestID(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	raw := logger.FromZap(zap.New(core))
	ctx := context.Background()
	ctx = logger.ContextWithTraceID(ctx, "trace-123")
	ctx = logger.ContextWithRequestID(ctx, "req-456")
	raw.WithContext(ctx).Info("test message")

	fields := logs.All()[0].ContextMap()
	if fields["trace_id"] != "trace-123" || fields["request_id"] != "req-456" {
		t.Errorf("unexpected context fields: %v", fields)
	}
}

func TestSync_NoPanic(t *testing.T) {
	l, _ := logger.New(logger.Config{Level: "info", DevMode: true})
	l.Sync()
}
