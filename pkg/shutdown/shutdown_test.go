package shutdown_test

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/YaganovValera/group-consumer/pkg/logger"
	"github.com/YaganovValera/group-consumer/pkg/shutdown"
)

func TestSignalContext_CancelledBySIGTERM(t *testing.T) {
	ctx, cancel := shutdown.SignalContext(context.Background(), logger.NewNop())
	defer cancel()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled by SIGTERM")
	}
}

func TestGracefulShutdown_LogsFailure(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := logger.FromZap(zap.New(core))

	shutdown.GracefulShutdown("tracer", time.Second, func(context.Context) error {
		return errors.New("flush failed")
	}, log)

	if logs.FilterLevelExact(zapcore.ErrorLevel).Len() != 1 {
		t.Errorf("expected one error entry, got %v", logs.All())
	}
}
