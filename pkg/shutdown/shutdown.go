package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/group-consumer/pkg/logger"
)

// SignalContext возвращает контекст, отменяемый первым SIGINT/SIGTERM.
// Повторный сигнал после отмены обрабатывается по умолчанию (завершает процесс).
func SignalContext(parent context.Context, log *logger.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			log.Info("shutdown: signal received", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
			// context already cancelled
		}
	}()
	return ctx, cancel
}

// GracefulShutdown выполняет shutdown-функцию с таймаутом.
// Используется, например, для остановки трассировщика.
func GracefulShutdown(name string, timeout time.Duration, fn func(ctx context.Context) error, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log.Info("shutdown: stopping " + name)
	if err := fn(ctx); err != nil {
		log.Error("shutdown: error in "+name, zap.Error(err))
	} else {
		log.Info("shutdown: " + name + " stopped cleanly")
	}
}
