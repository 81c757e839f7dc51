// internal/processor/processor.go
package processor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/group-consumer/pkg/kafka"
	"github.com/YaganovValera/group-consumer/pkg/logger"
)

// Processor — единственная бизнес-логика воркера.
// nil — Success, ошибка — Failure(reason). Записи могут прийти повторно
// (at-least-once), поэтому реализация должна быть идемпотентной.
// Один экземпляр может вызываться из нескольких воркеров одновременно.
type Processor interface {
	Process(ctx context.Context, rec *kafka.Record) error
}

// Func позволяет использовать функцию как Processor.
type Func func(ctx context.Context, rec *kafka.Record) error

func (f Func) Process(ctx context.Context, rec *kafka.Record) error { return f(ctx, rec) }

// LogProcessor декодирует запись и пишет её в лог. Delay > 0 имитирует
// медленную обработку: пока запись обрабатывается, воркер не опрашивает брокер.
type LogProcessor struct {
	Delay time.Duration
	log   *logger.Logger
}

// NewLogProcessor создаёт LogProcessor.
func NewLogProcessor(delay time.Duration, log *logger.Logger) *LogProcessor {
	return &LogProcessor{Delay: delay, log: log.Named("processor")}
}

func (p *LogProcessor) Process(ctx context.Context, rec *kafka.Record) error {
	if p.Delay > 0 {
		t := time.NewTimer(p.Delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}

	payload, err := DecodePayload(rec.Value)
	if err != nil {
		p.log.Warn("error deserializing message payload", zap.Error(err),
			zap.String("topic", rec.Topic), zap.Int32("partition", rec.Partition), zap.Int64("offset", rec.Offset))
	}

	p.log.Info("record",
		zap.ByteString("key", rec.Key),
		zap.String("payload", payload),
		zap.String("topic", rec.Topic),
		zap.Int32("partition", rec.Partition),
		zap.Int64("offset", rec.Offset),
	)

	headers, bad := DecodeHeaders(rec.Headers)
	for _, h := range headers {
		p.log.Info("  header", zap.String("name", h.Name), zap.ByteString("value", h.Value))
	}
	for _, herr := range bad {
		p.log.Warn("malformed header skipped", zap.Error(herr),
			zap.String("topic", rec.Topic), zap.Int32("partition", rec.Partition), zap.Int64("offset", rec.Offset))
	}
	return nil
}
