package worker

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"github.com/YaganovValera/group-consumer/internal/metrics"
	"github.com/YaganovValera/group-consumer/pkg/backoff"
	"github.com/YaganovValera/group-consumer/pkg/kafka"
	"github.com/YaganovValera/group-consumer/pkg/logger"
)

// Stream — ленивая бесконечная последовательность записей поверх Poll.
// Пустые опросы и временные ошибки брокера поглощаются; Next возвращает
// ошибку только при отмене ctx или закрытии consumer'а.
type Stream struct {
	c     kafka.Consumer
	pacer *backoff.Pacer
	label string
	log   *logger.Logger
}

// NewStream оборачивает consumer; bo задаёт паузу после ошибок брокера.
func NewStream(c kafka.Consumer, bo backoff.Config, index int, log *logger.Logger) *Stream {
	return &Stream{
		c:     c,
		pacer: backoff.NewPacer(bo, "poll"),
		label: strconv.Itoa(index),
		log:   log,
	}
}

// Next блокирует до следующей записи.
func (s *Stream) Next(ctx context.Context) (*kafka.Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := s.c.Poll(ctx)
		switch {
		case err == nil && rec == nil:
			s.log.Trace("poll: no data")
		case err == nil:
			s.pacer.Reset()
			return rec, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, kafka.ErrClosed), errors.Is(err, kafka.ErrNotSubscribed):
			return nil, err
		case kafka.IsPartitionEOF(err):
			s.log.Debug("partition EOF", zap.Error(err))
		default:
			metrics.PollErrors.WithLabelValues(s.label).Inc()
			s.log.Warn("kafka error", zap.Error(err))
			if werr := s.pacer.Wait(ctx); werr != nil {
				return nil, werr
			}
		}
	}
}
