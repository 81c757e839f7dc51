package backoff

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// Pacer разрежает итерации цикла, который никогда не сдаётся: poll при
// временных ошибках брокера, перезапуск сессии группы. Цикл остаётся у
// вызывающего: Wait после сбоя, Reset после успеха.
//
// Pacer не потокобезопасен.
type Pacer struct {
	bo    *backoff.ExponentialBackOff
	delay prometheus.Observer
}

// NewPacer строит Pacer для операции op; MaxElapsedTime игнорируется.
func NewPacer(cfg Config, op string) *Pacer {
	cfg.applyDefaults()
	cfg.MaxElapsedTime = 0
	return &Pacer{bo: cfg.exponential(), delay: retryMetrics.Delays.WithLabelValues(op)}
}

// Next возвращает паузу следующего Wait и сдвигает экспоненту.
func (p *Pacer) Next() time.Duration {
	d := p.bo.NextBackOff()
	if d == backoff.Stop {
		d = p.bo.MaxInterval
	}
	return d
}

// Wait спит следующую паузу или до отмены ctx.
func (p *Pacer) Wait(ctx context.Context) error {
	d := p.Next()
	p.delay.Observe(d.Seconds())

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset возвращает паузу к InitialInterval.
func (p *Pacer) Reset() { p.bo.Reset() }
