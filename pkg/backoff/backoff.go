// pkg/backoff/backoff.go
//
// Пакет backoff — экспоненциальные паузы для двух случаев: Execute повторяет
// подключение (Kafka, Redis) до успеха или предела по времени, Pacer
// разрежает итерации бесконечного цикла (poll, сессии группы).
package backoff

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/YaganovValera/group-consumer/pkg/logger"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

// Метки op: kafka_connect, redis_connect, poll, session.
var retryMetrics = struct {
	Retries *prometheus.CounterVec
	GiveUps *prometheus.CounterVec
	Delays  *prometheus.HistogramVec
}{
	Retries: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "group_consumer", Subsystem: "retry", Name: "retries_total",
			Help: "Repeated attempts after a failure, by operation",
		},
		[]string{"op"},
	),
	GiveUps: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "group_consumer", Subsystem: "retry", Name: "give_ups_total",
			Help: "Operations abandoned after MaxElapsedTime or a permanent error",
		},
		[]string{"op"},
	),
	Delays: promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "group_consumer", Subsystem: "retry", Name: "delay_seconds",
			Help:    "Pause before the next attempt",
			Buckets: []float64{.001, .005, .025, .1, .5, 1, 2.5, 5, 15, 30},
		},
		[]string{"op"},
	),
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config — параметры экспоненты. Нулевые поля получают значения по умолчанию:
// 1s, ×2, ±50%, потолок 30s, без ограничения общего времени.
type Config struct {
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"` // 0..1
	Multiplier          float64       `mapstructure:"multiplier"`           // >= 1
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	// MaxElapsedTime ограничивает Execute; Pacer его игнорирует.
	MaxElapsedTime time.Duration `mapstructure:"max_elapsed_time"`
}

func (c *Config) applyDefaults() {
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.RandomizationFactor <= 0 {
		c.RandomizationFactor = 0.5
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
}

// Validate проверяет конфигурацию после подстановки значений по умолчанию.
func (c Config) Validate() error {
	c.applyDefaults()
	switch {
	case c.RandomizationFactor > 1:
		return fmt.Errorf("backoff: randomization_factor must be in [0,1], got %v", c.RandomizationFactor)
	case c.Multiplier < 1:
		return fmt.Errorf("backoff: multiplier must be >= 1, got %v", c.Multiplier)
	case c.MaxInterval < c.InitialInterval:
		return fmt.Errorf("backoff: max_interval %v < initial_interval %v", c.MaxInterval, c.InitialInterval)
	}
	return nil
}

func (c Config) exponential() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.InitialInterval
	bo.RandomizationFactor = c.RandomizationFactor
	bo.Multiplier = c.Multiplier
	bo.MaxInterval = c.MaxInterval
	bo.MaxElapsedTime = c.MaxElapsedTime // 0 — без ограничения
	bo.Reset()
	return bo
}

// -----------------------------------------------------------------------------
// Execute
// -----------------------------------------------------------------------------

// GiveUpError — Execute сдался: вышло MaxElapsedTime, отменён ctx или
// fn вернула Permanent.
type GiveUpError struct {
	Op       string
	Attempts int
	Err      error // последняя ошибка fn
}

func (e *GiveUpError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *GiveUpError) Unwrap() error { return e.Err }

// Permanent помечает ошибку, которую бесполезно повторять (например, ошибку
// конфигурации клиента).
func Permanent(err error) error { return backoff.Permanent(err) }

// Execute вызывает fn, пока та не вернёт nil, с паузами по cfg.
// Каждая неудачная попытка — Warn в log и метрики с меткой op.
func Execute(ctx context.Context, op string, cfg Config, log *logger.Logger, fn func(ctx context.Context) error) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.applyDefaults()

	attempts := 0
	operation := func() error {
		attempts++
		return fn(ctx)
	}
	notify := func(err error, delay time.Duration) {
		retryMetrics.Retries.WithLabelValues(op).Inc()
		retryMetrics.Delays.WithLabelValues(op).Observe(delay.Seconds())
		log.Warn("retrying",
			zap.String("op", op),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(cfg.exponential(), ctx), notify)
	if err == nil {
		return nil
	}
	retryMetrics.GiveUps.WithLabelValues(op).Inc()
	log.Error("giving up", zap.String("op", op), zap.Int("attempts", attempts), zap.Error(err))
	return &GiveUpError{Op: op, Attempts: attempts, Err: err}
}
