// internal/processor/dedup.go
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/group-consumer/internal/metrics"
	"github.com/YaganovValera/group-consumer/pkg/backoff"
	"github.com/YaganovValera/group-consumer/pkg/kafka"
	"github.com/YaganovValera/group-consumer/pkg/logger"
)

var tracer = otel.Tracer("processor-dedup")

// SeenStore помнит, какие записи уже обработаны.
type SeenStore interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
	Close() error
}

// Dedup пропускает записи, уже обработанные любым участником группы, —
// страховка от повторной доставки после неудачного коммита или ребаланса.
// Ошибки хранилища не блокируют обработку: лучше дубль, чем потеря.
type Dedup struct {
	next    Processor
	store   SeenStore
	groupID string
	log     *logger.Logger
}

// NewDedup оборачивает next.
func NewDedup(next Processor, store SeenStore, groupID string, log *logger.Logger) *Dedup {
	return &Dedup{next: next, store: store, groupID: groupID, log: log.Named("dedup")}
}

// Key — ключ записи в хранилище.
func (d *Dedup) Key(rec *kafka.Record) string {
	return fmt.Sprintf("consumed:%s:%s:%d:%d", d.groupID, rec.Topic, rec.Partition, rec.Offset)
}

func (d *Dedup) Process(ctx context.Context, rec *kafka.Record) error {
	key := d.Key(rec)
	seen, err := d.store.Seen(ctx, key)
	if err != nil {
		metrics.DedupErrors.Inc()
		d.log.Warn("dedup lookup failed, processing anyway", zap.String("key", key), zap.Error(err))
	}
	if seen {
		metrics.DedupSkipped.Inc()
		d.log.Debug("duplicate record skipped", zap.String("key", key))
		return nil
	}

	if err := d.next.Process(ctx, rec); err != nil {
		return err
	}

	if err := d.store.Mark(ctx, key); err != nil {
		metrics.DedupErrors.Inc()
		d.log.Warn("dedup mark failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Redis store
// -----------------------------------------------------------------------------

// RedisConfig хранит параметры подключения к Redis.
type RedisConfig struct {
	URL     string        // e.g. "redis://host:6379/0"
	TTL     time.Duration // default: 24h
	Backoff backoff.Config
}

func (c *RedisConfig) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
}

func (c *RedisConfig) validate() error {
	if c.URL == "" {
		return fmt.Errorf("redis: URL required")
	}
	return nil
}

type redisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore соединяется с Redis (ping с ретраями).
func NewRedisStore(ctx context.Context, cfg RedisConfig, log *logger.Logger) (SeenStore, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("redis")

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse URL: %w", err)
	}
	client := redis.NewClient(opts)

	op := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	ctxConn, span := tracer.Start(ctx, "Connect", trace.WithAttributes(attribute.String("addr", opts.Addr)))
	if err := backoff.Execute(ctxConn, "redis_connect", cfg.Backoff, log, op); err != nil {
		span.RecordError(err)
		span.End()
		_ = client.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	span.End()
	log.Info("redis: connected", zap.String("addr", opts.Addr))

	return &redisStore{client: client, ttl: cfg.TTL}, nil
}

func (r *redisStore) Seen(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *redisStore) Mark(ctx context.Context, key string) error {
	return r.client.Set(ctx, key, 1, r.ttl).Err()
}

func (r *redisStore) Close() error { return r.client.Close() }
