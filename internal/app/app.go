// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/group-consumer/internal/config"
	"github.com/YaganovValera/group-consumer/internal/metrics"
	"github.com/YaganovValera/group-consumer/internal/processor"
	"github.com/YaganovValera/group-consumer/internal/worker"
	"github.com/YaganovValera/group-consumer/pkg/httpserver"
	"github.com/YaganovValera/group-consumer/pkg/kafka"
	"github.com/YaganovValera/group-consumer/pkg/kafka/consumer"
	"github.com/YaganovValera/group-consumer/pkg/logger"
	"github.com/YaganovValera/group-consumer/pkg/shutdown"
	"github.com/YaganovValera/group-consumer/pkg/telemetry"
)

// Run wires up the consumer group and blocks until ctx is cancelled or every
// worker has terminated. A non-nil error means at least one worker failed.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	return run(ctx, cfg, nil, log)
}

// run принимает client для тестов; nil — Sarama.
func run(ctx context.Context, cfg *config.Config, client kafka.Client, log *logger.Logger) error {
	// -------------------------------------------------------------------------
	// 0) Сквозной service-label и id экземпляра
	// -------------------------------------------------------------------------
	consumer.SetServiceLabel(cfg.ServiceName)
	instanceID := uuid.NewString()[:8]
	log = log.With(zap.String("instance", instanceID))

	// -------------------------------------------------------------------------
	// 1) Prometheus-метрики
	// -------------------------------------------------------------------------
	metrics.Register(nil)

	// -------------------------------------------------------------------------
	// 2) OpenTelemetry
	// -------------------------------------------------------------------------
	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Config{
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		InstanceID:     instanceID,
		Insecure:       cfg.Telemetry.Insecure,
		GroupID:        cfg.Kafka.GroupID,
		Topics:         cfg.Kafka.Topics,
		Workers:        cfg.Worker.Count,
	}, log)
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	defer shutdown.GracefulShutdown("tracer", 5*time.Second, shutdownTracer, log)

	// -------------------------------------------------------------------------
	// 3) Processor (+ Redis dedup)
	// -------------------------------------------------------------------------
	var proc processor.Processor = processor.NewLogProcessor(cfg.Processor.Delay, log)
	if cfg.Dedup.Enabled {
		store, err := processor.NewRedisStore(ctx, processor.RedisConfig{
			URL:     cfg.Dedup.RedisURL,
			TTL:     cfg.Dedup.TTL,
			Backoff: cfg.Dedup.Backoff,
		}, log)
		if err != nil {
			return fmt.Errorf("redis init: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Error("redis close", zap.Error(err))
			}
		}()
		proc = processor.NewDedup(proc, store, cfg.Kafka.GroupID, log)
	}

	// -------------------------------------------------------------------------
	// 4) Kafka client & worker pool
	// -------------------------------------------------------------------------
	if client == nil {
		var opts []consumer.Option
		if cfg.Kafka.ConnectRetry {
			opts = append(opts, consumer.WithConnectRetry(cfg.Kafka.Backoff))
		}
		client = consumer.NewClient(log, opts...)
	}

	wcfg, err := workerConfig(cfg, instanceID)
	if err != nil {
		return err
	}
	pool, err := worker.NewPool(wcfg, client, worker.Shared(proc), log)
	if err != nil {
		return fmt.Errorf("worker pool init: %w", err)
	}

	// -------------------------------------------------------------------------
	// 5) HTTP-server
	// -------------------------------------------------------------------------
	var httpSrv *httpserver.Server
	if cfg.HTTP.Enabled {
		httpSrv, err = httpserver.New(
			httpserver.Config{
				Addr:            fmt.Sprintf(":%d", cfg.HTTP.Port),
				ReadTimeout:     cfg.HTTP.ReadTimeout,
				WriteTimeout:    cfg.HTTP.WriteTimeout,
				IdleTimeout:     cfg.HTTP.IdleTimeout,
				ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
				MetricsPath:     cfg.HTTP.MetricsPath,
				HealthzPath:     cfg.HTTP.HealthzPath,
				ReadyzPath:      cfg.HTTP.ReadyzPath,
			},
			pool.Ready,
			log,
		)
		if err != nil {
			return fmt.Errorf("http server init: %w", err)
		}
	}

	log.Info("group-consumer: components initialized, entering run-loop",
		zap.String("group", cfg.Kafka.GroupID),
		zap.Strings("topics", cfg.Kafka.Topics),
		zap.Int("workers", cfg.Worker.Count),
		zap.String("commit", cfg.Commit.Mode),
	)

	// -------------------------------------------------------------------------
	// 6) Concurrent loops
	// -------------------------------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)

	if httpSrv != nil {
		g.Go(func() error { return httpSrv.Start(gctx) })
	}

	// воркеры живут до отмены ctx; ошибка пула останавливает HTTP
	g.Go(func() error { return pool.Run(gctx, cfg.Worker.Count) })

	// -------------------------------------------------------------------------
	// 7) Wait
	// -------------------------------------------------------------------------
	err = g.Wait()
	if err != nil {
		log.Error("group-consumer: stopped with error", zap.Error(err))
		return err
	}
	log.Info("group-consumer: shutdown complete")
	return nil
}

func workerConfig(cfg *config.Config, instanceID string) (worker.Config, error) {
	mode, err := worker.ParseCommitMode(cfg.Commit.Mode)
	if err != nil {
		return worker.Config{}, err
	}
	return worker.Config{
		GroupID: cfg.Kafka.GroupID,
		Topics:  cfg.Kafka.Topics,
		Consumer: kafka.ConsumerConfig{
			Brokers:            cfg.Kafka.Brokers,
			Version:            cfg.Kafka.Version,
			SessionTimeout:     cfg.Kafka.SessionTimeout,
			AutoCommitInterval: cfg.Kafka.AutoCommitInterval,
			EnablePartitionEOF: cfg.Kafka.EnablePartitionEOF,
			PollTimeout:        cfg.Kafka.PollTimeout,
			InitialOffset:      strings.ToLower(cfg.Kafka.InitialOffset),
			Backoff:            cfg.Kafka.Backoff,
		},
		ClientIDPrefix:  fmt.Sprintf("%s-%s", cfg.Kafka.ClientIDPrefix, instanceID),
		CommitMode:      mode,
		CommitOnFailure: cfg.Commit.OnFailure,
		DrainTimeout:    cfg.Worker.DrainTimeout,
		PollBackoff:     cfg.Worker.PollBackoff,
	}, nil
}
