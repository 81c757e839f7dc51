// pkg/telemetry/otel.go
//
// Пакет telemetry поднимает глобальный TracerProvider group-consumer'а.
// Спаны воркеров (ProcessRecord) продолжают трассы продьюсеров из заголовков
// записей, поэтому W3C-пропагатор ставится всегда, даже без экспорта.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/YaganovValera/group-consumer/pkg/logger"
)

// Config — параметры трассировки одного процесса-участника группы.
type Config struct {
	Endpoint       string // OTLP-collector "host:port"; пусто — экспорт выключен
	Insecure       bool   // gRPC без TLS
	ServiceName    string
	ServiceVersion string
	InstanceID     string // service.instance.id, он же часть client id воркеров

	GroupID string   // consumer group, попадает в resource
	Topics  []string // подписка
	Workers int

	SamplerRatio float64       // доля корневых спанов, 0 → 1
	Timeout      time.Duration // на создание экспортёра и на Shutdown
}

// ShutdownFunc досылает накопленные спаны и останавливает провайдер.
type ShutdownFunc func(context.Context) error

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.SamplerRatio <= 0 || c.SamplerRatio > 1 {
		c.SamplerRatio = 1
	}
}

func (c Config) validate() error {
	if c.ServiceName == "" || c.ServiceVersion == "" {
		return fmt.Errorf("telemetry: service name and version are required")
	}
	return nil
}

// InitTracer ставит пропагатор и, если задан Endpoint, OTLP-экспорт спанов.
func InitTracer(ctx context.Context, cfg Config, log *logger.Logger) (ShutdownFunc, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if cfg.Endpoint == "" {
		log.Info("telemetry: span export disabled")
		return func(context.Context) error { return nil }, nil
	}

	initCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(initCtx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: exporter %s: %w", cfg.Endpoint, err)
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, resourceAttrs(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplerRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	log.Info("telemetry: exporting spans",
		zap.String("endpoint", cfg.Endpoint),
		zap.Float64("sampler_ratio", cfg.SamplerRatio),
	)

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("telemetry: shutdown: %w", err)
		}
		return nil
	}, nil
}

func resourceAttrs(cfg Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.MessagingSystemKey.String("kafka"),
	}
	if cfg.InstanceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(cfg.InstanceID))
	}
	if cfg.GroupID != "" {
		attrs = append(attrs, attribute.String("messaging.kafka.consumer.group", cfg.GroupID))
	}
	if len(cfg.Topics) > 0 {
		attrs = append(attrs, attribute.StringSlice("messaging.kafka.topics", cfg.Topics))
	}
	if cfg.Workers > 0 {
		attrs = append(attrs, attribute.Int("group_consumer.workers", cfg.Workers))
	}
	return attrs
}
