// internal/worker/worker.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/group-consumer/internal/metrics"
	"github.com/YaganovValera/group-consumer/internal/processor"
	"github.com/YaganovValera/group-consumer/pkg/backoff"
	"github.com/YaganovValera/group-consumer/pkg/kafka"
	"github.com/YaganovValera/group-consumer/pkg/logger"
)

var tracer = otel.Tracer("group-consumer-worker")

// Config — общие для всех воркеров пула параметры.
type Config struct {
	GroupID  string
	Topics   []string
	Consumer kafka.ConsumerConfig // GroupID, ClientID и EnableAutoCommit выставляет воркер

	ClientIDPrefix  string // ClientID участника: <prefix>-<index>
	CommitMode      CommitMode
	CommitOnFailure bool
	DrainTimeout    time.Duration // потолок финального коммита при остановке
	PollBackoff     backoff.Config
}

func (c *Config) applyDefaults() {
	if c.ClientIDPrefix == "" {
		c.ClientIDPrefix = "group-consumer"
	}
	if c.CommitMode == "" {
		c.CommitMode = CommitModeAsync
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
}

func (c Config) validate() error {
	if c.GroupID == "" {
		return fmt.Errorf("worker: group id required")
	}
	if len(c.Topics) == 0 {
		return fmt.Errorf("worker: at least one topic required")
	}
	if _, err := ParseCommitMode(string(c.CommitMode)); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	return nil
}

// Worker — один участник группы со своим consumer'ом и циклом
// poll → process → commit. Ничего не разделяет с другими воркерами,
// кроме процессора.
type Worker struct {
	cfg        Config
	membership Membership
	client     kafka.Client
	proc       processor.Processor
	policy     CommitPolicy
	listener   *Listener
	log        *logger.Logger
	label      string

	state atomic.Int32
}

// New готовит воркер с индексом index; соединение создаётся в Run.
func New(index int, cfg Config, client kafka.Client, proc processor.Processor, log *logger.Logger) (*Worker, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if client == nil || proc == nil {
		return nil, fmt.Errorf("worker: client and processor required")
	}
	log = log.Named("worker").With(zap.Int("worker", index), zap.String("group", cfg.GroupID))

	policy, err := NewCommitPolicy(cfg.CommitMode, cfg.CommitOnFailure, log)
	if err != nil {
		return nil, err
	}
	w := &Worker{
		cfg: cfg,
		membership: Membership{
			GroupID:     cfg.GroupID,
			MemberIndex: index,
			Topics:      append([]string(nil), cfg.Topics...),
		},
		client:   client,
		proc:     proc,
		policy:   policy,
		listener: newListener(index, policy, log),
		log:      log,
		label:    strconv.Itoa(index),
	}
	w.setState(StateCreated)
	return w, nil
}

// State — текущий этап жизненного цикла.
func (w *Worker) State() State { return State(w.state.Load()) }

// Assignment — партиции, которыми воркер владеет сейчас.
func (w *Worker) Assignment() []kafka.TopicPartition { return w.listener.Assignment() }

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	metrics.WorkerState.WithLabelValues(w.label).Set(float64(s))
	w.log.Debug("worker state", zap.Stringer("state", s))
}

func (w *Worker) consumerConfig() kafka.ConsumerConfig {
	cc := w.cfg.Consumer
	cc.GroupID = w.cfg.GroupID
	cc.ClientID = fmt.Sprintf("%s-%d", w.cfg.ClientIDPrefix, w.membership.MemberIndex)
	cc.EnableAutoCommit = w.policy.AutoCommit()
	return cc
}

// Run блокирует до отмены ctx. Ошибка возвращается только если воркер не
// смог стартовать (ErrSetup), consumer закрылся сам или процессор
// запаниковал; сбои обработки, опроса и коммитов логируются и не прерывают
// цикл.
func (w *Worker) Run(ctx context.Context) (err error) {
	idx := w.membership.MemberIndex
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("panic recovered", zap.Any("error", r), zap.Stack("stack"))
			err = fmt.Errorf("worker %d: panic: %v", idx, r)
		}
		if err != nil {
			w.setState(StateFailed)
		}
		w.setState(StateTerminated)
	}()

	consumer, err := w.client.NewConsumer(ctx, w.consumerConfig(), w.listener)
	if err != nil {
		w.log.Error("create consumer failed", zap.Error(err))
		return fmt.Errorf("%w: worker %d: create consumer: %w", ErrSetup, idx, err)
	}
	closed := false
	closeConsumer := func() {
		if closed {
			return
		}
		closed = true
		if cerr := consumer.Close(); cerr != nil {
			w.log.Warn("consumer close failed", zap.Error(cerr))
		}
	}
	defer closeConsumer()

	if err := consumer.Subscribe(ctx, w.membership.Topics); err != nil {
		w.log.Error("subscribe failed", zap.Strings("topics", w.membership.Topics), zap.Error(err))
		return fmt.Errorf("%w: worker %d: subscribe %v: %w", ErrSetup, idx, w.membership.Topics, err)
	}
	w.setState(StateSubscribed)
	w.log.Info("subscribed", zap.Strings("topics", w.membership.Topics), zap.String("commit", string(w.cfg.CommitMode)))

	stream := NewStream(consumer, w.cfg.PollBackoff, idx, w.log)
	w.setState(StateRunning)

	for {
		rec, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.log.Error("record stream terminated", zap.Error(err))
			return fmt.Errorf("worker %d: stream: %w", idx, err)
		}
		w.handle(ctx, consumer, rec)
	}

	// ---- shutdown ----
	w.setState(StateDraining)
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.DrainTimeout)
	if derr := w.policy.Drain(dctx, consumer); derr != nil {
		w.log.Warn("final commit failed", zap.Error(derr))
	}
	cancel()
	closeConsumer()
	w.log.Info("worker stopped")
	return nil
}

// handle обрабатывает одну запись и передаёт итог политике коммитов.
func (w *Worker) handle(ctx context.Context, c kafka.Consumer, rec *kafka.Record) {
	// продолжаем трассу продьюсера, если otelsarama положил её в заголовки
	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier(rec.Headers))
	ctx, span := tracer.Start(ctx, "ProcessRecord", trace.WithAttributes(
		attribute.String("messaging.kafka.topic", rec.Topic),
		attribute.Int("messaging.kafka.partition", int(rec.Partition)),
		attribute.Int64("messaging.kafka.offset", rec.Offset),
		attribute.Int("worker", w.membership.MemberIndex),
	), trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	start := time.Now()
	perr := w.proc.Process(ctx, rec)
	metrics.ProcessLatency.WithLabelValues(w.label).Observe(time.Since(start).Seconds())

	if perr != nil && ctx.Err() != nil && errors.Is(perr, ctx.Err()) {
		// обработка прервана остановкой: запись не коммитим, её перечитают
		w.log.Debug("processing interrupted by shutdown",
			zap.Stringer("partition", rec.TopicPartition()), zap.Int64("offset", rec.Offset))
		return
	}
	metrics.RecordsProcessed.WithLabelValues(w.label).Inc()
	if perr != nil {
		metrics.ProcessErrors.WithLabelValues(w.label).Inc()
		span.RecordError(perr)
		span.SetStatus(codes.Error, "process failed")
		w.log.Warn("processing failed",
			zap.Stringer("partition", rec.TopicPartition()), zap.Int64("offset", rec.Offset), zap.Error(perr))
	}
	w.policy.Processed(ctx, c, rec, perr)
}

// headerCarrier — propagation.TextMapCarrier поверх заголовков записи.
// Только чтение: Set записи не меняет.
type headerCarrier []kafka.Header

func (c headerCarrier) Get(key string) string {
	for _, h := range c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(string, string) {}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for _, h := range c {
		keys = append(keys, string(h.Key))
	}
	return keys
}
