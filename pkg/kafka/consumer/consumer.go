// pkg/kafka/consumer/consumer.go
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/dnwe/otelsarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/group-consumer/pkg/backoff"
	"github.com/YaganovValera/group-consumer/pkg/kafka"
	"github.com/YaganovValera/group-consumer/pkg/logger"
)

// -----------------------------------------------------------------------------
// Service label
// -----------------------------------------------------------------------------

var serviceLabel = "unknown"

// SetServiceLabel задаёт единое имя сервиса для метрик.
func SetServiceLabel(name string) { serviceLabel = name }

// -----------------------------------------------------------------------------
// Prometheus-метрики
// -----------------------------------------------------------------------------

var consumerMetrics = struct {
	ConnectAttempts *prometheus.CounterVec
	ConnectErrors   *prometheus.CounterVec
	ConsumeErrors   *prometheus.CounterVec
	Sessions        *prometheus.CounterVec
}{
	ConnectAttempts: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "connect_attempts_total",
			Help: "Kafka consumer group connect attempts",
		},
		[]string{"service"},
	),
	ConnectErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "connect_errors_total",
			Help: "Kafka consumer connect errors",
		},
		[]string{"service"},
	),
	ConsumeErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "consume_errors_total",
			Help: "Errors during consumption sessions",
		},
		[]string{"service"},
	),
	Sessions: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "sessions_total",
			Help: "Consumer group sessions started (one per rebalance generation)",
		},
		[]string{"service"},
	),
}

// -----------------------------------------------------------------------------
// Tracing
// -----------------------------------------------------------------------------

var tracer = otel.Tracer("kafka-consumer")

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// Option настраивает Client.
type Option func(*Client)

// WithConnectRetry включает ретраи подключения к кластеру по стратегии cfg.
// По умолчанию ошибка подключения сразу фатальна.
func WithConnectRetry(cfg backoff.Config) Option {
	return func(c *Client) {
		c.retry = true
		c.retryCfg = cfg
	}
}

// Client — kafka.Client поверх Sarama ConsumerGroup.
type Client struct {
	log      *logger.Logger
	retry    bool
	retryCfg backoff.Config
}

// NewClient создаёт фабрику участников группы.
func NewClient(log *logger.Logger, opts ...Option) *Client {
	c := &Client{log: log.Named("kafka-consumer")}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewConsumer подключается к кластеру и создаёт участника группы.
func (c *Client) NewConsumer(ctx context.Context, cfg kafka.ConsumerConfig, listener kafka.RebalanceListener) (kafka.Consumer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if listener == nil {
		listener = kafka.NopListener{}
	}
	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	log := c.log.With(zap.String("client_id", cfg.ClientID))

	var (
		client sarama.Client
		group  sarama.ConsumerGroup
	)
	connect := func(ctx context.Context) error {
		consumerMetrics.ConnectAttempts.WithLabelValues(serviceLabel).Inc()
		cl, err := sarama.NewClient(cfg.Brokers, sc)
		if err != nil {
			consumerMetrics.ConnectErrors.WithLabelValues(serviceLabel).Inc()
			var cerr sarama.ConfigurationError
			if errors.As(err, &cerr) {
				return backoff.Permanent(err)
			}
			return err
		}
		g, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, cl)
		if err != nil {
			consumerMetrics.ConnectErrors.WithLabelValues(serviceLabel).Inc()
			_ = cl.Close()
			return err
		}
		client, group = cl, g
		return nil
	}

	ctxConn, span := tracer.Start(ctx, "Connect",
		trace.WithAttributes(attribute.StringSlice("brokers", cfg.Brokers), attribute.String("group", cfg.GroupID)))
	if c.retry {
		err = backoff.Execute(ctxConn, "kafka_connect", c.retryCfg, log, connect)
	} else {
		err = connect(ctxConn)
	}
	if err != nil {
		span.RecordError(err)
		span.End()
		return nil, fmt.Errorf("kafka consumer: connect failed: %w", err)
	}
	span.End()

	log.Info("kafka consumer group connected",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("group", cfg.GroupID),
	)
	return newGroupConsumer(client, group, cfg, listener, log), nil
}

// -----------------------------------------------------------------------------
// Consumer implementation
// -----------------------------------------------------------------------------

// event — либо запись, либо ошибка, в порядке появления.
type event struct {
	rec *kafka.Record
	err error
}

type groupConsumer struct {
	client   sarama.Client
	group    sarama.ConsumerGroup
	cfg      kafka.ConsumerConfig
	version  sarama.KafkaVersion
	listener kafka.RebalanceListener
	log      *logger.Logger

	events chan event // без буфера: backpressure до ConsumeClaim
	errs   chan error

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	sess    sarama.ConsumerGroupSession
	owned   map[kafka.TopicPartition]struct{}
	pending map[kafka.TopicPartition]int64 // async-коммиты, ждущие committer'а
	kick    chan struct{}
	started bool
	closed  bool
}

func newGroupConsumer(client sarama.Client, group sarama.ConsumerGroup, cfg kafka.ConsumerConfig,
	listener kafka.RebalanceListener, log *logger.Logger) *groupConsumer {
	runCtx, cancel := context.WithCancel(context.Background())
	version, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		version = sarama.DefaultVersion
	}
	return &groupConsumer{
		client:   client,
		group:    group,
		cfg:      cfg,
		version:  version,
		listener: listener,
		log:      log,
		events:   make(chan event),
		errs:     make(chan error, 16),
		runCtx:   runCtx,
		cancel:   cancel,
		owned:    make(map[kafka.TopicPartition]struct{}),
		pending:  make(map[kafka.TopicPartition]int64),
		kick:     make(chan struct{}, 1),
	}
}

// Subscribe проверяет, что топики существуют, и запускает цикл сессий.
func (gc *groupConsumer) Subscribe(ctx context.Context, topics []string) error {
	if len(topics) == 0 {
		return errors.New("kafka consumer: empty topic list")
	}
	gc.mu.Lock()
	if gc.closed {
		gc.mu.Unlock()
		return kafka.ErrClosed
	}
	if gc.started {
		gc.mu.Unlock()
		return errors.New("kafka consumer: already subscribed")
	}
	gc.started = true
	gc.mu.Unlock()

	_, span := tracer.Start(ctx, "Subscribe", trace.WithAttributes(attribute.StringSlice("topics", topics)))
	defer span.End()
	if err := gc.client.RefreshMetadata(topics...); err != nil {
		span.RecordError(err)
		return fmt.Errorf("kafka consumer: subscribe %v: %w", topics, err)
	}

	handler := otelsarama.WrapConsumerGroupHandler(&groupHandler{gc: gc})

	gc.wg.Add(3)
	go gc.consumeLoop(topics, handler)
	go gc.forwardErrors()
	go gc.commitLoop()
	return nil
}

// consumeLoop: Consume нужно вызывать в цикле — после ребаланса сессия
// пересоздаётся с новыми claims.
func (gc *groupConsumer) consumeLoop(topics []string, handler sarama.ConsumerGroupHandler) {
	defer gc.wg.Done()
	pacer := backoff.NewPacer(gc.cfg.Backoff, "session")
	for {
		err := gc.group.Consume(gc.runCtx, topics, handler)
		if gc.runCtx.Err() != nil || errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return
		}
		if err != nil {
			consumerMetrics.ConsumeErrors.WithLabelValues(serviceLabel).Inc()
			gc.pushErr(fmt.Errorf("kafka consumer: session: %w", err))
			if werr := pacer.Wait(gc.runCtx); werr != nil {
				return
			}
			continue
		}
		pacer.Reset()
	}
}

func (gc *groupConsumer) forwardErrors() {
	defer gc.wg.Done()
	for {
		select {
		case err, ok := <-gc.group.Errors():
			if !ok {
				return
			}
			gc.pushErr(err)
		case <-gc.runCtx.Done():
			return
		}
	}
}

// pushErr не блокирует: при переполнении старые ошибки теряются, лог остаётся.
func (gc *groupConsumer) pushErr(err error) {
	select {
	case gc.errs <- err:
	default:
		gc.log.Warn("kafka consumer: error dropped, poll is lagging", zap.Error(err))
	}
}

// Poll ждёт запись не дольше PollTimeout.
func (gc *groupConsumer) Poll(ctx context.Context) (*kafka.Record, error) {
	gc.mu.Lock()
	closed, started := gc.closed, gc.started
	gc.mu.Unlock()
	if closed {
		return nil, kafka.ErrClosed
	}
	if !started {
		return nil, kafka.ErrNotSubscribed
	}

	timer := time.NewTimer(gc.cfg.PollTimeout)
	defer timer.Stop()

	select {
	case ev := <-gc.events:
		if ev.err != nil {
			return nil, ev.err
		}
		return ev.rec, nil
	case err := <-gc.errs:
		return nil, err
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-gc.runCtx.Done():
		return nil, kafka.ErrClosed
	}
}

// Commit отправляет offset'ы координатору группы. Sync ждёт ответа брокера,
// Async отдаёт их committer'у; новые offset'ы вытесняют ещё не отправленные.
func (gc *groupConsumer) Commit(ctx context.Context, offsets []kafka.Offset, mode kafka.CommitMode) error {
	if gc.cfg.EnableAutoCommit {
		return kafka.ErrAutoCommit
	}
	offsets = append([]kafka.Offset(nil), offsets...)

	gc.mu.Lock()
	if gc.closed {
		gc.mu.Unlock()
		return kafka.ErrClosed
	}
	sess := gc.sess
	for _, o := range offsets {
		if _, ok := gc.owned[o.TopicPartition]; !ok || sess == nil {
			gc.mu.Unlock()
			return fmt.Errorf("commit %s@%d: %w", o.TopicPartition, o.Offset, kafka.ErrNotOwned)
		}
	}
	if mode == kafka.CommitAsync {
		for _, o := range offsets {
			if cur, ok := gc.pending[o.TopicPartition]; !ok || o.Offset > cur {
				gc.pending[o.TopicPartition] = o.Offset
			}
		}
		gc.mu.Unlock()
		select {
		case gc.kick <- struct{}{}:
		default:
		}
		return nil
	}
	gc.mu.Unlock()

	_, span := tracer.Start(ctx, "CommitSync")
	err := gc.commitOffsets(sess, offsets)
	if err != nil {
		span.RecordError(err)
	}
	span.End()

	gc.listener.OnCommitComplete(err, offsets)
	return err
}

// Store помечает offset записи в offset manager'е текущей сессии; Sarama
// коммитит помеченное по таймеру AutoCommit.Interval и при закрытии.
func (gc *groupConsumer) Store(rec *kafka.Record) error {
	if !gc.cfg.EnableAutoCommit {
		return kafka.ErrManualCommit
	}
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if gc.closed {
		return kafka.ErrClosed
	}
	tp := rec.TopicPartition()
	if _, ok := gc.owned[tp]; !ok || gc.sess == nil {
		return fmt.Errorf("store %s@%d: %w", tp, rec.Offset, kafka.ErrNotOwned)
	}
	gc.sess.MarkOffset(rec.Topic, rec.Partition, rec.Offset+1, "")
	return nil
}

// commitLoop отправляет накопленные async-коммиты по одному запросу за раз.
func (gc *groupConsumer) commitLoop() {
	defer gc.wg.Done()
	for {
		select {
		case <-gc.kick:
		case <-gc.runCtx.Done():
			return
		}
		gc.mu.Lock()
		sess := gc.sess
		batch := make([]kafka.Offset, 0, len(gc.pending))
		for tp, off := range gc.pending {
			batch = append(batch, kafka.Offset{TopicPartition: tp, Offset: off})
		}
		gc.pending = make(map[kafka.TopicPartition]int64)
		gc.mu.Unlock()
		if len(batch) == 0 {
			continue
		}
		if sess == nil {
			gc.listener.OnCommitComplete(kafka.ErrNotOwned, batch)
			continue
		}
		gc.listener.OnCommitComplete(gc.commitOffsets(sess, batch), batch)
	}
}

// commitOffsets шлёт OffsetCommitRequest сам: sess.Commit() ничего не
// возвращает, а отказ брокера уходит в group.Errors() без привязки к offset'ам.
// Коммитится offset+1 — следующий к чтению.
func (gc *groupConsumer) commitOffsets(sess sarama.ConsumerGroupSession, offsets []kafka.Offset) error {
	if sess.Context().Err() != nil {
		return fmt.Errorf("session ended: %w", kafka.ErrNotOwned)
	}
	broker, err := gc.client.Coordinator(gc.cfg.GroupID)
	if err != nil {
		return fmt.Errorf("kafka consumer: coordinator: %w", err)
	}

	req := &sarama.OffsetCommitRequest{
		Version:                 commitRequestVersion(gc.version),
		ConsumerGroup:           gc.cfg.GroupID,
		ConsumerGroupGeneration: sess.GenerationID(),
		ConsumerID:              sess.MemberID(),
	}
	if req.Version >= 2 && req.Version < 5 {
		req.RetentionTime = -1 // retention по настройке брокера
	}
	for _, o := range offsets {
		req.AddBlockWithLeaderEpoch(o.Topic, o.Partition, o.Offset+1, -1, 0, "")
	}

	resp, err := broker.CommitOffset(req)
	if err != nil {
		_ = gc.client.RefreshCoordinator(gc.cfg.GroupID)
		return fmt.Errorf("kafka consumer: commit: %w", err)
	}

	var errs []error
	for _, o := range offsets {
		kerr, ok := resp.Errors[o.Topic][o.Partition]
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("commit %s@%d: no result in response", o.TopicPartition, o.Offset))
		case kerr == sarama.ErrNoError:
		case kerr == sarama.ErrUnknownMemberId, kerr == sarama.ErrIllegalGeneration, kerr == sarama.ErrRebalanceInProgress:
			// поколение устарело: партиции уже переназначаются
			errs = append(errs, fmt.Errorf("commit %s@%d: %w: %w", o.TopicPartition, o.Offset, kafka.ErrNotOwned, kerr))
		case kerr == sarama.ErrNotCoordinatorForConsumer, kerr == sarama.ErrConsumerCoordinatorNotAvailable:
			_ = gc.client.RefreshCoordinator(gc.cfg.GroupID)
			errs = append(errs, fmt.Errorf("commit %s@%d: %w", o.TopicPartition, o.Offset, kerr))
		default:
			errs = append(errs, fmt.Errorf("commit %s@%d: %w", o.TopicPartition, o.Offset, kerr))
		}
	}
	return errors.Join(errs...)
}

// commitRequestVersion — та же лестница версий, что у offset manager'а Sarama.
func commitRequestVersion(v sarama.KafkaVersion) int16 {
	switch {
	case v.IsAtLeast(sarama.V2_1_0_0):
		return 6
	case v.IsAtLeast(sarama.V2_0_0_0):
		return 4
	case v.IsAtLeast(sarama.V0_11_0_0):
		return 3
	default:
		return 2
	}
}

// Close выходит из группы. В режиме auto-commit Sarama при закрытии сессии
// коммитит помеченные записи.
func (gc *groupConsumer) Close() error {
	gc.mu.Lock()
	if gc.closed {
		gc.mu.Unlock()
		return nil
	}
	gc.closed = true
	gc.mu.Unlock()

	gc.cancel()
	err := gc.group.Close()
	gc.wg.Wait()
	if cerr := gc.client.Close(); cerr != nil && !errors.Is(cerr, sarama.ErrClosedClient) && err == nil {
		err = cerr
	}
	if err != nil {
		gc.log.Error("kafka consumer close failed", zap.Error(err))
		return err
	}
	gc.log.Info("kafka consumer closed")
	return nil
}
