// pkg/kafka/interface.go
//
// Пакет kafka задаёт минимальные контракты group-consumer'а и не тянет за
// собой Sarama: драйвер живёт в pkg/kafka/consumer, in-memory реализация для
// тестов — в pkg/kafka/kafkatest.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/YaganovValera/group-consumer/pkg/backoff"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNotOwned — коммит по партиции, которая больше не принадлежит участнику.
	ErrNotOwned = errors.New("kafka: partition not owned by this member")
	// ErrClosed — consumer закрыт, дальнейшие вызовы бессмысленны.
	ErrClosed = errors.New("kafka: consumer closed")
	// ErrNotSubscribed — Poll до Subscribe.
	ErrNotSubscribed = errors.New("kafka: consumer not subscribed")
	// ErrAutoCommit — ручной коммит при включённом auto-commit.
	ErrAutoCommit = errors.New("kafka: manual commit with auto-commit enabled")
	// ErrManualCommit — Store при выключенном auto-commit.
	ErrManualCommit = errors.New("kafka: offset store with auto-commit disabled")
)

// PartitionEOF сообщает, что consumer дочитал партицию до конца.
// Возвращается из Poll только при EnablePartitionEOF.
type PartitionEOF struct {
	TopicPartition
	Offset int64
}

func (e *PartitionEOF) Error() string {
	return fmt.Sprintf("kafka: reached end of %s at offset %d", e.TopicPartition, e.Offset)
}

// IsPartitionEOF — errors.As-хелпер.
func IsPartitionEOF(err error) bool {
	var eof *PartitionEOF
	return errors.As(err, &eof)
}

// -----------------------------------------------------------------------------
// Data model
// -----------------------------------------------------------------------------

// TopicPartition адресует одну партицию топика.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string { return fmt.Sprintf("%s/%d", tp.Topic, tp.Partition) }

// SortTopicPartitions упорядочивает по (topic, partition) — для стабильных логов.
func SortTopicPartitions(tps []TopicPartition) {
	sort.Slice(tps, func(i, j int) bool {
		if tps[i].Topic != tps[j].Topic {
			return tps[i].Topic < tps[j].Topic
		}
		return tps[i].Partition < tps[j].Partition
	})
}

// Header — один заголовок записи; порядок заголовков сохраняется.
type Header struct {
	Key   []byte
	Value []byte
}

// Record представляет запись, полученную из Kafka. Неизменяема после выдачи.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte // может быть nil
	Value     []byte // может быть nil
	Headers   []Header
	Timestamp time.Time
}

// TopicPartition возвращает адрес партиции записи.
func (r *Record) TopicPartition() TopicPartition {
	return TopicPartition{Topic: r.Topic, Partition: r.Partition}
}

// Offset — запрос на коммит: смещение последней ОБРАБОТАННОЙ записи партиции.
// Драйвер сам переводит его в "следующее к чтению" смещение брокера.
type Offset struct {
	TopicPartition
	Offset int64
}

// CommitMode — способ коммита.
type CommitMode int

const (
	// CommitAsync не ждёт подтверждения брокера; результат придёт в
	// RebalanceListener.OnCommitComplete.
	CommitAsync CommitMode = iota
	// CommitSync блокирует до ответа брокера.
	CommitSync
)

func (m CommitMode) String() string {
	switch m {
	case CommitAsync:
		return "async"
	case CommitSync:
		return "sync"
	default:
		return fmt.Sprintf("CommitMode(%d)", int(m))
	}
}

// -----------------------------------------------------------------------------
// Contracts
// -----------------------------------------------------------------------------

// RebalanceListener вызывается драйвером на его собственных горутинах,
// асинхронно относительно цикла потребления. Реализации не должны блокировать:
// задержка обработчика — это задержка ребаланса.
type RebalanceListener interface {
	OnPartitionsAssigned(ctx context.Context, assigned []TopicPartition)
	OnPartitionsRevoked(ctx context.Context, revoked []TopicPartition)
	// OnCommitComplete сообщает итог коммита; err == nil — успех.
	OnCommitComplete(err error, offsets []Offset)
}

// NopListener ничего не делает.
type NopListener struct{}

func (NopListener) OnPartitionsAssigned(context.Context, []TopicPartition) {}
func (NopListener) OnPartitionsRevoked(context.Context, []TopicPartition)  {}
func (NopListener) OnCommitComplete(error, []Offset)                       {}

// ConsumerConfig — параметры одного участника группы.
type ConsumerConfig struct {
	GroupID            string
	Brokers            []string
	ClientID           string
	Version            string        // версия протокола Kafka, например "2.8.0"
	SessionTimeout     time.Duration // session.timeout.ms
	EnableAutoCommit   bool
	AutoCommitInterval time.Duration
	EnablePartitionEOF bool
	PollTimeout        time.Duration // сколько Poll ждёт записи, прежде чем вернуть nil
	InitialOffset      string        // "oldest" | "newest"
	Backoff            backoff.Config
}

// ApplyDefaults заполняет нулевые поля значениями по умолчанию.
func (c *ConsumerConfig) ApplyDefaults() {
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 6 * time.Second
	}
	if c.AutoCommitInterval <= 0 {
		c.AutoCommitInterval = 5 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
	if c.InitialOffset == "" {
		c.InitialOffset = "newest"
	}
}

// Validate проверяет обязательные поля.
func (c ConsumerConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka consumer: brokers required")
	}
	if c.GroupID == "" {
		return fmt.Errorf("kafka consumer: GroupID required")
	}
	switch c.InitialOffset {
	case "", "oldest", "newest":
	default:
		return fmt.Errorf("kafka consumer: InitialOffset must be oldest or newest, got %q", c.InitialOffset)
	}
	return nil
}

// Client создаёт участников группы. Каждый вызов — новый участник со своим
// соединением; между участниками ничего не разделяется.
type Client interface {
	NewConsumer(ctx context.Context, cfg ConsumerConfig, listener RebalanceListener) (Consumer, error)
}

// ClientFunc позволяет использовать функцию как Client.
type ClientFunc func(ctx context.Context, cfg ConsumerConfig, listener RebalanceListener) (Consumer, error)

func (f ClientFunc) NewConsumer(ctx context.Context, cfg ConsumerConfig, l RebalanceListener) (Consumer, error) {
	return f(ctx, cfg, l)
}

// Consumer — один участник группы.
//
//	Poll возвращает:
//	  • (rec, nil)  — запись;
//	  • (nil, nil)  — за PollTimeout ничего не пришло, нужно опросить снова;
//	  • (nil, err)  — ошибка брокера (обычно временная), *PartitionEOF,
//	                  ErrClosed или ошибка контекста.
//	Записи одной партиции выдаются в порядке неубывания offset.
type Consumer interface {
	Subscribe(ctx context.Context, topics []string) error
	Poll(ctx context.Context) (*Record, error)
	// Commit доступен только при выключенном auto-commit.
	Commit(ctx context.Context, offsets []Offset, mode CommitMode) error
	// Store отмечает запись обработанной: её offset уйдёт в следующий
	// авто-коммит (и в коммит при Close). Только при включённом auto-commit;
	// выданная, но не отмеченная запись не коммитится.
	Store(rec *Record) error
	Close() error
}
