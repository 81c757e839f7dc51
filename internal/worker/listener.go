package worker

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/YaganovValera/group-consumer/internal/metrics"
	"github.com/YaganovValera/group-consumer/pkg/kafka"
	"github.com/YaganovValera/group-consumer/pkg/logger"
)

// Listener — RebalanceListener одного воркера. Только наблюдает: пишет лог,
// ведёт снимок владения и сообщает политике коммитов об отзыве партиций и
// результатах коммитов. Вызывается на горутинах драйвера, поэтому не блокирует.
type Listener struct {
	index  int
	label  string
	log    *logger.Logger
	policy CommitPolicy

	mu    sync.Mutex
	owned map[kafka.TopicPartition]struct{}
}

var _ kafka.RebalanceListener = (*Listener)(nil)

func newListener(index int, policy CommitPolicy, log *logger.Logger) *Listener {
	return &Listener{
		index:  index,
		label:  strconv.Itoa(index),
		log:    log,
		policy: policy,
		owned:  make(map[kafka.TopicPartition]struct{}),
	}
}

func (l *Listener) OnPartitionsAssigned(_ context.Context, assigned []kafka.TopicPartition) {
	l.mu.Lock()
	for _, tp := range assigned {
		l.owned[tp] = struct{}{}
	}
	n := len(l.owned)
	l.mu.Unlock()

	metrics.AssignedPartitions.WithLabelValues(l.label).Set(float64(n))
	metrics.Rebalances.WithLabelValues(l.label, "assigned").Inc()
	l.log.Info("partitions assigned",
		zap.Stringers("partitions", assigned),
		zap.Int("owned", n),
	)
}

func (l *Listener) OnPartitionsRevoked(_ context.Context, revoked []kafka.TopicPartition) {
	l.mu.Lock()
	for _, tp := range revoked {
		delete(l.owned, tp)
	}
	n := len(l.owned)
	l.mu.Unlock()

	l.policy.Revoked(revoked)

	metrics.AssignedPartitions.WithLabelValues(l.label).Set(float64(n))
	metrics.Rebalances.WithLabelValues(l.label, "revoked").Inc()
	l.log.Info("partitions revoked",
		zap.Stringers("partitions", revoked),
		zap.Int("owned", n),
	)
}

// OnCommitComplete: неудачный коммит только логируется — следующий старт или
// ребаланс перечитает записи с последнего закоммиченного offset'а.
func (l *Listener) OnCommitComplete(err error, offsets []kafka.Offset) {
	l.policy.Completed(err, offsets)
	if err != nil {
		metrics.Commits.WithLabelValues(l.label, "error").Inc()
		l.log.Warn("commit failed", zap.Any("offsets", offsetFields(offsets)), zap.Error(err))
		return
	}
	metrics.Commits.WithLabelValues(l.label, "ok").Inc()
	l.log.Debug("offsets committed", zap.Any("offsets", offsetFields(offsets)))
}

// Assignment — отсортированный снимок партиций, которыми владеет воркер.
func (l *Listener) Assignment() []kafka.TopicPartition {
	l.mu.Lock()
	out := make([]kafka.TopicPartition, 0, len(l.owned))
	for tp := range l.owned {
		out = append(out, tp)
	}
	l.mu.Unlock()
	kafka.SortTopicPartitions(out)
	return out
}

// Owns сообщает, принадлежит ли партиция воркеру прямо сейчас.
func (l *Listener) Owns(tp kafka.TopicPartition) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.owned[tp]
	return ok
}

func offsetFields(offsets []kafka.Offset) map[string]int64 {
	out := make(map[string]int64, len(offsets))
	for _, o := range offsets {
		out[o.TopicPartition.String()] = o.Offset
	}
	return out
}
