package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/YaganovValera/group-consumer/pkg/kafka"
	"github.com/YaganovValera/group-consumer/pkg/logger"
)

// CommitMode — выбранная при старте политика коммитов; в рантайме не меняется.
type CommitMode string

const (
	// CommitModeAsync — ручной неблокирующий коммит после каждой записи.
	CommitModeAsync CommitMode = "async"
	// CommitModeSync — ручной блокирующий коммит после каждой записи.
	CommitModeSync CommitMode = "sync"
	// CommitModeAuto — коммитит таймер клиента, ядро commit не вызывает.
	CommitModeAuto CommitMode = "auto"
)

// ParseCommitMode понимает async | sync | auto (регистр не важен).
func ParseCommitMode(s string) (CommitMode, error) {
	switch m := CommitMode(strings.ToLower(strings.TrimSpace(s))); m {
	case CommitModeAsync, CommitModeSync, CommitModeAuto:
		return m, nil
	case "":
		return CommitModeAsync, nil
	default:
		return "", fmt.Errorf("commit mode must be one of [async, sync, auto], got %q", s)
	}
}

// CommitPolicy решает, когда подтверждать обработанные offset'ы.
type CommitPolicy interface {
	// AutoCommit — включать ли enable_auto_commit у consumer'а.
	AutoCommit() bool
	// Processed вызывается циклом после обработки записи; procErr — итог процессора.
	Processed(ctx context.Context, c kafka.Consumer, rec *kafka.Record, procErr error)
	// Revoked — партиции отозваны: их незакоммиченные offset'ы брошены.
	Revoked(tps []kafka.TopicPartition)
	// Completed — брокер ответил на коммит.
	Completed(err error, offsets []kafka.Offset)
	// Drain — финальный синхронный коммит при остановке (best-effort).
	Drain(ctx context.Context, c kafka.Consumer) error
	// Uncommitted — обработанные, но ещё не подтверждённые offset'ы.
	Uncommitted() []kafka.Offset
}

// NewCommitPolicy строит политику по режиму.
func NewCommitPolicy(mode CommitMode, commitOnFailure bool, log *logger.Logger) (CommitPolicy, error) {
	switch mode {
	case CommitModeAsync, "":
		return newManualPolicy(kafka.CommitAsync, commitOnFailure, log), nil
	case CommitModeSync:
		return newManualPolicy(kafka.CommitSync, commitOnFailure, log), nil
	case CommitModeAuto:
		return autoPolicy{commitOnFailure: commitOnFailure, log: log}, nil
	default:
		return nil, fmt.Errorf("unknown commit mode %q", mode)
	}
}

// -----------------------------------------------------------------------------
// Manual (async / sync)
// -----------------------------------------------------------------------------

type manualPolicy struct {
	mode            kafka.CommitMode
	commitOnFailure bool
	log             *logger.Logger

	mu          sync.Mutex
	uncommitted map[kafka.TopicPartition]int64
}

func newManualPolicy(mode kafka.CommitMode, commitOnFailure bool, log *logger.Logger) *manualPolicy {
	return &manualPolicy{
		mode:            mode,
		commitOnFailure: commitOnFailure,
		log:             log,
		uncommitted:     make(map[kafka.TopicPartition]int64),
	}
}

func (p *manualPolicy) AutoCommit() bool { return false }

func (p *manualPolicy) Processed(ctx context.Context, c kafka.Consumer, rec *kafka.Record, procErr error) {
	if procErr != nil && !p.commitOnFailure {
		p.log.Debug("commit skipped after processing failure",
			zap.String("topic", rec.Topic), zap.Int32("partition", rec.Partition), zap.Int64("offset", rec.Offset))
		return
	}
	tp := rec.TopicPartition()

	p.mu.Lock()
	if cur, ok := p.uncommitted[tp]; !ok || rec.Offset > cur {
		p.uncommitted[tp] = rec.Offset
	}
	p.mu.Unlock()

	err := c.Commit(ctx, []kafka.Offset{{TopicPartition: tp, Offset: rec.Offset}}, p.mode)
	switch {
	case err == nil:
	case errors.Is(err, kafka.ErrNotOwned):
		// партицию уже отозвали: коммит бессмысленен, новый владелец перечитает
		p.forget(tp)
		p.log.Warn("commit after revoke ignored",
			zap.Stringer("partition", tp), zap.Int64("offset", rec.Offset), zap.Error(err))
	default:
		p.log.Warn("commit request failed",
			zap.Stringer("partition", tp), zap.Int64("offset", rec.Offset),
			zap.Stringer("mode", p.mode), zap.Error(err))
	}
}

func (p *manualPolicy) forget(tp kafka.TopicPartition) {
	p.mu.Lock()
	delete(p.uncommitted, tp)
	p.mu.Unlock()
}

func (p *manualPolicy) Revoked(tps []kafka.TopicPartition) {
	p.mu.Lock()
	dropped := 0
	for _, tp := range tps {
		if _, ok := p.uncommitted[tp]; ok {
			delete(p.uncommitted, tp)
			dropped++
		}
	}
	p.mu.Unlock()
	if dropped > 0 {
		p.log.Debug("uncommitted offsets abandoned on revoke", zap.Int("partitions", dropped))
	}
}

func (p *manualPolicy) Completed(err error, offsets []kafka.Offset) {
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range offsets {
		if cur, ok := p.uncommitted[o.TopicPartition]; ok && cur <= o.Offset {
			delete(p.uncommitted, o.TopicPartition)
		}
	}
}

func (p *manualPolicy) Drain(ctx context.Context, c kafka.Consumer) error {
	offsets := p.Uncommitted()
	if len(offsets) == 0 {
		return nil
	}
	p.log.Info("final commit", zap.Int("partitions", len(offsets)))
	if err := c.Commit(ctx, offsets, kafka.CommitSync); err != nil {
		return fmt.Errorf("final commit: %w", err)
	}
	return nil
}

func (p *manualPolicy) Uncommitted() []kafka.Offset {
	p.mu.Lock()
	out := make([]kafka.Offset, 0, len(p.uncommitted))
	for tp, off := range p.uncommitted {
		out = append(out, kafka.Offset{TopicPartition: tp, Offset: off})
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}

// -----------------------------------------------------------------------------
// Automatic periodic
// -----------------------------------------------------------------------------

// autoPolicy отдаёт коммиты таймеру клиента; финальный коммит делает Close.
// Offset попадает в авто-коммит только после Store, то есть после обработки:
// запись, прерванную остановкой, перечитают.
type autoPolicy struct {
	commitOnFailure bool
	log             *logger.Logger
}

func (autoPolicy) AutoCommit() bool { return true }

func (p autoPolicy) Processed(_ context.Context, c kafka.Consumer, rec *kafka.Record, procErr error) {
	if procErr != nil && !p.commitOnFailure {
		return
	}
	err := c.Store(rec)
	switch {
	case err == nil:
	case errors.Is(err, kafka.ErrNotOwned):
		p.log.Warn("offset store after revoke ignored",
			zap.Stringer("partition", rec.TopicPartition()), zap.Int64("offset", rec.Offset), zap.Error(err))
	default:
		p.log.Warn("offset store failed",
			zap.Stringer("partition", rec.TopicPartition()), zap.Int64("offset", rec.Offset), zap.Error(err))
	}
}

func (autoPolicy) Revoked([]kafka.TopicPartition)              {}
func (autoPolicy) Completed(error, []kafka.Offset)             {}
func (autoPolicy) Drain(context.Context, kafka.Consumer) error { return nil }
func (autoPolicy) Uncommitted() []kafka.Offset                 { return nil }
