// internal/worker/pool.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/group-consumer/internal/processor"
	"github.com/YaganovValera/group-consumer/pkg/kafka"
	"github.com/YaganovValera/group-consumer/pkg/logger"
)

// ProcessorFactory выдаёт процессор воркеру с данным индексом.
type ProcessorFactory func(index int) processor.Processor

// Shared — один процессор на всех воркеров (он должен быть потокобезопасным).
func Shared(p processor.Processor) ProcessorFactory {
	return func(int) processor.Processor { return p }
}

// Pool запускает N независимых воркеров одной группы.
// Воркеры не отменяют друг друга: падение одного не трогает остальных.
type Pool struct {
	cfg     Config
	client  kafka.Client
	newProc ProcessorFactory
	log     *logger.Logger

	mu      sync.Mutex
	handles []*Handle
}

// NewPool проверяет конфигурацию; воркеры создаются в Spawn.
func NewPool(cfg Config, client kafka.Client, newProc ProcessorFactory, log *logger.Logger) (*Pool, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("worker pool: client required")
	}
	if newProc == nil {
		return nil, fmt.Errorf("worker pool: processor factory required")
	}
	return &Pool{cfg: cfg, client: client, newProc: newProc, log: log.Named("pool")}, nil
}

// Handle — ссылка пула на запущенный воркер.
type Handle struct {
	Index int

	worker *Worker
	done   chan struct{}
	err    error
}

// Wait блокирует до завершения воркера.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Done закрывается, когда воркер завершился.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err — итог воркера; nil, пока он работает.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// State — этап жизненного цикла воркера. Воркер, который не удалось
// даже создать, сразу Failed.
func (h *Handle) State() State {
	if h.worker == nil {
		return StateFailed
	}
	return h.worker.State()
}

// Assignment — партиции, которыми воркер владеет сейчас.
func (h *Handle) Assignment() []kafka.TopicPartition {
	if h.worker == nil {
		return nil
	}
	return h.worker.Assignment()
}

// Spawn запускает count воркеров с индексами, продолжающими уже запущенные.
func (p *Pool) Spawn(ctx context.Context, count int) []*Handle {
	p.mu.Lock()
	base := len(p.handles)
	out := make([]*Handle, 0, count)
	for i := 0; i < count; i++ {
		h := &Handle{Index: base + i, done: make(chan struct{})}
		w, err := New(h.Index, p.cfg, p.client, p.newProc(h.Index), p.log)
		if err != nil {
			p.finish(h, fmt.Errorf("%w: worker %d: %w", ErrSetup, h.Index, err))
		}
		h.worker = w
		p.handles = append(p.handles, h)
		out = append(out, h)
	}
	p.mu.Unlock()

	for _, h := range out {
		if h.worker != nil {
			p.start(ctx, h)
		}
	}
	p.log.Info("workers spawned", zap.Int("count", count), zap.String("group", p.cfg.GroupID))
	return out
}

// start: паники Run перехватывает сам и возвращает как ошибку воркера.
func (p *Pool) start(ctx context.Context, h *Handle) {
	go func() {
		p.finish(h, h.worker.Run(ctx))
	}()
}

func (p *Pool) finish(h *Handle, err error) {
	h.err = err
	if err != nil {
		p.log.Error("worker failed", zap.Int("worker", h.Index), zap.Error(err))
	}
	close(h.done)
}

// AwaitAll ждёт всех воркеров и возвращает первую по времени фатальную
// ошибку. Группа без WithContext: сбой одного воркера соседей не отменяет.
func (p *Pool) AwaitAll(handles []*Handle) error {
	var g errgroup.Group
	for _, h := range handles {
		g.Go(h.Wait)
	}
	return g.Wait()
}

// Run = Spawn + AwaitAll.
func (p *Pool) Run(ctx context.Context, count int) error {
	if count < 1 {
		return fmt.Errorf("worker pool: worker count must be >= 1, got %d", count)
	}
	return p.AwaitAll(p.Spawn(ctx, count))
}

// ErrNotReady — не все воркеры дошли до Running.
var ErrNotReady = errors.New("workers not ready")

// Ready — nil, когда все запущенные воркеры в состоянии Running.
func (p *Pool) Ready() error {
	p.mu.Lock()
	handles := append([]*Handle(nil), p.handles...)
	p.mu.Unlock()
	if len(handles) == 0 {
		return fmt.Errorf("%w: none spawned", ErrNotReady)
	}
	for _, h := range handles {
		if s := h.State(); s != StateRunning {
			return fmt.Errorf("%w: worker %d is %s", ErrNotReady, h.Index, s)
		}
	}
	return nil
}
