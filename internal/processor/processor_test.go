package processor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/YaganovValera/group-consumer/internal/processor"
	"github.com/YaganovValera/group-consumer/pkg/kafka"
	"github.com/YaganovValera/group-consumer/pkg/logger"
)

func TestDecodePayload(t *testing.T) {
	cases := []struct {
		name    string
		in      []byte
		want    string
		wantErr bool
	}{
		{"nil", nil, "", false},
		{"text", []byte("x"), "x", false},
		{"empty", []byte{}, "", false},
		{"invalid", []byte{0xff, 0xfe}, "", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := processor.DecodePayload(c.in)
			if got != c.want {
				t.Errorf("payload = %q; want %q", got, c.want)
			}
			if (err != nil) != c.wantErr {
				t.Errorf("err = %v; wantErr=%v", err, c.wantErr)
			}
			if err != nil && !errors.Is(err, processor.ErrInvalidUTF8) {
				t.Errorf("expected ErrInvalidUTF8, got %v", err)
			}
		})
	}
}

func TestDecodeHeaders_MalformedAreSkipped(t *testing.T) {
	in := []kafka.Header{
		{Key: []byte("trace"), Value: []byte("abc")},
		{Key: nil, Value: []byte("orphan")},
		{Key: []byte{0xc3, 0x28}, Value: nil},
		{Key: []byte("z"), Value: nil},
	}
	out, errs := processor.DecodeHeaders(in)
	if len(out) != 2 || out[0].Name != "trace" || out[1].Name != "z" {
		t.Errorf("unexpected headers: %+v", out)
	}
	if len(errs) != 2 {
		t.Fatalf("expected 2 header errors, got %v", errs)
	}
	if !errors.Is(errs[0], processor.ErrEmptyHeaderName) || !errors.Is(errs[1], processor.ErrInvalidUTF8) {
		t.Errorf("unexpected errors: %v", errs)
	}
}

func TestLogProcessor_BadPayloadStillSucceeds(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p := processor.NewLogProcessor(0, logger.FromZap(zap.New(core)))

	rec := &kafka.Record{
		Topic: "orders", Partition: 0, Offset: 3,
		Value:   []byte{0xff},
		Headers: []kafka.Header{{Key: nil, Value: []byte("v")}},
	}
	if err := p.Process(context.Background(), rec); err != nil {
		t.Fatalf("processing must succeed, got %v", err)
	}
	if n := logs.FilterLevelExact(zapcore.WarnLevel).Len(); n != 2 {
		t.Errorf("expected 2 warnings (payload + header), got %d", n)
	}
	entry := logs.FilterMessage("record").All()
	if len(entry) != 1 || entry[0].ContextMap()["payload"] != "" {
		t.Errorf("expected sentinel empty payload, got %+v", entry)
	}
}

func TestLogProcessor_DelayHonoursContext(t *testing.T) {
	p := processor.NewLogProcessor(time.Hour, logger.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Process(ctx, &kafka.Record{Topic: "t"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

// memStore — SeenStore в памяти.
type memStore struct {
	mu      sync.Mutex
	keys    map[string]bool
	seenErr error
}

func newMemStore() *memStore { return &memStore{keys: make(map[string]bool)} }

func (m *memStore) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seenErr != nil {
		return false, m.seenErr
	}
	return m.keys[key], nil
}

func (m *memStore) Mark(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = true
	return nil
}

func (m *memStore) Close() error { return nil }

func TestDedup_SkipsRedelivery(t *testing.T) {
	calls := 0
	next := processor.Func(func(context.Context, *kafka.Record) error { calls++; return nil })
	store := newMemStore()
	d := processor.NewDedup(next, store, "g1", logger.NewNop())

	rec := &kafka.Record{Topic: "orders", Partition: 1, Offset: 5}
	for i := 0; i < 3; i++ {
		if err := d.Process(context.Background(), rec); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if !store.keys["consumed:g1:orders:1:5"] {
		t.Errorf("key not marked: %v", store.keys)
	}
}

func TestDedup_FailedProcessingNotMarked(t *testing.T) {
	boom := errors.New("boom")
	next := processor.Func(func(context.Context, *kafka.Record) error { return boom })
	store := newMemStore()
	d := processor.NewDedup(next, store, "g1", logger.NewNop())

	rec := &kafka.Record{Topic: "orders", Offset: 1}
	if err := d.Process(context.Background(), rec); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(store.keys) != 0 {
		t.Errorf("failed record must stay unmarked: %v", store.keys)
	}
}

func TestDedup_StoreErrorFailsOpen(t *testing.T) {
	calls := 0
	next := processor.Func(func(context.Context, *kafka.Record) error { calls++; return nil })
	store := newMemStore()
	store.seenErr = errors.New("redis down")
	d := processor.NewDedup(next, store, "g1", logger.NewNop())

	if err := d.Process(context.Background(), &kafka.Record{Topic: "t"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("record must be processed when the store is down, calls=%d", calls)
	}
}

func TestNewRedisStore_RequiresURL(t *testing.T) {
	if _, err := processor.NewRedisStore(context.Background(), processor.RedisConfig{}, logger.NewNop()); err == nil {
		t.Error("expected error for empty URL")
	}
}
