package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/YaganovValera/group-consumer/internal/config"
	"github.com/YaganovValera/group-consumer/internal/worker"
	"github.com/YaganovValera/group-consumer/pkg/kafka"
	"github.com/YaganovValera/group-consumer/pkg/kafka/kafkatest"
	"github.com/YaganovValera/group-consumer/pkg/logger"
)

func testConfig(t *testing.T, overrides map[string]any) *config.Config {
	t.Helper()
	o := map[string]any{
		"kafka.topics":         []string{"orders"},
		"kafka.group_id":       "g1",
		"kafka.initial_offset": "oldest",
		"kafka.poll_timeout":   "10ms",
		"worker.count":         2,
		"http.enabled":         false,
	}
	for k, v := range overrides {
		o[k] = v
	}
	cfg, err := config.Load(config.Options{Overrides: o})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func TestRun_ConsumesUntilCancelled(t *testing.T) {
	b := kafkatest.New()
	b.CreateTopic("orders", 2)
	b.Produce("orders", 0, []byte("k"), []byte("v0"))
	b.Produce("orders", 1, []byte("k"), []byte("v1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, testConfig(t, nil), b, logger.NewNop()) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		n0, _ := b.Committed("g1", kafka.TopicPartition{Topic: "orders", Partition: 0})
		n1, _ := b.Committed("g1", kafka.TopicPartition{Topic: "orders", Partition: 1})
		if n0 == 1 && n1 == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("records were not committed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	for _, id := range b.Members("g1") {
		if !strings.HasPrefix(id, "group-consumer-") {
			t.Errorf("unexpected client id %q", id)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("clean shutdown expected, got %v", err)
	}
}

func TestRun_SetupFailureIsFatal(t *testing.T) {
	b := kafkatest.New()
	b.FailCreate(errors.New("unknown broker"))
	err := run(context.Background(), testConfig(t, nil), b, logger.NewNop())
	if !errors.Is(err, worker.ErrSetup) {
		t.Fatalf("expected ErrSetup, got %v", err)
	}
}

func TestWorkerConfig(t *testing.T) {
	cfg := testConfig(t, map[string]any{"commit.mode": "SYNC", "kafka.initial_offset": "Oldest"})
	wc, err := workerConfig(cfg, "abcd1234")
	if err != nil {
		t.Fatal(err)
	}
	if wc.CommitMode != worker.CommitModeSync {
		t.Errorf("commit mode = %q", wc.CommitMode)
	}
	if wc.ClientIDPrefix != "group-consumer-abcd1234" {
		t.Errorf("client id prefix = %q", wc.ClientIDPrefix)
	}
	if wc.Consumer.InitialOffset != "oldest" {
		t.Errorf("initial offset = %q", wc.Consumer.InitialOffset)
	}
}
