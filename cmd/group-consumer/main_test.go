package main

import (
	"testing"
	"time"
)

func TestLoadConfig_FlagsAndPositionalTopics(t *testing.T) {
	cmd := newRootCommand()
	if err := cmd.ParseFlags([]string{"--group=g1", "--workers=2", "--commit=sync", "--delay=2s", "-vv"}); err != nil {
		t.Fatal(err)
	}
	verbose, _ := cmd.Flags().GetCount("verbose")

	cfg, err := loadConfig(cmd, "", verbose, []string{"orders", "payments"})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Kafka.GroupID != "g1" || cfg.Worker.Count != 2 || cfg.Commit.Mode != "sync" {
		t.Errorf("flags not applied: %+v %+v %+v", cfg.Kafka, cfg.Worker, cfg.Commit)
	}
	if cfg.Processor.Delay != 2*time.Second {
		t.Errorf("delay = %v", cfg.Processor.Delay)
	}
	if len(cfg.Kafka.Topics) != 2 || cfg.Kafka.Topics[0] != "orders" {
		t.Errorf("topics = %v", cfg.Kafka.Topics)
	}
	if cfg.Logging.Level != "trace" {
		t.Errorf("level = %q; want trace", cfg.Logging.Level)
	}
}

func TestLoadConfig_TopicsFlag(t *testing.T) {
	cmd := newRootCommand()
	if err := cmd.ParseFlags([]string{"--topics=a,b", "--brokers=k1:9092,k2:9092"}); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(cmd, "", 0, nil)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if len(cfg.Kafka.Topics) != 2 || len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("topics=%v brokers=%v", cfg.Kafka.Topics, cfg.Kafka.Brokers)
	}
	if cfg.Kafka.GroupID != "test_group" || cfg.Logging.Level != "info" {
		t.Errorf("defaults lost: group=%q level=%q", cfg.Kafka.GroupID, cfg.Logging.Level)
	}
}

func TestLoadConfig_NoTopicsFails(t *testing.T) {
	cmd := newRootCommand()
	if _, err := loadConfig(cmd, "", 0, nil); err == nil {
		t.Fatal("expected error without topics")
	}
}
