package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/YaganovValera/group-consumer/pkg/kafka"
	"github.com/YaganovValera/group-consumer/pkg/logger"
)

// fakeConsumer записывает коммиты; Poll управляется скриптом.
type fakeConsumer struct {
	mu        sync.Mutex
	commits   []fakeCommit
	commitErr error
	stored    []int64

	polls []pollResult
}

type fakeCommit struct {
	offsets []kafka.Offset
	mode    kafka.CommitMode
}

type pollResult struct {
	rec *kafka.Record
	err error
}

func (f *fakeConsumer) Subscribe(context.Context, []string) error { return nil }

func (f *fakeConsumer) Poll(ctx context.Context) (*kafka.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.polls) == 0 {
		return nil, kafka.ErrClosed
	}
	r := f.polls[0]
	f.polls = f.polls[1:]
	return r.rec, r.err
}

func (f *fakeConsumer) Commit(_ context.Context, offsets []kafka.Offset, mode kafka.CommitMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, fakeCommit{offsets: offsets, mode: mode})
	return f.commitErr
}

func (f *fakeConsumer) Store(rec *kafka.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, rec.Offset)
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

func (f *fakeConsumer) committed() []fakeCommit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeCommit(nil), f.commits...)
}

func rec(topic string, p int32, off int64) *kafka.Record {
	return &kafka.Record{Topic: topic, Partition: p, Offset: off}
}

func TestParseCommitMode(t *testing.T) {
	cases := []struct {
		in      string
		want    CommitMode
		wantErr bool
	}{
		{"", CommitModeAsync, false},
		{"async", CommitModeAsync, false},
		{"SYNC", CommitModeSync, false},
		{" auto ", CommitModeAuto, false},
		{"exactly-once", "", true},
	}
	for _, c := range cases {
		got, err := ParseCommitMode(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("ParseCommitMode(%q) err = %v; wantErr=%v", c.in, err, c.wantErr)
		}
		if got != c.want {
			t.Errorf("ParseCommitMode(%q) = %q; want %q", c.in, got, c.want)
		}
	}
}

func TestManualPolicy_CommitsEveryRecord(t *testing.T) {
	for _, mode := range []CommitMode{CommitModeAsync, CommitModeSync} {
		t.Run(string(mode), func(t *testing.T) {
			p, err := NewCommitPolicy(mode, true, logger.NewNop())
			if err != nil {
				t.Fatal(err)
			}
			if p.AutoCommit() {
				t.Fatal("manual policy must not enable auto commit")
			}
			c := &fakeConsumer{}
			p.Processed(context.Background(), c, rec("orders", 0, 0), nil)
			p.Processed(context.Background(), c, rec("orders", 0, 1), nil)

			commits := c.committed()
			if len(commits) != 2 {
				t.Fatalf("expected 2 commits, got %d", len(commits))
			}
			wantMode := kafka.CommitAsync
			if mode == CommitModeSync {
				wantMode = kafka.CommitSync
			}
			for i, cm := range commits {
				if cm.mode != wantMode || len(cm.offsets) != 1 || cm.offsets[0].Offset != int64(i) {
					t.Errorf("commit #%d = %+v", i, cm)
				}
			}

			un := p.Uncommitted()
			if len(un) != 1 || un[0].Offset != 1 {
				t.Fatalf("expected orders/0@1 pending, got %v", un)
			}
			p.Completed(nil, []kafka.Offset{{TopicPartition: un[0].TopicPartition, Offset: 1}})
			if un := p.Uncommitted(); len(un) != 0 {
				t.Errorf("expected nothing pending after completion, got %v", un)
			}
		})
	}
}

func TestManualPolicy_ProcessingFailure(t *testing.T) {
	cases := []struct {
		name            string
		commitOnFailure bool
		wantCommits     int
	}{
		{"commit anyway", true, 1},
		{"skip", false, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p, _ := NewCommitPolicy(CommitModeAsync, c.commitOnFailure, logger.NewNop())
			fc := &fakeConsumer{}
			p.Processed(context.Background(), fc, rec("t", 0, 7), errors.New("bad record"))
			if n := len(fc.committed()); n != c.wantCommits {
				t.Errorf("commits = %d; want %d", n, c.wantCommits)
			}
		})
	}
}

func TestManualPolicy_CommitAfterRevokeIgnored(t *testing.T) {
	p, _ := NewCommitPolicy(CommitModeAsync, true, logger.NewNop())
	fc := &fakeConsumer{commitErr: fmt.Errorf("commit t/0@3: %w", kafka.ErrNotOwned)}
	p.Processed(context.Background(), fc, rec("t", 0, 3), nil)
	if un := p.Uncommitted(); len(un) != 0 {
		t.Errorf("revoked partition must be forgotten, got %v", un)
	}
}

func TestManualPolicy_FailedCompletionKeepsPending(t *testing.T) {
	p, _ := NewCommitPolicy(CommitModeAsync, true, logger.NewNop())
	fc := &fakeConsumer{}
	p.Processed(context.Background(), fc, rec("t", 0, 3), nil)
	p.Completed(errors.New("coordinator unavailable"), []kafka.Offset{{TopicPartition: kafka.TopicPartition{Topic: "t"}, Offset: 3}})
	if un := p.Uncommitted(); len(un) != 1 {
		t.Errorf("failed commit must stay pending, got %v", un)
	}
}

func TestManualPolicy_DrainSkipsRevoked(t *testing.T) {
	p, _ := NewCommitPolicy(CommitModeAsync, true, logger.NewNop())
	fc := &fakeConsumer{}
	p.Processed(context.Background(), fc, rec("t", 0, 4), nil)
	p.Processed(context.Background(), fc, rec("t", 1, 9), nil)
	p.Revoked([]kafka.TopicPartition{{Topic: "t", Partition: 0}})

	if err := p.Drain(context.Background(), fc); err != nil {
		t.Fatalf("drain: %v", err)
	}
	commits := fc.committed()
	last := commits[len(commits)-1]
	if last.mode != kafka.CommitSync {
		t.Errorf("final commit must be sync, got %v", last.mode)
	}
	if len(last.offsets) != 1 || last.offsets[0].Partition != 1 || last.offsets[0].Offset != 9 {
		t.Errorf("unexpected final commit %+v", last.offsets)
	}
}

func TestManualPolicy_DrainNothingPending(t *testing.T) {
	p, _ := NewCommitPolicy(CommitModeSync, true, logger.NewNop())
	fc := &fakeConsumer{}
	if err := p.Drain(context.Background(), fc); err != nil {
		t.Fatal(err)
	}
	if len(fc.committed()) != 0 {
		t.Error("drain with nothing pending must not commit")
	}
}

func TestAutoPolicy_StoresInsteadOfCommitting(t *testing.T) {
	p, _ := NewCommitPolicy(CommitModeAuto, true, logger.NewNop())
	if !p.AutoCommit() {
		t.Fatal("auto policy must enable auto commit")
	}
	fc := &fakeConsumer{}
	p.Processed(context.Background(), fc, rec("t", 0, 1), nil)
	p.Processed(context.Background(), fc, rec("t", 0, 2), errors.New("bad payload"))
	if err := p.Drain(context.Background(), fc); err != nil {
		t.Fatal(err)
	}
	if len(fc.committed()) != 0 {
		t.Error("auto policy must not call Commit")
	}
	if len(fc.stored) != 2 || fc.stored[0] != 1 || fc.stored[1] != 2 {
		t.Errorf("stored = %v; want [1 2]", fc.stored)
	}
}

func TestAutoPolicy_SkipsFailedWithoutCommitOnFailure(t *testing.T) {
	p, _ := NewCommitPolicy(CommitModeAuto, false, logger.NewNop())
	fc := &fakeConsumer{}
	p.Processed(context.Background(), fc, rec("t", 0, 1), errors.New("bad payload"))
	if len(fc.stored) != 0 {
		t.Errorf("failed record stored: %v", fc.stored)
	}
}
