package kafkatest_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/YaganovValera/group-consumer/pkg/kafka"
	"github.com/YaganovValera/group-consumer/pkg/kafka/kafkatest"
)

type event struct {
	kind string
	who  string
	tps  []kafka.TopicPartition
}

// journal — общий для участников журнал колбэков.
type journal struct {
	mu     sync.Mutex
	events []event
}

func (j *journal) listener(who string) kafka.RebalanceListener { return &jl{j: j, who: who} }

func (j *journal) all() []event {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]event(nil), j.events...)
}

type jl struct {
	j   *journal
	who string
}

func (l *jl) add(kind string, tps []kafka.TopicPartition) {
	l.j.mu.Lock()
	l.j.events = append(l.j.events, event{kind, l.who, tps})
	l.j.mu.Unlock()
}

func (l *jl) OnPartitionsAssigned(_ context.Context, tps []kafka.TopicPartition) {
	l.add("assigned", tps)
}
func (l *jl) OnPartitionsRevoked(_ context.Context, tps []kafka.TopicPartition) {
	l.add("revoked", tps)
}
func (l *jl) OnCommitComplete(err error, _ []kafka.Offset) {
	kind := "commit"
	if err != nil {
		kind = "commit-error"
	}
	l.add(kind, nil)
}

func cfg(id string) kafka.ConsumerConfig {
	return kafka.ConsumerConfig{
		GroupID:       "g",
		Brokers:       []string{"mem"},
		ClientID:      id,
		InitialOffset: "oldest",
		PollTimeout:   10 * time.Millisecond,
	}
}

func join(t *testing.T, b *kafkatest.Broker, j *journal, id string, c kafka.ConsumerConfig, topics ...string) kafka.Consumer {
	t.Helper()
	c.ClientID = id
	m, err := b.NewConsumer(context.Background(), c, j.listener(id))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Subscribe(context.Background(), topics); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestBroker_RevokesBeforeAssigning(t *testing.T) {
	b := kafkatest.New()
	b.CreateTopic("t", 2)
	j := &journal{}
	join(t, b, j, "a", cfg("a"), "t")
	join(t, b, j, "b", cfg("b"), "t")

	ev := j.all()
	// a: assigned [0 1]; затем ребаланс: a revoked, a assigned [0], b assigned [1]
	if len(ev) != 4 {
		t.Fatalf("unexpected events %+v", ev)
	}
	if ev[1].kind != "revoked" || ev[1].who != "a" {
		t.Errorf("expected revoke first, got %+v", ev[1])
	}
	owners := b.Owners("g")
	if owners[kafka.TopicPartition{Topic: "t", Partition: 0}] != "a" || owners[kafka.TopicPartition{Topic: "t", Partition: 1}] != "b" {
		t.Errorf("owners = %v", owners)
	}
}

func TestBroker_CommitRules(t *testing.T) {
	b := kafkatest.New()
	b.CreateTopic("t", 1)
	b.Produce("t", 0, nil, []byte("x"))
	j := &journal{}
	m := join(t, b, j, "a", cfg("a"), "t")

	rec, err := m.Poll(context.Background())
	if err != nil || rec == nil {
		t.Fatalf("poll: %v %v", rec, err)
	}
	own := []kafka.Offset{{TopicPartition: rec.TopicPartition(), Offset: rec.Offset}}
	if err := m.Commit(context.Background(), own, kafka.CommitSync); err != nil {
		t.Fatalf("sync commit: %v", err)
	}
	if next, _ := b.Committed("g", rec.TopicPartition()); next != 1 {
		t.Errorf("committed next = %d; want 1", next)
	}

	foreign := []kafka.Offset{{TopicPartition: kafka.TopicPartition{Topic: "other"}, Offset: 0}}
	if err := m.Commit(context.Background(), foreign, kafka.CommitAsync); !errors.Is(err, kafka.ErrNotOwned) {
		t.Errorf("expected ErrNotOwned, got %v", err)
	}

	b.FailCommits(errors.New("coordinator moved"))
	if err := m.Commit(context.Background(), own, kafka.CommitSync); err == nil {
		t.Error("expected broker commit error")
	}

	_ = m.Close()
	if err := m.Commit(context.Background(), own, kafka.CommitSync); !errors.Is(err, kafka.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestBroker_PartitionEOFOncePerPosition(t *testing.T) {
	b := kafkatest.New()
	b.CreateTopic("t", 1)
	b.Produce("t", 0, nil, []byte("x"))
	c := cfg("a")
	c.EnablePartitionEOF = true
	m := join(t, b, &journal{}, "a", c, "t")

	if rec, err := m.Poll(context.Background()); err != nil || rec == nil {
		t.Fatalf("expected record, got %v %v", rec, err)
	}
	if _, err := m.Poll(context.Background()); !kafka.IsPartitionEOF(err) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if rec, err := m.Poll(context.Background()); rec != nil || err != nil {
		t.Errorf("expected empty poll, got %v %v", rec, err)
	}
}

func TestBroker_AutoCommitOnClose(t *testing.T) {
	b := kafkatest.New()
	b.CreateTopic("t", 1)
	b.Produce("t", 0, nil, []byte("x"))
	b.Produce("t", 0, nil, []byte("y"))
	c := cfg("a")
	c.EnableAutoCommit = true
	c.AutoCommitInterval = time.Hour
	m := join(t, b, &journal{}, "a", c, "t")

	// обе записи выданы, но обработана (Store) только первая
	var recs []*kafka.Record
	for len(recs) < 2 {
		rec, err := m.Poll(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if rec != nil {
			recs = append(recs, rec)
		}
	}
	if err := m.Store(recs[0]); err != nil {
		t.Fatal(err)
	}
	if err := m.Commit(context.Background(), nil, kafka.CommitSync); !errors.Is(err, kafka.ErrAutoCommit) {
		t.Errorf("expected ErrAutoCommit, got %v", err)
	}
	_ = m.Close()
	if next, _ := b.Committed("g", kafka.TopicPartition{Topic: "t"}); next != 1 {
		t.Errorf("committed = %d; want 1 (unstored record must be redelivered)", next)
	}
	if err := m.Store(recs[1]); !errors.Is(err, kafka.ErrClosed) {
		t.Errorf("Store after Close = %v; want ErrClosed", err)
	}
}

func TestBroker_StoreRequiresAutoCommit(t *testing.T) {
	b := kafkatest.New()
	b.CreateTopic("t", 1)
	m := join(t, b, &journal{}, "a", cfg("a"), "t")
	rec := &kafka.Record{Topic: "t", Partition: 0, Offset: 0}
	if err := m.Store(rec); !errors.Is(err, kafka.ErrManualCommit) {
		t.Errorf("expected ErrManualCommit, got %v", err)
	}
}

func TestBroker_AssignRejectsDuplicates(t *testing.T) {
	b := kafkatest.New(kafkatest.WithManualAssignment())
	b.CreateTopic("t", 1)
	j := &journal{}
	join(t, b, j, "a", cfg("a"), "t")
	join(t, b, j, "b", cfg("b"), "t")

	p0 := kafka.TopicPartition{Topic: "t"}
	err := b.Assign("g", map[string][]kafka.TopicPartition{"a": {p0}, "b": {p0}})
	if err == nil {
		t.Fatal("expected duplicate assignment error")
	}
	if err := b.Assign("g", map[string][]kafka.TopicPartition{"b": {p0}}); err != nil {
		t.Fatal(err)
	}
	if got := b.Owners("g")[p0]; got != "b" {
		t.Errorf("owner = %q", got)
	}
}
