// Package kafkatest — in-memory брокер с consumer group'ами для тестов.
//
// Broker реализует kafka.Client: каждый NewConsumer — отдельный участник
// группы. Ребаланс eager: у всех участников сначала отзываются партиции, потом
// раздаются новые, поэтому одна партиция никогда не принадлежит двум
// участникам одновременно. Раздача — round-robin в порядке вступления либо
// вручную через Assign (WithManualAssignment).
package kafkatest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/YaganovValera/group-consumer/pkg/kafka"
)

// CommitEvent — запись в журнале коммитов брокера.
type CommitEvent struct {
	GroupID  string
	ClientID string
	Mode     kafka.CommitMode
	Auto     bool
	Offsets  []kafka.Offset
	Err      error
}

// Option настраивает Broker.
type Option func(*Broker)

// WithManualAssignment отключает автоматическую раздачу партиций: участники
// получают партиции только через Assign.
func WithManualAssignment() Option { return func(b *Broker) { b.manual = true } }

// Broker — in-memory брокер.
type Broker struct {
	mu         sync.Mutex
	rebalMu    sync.Mutex // сериализует ребалансы вместе с колбэками
	manual     bool
	partitions map[string]int32
	logs       map[kafka.TopicPartition][]kafka.Record
	groups     map[string]*group
	notify     chan struct{}

	pollErrs   []error
	commitErr  error
	createErr  error
	subErr     error
	commitLog  []CommitEvent
	deliveries []Delivery
}

// Delivery — запись, выданная участнику через Poll.
type Delivery struct {
	ClientID string
	Record   kafka.Record
}

type group struct {
	id        string
	members   []*member
	owner     map[kafka.TopicPartition]*member
	committed map[kafka.TopicPartition]int64 // следующий к чтению offset
}

// New создаёт пустой брокер.
func New(opts ...Option) *Broker {
	b := &Broker{
		partitions: make(map[string]int32),
		logs:       make(map[kafka.TopicPartition][]kafka.Record),
		groups:     make(map[string]*group),
		notify:     make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// CreateTopic заводит топик с n партициями.
func (b *Broker) CreateTopic(topic string, n int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partitions[topic] = n
}

// Produce дописывает запись в конец партиции и возвращает её offset.
func (b *Broker) Produce(topic string, partition int32, key, value []byte, headers ...kafka.Header) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	tp := kafka.TopicPartition{Topic: topic, Partition: partition}
	if partition >= b.partitions[topic] {
		b.partitions[topic] = partition + 1
	}
	off := int64(len(b.logs[tp]))
	b.logs[tp] = append(b.logs[tp], kafka.Record{
		Topic: topic, Partition: partition, Offset: off,
		Key: key, Value: value, Headers: headers, Timestamp: time.Now(),
	})
	b.wakeLocked()
	return off
}

// ProduceAt кладёт запись с явным offset (offset'ы в логе могут иметь дырки,
// как после compaction). offset должен быть больше последнего в партиции.
func (b *Broker) ProduceAt(topic string, partition int32, offset int64, value []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tp := kafka.TopicPartition{Topic: topic, Partition: partition}
	if partition >= b.partitions[topic] {
		b.partitions[topic] = partition + 1
	}
	b.logs[tp] = append(b.logs[tp], kafka.Record{
		Topic: topic, Partition: partition, Offset: offset, Value: value, Timestamp: time.Now(),
	})
	b.wakeLocked()
}

// FailNextPolls — следующие len(errs) вызовов Poll любого участника вернут эти ошибки.
func (b *Broker) FailNextPolls(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pollErrs = append(b.pollErrs, errs...)
	b.wakeLocked()
}

// FailCommits заставляет все коммиты завершаться ошибкой err; nil — отменяет.
func (b *Broker) FailCommits(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commitErr = err
}

// FailCreate — следующие NewConsumer вернут err; nil — отменяет.
func (b *Broker) FailCreate(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createErr = err
}

// FailSubscribe — следующие Subscribe вернут err; nil — отменяет.
func (b *Broker) FailSubscribe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subErr = err
}

// Committed возвращает закоммиченный "следующий" offset партиции группы.
func (b *Broker) Committed(groupID string, tp kafka.TopicPartition) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[groupID]
	if !ok {
		return 0, false
	}
	off, ok := g.committed[tp]
	return off, ok
}

// Commits — копия журнала коммитов.
func (b *Broker) Commits() []CommitEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]CommitEvent(nil), b.commitLog...)
}

// Deliveries — копия журнала выданных записей.
func (b *Broker) Deliveries() []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Delivery(nil), b.deliveries...)
}

// Members — ClientID участников группы в порядке вступления.
func (b *Broker) Members(groupID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[groupID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(g.members))
	for _, m := range g.members {
		ids = append(ids, m.clientID)
	}
	return ids
}

// Owners — текущее владение партициями группы: tp → ClientID.
func (b *Broker) Owners(groupID string) map[kafka.TopicPartition]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[kafka.TopicPartition]string)
	if g, ok := b.groups[groupID]; ok {
		for tp, m := range g.owner {
			out[tp] = m.clientID
		}
	}
	return out
}

// WaitMembers ждёт, пока в группе окажется n подписанных участников.
func (b *Broker) WaitMembers(ctx context.Context, groupID string, n int) error {
	for {
		b.mu.Lock()
		cnt := 0
		if g, ok := b.groups[groupID]; ok {
			cnt = len(g.members)
		}
		ch := b.notify
		b.mu.Unlock()
		if cnt >= n {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("kafkatest: waiting for %d members of %q: %w", n, groupID, ctx.Err())
		}
	}
}

// Assign раздаёт партиции вручную: ClientID → партиции. Все текущие
// назначения группы сначала отзываются.
func (b *Broker) Assign(groupID string, plan map[string][]kafka.TopicPartition) error {
	b.rebalMu.Lock()
	defer b.rebalMu.Unlock()

	b.mu.Lock()
	g, ok := b.groups[groupID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("kafkatest: unknown group %q", groupID)
	}
	byID := make(map[string]*member, len(g.members))
	for _, m := range g.members {
		byID[m.clientID] = m
	}
	next := make(map[*member][]kafka.TopicPartition)
	seen := make(map[kafka.TopicPartition]string)
	for id, tps := range plan {
		m, ok := byID[id]
		if !ok {
			b.mu.Unlock()
			return fmt.Errorf("kafkatest: unknown member %q", id)
		}
		for _, tp := range tps {
			if prev, dup := seen[tp]; dup {
				b.mu.Unlock()
				return fmt.Errorf("kafkatest: %s assigned to both %q and %q", tp, prev, id)
			}
			seen[tp] = id
		}
		next[m] = tps
	}
	steps := b.reassignLocked(g, next)
	b.mu.Unlock()

	steps.run()
	return nil
}

// NewConsumer реализует kafka.Client.
func (b *Broker) NewConsumer(_ context.Context, cfg kafka.ConsumerConfig, l kafka.RebalanceListener) (kafka.Consumer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	err := b.createErr
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if l == nil {
		l = kafka.NopListener{}
	}
	m := &member{
		broker:   b,
		cfg:      cfg,
		clientID: cfg.ClientID,
		listener: l,
		position: make(map[kafka.TopicPartition]int64),
		stored:   make(map[kafka.TopicPartition]int64),
		eofSent:  make(map[kafka.TopicPartition]int64),
		stop:     make(chan struct{}),
	}
	if m.clientID == "" {
		m.clientID = fmt.Sprintf("member-%p", m)
	}
	return m, nil
}

func (b *Broker) wakeLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// -----------------------------------------------------------------------------
// Rebalance
// -----------------------------------------------------------------------------

type callback struct {
	m        *member
	revoked  []kafka.TopicPartition
	assigned []kafka.TopicPartition
}

type rebalanceSteps []callback

// run сначала вызывает все OnPartitionsRevoked, затем все OnPartitionsAssigned.
func (s rebalanceSteps) run() {
	ctx := context.Background()
	for _, c := range s {
		if len(c.revoked) > 0 {
			c.m.listener.OnPartitionsRevoked(ctx, c.revoked)
		}
	}
	for _, c := range s {
		if len(c.assigned) > 0 {
			c.m.listener.OnPartitionsAssigned(ctx, c.assigned)
		}
	}
}

// reassignLocked применяет новое распределение и возвращает колбэки,
// которые нужно вызвать после снятия b.mu.
func (b *Broker) reassignLocked(g *group, next map[*member][]kafka.TopicPartition) rebalanceSteps {
	var steps rebalanceSteps
	byMember := make(map[*member][]kafka.TopicPartition)
	for tp, m := range g.owner {
		byMember[m] = append(byMember[m], tp)
	}
	for m, tps := range byMember {
		kafka.SortTopicPartitions(tps)
		steps = append(steps, callback{m: m, revoked: tps})
		m.owned = nil
		m.position = make(map[kafka.TopicPartition]int64)
		m.stored = make(map[kafka.TopicPartition]int64)
		m.eofSent = make(map[kafka.TopicPartition]int64)
	}
	g.owner = make(map[kafka.TopicPartition]*member)

	for _, m := range g.members {
		tps := next[m]
		if len(tps) == 0 {
			continue
		}
		kafka.SortTopicPartitions(tps)
		for _, tp := range tps {
			g.owner[tp] = m
			m.position[tp] = b.startOffsetLocked(g, m, tp)
		}
		m.owned = tps
		steps = append(steps, callback{m: m, assigned: tps})
	}
	b.wakeLocked()
	return steps
}

func (b *Broker) startOffsetLocked(g *group, m *member, tp kafka.TopicPartition) int64 {
	if off, ok := g.committed[tp]; ok {
		return off
	}
	if m.cfg.InitialOffset == "oldest" {
		return 0
	}
	return b.endOffsetLocked(tp)
}

func (b *Broker) endOffsetLocked(tp kafka.TopicPartition) int64 {
	log := b.logs[tp]
	if len(log) == 0 {
		return 0
	}
	return log[len(log)-1].Offset + 1
}

// roundRobinLocked раздаёт партиции топиков подписки по участникам по кругу.
func (b *Broker) roundRobinLocked(g *group) map[*member][]kafka.TopicPartition {
	next := make(map[*member][]kafka.TopicPartition)
	if b.manual || len(g.members) == 0 {
		return next
	}
	topics := make(map[string]struct{})
	for _, m := range g.members {
		for _, t := range m.topics {
			topics[t] = struct{}{}
		}
	}
	var all []kafka.TopicPartition
	for t := range topics {
		for p := int32(0); p < b.partitions[t]; p++ {
			all = append(all, kafka.TopicPartition{Topic: t, Partition: p})
		}
	}
	kafka.SortTopicPartitions(all)
	i := 0
	for _, tp := range all {
		// участник получает только топики своей подписки
		for tries := 0; tries < len(g.members); tries++ {
			m := g.members[i%len(g.members)]
			i++
			if m.subscribedTo(tp.Topic) {
				next[m] = append(next[m], tp)
				break
			}
		}
	}
	return next
}

// -----------------------------------------------------------------------------
// Member
// -----------------------------------------------------------------------------

type member struct {
	broker   *Broker
	cfg      kafka.ConsumerConfig
	clientID string
	listener kafka.RebalanceListener

	// под broker.mu
	group    *group
	topics   []string
	owned    []kafka.TopicPartition
	position map[kafka.TopicPartition]int64 // следующий к выдаче offset
	stored   map[kafka.TopicPartition]int64 // для auto-commit: последний отмеченный Store
	eofSent  map[kafka.TopicPartition]int64
	cursor   int
	closed   bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (m *member) subscribedTo(topic string) bool {
	for _, t := range m.topics {
		if t == topic {
			return true
		}
	}
	return false
}

func (m *member) Subscribe(_ context.Context, topics []string) error {
	if len(topics) == 0 {
		return errors.New("kafkatest: empty topic list")
	}
	b := m.broker
	b.rebalMu.Lock()
	defer b.rebalMu.Unlock()

	b.mu.Lock()
	if m.closed {
		b.mu.Unlock()
		return kafka.ErrClosed
	}
	if b.subErr != nil {
		err := b.subErr
		b.mu.Unlock()
		return err
	}
	g, ok := b.groups[m.cfg.GroupID]
	if !ok {
		g = &group{
			id:        m.cfg.GroupID,
			owner:     make(map[kafka.TopicPartition]*member),
			committed: make(map[kafka.TopicPartition]int64),
		}
		b.groups[g.id] = g
	}
	m.group = g
	m.topics = append([]string(nil), topics...)
	g.members = append(g.members, m)
	var steps rebalanceSteps
	if b.manual {
		b.wakeLocked()
	} else {
		steps = b.reassignLocked(g, b.roundRobinLocked(g))
	}
	b.mu.Unlock()
	steps.run()

	if m.cfg.EnableAutoCommit {
		m.wg.Add(1)
		go m.autoCommitLoop()
	}
	return nil
}

func (m *member) Poll(ctx context.Context) (*kafka.Record, error) {
	b := m.broker
	timer := time.NewTimer(m.cfg.PollTimeout)
	defer timer.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b.mu.Lock()
		if m.closed {
			b.mu.Unlock()
			return nil, kafka.ErrClosed
		}
		if m.group == nil {
			b.mu.Unlock()
			return nil, kafka.ErrNotSubscribed
		}
		if len(b.pollErrs) > 0 {
			err := b.pollErrs[0]
			b.pollErrs = b.pollErrs[1:]
			b.mu.Unlock()
			return nil, err
		}
		rec, err := m.nextLocked()
		ch := b.notify
		b.mu.Unlock()
		if rec != nil || err != nil {
			return rec, err
		}

		select {
		case <-ch:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// nextLocked выбирает следующую запись по кругу из своих партиций.
func (m *member) nextLocked() (*kafka.Record, error) {
	b := m.broker
	n := len(m.owned)
	for i := 0; i < n; i++ {
		tp := m.owned[(m.cursor+i)%n]
		pos := m.position[tp]
		log := b.logs[tp]
		idx := sort.Search(len(log), func(j int) bool { return log[j].Offset >= pos })
		if idx < len(log) {
			rec := log[idx]
			m.position[tp] = rec.Offset + 1
			m.cursor = (m.cursor + i + 1) % n
			b.deliveries = append(b.deliveries, Delivery{ClientID: m.clientID, Record: rec})
			return &rec, nil
		}
		if m.cfg.EnablePartitionEOF {
			if sent, ok := m.eofSent[tp]; !ok || sent != pos {
				m.eofSent[tp] = pos
				m.cursor = (m.cursor + i + 1) % n
				return nil, &kafka.PartitionEOF{TopicPartition: tp, Offset: pos}
			}
		}
	}
	return nil, nil
}

// Store запоминает offset для следующего auto-commit'а.
func (m *member) Store(rec *kafka.Record) error {
	b := m.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	tp := rec.TopicPartition()
	switch {
	case !m.cfg.EnableAutoCommit:
		return kafka.ErrManualCommit
	case m.closed:
		return kafka.ErrClosed
	case m.group == nil || m.group.owner[tp] != m:
		return fmt.Errorf("store %s@%d: %w", tp, rec.Offset, kafka.ErrNotOwned)
	}
	if cur, ok := m.stored[tp]; !ok || rec.Offset > cur {
		m.stored[tp] = rec.Offset
	}
	return nil
}

func (m *member) Commit(_ context.Context, offsets []kafka.Offset, mode kafka.CommitMode) error {
	if m.cfg.EnableAutoCommit {
		return kafka.ErrAutoCommit
	}
	offsets = append([]kafka.Offset(nil), offsets...)
	err := m.apply(offsets, mode, false)
	if errors.Is(err, kafka.ErrClosed) || errors.Is(err, kafka.ErrNotOwned) || errors.Is(err, kafka.ErrNotSubscribed) {
		// запрос даже не ушёл в брокер
		return err
	}
	if mode == kafka.CommitAsync {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.listener.OnCommitComplete(err, offsets)
		}()
		return nil
	}
	m.listener.OnCommitComplete(err, offsets)
	return err
}

// apply записывает offsets в группу; ошибка — если хоть одна партиция чужая
// или брокер настроен отказывать.
func (m *member) apply(offsets []kafka.Offset, mode kafka.CommitMode, auto bool) error {
	b := m.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	var err error
	switch {
	case m.closed && !auto:
		err = kafka.ErrClosed
	case m.group == nil:
		err = kafka.ErrNotSubscribed
	default:
		for _, o := range offsets {
			if m.group.owner[o.TopicPartition] != m {
				err = fmt.Errorf("commit %s@%d: %w", o.TopicPartition, o.Offset, kafka.ErrNotOwned)
				break
			}
		}
		if err == nil && b.commitErr != nil {
			err = b.commitErr
		}
		if err == nil {
			for _, o := range offsets {
				m.group.committed[o.TopicPartition] = o.Offset + 1
			}
		}
	}
	groupID := ""
	if m.group != nil {
		groupID = m.group.id
	}
	b.commitLog = append(b.commitLog, CommitEvent{
		GroupID: groupID, ClientID: m.clientID, Mode: mode, Auto: auto, Offsets: offsets, Err: err,
	})
	return err
}

func (m *member) autoCommitLoop() {
	defer m.wg.Done()
	t := time.NewTicker(m.cfg.AutoCommitInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.autoCommit()
		case <-m.stop:
			return
		}
	}
}

func (m *member) autoCommit() {
	b := m.broker
	b.mu.Lock()
	if m.closed {
		b.mu.Unlock()
		return
	}
	offsets := make([]kafka.Offset, 0, len(m.stored))
	for tp, off := range m.stored {
		if m.group != nil && m.group.committed[tp] > off {
			continue
		}
		offsets = append(offsets, kafka.Offset{TopicPartition: tp, Offset: off})
	}
	b.mu.Unlock()
	if len(offsets) == 0 {
		return
	}
	sort.Slice(offsets, func(i, j int) bool {
		if offsets[i].Topic != offsets[j].Topic {
			return offsets[i].Topic < offsets[j].Topic
		}
		return offsets[i].Partition < offsets[j].Partition
	})
	err := m.apply(offsets, kafka.CommitAsync, true)
	m.listener.OnCommitComplete(err, offsets)
}

// Close выходит из группы: финальный auto-commit, отзыв партиций, ребаланс.
func (m *member) Close() error {
	b := m.broker
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()

	if m.cfg.EnableAutoCommit {
		m.autoCommit()
	}

	b.rebalMu.Lock()
	defer b.rebalMu.Unlock()

	b.mu.Lock()
	if m.closed {
		b.mu.Unlock()
		return nil
	}
	m.closed = true
	var steps rebalanceSteps
	if g := m.group; g != nil {
		for i, mm := range g.members {
			if mm == m {
				g.members = append(g.members[:i], g.members[i+1:]...)
				break
			}
		}
		if b.manual {
			// остальные сохраняют партиции, уходящий отдаёт свои
			var revoked []kafka.TopicPartition
			for tp, owner := range g.owner {
				if owner == m {
					revoked = append(revoked, tp)
					delete(g.owner, tp)
				}
			}
			kafka.SortTopicPartitions(revoked)
			m.owned = nil
			if len(revoked) > 0 {
				steps = rebalanceSteps{{m: m, revoked: revoked}}
			}
			b.wakeLocked()
		} else {
			steps = b.reassignLocked(g, b.roundRobinLocked(g))
		}
	}
	b.mu.Unlock()
	steps.run()
	return nil
}
