package queue

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Memory is an in-process Queue. Several nodes in one process may share it,
// which is how the multi-node tests run.
type Memory struct {
	partitions int
	maxDeliver int
	backoff    func(attempt int) time.Duration
	now        func() time.Time

	mu     sync.Mutex
	topics map[string]*topicLog
	groups map[string]*group
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

type topicLog struct {
	parts []*partitionLog
	seen  map[string]time.Time
	order []seenID
}

type seenID struct {
	id string
	at time.Time
}

// expire forgets msgIDs published before cutoff. Caller holds Memory.mu.
func (t *topicLog) expire(cutoff time.Time) {
	for len(t.order) > 0 && t.order[0].at.Before(cutoff) {
		delete(t.seen, t.order[0].id)
		t.order = t.order[1:]
	}
}

type partitionLog struct {
	mu      sync.Mutex
	records []Record
	notify  chan struct{}
}

type group struct {
	mu      sync.Mutex
	members []*member
	changed chan struct{}
	nextID  int
}

type member struct {
	id int
	h  Handler
}

func NewMemory(partitions, maxDeliver int) *Memory {
	if partitions < 1 {
		partitions = 1
	}
	if maxDeliver < 1 {
		maxDeliver = DefaultMaxDeliver
	}
	return &Memory{
		partitions: partitions,
		maxDeliver: maxDeliver,
		backoff:    backoff,
		now:        time.Now,
		topics:     make(map[string]*topicLog),
		groups:     make(map[string]*group),
		done:       make(chan struct{}),
	}
}

func (m *Memory) topic(name string) *topicLog {
	t, ok := m.topics[name]
	if !ok {
		t = &topicLog{seen: make(map[string]time.Time)}
		for i := 0; i < m.partitions; i++ {
			t.parts = append(t.parts, &partitionLog{notify: make(chan struct{})})
		}
		m.topics[name] = t
	}
	return t
}

func (m *Memory) Publish(ctx context.Context, topic, key, msgID string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("queue closed")
	}
	t := m.topic(topic)
	if msgID != "" {
		now := m.now()
		t.expire(now.Add(-DuplicateWindow))
		if _, dup := t.seen[msgID]; dup {
			m.mu.Unlock()
			return nil
		}
		t.seen[msgID] = now
		t.order = append(t.order, seenID{id: msgID, at: now})
	}
	m.mu.Unlock()

	p := Partition(key, m.partitions)
	part := t.parts[p]
	part.mu.Lock()
	part.records = append(part.records, Record{
		Topic:     topic,
		Key:       key,
		Partition: p,
		Offset:    uint64(len(part.records)),
		Value:     append([]byte(nil), value...),
	})
	close(part.notify)
	part.notify = make(chan struct{})
	part.mu.Unlock()

	return nil
}

// at returns the record at offset, or a channel closed on the next append.
func (p *partitionLog) at(offset uint64) (Record, bool, <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if offset < uint64(len(p.records)) {
		return p.records[offset], true, nil
	}
	return Record{}, false, p.notify
}

func (m *Memory) Consume(ctx context.Context, topic, groupName string, h Handler) (Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("queue closed")
	}
	t := m.topic(topic)
	key := topic + "/" + groupName
	g, ok := m.groups[key]
	if !ok {
		g = &group{changed: make(chan struct{})}
		m.groups[key] = g
		for i, part := range t.parts {
			m.wg.Add(1)
			go m.dispatch(g, i, part)
		}
		jww.DEBUG.Printf("Queue group %s started on %d partitions", key, len(t.parts))
	}
	m.mu.Unlock()

	mem := g.join(h)
	sub := &memorySub{g: g, id: mem.id}
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				sub.Stop()
			case <-m.done:
			}
		}()
	}
	return sub, nil
}

func (g *group) join(h Handler) *member {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	mem := &member{id: g.nextID, h: h}
	g.members = append(g.members, mem)
	g.signal()
	return mem
}

func (g *group) leave(id int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, mem := range g.members {
		if mem.id == id {
			g.members = append(g.members[:i], g.members[i+1:]...)
			g.signal()
			return
		}
	}
}

func (g *group) signal() {
	close(g.changed)
	g.changed = make(chan struct{})
}

// owner assigns partition p to a member. The assignment is stable while
// membership does not change.
func (g *group) owner(p int) (Handler, <-chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.members) == 0 {
		return nil, g.changed
	}
	return g.members[p%len(g.members)].h, nil
}

func (m *Memory) dispatch(g *group, p int, part *partitionLog) {
	defer m.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-m.done
		cancel()
	}()

	var offset uint64
	for {
		rec, ok, wait := part.at(offset)
		if !ok {
			select {
			case <-wait:
				continue
			case <-m.done:
				return
			}
		}

		for attempt := 1; ; attempt++ {
			h, changed := g.owner(p)
			for h == nil {
				select {
				case <-changed:
				case <-m.done:
					return
				}
				h, changed = g.owner(p)
			}

			rec.Attempt = attempt
			err := safeHandle(ctx, h, rec)
			if err == nil {
				break
			}
			if attempt >= m.maxDeliver {
				jww.ERROR.Printf("Dropping %s[%d]@%d after %d attempts: %v",
					rec.Topic, rec.Partition, rec.Offset, attempt, err)
				break
			}
			jww.WARN.Printf("Redelivering %s[%d]@%d (attempt %d): %v",
				rec.Topic, rec.Partition, rec.Offset, attempt, err)
			select {
			case <-time.After(m.backoff(attempt)):
			case <-m.done:
				return
			}
		}
		offset++
	}
}

func safeHandle(ctx context.Context, h Handler, rec Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, rec)
}

// Close stops every dispatcher and waits for in-flight handlers.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

type memorySub struct {
	g    *group
	id   int
	once sync.Once
}

func (s *memorySub) Stop() {
	s.once.Do(func() { s.g.leave(s.id) })
}
