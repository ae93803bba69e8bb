package bridge

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// PubSub is a best-effort channel transport: no acknowledgement, no
// persistence, no replay. A publish on a channel without subscribers is
// dropped.
type PubSub interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Subscribe(channel string, fn func(data []byte)) (Unsubscriber, error)
	Close() error
}

type Unsubscriber interface {
	Unsubscribe() error
}

// memoryBuffer bounds each subscriber's backlog; overflow is dropped.
const memoryBuffer = 256

// Memory is an in-process PubSub. Every subscription runs its own goroutine
// so a slow or failing listener never blocks the publisher or its peers.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

type memorySub struct {
	ps      *Memory
	channel string
	ch      chan []byte
	once    sync.Once
	done    chan struct{}
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*memorySub]struct{})}
}

func (m *Memory) Publish(_ context.Context, channel string, data []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.New("pubsub closed")
	}

	for sub := range m.subs[channel] {
		select {
		case sub.ch <- append([]byte(nil), data...):
		default:
			jww.WARN.Printf("Dropping event on %s: subscriber backlog full", channel)
		}
	}
	return nil
}

func (m *Memory) Subscribe(channel string, fn func(data []byte)) (Unsubscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("pubsub closed")
	}

	sub := &memorySub{
		ps:      m,
		channel: channel,
		ch:      make(chan []byte, memoryBuffer),
		done:    make(chan struct{}),
	}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memorySub]struct{})
	}
	m.subs[channel][sub] = struct{}{}

	go func() {
		for {
			select {
			case data := <-sub.ch:
				fn(data)
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		s.ps.mu.Lock()
		delete(s.ps.subs[s.channel], s)
		if len(s.ps.subs[s.channel]) == 0 {
			delete(s.ps.subs, s.channel)
		}
		s.ps.mu.Unlock()
		close(s.done)
	})
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	var subs []*memorySub
	for _, set := range m.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	m.closed = true
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return nil
}

// NATS is the clustered PubSub over core NATS subjects.
type NATS struct {
	nc *nats.Conn
}

func NewNATS(nc *nats.Conn) *NATS {
	return &NATS{nc: nc}
}

func (n *NATS) Publish(_ context.Context, channel string, data []byte) error {
	return errors.Wrapf(n.nc.Publish(channel, data), "publish %s", channel)
}

func (n *NATS) Subscribe(channel string, fn func(data []byte)) (Unsubscriber, error) {
	sub, err := n.nc.Subscribe(channel, func(msg *nats.Msg) {
		fn(msg.Data)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", channel)
	}
	// the subscription must be known to the server before a peer publishes
	if err := n.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, errors.Wrapf(err, "subscribe %s", channel)
	}
	return sub, nil
}

// Close is a no-op; the connection belongs to the caller.
func (n *NATS) Close() error {
	return nil
}
