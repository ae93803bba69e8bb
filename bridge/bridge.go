// Package bridge fans chat events out across nodes. Each node subscribes
// only to the channels of users and groups it currently serves and forwards
// what arrives to its local connections.
package bridge

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"chatrelay/models"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TopicPresence carries presence broadcasts to every node.
const TopicPresence = "chat:presence"

func DeliverChannel(userID int64) string { return "chat:deliver:" + strconv.FormatInt(userID, 10) }
func GroupChannel(groupID int64) string  { return "chat:group:" + strconv.FormatInt(groupID, 10) }
func ReceiptChannel(userID int64) string { return "chat:receipt:" + strconv.FormatInt(userID, 10) }
func TypingChannel(userID int64) string  { return "chat:typing:" + strconv.FormatInt(userID, 10) }

// Sink is the node's live-connection multiplexer.
type Sink interface {
	Message(userID int64, ev models.ChatEvent)
	GroupMessage(groupID int64, ev models.ChatEvent)
	Receipt(userID int64, r models.ReadReceipt)
	Typing(userID int64, ev models.TypingEvent)
	Presence(ev models.PresenceEvent)
}

type Bridge struct {
	ps   PubSub
	sink Sink

	mu       sync.Mutex
	users    map[int64]*refSub
	groups   map[int64]*refSub
	presence Unsubscriber

	published metric.Int64Counter
	received  metric.Int64Counter
	discarded metric.Int64Counter
}

// refSub is shared by every local connection interested in one channel set.
type refSub struct {
	refs  int
	unsub []Unsubscriber
}

// New creates a bridge forwarding inbound events to sink. A nil sink makes a
// publish-only bridge.
func New(ps PubSub, sink Sink) *Bridge {
	meter := otel.Meter("chatrelay/bridge")
	published, _ := meter.Int64Counter("bridge_events_published_total",
		metric.WithDescription("Events published to bridge channels"))
	received, _ := meter.Int64Counter("bridge_events_received_total",
		metric.WithDescription("Events forwarded to local connections"))
	discarded, _ := meter.Int64Counter("bridge_events_discarded_total",
		metric.WithDescription("Inbound events that could not be decoded or handled"))

	return &Bridge{
		ps:        ps,
		sink:      sink,
		users:     make(map[int64]*refSub),
		groups:    make(map[int64]*refSub),
		published: published,
		received:  received,
		discarded: discarded,
	}
}

func (b *Bridge) publish(ctx context.Context, kind, channel string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s event", kind)
	}
	if err := b.ps.Publish(ctx, channel, data); err != nil {
		return errors.Wrapf(models.ErrTransient, "bridge publish to %s: %v", channel, err)
	}
	b.published.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	return nil
}

func (b *Bridge) PublishToUser(ctx context.Context, userID int64, ev models.ChatEvent) error {
	return b.publish(ctx, "deliver", DeliverChannel(userID), ev)
}

func (b *Bridge) PublishToGroup(ctx context.Context, groupID int64, ev models.ChatEvent) error {
	return b.publish(ctx, "group", GroupChannel(groupID), ev)
}

// PublishReceipt notifies the original sender that r.MessageID was read.
func (b *Bridge) PublishReceipt(ctx context.Context, r models.ReadReceipt) error {
	return b.publish(ctx, "receipt", ReceiptChannel(r.SenderID), r)
}

func (b *Bridge) PublishTyping(ctx context.Context, ev models.TypingEvent) error {
	return b.publish(ctx, "typing", TypingChannel(ev.ReceiverID), ev)
}

func (b *Bridge) PublishPresence(ctx context.Context, ev models.PresenceEvent) error {
	return b.publish(ctx, "presence", TopicPresence, ev)
}

// listener decodes an inbound payload into T and hands it to fn. Decode
// errors and panics are logged and the event is discarded.
func listener[T any](b *Bridge, channel string, fn func(T)) func([]byte) {
	ctx := context.Background()
	return func(data []byte) {
		defer func() {
			if r := recover(); r != nil {
				jww.ERROR.Printf("Bridge listener on %s panicked: %v", channel, r)
				b.discarded.Add(ctx, 1)
			}
		}()

		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			jww.WARN.Printf("Discarding undecodable event on %s: %v", channel, err)
			b.discarded.Add(ctx, 1)
			return
		}
		b.received.Add(ctx, 1)
		fn(v)
	}
}

func (b *Bridge) subscribeAll(subs map[string]func([]byte)) ([]Unsubscriber, error) {
	var out []Unsubscriber
	for channel, fn := range subs {
		u, err := b.ps.Subscribe(channel, fn)
		if err != nil {
			for _, prev := range out {
				prev.Unsubscribe()
			}
			return nil, errors.Wrapf(models.ErrTransient, "subscribe %s: %v", channel, err)
		}
		out = append(out, u)
	}
	return out, nil
}

// SubscribeUser attaches the user's deliver, receipt and typing listeners.
// Calls are reference counted; the listeners stay until the matching number
// of UnsubscribeUser calls.
func (b *Bridge) SubscribeUser(userID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.users[userID]; ok {
		s.refs++
		return nil
	}

	unsub, err := b.subscribeAll(map[string]func([]byte){
		DeliverChannel(userID): listener(b, DeliverChannel(userID), func(ev models.ChatEvent) {
			b.sink.Message(userID, ev)
		}),
		ReceiptChannel(userID): listener(b, ReceiptChannel(userID), func(r models.ReadReceipt) {
			b.sink.Receipt(userID, r)
		}),
		TypingChannel(userID): listener(b, TypingChannel(userID), func(ev models.TypingEvent) {
			b.sink.Typing(userID, ev)
		}),
	})
	if err != nil {
		return err
	}

	b.users[userID] = &refSub{refs: 1, unsub: unsub}
	jww.DEBUG.Printf("Bridge subscribed user %d", userID)
	return nil
}

func (b *Bridge) UnsubscribeUser(userID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	release(b.users, userID)
}

func (b *Bridge) SubscribeGroup(groupID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.groups[groupID]; ok {
		s.refs++
		return nil
	}

	unsub, err := b.subscribeAll(map[string]func([]byte){
		GroupChannel(groupID): listener(b, GroupChannel(groupID), func(ev models.ChatEvent) {
			b.sink.GroupMessage(groupID, ev)
		}),
	})
	if err != nil {
		return err
	}

	b.groups[groupID] = &refSub{refs: 1, unsub: unsub}
	return nil
}

func (b *Bridge) UnsubscribeGroup(groupID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	release(b.groups, groupID)
}

func release(subs map[int64]*refSub, id int64) {
	s, ok := subs[id]
	if !ok {
		return
	}
	s.refs--
	if s.refs > 0 {
		return
	}
	for _, u := range s.unsub {
		if err := u.Unsubscribe(); err != nil {
			jww.WARN.Printf("Unsubscribe failed: %v", err)
		}
	}
	delete(subs, id)
}

// SubscribePresence attaches the node-wide presence listener once.
func (b *Bridge) SubscribePresence() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.presence != nil {
		return nil
	}

	u, err := b.ps.Subscribe(TopicPresence, listener(b, TopicPresence, func(ev models.PresenceEvent) {
		b.sink.Presence(ev)
	}))
	if err != nil {
		return errors.Wrapf(models.ErrTransient, "subscribe presence: %v", err)
	}
	b.presence = u
	return nil
}

// Subscribed reports whether this node listens to userID's channels.
func (b *Bridge) Subscribed(userID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.users[userID]
	return ok
}

// Close detaches every listener of this node.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, s := range b.users {
		s.refs = 1
		release(b.users, id)
	}
	for id, s := range b.groups {
		s.refs = 1
		release(b.groups, id)
	}
	if b.presence != nil {
		b.presence.Unsubscribe()
		b.presence = nil
	}
}
