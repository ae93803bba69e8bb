package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"chatrelay/models"
	"chatrelay/natstest"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu       sync.Mutex
	messages map[int64][]models.ChatEvent
	groups   map[int64][]models.ChatEvent
	receipts []models.ReadReceipt
	typing   []models.TypingEvent
	presence []models.PresenceEvent
	panicOn  string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		messages: make(map[int64][]models.ChatEvent),
		groups:   make(map[int64][]models.ChatEvent),
	}
}

func (s *recordingSink) Message(userID int64, ev models.ChatEvent) {
	if ev.Content == s.panicOn && s.panicOn != "" {
		panic("sink failure")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[userID] = append(s.messages[userID], ev)
}

func (s *recordingSink) GroupMessage(groupID int64, ev models.ChatEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[groupID] = append(s.groups[groupID], ev)
}

func (s *recordingSink) Receipt(_ int64, r models.ReadReceipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
}

func (s *recordingSink) Typing(_ int64, ev models.TypingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing = append(s.typing, ev)
}

func (s *recordingSink) Presence(ev models.PresenceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence = append(s.presence, ev)
}

func (s *recordingSink) messageCount(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[userID])
}

func event(id int64, content string) models.ChatEvent {
	return models.ChatEvent{MessageID: id, SenderID: 1, Content: content}
}

// forEachTransport runs fn with two PubSubs standing in for two nodes: one
// shared in-process value, then two connections to an embedded NATS server.
func forEachTransport(t *testing.T, fn func(t *testing.T, a, b PubSub)) {
	t.Run("memory", func(t *testing.T) {
		ps := NewMemory()
		defer ps.Close()
		fn(t, ps, ps)
	})
	t.Run("nats", func(t *testing.T) {
		ns := natstest.RunServer(t)
		fn(t, NewNATS(natstest.Connect(t, ns)), NewNATS(natstest.Connect(t, ns)))
	})
}

func TestPublishWithoutSubscribersIsDropped(t *testing.T) {
	forEachTransport(t, func(t *testing.T, psA, psB PubSub) {
		sink := newRecordingSink()
		publisher := New(psA, nil)
		b := New(psB, sink)
		ctx := context.Background()

		require.NoError(t, publisher.PublishToUser(ctx, 42, event(1, "early")))

		require.NoError(t, b.SubscribeUser(42))
		time.Sleep(50 * time.Millisecond)
		require.Equal(t, 0, sink.messageCount(42), "no retroactive delivery")

		require.NoError(t, publisher.PublishToUser(ctx, 42, event(2, "late")))
		require.Eventually(t, func() bool { return sink.messageCount(42) == 1 }, 2*time.Second, 5*time.Millisecond)

		sink.mu.Lock()
		require.Equal(t, int64(2), sink.messages[42][0].MessageID)
		sink.mu.Unlock()
	})
}

func TestCrossNodeDelivery(t *testing.T) {
	forEachTransport(t, func(t *testing.T, psA, psB PubSub) {
		nodeA := newRecordingSink()
		nodeB := newRecordingSink()
		a := New(psA, nodeA)
		b := New(psB, nodeB)
		ctx := context.Background()

		require.NoError(t, b.SubscribeUser(2))
		require.NoError(t, b.SubscribePresence())
		require.NoError(t, a.PublishToUser(ctx, 2, event(7, "hi")))
		require.NoError(t, a.PublishPresence(ctx, models.PresenceEvent{UserID: 2, Online: true}))

		require.Eventually(t, func() bool {
			nodeB.mu.Lock()
			defer nodeB.mu.Unlock()
			return len(nodeB.messages[2]) == 1 && len(nodeB.presence) == 1
		}, 2*time.Second, 5*time.Millisecond)
		require.Equal(t, 0, nodeA.messageCount(2))

		b.UnsubscribeUser(2)
		require.NoError(t, a.PublishToUser(ctx, 2, event(8, "after leaving")))
		time.Sleep(50 * time.Millisecond)
		require.Equal(t, 1, nodeB.messageCount(2))
	})
}

func TestSubscriptionsAreReferenceCounted(t *testing.T) {
	ps := NewMemory()
	defer ps.Close()
	sink := newRecordingSink()
	b := New(ps, sink)
	ctx := context.Background()

	require.NoError(t, b.SubscribeUser(5))
	require.NoError(t, b.SubscribeUser(5))

	b.UnsubscribeUser(5)
	require.True(t, b.Subscribed(5))
	require.NoError(t, b.PublishToUser(ctx, 5, event(1, "still here")))
	require.Eventually(t, func() bool { return sink.messageCount(5) == 1 }, time.Second, 5*time.Millisecond)

	b.UnsubscribeUser(5)
	require.False(t, b.Subscribed(5))
	require.NoError(t, b.PublishToUser(ctx, 5, event(2, "gone")))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, sink.messageCount(5))

	// extra unsubscribe is harmless
	b.UnsubscribeUser(5)
}

func TestListenerSurvivesBadPayloadsAndPanics(t *testing.T) {
	ps := NewMemory()
	defer ps.Close()
	sink := newRecordingSink()
	sink.panicOn = "explode"
	b := New(ps, sink)
	ctx := context.Background()

	require.NoError(t, b.SubscribeUser(3))
	require.NoError(t, ps.Publish(ctx, DeliverChannel(3), []byte("{garbage")))
	require.NoError(t, b.PublishToUser(ctx, 3, event(1, "explode")))
	require.NoError(t, b.PublishToUser(ctx, 3, event(2, "fine")))

	require.Eventually(t, func() bool { return sink.messageCount(3) == 1 }, time.Second, 5*time.Millisecond)
}

func TestReceiptTypingGroupAndPresenceChannels(t *testing.T) {
	ps := NewMemory()
	defer ps.Close()
	sink := newRecordingSink()
	b := New(ps, sink)
	ctx := context.Background()

	require.NoError(t, b.SubscribeUser(1))
	require.NoError(t, b.SubscribeGroup(9))
	require.NoError(t, b.SubscribePresence())

	require.NoError(t, b.PublishReceipt(ctx, models.ReadReceipt{MessageID: 4, SenderID: 1, ReceiverID: 2, Status: models.StatusRead}))
	require.NoError(t, b.PublishTyping(ctx, models.TypingEvent{SenderID: 2, ReceiverID: 1}))
	group := int64(9)
	require.NoError(t, b.PublishToGroup(ctx, 9, models.ChatEvent{MessageID: 5, SenderID: 2, GroupID: &group}))
	require.NoError(t, b.PublishPresence(ctx, models.PresenceEvent{UserID: 2, Online: true}))

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.receipts) == 1 && len(sink.typing) == 1 && len(sink.groups[9]) == 1 && len(sink.presence) == 1
	}, time.Second, 5*time.Millisecond)

	b.Close()
	require.False(t, b.Subscribed(1))
}
