package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatrelay/models"
	"chatrelay/natstest"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

func newTestQueue(t *testing.T, partitions, maxDeliver int) *Memory {
	t.Helper()
	q := NewMemory(partitions, maxDeliver)
	q.backoff = func(int) time.Duration { return time.Millisecond }
	t.Cleanup(func() { q.Close() })
	return q
}

func newTestJetStream(t *testing.T, partitions, maxDeliver int) *JetStream {
	t.Helper()
	nc, _ := natstest.JetStream(t)
	q, err := NewJetStream(context.Background(), nc, partitions, maxDeliver)
	require.NoError(t, err)
	q.backoff = func(int) time.Duration { return 10 * time.Millisecond }
	q.ackWait = time.Second
	return q
}

// forEachBackend runs fn against the in-process queue and against JetStream
// on an embedded server.
func forEachBackend(t *testing.T, partitions, maxDeliver int, fn func(t *testing.T, q Queue)) {
	t.Run("memory", func(t *testing.T) { fn(t, newTestQueue(t, partitions, maxDeliver)) })
	t.Run("jetstream", func(t *testing.T) { fn(t, newTestJetStream(t, partitions, maxDeliver)) })
}

func TestPartitionIsStable(t *testing.T) {
	for _, key := range []string{"1", "42", "bob", ""} {
		p := Partition(key, 8)
		require.GreaterOrEqual(t, p, 0)
		require.Less(t, p, 8)
		require.Equal(t, p, Partition(key, 8))
	}
	require.Equal(t, 0, Partition("anything", 1))
}

func TestQueueKeepsOrderPerKeyAcrossMembers(t *testing.T) {
	forEachBackend(t, 4, 3, func(t *testing.T, q Queue) {
		ctx := context.Background()

		var mu sync.Mutex
		got := make(map[string][]int)
		var count int32

		record := func(_ context.Context, rec Record) error {
			n, _ := strconv.Atoi(string(rec.Value))
			mu.Lock()
			got[rec.Key] = append(got[rec.Key], n)
			mu.Unlock()
			atomic.AddInt32(&count, 1)
			return nil
		}
		// two members of one group, as two nodes would be
		_, err := q.Consume(ctx, TopicDirect, "g", record)
		require.NoError(t, err)
		_, err = q.Consume(ctx, TopicDirect, "g", record)
		require.NoError(t, err)

		for i := 0; i < 50; i++ {
			key := strconv.Itoa(i % 5)
			require.NoError(t, q.Publish(ctx, TopicDirect, key, "", []byte(strconv.Itoa(i))))
		}

		require.Eventually(t, func() bool { return atomic.LoadInt32(&count) == 50 }, waitTimeout, 5*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, got, 5)
		for key, values := range got {
			require.Len(t, values, 10, "key %s", key)
			for i := 1; i < len(values); i++ {
				require.Less(t, values[i-1], values[i], "key %s out of order", key)
			}
		}
	})
}

func TestQueueRedeliversUntilSuccess(t *testing.T) {
	forEachBackend(t, 1, 5, func(t *testing.T, q Queue) {
		ctx := context.Background()

		var attempts []int
		var mu sync.Mutex
		done := make(chan struct{})

		_, err := q.Consume(ctx, TopicDirect, "g", func(_ context.Context, rec Record) error {
			mu.Lock()
			defer mu.Unlock()
			attempts = append(attempts, rec.Attempt)
			if rec.Attempt < 3 {
				return errors.New("store unavailable")
			}
			close(done)
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, q.Publish(ctx, TopicDirect, "7", "1", []byte("x")))

		select {
		case <-done:
		case <-time.After(waitTimeout):
			t.Fatal("record was not redelivered")
		}

		mu.Lock()
		defer mu.Unlock()
		require.Equal(t, []int{1, 2, 3}, attempts)
	})
}

func TestQueueDropsRecordAfterMaxDeliver(t *testing.T) {
	forEachBackend(t, 1, 2, func(t *testing.T, q Queue) {
		ctx := context.Background()

		var mu sync.Mutex
		var seen []string
		_, err := q.Consume(ctx, TopicDirect, "g", func(_ context.Context, rec Record) error {
			mu.Lock()
			seen = append(seen, string(rec.Value))
			mu.Unlock()
			if string(rec.Value) == "poison" {
				return errors.New("boom")
			}
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, q.Publish(ctx, TopicDirect, "1", "", []byte("poison")))
		require.NoError(t, q.Publish(ctx, TopicDirect, "1", "", []byte("next")))

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(seen) == 3
		}, waitTimeout, 5*time.Millisecond)

		// nothing more arrives once the poison record is dropped
		time.Sleep(100 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		require.Equal(t, []string{"poison", "poison", "next"}, seen)
	})
}

func TestQueueDeduplicatesByMessageID(t *testing.T) {
	forEachBackend(t, 2, 1, func(t *testing.T, q Queue) {
		ctx := context.Background()

		var count int32
		_, err := q.Consume(ctx, TopicGroup, "g", func(context.Context, Record) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, q.Publish(ctx, TopicGroup, "3", "10", []byte("a")))
		require.NoError(t, q.Publish(ctx, TopicGroup, "3", "10", []byte("a")))
		require.NoError(t, q.Publish(ctx, TopicGroup, "3", "11", []byte("b")))

		require.Eventually(t, func() bool { return atomic.LoadInt32(&count) == 2 }, waitTimeout, 5*time.Millisecond)
		time.Sleep(100 * time.Millisecond)
		require.Equal(t, int32(2), atomic.LoadInt32(&count))
	})
}

func TestMemoryForgetsMessageIDsAfterWindow(t *testing.T) {
	q := newTestQueue(t, 1, 1)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	ctx := context.Background()

	var count int32
	_, err := q.Consume(ctx, TopicDirect, "g", func(context.Context, Record) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, q.Publish(ctx, TopicDirect, "1", "10", []byte("a")))
	now = now.Add(DuplicateWindow - time.Second)
	require.NoError(t, q.Publish(ctx, TopicDirect, "1", "10", []byte("a")))
	for i := 0; i < 100; i++ {
		require.NoError(t, q.Publish(ctx, TopicDirect, "1", "old-"+strconv.Itoa(i), []byte("x")))
	}

	now = now.Add(2 * time.Second)
	require.NoError(t, q.Publish(ctx, TopicDirect, "1", "10", []byte("a")))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&count) == 102 }, waitTimeout, 5*time.Millisecond)

	now = now.Add(DuplicateWindow + time.Second)
	require.NoError(t, q.Publish(ctx, TopicDirect, "1", "fresh", []byte("x")))

	q.mu.Lock()
	defer q.mu.Unlock()
	topic := q.topics[TopicDirect]
	require.Len(t, topic.seen, 1)
	require.Len(t, topic.order, 1)
}

func TestQueueGroupMembersShareRecords(t *testing.T) {
	forEachBackend(t, 4, 1, func(t *testing.T, q Queue) {
		ctx := context.Background()

		var a, b int32
		_, err := q.Consume(ctx, TopicDirect, "g", func(context.Context, Record) error {
			atomic.AddInt32(&a, 1)
			return nil
		})
		require.NoError(t, err)
		_, err = q.Consume(ctx, TopicDirect, "g", func(context.Context, Record) error {
			atomic.AddInt32(&b, 1)
			return nil
		})
		require.NoError(t, err)

		var other int32
		_, err = q.Consume(ctx, TopicDirect, "audit", func(context.Context, Record) error {
			atomic.AddInt32(&other, 1)
			return nil
		})
		require.NoError(t, err)

		for i := 0; i < 20; i++ {
			require.NoError(t, q.Publish(ctx, TopicDirect, strconv.Itoa(i), "", []byte("x")))
		}

		require.Eventually(t, func() bool {
			return atomic.LoadInt32(&a)+atomic.LoadInt32(&b) == 20 && atomic.LoadInt32(&other) == 20
		}, waitTimeout, 5*time.Millisecond)

		time.Sleep(100 * time.Millisecond)
		require.Equal(t, int32(20), atomic.LoadInt32(&a)+atomic.LoadInt32(&b))
	})
}

func TestQueueRecordsWaitForConsumer(t *testing.T) {
	forEachBackend(t, 1, 3, func(t *testing.T, q Queue) {
		ctx, cancel := context.WithCancel(context.Background())

		got := make(chan string, 4)
		_, err := q.Consume(ctx, TopicDirect, "g", func(_ context.Context, rec Record) error {
			got <- string(rec.Value)
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, q.Publish(context.Background(), TopicDirect, "1", "", []byte("first")))
		select {
		case v := <-got:
			require.Equal(t, "first", v)
		case <-time.After(waitTimeout):
			t.Fatal("first record was not delivered")
		}

		cancel()
		time.Sleep(100 * time.Millisecond)
		require.NoError(t, q.Publish(context.Background(), TopicDirect, "1", "", []byte("second")))

		_, err = q.Consume(context.Background(), TopicDirect, "g", func(_ context.Context, rec Record) error {
			got <- "resumed:" + string(rec.Value)
			return nil
		})
		require.NoError(t, err)

		select {
		case v := <-got:
			require.Equal(t, "resumed:second", v)
		case <-time.After(waitTimeout):
			t.Fatal("record published while no member was attached was lost")
		}
	})
}

func TestWorkerSkipsPermanentFailures(t *testing.T) {
	w := NewWorker("test", 0)
	ctx := context.Background()

	receiver := int64(2)
	payload, err := json.Marshal(models.ChatEvent{MessageID: 1, SenderID: 1, ReceiverID: &receiver, Content: "hi"})
	require.NoError(t, err)

	h := w.Wrap(func(context.Context, models.ChatEvent) error {
		return errors.Wrap(models.ErrNotFound, "message 1")
	})
	require.NoError(t, h(ctx, Record{Value: payload}))

	h = w.Wrap(func(context.Context, models.ChatEvent) error {
		t.Fatal("undecodable payload reached the handler")
		return nil
	})
	require.NoError(t, h(ctx, Record{Value: []byte("{not json")}))

	h = w.Wrap(func(context.Context, models.ChatEvent) error {
		return errors.Wrap(models.ErrTransient, "bridge down")
	})
	require.Error(t, h(ctx, Record{Value: payload}))
}

type recordingPublisher struct {
	topic, key, msgID string
	value             []byte
	err               error
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key, msgID string, value []byte) error {
	p.topic, p.key, p.msgID, p.value = topic, key, msgID, value
	return p.err
}

func TestProducerKeysByTarget(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewProducer(pub)
	ctx := context.Background()

	receiver, group := int64(9), int64(4)
	require.NoError(t, p.PublishDirect(ctx, models.ChatEvent{MessageID: 5, SenderID: 1, ReceiverID: &receiver}))
	require.Equal(t, TopicDirect, pub.topic)
	require.Equal(t, "9", pub.key)
	require.Equal(t, "5", pub.msgID)

	require.NoError(t, p.PublishGroup(ctx, models.ChatEvent{MessageID: 6, SenderID: 1, GroupID: &group}))
	require.Equal(t, TopicGroup, pub.topic)
	require.Equal(t, "4", pub.key)

	err := p.PublishGroup(ctx, models.ChatEvent{MessageID: 7})
	require.True(t, errors.Is(err, models.ErrValidation))

	pub.err = errors.New("no responders")
	err = p.PublishDirect(ctx, models.ChatEvent{MessageID: 8, ReceiverID: &receiver})
	require.True(t, errors.Is(err, models.ErrTransient))
}
