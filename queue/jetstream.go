package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// JetStream is the clustered Queue. Each topic is a stream whose subjects
// are "<topic>.<partition>"; each (group, partition) pair is a durable
// consumer with MaxAckPending=1, which keeps one record in flight per
// partition across every node of the group.
type JetStream struct {
	js         jetstream.JetStream
	partitions int
	maxDeliver int
	ackWait    time.Duration
	backoff    func(attempt int) time.Duration
}

func NewJetStream(ctx context.Context, nc *nats.Conn, partitions, maxDeliver int) (*JetStream, error) {
	if partitions < 1 {
		partitions = 1
	}
	if maxDeliver < 1 {
		maxDeliver = DefaultMaxDeliver
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, errors.Wrap(err, "create JetStream context")
	}

	for _, topic := range []string{TopicDirect, TopicGroup} {
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:       streamName(topic),
			Subjects:   []string{topic + ".*"},
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     7 * 24 * time.Hour,
			Storage:    jetstream.FileStorage,
			Duplicates: DuplicateWindow,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "create stream for %s", topic)
		}
		jww.INFO.Printf("JetStream stream %s ready", streamName(topic))
	}

	return &JetStream{
		js:         js,
		partitions: partitions,
		maxDeliver: maxDeliver,
		ackWait:    30 * time.Second,
		backoff:    backoff,
	}, nil
}

// streamName turns "chat-group-messages" into "CHAT_GROUP_MESSAGES".
func streamName(topic string) string {
	return strings.ToUpper(strings.ReplaceAll(topic, "-", "_"))
}

func subject(topic string, partition int) string {
	return fmt.Sprintf("%s.%d", topic, partition)
}

// keyHeader carries the record key; the subject only names the partition.
const keyHeader = "Chat-Key"

func (q *JetStream) Publish(ctx context.Context, topic, key, msgID string, value []byte) error {
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(topic+":"+msgID))
	}

	msg := nats.NewMsg(subject(topic, Partition(key, q.partitions)))
	msg.Header.Set(keyHeader, key)
	msg.Data = value
	_, err := q.js.PublishMsg(ctx, msg, opts...)
	return errors.Wrapf(err, "publish to %s", topic)
}

func (q *JetStream) Consume(ctx context.Context, topic, group string, h Handler) (Subscription, error) {
	stream, err := q.js.Stream(ctx, streamName(topic))
	if err != nil {
		return nil, errors.Wrapf(err, "get stream for %s", topic)
	}

	sub := &jetStreamSub{}
	for p := 0; p < q.partitions; p++ {
		cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
			Durable:       fmt.Sprintf("%s-%s-%d", group, topic, p),
			FilterSubject: subject(topic, p),
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverAllPolicy,
			MaxAckPending: 1,
			MaxDeliver:    q.maxDeliver,
			AckWait:       q.ackWait,
		})
		if err != nil {
			sub.Stop()
			return nil, errors.Wrapf(err, "create consumer %s/%d", topic, p)
		}

		cc, err := cons.Consume(q.handle(ctx, topic, h))
		if err != nil {
			sub.Stop()
			return nil, errors.Wrapf(err, "consume %s/%d", topic, p)
		}
		sub.ccs = append(sub.ccs, cc)
	}
	jww.INFO.Printf("Consumer group %s attached to %s (%d partitions)", group, topic, q.partitions)

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			sub.Stop()
		}()
	}
	return sub, nil
}

func (q *JetStream) handle(ctx context.Context, topic string, h Handler) jetstream.MessageHandler {
	return func(msg jetstream.Msg) {
		rec := Record{Topic: topic, Key: msg.Headers().Get(keyHeader), Value: msg.Data(), Attempt: 1}
		if md, err := msg.Metadata(); err == nil {
			rec.Offset = md.Sequence.Stream
			rec.Attempt = int(md.NumDelivered)
		}
		if i := strings.LastIndexByte(msg.Subject(), '.'); i >= 0 {
			fmt.Sscanf(msg.Subject()[i+1:], "%d", &rec.Partition)
		}

		err := safeHandle(ctx, h, rec)
		switch {
		case err == nil:
			if ackErr := msg.Ack(); ackErr != nil {
				jww.WARN.Printf("Ack %s@%d failed: %v", topic, rec.Offset, ackErr)
			}
		case rec.Attempt >= q.maxDeliver:
			jww.ERROR.Printf("Dropping %s@%d after %d attempts: %v", topic, rec.Offset, rec.Attempt, err)
			msg.Term()
		default:
			jww.WARN.Printf("Redelivering %s@%d (attempt %d): %v", topic, rec.Offset, rec.Attempt, err)
			msg.NakWithDelay(q.backoff(rec.Attempt))
		}
	}
}

// Close is a no-op; the NATS connection is owned by the caller.
func (q *JetStream) Close() error {
	return nil
}

type jetStreamSub struct {
	ccs  []jetstream.ConsumeContext
	once sync.Once
}

func (s *jetStreamSub) Stop() {
	s.once.Do(func() {
		for _, cc := range s.ccs {
			cc.Stop()
		}
	})
}
