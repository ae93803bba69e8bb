// Package queue is the durable intake queue: a partitioned, at-least-once
// log with one in-flight record per partition per consumer group.
package queue

import (
	"context"
	"hash/fnv"
	"time"
)

// Topic names are part of the wire contract shared by every node.
const (
	TopicDirect = "chat-messages"
	TopicGroup  = "chat-group-messages"
)

// DefaultMaxDeliver bounds redelivery of a failing record.
const DefaultMaxDeliver = 10

// DuplicateWindow is how long a msgID passed to Publish is remembered.
const DuplicateWindow = 2 * time.Minute

const retryBackoff = 200 * time.Millisecond

// Record is one entry handed to a consumer.
type Record struct {
	Topic     string
	Key       string
	Partition int
	Offset    uint64
	Value     []byte
	Attempt   int // 1 on first delivery
}

// Handler processes a record. A non-nil error requests redelivery.
type Handler func(ctx context.Context, rec Record) error

// Publisher appends records. Publish returns once the record is durably
// appended; records with the same msgID within DuplicateWindow are stored
// once.
type Publisher interface {
	Publish(ctx context.Context, topic, key, msgID string, value []byte) error
}

type Subscription interface {
	Stop()
}

type Queue interface {
	Publisher
	// Consume joins group on topic. Members of one group share the
	// partitions; every group sees every record.
	Consume(ctx context.Context, topic, group string, h Handler) (Subscription, error)
	Close() error
}

// Partition maps key onto one of n partitions. Records with the same key
// always land on the same partition.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func backoff(attempt int) time.Duration {
	d := retryBackoff * time.Duration(attempt)
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}
