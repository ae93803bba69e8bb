// Package cluster assembles the shared backends a node runs on: the intake
// queue, the bridge transport and the session/liveness stores.
package cluster

import (
	"context"
	"time"

	"chatrelay/bridge"
	"chatrelay/config"
	"chatrelay/queue"
	"chatrelay/session"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// KV bucket names on NATS.
const (
	SessionBucket  = "CHAT_SESSIONS"
	LivenessBucket = "CHAT_PRESENCE"
)

type Backends struct {
	Queue    queue.Queue
	PubSub   bridge.PubSub
	Sessions session.KV
	Liveness session.KV

	nc *nats.Conn
}

// Open builds the backends selected by cfg.Backend. "memory" keeps all
// state in this process, which is only correct for a single node.
func Open(ctx context.Context, cfg *config.Config) (*Backends, error) {
	switch cfg.Backend {
	case "memory":
		jww.WARN.Printf("Using in-memory backends: this node cannot share state with other nodes")
		return NewMemory(cfg.Partitions, cfg.MaxDeliver, cfg.PresenceTTL), nil
	case "nats":
		return openNATS(ctx, cfg)
	default:
		return nil, errors.Errorf("unknown backend %q", cfg.Backend)
	}
}

// NewMemory returns in-process backends. Nodes created in the same process
// may share one value to form a cluster.
func NewMemory(partitions, maxDeliver int, livenessTTL time.Duration) *Backends {
	return &Backends{
		Queue:    queue.NewMemory(partitions, maxDeliver),
		PubSub:   bridge.NewMemory(),
		Sessions: session.NewMemoryKV(0),
		Liveness: session.NewMemoryKV(livenessTTL),
	}
}

func openNATS(ctx context.Context, cfg *config.Config) (*Backends, error) {
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("chatrelay-"+cfg.NodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			jww.WARN.Printf("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			jww.INFO.Printf("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", cfg.NATSURL)
	}
	jww.INFO.Printf("Connected to NATS at %s", nc.ConnectedUrl())

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "create JetStream context")
	}

	q, err := queue.NewJetStream(ctx, nc, cfg.Partitions, cfg.MaxDeliver)
	if err != nil {
		nc.Close()
		return nil, err
	}

	sessions, err := session.NewNATSKV(ctx, js, SessionBucket, 0)
	if err != nil {
		nc.Close()
		return nil, err
	}

	liveness, err := session.NewNATSKV(ctx, js, LivenessBucket, cfg.PresenceTTL)
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Backends{
		Queue:    q,
		PubSub:   bridge.NewNATS(nc),
		Sessions: sessions,
		Liveness: liveness,
		nc:       nc,
	}, nil
}

func (b *Backends) Close() {
	if err := b.Queue.Close(); err != nil {
		jww.WARN.Printf("Closing queue: %v", err)
	}
	if err := b.PubSub.Close(); err != nil {
		jww.WARN.Printf("Closing pubsub: %v", err)
	}
	if b.nc != nil {
		if err := b.nc.Drain(); err != nil {
			jww.WARN.Printf("Draining NATS connection: %v", err)
		}
	}
}
