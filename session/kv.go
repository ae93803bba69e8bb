package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
)

var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrRevisionMismatch = errors.New("revision mismatch")
)

type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KV is the shared key/value state behind the registry and the liveness
// markers. Delete with a non-zero revision only succeeds if the key is still
// at that revision.
type KV interface {
	Get(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string, revision uint64) error
	Keys(ctx context.Context) ([]string, error)
}

// MemoryKV is an in-process KV. With a non-zero ttl, entries not written
// within ttl read as absent.
type MemoryKV struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	rev     uint64
	entries map[string]memoryEntry
}

type memoryEntry struct {
	Entry
	written time.Time
}

func NewMemoryKV(ttl time.Duration) *MemoryKV {
	return &MemoryKV{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

// live reports whether e is still within its ttl. Caller holds mu.
func (m *MemoryKV) live(e memoryEntry) bool {
	return m.ttl <= 0 || m.now().Sub(e.written) < m.ttl
}

func (m *MemoryKV) Get(_ context.Context, key string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || !m.live(e) {
		delete(m.entries, key)
		return Entry{}, ErrKeyNotFound
	}
	return e.Entry, nil
}

func (m *MemoryKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rev++
	m.entries[key] = memoryEntry{
		Entry:   Entry{Key: key, Value: append([]byte(nil), value...), Revision: m.rev},
		written: m.now(),
	}
	return m.rev, nil
}

func (m *MemoryKV) Delete(_ context.Context, key string, revision uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if revision != 0 && (!ok || e.Revision != revision) {
		return ErrRevisionMismatch
	}
	delete(m.entries, key)
	return nil
}

func (m *MemoryKV) Keys(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if m.live(e) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// NATSKV is a KV over a JetStream key/value bucket. Expiry is the bucket TTL.
type NATSKV struct {
	kv jetstream.KeyValue
}

// NewNATSKV creates or binds bucket. ttl 0 keeps entries until deleted.
func NewNATSKV(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (*NATSKV, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
		TTL:     ttl,
		Storage: jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create KV bucket %s", bucket)
	}
	return &NATSKV{kv: kv}, nil
}

func (n *NATSKV) Get(ctx context.Context, key string) (Entry, error) {
	e, err := n.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return Entry{}, ErrKeyNotFound
	}
	if err != nil {
		return Entry{}, errors.Wrapf(err, "get %s", key)
	}
	return Entry{Key: e.Key(), Value: e.Value(), Revision: e.Revision()}, nil
}

func (n *NATSKV) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := n.kv.Put(ctx, key, value)
	return rev, errors.Wrapf(err, "put %s", key)
}

func (n *NATSKV) Delete(ctx context.Context, key string, revision uint64) error {
	var opts []jetstream.KVDeleteOpt
	if revision != 0 {
		opts = append(opts, jetstream.LastRevision(revision))
	}

	err := n.kv.Delete(ctx, key, opts...)
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return ErrRevisionMismatch
	}
	return errors.Wrapf(err, "delete %s", key)
}

func (n *NATSKV) Keys(ctx context.Context) ([]string, error) {
	keys, err := n.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	return keys, errors.Wrap(err, "list keys")
}
