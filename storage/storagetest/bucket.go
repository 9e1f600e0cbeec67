// Package storagetest provides an in-memory KV bucket for tests that need a
// storage.TopologyStore without a NATS server.
package storagetest

import (
	"context"
	"sort"
	"sync"

	"github.com/nats-io/nats.go/jetstream"
)

type entry struct {
	jetstream.KeyValueEntry
	key   string
	value []byte
}

func (e *entry) Key() string   { return e.key }
func (e *entry) Value() []byte { return e.value }

// MemBucket implements storage.Bucket in memory. It reports missing keys
// with the same errors as a JetStream KV bucket.
type MemBucket struct {
	// KeysErr, when set, is returned from Keys.
	KeysErr error

	mu   sync.Mutex
	data map[string][]byte
}

// NewMemBucket returns an empty bucket.
func NewMemBucket() *MemBucket {
	return &MemBucket{data: make(map[string][]byte)}
}

// Put stores a copy of value.
func (b *MemBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = append([]byte(nil), value...)
	return uint64(len(b.data)), nil
}

// PutRaw stores value without going through a store, e.g. to plant corrupt entries.
func (b *MemBucket) PutRaw(key string, value []byte) {
	_, _ = b.Put(context.Background(), key, value)
}

// Get returns the entry for key or jetstream.ErrKeyNotFound.
func (b *MemBucket) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return &entry{key: key, value: v}, nil
}

// Keys returns the sorted keys or jetstream.ErrNoKeysFound.
func (b *MemBucket) Keys(_ context.Context, _ ...jetstream.WatchOpt) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.KeysErr != nil {
		return nil, b.KeysErr
	}
	if len(b.data) == 0 {
		return nil, jetstream.ErrNoKeysFound
	}
	keys := make([]string, 0, len(b.data))
	for k := range b.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes key or returns jetstream.ErrKeyNotFound.
func (b *MemBucket) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.data[key]; !ok {
		return jetstream.ErrKeyNotFound
	}
	delete(b.data, key)
	return nil
}
