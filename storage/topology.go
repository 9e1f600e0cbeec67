// Package storage keeps the latest topology snapshot of every runtime
// instance in a NATS KV bucket, so consumers that start after a producer can
// still materialize its graph.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/c360studio/cnsscope/wire"
	"github.com/nats-io/nats.go/jetstream"
)

// Bucket is the subset of jetstream.KeyValue used by TopologyStore.
type Bucket interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Keys(ctx context.Context, opts ...jetstream.WatchOpt) ([]string, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
}

// TopologyStore stores init messages keyed by app and cns id.
type TopologyStore struct {
	bucket Bucket
}

// NewTopologyStore opens the default topology bucket, creating it if needed.
func NewTopologyStore(ctx context.Context, js jetstream.JetStream) (*TopologyStore, error) {
	return OpenTopologyStore(ctx, js, wire.TopologyBucket)
}

// OpenTopologyStore opens the named bucket, creating it if needed.
func OpenTopologyStore(ctx context.Context, js jetstream.JetStream, name string) (*TopologyStore, error) {
	bucket, err := getOrCreateBucket(ctx, js, name)
	if err != nil {
		return nil, fmt.Errorf("create topology bucket %s: %w", name, err)
	}
	return &TopologyStore{bucket: bucket}, nil
}

// NewTopologyStoreWithBucket wraps an already opened bucket.
func NewTopologyStoreWithBucket(bucket Bucket) *TopologyStore {
	return &TopologyStore{bucket: bucket}
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "Latest CNS topology per runtime instance",
		History:     1,
	})
}

// TopologyKey returns the KV key for a runtime instance.
func TopologyKey(appID, cnsID string) string {
	if cnsID == "" {
		cnsID = appID
	}
	return wire.SubjectToken(appID) + "." + wire.SubjectToken(cnsID)
}

// Put stores msg, replacing any earlier snapshot of the same instance.
func (s *TopologyStore) Put(ctx context.Context, msg wire.InitMessage) error {
	if msg.AppID == "" {
		return fmt.Errorf("topology without app id")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal topology: %w", err)
	}
	if _, err := s.bucket.Put(ctx, TopologyKey(msg.AppID, msg.CnsID), data); err != nil {
		return fmt.Errorf("store topology: %w", err)
	}
	return nil
}

// Get returns the stored snapshot of one instance.
func (s *TopologyStore) Get(ctx context.Context, appID, cnsID string) (*wire.InitMessage, error) {
	entry, err := s.bucket.Get(ctx, TopologyKey(appID, cnsID))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get topology: %w", err)
	}

	var msg wire.InitMessage
	if err := json.Unmarshal(entry.Value(), &msg); err != nil {
		return nil, fmt.Errorf("unmarshal topology: %w", err)
	}
	return &msg, nil
}

// List returns every stored snapshot ordered by timestamp, oldest first.
// Entries that fail to load are skipped.
func (s *TopologyStore) List(ctx context.Context) ([]wire.InitMessage, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list topology keys: %w", err)
	}

	messages := make([]wire.InitMessage, 0, len(keys))
	for _, key := range keys {
		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			continue
		}
		var msg wire.InitMessage
		if err := json.Unmarshal(entry.Value(), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}

	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].Timestamp != messages[j].Timestamp {
			return messages[i].Timestamp < messages[j].Timestamp
		}
		return messages[i].AppID < messages[j].AppID
	})
	return messages, nil
}

// Delete removes the snapshot of one instance. Deleting a missing key is not an error.
func (s *TopologyStore) Delete(ctx context.Context, appID, cnsID string) error {
	if err := s.bucket.Delete(ctx, TopologyKey(appID, cnsID)); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete topology: %w", err)
	}
	return nil
}
