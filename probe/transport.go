package probe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360studio/cnsscope/storage"
	"github.com/c360studio/cnsscope/wire"
	"github.com/c360studio/semstreams/natsclient"
)

// Transport delivers encoded messages to the viewer.
type Transport interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// CommandHandler answers one encoded stimulate command.
type CommandHandler func(ctx context.Context, data []byte) ([]byte, error)

// CommandSource is implemented by transports that can receive stimulate
// commands for an app.
type CommandSource interface {
	ServeCommands(ctx context.Context, appID string, handle CommandHandler) error
}

// TopologyRecorder is implemented by transports that keep the latest
// topology of every app for consumers that join late.
type TopologyRecorder interface {
	RecordTopology(ctx context.Context, msg wire.InitMessage) error
}

// NATSTransport publishes telemetry to the CNS JetStream stream and serves
// stimulate commands over request/reply.
type NATSTransport struct {
	client *natsclient.Client
	logger *slog.Logger

	mu       sync.Mutex
	topology *storage.TopologyStore
}

// NewNATSTransport wraps a connected semstreams NATS client.
func NewNATSTransport(client *natsclient.Client, logger *slog.Logger) *NATSTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSTransport{client: client, logger: logger}
}

// Publish sends data to the CNS stream.
func (t *NATSTransport) Publish(ctx context.Context, subject string, data []byte) error {
	return t.client.PublishToStream(ctx, subject, data)
}

// ServeCommands subscribes handle to the app's command subject until ctx is done.
func (t *NATSTransport) ServeCommands(ctx context.Context, appID string, handle CommandHandler) error {
	subject := wire.CommandSubject(appID)
	_, err := t.client.SubscribeForRequests(ctx, subject, func(ctx context.Context, data []byte) ([]byte, error) {
		return handle(ctx, data)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	t.logger.Debug("Serving stimulate commands", "subject", subject)
	return nil
}

// RecordTopology stores msg in the topology KV bucket.
func (t *NATSTransport) RecordTopology(ctx context.Context, msg wire.InitMessage) error {
	store, err := t.topologyStore(ctx)
	if err != nil {
		return err
	}
	return store.Put(ctx, msg)
}

func (t *NATSTransport) topologyStore(ctx context.Context) (*storage.TopologyStore, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.topology != nil {
		return t.topology, nil
	}
	js, err := t.client.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}
	store, err := storage.NewTopologyStore(ctx, js)
	if err != nil {
		return nil, err
	}
	t.topology = store
	return store, nil
}
