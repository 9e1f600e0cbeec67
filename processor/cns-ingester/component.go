// Package cnsingester provides the consumer side of CNS telemetry: a
// processor that replays the CNS JetStream stream into a normalized store,
// enforces retention, and serves the materialized view over HTTP and a
// websocket change feed. Stimulate commands posted to the HTTP API are
// relayed to the producer serving the app.
package cnsingester

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cnsconfig "github.com/c360studio/cnsscope/config"
	"github.com/c360studio/cnsscope/storage"
	"github.com/c360studio/cnsscope/store"
	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	componentName    = "cns-ingester"
	componentVersion = "0.1.0"
)

// Component implements the cns-ingester processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	store   *store.Store
	router  *Router
	relay   *Relay
	feed    *Feed
	metrics *metrics
	watcher *cnsconfig.Watcher

	// Lifecycle state machine
	// States: 0=stopped, 1=starting, 2=running, 3=stopping
	state     atomic.Int32
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	received     atomic.Int64
	bytes        atomic.Int64
	lastActivity atomic.Int64
}

const (
	stateStopped  = 0
	stateStarting = 1
	stateRunning  = 2
	stateStopping = 3
)

// NewComponent creates a new cns-ingester component.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	config := DefaultConfig()
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var requester Requester
	if deps.NATSClient != nil {
		requester = clientRequester{client: deps.NATSClient}
	}
	return newComponent(config, deps.NATSClient, requester, deps.GetLogger())
}

func newComponent(config Config, nc *natsclient.Client, requester Requester, logger *slog.Logger) (*Component, error) {
	if logger == nil {
		logger = slog.Default()
	}
	retention, err := config.Retention.Retention()
	if err != nil {
		return nil, fmt.Errorf("invalid retention: %w", err)
	}

	m := newMetrics()
	s := store.New(store.WithLogger(logger), store.WithRetention(retention))

	c := &Component{
		name:       componentName,
		config:     config,
		natsClient: nc,
		logger:     logger,
		store:      s,
		router:     newRouter(s, logger, m),
		feed:       newFeed(s, config.FeedBuffer, logger, m),
		metrics:    m,
	}
	if requester != nil {
		c.relay = newRelay(requester, config.GetCommandTimeout(), m)
	}
	return c, nil
}

// clientRequester resolves the NATS connection at request time, after the
// service manager has connected the client.
type clientRequester struct {
	client *natsclient.Client
}

func (r clientRequester) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	conn := r.client.GetConnection()
	if conn == nil {
		return nil, fmt.Errorf("NATS connection not available")
	}
	return natsRequester{conn: conn}.Request(ctx, subject, data)
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized cns-ingester",
		"stream", c.config.StreamName,
		"filter", c.config.FilterSubject,
		"topology_bucket", c.config.TopologyBucket)
	return nil
}

// Start replays stored topologies, then consumes the telemetry stream.
func (c *Component) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(stateStopped, stateStarting) {
		currentState := c.state.Load()
		if currentState == stateRunning || currentState == stateStarting {
			return fmt.Errorf("component already running or starting")
		}
		return fmt.Errorf("component in invalid state: %d", currentState)
	}

	// Ensure we transition to stopped if setup fails
	defer func() {
		if c.state.Load() == stateStarting {
			c.state.Store(stateStopped)
		}
	}()

	if c.natsClient == nil {
		return fmt.Errorf("NATS client required")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.feed.Open()

	if err := c.startRetentionWatcher(runCtx); err != nil {
		cancel()
		return err
	}

	if c.config.ReplayTopology {
		c.replayTopology(runCtx)
	}

	consumerCfg := natsclient.StreamConsumerConfig{
		StreamName:    c.config.StreamName,
		ConsumerName:  c.config.ConsumerName,
		FilterSubject: c.config.FilterSubject,
		DeliverPolicy: c.config.GetDeliverPolicy(),
		AckPolicy:     "explicit",
		MaxDeliver:    3,
		AckWait:       30 * time.Second,
	}
	if err := c.natsClient.ConsumeStreamWithConfig(runCtx, consumerCfg, c.handleMessage); err != nil {
		cancel()
		c.stopRetentionWatcher()
		return fmt.Errorf("start consumer: %w", err)
	}

	c.mu.Lock()
	c.cancel = cancel
	c.startTime = time.Now()
	c.mu.Unlock()

	c.wg.Add(1)
	go c.sweepLoop(runCtx, c.config.GetSweepInterval())

	c.state.Store(stateRunning)

	c.logger.Info("cns-ingester started",
		"stream", c.config.StreamName,
		"filter", c.config.FilterSubject,
		"deliver_policy", c.config.GetDeliverPolicy())

	return nil
}

// replayTopology seeds the store with the latest init of every known app so
// the graph is complete even when the stream no longer holds those messages.
func (c *Component) replayTopology(ctx context.Context) {
	js, err := c.natsClient.JetStream()
	if err != nil {
		c.logger.Warn("Topology replay skipped, JetStream unavailable", "error", err)
		return
	}
	topology, err := storage.OpenTopologyStore(ctx, js, c.config.TopologyBucket)
	if err != nil {
		c.logger.Warn("Topology replay skipped", "bucket", c.config.TopologyBucket, "error", err)
		return
	}
	c.replayFrom(ctx, topology)
}

func (c *Component) replayFrom(ctx context.Context, topology *storage.TopologyStore) {
	msgs, err := topology.List(ctx)
	if err != nil {
		c.logger.Warn("Topology replay failed", "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	change := c.router.ReplayTopology(ctx, msgs)
	c.logger.Info("Replayed stored topologies", "apps", len(change.AppIDs), "messages", len(msgs))
}

func (c *Component) startRetentionWatcher(ctx context.Context) error {
	if c.config.RetentionFile == "" {
		return nil
	}
	w, err := cnsconfig.NewWatcher(c.config.RetentionFile, c.logger)
	if err != nil {
		return fmt.Errorf("watch retention file: %w", err)
	}
	c.store.SetRetention(w.Current().Retention.Store())
	w.OnChange(func(cfg *cnsconfig.Config) {
		c.store.SetRetention(cfg.Retention.Store())
		c.logger.Info("Retention updated", "path", c.config.RetentionFile)
	})
	w.Start(ctx)

	c.mu.Lock()
	c.watcher = w
	c.mu.Unlock()
	return nil
}

func (c *Component) stopRetentionWatcher() {
	c.mu.Lock()
	w := c.watcher
	c.watcher = nil
	c.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

func (c *Component) sweepLoop(ctx context.Context, interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.store.Sweep(); n > 0 {
				c.metrics.evicted.Add(float64(n))
				c.metrics.observeStats(c.store.Stats())
			}
		}
	}
}

// handleMessage applies one stream message. Dropped messages are acked too:
// redelivering a message the router cannot read would not change the outcome.
func (c *Component) handleMessage(ctx context.Context, msg jetstream.Msg) {
	data := msg.Data()
	c.received.Add(1)
	c.bytes.Add(int64(len(data)))
	c.lastActivity.Store(time.Now().UnixNano())

	if _, ok := c.router.Route(ctx, data); !ok {
		c.logger.Debug("Telemetry message dropped", "subject", msg.Subject())
	}
	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ack message", "subject", msg.Subject(), "error", err)
	}
}

// Stop gracefully stops the component.
func (c *Component) Stop(timeout time.Duration) error {
	if !c.state.CompareAndSwap(stateRunning, stateStopping) {
		currentState := c.state.Load()
		if currentState == stateStopped || currentState == stateStopping {
			return nil
		}
		return fmt.Errorf("component in unexpected state: %d", currentState)
	}

	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.stopRetentionWatcher()
	c.feed.Close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		c.logger.Warn("cns-ingester stop timed out", "timeout", timeout)
	}

	c.state.Store(stateStopped)

	stats := c.router.Stats()
	c.logger.Info("cns-ingester stopped",
		"messages_applied", stats.Applied,
		"messages_dropped", stats.Dropped)

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        componentName,
		Type:        "processor",
		Description: "Materializes CNS topology and activity telemetry and serves it over HTTP",
		Version:     componentVersion,
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}
	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, def := range c.config.Ports.Inputs {
		ports[i] = buildPort(def, component.DirectionInput)
	}
	return ports
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}
	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, def := range c.config.Ports.Outputs {
		ports[i] = buildPort(def, component.DirectionOutput)
	}
	return ports
}

func buildPort(def component.PortDefinition, direction component.Direction) component.Port {
	port := component.Port{
		Name:        def.Name,
		Direction:   direction,
		Required:    def.Required,
		Description: def.Description,
	}
	if def.Type == "jetstream" {
		port.Config = component.JetStreamPort{
			StreamName: def.StreamName,
			Subjects:   []string{def.Subject},
		}
	} else {
		port.Config = component.NATSPort{Subject: def.Subject}
	}
	return port
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return cnsIngesterSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	state := c.state.Load()

	c.mu.RLock()
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	switch state {
	case stateStarting:
		status = "starting"
	case stateRunning:
		status = "running"
	case stateStopping:
		status = "stopping"
	}

	var uptime time.Duration
	if state == stateRunning {
		uptime = time.Since(startTime)
	}

	return component.HealthStatus{
		Healthy:    state == stateRunning,
		LastCheck:  time.Now(),
		ErrorCount: int(c.router.Stats().Dropped),
		Uptime:     uptime,
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	c.mu.RLock()
	startTime := c.startTime
	c.mu.RUnlock()

	var flow component.FlowMetrics
	if last := c.lastActivity.Load(); last > 0 {
		flow.LastActivity = time.Unix(0, last)
	}
	if c.state.Load() != stateRunning {
		return flow
	}

	received := c.received.Load()
	if elapsed := time.Since(startTime).Seconds(); elapsed > 0 {
		flow.MessagesPerSecond = float64(received) / elapsed
		flow.BytesPerSecond = float64(c.bytes.Load()) / elapsed
	}
	if received > 0 {
		flow.ErrorRate = float64(c.router.Stats().Dropped) / float64(received)
	}
	return flow
}
