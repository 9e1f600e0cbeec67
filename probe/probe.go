// Package probe instruments a CNS runtime in-process and streams its
// topology and activity to a viewer.
//
// A Probe snapshots the runtime graph once per registration, mirrors every
// neuron response as a response record and executes stimulate commands sent
// back by the viewer. Hooks run inside the runtime's dispatch path, so they
// only serialize and enqueue; a single sender goroutine publishes in order
// and drops messages when its queue is full rather than blocking the host.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/cnsscope/wire"
	"github.com/go-playground/validator/v10"
)

const (
	defaultQueueSize    = 1024
	defaultSendTimeout  = 5 * time.Second
	defaultSeenCapacity = 4096
)

// Option configures a Probe.
type Option func(*Probe)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Probe) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Probe) {
		if now != nil {
			p.now = now
		}
	}
}

// WithQueueSize bounds the number of messages waiting to be sent.
func WithQueueSize(n int) Option {
	return func(p *Probe) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithSendTimeout bounds each publish.
func WithSendTimeout(d time.Duration) Option {
	return func(p *Probe) {
		if d > 0 {
			p.sendTimeout = d
		}
	}
}

// WithPreStimulation makes stimulate commands emit a synthetic stimulation
// record before the collateral is injected.
func WithPreStimulation(enabled bool) Option {
	return func(p *Probe) {
		p.preStimulation = enabled
	}
}

// Probe connects runtimes to a Transport.
type Probe struct {
	transport      Transport
	logger         *slog.Logger
	now            func() time.Time
	queueSize      int
	sendTimeout    time.Duration
	preStimulation bool
	validate       *validator.Validate

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.RWMutex
	stopping      bool
	closed        bool
	queue         chan outbound
	registrations map[string]*registration
	senderDone    chan struct{}
	commands      sync.WaitGroup

	// Metrics
	messagesSent    atomic.Int64
	messagesDropped atomic.Int64
	sendErrors      atomic.Int64
}

type outbound struct {
	subject  string
	data     []byte
	topology *wire.InitMessage
}

type registration struct {
	info     AppInfo
	snapshot *Snapshot
	detach   func()
	executor *Executor
}

// New creates a Probe and starts its sender.
func New(transport Transport, opts ...Option) *Probe {
	p := &Probe{
		transport:     transport,
		logger:        slog.Default(),
		now:           time.Now,
		queueSize:     defaultQueueSize,
		sendTimeout:   defaultSendTimeout,
		validate:      validator.New(),
		registrations: make(map[string]*registration),
		senderDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.queue = make(chan outbound, p.queueSize)

	go p.send()
	return p
}

func registrationKey(info AppInfo) string {
	return info.AppID + "\x00" + info.cnsID()
}

// Register snapshots rt, announces it and starts mirroring its responses.
// Registering the same runtime instance twice is a no-op. A collateral
// without an owning neuron fails the registration before anything is sent.
func (p *Probe) Register(ctx context.Context, rt Runtime, info AppInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return fmt.Errorf("probe closed")
	}
	key := registrationKey(info)
	if _, ok := p.registrations[key]; ok {
		p.mu.Unlock()
		p.logger.Debug("Runtime already registered", "app_id", info.AppID, "cns_id", info.cnsID())
		return nil
	}

	snapshot, err := BuildSnapshot(info, rt, p.now())
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("build topology snapshot: %w", err)
	}

	seen := newRecentSet(defaultSeenCapacity)
	reg := &registration{info: info, snapshot: snapshot}
	reg.executor = &Executor{
		appID:          info.AppID,
		cnsID:          info.cnsID(),
		runtime:        rt,
		resolver:       snapshot.Resolver,
		emit:           p.emit,
		seen:           seen,
		preStimulation: p.preStimulation,
		validate:       p.validate,
		baseCtx:        p.ctx,
		admit:          p.admitCommand,
		inflight:       &p.commands,
		logger:         p.logger,
		now:            p.now,
	}
	p.registrations[key] = reg
	p.mu.Unlock()

	p.emit(info.AppID, wire.KindAppAdded, wire.AppAdded{
		Type: wire.KindAppAdded,
		App: wire.AppInfo{
			AppID:     info.AppID,
			AppName:   info.AppName,
			Version:   info.Version,
			Timestamp: snapshot.Init.Timestamp,
		},
	})
	p.emitTopology(snapshot.Init)

	in := &instrumentation{
		appID:    info.AppID,
		cnsID:    info.cnsID(),
		resolver: snapshot.Resolver,
		emit:     p.emit,
		seen:     seen,
		stamps:   newStampClock(defaultSeenCapacity),
		logger:   p.logger,
		now:      p.now,
	}
	reg.detach = rt.OnResponse(in.handle)

	if source, ok := p.transport.(CommandSource); ok {
		if err := source.ServeCommands(p.ctx, info.AppID, reg.executor.HandleRequest); err != nil {
			p.logger.Warn("Stimulate commands unavailable", "app_id", info.AppID, "error", err)
		}
	}

	p.logger.Info("Runtime registered",
		"app_id", info.AppID,
		"cns_id", info.cnsID(),
		"neurons", len(snapshot.Init.Neurons),
		"collaterals", len(snapshot.Init.Collaterals),
		"dendrites", len(snapshot.Init.Dendrites))
	return nil
}

// Executor returns the command executor of a registered runtime instance.
func (p *Probe) Executor(appID, cnsID string) (*Executor, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	reg, ok := p.registrations[registrationKey(AppInfo{AppID: appID, CnsID: cnsID})]
	if !ok {
		return nil, false
	}
	return reg.executor, true
}

// Close detaches every runtime, cancels running stimulations, announces the
// disconnects and flushes the send queue until ctx is done.
func (p *Probe) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	regs := make([]*registration, 0, len(p.registrations))
	for _, reg := range p.registrations {
		regs = append(regs, reg)
	}
	p.mu.Unlock()

	for _, reg := range regs {
		if reg.detach != nil {
			reg.detach()
		}
	}

	p.cancel()
	if err := waitGroupWithContext(ctx, &p.commands); err != nil {
		p.logger.Warn("Stimulations still running at close", "error", err)
	}

	for _, reg := range regs {
		p.emit(reg.info.AppID, wire.KindAppDisconnected, wire.AppDisconnected{
			Type:      wire.KindAppDisconnected,
			AppID:     reg.info.AppID,
			Timestamp: p.now().UnixMilli(),
		})
	}

	p.mu.Lock()
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	var err error
	select {
	case <-p.senderDone:
	case <-ctx.Done():
		err = fmt.Errorf("flush send queue: %w", ctx.Err())
	}

	p.logger.Info("Probe closed",
		"messages_sent", p.messagesSent.Load(),
		"messages_dropped", p.messagesDropped.Load(),
		"send_errors", p.sendErrors.Load())
	return err
}

// admitCommand adds a running stimulation unless Close has started. Close
// flips stopping under the same lock before waiting on commands.
func (p *Probe) admitCommand() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return false
	}
	p.commands.Add(1)
	return true
}

// Stats returns the sender counters.
func (p *Probe) Stats() (sent, dropped, failed int64) {
	return p.messagesSent.Load(), p.messagesDropped.Load(), p.sendErrors.Load()
}

func waitGroupWithContext(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emit encodes v and queues it without blocking.
func (p *Probe) emit(appID string, kind wire.Kind, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Warn("Failed to encode telemetry", "kind", kind, "error", err)
		p.messagesDropped.Add(1)
		return
	}
	p.enqueue(outbound{subject: wire.EventsSubject(appID, kind), data: data})
}

func (p *Probe) emitTopology(msg wire.InitMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Warn("Failed to encode topology", "app_id", msg.AppID, "error", err)
		p.messagesDropped.Add(1)
		return
	}
	p.enqueue(outbound{
		subject:  wire.EventsSubject(msg.AppID, wire.KindInit),
		data:     data,
		topology: &msg,
	})
}

func (p *Probe) enqueue(item outbound) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.messagesDropped.Add(1)
		return
	}
	select {
	case p.queue <- item:
	default:
		p.messagesDropped.Add(1)
		p.logger.Warn("Telemetry queue full, dropping message", "subject", item.subject)
	}
}

// send publishes queued messages in order until the queue is closed.
func (p *Probe) send() {
	defer close(p.senderDone)
	for item := range p.queue {
		p.deliver(item)
	}
}

func (p *Probe) deliver(item outbound) {
	ctx, cancel := context.WithTimeout(context.Background(), p.sendTimeout)
	defer cancel()

	if item.topology != nil {
		if recorder, ok := p.transport.(TopologyRecorder); ok {
			if err := recorder.RecordTopology(ctx, *item.topology); err != nil {
				p.logger.Warn("Failed to record topology", "app_id", item.topology.AppID, "error", err)
			}
		}
	}

	if err := p.transport.Publish(ctx, item.subject, item.data); err != nil {
		p.sendErrors.Add(1)
		p.logger.Warn("Failed to publish telemetry", "subject", item.subject, "error", err)
		return
	}
	p.messagesSent.Add(1)
}
