// Package testutil provides in-memory fakes for testing code built on the
// probe package without a CNS runtime or a NATS server.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/cnsscope/probe"
	"github.com/c360studio/cnsscope/wire"
)

// StimulateCall records one call to FakeRuntime.Stimulate.
type StimulateCall struct {
	Collateral probe.Collateral
	Payload    any
	Options    probe.StimulateOptions
	Err        error // error returned to the caller
}

// FakeRuntime is a thread-safe probe.Runtime.
//
// Usage:
//
//	rt := &testutil.FakeRuntime{
//	    NeuronList: []probe.Neuron{{Name: "A", Axon: []string{"out"}}},
//	    CollateralList: []probe.Collateral{{Name: "out"}},
//	}
//	rt.Fire(probe.ResponseEvent{StimulationID: "s1", NeuronName: "A"})
type FakeRuntime struct {
	NeuronList     []probe.Neuron
	CollateralList []probe.Collateral

	// StimulateFunc, when set, runs inside Stimulate.
	StimulateFunc func(ctx context.Context, c probe.Collateral, payload any, opts probe.StimulateOptions) error

	mu       sync.Mutex
	handlers map[int]func(probe.ResponseEvent)
	nextID   int
	calls    []StimulateCall
	called   chan StimulateCall
}

// Neurons implements probe.Runtime.
func (r *FakeRuntime) Neurons() []probe.Neuron { return r.NeuronList }

// Collaterals implements probe.Runtime.
func (r *FakeRuntime) Collaterals() []probe.Collateral { return r.CollateralList }

// OnResponse implements probe.Runtime.
func (r *FakeRuntime) OnResponse(fn func(probe.ResponseEvent)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[int]func(probe.ResponseEvent))
	}
	id := r.nextID
	r.nextID++
	r.handlers[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.handlers, id)
	}
}

// Stimulate implements probe.Runtime.
func (r *FakeRuntime) Stimulate(ctx context.Context, c probe.Collateral, payload any, opts probe.StimulateOptions) error {
	var err error
	if r.StimulateFunc != nil {
		err = r.StimulateFunc(ctx, c, payload, opts)
	}
	call := StimulateCall{Collateral: c, Payload: payload, Options: opts, Err: err}

	r.mu.Lock()
	r.calls = append(r.calls, call)
	ch := r.calledChan()
	r.mu.Unlock()

	select {
	case ch <- call:
	default:
	}
	return err
}

func (r *FakeRuntime) calledChan() chan StimulateCall {
	if r.called == nil {
		r.called = make(chan StimulateCall, 64)
	}
	return r.called
}

// Fire delivers ev to every attached handler, one at a time.
func (r *FakeRuntime) Fire(ev probe.ResponseEvent) {
	r.mu.Lock()
	handlers := make([]func(probe.ResponseEvent), 0, len(r.handlers))
	for i := 0; i < r.nextID; i++ {
		if h, ok := r.handlers[i]; ok {
			handlers = append(handlers, h)
		}
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// HandlerCount returns the number of attached response handlers.
func (r *FakeRuntime) HandlerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

// Calls returns every Stimulate call so far.
func (r *FakeRuntime) Calls() []StimulateCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StimulateCall(nil), r.calls...)
}

// WaitForCall blocks until Stimulate is called or timeout elapses.
func (r *FakeRuntime) WaitForCall(timeout time.Duration) (StimulateCall, bool) {
	r.mu.Lock()
	ch := r.calledChan()
	r.mu.Unlock()

	select {
	case call := <-ch:
		return call, true
	case <-time.After(timeout):
		return StimulateCall{}, false
	}
}

// Message is one message captured by RecordingTransport.
type Message struct {
	Subject string
	Data    []byte
}

// Kind decodes the message discriminant.
func (m Message) Kind() wire.Kind {
	var env wire.Envelope
	_ = json.Unmarshal(m.Data, &env)
	return env.Type
}

// RecordingTransport captures everything a Probe sends. It also serves
// commands and records topologies, so it satisfies probe.CommandSource and
// probe.TopologyRecorder.
type RecordingTransport struct {
	// Err, when set, is returned from every Publish.
	Err error

	mu         sync.Mutex
	messages   []Message
	topologies []wire.InitMessage
	handlers   map[string]probe.CommandHandler
	notify     chan struct{}
}

// Publish implements probe.Transport.
func (t *RecordingTransport) Publish(_ context.Context, subject string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return t.Err
	}
	t.messages = append(t.messages, Message{Subject: subject, Data: append([]byte(nil), data...)})
	t.signal()
	return nil
}

// ServeCommands implements probe.CommandSource.
func (t *RecordingTransport) ServeCommands(_ context.Context, appID string, handle probe.CommandHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handlers == nil {
		t.handlers = make(map[string]probe.CommandHandler)
	}
	t.handlers[appID] = handle
	return nil
}

// RecordTopology implements probe.TopologyRecorder.
func (t *RecordingTransport) RecordTopology(_ context.Context, msg wire.InitMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.topologies = append(t.topologies, msg)
	return nil
}

// Request sends an encoded command to the handler registered for appID.
func (t *RecordingTransport) Request(ctx context.Context, appID string, cmd wire.StimulateCommand) (wire.StimulateReply, error) {
	t.mu.Lock()
	handle, ok := t.handlers[appID]
	t.mu.Unlock()
	if !ok {
		return wire.StimulateReply{}, fmt.Errorf("no command handler for %s", appID)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return wire.StimulateReply{}, err
	}
	out, err := handle(ctx, data)
	if err != nil {
		return wire.StimulateReply{}, err
	}
	var reply wire.StimulateReply
	if err := json.Unmarshal(out, &reply); err != nil {
		return wire.StimulateReply{}, err
	}
	return reply, nil
}

// Messages returns a copy of the captured messages in send order.
func (t *RecordingTransport) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.messages...)
}

// Kinds returns the discriminant of every captured message in send order.
func (t *RecordingTransport) Kinds() []wire.Kind {
	msgs := t.Messages()
	kinds := make([]wire.Kind, len(msgs))
	for i, m := range msgs {
		kinds[i] = m.Kind()
	}
	return kinds
}

// OfKind returns the captured messages with the given discriminant.
func (t *RecordingTransport) OfKind(kind wire.Kind) []Message {
	var out []Message
	for _, m := range t.Messages() {
		if m.Kind() == kind {
			out = append(out, m)
		}
	}
	return out
}

// Topologies returns every recorded topology.
func (t *RecordingTransport) Topologies() []wire.InitMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]wire.InitMessage(nil), t.topologies...)
}

// WaitForMessages blocks until at least n messages were captured or timeout elapses.
func (t *RecordingTransport) WaitForMessages(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		t.mu.Lock()
		if len(t.messages) >= n {
			t.mu.Unlock()
			return true
		}
		if t.notify == nil {
			t.notify = make(chan struct{})
		}
		ch := t.notify
		t.mu.Unlock()

		select {
		case <-ch:
		case <-deadline:
			return false
		}
	}
}

func (t *RecordingTransport) signal() {
	if t.notify != nil {
		close(t.notify)
		t.notify = nil
	}
}
