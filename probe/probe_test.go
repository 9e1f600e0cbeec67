package probe_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/cnsscope/probe"
	"github.com/c360studio/cnsscope/probe/testutil"
	"github.com/c360studio/cnsscope/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.UnixMilli(1_700_000_000_000)

func fixedClock() time.Time { return fixedNow }

func newRuntime() *testutil.FakeRuntime {
	return &testutil.FakeRuntime{
		NeuronList: []probe.Neuron{
			{Name: "A", Axon: []string{"out"}},
			{Name: "B", Axon: []string{"done"}, Dendrites: []string{"out"}},
		},
		CollateralList: []probe.Collateral{{Name: "out"}, {Name: "done"}},
	}
}

func closeProbe(t *testing.T, p *probe.Probe) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))
}

func responses(t *testing.T, msgs []testutil.Message) []wire.ResponseRecord {
	t.Helper()
	var out []wire.ResponseRecord
	for _, m := range msgs {
		var batch wire.ResponseBatch
		require.NoError(t, json.Unmarshal(m.Data, &batch))
		out = append(out, batch.Responses...)
	}
	return out
}

func stimulations(t *testing.T, msgs []testutil.Message) []wire.StimulationRecord {
	t.Helper()
	var out []wire.StimulationRecord
	for _, m := range msgs {
		var batch wire.StimulationBatch
		require.NoError(t, json.Unmarshal(m.Data, &batch))
		out = append(out, batch.Stimulations...)
	}
	return out
}

func TestProbe_Register(t *testing.T) {
	tr := &testutil.RecordingTransport{}
	p := probe.New(tr, probe.WithClock(fixedClock))
	rt := newRuntime()

	require.NoError(t, p.Register(context.Background(), rt, probe.AppInfo{AppID: "app", AppName: "demo"}))
	require.NoError(t, p.Register(context.Background(), rt, probe.AppInfo{AppID: "app", AppName: "demo"}))
	closeProbe(t, p)

	assert.Equal(t, []wire.Kind{wire.KindAppAdded, wire.KindInit, wire.KindAppDisconnected}, tr.Kinds(),
		"second registration must be a no-op")

	msgs := tr.Messages()
	assert.Equal(t, "cns.events.app.app_added", msgs[0].Subject)
	assert.Equal(t, "cns.events.app.init", msgs[1].Subject)

	var snapshot wire.InitMessage
	require.NoError(t, json.Unmarshal(msgs[1].Data, &snapshot))
	assert.Len(t, snapshot.Neurons, 2)
	assert.Len(t, snapshot.Collaterals, 2)
	assert.Len(t, snapshot.Dendrites, 1)

	topologies := tr.Topologies()
	require.Len(t, topologies, 1)
	assert.Equal(t, "app", topologies[0].AppID)

	assert.Equal(t, 0, rt.HandlerCount(), "close detaches the response hook")
}

func TestProbe_RegisterFailsBeforeSending(t *testing.T) {
	tr := &testutil.RecordingTransport{}
	p := probe.New(tr)
	rt := &testutil.FakeRuntime{
		NeuronList:     []probe.Neuron{{Name: "A", Axon: []string{"out"}}},
		CollateralList: []probe.Collateral{{Name: "orphan"}},
	}

	err := p.Register(context.Background(), rt, probe.AppInfo{AppID: "app"})
	var unresolved *probe.UnresolvedCollateralError
	require.True(t, errors.As(err, &unresolved))
	closeProbe(t, p)

	assert.Empty(t, tr.Messages())
	assert.Equal(t, 0, rt.HandlerCount())
}

func TestProbe_RegisterAfterClose(t *testing.T) {
	p := probe.New(&testutil.RecordingTransport{})
	closeProbe(t, p)
	assert.Error(t, p.Register(context.Background(), newRuntime(), probe.AppInfo{AppID: "app"}))
}

func TestProbe_ResponseInstrumentation(t *testing.T) {
	tr := &testutil.RecordingTransport{}
	p := probe.New(tr, probe.WithClock(fixedClock))
	rt := newRuntime()
	require.NoError(t, p.Register(context.Background(), rt, probe.AppInfo{AppID: "app"}))

	hop := 0
	rt.Fire(probe.ResponseEvent{
		StimulationID:    "s1",
		NeuronName:       "A",
		OutputCollateral: "out",
		HopIndex:         &hop,
		OutputPayload:    map[string]any{"n": 1},
		Duration:         1500 * time.Microsecond,
		QueueLength:      2,
	})
	rt.Fire(probe.ResponseEvent{
		StimulationID:    "s1",
		NeuronName:       "B",
		InputCollateral:  "out",
		OutputCollateral: "done",
		Err:              errors.New("failed"),
		Timestamp:        fixedNow.Add(time.Millisecond),
	})
	closeProbe(t, p)

	recs := responses(t, tr.OfKind(wire.KindResponseBatch))
	require.Len(t, recs, 2)

	first := recs[0]
	assert.Equal(t, "app:resp:s1:1700000000000", first.ResponseID)
	assert.Equal(t, "s1", first.StimulationID)
	assert.Equal(t, "app:A", first.NeuronID)
	assert.Equal(t, "out", first.InputCollateralName, "falls back to the output name")
	assert.Equal(t, "out", first.OutputCollateralName)
	require.NotNil(t, first.HopIndex)
	assert.Equal(t, 0, *first.HopIndex)
	require.NotNil(t, first.Duration)
	assert.InDelta(t, 1.5, *first.Duration, 0.0001)
	assert.Equal(t, map[string]any{"n": float64(1)}, first.OutputPayload)

	second := recs[1]
	assert.Equal(t, "app:resp:s1:1700000000001", second.ResponseID)
	assert.Equal(t, "out", second.InputCollateralName)
	assert.Equal(t, "app:B", second.NeuronID)
	errMap, ok := second.Error.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "failed", errMap["message"])

	stims := stimulations(t, tr.OfKind(wire.KindStimulationBatch))
	require.Len(t, stims, 1, "one stimulation record per stimulation id")
	assert.Equal(t, "s1", stims[0].StimulationID)
	assert.Equal(t, "out", stims[0].CollateralName)
	assert.Equal(t, "app:A", stims[0].NeuronID)
	assert.Equal(t, 2, stims[0].QueueLength)
}

func TestProbe_ResponseWithoutStimulationID(t *testing.T) {
	tr := &testutil.RecordingTransport{}
	p := probe.New(tr, probe.WithClock(fixedClock))
	rt := newRuntime()
	require.NoError(t, p.Register(context.Background(), rt, probe.AppInfo{AppID: "app"}))

	rt.Fire(probe.ResponseEvent{OutputCollateral: "done"})
	closeProbe(t, p)

	recs := responses(t, tr.OfKind(wire.KindResponseBatch))
	require.Len(t, recs, 1)
	assert.True(t, strings.HasPrefix(recs[0].StimulationID, "1700000000000-"))
	assert.Equal(t, "app:B", recs[0].NeuronID, "owner of the output collateral")
}

func TestProbe_CyclicPayloadDoesNotPanic(t *testing.T) {
	tr := &testutil.RecordingTransport{}
	p := probe.New(tr, probe.WithClock(fixedClock))
	rt := newRuntime()
	require.NoError(t, p.Register(context.Background(), rt, probe.AppInfo{AppID: "app"}))

	payload := map[string]any{"id": "x"}
	payload["self"] = payload

	assert.NotPanics(t, func() {
		rt.Fire(probe.ResponseEvent{StimulationID: "s1", NeuronName: "A", OutputCollateral: "out", OutputPayload: payload})
	})
	closeProbe(t, p)

	recs := responses(t, tr.OfKind(wire.KindResponseBatch))
	require.Len(t, recs, 1)
	out, ok := recs[0].OutputPayload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, probe.CircularMarker, out["self"])
}

func TestProbe_SendFailuresAreSwallowed(t *testing.T) {
	tr := &testutil.RecordingTransport{Err: errors.New("offline")}
	p := probe.New(tr)
	rt := newRuntime()
	require.NoError(t, p.Register(context.Background(), rt, probe.AppInfo{AppID: "app"}))

	rt.Fire(probe.ResponseEvent{StimulationID: "s1", NeuronName: "A", OutputCollateral: "out"})
	closeProbe(t, p)

	sent, _, failed := p.Stats()
	assert.Zero(t, sent)
	assert.Positive(t, failed)
}

func TestProbe_QueueFullDrops(t *testing.T) {
	block := make(chan struct{})
	tr := &blockingTransport{release: block}
	p := probe.New(tr, probe.WithQueueSize(1))
	rt := newRuntime()
	require.NoError(t, p.Register(context.Background(), rt, probe.AppInfo{AppID: "app"}))

	for i := 0; i < 10; i++ {
		rt.Fire(probe.ResponseEvent{StimulationID: "s1", NeuronName: "A", OutputCollateral: "out"})
	}
	close(block)
	closeProbe(t, p)

	_, dropped, _ := p.Stats()
	assert.Positive(t, dropped)
}

type blockingTransport struct {
	release chan struct{}
}

func (b *blockingTransport) Publish(ctx context.Context, _ string, _ []byte) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

func TestExecutor_Stimulate(t *testing.T) {
	tr := &testutil.RecordingTransport{}
	p := probe.New(tr)
	deadlines := make(chan bool, 1)
	rt := newRuntime()
	rt.StimulateFunc = func(ctx context.Context, _ probe.Collateral, _ any, _ probe.StimulateOptions) error {
		_, ok := ctx.Deadline()
		deadlines <- ok
		return nil
	}
	require.NoError(t, p.Register(context.Background(), rt, probe.AppInfo{AppID: "app"}))

	reply, err := tr.Request(context.Background(), "app", wire.StimulateCommand{
		StimulationCommandID: "cmd-1",
		CollateralName:       "out",
		Payload:              json.RawMessage(`{"value":42}`),
		Contexts:             json.RawMessage(`{"trace":"t"}`),
		Options: &wire.StimulateOptions{
			MaxNeuronHops: intPtr(3),
			Concurrency:   intPtr(2),
			AllowedNames:  []string{"A", "B"},
			TimeoutMs:     int64Ptr(5000),
		},
	})
	require.NoError(t, err)
	assert.True(t, reply.Accepted)
	assert.Equal(t, "cmd-1", reply.StimulationID)

	call, ok := rt.WaitForCall(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, "out", call.Collateral.Name)
	assert.Equal(t, map[string]any{"value": float64(42)}, call.Payload)
	assert.Equal(t, probe.StimulateOptions{
		StimulationID: "cmd-1",
		MaxNeuronHops: 3,
		Concurrency:   2,
		AllowedNames:  []string{"A", "B"},
		Contexts:      map[string]any{"trace": "t"},
	}, call.Options)
	assert.True(t, <-deadlines, "timeoutMs arms a deadline")

	closeProbe(t, p)
	assert.Empty(t, tr.OfKind(wire.KindStimulationBatch), "no pre-stimulation record by default")
}

func TestExecutor_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		cmd        wire.StimulateCommand
		wantReason string
	}{
		{
			name:       "unknown collateral is dropped",
			cmd:        wire.StimulateCommand{StimulationCommandID: "c1", CollateralName: "nope"},
			wantReason: probe.ReasonUnknownCollateral,
		},
		{
			name:       "case conversion is not applied to commands",
			cmd:        wire.StimulateCommand{StimulationCommandID: "c1", CollateralName: "OUT"},
			wantReason: probe.ReasonUnknownCollateral,
		},
		{
			name:       "missing command id",
			cmd:        wire.StimulateCommand{CollateralName: "out"},
			wantReason: probe.ReasonInvalidCommand,
		},
		{
			name: "hop limit below one",
			cmd: wire.StimulateCommand{StimulationCommandID: "c1", CollateralName: "out",
				Options: &wire.StimulateOptions{MaxNeuronHops: intPtr(0)}},
			wantReason: probe.ReasonInvalidCommand,
		},
		{
			name:       "malformed payload",
			cmd:        wire.StimulateCommand{StimulationCommandID: "c1", CollateralName: "out", Payload: json.RawMessage(`{`)},
			wantReason: probe.ReasonMalformedPayload,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := probe.New(&testutil.RecordingTransport{})
			rt := newRuntime()
			require.NoError(t, p.Register(context.Background(), rt, probe.AppInfo{AppID: "app"}))

			exec, ok := p.Executor("app", "")
			require.True(t, ok)
			reply := exec.Execute(context.Background(), tt.cmd)
			closeProbe(t, p)

			assert.False(t, reply.Accepted)
			assert.True(t, strings.HasPrefix(reply.Reason, tt.wantReason), reply.Reason)
			assert.Empty(t, rt.Calls())
		})
	}
}

func TestExecutor_MalformedRequest(t *testing.T) {
	p := probe.New(&testutil.RecordingTransport{})
	require.NoError(t, p.Register(context.Background(), newRuntime(), probe.AppInfo{AppID: "app"}))
	defer closeProbe(t, p)

	exec, ok := p.Executor("app", "app")
	require.True(t, ok)
	out, err := exec.HandleRequest(context.Background(), []byte("not json"))
	require.NoError(t, err)

	var reply wire.StimulateReply
	require.NoError(t, json.Unmarshal(out, &reply))
	assert.False(t, reply.Accepted)
}

func TestExecutor_PreStimulation(t *testing.T) {
	tr := &testutil.RecordingTransport{}
	p := probe.New(tr, probe.WithPreStimulation(true), probe.WithClock(fixedClock))
	rt := newRuntime()
	rt.StimulateFunc = func(_ context.Context, _ probe.Collateral, _ any, opts probe.StimulateOptions) error {
		return nil
	}
	require.NoError(t, p.Register(context.Background(), rt, probe.AppInfo{AppID: "app"}))

	reply, err := tr.Request(context.Background(), "app", wire.StimulateCommand{
		StimulationCommandID: "cmd-7",
		CollateralName:       "out",
		Payload:              json.RawMessage(`"hello"`),
	})
	require.NoError(t, err)
	require.True(t, reply.Accepted)
	_, ok := rt.WaitForCall(2 * time.Second)
	require.True(t, ok)

	rt.Fire(probe.ResponseEvent{StimulationID: "cmd-7", NeuronName: "B", InputCollateral: "out", OutputCollateral: "done"})
	closeProbe(t, p)

	stims := stimulations(t, tr.OfKind(wire.KindStimulationBatch))
	require.Len(t, stims, 1, "the response does not emit a second record for the same id")
	assert.Equal(t, "cmd-7", stims[0].StimulationID)
	assert.Equal(t, "out", stims[0].CollateralName)
	assert.Equal(t, "app:A", stims[0].NeuronID)
	assert.Equal(t, "hello", stims[0].Payload)

	recs := responses(t, tr.OfKind(wire.KindResponseBatch))
	require.Len(t, recs, 1)
	assert.Equal(t, "cmd-7", recs[0].StimulationID, "responses correlate to the command")
}

func TestExecutor_CloseWaitsForAcceptedStimulations(t *testing.T) {
	p := probe.New(&testutil.RecordingTransport{})
	rt := newRuntime()
	require.NoError(t, p.Register(context.Background(), rt, probe.AppInfo{AppID: "app"}))
	exec, ok := p.Executor("app", "")
	require.True(t, ok)

	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				reply := exec.Execute(context.Background(), wire.StimulateCommand{StimulationCommandID: "c", CollateralName: "out"})
				if reply.Accepted {
					accepted.Add(1)
				}
			}
		}()
	}

	closeProbe(t, p)
	calls := len(rt.Calls())
	wg.Wait()

	assert.Equal(t, int(accepted.Load()), calls, "close waits for every admitted stimulation")
	assert.Len(t, rt.Calls(), calls, "nothing is admitted after close")
	reply := exec.Execute(context.Background(), wire.StimulateCommand{StimulationCommandID: "late", CollateralName: "out"})
	assert.False(t, reply.Accepted)
	assert.Equal(t, probe.ReasonExecutorUnavailable, reply.Reason)
}

func TestExecutor_TimeoutCancelsStimulation(t *testing.T) {
	tr := &testutil.RecordingTransport{}
	p := probe.New(tr)
	rt := newRuntime()
	rt.StimulateFunc = func(ctx context.Context, _ probe.Collateral, _ any, _ probe.StimulateOptions) error {
		<-ctx.Done()
		return ctx.Err()
	}
	require.NoError(t, p.Register(context.Background(), rt, probe.AppInfo{AppID: "app"}))

	reply, err := tr.Request(context.Background(), "app", wire.StimulateCommand{
		StimulationCommandID: "slow",
		CollateralName:       "out",
		Options:              &wire.StimulateOptions{TimeoutMs: int64Ptr(10)},
	})
	require.NoError(t, err)
	require.True(t, reply.Accepted)

	call, ok := rt.WaitForCall(2 * time.Second)
	require.True(t, ok)
	assert.ErrorIs(t, call.Err, context.DeadlineExceeded)
	closeProbe(t, p)
}
