package probe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/c360studio/cnsscope/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticRuntime struct {
	neurons     []Neuron
	collaterals []Collateral
}

func (r staticRuntime) Neurons() []Neuron         { return r.neurons }
func (r staticRuntime) Collaterals() []Collateral { return r.collaterals }
func (r staticRuntime) OnResponse(func(ResponseEvent)) func() {
	return func() {}
}
func (r staticRuntime) Stimulate(context.Context, Collateral, any, StimulateOptions) error {
	return nil
}

func TestBuildSnapshot(t *testing.T) {
	rt := staticRuntime{
		neurons: []Neuron{
			{Name: "A", Axon: []string{"out"}},
			{Name: "B", Axon: []string{"userDone"}, Dendrites: []string{"out"}},
		},
		collaterals: []Collateral{{Name: "out"}, {Name: "user-done"}, {Name: "out"}},
	}
	now := time.UnixMilli(1_700_000_000_000)

	snap, err := BuildSnapshot(AppInfo{AppID: "app", AppName: "demo", Version: "1.0.0", CnsID: "main"}, rt, now)
	require.NoError(t, err)

	msg := snap.Init
	assert.Equal(t, wire.KindInit, msg.Type)
	assert.Equal(t, "app", msg.AppID)
	assert.Equal(t, "main", msg.CnsID)
	assert.Equal(t, int64(1_700_000_000_000), msg.Timestamp)

	assert.Equal(t, []wire.Neuron{
		{ID: "main:A", AppID: "app", CnsID: "main", Name: "A"},
		{ID: "main:B", AppID: "app", CnsID: "main", Name: "B"},
	}, msg.Neurons)

	assert.Equal(t, []wire.Collateral{
		{ID: "main:A:out", Name: "out", NeuronID: "main:A", AppID: "app", CnsID: "main"},
		{ID: "main:B:user-done", Name: "user-done", NeuronID: "main:B", AppID: "app", CnsID: "main"},
	}, msg.Collaterals, "duplicates are collapsed and owners resolved")

	assert.Equal(t, []wire.Dendrite{
		{ID: "main:B:d:out", NeuronID: "main:B", AppID: "app", CnsID: "main", CollateralName: "out"},
	}, msg.Dendrites)
}

func TestBuildSnapshot_EveryCollateralHasAnOwner(t *testing.T) {
	rt := staticRuntime{
		neurons: []Neuron{
			{Name: "Orders", Axon: []string{"orderPlaced", "order-shipped"}},
			{Name: "Billing", Axon: []string{"invoice"}},
		},
		collaterals: []Collateral{{Name: "order-placed"}, {Name: "orderShipped"}, {Name: "invoice"}},
	}

	snap, err := BuildSnapshot(AppInfo{AppID: "shop"}, rt, time.Now())
	require.NoError(t, err)

	neuronIDs := make(map[string]bool)
	for _, n := range snap.Init.Neurons {
		neuronIDs[n.ID] = true
	}
	require.Len(t, snap.Init.Collaterals, 3)
	for _, c := range snap.Init.Collaterals {
		assert.True(t, neuronIDs[c.NeuronID], "collateral %s has no owner", c.Name)
	}
	assert.Equal(t, "shop", snap.Init.CnsID, "cns id defaults to app id")
}

func TestBuildSnapshot_Failures(t *testing.T) {
	t.Run("unresolved collateral aborts", func(t *testing.T) {
		rt := staticRuntime{
			neurons:     []Neuron{{Name: "A", Axon: []string{"out"}}},
			collaterals: []Collateral{{Name: "out"}, {Name: "ghost"}},
		}
		snap, err := BuildSnapshot(AppInfo{AppID: "app"}, rt, time.Now())
		assert.Nil(t, snap)

		var unresolved *UnresolvedCollateralError
		require.True(t, errors.As(err, &unresolved))
		assert.Equal(t, "ghost", unresolved.Collateral)
	})

	t.Run("missing app id", func(t *testing.T) {
		_, err := BuildSnapshot(AppInfo{}, staticRuntime{}, time.Now())
		assert.Error(t, err)
	})

	t.Run("ambiguous keys", func(t *testing.T) {
		rt := staticRuntime{neurons: []Neuron{
			{Name: "A", Axon: []string{"x"}},
			{Name: "B", Axon: []string{"x"}},
		}}
		_, err := BuildSnapshot(AppInfo{AppID: "app"}, rt, time.Now())
		var ambiguous *AmbiguousKeyError
		assert.True(t, errors.As(err, &ambiguous))
	})
}
