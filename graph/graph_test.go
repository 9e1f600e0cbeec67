package graph

import (
	"testing"
	"time"

	"github.com/c360studio/cnsscope/store"
	"github.com/c360studio/cnsscope/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func neuron(app, name string) wire.Neuron {
	return wire.Neuron{ID: wire.NeuronID(app, name), AppID: app, CnsID: app, Name: name}
}

func collateral(app, owner, name string) wire.Collateral {
	id := wire.NeuronID(app, owner)
	return wire.Collateral{ID: wire.CollateralID(id, name), Name: name, NeuronID: id, AppID: app, CnsID: app}
}

func dendrite(app, listener, name string) wire.Dendrite {
	id := wire.NeuronID(app, listener)
	return wire.Dendrite{ID: wire.DendriteID(id, name), NeuronID: id, AppID: app, CnsID: app, CollateralName: name}
}

func build(s *store.Store, appID string) Graph {
	var g Graph
	s.Read(func(v *store.View) { g = Build(v, appID) })
	return g
}

func TestEdges_EndToEnd(t *testing.T) {
	s := store.New()
	s.Update(func(tx *store.Tx) {
		tx.ApplyInit(wire.InitMessage{
			Type:        wire.KindInit,
			AppID:       "app",
			CnsID:       "app",
			Neurons:     []wire.Neuron{neuron("app", "A"), neuron("app", "B")},
			Collaterals: []wire.Collateral{collateral("app", "A", "out")},
			Dendrites:   []wire.Dendrite{dendrite("app", "B", "out")},
		})
	})
	s.Update(func(tx *store.Tx) {
		tx.ApplyStimulations([]wire.StimulationRecord{
			{StimulationID: "1", AppID: "app", NeuronID: "app:A", CollateralName: "out", Timestamp: nowMs()},
			{StimulationID: "2", AppID: "app", NeuronID: "app:A", CollateralName: "out", Timestamp: nowMs()},
		})
	})

	g := build(s, "app")
	assert.Equal(t, []Edge{{AppID: "app", From: "app:A", To: "app:B", CollateralName: "out", Count: 2}}, g.Edges)
	require.Len(t, g.Nodes, 2)
	for _, n := range g.Nodes {
		assert.Zero(t, n.ActivityCount, "owning a collateral alone does not count as activity")
	}

	s.Update(func(tx *store.Tx) {
		tx.ApplyResponses([]wire.ResponseRecord{
			{AppID: "app", StimulationID: "1", NeuronID: "app:A", InputCollateralName: "out", OutputCollateralName: "out", Timestamp: nowMs()},
		})
	})
	g = build(s, "app")
	assert.Equal(t, int64(1), g.Nodes[0].ActivityCount)
	assert.Zero(t, g.Nodes[1].ActivityCount)
}

func TestEdges_Exclusions(t *testing.T) {
	s := store.New()
	s.Update(func(tx *store.Tx) {
		tx.ApplyInit(wire.InitMessage{
			Type:    wire.KindInit,
			AppID:   "app",
			CnsID:   "app",
			Neurons: []wire.Neuron{neuron("app", "A"), neuron("app", "B"), neuron("app", "C")},
			Collaterals: []wire.Collateral{
				collateral("app", "A", "loop"),
				collateral("app", "A", "unheard"),
				collateral("app", "B", "b-out"),
			},
			Dendrites: []wire.Dendrite{
				dendrite("app", "A", "loop"),
				dendrite("app", "C", "ghost"),
				dendrite("app", "C", "b-out"),
				dendrite("app", "A", "b-out"),
			},
		})
	})

	edges := build(s, "app").Edges
	assert.Equal(t, []Edge{
		{AppID: "app", From: "app:B", To: "app:A", CollateralName: "b-out"},
		{AppID: "app", From: "app:B", To: "app:C", CollateralName: "b-out"},
	}, edges, "no self loops, no orphans, no edges for unheard collaterals")
}

func TestEdges_EmptyApp(t *testing.T) {
	g := build(store.New(), "missing")
	assert.NotNil(t, g.Edges)
	assert.Empty(t, g.Edges)
	assert.Empty(t, g.Nodes)
}

func TestEdges_CountFollowsRetention(t *testing.T) {
	s := store.New(store.WithRetention(store.Retention{Default: store.Policy{MaxStimulations: 1}}))
	s.Update(func(tx *store.Tx) {
		tx.ApplyInit(wire.InitMessage{
			AppID:       "app",
			CnsID:       "app",
			Neurons:     []wire.Neuron{neuron("app", "A"), neuron("app", "B")},
			Collaterals: []wire.Collateral{collateral("app", "A", "out")},
			Dendrites:   []wire.Dendrite{dendrite("app", "B", "out")},
		})
		tx.ApplyStimulations([]wire.StimulationRecord{
			{StimulationID: "1", AppID: "app", CollateralName: "out", Timestamp: 1},
			{StimulationID: "2", AppID: "app", CollateralName: "out", Timestamp: 2},
			{StimulationID: "3", AppID: "app", CollateralName: "out", Timestamp: 3},
		})
	})

	edges := build(s, "app").Edges
	require.Len(t, edges, 1)
	assert.Equal(t, 1, edges[0].Count)
}

func nowMs() int64 { return time.Now().UnixMilli() }
