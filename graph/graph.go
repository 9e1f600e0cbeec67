// Package graph derives the neuron-to-neuron topology of an app from its
// collaterals and dendrites, weighted by the stimulations currently retained.
package graph

import (
	"sort"

	"github.com/c360studio/cnsscope/store"
	"github.com/c360studio/cnsscope/wire"
)

// Source is the read side of the store the builder needs.
type Source interface {
	Neurons(appID string) []store.Neuron
	Dendrites(appID string) []wire.Dendrite
	OwnerOf(appID, collateralName string) (string, bool)
	StimulationCountsByCollateral(appID string) map[string]int
}

// Edge says neuron From emits CollateralName and neuron To listens to it.
// Count is the number of retained stimulations of that collateral, so it
// falls as old stimulations are evicted.
type Edge struct {
	AppID          string `json:"appId"`
	From           string `json:"from"`
	To             string `json:"to"`
	CollateralName string `json:"collateralName"`
	Count          int    `json:"count"`
}

// Node is a neuron with its observed activity.
type Node struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ActivityCount int64  `json:"activityCount"`
}

// Graph is the derived topology of one app.
type Graph struct {
	AppID string `json:"appId"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Edges derives the edges of appID. A dendrite whose collateral has no known
// owner is an orphan and yields nothing, as does a neuron listening to its
// own collateral.
func Edges(src Source, appID string) []Edge {
	counts := src.StimulationCountsByCollateral(appID)
	edges := []Edge{}
	for _, d := range src.Dendrites(appID) {
		from, ok := src.OwnerOf(appID, d.CollateralName)
		if !ok || from == d.NeuronID {
			continue
		}
		edges = append(edges, Edge{
			AppID:          appID,
			From:           from,
			To:             d.NeuronID,
			CollateralName: d.CollateralName,
			Count:          counts[d.CollateralName],
		})
	}
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.To != b.To {
			return a.To < b.To
		}
		return a.CollateralName < b.CollateralName
	})
	return edges
}

// Build derives the nodes and edges of appID.
func Build(src Source, appID string) Graph {
	neurons := src.Neurons(appID)
	nodes := make([]Node, 0, len(neurons))
	for _, n := range neurons {
		nodes = append(nodes, Node{ID: n.ID, Name: n.Name, ActivityCount: n.ActivityCount})
	}
	return Graph{AppID: appID, Nodes: nodes, Edges: Edges(src, appID)}
}
