package probe

import (
	"fmt"
	"time"

	"github.com/c360studio/cnsscope/wire"
)

// AppInfo identifies the runtime instance being instrumented.
type AppInfo struct {
	// AppID is globally unique and chosen by the embedding application.
	AppID   string
	AppName string
	Version string

	// CnsID namespaces neuron ids within the app. Defaults to AppID.
	CnsID string
}

func (a AppInfo) cnsID() string {
	if a.CnsID != "" {
		return a.CnsID
	}
	return a.AppID
}

// Snapshot is a fully resolved topology ready to be sent.
type Snapshot struct {
	Init     wire.InitMessage
	Resolver *Resolver
}

// BuildSnapshot walks the runtime graph once and produces the init message.
// It fails before producing anything if a single collateral has no owner,
// so partial topology is never transmitted.
func BuildSnapshot(info AppInfo, rt Runtime, now time.Time) (*Snapshot, error) {
	if info.AppID == "" {
		return nil, fmt.Errorf("app id is required")
	}
	cnsID := info.cnsID()

	neurons := rt.Neurons()
	resolver, err := NewResolver(neurons)
	if err != nil {
		return nil, fmt.Errorf("index emission keys: %w", err)
	}

	msg := wire.InitMessage{
		Type:        wire.KindInit,
		AppID:       info.AppID,
		CnsID:       cnsID,
		AppName:     info.AppName,
		Version:     info.Version,
		Timestamp:   now.UnixMilli(),
		Neurons:     make([]wire.Neuron, 0, len(neurons)),
		Collaterals: []wire.Collateral{},
		Dendrites:   []wire.Dendrite{},
	}

	for _, n := range neurons {
		neuronID := wire.NeuronID(cnsID, n.Name)
		msg.Neurons = append(msg.Neurons, wire.Neuron{
			ID:    neuronID,
			AppID: info.AppID,
			CnsID: cnsID,
			Name:  n.Name,
		})
		for _, collateralName := range n.Dendrites {
			msg.Dendrites = append(msg.Dendrites, wire.Dendrite{
				ID:             wire.DendriteID(neuronID, collateralName),
				NeuronID:       neuronID,
				AppID:          info.AppID,
				CnsID:          cnsID,
				CollateralName: collateralName,
			})
		}
	}

	seen := make(map[string]bool)
	for _, c := range rt.Collaterals() {
		if seen[c.Name] {
			continue
		}
		seen[c.Name] = true

		owner, err := resolver.Resolve(c.Name)
		if err != nil {
			return nil, fmt.Errorf("resolve collateral owner: %w", err)
		}
		neuronID := wire.NeuronID(cnsID, owner.Name)
		msg.Collaterals = append(msg.Collaterals, wire.Collateral{
			ID:       wire.CollateralID(neuronID, c.Name),
			Name:     c.Name,
			NeuronID: neuronID,
			AppID:    info.AppID,
			CnsID:    cnsID,
		})
	}

	return &Snapshot{Init: msg, Resolver: resolver}, nil
}
