package wire

import (
	"strconv"
	"strings"
)

// NeuronID returns the qualified neuron identifier "cnsId:name".
func NeuronID(cnsID, name string) string {
	return cnsID + ":" + name
}

// CollateralID returns the qualified collateral identifier "neuronId:eventName".
func CollateralID(neuronID, name string) string {
	return neuronID + ":" + name
}

// DendriteID returns the qualified dendrite identifier "neuronId:d:eventName".
func DendriteID(neuronID, collateralName string) string {
	return neuronID + ":d:" + collateralName
}

// ResponseID returns "appId:resp:stimulationId:timestamp". The id is stable
// for a given response so redelivery is idempotent.
func ResponseID(appID, stimulationID string, timestamp int64) string {
	return appID + ":resp:" + stimulationID + ":" + strconv.FormatInt(timestamp, 10)
}

// CollateralNameFromID recovers the event name from a collateral id given
// its owning neuron id. It returns "" when id is not prefixed by neuronID.
func CollateralNameFromID(id, neuronID string) string {
	prefix := neuronID + ":"
	if neuronID == "" || !strings.HasPrefix(id, prefix) {
		return ""
	}
	return strings.TrimPrefix(id, prefix)
}

// Canonical fills in whichever of ID and Name is missing.
func (c Collateral) Canonical() Collateral {
	if c.ID == "" && c.Name != "" && c.NeuronID != "" {
		c.ID = CollateralID(c.NeuronID, c.Name)
	}
	if c.Name == "" && c.ID != "" {
		c.Name = CollateralNameFromID(c.ID, c.NeuronID)
	}
	return c
}
