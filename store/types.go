package store

import "github.com/c360studio/cnsscope/wire"

// App is one observed runtime instance.
type App struct {
	AppID       string `json:"appId"`
	AppName     string `json:"appName,omitempty"`
	Version     string `json:"version,omitempty"`
	FirstSeenAt int64  `json:"firstSeenAt"`
	LastSeenAt  int64  `json:"lastSeenAt"`
	Connected   bool   `json:"connected"`
}

// Neuron is a topology neuron plus its observed activity.
type Neuron struct {
	wire.Neuron
	ActivityCount int64 `json:"activityCount"`
}

// Record types stored as received.
type (
	Collateral  = wire.Collateral
	Dendrite    = wire.Dendrite
	Stimulation = wire.StimulationRecord
	Response    = wire.ResponseRecord
)

// Index names.
const (
	ByApp            = "byApp"
	ByAppCollateral  = "byAppCollateral"
	ByAppStimulation = "byAppStimulation"
)

// compositeKey joins key parts with a separator that cannot appear in ids
// produced by the probe.
func compositeKey(parts ...string) string {
	n := 0
	for _, p := range parts {
		n += len(p) + 1
	}
	b := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			b = append(b, 0)
		}
		b = append(b, p...)
	}
	return string(b)
}

// stimulationPk keys stimulations by app so two apps reusing an id never collide.
func stimulationPk(s Stimulation) string {
	return compositeKey(s.AppID, s.StimulationID)
}
