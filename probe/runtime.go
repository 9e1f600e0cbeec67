package probe

import (
	"context"
	"time"
)

// Runtime is the observed signal-propagation engine. The probe only reads
// its settled graph, listens to response completions and re-injects
// collaterals on remote request; scheduling stays inside the runtime.
type Runtime interface {
	// Neurons returns every neuron with its declared emission keys and
	// dendrites.
	Neurons() []Neuron

	// Collaterals returns the live, invocable collaterals.
	Collaterals() []Collateral

	// OnResponse registers fn to be called synchronously, one at a time,
	// each time a neuron invocation completes. The returned func detaches it.
	OnResponse(fn func(ResponseEvent)) (detach func())

	// Stimulate injects collateral with payload and blocks until the
	// resulting propagation settles or ctx is done. Implementations are
	// expected to check ctx cooperatively between hops.
	Stimulate(ctx context.Context, collateral Collateral, payload any, opts StimulateOptions) error
}

// Neuron is a runtime unit as declared to the probe.
type Neuron struct {
	Name string

	// Axon is the neuron's emission key registry. Collateral names are
	// resolved against these keys when the topology is snapshotted.
	Axon []string

	// Dendrites lists the collateral names the neuron listens to.
	Dendrites []string
}

// Collateral is a live collateral handle. Ref is opaque to the probe and
// handed back to the runtime on Stimulate.
type Collateral struct {
	Name string
	Ref  any
}

// StimulateOptions are the runtime parameters a stimulate command maps to.
type StimulateOptions struct {
	StimulationID string
	MaxNeuronHops int
	Concurrency   int
	AllowedNames  []string
	Contexts      any
}

// ResponseEvent is what the runtime reports for one neuron invocation.
type ResponseEvent struct {
	StimulationID    string
	NeuronName       string
	InputCollateral  string
	OutputCollateral string
	HopIndex         *int
	InputPayload     any
	OutputPayload    any
	Contexts         any
	Err              error
	Duration         time.Duration
	QueueLength      int
	Timestamp        time.Time
}
