// Package wire defines the messages exchanged between an instrumented CNS
// runtime and the viewer that materializes its activity.
//
// Every message carries a "type" discriminant. Producers emit the canonical
// kinds; consumers additionally accept the legacy response batch shapes
// (see LegacyNeuronResponseBatch and LegacyCNSResponses) and rewrite them
// into ResponseBatch before storage.
package wire

import "encoding/json"

// Kind is the discriminant carried in the "type" field of every message.
type Kind string

// Canonical message kinds.
const (
	KindInit             Kind = "init"
	KindResponseBatch    Kind = "response-batch"
	KindStimulationBatch Kind = "stimulation-batch"
	KindAppsActive       Kind = "apps:active"
	KindAppAdded         Kind = "app:added"
	KindAppDisconnected  Kind = "app:disconnected"
	KindAppsTopology     Kind = "apps:topology"
)

// Legacy response batch kinds accepted on ingestion only.
const (
	LegacyNeuronResponseBatch Kind = "neuron-response-batch"
	LegacyCNSResponses        Kind = "cns:responses"
)

// Envelope is the minimal view used to classify an inbound message.
type Envelope struct {
	Type Kind `json:"type"`
}

// Neuron is a named processing unit of one runtime instance.
type Neuron struct {
	ID    string `json:"id"`
	AppID string `json:"appId"`
	CnsID string `json:"cnsId"`
	Name  string `json:"name"`
}

// Collateral is a typed signal owned by exactly one neuron.
// Producers always send both ID and Name; older producers may send only one.
type Collateral struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	NeuronID string `json:"neuronId"`
	AppID    string `json:"appId"`
	CnsID    string `json:"cnsId"`
}

// Dendrite records that a neuron listens to a collateral.
type Dendrite struct {
	ID             string `json:"id"`
	NeuronID       string `json:"neuronId"`
	AppID          string `json:"appId"`
	CnsID          string `json:"cnsId"`
	CollateralName string `json:"collateralName"`
}

// InitMessage is the full topology snapshot of one runtime instance.
type InitMessage struct {
	Type        Kind         `json:"type"`
	AppID       string       `json:"appId"`
	CnsID       string       `json:"cnsId"`
	AppName     string       `json:"appName"`
	Version     string       `json:"version"`
	Timestamp   int64        `json:"timestamp"`
	Neurons     []Neuron     `json:"neurons"`
	Collaterals []Collateral `json:"collaterals"`
	Dendrites   []Dendrite   `json:"dendrites"`
}

// ResponseRecord is one neuron invocation within a stimulation chain.
type ResponseRecord struct {
	ResponseID           string   `json:"responseId"`
	StimulationID        string   `json:"stimulationId"`
	AppID                string   `json:"appId"`
	CnsID                string   `json:"cnsId,omitempty"`
	NeuronID             string   `json:"neuronId,omitempty"`
	Timestamp            int64    `json:"timestamp"`
	InputCollateralName  string   `json:"inputCollateralName"`
	OutputCollateralName string   `json:"outputCollateralName,omitempty"`
	HopIndex             *int     `json:"hopIndex,omitempty"`
	InputPayload         any      `json:"inputPayload,omitempty"`
	OutputPayload        any      `json:"outputPayload,omitempty"`
	Contexts             any      `json:"contexts,omitempty"`
	Error                any      `json:"error,omitempty"`
	Duration             *float64 `json:"duration,omitempty"`
}

// ResponseBatch is the canonical response message.
type ResponseBatch struct {
	Type      Kind             `json:"type"`
	Responses []ResponseRecord `json:"responses"`
}

// LegacyResponseBatch covers both legacy response shapes. Records may sit
// under "responses" or "data" and may omit appId, which is then inherited
// from the envelope.
type LegacyResponseBatch struct {
	Type      Kind             `json:"type"`
	AppID     string           `json:"appId,omitempty"`
	Responses []ResponseRecord `json:"responses,omitempty"`
	Data      []ResponseRecord `json:"data,omitempty"`
}

// StimulationRecord is one observed triggering of a collateral.
type StimulationRecord struct {
	StimulationID  string `json:"stimulationId"`
	AppID          string `json:"appId"`
	CnsID          string `json:"cnsId,omitempty"`
	Timestamp      int64  `json:"timestamp"`
	NeuronID       string `json:"neuronId"`
	CollateralName string `json:"collateralName"`
	Payload        any    `json:"payload,omitempty"`
	QueueLength    int    `json:"queueLength"`
	Hops           *int   `json:"hops,omitempty"`
	Error          any    `json:"error,omitempty"`
}

// StimulationBatch carries stimulation records.
type StimulationBatch struct {
	Type         Kind                `json:"type"`
	Stimulations []StimulationRecord `json:"stimulations"`
}

// AppInfo describes one runtime instance in lifecycle messages.
type AppInfo struct {
	AppID     string `json:"appId"`
	AppName   string `json:"appName,omitempty"`
	Version   string `json:"version,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// AppsActive lists the runtime instances currently connected.
type AppsActive struct {
	Type Kind      `json:"type"`
	Apps []AppInfo `json:"apps"`
}

// AppAdded announces a newly connected runtime instance.
type AppAdded struct {
	Type Kind    `json:"type"`
	App  AppInfo `json:"app"`
}

// AppDisconnected announces that a runtime instance went away.
type AppDisconnected struct {
	Type      Kind   `json:"type"`
	AppID     string `json:"appId"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// AppsTopology replays init messages, in order, for late-joining consumers.
type AppsTopology struct {
	Type     Kind          `json:"type"`
	Messages []InitMessage `json:"messages"`
}

// StimulateOptions map onto runtime stimulation parameters.
type StimulateOptions struct {
	MaxNeuronHops *int     `json:"maxNeuronHops,omitempty" validate:"omitempty,min=1"`
	Concurrency   *int     `json:"concurrency,omitempty" validate:"omitempty,min=1"`
	AllowedNames  []string `json:"allowedNames,omitempty" validate:"omitempty,dive,required"`
	TimeoutMs     *int64   `json:"timeoutMs,omitempty" validate:"omitempty,min=0"`
}

// StimulateCommand asks a producer to re-inject a collateral.
type StimulateCommand struct {
	StimulationCommandID string            `json:"stimulationCommandId" validate:"required"`
	CollateralName       string            `json:"collateralName" validate:"required"`
	Payload              json.RawMessage   `json:"payload,omitempty"`
	Contexts             json.RawMessage   `json:"contexts,omitempty"`
	Options              *StimulateOptions `json:"options,omitempty"`
}

// StimulateReply is returned to the sender of a StimulateCommand.
type StimulateReply struct {
	Accepted      bool   `json:"accepted"`
	StimulationID string `json:"stimulationId,omitempty"`
	Reason        string `json:"reason,omitempty"`
}
