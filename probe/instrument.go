package probe

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/c360studio/cnsscope/wire"
	"github.com/google/uuid"
)

// emitFunc queues one message for an app without blocking.
type emitFunc func(appID string, kind wire.Kind, v any)

// instrumentation turns runtime response events into wire records.
type instrumentation struct {
	appID    string
	cnsID    string
	resolver *Resolver
	emit     emitFunc
	seen     *recentSet
	stamps   *stampClock
	logger   *slog.Logger
	now      func() time.Time
}

// handle runs on the runtime's dispatch path. It must not panic.
func (in *instrumentation) handle(ev ResponseEvent) {
	defer func() {
		if r := recover(); r != nil {
			in.logger.Warn("Response instrumentation failed", "app_id", in.appID, "panic", r)
		}
	}()

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = in.now()
	}
	timestamp := ts.UnixMilli()

	stimulationID := ev.StimulationID
	if stimulationID == "" {
		stimulationID = synthesizeStimulationID(timestamp)
		in.logger.Debug("Response without stimulation id", "app_id", in.appID, "stimulation_id", stimulationID)
	}
	timestamp = in.stamps.stamp(stimulationID, timestamp)

	input := ev.InputCollateral
	if input == "" {
		input = ev.OutputCollateral
	}
	if input == "" {
		input = "unknown"
	}

	record := wire.ResponseRecord{
		ResponseID:           wire.ResponseID(in.appID, stimulationID, timestamp),
		StimulationID:        stimulationID,
		AppID:                in.appID,
		CnsID:                in.cnsID,
		NeuronID:             in.neuronID(ev.NeuronName, ev.OutputCollateral),
		Timestamp:            timestamp,
		InputCollateralName:  input,
		OutputCollateralName: ev.OutputCollateral,
		HopIndex:             ev.HopIndex,
		InputPayload:         Sanitize(ev.InputPayload),
		OutputPayload:        Sanitize(ev.OutputPayload),
		Contexts:             Sanitize(ev.Contexts),
	}
	if ev.Err != nil {
		record.Error = serializeError(ev.Err)
	}
	if ev.Duration > 0 {
		ms := float64(ev.Duration) / float64(time.Millisecond)
		record.Duration = &ms
	}

	if in.seen.add(stimulationID) {
		in.emit(in.appID, wire.KindStimulationBatch, wire.StimulationBatch{
			Type: wire.KindStimulationBatch,
			Stimulations: []wire.StimulationRecord{{
				StimulationID:  stimulationID,
				AppID:          in.appID,
				CnsID:          in.cnsID,
				Timestamp:      timestamp,
				NeuronID:       in.ownerID(input),
				CollateralName: input,
				Payload:        record.InputPayload,
				QueueLength:    ev.QueueLength,
				Hops:           ev.HopIndex,
			}},
		})
	}

	in.emit(in.appID, wire.KindResponseBatch, wire.ResponseBatch{
		Type:      wire.KindResponseBatch,
		Responses: []wire.ResponseRecord{record},
	})
}

// neuronID prefers the runtime-reported neuron and falls back to the owner
// of the emitted collateral.
func (in *instrumentation) neuronID(name, output string) string {
	if name != "" {
		return wire.NeuronID(in.cnsID, name)
	}
	return in.ownerID(output)
}

func (in *instrumentation) ownerID(collateral string) string {
	if collateral == "" || in.resolver == nil {
		return ""
	}
	owner, err := in.resolver.Resolve(collateral)
	if err != nil {
		return ""
	}
	return wire.NeuronID(in.cnsID, owner.Name)
}

func synthesizeStimulationID(timestamp int64) string {
	return strconv.FormatInt(timestamp, 10) + "-" + uuid.NewString()[:8]
}
