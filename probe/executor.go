package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/cnsscope/wire"
	"github.com/go-playground/validator/v10"
)

// Reasons reported in a rejected StimulateReply.
const (
	ReasonInvalidCommand      = "invalid command"
	ReasonUnknownCollateral   = "unknown collateral"
	ReasonMalformedPayload    = "malformed payload"
	ReasonExecutorUnavailable = "executor unavailable"
)

// Executor re-injects collaterals into a runtime on remote request.
type Executor struct {
	appID          string
	cnsID          string
	runtime        Runtime
	resolver       *Resolver
	emit           emitFunc
	seen           *recentSet
	preStimulation bool
	validate       *validator.Validate
	baseCtx        context.Context
	admit          func() bool
	inflight       *sync.WaitGroup
	logger         *slog.Logger
	now            func() time.Time
}

// HandleRequest decodes a command, executes it and encodes the reply.
// Decoding failures are answered, never returned as errors.
func (e *Executor) HandleRequest(ctx context.Context, data []byte) ([]byte, error) {
	var cmd wire.StimulateCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		e.logger.Debug("Malformed stimulate command", "app_id", e.appID, "error", err)
		return json.Marshal(wire.StimulateReply{Reason: ReasonInvalidCommand + ": " + err.Error()})
	}
	return json.Marshal(e.Execute(ctx, cmd))
}

// Execute starts the stimulation described by cmd and returns immediately.
// The command's id becomes the stimulation id so the responses it produces
// correlate back to it. A collateral name that does not exactly match a
// live collateral is dropped.
func (e *Executor) Execute(ctx context.Context, cmd wire.StimulateCommand) wire.StimulateReply {
	if err := e.validate.StructCtx(ctx, cmd); err != nil {
		e.logger.Debug("Rejected stimulate command", "app_id", e.appID, "error", err)
		return wire.StimulateReply{Reason: ReasonInvalidCommand + ": " + err.Error()}
	}

	collateral, ok := e.lookup(cmd.CollateralName)
	if !ok {
		e.logger.Debug("Stimulate command for unknown collateral dropped",
			"app_id", e.appID,
			"collateral", cmd.CollateralName,
			"command_id", cmd.StimulationCommandID)
		return wire.StimulateReply{StimulationID: cmd.StimulationCommandID, Reason: ReasonUnknownCollateral}
	}

	payload, err := decodeOptional(cmd.Payload)
	if err != nil {
		return wire.StimulateReply{StimulationID: cmd.StimulationCommandID, Reason: ReasonMalformedPayload}
	}
	contexts, err := decodeOptional(cmd.Contexts)
	if err != nil {
		return wire.StimulateReply{StimulationID: cmd.StimulationCommandID, Reason: ReasonMalformedPayload}
	}

	opts, timeout := runtimeOptions(cmd)
	opts.Contexts = contexts

	// admit counts the stimulation in inflight, or refuses once closing began.
	if !e.admit() {
		return wire.StimulateReply{StimulationID: cmd.StimulationCommandID, Reason: ReasonExecutorUnavailable}
	}

	if e.preStimulation {
		e.emitPreStimulation(cmd, payload)
	}

	go e.run(collateral, payload, opts, timeout)

	e.logger.Info("Stimulation started",
		"app_id", e.appID,
		"collateral", cmd.CollateralName,
		"stimulation_id", opts.StimulationID)
	return wire.StimulateReply{Accepted: true, StimulationID: opts.StimulationID}
}

func (e *Executor) run(collateral Collateral, payload any, opts StimulateOptions, timeout time.Duration) {
	defer e.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Stimulation panicked", "app_id", e.appID, "stimulation_id", opts.StimulationID, "panic", r)
		}
	}()

	ctx := e.baseCtx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := e.runtime.Stimulate(ctx, collateral, payload, opts)
	switch {
	case err == nil:
		e.logger.Debug("Stimulation settled", "app_id", e.appID, "stimulation_id", opts.StimulationID)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		e.logger.Info("Stimulation cancelled", "app_id", e.appID, "stimulation_id", opts.StimulationID, "error", err)
	default:
		e.logger.Warn("Stimulation failed", "app_id", e.appID, "stimulation_id", opts.StimulationID, "error", err)
	}
}

// lookup matches name exactly against the runtime's live collaterals.
func (e *Executor) lookup(name string) (Collateral, bool) {
	for _, c := range e.runtime.Collaterals() {
		if c.Name == name {
			return c, true
		}
	}
	return Collateral{}, false
}

func (e *Executor) emitPreStimulation(cmd wire.StimulateCommand, payload any) {
	e.seen.add(cmd.StimulationCommandID)

	var neuronID string
	if owner, err := e.resolver.Resolve(cmd.CollateralName); err == nil {
		neuronID = wire.NeuronID(e.cnsID, owner.Name)
	}
	e.emit(e.appID, wire.KindStimulationBatch, wire.StimulationBatch{
		Type: wire.KindStimulationBatch,
		Stimulations: []wire.StimulationRecord{{
			StimulationID:  cmd.StimulationCommandID,
			AppID:          e.appID,
			CnsID:          e.cnsID,
			Timestamp:      e.now().UnixMilli(),
			NeuronID:       neuronID,
			CollateralName: cmd.CollateralName,
			Payload:        Sanitize(payload),
		}},
	})
}

func runtimeOptions(cmd wire.StimulateCommand) (StimulateOptions, time.Duration) {
	opts := StimulateOptions{StimulationID: cmd.StimulationCommandID}
	var timeout time.Duration
	if o := cmd.Options; o != nil {
		if o.MaxNeuronHops != nil {
			opts.MaxNeuronHops = *o.MaxNeuronHops
		}
		if o.Concurrency != nil {
			opts.Concurrency = *o.Concurrency
		}
		if len(o.AllowedNames) > 0 {
			opts.AllowedNames = append([]string(nil), o.AllowedNames...)
		}
		if o.TimeoutMs != nil && *o.TimeoutMs > 0 {
			timeout = time.Duration(*o.TimeoutMs) * time.Millisecond
		}
	}
	return opts, timeout
}

func decodeOptional(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return v, nil
}
