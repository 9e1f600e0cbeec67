package cnsingester

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/c360studio/cnsscope/store"
	"github.com/c360studio/cnsscope/wire"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/c360studio/cnsscope/processor/cns-ingester"

// Router classifies inbound telemetry and applies it to the store.
// Each message becomes one store Update. Messages that cannot be classified
// or decoded are dropped and counted; Route never fails.
type Router struct {
	store   *store.Store
	logger  *slog.Logger
	metrics *metrics
	tracer  trace.Tracer

	applied atomic.Int64
	dropped atomic.Int64
}

// NewRouter creates a router writing into s.
func NewRouter(s *store.Store, logger *slog.Logger) *Router {
	return newRouter(s, logger, newMetrics())
}

func newRouter(s *store.Store, logger *slog.Logger, m *metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:   s,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer(tracerName),
	}
}

// Route applies one encoded message. It reports false when the message was
// dropped.
func (r *Router) Route(ctx context.Context, data []byte) (store.Change, bool) {
	_, span := r.tracer.Start(ctx, "cns.route")
	defer span.End()

	if len(bytes.TrimSpace(data)) == 0 {
		r.drop(span, dropEmpty, "", nil)
		return store.Change{}, false
	}

	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.drop(span, dropMalformed, "", err)
		return store.Change{}, false
	}
	span.SetAttributes(attribute.String("cns.type", string(env.Type)))

	apply, err := r.decode(env.Type, data)
	if err != nil {
		r.drop(span, dropMalformed, env.Type, err)
		return store.Change{}, false
	}
	if apply == nil {
		r.drop(span, dropUnknown, env.Type, nil)
		return store.Change{}, false
	}

	change := r.store.Update(apply)
	r.applied.Add(1)
	r.metrics.messages.WithLabelValues(string(canonicalKind(env.Type))).Inc()
	if change.Evicted > 0 {
		r.metrics.evicted.Add(float64(change.Evicted))
		span.SetAttributes(attribute.Int("cns.evicted", change.Evicted))
	}
	r.metrics.observeStats(r.store.Stats())
	span.SetAttributes(attribute.Int64("cns.seq", int64(change.Seq)))
	return change, true
}

// ReplayTopology applies stored init messages in order, the same way an
// apps:topology message is applied.
func (r *Router) ReplayTopology(ctx context.Context, msgs []wire.InitMessage) store.Change {
	_, span := r.tracer.Start(ctx, "cns.replay_topology",
		trace.WithAttributes(attribute.Int("cns.messages", len(msgs))))
	defer span.End()

	change := r.store.Update(func(tx *store.Tx) {
		for _, msg := range msgs {
			tx.ApplyInit(msg)
		}
	})
	r.metrics.observeStats(r.store.Stats())
	return change
}

// decode returns the store mutation for one message, or nil for an unknown type.
func (r *Router) decode(kind wire.Kind, data []byte) (func(*store.Tx), error) {
	switch kind {
	case wire.KindInit:
		var msg wire.InitMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		if msg.AppID == "" {
			return nil, fmt.Errorf("init without appId")
		}
		return func(tx *store.Tx) { tx.ApplyInit(msg) }, nil

	case wire.KindResponseBatch:
		var msg wire.ResponseBatch
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return func(tx *store.Tx) { tx.ApplyResponses(msg.Responses) }, nil

	case wire.LegacyNeuronResponseBatch, wire.LegacyCNSResponses:
		var msg wire.LegacyResponseBatch
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		records := normalizeLegacy(msg)
		return func(tx *store.Tx) { tx.ApplyResponses(records) }, nil

	case wire.KindStimulationBatch:
		var msg wire.StimulationBatch
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return func(tx *store.Tx) { tx.ApplyStimulations(msg.Stimulations) }, nil

	case wire.KindAppsActive:
		var msg wire.AppsActive
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return func(tx *store.Tx) { tx.ApplyAppsActive(msg.Apps) }, nil

	case wire.KindAppAdded:
		var msg wire.AppAdded
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		if msg.App.AppID == "" {
			return nil, fmt.Errorf("app:added without appId")
		}
		return func(tx *store.Tx) { tx.ApplyAppAdded(msg.App) }, nil

	case wire.KindAppDisconnected:
		var msg wire.AppDisconnected
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		if msg.AppID == "" {
			return nil, fmt.Errorf("app:disconnected without appId")
		}
		return func(tx *store.Tx) { tx.ApplyAppDisconnected(msg.AppID, msg.Timestamp) }, nil

	case wire.KindAppsTopology:
		var msg wire.AppsTopology
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return func(tx *store.Tx) {
			for _, m := range msg.Messages {
				tx.ApplyInit(m)
			}
		}, nil

	default:
		return nil, nil
	}
}

// normalizeLegacy flattens both legacy shapes into canonical records.
// Records without an appId inherit the envelope's.
func normalizeLegacy(msg wire.LegacyResponseBatch) []wire.ResponseRecord {
	records := make([]wire.ResponseRecord, 0, len(msg.Responses)+len(msg.Data))
	records = append(records, msg.Responses...)
	records = append(records, msg.Data...)
	for i := range records {
		if records[i].AppID == "" {
			records[i].AppID = msg.AppID
		}
	}
	return records
}

func canonicalKind(kind wire.Kind) wire.Kind {
	switch kind {
	case wire.LegacyNeuronResponseBatch, wire.LegacyCNSResponses:
		return wire.KindResponseBatch
	}
	return kind
}

func (r *Router) drop(span trace.Span, reason string, kind wire.Kind, err error) {
	r.dropped.Add(1)
	r.metrics.dropped.WithLabelValues(reason).Inc()
	span.SetStatus(codes.Error, reason)
	if err != nil {
		span.RecordError(err)
	}
	r.logger.Debug("Dropped telemetry message", "reason", reason, "type", kind, "error", err)
}

// RouterStats counts routed messages.
type RouterStats struct {
	Applied int64 `json:"applied"`
	Dropped int64 `json:"dropped"`
}

// Stats returns the applied and dropped counts.
func (r *Router) Stats() RouterStats {
	return RouterStats{Applied: r.applied.Load(), Dropped: r.dropped.Load()}
}
