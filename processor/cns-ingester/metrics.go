package cnsingester

import (
	"github.com/c360studio/cnsscope/store"
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons reported on the dropped counter.
const (
	dropMalformed = "malformed"
	dropUnknown   = "unknown_type"
	dropEmpty     = "empty"
)

// metrics holds the ingester's Prometheus collectors. Each component owns its
// registry so several instances (and tests) never collide on registration.
type metrics struct {
	registry *prometheus.Registry

	messages *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	evicted  prometheus.Counter
	relayed  *prometheus.CounterVec
	records  *prometheus.GaugeVec
	clients  prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cnsscope",
				Subsystem: "ingester",
				Name:      "messages_total",
				Help:      "Telemetry messages applied to the store, by type",
			},
			[]string{"type"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cnsscope",
				Subsystem: "ingester",
				Name:      "dropped_total",
				Help:      "Telemetry messages dropped without being applied, by reason",
			},
			[]string{"reason"},
		),
		evicted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "cnsscope",
				Subsystem: "ingester",
				Name:      "evicted_total",
				Help:      "Records removed by retention",
			},
		),
		relayed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cnsscope",
				Subsystem: "ingester",
				Name:      "stimulate_commands_total",
				Help:      "Stimulate commands relayed to producers, by outcome",
			},
			[]string{"outcome"},
		),
		records: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "cnsscope",
				Subsystem: "store",
				Name:      "records",
				Help:      "Records currently held, by collection",
			},
			[]string{"collection"},
		),
		clients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "cnsscope",
				Subsystem: "feed",
				Name:      "clients",
				Help:      "Connected live feed clients",
			},
		),
	}
	m.registry.MustRegister(m.messages, m.dropped, m.evicted, m.relayed, m.records, m.clients)
	return m
}

func (m *metrics) observeStats(s store.Stats) {
	m.records.WithLabelValues("apps").Set(float64(s.Apps))
	m.records.WithLabelValues("neurons").Set(float64(s.Neurons))
	m.records.WithLabelValues("collaterals").Set(float64(s.Collaterals))
	m.records.WithLabelValues("dendrites").Set(float64(s.Dendrites))
	m.records.WithLabelValues("stimulations").Set(float64(s.Stimulations))
	m.records.WithLabelValues("responses").Set(float64(s.Responses))
}
