// Package store is the materialized view of CNS activity: normalized
// collections of apps, neurons, collaterals, dendrites, stimulations and
// responses, each with secondary indices keyed by owning app.
//
// All mutations go through Update, which runs under a single writer lock.
// Retention and activity counters are applied before Update returns, and
// subscribers are notified once per Update with a Change describing it.
package store

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/cnsscope/wire"
)

// Change describes the effect of one Update.
type Change struct {
	Seq     uint64      `json:"seq"`
	Kinds   []wire.Kind `json:"kinds"`
	AppIDs  []string    `json:"appIds"`
	Evicted int         `json:"evicted,omitempty"`
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides time.Now for retention and app timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRetention sets the initial retention.
func WithRetention(r Retention) Option {
	return func(s *Store) {
		s.retention = r
	}
}

// Store is the normalized, indexed view of every observed app.
type Store struct {
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	seq       uint64
	retention Retention

	apps         *Collection[App]
	neurons      *Collection[Neuron]
	collaterals  *Collection[Collateral]
	dendrites    *Collection[Dendrite]
	stimulations *Collection[Stimulation]
	responses    *Collection[Response]

	neuronsByApp           *Index
	collateralsByApp       *Index
	collateralsByName      *Index
	dendritesByApp         *Index
	dendritesByCollateral  *Index
	stimulationsByApp      *Index
	responsesByApp         *Index
	responsesByStimulation *Index

	subMu  sync.Mutex
	subs   map[int]chan Change
	nextID int
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		logger:    slog.Default(),
		now:       time.Now,
		retention: DefaultRetention(),
		subs:      make(map[int]chan Change),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.apps = NewCollection("apps", func(a App) string { return a.AppID })

	s.neurons = NewCollection("neurons", func(n Neuron) string { return compositeKey(n.AppID, n.ID) })
	s.neuronsByApp = s.neurons.AddIndex(ByApp, func(n Neuron) string { return n.AppID })

	s.collaterals = NewCollection("collaterals", func(c Collateral) string { return compositeKey(c.AppID, c.ID) })
	s.collateralsByApp = s.collaterals.AddIndex(ByApp, func(c Collateral) string { return c.AppID })
	s.collateralsByName = s.collaterals.AddIndex(ByAppCollateral, func(c Collateral) string {
		return compositeKey(c.AppID, c.Name)
	})

	s.dendrites = NewCollection("dendrites", func(d Dendrite) string { return compositeKey(d.AppID, d.ID) })
	s.dendritesByApp = s.dendrites.AddIndex(ByApp, func(d Dendrite) string { return d.AppID })
	s.dendritesByCollateral = s.dendrites.AddIndex(ByAppCollateral, func(d Dendrite) string {
		return compositeKey(d.AppID, d.CollateralName)
	})

	s.stimulations = NewCollection("stimulations", stimulationPk)
	s.stimulationsByApp = s.stimulations.AddIndex(ByApp, func(st Stimulation) string { return st.AppID })

	s.responses = NewCollection("responses", func(r Response) string { return r.ResponseID })
	s.responsesByApp = s.responses.AddIndex(ByApp, func(r Response) string { return r.AppID })
	s.responsesByStimulation = s.responses.AddIndex(ByAppStimulation, func(r Response) string {
		return compositeKey(r.AppID, r.StimulationID)
	})

	return s
}

// Update applies the mutations made by fn as one batch. Retention runs for
// every app whose time series changed, then subscribers are notified once.
// An Update that changes nothing still advances the sequence.
func (s *Store) Update(fn func(tx *Tx)) Change {
	s.mu.Lock()
	tx := newTx(s)
	fn(tx)
	evicted := s.finish(tx)
	s.seq++
	change := Change{
		Seq:     s.seq,
		Kinds:   tx.kinds,
		AppIDs:  sortedKeys(tx.apps),
		Evicted: evicted,
	}
	s.mu.Unlock()

	s.notify(change)
	return change
}

func (s *Store) finish(tx *Tx) int {
	now := s.now()
	evicted := 0
	for appID := range tx.stimulationApps {
		evicted += s.retainStimulations(appID, s.retention.For(appID), now)
	}
	for appID := range tx.responseApps {
		evicted += s.retainResponses(appID, s.retention.For(appID), now)
	}
	s.applyCounters(tx.counters)
	if evicted > 0 {
		s.logger.Debug("Retention evicted records", "count", evicted)
	}
	return evicted
}

// Sweep enforces retention on every app without new input, so TTLs expire
// during quiet periods. Subscribers are notified only if something was evicted.
func (s *Store) Sweep() int {
	s.mu.Lock()
	now := s.now()
	evicted := 0
	apps := make(map[string]struct{})
	for _, appID := range s.stimulationsByApp.Keys() {
		if n := s.retainStimulations(appID, s.retention.For(appID), now); n > 0 {
			evicted += n
			apps[appID] = struct{}{}
		}
	}
	for _, appID := range s.responsesByApp.Keys() {
		if n := s.retainResponses(appID, s.retention.For(appID), now); n > 0 {
			evicted += n
			apps[appID] = struct{}{}
		}
	}
	if evicted == 0 {
		s.mu.Unlock()
		return 0
	}
	s.seq++
	change := Change{Seq: s.seq, AppIDs: sortedKeys(apps), Evicted: evicted}
	s.mu.Unlock()

	s.notify(change)
	return evicted
}

// SetRetention replaces the retention. It takes effect on the next Update or Sweep.
func (s *Store) SetRetention(r Retention) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retention = r
}

// Retention returns the retention in effect.
func (s *Store) Retention() Retention {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retention
}

// Subscribe returns a channel receiving one Change per Update. Slow
// subscribers miss changes rather than blocking ingestion; the next Change
// they receive still reflects the current state. Call cancel to unsubscribe.
func (s *Store) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Change, buffer)

	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) notify(change Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- change:
		default:
			s.logger.Debug("Subscriber behind, change skipped", "subscriber", id, "seq", change.Seq)
		}
	}
}

// Seq returns the sequence number of the last Update.
func (s *Store) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Stats reports collection sizes.
type Stats struct {
	Apps         int `json:"apps"`
	Neurons      int `json:"neurons"`
	Collaterals  int `json:"collaterals"`
	Dendrites    int `json:"dendrites"`
	Stimulations int `json:"stimulations"`
	Responses    int `json:"responses"`
}

// Stats returns the current collection sizes.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Apps:         s.apps.Len(),
		Neurons:      s.neurons.Len(),
		Collaterals:  s.collaterals.Len(),
		Dendrites:    s.dendrites.Len(),
		Stimulations: s.stimulations.Len(),
		Responses:    s.responses.Len(),
	}
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
