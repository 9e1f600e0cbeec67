package store

import (
	"strconv"

	"github.com/c360studio/cnsscope/wire"
	"github.com/google/uuid"
)

// Tx collects the mutations of one Update. It is only valid inside the
// Update callback.
type Tx struct {
	s *Store

	kinds           []wire.Kind
	apps            map[string]struct{}
	stimulationApps map[string]struct{}
	responseApps    map[string]struct{}
	counters        counterDeltas
}

func newTx(s *Store) *Tx {
	return &Tx{
		s:               s,
		apps:            make(map[string]struct{}),
		stimulationApps: make(map[string]struct{}),
		responseApps:    make(map[string]struct{}),
		counters:        make(counterDeltas),
	}
}

func (tx *Tx) touch(kind wire.Kind, appID string) {
	if len(tx.kinds) == 0 || tx.kinds[len(tx.kinds)-1] != kind {
		tx.kinds = append(tx.kinds, kind)
	}
	if appID != "" {
		tx.apps[appID] = struct{}{}
	}
}

// seen creates or updates an app without replacing it: firstSeenAt never
// moves, lastSeenAt only advances, empty names and versions do not erase
// known ones.
func (tx *Tx) seen(info wire.AppInfo, connected *bool) {
	if info.AppID == "" {
		return
	}
	ts := info.Timestamp
	if ts == 0 {
		ts = tx.s.now().UnixMilli()
	}

	app, ok := tx.s.apps.GetOneByPk(info.AppID)
	if !ok {
		app = App{AppID: info.AppID, FirstSeenAt: ts, LastSeenAt: ts}
	}
	if info.AppName != "" {
		app.AppName = info.AppName
	}
	if info.Version != "" {
		app.Version = info.Version
	}
	if ts > app.LastSeenAt {
		app.LastSeenAt = ts
	}
	if ts < app.FirstSeenAt {
		app.FirstSeenAt = ts
	}
	if connected != nil {
		app.Connected = *connected
	}
	tx.s.apps.UpsertOne(app)
}

// ApplyInit merges a topology snapshot. Records already present are kept as
// they are: neurons keep their activity, collaterals keep their owner.
func (tx *Tx) ApplyInit(msg wire.InitMessage) {
	if msg.AppID == "" {
		return
	}
	tx.touch(wire.KindInit, msg.AppID)
	connected := true
	tx.seen(wire.AppInfo{
		AppID:     msg.AppID,
		AppName:   msg.AppName,
		Version:   msg.Version,
		Timestamp: msg.Timestamp,
	}, &connected)

	for _, n := range msg.Neurons {
		if n.AppID == "" {
			n.AppID = msg.AppID
		}
		if n.CnsID == "" {
			n.CnsID = msg.CnsID
		}
		if n.ID == "" && n.Name != "" {
			n.ID = wire.NeuronID(n.CnsID, n.Name)
		}
		if n.ID == "" {
			continue
		}
		if _, ok := tx.s.neurons.GetOneByPk(compositeKey(n.AppID, n.ID)); ok {
			continue
		}
		tx.s.neurons.UpsertOne(Neuron{Neuron: n})
	}

	for _, c := range msg.Collaterals {
		if c.AppID == "" {
			c.AppID = msg.AppID
		}
		if c.CnsID == "" {
			c.CnsID = msg.CnsID
		}
		c = c.Canonical()
		if c.ID == "" || c.Name == "" {
			continue
		}
		if _, ok := tx.s.collaterals.GetOneByPk(compositeKey(c.AppID, c.ID)); ok {
			continue
		}
		if owners := tx.s.collateralsByName.CountByKey(compositeKey(c.AppID, c.Name)); owners > 0 {
			tx.s.logger.Warn("Collateral already owned by another neuron, keeping first owner",
				"app_id", c.AppID, "collateral", c.Name, "neuron_id", c.NeuronID)
			continue
		}
		tx.s.collaterals.UpsertOne(c)
	}

	for _, d := range msg.Dendrites {
		if d.AppID == "" {
			d.AppID = msg.AppID
		}
		if d.CnsID == "" {
			d.CnsID = msg.CnsID
		}
		if d.ID == "" && d.NeuronID != "" && d.CollateralName != "" {
			d.ID = wire.DendriteID(d.NeuronID, d.CollateralName)
		}
		if d.ID == "" {
			continue
		}
		tx.s.dendrites.UpsertOne(d)
	}
}

// ApplyResponses stores response records. Each newly inserted record adds
// one to its owning neuron's activity; redelivered records do not. Records
// without a stimulation id get one generated.
func (tx *Tx) ApplyResponses(records []wire.ResponseRecord) {
	for _, r := range records {
		if r.AppID == "" {
			continue
		}
		if r.StimulationID == "" {
			r.StimulationID = strconv.FormatInt(r.Timestamp, 10) + "-" + uuid.NewString()[:8]
			tx.s.logger.Debug("Response without stimulation id", "app_id", r.AppID, "stimulation_id", r.StimulationID)
		}
		if r.ResponseID == "" {
			r.ResponseID = wire.ResponseID(r.AppID, r.StimulationID, r.Timestamp)
		}
		if r.InputCollateralName == "" {
			r.InputCollateralName = r.OutputCollateralName
		}
		tx.touch(wire.KindResponseBatch, r.AppID)
		tx.responseApps[r.AppID] = struct{}{}
		if !tx.s.responses.UpsertOne(r) {
			continue
		}
		if owner := tx.s.responseOwner(r); owner != "" {
			tx.counters.add(compositeKey(r.AppID, owner))
		}
	}
}

// ApplyStimulations stores stimulation records.
func (tx *Tx) ApplyStimulations(records []wire.StimulationRecord) {
	for _, st := range records {
		if st.AppID == "" || st.StimulationID == "" {
			continue
		}
		tx.touch(wire.KindStimulationBatch, st.AppID)
		tx.stimulationApps[st.AppID] = struct{}{}
		tx.s.stimulations.UpsertOne(st)
	}
}

// ApplyAppsActive marks the listed apps connected and every other known
// app disconnected.
func (tx *Tx) ApplyAppsActive(apps []wire.AppInfo) {
	tx.touch(wire.KindAppsActive, "")
	active := make(map[string]struct{}, len(apps))
	connected := true
	for _, info := range apps {
		if info.AppID == "" {
			continue
		}
		active[info.AppID] = struct{}{}
		tx.seen(info, &connected)
		tx.apps[info.AppID] = struct{}{}
	}
	for _, app := range tx.s.apps.GetAll() {
		if _, ok := active[app.AppID]; ok || !app.Connected {
			continue
		}
		app.Connected = false
		tx.s.apps.UpsertOne(app)
		tx.apps[app.AppID] = struct{}{}
	}
}

// ApplyAppAdded records a newly connected app.
func (tx *Tx) ApplyAppAdded(info wire.AppInfo) {
	if info.AppID == "" {
		return
	}
	tx.touch(wire.KindAppAdded, info.AppID)
	connected := true
	tx.seen(info, &connected)
}

// ApplyAppDisconnected marks an app disconnected. Its records are kept.
func (tx *Tx) ApplyAppDisconnected(appID string, timestamp int64) {
	if appID == "" {
		return
	}
	tx.touch(wire.KindAppDisconnected, appID)
	connected := false
	tx.seen(wire.AppInfo{AppID: appID, Timestamp: timestamp}, &connected)
}
