package store

import (
	"testing"
	"time"

	"github.com/c360studio/cnsscope/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.UnixMilli(1_700_000_000_000)

func clockAt(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func initMessage(appID string, neurons ...string) wire.InitMessage {
	msg := wire.InitMessage{Type: wire.KindInit, AppID: appID, CnsID: appID, AppName: "demo", Version: "1", Timestamp: 1}
	for _, name := range neurons {
		msg.Neurons = append(msg.Neurons, wire.Neuron{
			ID: wire.NeuronID(appID, name), AppID: appID, CnsID: appID, Name: name,
		})
	}
	return msg
}

// assertNoDangling checks that every index entry points to a stored record.
func assertNoDangling(t *testing.T, s *Store) {
	t.Helper()
	check := func(name string, ix *Index, has func(string) bool) {
		for _, key := range ix.Keys() {
			pks := ix.GetPksByKey(key)
			assert.NotEmpty(t, pks, "%s: empty key %q", name, key)
			for _, pk := range pks {
				assert.True(t, has(pk), "%s: dangling pk %q under %q", name, pk, key)
			}
		}
	}
	check("neuronsByApp", s.neuronsByApp, func(pk string) bool { _, ok := s.neurons.GetOneByPk(pk); return ok })
	check("collateralsByApp", s.collateralsByApp, func(pk string) bool { _, ok := s.collaterals.GetOneByPk(pk); return ok })
	check("collateralsByName", s.collateralsByName, func(pk string) bool { _, ok := s.collaterals.GetOneByPk(pk); return ok })
	check("dendritesByApp", s.dendritesByApp, func(pk string) bool { _, ok := s.dendrites.GetOneByPk(pk); return ok })
	check("dendritesByCollateral", s.dendritesByCollateral, func(pk string) bool { _, ok := s.dendrites.GetOneByPk(pk); return ok })
	check("stimulationsByApp", s.stimulationsByApp, func(pk string) bool { _, ok := s.stimulations.GetOneByPk(pk); return ok })
	check("responsesByApp", s.responsesByApp, func(pk string) bool { _, ok := s.responses.GetOneByPk(pk); return ok })
	check("responsesByStimulation", s.responsesByStimulation, func(pk string) bool { _, ok := s.responses.GetOneByPk(pk); return ok })
}

func TestStore_InitIsIdempotent(t *testing.T) {
	s := New()
	msg := initMessage("app", "A", "B")
	msg.Collaterals = []wire.Collateral{{ID: "app:A:out", Name: "out", NeuronID: "app:A", AppID: "app", CnsID: "app"}}
	msg.Dendrites = []wire.Dendrite{{ID: "app:B:d:out", NeuronID: "app:B", AppID: "app", CnsID: "app", CollateralName: "out"}}

	s.Update(func(tx *Tx) { tx.ApplyInit(msg) })
	first := s.Stats()
	var neurons []Neuron
	var collaterals []Collateral
	var dendrites []Dendrite
	var apps []App
	s.Read(func(v *View) {
		neurons, collaterals, dendrites, apps = v.Neurons("app"), v.Collaterals("app"), v.Dendrites("app"), v.Apps()
	})

	s.Update(func(tx *Tx) { tx.ApplyInit(msg) })
	assert.Equal(t, first, s.Stats())
	assert.Equal(t, Stats{Apps: 1, Neurons: 2, Collaterals: 1, Dendrites: 1}, first)
	s.Read(func(v *View) {
		assert.Equal(t, neurons, v.Neurons("app"))
		assert.Equal(t, collaterals, v.Collaterals("app"))
		assert.Equal(t, dendrites, v.Dendrites("app"))
		assert.Equal(t, apps, v.Apps())
	})
	assertNoDangling(t, s)
}

func TestStore_InitMergesIncrementally(t *testing.T) {
	s := New()
	s.Update(func(tx *Tx) { tx.ApplyInit(initMessage("app", "A")) })
	s.Update(func(tx *Tx) { tx.ApplyInit(initMessage("app", "A", "B")) })

	s.Read(func(v *View) {
		neurons := v.Neurons("app")
		require.Len(t, neurons, 2)
		assert.Equal(t, "A", neurons[0].Name)
		assert.Equal(t, "B", neurons[1].Name)
	})

	s.Update(func(tx *Tx) { tx.ApplyInit(initMessage("app", "C")) })
	s.Read(func(v *View) {
		assert.Len(t, v.Neurons("app"), 3, "a partial snapshot never removes neurons")
	})
}

func TestStore_CollateralOwnerIsImmutable(t *testing.T) {
	s := New()
	first := initMessage("app", "A", "B")
	first.Collaterals = []wire.Collateral{{Name: "out", NeuronID: "app:A"}}
	second := initMessage("app", "A", "B")
	second.Collaterals = []wire.Collateral{{Name: "out", NeuronID: "app:B"}}

	s.Update(func(tx *Tx) { tx.ApplyInit(first) })
	s.Update(func(tx *Tx) { tx.ApplyInit(second) })

	s.Read(func(v *View) {
		owner, ok := v.OwnerOf("app", "out")
		require.True(t, ok)
		assert.Equal(t, "app:A", owner)
		assert.Len(t, v.Collaterals("app"), 1)
	})
}

func TestStore_CollateralCanonicalization(t *testing.T) {
	s := New()
	msg := initMessage("app", "A")
	msg.Collaterals = []wire.Collateral{
		{Name: "byName", NeuronID: "app:A"},
		{ID: "app:A:byId", NeuronID: "app:A"},
		{NeuronID: "app:A"},
	}
	s.Update(func(tx *Tx) { tx.ApplyInit(msg) })

	s.Read(func(v *View) {
		cs := v.Collaterals("app")
		require.Len(t, cs, 2, "a collateral with neither id nor name is skipped")
		assert.Equal(t, "app:A:byId", cs[0].ID)
		assert.Equal(t, "byId", cs[0].Name)
		assert.Equal(t, "app:A:byName", cs[1].ID)
		assert.Equal(t, "byName", cs[1].Name)
	})
}

func TestStore_RetentionCeiling(t *testing.T) {
	now := baseTime
	s := New(WithClock(clockAt(&now)), WithRetention(Retention{
		Default: Policy{MaxStimulations: 3, StimulationTTL: 24 * time.Hour},
	}))

	var records []wire.StimulationRecord
	for i, offset := range []int64{5000, 4000, 3000, 2000, 1000} {
		records = append(records, wire.StimulationRecord{
			StimulationID:  string(rune('a' + i)),
			AppID:          "app",
			Timestamp:      now.UnixMilli() - offset,
			CollateralName: "out",
		})
	}
	change := s.Update(func(tx *Tx) { tx.ApplyStimulations(records) })
	assert.Equal(t, 2, change.Evicted)

	s.Read(func(v *View) {
		kept := v.Stimulations("app")
		require.Len(t, kept, 3)
		assert.Equal(t, []int64{now.UnixMilli() - 3000, now.UnixMilli() - 2000, now.UnixMilli() - 1000},
			[]int64{kept[0].Timestamp, kept[1].Timestamp, kept[2].Timestamp})
	})
	assert.Equal(t, 3, s.stimulationsByApp.CountByKey("app"))
	assertNoDangling(t, s)
}

func TestStore_RetentionTTL(t *testing.T) {
	now := baseTime
	s := New(WithClock(clockAt(&now)), WithRetention(Retention{
		Default: Policy{MaxStimulations: 100, StimulationTTL: 300000 * time.Millisecond},
	}))

	s.Update(func(tx *Tx) {
		tx.ApplyStimulations([]wire.StimulationRecord{
			{StimulationID: "old", AppID: "app", Timestamp: now.UnixMilli() - 400000},
			{StimulationID: "new", AppID: "app", Timestamp: now.UnixMilli() - 1000},
		})
	})

	s.Read(func(v *View) {
		kept := v.Stimulations("app")
		require.Len(t, kept, 1, "expired even though under the ceiling")
		assert.Equal(t, "new", kept[0].StimulationID)
	})

	now = now.Add(10 * time.Minute)
	assert.Equal(t, 1, s.Sweep())
	assert.Zero(t, s.Stats().Stimulations)
	assert.Zero(t, s.Sweep(), "nothing left to evict")
	assertNoDangling(t, s)
}

func TestStore_RetentionPerApp(t *testing.T) {
	now := baseTime
	s := New(WithClock(clockAt(&now)), WithRetention(Retention{
		Default: Policy{MaxStimulations: 1},
		Apps:    map[string]Policy{"big": {MaxStimulations: 10}},
	}))

	s.Update(func(tx *Tx) {
		for i := 0; i < 3; i++ {
			ts := now.UnixMilli() + int64(i)
			tx.ApplyStimulations([]wire.StimulationRecord{
				{StimulationID: string(rune('a' + i)), AppID: "small", Timestamp: ts},
				{StimulationID: string(rune('a' + i)), AppID: "big", Timestamp: ts},
			})
		}
	})

	s.Read(func(v *View) {
		assert.Len(t, v.Stimulations("small"), 1)
		assert.Len(t, v.Stimulations("big"), 3)
	})

	s.SetRetention(Retention{Default: Policy{MaxStimulations: 2}})
	s.Sweep()
	s.Read(func(v *View) {
		assert.Len(t, v.Stimulations("big"), 2, "hot reloaded policy applies on sweep")
	})
}

func TestStore_ResponseRetention(t *testing.T) {
	now := baseTime
	s := New(WithClock(clockAt(&now)), WithRetention(Retention{Default: Policy{MaxResponses: 2}}))

	s.Update(func(tx *Tx) {
		tx.ApplyResponses([]wire.ResponseRecord{
			{AppID: "app", StimulationID: "s", Timestamp: 1, InputCollateralName: "x"},
			{AppID: "app", StimulationID: "s", Timestamp: 2, InputCollateralName: "x"},
			{AppID: "app", StimulationID: "s", Timestamp: 3, InputCollateralName: "x"},
		})
	})

	s.Read(func(v *View) {
		chain := v.ResponsesByStimulation("app", "s")
		require.Len(t, chain, 2)
		assert.Equal(t, int64(2), chain[0].Timestamp)
		assert.Equal(t, int64(3), chain[1].Timestamp)
	})
	assertNoDangling(t, s)
}

func TestStore_ActivityCounters(t *testing.T) {
	s := New()
	msg := initMessage("app", "A", "B")
	msg.Collaterals = []wire.Collateral{{Name: "b-out", NeuronID: "app:B"}}
	s.Update(func(tx *Tx) { tx.ApplyInit(msg) })

	s.Update(func(tx *Tx) {
		tx.ApplyResponses([]wire.ResponseRecord{
			{AppID: "app", StimulationID: "s0", NeuronID: "app:A", Timestamp: 1},
			{AppID: "app", StimulationID: "s0", NeuronID: "app:A", Timestamp: 2},
		})
	})

	batch := []wire.ResponseRecord{
		{AppID: "app", StimulationID: "s1", NeuronID: "app:A", Timestamp: 10},
		{AppID: "app", StimulationID: "s1", NeuronID: "app:A", Timestamp: 11},
		{AppID: "app", StimulationID: "s1", NeuronID: "app:A", Timestamp: 12},
		{AppID: "app", StimulationID: "s1", OutputCollateralName: "b-out", Timestamp: 13},
	}
	s.Update(func(tx *Tx) { tx.ApplyResponses(batch) })

	s.Read(func(v *View) {
		a, _ := v.Neuron("app", "app:A")
		b, _ := v.Neuron("app", "app:B")
		assert.Equal(t, int64(5), a.ActivityCount, "2 prior + 3")
		assert.Equal(t, int64(1), b.ActivityCount, "attributed through the output collateral")
	})

	s.Update(func(tx *Tx) { tx.ApplyResponses(batch) })
	s.Read(func(v *View) {
		a, _ := v.Neuron("app", "app:A")
		assert.Equal(t, int64(5), a.ActivityCount, "redelivery is not counted")
		assert.Len(t, v.Responses("app"), 6)
	})

	s.Update(func(tx *Tx) { tx.ApplyInit(initMessage("app", "A", "B")) })
	s.Read(func(v *View) {
		a, _ := v.Neuron("app", "app:A")
		assert.Equal(t, int64(5), a.ActivityCount, "a later snapshot keeps the counter")
	})
}

func TestStore_StimulationsDoNotCountActivity(t *testing.T) {
	s := New()
	msg := initMessage("app", "A")
	msg.Collaterals = []wire.Collateral{{Name: "out", NeuronID: "app:A"}}
	s.Update(func(tx *Tx) {
		tx.ApplyInit(msg)
		tx.ApplyStimulations([]wire.StimulationRecord{
			{StimulationID: "1", AppID: "app", NeuronID: "app:A", CollateralName: "out", Timestamp: 1},
		})
	})

	s.Read(func(v *View) {
		a, _ := v.Neuron("app", "app:A")
		assert.Zero(t, a.ActivityCount)
	})
}

func TestStore_ResponseDefaults(t *testing.T) {
	s := New()
	s.Update(func(tx *Tx) {
		tx.ApplyResponses([]wire.ResponseRecord{
			{AppID: "app", StimulationID: "s", Timestamp: 7, OutputCollateralName: "out"},
			{AppID: "app", Timestamp: 8},
			{StimulationID: "s", Timestamp: 9},
		})
	})

	s.Read(func(v *View) {
		rs := v.Responses("app")
		require.Len(t, rs, 2, "records without an app id are dropped")
		assert.Equal(t, "app:resp:s:7", rs[0].ResponseID)
		assert.Equal(t, "out", rs[0].InputCollateralName)
		assert.Regexp(t, `^8-[0-9a-f]{8}$`, rs[1].StimulationID)
		assert.Equal(t, "app:resp:"+rs[1].StimulationID+":8", rs[1].ResponseID)
	})
}

func TestStore_AppLifecycle(t *testing.T) {
	now := baseTime
	s := New(WithClock(clockAt(&now)))

	s.Update(func(tx *Tx) {
		tx.ApplyAppAdded(wire.AppInfo{AppID: "a", AppName: "alpha", Timestamp: 100})
		tx.ApplyAppAdded(wire.AppInfo{AppID: "b", Timestamp: 200})
	})
	s.Update(func(tx *Tx) { tx.ApplyAppsActive([]wire.AppInfo{{AppID: "b", Version: "2"}}) })

	s.Read(func(v *View) {
		a, ok := v.App("a")
		require.True(t, ok)
		assert.False(t, a.Connected)
		assert.Equal(t, "alpha", a.AppName)
		assert.Equal(t, int64(100), a.FirstSeenAt)

		b, _ := v.App("b")
		assert.True(t, b.Connected)
		assert.Equal(t, "2", b.Version)
		assert.Equal(t, int64(200), b.FirstSeenAt, "first seen never moves forward")
		assert.Equal(t, now.UnixMilli(), b.LastSeenAt)
	})

	s.Update(func(tx *Tx) { tx.ApplyAppDisconnected("b", now.UnixMilli()+5) })
	s.Read(func(v *View) {
		b, _ := v.App("b")
		assert.False(t, b.Connected)
		assert.Equal(t, "2", b.Version, "an update never erases known fields")
		apps := v.Apps()
		require.Len(t, apps, 2)
		assert.Equal(t, "a", apps[0].AppID)
	})
}

func TestStore_Subscribe(t *testing.T) {
	s := New()
	ch, cancel := s.Subscribe(4)

	s.Update(func(tx *Tx) {
		tx.ApplyInit(initMessage("app", "A"))
		tx.ApplyStimulations([]wire.StimulationRecord{{StimulationID: "1", AppID: "app", Timestamp: time.Now().UnixMilli()}})
		tx.ApplyStimulations([]wire.StimulationRecord{{StimulationID: "2", AppID: "app", Timestamp: time.Now().UnixMilli()}})
	})

	select {
	case change := <-ch:
		assert.Equal(t, uint64(1), change.Seq)
		assert.Equal(t, []wire.Kind{wire.KindInit, wire.KindStimulationBatch}, change.Kinds)
		assert.Equal(t, []string{"app"}, change.AppIDs)
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
	select {
	case extra := <-ch:
		t.Fatalf("one notification per update, got extra %+v", extra)
	default:
	}

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	assert.Equal(t, uint64(2), s.Update(func(*Tx) {}).Seq)
}

func TestStore_SlowSubscriberDoesNotBlock(t *testing.T) {
	s := New()
	_, cancel := s.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.Update(func(tx *Tx) { tx.ApplyAppAdded(wire.AppInfo{AppID: "a"}) })
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("update blocked on a slow subscriber")
	}
	assert.Equal(t, uint64(10), s.Seq())
}

func TestRetention_For(t *testing.T) {
	r := DefaultRetention()
	r.Apps = map[string]Policy{"x": {MaxStimulations: 5}}
	assert.Equal(t, 5, r.For("x").MaxStimulations)
	assert.Equal(t, 10000, r.For("y").MaxStimulations)
	assert.Equal(t, 24*time.Hour, r.For("y").StimulationTTL)
}
