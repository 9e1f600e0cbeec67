package store

import "sort"

// View reads a consistent state of the store. It is only valid inside the
// Read callback.
type View struct {
	s *Store
}

// Read runs fn with a read lock held.
func (s *Store) Read(fn func(v *View)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(&View{s: s})
}

// Apps returns every app, oldest first.
func (v *View) Apps() []App {
	apps := v.s.apps.GetAll()
	sort.SliceStable(apps, func(i, j int) bool {
		if apps[i].FirstSeenAt != apps[j].FirstSeenAt {
			return apps[i].FirstSeenAt < apps[j].FirstSeenAt
		}
		return apps[i].AppID < apps[j].AppID
	})
	return apps
}

// App returns one app.
func (v *View) App(appID string) (App, bool) {
	return v.s.apps.GetOneByPk(appID)
}

// Neurons returns the neurons of an app.
func (v *View) Neurons(appID string) []Neuron {
	return v.s.neurons.GetMany(v.s.neuronsByApp.GetPksByKey(appID))
}

// Neuron returns one neuron by qualified id.
func (v *View) Neuron(appID, neuronID string) (Neuron, bool) {
	return v.s.neurons.GetOneByPk(compositeKey(appID, neuronID))
}

// Collaterals returns the collaterals of an app.
func (v *View) Collaterals(appID string) []Collateral {
	return v.s.collaterals.GetMany(v.s.collateralsByApp.GetPksByKey(appID))
}

// Dendrites returns the dendrites of an app.
func (v *View) Dendrites(appID string) []Dendrite {
	return v.s.dendrites.GetMany(v.s.dendritesByApp.GetPksByKey(appID))
}

// DendritesByCollateral returns the dendrites listening to one collateral.
func (v *View) DendritesByCollateral(appID, collateralName string) []Dendrite {
	return v.s.dendrites.GetMany(v.s.dendritesByCollateral.GetPksByKey(compositeKey(appID, collateralName)))
}

// OwnerOf returns the id of the neuron owning a collateral name.
func (v *View) OwnerOf(appID, collateralName string) (string, bool) {
	return v.s.ownerOf(appID, collateralName)
}

// Stimulations returns the retained stimulations of an app, oldest first.
func (v *View) Stimulations(appID string) []Stimulation {
	out := v.s.stimulations.GetMany(v.s.stimulationsByApp.GetPksByKey(appID))
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].StimulationID < out[j].StimulationID
	})
	return out
}

// Stimulation returns one stimulation.
func (v *View) Stimulation(appID, stimulationID string) (Stimulation, bool) {
	return v.s.stimulations.GetOneByPk(compositeKey(appID, stimulationID))
}

// StimulationCountsByCollateral counts retained stimulations per collateral name.
func (v *View) StimulationCountsByCollateral(appID string) map[string]int {
	counts := make(map[string]int)
	for _, pk := range v.s.stimulationsByApp.GetPksByKey(appID) {
		if st, ok := v.s.stimulations.GetOneByPk(pk); ok {
			counts[st.CollateralName]++
		}
	}
	return counts
}

// Responses returns the retained responses of an app, oldest first.
func (v *View) Responses(appID string) []Response {
	return sortResponses(v.s.responses.GetMany(v.s.responsesByApp.GetPksByKey(appID)))
}

// ResponsesByStimulation returns one stimulation's chain in hop order.
func (v *View) ResponsesByStimulation(appID, stimulationID string) []Response {
	return sortResponses(v.s.responses.GetMany(
		v.s.responsesByStimulation.GetPksByKey(compositeKey(appID, stimulationID))))
}

func sortResponses(out []Response) []Response {
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		hi, hj := hop(out[i]), hop(out[j])
		if hi != hj {
			return hi < hj
		}
		return out[i].ResponseID < out[j].ResponseID
	})
	return out
}

func hop(r Response) int {
	if r.HopIndex == nil {
		return -1
	}
	return *r.HopIndex
}
