package store

// counterDeltas accumulates activity per neuron primary key within one
// Update, so each neuron is written once per batch however many of its
// responses arrived.
type counterDeltas map[string]int64

func (d counterDeltas) add(neuronPk string) {
	d[neuronPk]++
}

func (s *Store) applyCounters(deltas counterDeltas) {
	unattributed := int64(0)
	for pk, delta := range deltas {
		n, ok := s.neurons.GetOneByPk(pk)
		if !ok {
			unattributed += delta
			continue
		}
		n.ActivityCount += delta
		s.neurons.UpsertOne(n)
	}
	if unattributed > 0 {
		s.logger.Debug("Responses for neurons not in topology", "count", unattributed)
	}
}

// responseOwner returns the neuron a response is attributed to: the
// reported neuron, else the owner of the collateral it emitted.
func (s *Store) responseOwner(r Response) string {
	if r.NeuronID != "" {
		return r.NeuronID
	}
	if r.OutputCollateralName == "" {
		return ""
	}
	owner, _ := s.ownerOf(r.AppID, r.OutputCollateralName)
	return owner
}

func (s *Store) ownerOf(appID, collateralName string) (string, bool) {
	for _, pk := range s.collateralsByName.GetPksByKey(compositeKey(appID, collateralName)) {
		if c, ok := s.collaterals.GetOneByPk(pk); ok && c.NeuronID != "" {
			return c.NeuronID, true
		}
	}
	return "", false
}
