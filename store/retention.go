package store

import (
	"sort"
	"time"
)

// Policy bounds the time-series records kept for one app. A zero ceiling or
// TTL disables that bound.
type Policy struct {
	MaxStimulations int           `json:"max_stimulations" yaml:"max_stimulations"`
	StimulationTTL  time.Duration `json:"stimulation_ttl" yaml:"stimulation_ttl"`
	MaxResponses    int           `json:"max_responses" yaml:"max_responses"`
	ResponseTTL     time.Duration `json:"response_ttl" yaml:"response_ttl"`
}

// Retention is the default policy plus per-app overrides.
type Retention struct {
	Default Policy            `json:"default" yaml:"default"`
	Apps    map[string]Policy `json:"apps,omitempty" yaml:"apps,omitempty"`
}

// DefaultRetention returns the built-in retention.
func DefaultRetention() Retention {
	return Retention{
		Default: Policy{
			MaxStimulations: 10000,
			StimulationTTL:  24 * time.Hour,
			MaxResponses:    50000,
			ResponseTTL:     24 * time.Hour,
		},
	}
}

// For returns the policy applied to appID.
func (r Retention) For(appID string) Policy {
	if p, ok := r.Apps[appID]; ok {
		return p
	}
	return r.Default
}

type timed struct {
	pk string
	ts int64
}

// expired selects the records to evict from one app's set: everything older
// than ttl, then the oldest survivors beyond max.
func expired(records []timed, max int, ttl time.Duration, now time.Time) []string {
	var evict []string
	survivors := make([]timed, 0, len(records))
	if ttl > 0 {
		cutoff := now.Add(-ttl).UnixMilli()
		for _, r := range records {
			if r.ts < cutoff {
				evict = append(evict, r.pk)
				continue
			}
			survivors = append(survivors, r)
		}
	} else {
		survivors = append(survivors, records...)
	}

	if max > 0 && len(survivors) > max {
		sort.SliceStable(survivors, func(i, j int) bool {
			if survivors[i].ts != survivors[j].ts {
				return survivors[i].ts > survivors[j].ts
			}
			return survivors[i].pk > survivors[j].pk
		})
		for _, r := range survivors[max:] {
			evict = append(evict, r.pk)
		}
	}
	return evict
}

// retainStimulations enforces policy on one app's stimulations.
func (s *Store) retainStimulations(appID string, p Policy, now time.Time) int {
	if p.MaxStimulations <= 0 && p.StimulationTTL <= 0 {
		return 0
	}
	pks := s.stimulationsByApp.GetPksByKey(appID)
	records := make([]timed, 0, len(pks))
	for _, pk := range pks {
		if st, ok := s.stimulations.GetOneByPk(pk); ok {
			records = append(records, timed{pk: pk, ts: st.Timestamp})
		}
	}
	return s.stimulations.Remove(expired(records, p.MaxStimulations, p.StimulationTTL, now)...)
}

// retainResponses enforces policy on one app's responses.
func (s *Store) retainResponses(appID string, p Policy, now time.Time) int {
	if p.MaxResponses <= 0 && p.ResponseTTL <= 0 {
		return 0
	}
	pks := s.responsesByApp.GetPksByKey(appID)
	records := make([]timed, 0, len(pks))
	for _, pk := range pks {
		if r, ok := s.responses.GetOneByPk(pk); ok {
			records = append(records, timed{pk: pk, ts: r.Timestamp})
		}
	}
	return s.responses.Remove(expired(records, p.MaxResponses, p.ResponseTTL, now)...)
}
