package store

import "sort"

// Index maps a secondary key to the primary keys of the records it covers.
// Empty keys are deleted so an index never holds a key without records.
type Index struct {
	name string
	keys map[string]map[string]struct{}
}

func newIndex(name string) *Index {
	return &Index{name: name, keys: make(map[string]map[string]struct{})}
}

// Name returns the index name.
func (ix *Index) Name() string { return ix.name }

// AddPks adds pks under key.
func (ix *Index) AddPks(key string, pks ...string) {
	if len(pks) == 0 {
		return
	}
	set, ok := ix.keys[key]
	if !ok {
		set = make(map[string]struct{}, len(pks))
		ix.keys[key] = set
	}
	for _, pk := range pks {
		set[pk] = struct{}{}
	}
}

// GetPksByKey returns the primary keys under key, sorted.
func (ix *Index) GetPksByKey(key string) []string {
	set := ix.keys[key]
	pks := make([]string, 0, len(set))
	for pk := range set {
		pks = append(pks, pk)
	}
	sort.Strings(pks)
	return pks
}

// CountByKey returns the number of primary keys under key.
func (ix *Index) CountByKey(key string) int {
	return len(ix.keys[key])
}

// RemovePks removes pks from key, dropping the key once it is empty.
func (ix *Index) RemovePks(key string, pks ...string) {
	set, ok := ix.keys[key]
	if !ok {
		return
	}
	for _, pk := range pks {
		delete(set, pk)
	}
	if len(set) == 0 {
		delete(ix.keys, key)
	}
}

// Keys returns every secondary key, sorted.
func (ix *Index) Keys() []string {
	keys := make([]string, 0, len(ix.keys))
	for k := range ix.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
