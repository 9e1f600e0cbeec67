package store

import (
	"fmt"
	"sort"
)

// KeyFunc derives a key from a record.
type KeyFunc[T any] func(T) string

type indexDef[T any] struct {
	index *Index
	key   KeyFunc[T]
}

// Collection holds records of one entity type by primary key and keeps its
// secondary indices in step with every mutation.
type Collection[T any] struct {
	name    string
	pk      KeyFunc[T]
	items   map[string]T
	indices []indexDef[T]
	byName  map[string]*Index
}

// NewCollection creates an empty collection keyed by pk.
func NewCollection[T any](name string, pk KeyFunc[T]) *Collection[T] {
	return &Collection[T]{
		name:   name,
		pk:     pk,
		items:  make(map[string]T),
		byName: make(map[string]*Index),
	}
}

// AddIndex registers a secondary index. A record whose key is empty is not
// indexed. Indices must be added before the first upsert.
func (c *Collection[T]) AddIndex(name string, key KeyFunc[T]) *Index {
	if _, ok := c.byName[name]; ok {
		panic(fmt.Sprintf("store: duplicate index %q on %s", name, c.name))
	}
	ix := newIndex(name)
	c.indices = append(c.indices, indexDef[T]{index: ix, key: key})
	c.byName[name] = ix
	return ix
}

// Index returns a registered index by name.
func (c *Collection[T]) Index(name string) (*Index, bool) {
	ix, ok := c.byName[name]
	return ix, ok
}

// UpsertOne inserts item or replaces the record with the same primary key.
// It reports whether the key was new.
func (c *Collection[T]) UpsertOne(item T) bool {
	pk := c.pk(item)
	prev, exists := c.items[pk]
	if exists {
		c.unindex(pk, prev)
	}
	c.items[pk] = item
	for _, def := range c.indices {
		if key := def.key(item); key != "" {
			def.index.AddPks(key, pk)
		}
	}
	return !exists
}

// GetOneByPk returns the record stored under pk.
func (c *Collection[T]) GetOneByPk(pk string) (T, bool) {
	item, ok := c.items[pk]
	return item, ok
}

// GetMany returns the records for pks, skipping missing ones.
func (c *Collection[T]) GetMany(pks []string) []T {
	out := make([]T, 0, len(pks))
	for _, pk := range pks {
		if item, ok := c.items[pk]; ok {
			out = append(out, item)
		}
	}
	return out
}

// GetAll returns every record ordered by primary key.
func (c *Collection[T]) GetAll() []T {
	pks := make([]string, 0, len(c.items))
	for pk := range c.items {
		pks = append(pks, pk)
	}
	sort.Strings(pks)
	return c.GetMany(pks)
}

// Remove deletes records and their index entries. It returns how many existed.
func (c *Collection[T]) Remove(pks ...string) int {
	removed := 0
	for _, pk := range pks {
		item, ok := c.items[pk]
		if !ok {
			continue
		}
		c.unindex(pk, item)
		delete(c.items, pk)
		removed++
	}
	return removed
}

// Len returns the number of records.
func (c *Collection[T]) Len() int { return len(c.items) }

func (c *Collection[T]) unindex(pk string, item T) {
	for _, def := range c.indices {
		if key := def.key(item); key != "" {
			def.index.RemovePks(key, pk)
		}
	}
}
