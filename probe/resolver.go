package probe

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// UnresolvedCollateralError is returned when no neuron declares an emission
// key matching a collateral name under any supported case convention.
type UnresolvedCollateralError struct {
	Collateral string
	Available  []string
}

func (e *UnresolvedCollateralError) Error() string {
	return fmt.Sprintf("no neuron owns collateral %q (available keys: %s)",
		e.Collateral, strings.Join(e.Available, ", "))
}

// AmbiguousKeyError is returned when two neurons declare the same emission key.
type AmbiguousKeyError struct {
	Key     string
	Neurons []string
}

func (e *AmbiguousKeyError) Error() string {
	return fmt.Sprintf("emission key %q declared by more than one neuron: %s",
		e.Key, strings.Join(e.Neurons, ", "))
}

// Resolver maps collateral names to their owning neuron.
// A Resolver is built once per snapshot and caches every lookup.
type Resolver struct {
	owners    map[string]*Neuron
	available []string

	mu    sync.Mutex
	cache map[string]*Neuron
}

// NewResolver indexes the emission keys of neurons.
func NewResolver(neurons []Neuron) (*Resolver, error) {
	r := &Resolver{
		owners: make(map[string]*Neuron),
		cache:  make(map[string]*Neuron),
	}
	neurons = append([]Neuron(nil), neurons...)
	for i := range neurons {
		n := &neurons[i]
		for _, key := range n.Axon {
			if prev, ok := r.owners[key]; ok {
				if prev.Name == n.Name {
					continue
				}
				return nil, &AmbiguousKeyError{Key: key, Neurons: []string{prev.Name, n.Name}}
			}
			r.owners[key] = n
			r.available = append(r.available, key)
		}
	}
	sort.Strings(r.available)
	return r, nil
}

// Resolve returns the neuron owning collateral name. Lookup order, first hit
// wins: exact key, kebab-case converted to camelCase, camelCase converted to
// kebab-case.
func (r *Resolver) Resolve(name string) (Neuron, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n, ok := r.cache[name]; ok {
		return *n, nil
	}
	for _, candidate := range []string{name, kebabToCamel(name), camelToKebab(name)} {
		if n, ok := r.owners[candidate]; ok {
			r.cache[name] = n
			return *n, nil
		}
	}
	available := make([]string, len(r.available))
	copy(available, r.available)
	return Neuron{}, &UnresolvedCollateralError{Collateral: name, Available: available}
}

// Keys returns every declared emission key, sorted.
func (r *Resolver) Keys() []string {
	keys := make([]string, len(r.available))
	copy(keys, r.available)
	return keys
}

// kebabToCamel turns "user-created" into "userCreated".
func kebabToCamel(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		if runes[i] == '-' && i+1 < len(runes) {
			b.WriteRune(unicode.ToUpper(runes[i+1]))
			i++
			continue
		}
		b.WriteRune(runes[i])
	}
	return b.String()
}

// camelToKebab turns "userCreated" into "user-created".
func camelToKebab(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			b.WriteByte('-')
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
