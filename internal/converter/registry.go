package converter

import (
	"fmt"
	"sort"
)

// Registry maps converter names to converters. It is built once at startup
// and only read afterwards.
type Registry struct {
	converters map[string]Converter
}

// NewRegistry creates a registry from the given converters.
// Panics if a name is empty or registered twice.
func NewRegistry(converters ...Converter) *Registry {
	r := &Registry{converters: make(map[string]Converter, len(converters))}
	for _, c := range converters {
		name := c.Name()
		if name == "" {
			panic("converter name cannot be empty")
		}
		if _, exists := r.converters[name]; exists {
			panic(fmt.Sprintf("converter %q already registered", name))
		}
		r.converters[name] = c
	}
	return r
}

// Lookup returns the converter registered under name. Matching is exact and
// case-sensitive.
func (r *Registry) Lookup(name string) (Converter, bool) {
	c, ok := r.converters[name]
	return c, ok
}

// Names returns all registered converter names sorted alphabetically.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.converters))
	for name := range r.converters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
