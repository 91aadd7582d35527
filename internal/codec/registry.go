package codec

import (
	"fmt"
	"strings"
)

// Registry resolves codecs by content type or format name.
// It is built once and never mutated, so it is safe for concurrent use.
type Registry struct {
	ordered  []Codec
	byName   map[string]Codec
	fallback Codec
}

// NewRegistry creates a registry over the given codecs. Content-type matching
// tries codecs in the order given. Panics on an empty or duplicate name.
func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{
		ordered:  make([]Codec, 0, len(codecs)),
		byName:   make(map[string]Codec, len(codecs)),
		fallback: Passthrough(),
	}
	for _, c := range codecs {
		if c.Name() == "" {
			panic("codec name cannot be empty")
		}
		if _, exists := r.byName[c.Name()]; exists {
			panic(fmt.Sprintf("codec %q already registered", c.Name()))
		}
		r.byName[c.Name()] = c
		r.ordered = append(r.ordered, c)
	}
	return r
}

// Default returns the registry with the form and JSON codecs.
func Default() *Registry {
	return NewRegistry(Form(), JSON())
}

// ForContentType returns the codec whose content type prefixes header.
// Parameters such as "; charset=utf-8" are ignored by the prefix match.
// An empty or unrecognized header yields the passthrough codec.
func (r *Registry) ForContentType(header string) Codec {
	header = strings.ToLower(strings.TrimSpace(header))
	if header == "" {
		return r.fallback
	}
	for _, c := range r.ordered {
		if strings.HasPrefix(header, c.ContentType()) {
			return c
		}
	}
	return r.fallback
}

// ForFormat returns the codec registered under name, or the passthrough
// codec when name is empty or unknown.
func (r *Registry) ForFormat(name string) Codec {
	if c, ok := r.byName[name]; ok {
		return c
	}
	return r.fallback
}

// Names returns the registered format names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.ordered))
	for i, c := range r.ordered {
		names[i] = c.Name()
	}
	return names
}
