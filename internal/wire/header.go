package wire

import (
	"maps"
	"slices"
	"strings"
)

// Header is a set of header fields with unique names. Insertion order is
// kept so fields go out on the wire in the order they were set.
//
// The zero value is an empty header ready to use.
type Header struct {
	names  []string
	values map[string]string
}

// Set stores value under name, replacing any previous value in place.
func (h *Header) Set(name, value string) {
	if h.values == nil {
		h.values = make(map[string]string)
	}
	if _, ok := h.values[name]; !ok {
		h.names = append(h.names, name)
	}
	h.values[name] = value
}

// fold appends value to an existing field using the ", " list separator,
// or sets it when the field is new.
func (h *Header) fold(name, value string) {
	if prev, ok := h.values[name]; ok {
		h.values[name] = prev + ", " + value
		return
	}
	h.Set(name, value)
}

// Get returns the value stored under name, or "" when absent.
// Names are matched exactly.
func (h *Header) Get(name string) string {
	return h.values[name]
}

// Lookup returns the value stored under name and whether it was present.
func (h *Header) Lookup(name string) (string, bool) {
	v, ok := h.values[name]
	return v, ok
}

// Del removes every field whose name matches name case-insensitively.
func (h *Header) Del(name string) {
	h.names = slices.DeleteFunc(h.names, func(n string) bool {
		if strings.EqualFold(n, name) {
			delete(h.values, n)
			return true
		}
		return false
	})
}

// Len returns the number of fields.
func (h *Header) Len() int {
	return len(h.names)
}

// Names returns the field names in insertion order.
func (h *Header) Names() []string {
	return slices.Clone(h.names)
}

// Map returns a copy of the fields as a plain map.
func (h *Header) Map() map[string]string {
	m := make(map[string]string, len(h.names))
	for _, n := range h.names {
		m[n] = h.values[n]
	}
	return m
}

func (h *Header) clone() Header {
	return Header{names: slices.Clone(h.names), values: maps.Clone(h.values)}
}

// lookupFold is Lookup with a case-insensitive name match.
func (h *Header) lookupFold(name string) (string, bool) {
	for _, n := range h.names {
		if strings.EqualFold(n, name) {
			return h.values[n], true
		}
	}
	return "", false
}
