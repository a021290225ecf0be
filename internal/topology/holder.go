package topology

import (
	"fmt"
	"sync/atomic"
)

// Override adjusts a single service descriptor after loading.
type Override struct {
	OneOff *bool
	Ignore bool
}

// ApplyOverrides returns descriptors with overrides applied.
// An override naming a service that is not in the topology is a *ConfigError.
func ApplyOverrides(descriptors []ServiceDescriptor, overrides map[string]Override) ([]ServiceDescriptor, error) {
	if len(overrides) == 0 {
		return descriptors, nil
	}
	known := make(map[string]struct{}, len(descriptors))
	result := make([]ServiceDescriptor, 0, len(descriptors))
	for _, d := range descriptors {
		known[d.Name] = struct{}{}
		if o, ok := overrides[d.Name]; ok {
			if o.OneOff != nil {
				d.OneOff = *o.OneOff
			}
			d.Ignore = d.Ignore || o.Ignore
		}
		result = append(result, d)
	}
	for name := range overrides {
		if _, ok := known[name]; !ok {
			return nil, &ConfigError{Reason: fmt.Sprintf("override for unknown service %q", name)}
		}
	}
	return result, nil
}

// Holder publishes the current graph. Readers always see a complete graph;
// an explicit reload swaps it atomically.
type Holder struct {
	current     atomic.Pointer[Graph]
	fingerprint atomic.Value
}

// NewHolder returns a holder initialized with g.
func NewHolder(g *Graph, fingerprint string) *Holder {
	h := &Holder{}
	h.Store(g, fingerprint)
	return h
}

// Graph returns the current graph.
func (h *Holder) Graph() *Graph {
	if h == nil {
		return nil
	}
	return h.current.Load()
}

// Fingerprint returns the fingerprint of the source the current graph was built from.
func (h *Holder) Fingerprint() string {
	if h == nil {
		return ""
	}
	value, _ := h.fingerprint.Load().(string)
	return value
}

// Store replaces the current graph.
func (h *Holder) Store(g *Graph, fingerprint string) {
	h.current.Store(g)
	h.fingerprint.Store(fingerprint)
}
