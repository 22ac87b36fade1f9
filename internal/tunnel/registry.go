package tunnel

import (
	"fmt"

	"mlvpn/internal/config"
)

// Registry is the ordered set of tunnels, in configuration order. Indices are
// stable for the life of the process: tunnels are appended, never removed.
type Registry struct {
	tunnels []*Tunnel
	byName  map[string]int
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]int)}
}

// Add appends t and assigns its index.
func (r *Registry) Add(t *Tunnel) (int, error) {
	if _, dup := r.byName[t.Name]; dup {
		return 0, fmt.Errorf("tunnel %q already registered", t.Name)
	}
	if len(r.tunnels) >= config.MaxTunnels {
		return 0, fmt.Errorf("tunnel %q: registry full (%d)", t.Name, config.MaxTunnels)
	}
	t.Index = len(r.tunnels)
	r.tunnels = append(r.tunnels, t)
	r.byName[t.Name] = t.Index
	return t.Index, nil
}

// At returns the tunnel at index i, or nil when i is out of range.
func (r *Registry) At(i int) *Tunnel {
	if i < 0 || i >= len(r.tunnels) {
		return nil
	}
	return r.tunnels[i]
}

func (r *Registry) Len() int { return len(r.tunnels) }

// Last returns the final tunnel, or nil for an empty registry.
func (r *Registry) Last() *Tunnel { return r.At(len(r.tunnels) - 1) }

func (r *Registry) Lookup(name string) (*Tunnel, bool) {
	i, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.tunnels[i], true
}

// Contains reports whether t is this registry's tunnel at t.Index.
func (r *Registry) Contains(t *Tunnel) bool {
	return t != nil && r.At(t.Index) == t
}

func (r *Registry) Each(fn func(*Tunnel)) {
	for _, t := range r.tunnels {
		fn(t)
	}
}

// Active returns the tunnels currently eligible for traffic.
func (r *Registry) Active() []*Tunnel {
	var out []*Tunnel
	for _, t := range r.tunnels {
		if t.Status == AuthOK && !t.Disabled {
			out = append(out, t)
		}
	}
	return out
}
