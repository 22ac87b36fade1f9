package config

// Change describes how one tunnel differs between two snapshots.
type Change int

const (
	Unchanged Change = iota
	Added
	Removed
	// Tuned means only weight, timeout or keepalive changed; the tunnel can be
	// updated in place without dropping its connection.
	Tuned
	// Rebound means addressing, role or encapsulation changed; the tunnel must
	// be torn down and reconnected.
	Rebound
)

func (c Change) String() string {
	switch c {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Tuned:
		return "tuned"
	case Rebound:
		return "rebound"
	default:
		return "unchanged"
	}
}

type TunnelChange struct {
	Name   string
	Change Change
	Old    TunnelConfig
	New    TunnelConfig
}

// Diff compares the tunnels of two snapshots. Entries follow the order of
// next, followed by tunnels only present in prev.
func Diff(prev, next *Config) []TunnelChange {
	var out []TunnelChange
	for _, n := range next.Tunnels {
		o, ok := prev.Tunnel(n.Name)
		if !ok {
			out = append(out, TunnelChange{Name: n.Name, Change: Added, New: n})
			continue
		}
		out = append(out, TunnelChange{Name: n.Name, Change: compareTunnel(o, n), Old: o, New: n})
	}
	for _, o := range prev.Tunnels {
		if _, ok := next.Tunnel(o.Name); !ok {
			out = append(out, TunnelChange{Name: o.Name, Change: Removed, Old: o})
		}
	}
	return out
}

func compareTunnel(o, n TunnelConfig) Change {
	if o.Mode != n.Mode || o.Encap != n.Encap ||
		o.BindHost != n.BindHost || o.BindPort != n.BindPort ||
		o.RemoteHost != n.RemoteHost || o.RemotePort != n.RemotePort {
		return Rebound
	}
	if o != n {
		return Tuned
	}
	return Unchanged
}
