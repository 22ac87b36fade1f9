package tunnel

import "time"

// Info is a point-in-time copy of a tunnel's state, safe to hand to other
// goroutines.
type Info struct {
	Name        string    `json:"name"`
	Mode        string    `json:"mode"`
	Encap       string    `json:"encap"`
	Status      string    `json:"status"`
	Disabled    bool      `json:"disabled,omitempty"`
	Remote      string    `json:"remote,omitempty"`
	Weight      float64   `json:"weight"`
	WeightHint  int       `json:"weight_hint"`
	Disconnects uint64    `json:"disconnects"`
	Attempts    uint64    `json:"attempts"`
	PacketsSent uint64    `json:"packets_sent"`
	PacketsRecv uint64    `json:"packets_recv"`
	BytesSent   uint64    `json:"bytes_sent"`
	BytesRecv   uint64    `json:"bytes_recv"`
	Loss        uint64    `json:"loss"`
	Queued      int       `json:"queued"`
	LastPacket  time.Time `json:"last_packet"`
	UpSince     time.Time `json:"up_since,omitempty"`
}

func (t *Tunnel) Info() Info {
	info := Info{
		Name:        t.Name,
		Mode:        t.role(),
		Encap:       t.Encap,
		Status:      t.Status.String(),
		Disabled:    t.Disabled,
		Weight:      t.Weight,
		WeightHint:  t.WeightHint,
		Disconnects: t.Disconnects,
		Attempts:    t.Attempts,
		PacketsSent: t.PacketsSent,
		PacketsRecv: t.PacketsRecv,
		BytesSent:   t.BytesSent,
		BytesRecv:   t.BytesRecv,
		Loss:        t.Loss,
		Queued:      t.Queued(),
		LastPacket:  t.LastPacket,
		UpSince:     t.UpSince,
	}
	if t.Link != nil && t.Link.RemoteAddr() != nil {
		info.Remote = t.Link.RemoteAddr().String()
	}
	return info
}
