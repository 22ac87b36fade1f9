package engine

import (
	"mlvpn/internal/frame"
	"mlvpn/internal/tunnel"
	"mlvpn/internal/wire"
)

// outbound carries one device packet to the peer.
func (e *Engine) outbound(pkt []byte) {
	hp := e.introspect && frame.Classify(pkt, e.dev.Mode()) == frame.PriorityHigh
	if e.fecEnc == nil {
		e.send(wire.TypeData, pkt, hp)
		return
	}
	data, parity, err := e.fecEnc.Add(pkt)
	if err != nil {
		e.dropped++
		e.log.Debugw("fec encode failed", "error", err)
		return
	}
	e.send(wire.TypeFECData, data, hp)
	e.sendParity(parity)
}

func (e *Engine) sendParity(parity [][]byte) {
	for _, p := range parity {
		e.send(wire.TypeFECParity, p, false)
	}
}

// send schedules payload on the tunnel picked by the scheduler. Without an
// AuthOK tunnel the packet is dropped and counted.
func (e *Engine) send(typ wire.Type, payload []byte, hp bool) {
	t, err := e.sched.Choose()
	if err != nil {
		e.noTunnel++
		return
	}
	b, err := wire.Encode(typ, payload)
	if err != nil {
		e.dropped++
		e.log.Debugw("packet too large", "len", len(payload), "error", err)
		return
	}
	if err := t.Enqueue(b, hp); err != nil {
		return
	}
	e.flush(t)
}

// sendControl queues a handshake or keepalive frame with high priority on t.
// It reports false when the tunnel went down while flushing.
func (e *Engine) sendControl(t *tunnel.Tunnel, typ wire.Type, payload []byte) bool {
	b, err := wire.Encode(typ, payload)
	if err != nil {
		return true
	}
	if err := t.Enqueue(b, true); err != nil {
		e.log.Debugw("control frame dropped", "tunnel", t.Name, "type", typ, "error", err)
	}
	return e.flush(t)
}

// flush writes what t can take now and retries shortly if something is left.
// A broken link brings the tunnel down and false is returned.
func (e *Engine) flush(t *tunnel.Tunnel) bool {
	if _, err := t.Flush(); err != nil {
		e.down(t, "write failed", err)
		return false
	}
	if t.Queued() > 0 || t.Pending() {
		e.armFlush()
	}
	return true
}

func (e *Engine) flushAll() {
	e.reg.Each(func(t *tunnel.Tunnel) {
		if t.Link != nil {
			e.flush(t)
		}
	})
}
