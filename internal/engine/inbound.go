package engine

import (
	"fmt"
	"time"

	"mlvpn/internal/transport"
	"mlvpn/internal/tunnel"
	"mlvpn/internal/wire"
)

type linkData struct {
	idx int
	gen uint64
	b   []byte
}

type linkErr struct {
	idx int
	gen uint64
	err error
}

// readLink pumps a connected link into the loop until it fails.
func (e *Engine) readLink(idx int, gen uint64, conn transport.Conn) {
	buf := make([]byte, linkReadSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			b := append([]byte(nil), buf[:n]...)
			if !e.post(linkData{idx: idx, gen: gen, b: b}) {
				return
			}
		}
		if err != nil {
			e.post(linkErr{idx: idx, gen: gen, err: err})
			return
		}
	}
}

func (e *Engine) handle(ev any) {
	switch ev := ev.(type) {
	case linkData:
		if t := e.current(ev.idx, ev.gen); t != nil {
			e.receive(t, ev.b)
		}
	case linkErr:
		if t := e.current(ev.idx, ev.gen); t != nil {
			e.down(t, "link failed", ev.err)
		}
	case dialResult:
		e.dialed(ev)
	case accepted:
		e.accept(ev)
	case packetIn:
		e.packet(ev)
	}
}

// current returns the tunnel at idx if gen is still its link generation.
func (e *Engine) current(idx int, gen uint64) *tunnel.Tunnel {
	t := e.reg.At(idx)
	if t == nil || t.Generation != gen || t.Link == nil {
		return nil
	}
	return t
}

// receive decodes link input and dispatches every frame in it.
func (e *Engine) receive(t *tunnel.Tunnel, b []byte) {
	now := e.now()
	var frames []wire.Frame
	if t.Link.Stream() {
		var err error
		if frames, err = t.Reassemble(b); err != nil {
			e.down(t, "framing error", err)
			return
		}
	} else {
		f, err := wire.Decode(b)
		if err != nil {
			e.down(t, "framing error", err)
			return
		}
		frames = []wire.Frame{f}
	}
	for _, f := range frames {
		t.Touch(now, wire.HeaderLen+len(f.Payload))
		if !e.dispatch(t, f, now) {
			return
		}
	}
}

// dispatch handles one frame. It reports false once the tunnel went down.
func (e *Engine) dispatch(t *tunnel.Tunnel, f wire.Frame, now time.Time) bool {
	switch f.Type {
	case wire.TypeAuth:
		if !t.Server {
			e.down(t, "protocol error", fmt.Errorf("auth received on client tunnel"))
			return false
		}
		if string(f.Payload) != t.Name {
			e.down(t, "protocol error", fmt.Errorf("auth for tunnel %q", f.Payload))
			return false
		}
		if !e.sendControl(t, wire.TypeAuthOK, nil) {
			return false
		}
		e.up(t, now)
	case wire.TypeAuthOK:
		if t.Server {
			e.down(t, "protocol error", fmt.Errorf("auth-ok received on server tunnel"))
			return false
		}
		e.up(t, now)
	case wire.TypeKeepalive:
	case wire.TypeDisconnect:
		e.down(t, "peer disconnected", nil)
		return false
	case wire.TypeData:
		if t.Status == tunnel.AuthOK {
			e.deliver(f.Payload)
		}
	case wire.TypeFECData, wire.TypeFECParity:
		if t.Status != tunnel.AuthOK {
			break
		}
		if e.fecDec == nil {
			e.dropped++
			break
		}
		var pkts [][]byte
		var err error
		if f.Type == wire.TypeFECData {
			pkts, err = e.fecDec.Data(now, f.Payload)
		} else {
			pkts, err = e.fecDec.Parity(now, f.Payload)
		}
		if err != nil {
			e.dropped++
			e.log.Debugw("bad fec shard", "tunnel", t.Name, "error", err)
		}
		for _, p := range pkts {
			e.deliver(p)
		}
	}
	return true
}

func (e *Engine) up(t *tunnel.Tunnel, now time.Time) {
	if !t.StatusUp(now) {
		return
	}
	e.log.Infow("tunnel up", "tunnel", t.Name, "peer", t.Link.RemoteAddr())
	e.fire("rtun_up", t.Name)
}

func (e *Engine) deliver(pkt []byte) {
	if _, err := e.dev.Write(pkt); err != nil {
		e.devErrors++
		e.log.Debugw("device write failed", "dev", e.dev.Name(), "error", err)
	}
}
