package engine

import (
	"context"
	"net/netip"
	"time"

	"mlvpn/internal/transport"
	"mlvpn/internal/tunnel"
	"mlvpn/internal/wire"
)

type dialResult struct {
	idx   int
	gen   uint64
	conn  transport.Conn
	addrs []netip.AddrPort
	err   error
}

// tick runs the periodic supervision of every tunnel: timeouts, reconnects,
// keepalives and leftover queues. It also drives weight recalculation and
// FEC housekeeping.
func (e *Engine) tick(now time.Time) {
	e.ticks++
	e.reg.Each(func(t *tunnel.Tunnel) {
		if t.Disabled {
			return
		}
		prev := t.Status
		if t.CheckTimeout(now) {
			e.wentDown(t, prev, "timeout", nil)
			return
		}
		if t.ReadyToConnect(now) {
			e.connect(t)
			return
		}
		if t.KeepaliveDue(now) {
			switch {
			case t.Status == tunnel.AuthSent && !t.Server:
				e.sendControl(t, wire.TypeAuth, []byte(t.Name))
			case t.Status == tunnel.AuthOK:
				e.sendControl(t, wire.TypeKeepalive, nil)
			}
			t.ScheduleKeepalive(now)
		}
		if t.Link != nil && (t.Queued() > 0 || t.Pending()) {
			e.flush(t)
		}
	})
	if e.ticks%RecalcEvery == 0 {
		e.sched.Recalc(now)
	}
	if e.fecEnc != nil {
		parity, err := e.fecEnc.Flush()
		if err != nil {
			e.log.Debugw("fec flush failed", "error", err)
		}
		e.sendParity(parity)
	}
	if e.fecDec != nil {
		e.fecDec.GC(now)
	}
}

// connect starts an asynchronous dial for a client tunnel. The result comes
// back to the loop as a dialResult.
func (e *Engine) connect(t *tunnel.Tunnel) {
	t.Dialing = true
	idx, gen := t.Index, t.Generation
	host, port := t.RemoteHost, t.RemotePort
	dc := transport.DialConfig{
		Encap:    t.Encap,
		BindHost: t.BindHost,
		BindPort: t.BindPort,
		TLS:      e.tls,
	}
	e.log.Debugw("connecting", "tunnel", t.Name, "remote", host, "port", port, "attempt", t.Attempts+1)
	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, transport.DialTimeout)
		defer cancel()
		res := dialResult{idx: idx, gen: gen}
		res.addrs, res.err = e.resolver.GetAddrInfo(host, port)
		if res.err == nil {
			dc.Remotes = res.addrs
			res.conn, res.err = e.dial(ctx, dc)
		}
		if !e.post(res) && res.conn != nil {
			_ = res.conn.Close()
		}
	}()
}

func (e *Engine) dialed(ev dialResult) {
	t := e.reg.At(ev.idx)
	if t == nil || t.Generation != ev.gen || !t.Dialing || t.Disabled {
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}
	now := e.now()
	if ev.err != nil {
		t.StatusDown(now)
		e.sched.Forget(t.Index)
		e.log.Warnw("connect failed", "tunnel", t.Name, "attempts", t.Attempts,
			"retry_in", t.NextAttempt.Sub(now), "error", ev.err)
		return
	}
	t.Addrs = ev.addrs
	gen := t.LinkUp(now, ev.conn)
	go e.readLink(t.Index, gen, ev.conn)
	e.log.Infow("connected", "tunnel", t.Name, "remote", ev.conn.RemoteAddr())
	e.sendControl(t, wire.TypeAuth, []byte(t.Name))
}

// down forces t to Disconnected.
func (e *Engine) down(t *tunnel.Tunnel, reason string, err error) {
	prev := t.StatusDown(e.now())
	e.wentDown(t, prev, reason, err)
}

func (e *Engine) wentDown(t *tunnel.Tunnel, prev tunnel.Status, reason string, err error) {
	e.sched.Forget(t.Index)
	fields := []any{"tunnel", t.Name, "reason", reason, "was", prev, "loss", t.Loss}
	if err != nil {
		fields = append(fields, "error", err)
	}
	if !t.Server && !t.Disabled {
		fields = append(fields, "retry_in", t.NextAttempt.Sub(e.now()))
	}
	e.log.Warnw("tunnel down", fields...)
	if prev == tunnel.AuthOK {
		e.fire("rtun_down", t.Name)
	}
}
