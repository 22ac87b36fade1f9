package engine

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mlvpn/internal/config"
	"mlvpn/internal/transport"
	"mlvpn/internal/tunnel"
	"mlvpn/internal/wire"
)

// ServerSocket is the listening side of a server tunnel: a stream listener
// for tcp and quic, a shared packet socket for udp.
type ServerSocket struct {
	Stream transport.Listener
	Packet *transport.PacketListener

	closed atomic.Bool
}

// OpenServerSocket binds the listener of a server tunnel.
func OpenServerSocket(encap, bindHost string, port int, tlsp *transport.TLS) (*ServerSocket, error) {
	addr, err := transport.ListenAddr(bindHost, port)
	if err != nil {
		return nil, err
	}
	if encap == transport.EncapUDP {
		pl, err := transport.ListenPacket(addr)
		if err != nil {
			return nil, err
		}
		return &ServerSocket{Packet: pl}, nil
	}
	ln, err := transport.Listen(encap, addr, tlsp)
	if err != nil {
		return nil, err
	}
	return &ServerSocket{Stream: ln}, nil
}

// ErrRestartToBind is returned when a reload asks for a port below 1024 the
// worker can no longer bind.
var ErrRestartToBind = errors.New("engine: privileged port needs a restart to bind")

// OpenListeners binds every server tunnel of cfg. It is meant to run before
// privileges are dropped so low ports can be used. Server tunnels added or
// rebound by a later reload are bound by the worker itself, so they are
// limited to unprivileged ports until the daemon restarts.
func OpenListeners(cfg *config.Config, tlsp *transport.TLS) (map[string]*ServerSocket, error) {
	out := make(map[string]*ServerSocket)
	for _, tc := range cfg.Tunnels {
		if !tc.Server() {
			continue
		}
		s, err := OpenServerSocket(tc.Encap, tc.BindHost, tc.BindPort, tlsp)
		if err != nil {
			for _, o := range out {
				_ = o.Close()
			}
			return nil, fmt.Errorf("tunnel %s: listen: %w", tc.Name, err)
		}
		out[tc.Name] = s
	}
	return out, nil
}

func (s *ServerSocket) Addr() net.Addr {
	if s.Packet != nil {
		return s.Packet.Addr()
	}
	return s.Stream.Addr()
}

func (s *ServerSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.Packet != nil {
		return s.Packet.Close()
	}
	return s.Stream.Close()
}

func (s *ServerSocket) Closed() bool { return s.closed.Load() }

// resolvePeers resolves the remote host of every server tunnel that names
// one. A tunnel present in the result only accepts peers from the listed
// addresses, which may be none when resolution failed.
func resolvePeers(r Resolver, tunnels []config.TunnelConfig, log *zap.SugaredLogger) map[string][]netip.Addr {
	out := make(map[string][]netip.Addr)
	for _, tc := range tunnels {
		if !tc.Server() || tc.RemoteHost == "" {
			continue
		}
		aps, err := r.GetAddrInfo(tc.RemoteHost, tc.RemotePort)
		if err != nil {
			log.Warnw("cannot resolve allowed peer, rejecting every peer", "tunnel", tc.Name, "host", tc.RemoteHost, "error", err)
		}
		addrs := make([]netip.Addr, 0, len(aps))
		for _, ap := range aps {
			addrs = append(addrs, ap.Addr().Unmap())
		}
		out[tc.Name] = addrs
	}
	return out
}

func (e *Engine) permitted(t *tunnel.Tunnel, ip netip.Addr) bool {
	allowed, restricted := e.allowed[t.Index]
	if !restricted {
		return true
	}
	ip = ip.Unmap()
	for _, a := range allowed {
		if a == ip {
			return true
		}
	}
	return false
}

// ensureSocket makes sure a server tunnel has a bound socket and a goroutine
// serving it.
func (e *Engine) ensureSocket(t *tunnel.Tunnel) error {
	s, ok := e.sockets[t.Index]
	if !ok || s.Closed() {
		var err error
		s, err = OpenServerSocket(t.Encap, t.BindHost, t.BindPort, e.tls)
		if err != nil {
			return lateBindError(t.BindPort, err)
		}
		e.sockets[t.Index] = s
	}
	t.Listener = s
	e.log.Infow("listening", "tunnel", t.Name, "encap", t.Encap, "addr", s.Addr())
	if s.Packet != nil {
		go e.servePacket(t.Index, s)
	} else {
		go e.serveStream(t.Index, s)
	}
	return nil
}

func lateBindError(port int, err error) error {
	if port > 0 && port < 1024 && errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: port %d: %v", ErrRestartToBind, port, err)
	}
	return err
}

func (e *Engine) closeSocket(t *tunnel.Tunnel) {
	if s, ok := e.sockets[t.Index]; ok {
		_ = s.Close()
		delete(e.sockets, t.Index)
	}
	t.Listener = nil
}

type accepted struct {
	idx  int
	sock *ServerSocket
	conn transport.Conn
}

type packetIn struct {
	idx  int
	sock *ServerSocket
	from netip.AddrPort
	b    []byte
}

func (e *Engine) serveStream(idx int, s *ServerSocket) {
	for {
		conn, err := s.Stream.Accept(e.ctx)
		if err != nil {
			if s.Closed() || e.ctx.Err() != nil {
				return
			}
			e.log.Warnw("accept failed", "addr", s.Addr(), "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if !e.post(accepted{idx: idx, sock: s, conn: conn}) {
			_ = conn.Close()
			return
		}
	}
}

func (e *Engine) servePacket(idx int, s *ServerSocket) {
	buf := make([]byte, linkReadSize)
	for {
		n, from, err := s.Packet.ReadFrom(buf)
		if err != nil {
			if s.Closed() || errors.Is(err, net.ErrClosed) {
				return
			}
			e.log.Debugw("udp read failed", "addr", s.Addr(), "error", err)
			continue
		}
		b := append([]byte(nil), buf[:n]...)
		if !e.post(packetIn{idx: idx, sock: s, from: from, b: b}) {
			return
		}
	}
}

func (e *Engine) accept(ev accepted) {
	t := e.reg.At(ev.idx)
	if t == nil || t.Disabled || e.sockets[ev.idx] != ev.sock {
		_ = ev.conn.Close()
		return
	}
	remote := addrOf(ev.conn.RemoteAddr())
	if !e.permitted(t, remote.Addr()) {
		e.log.Warnw("rejected peer", "tunnel", t.Name, "peer", ev.conn.RemoteAddr())
		_ = ev.conn.Close()
		return
	}
	if t.Status == tunnel.AuthOK {
		e.log.Infow("peer replaced", "tunnel", t.Name, "peer", ev.conn.RemoteAddr())
	}
	gen := t.LinkUp(e.now(), ev.conn)
	go e.readLink(t.Index, gen, ev.conn)
	e.log.Infow("peer accepted", "tunnel", t.Name, "peer", ev.conn.RemoteAddr())
}

// packet handles a datagram on a udp server socket. Datagrams from the
// current peer are ordinary link input; anything else must be a valid Auth
// from a permitted address before it replaces the peer.
func (e *Engine) packet(ev packetIn) {
	t := e.reg.At(ev.idx)
	if t == nil || t.Disabled || e.sockets[ev.idx] != ev.sock {
		return
	}
	if peer, ok := t.Link.(*transport.Peer); ok && peer.AddrPort() == ev.from {
		e.receive(t, ev.b)
		return
	}
	f, err := wire.Decode(ev.b)
	if err != nil || f.Type != wire.TypeAuth {
		e.log.Debugw("ignoring datagram from unknown peer", "tunnel", t.Name, "peer", ev.from)
		return
	}
	if string(f.Payload) != t.Name || !e.permitted(t, ev.from.Addr()) {
		e.log.Warnw("rejected peer", "tunnel", t.Name, "peer", ev.from)
		return
	}
	t.LinkUp(e.now(), ev.sock.Packet.Peer(ev.from))
	e.log.Infow("peer accepted", "tunnel", t.Name, "peer", ev.from)
	e.receive(t, ev.b)
}

func addrOf(a net.Addr) netip.AddrPort {
	switch v := a.(type) {
	case *net.TCPAddr:
		return v.AddrPort()
	case *net.UDPAddr:
		return v.AddrPort()
	}
	ap, _ := netip.ParseAddrPort(a.String())
	return ap
}
