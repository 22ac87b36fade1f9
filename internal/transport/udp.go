package transport

import (
	"net"
	"net/netip"
	"sync/atomic"
)

type udpConn struct {
	conn *net.UDPConn
}

func dialUDP(local netip.Addr, port int, remote netip.AddrPort) (Conn, error) {
	var laddr *net.UDPAddr
	if local.IsValid() || port != 0 {
		laddr = net.UDPAddrFromAddrPort(netip.AddrPortFrom(local, uint16(port)))
	}
	c, err := net.DialUDP("udp", laddr, net.UDPAddrFromAddrPort(remote))
	if err != nil {
		return nil, err
	}
	return &udpConn{conn: c}, nil
}

func (c *udpConn) Read(b []byte) (int, error) { return c.conn.Read(b) }

func (c *udpConn) Write(b []byte) (int, error) {
	if err := c.conn.SetWriteDeadline(deadline()); err != nil {
		return 0, err
	}
	return c.conn.Write(b)
}

func (c *udpConn) Close() error         { return c.conn.Close() }
func (c *udpConn) Stream() bool         { return false }
func (c *udpConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// PacketListener is the shared socket of a UDP server tunnel. One goroutine
// reads it; each peer gets a write-only Peer link.
type PacketListener struct {
	conn *net.UDPConn
}

func ListenPacket(addr string) (*PacketListener, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	c, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, err
	}
	return &PacketListener{conn: c}, nil
}

// ReadFrom returns one datagram and its sender.
func (l *PacketListener) ReadFrom(b []byte) (int, netip.AddrPort, error) {
	n, addr, err := l.conn.ReadFromUDPAddrPort(b)
	return n, netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()), err
}

func (l *PacketListener) Addr() net.Addr { return l.conn.LocalAddr() }
func (l *PacketListener) Close() error   { return l.conn.Close() }

// Peer returns a link writing to addr over the shared socket. Closing it does
// not close the socket.
func (l *PacketListener) Peer(addr netip.AddrPort) *Peer {
	return &Peer{conn: l.conn, addr: addr}
}

type Peer struct {
	conn   *net.UDPConn
	addr   netip.AddrPort
	closed atomic.Bool
}

func (p *Peer) Write(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, net.ErrClosed
	}
	if err := p.conn.SetWriteDeadline(deadline()); err != nil {
		return 0, err
	}
	return p.conn.WriteToUDPAddrPort(b, p.addr)
}

func (p *Peer) Close() error             { p.closed.Store(true); return nil }
func (p *Peer) Stream() bool             { return false }
func (p *Peer) RemoteAddr() net.Addr     { return net.UDPAddrFromAddrPort(p.addr) }
func (p *Peer) AddrPort() netip.AddrPort { return p.addr }
