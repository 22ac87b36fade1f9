package transport

import (
	"context"
	"net"
	"net/netip"
)

type tcpConn struct {
	conn *net.TCPConn
}

func newTCPConn(c *net.TCPConn) *tcpConn {
	_ = c.SetNoDelay(true)
	return &tcpConn{conn: c}
}

func dialTCP(ctx context.Context, local netip.Addr, port int, remote netip.AddrPort) (Conn, error) {
	d := net.Dialer{Timeout: DialTimeout}
	if local.IsValid() || port != 0 {
		d.LocalAddr = net.TCPAddrFromAddrPort(netip.AddrPortFrom(local, uint16(port)))
	}
	c, err := d.DialContext(ctx, "tcp", remote.String())
	if err != nil {
		return nil, err
	}
	return newTCPConn(c.(*net.TCPConn)), nil
}

func (c *tcpConn) Read(b []byte) (int, error) { return c.conn.Read(b) }

func (c *tcpConn) Write(b []byte) (int, error) {
	if err := c.conn.SetWriteDeadline(deadline()); err != nil {
		return 0, err
	}
	return c.conn.Write(b)
}

func (c *tcpConn) Close() error         { return c.conn.Close() }
func (c *tcpConn) Stream() bool         { return true }
func (c *tcpConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

type tcpListener struct {
	ln *net.TCPListener
}

func listenTCP(addr string) (Listener, error) {
	ta, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenTCP("tcp", ta)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}

// Accept waits for the next connection. Cancelling ctx does not interrupt
// it; close the listener instead.
func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	c, err := l.ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	return newTCPConn(c), nil
}

func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }
func (l *tcpListener) Close() error   { return l.ln.Close() }
