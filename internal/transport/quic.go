package transport

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// quicQueueLen is the number of frames buffered between Write and the
// sending goroutine.
const quicQueueLen = 128

var errNoTLS = errors.New("transport: quic needs a tls configuration")

func quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		KeepAlivePeriod: 15 * time.Second,
		MaxIdleTimeout:  60 * time.Second,
	}
}

// quicConn carries one frame per QUIC datagram. SendDatagram may block once
// quic-go's own queue is full, so a goroutine drains a bounded channel and
// Write reports would-block when the channel is full.
type quicConn struct {
	conn quic.Connection
	tr   *quic.Transport
	udp  *net.UDPConn

	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte
	once   sync.Once
}

func newQUICConn(conn quic.Connection, tr *quic.Transport, udp *net.UDPConn) *quicConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &quicConn{
		conn:   conn,
		tr:     tr,
		udp:    udp,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, quicQueueLen),
	}
	go c.sendLoop()
	return c
}

func (c *quicConn) sendLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case b := <-c.out:
			if err := c.conn.SendDatagram(b); err != nil {
				var tooLarge *quic.DatagramTooLargeError
				if errors.As(err, &tooLarge) {
					continue
				}
				c.cancel()
				return
			}
		}
	}
}

func dialQUIC(ctx context.Context, local netip.Addr, port int, remote netip.AddrPort, tlsp *TLS) (Conn, error) {
	if tlsp == nil || tlsp.Client == nil {
		return nil, errNoTLS
	}
	udp, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(local, uint16(port))))
	if err != nil {
		return nil, err
	}
	tr := &quic.Transport{Conn: udp}
	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()
	conn, err := tr.Dial(dialCtx, net.UDPAddrFromAddrPort(remote), tlsp.Client, quicConfig())
	if err != nil {
		_ = tr.Close()
		_ = udp.Close()
		return nil, err
	}
	return newQUICConn(conn, tr, udp), nil
}

func (c *quicConn) Read(b []byte) (int, error) {
	msg, err := c.conn.ReceiveDatagram(c.ctx)
	if err != nil {
		return 0, err
	}
	return copy(b, msg), nil
}

func (c *quicConn) Write(b []byte) (int, error) {
	if c.ctx.Err() != nil {
		return 0, net.ErrClosed
	}
	select {
	case c.out <- append([]byte(nil), b...):
		return len(b), nil
	default:
		return 0, os.ErrDeadlineExceeded
	}
}

func (c *quicConn) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.conn.CloseWithError(0, "closed")
		if c.tr != nil {
			_ = c.tr.Close()
		}
		if c.udp != nil {
			_ = c.udp.Close()
		}
	})
	return err
}

func (c *quicConn) Stream() bool         { return false }
func (c *quicConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

type quicListener struct {
	ln *quic.Listener
}

func listenQUIC(addr string, tlsp *TLS) (Listener, error) {
	if tlsp == nil || tlsp.Server == nil {
		return nil, errNoTLS
	}
	ln, err := quic.ListenAddr(addr, tlsp.Server, quicConfig())
	if err != nil {
		return nil, err
	}
	return &quicListener{ln: ln}, nil
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return newQUICConn(conn, nil, nil), nil
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }
func (l *quicListener) Close() error   { return l.ln.Close() }
