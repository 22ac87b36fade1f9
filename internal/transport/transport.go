// Package transport provides the links a tunnel runs over: connected UDP
// sockets, TCP streams and QUIC connections carrying frames as datagrams,
// plus the matching server-side listeners.
//
// Writes never block for long: every Write is bounded by WriteTimeout and a
// link that cannot take more data returns an error satisfying
// os.ErrDeadlineExceeded, possibly after a partial write on stream links.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"
)

const (
	// WriteTimeout bounds a single write on a link.
	WriteTimeout = 5 * time.Millisecond
	// DialTimeout bounds connection establishment for stream and QUIC links.
	DialTimeout = 8 * time.Second

	EncapUDP  = "udp"
	EncapTCP  = "tcp"
	EncapQUIC = "quic"
)

var ErrNoRemote = errors.New("transport: no remote address")

// Conn is a link with its own read side. Datagram links return exactly one
// frame per Read; stream links return arbitrary chunks of the byte stream.
type Conn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	Stream() bool
	RemoteAddr() net.Addr
}

// Listener accepts connection-oriented links for a server tunnel.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

type DialConfig struct {
	Encap string
	// BindHost is an IP address, "if:<iface>" or empty for any.
	BindHost string
	BindPort int
	Remotes  []netip.AddrPort
	TLS      *TLS
}

// Dial connects to the first reachable remote.
func Dial(ctx context.Context, dc DialConfig) (Conn, error) {
	if len(dc.Remotes) == 0 {
		return nil, ErrNoRemote
	}
	local, err := ResolveBind(dc.BindHost)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, remote := range dc.Remotes {
		var c Conn
		switch dc.Encap {
		case EncapUDP:
			c, err = dialUDP(local, dc.BindPort, remote)
		case EncapTCP:
			c, err = dialTCP(ctx, local, dc.BindPort, remote)
		case EncapQUIC:
			c, err = dialQUIC(ctx, local, dc.BindPort, remote, dc.TLS)
		default:
			return nil, fmt.Errorf("transport: unknown encapsulation %q", dc.Encap)
		}
		if err == nil {
			return c, nil
		}
		lastErr = fmt.Errorf("dial %s %s: %w", dc.Encap, remote, err)
	}
	return nil, lastErr
}

// Listen opens a connection-oriented listener (tcp or quic) on addr.
func Listen(encap, addr string, tlsp *TLS) (Listener, error) {
	switch encap {
	case EncapTCP:
		return listenTCP(addr)
	case EncapQUIC:
		return listenQUIC(addr, tlsp)
	default:
		return nil, fmt.Errorf("transport: %q has no stream listener", encap)
	}
}

// ListenAddr builds the listen address of a server tunnel.
func ListenAddr(bindHost string, port int) (string, error) {
	ip, err := ResolveBind(bindHost)
	if err != nil {
		return "", err
	}
	host := ""
	if ip.IsValid() {
		host = ip.String()
	}
	return net.JoinHostPort(host, fmt.Sprint(port)), nil
}

// ResolveBind turns a bind_host value into an address. "if:<iface>" picks the
// first non-loopback IPv4 address of that interface; an empty value yields
// the zero Addr, meaning any address.
func ResolveBind(value string) (netip.Addr, error) {
	if value == "" {
		return netip.Addr{}, nil
	}
	if ifName, ok := strings.CutPrefix(value, "if:"); ok {
		iface, err := net.InterfaceByName(ifName)
		if err != nil {
			return netip.Addr{}, err
		}
		addrs, err := iface.Addrs()
		if err != nil {
			return netip.Addr{}, err
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipNet.IP.To4())
			if !ok || ip.IsLoopback() {
				continue
			}
			return ip, nil
		}
		return netip.Addr{}, fmt.Errorf("no ipv4 found on %s", ifName)
	}
	ip, err := netip.ParseAddr(value)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid bind_host: %s", value)
	}
	return ip, nil
}

func deadline() time.Time { return time.Now().Add(WriteTimeout) }
