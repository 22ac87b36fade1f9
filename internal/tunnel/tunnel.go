// Package tunnel holds the per-link state of the bond: connection status,
// send queues, reassembly buffer and traffic counters.
//
// Tunnels are not safe for concurrent use. They are owned by the engine's
// event loop and mutated only from there.
package tunnel

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"mlvpn/internal/config"
	"mlvpn/internal/pktbuf"
	"mlvpn/internal/wire"
)

type Status int

const (
	Disconnected Status = iota
	AuthSent
	AuthOK
)

func (s Status) String() string {
	switch s {
	case AuthSent:
		return "auth_sent"
	case AuthOK:
		return "auth_ok"
	default:
		return "disconnected"
	}
}

const (
	BackoffBase = time.Second
	BackoffMax  = 60 * time.Second
)

var ErrQueueFull = errors.New("tunnel: send queue full")

// Link is the transport a tunnel writes frames to. Stream links carry a
// byte stream that must be re-framed on the receiving side; datagram links
// deliver one frame per read.
type Link interface {
	io.Writer
	io.Closer
	Stream() bool
	RemoteAddr() net.Addr
}

type Tunnel struct {
	Index int

	Name       string
	Server     bool
	Encap      string
	BindHost   string
	BindPort   int
	RemoteHost string
	RemotePort int
	Addrs      []netip.AddrPort

	WeightHint int
	Weight     float64
	Timeout    time.Duration
	Keepalive  time.Duration
	// Disabled tunnels were removed by a reload. They stay in the registry
	// so indices remain stable but never reconnect.
	Disabled bool

	Status     Status
	Link       Link
	Listener   io.Closer
	Generation uint64
	Dialing    bool

	queue   *pktbuf.Buffer
	hpQueue *pktbuf.Buffer
	reasm   *wire.Reassembler
	pending []byte

	Disconnects   uint64
	Attempts      uint64
	NextAttempt   time.Time
	LastPacket    time.Time
	NextKeepalive time.Time
	UpSince       time.Time

	PacketsSent uint64
	PacketsRecv uint64
	BytesSent   uint64
	BytesRecv   uint64
	Loss        uint64
}

func New(cfg config.TunnelConfig) *Tunnel {
	t := &Tunnel{
		queue:   pktbuf.New(),
		hpQueue: pktbuf.New(),
		reasm:   wire.NewReassembler(),
	}
	t.Apply(cfg)
	return t
}

// Apply copies cfg into the tunnel. It does not touch connection state; the
// caller decides whether the change requires a reconnect.
func (t *Tunnel) Apply(cfg config.TunnelConfig) {
	t.Name = cfg.Name
	t.Server = cfg.Server()
	t.Encap = cfg.Encap
	t.BindHost = cfg.BindHost
	t.BindPort = cfg.BindPort
	t.RemoteHost = cfg.RemoteHost
	t.RemotePort = cfg.RemotePort
	t.WeightHint = cfg.Weight
	t.Timeout = cfg.TimeoutDuration()
	t.Keepalive = cfg.KeepaliveDuration()
}

func (t *Tunnel) String() string {
	return fmt.Sprintf("%s[%s/%s %s]", t.Name, t.role(), t.Encap, t.Status)
}

func (t *Tunnel) role() string {
	if t.Server {
		return "server"
	}
	return "client"
}

// Backoff returns the delay before reconnection attempt number attempts.
func Backoff(attempts uint64) time.Duration {
	if attempts == 0 {
		return 0
	}
	if attempts > 7 {
		return BackoffMax
	}
	d := BackoffBase << (attempts - 1)
	if d > BackoffMax {
		d = BackoffMax
	}
	return d
}

// LinkUp installs a freshly connected or accepted link. Any previous link is
// closed and the generation bumped so events from it are ignored. The tunnel
// moves to AuthSent and returns the new generation.
func (t *Tunnel) LinkUp(now time.Time, link Link) uint64 {
	if t.Link != nil && t.Link != link {
		_ = t.Link.Close()
	}
	t.Link = link
	t.Generation++
	t.Dialing = false
	t.Status = AuthSent
	t.LastPacket = now
	t.NextKeepalive = now.Add(t.Keepalive)
	t.reasm.Reset()
	t.pending = nil
	return t.Generation
}

// StatusUp promotes an AuthSent tunnel to AuthOK. It reports whether the
// tunnel changed state.
func (t *Tunnel) StatusUp(now time.Time) bool {
	if t.Status != AuthSent || t.Link == nil {
		return false
	}
	t.Status = AuthOK
	t.Attempts = 0
	t.UpSince = now
	t.LastPacket = now
	t.NextKeepalive = now.Add(t.Keepalive)
	return true
}

// StatusDown forces the tunnel to Disconnected. The link is closed, both
// queues are dropped and counted as loss, and the next connection attempt is
// scheduled with back-off. It returns the status the tunnel had before.
func (t *Tunnel) StatusDown(now time.Time) Status {
	prev := t.Status
	if t.Link != nil {
		_ = t.Link.Close()
		t.Link = nil
	}
	t.Generation++
	t.Dialing = false
	t.Status = Disconnected
	t.Loss += uint64(t.queue.Reset() + t.hpQueue.Reset())
	if t.pending != nil {
		t.Loss++
		t.pending = nil
	}
	t.reasm.Reset()
	t.Disconnects++
	t.Attempts++
	t.NextAttempt = now.Add(Backoff(t.Attempts))
	t.UpSince = time.Time{}
	return prev
}

// Stale reports whether nothing was received for longer than the timeout.
func (t *Tunnel) Stale(now time.Time) bool {
	return now.Sub(t.LastPacket) > t.Timeout
}

// CheckTimeout brings a stale tunnel down. It reports whether it did.
func (t *Tunnel) CheckTimeout(now time.Time) bool {
	if t.Status == Disconnected || !t.Stale(now) {
		return false
	}
	t.StatusDown(now)
	return true
}

// Touch records an inbound frame of n bytes.
func (t *Tunnel) Touch(now time.Time, n int) {
	t.LastPacket = now
	t.PacketsRecv++
	t.BytesRecv += uint64(n)
}

// KeepaliveDue reports whether a keepalive (or, while AuthSent on the
// client side, an Auth retry) should be sent now.
func (t *Tunnel) KeepaliveDue(now time.Time) bool {
	return t.Status != Disconnected && t.Link != nil && !now.Before(t.NextKeepalive)
}

func (t *Tunnel) ScheduleKeepalive(now time.Time) {
	t.NextKeepalive = now.Add(t.Keepalive)
}

// ReadyToConnect reports whether the supervisor should start a dial.
func (t *Tunnel) ReadyToConnect(now time.Time) bool {
	return !t.Server && !t.Disabled && !t.Dialing &&
		t.Status == Disconnected && !now.Before(t.NextAttempt)
}

// Reassemble feeds stream bytes into the reassembly buffer.
func (t *Tunnel) Reassemble(chunk []byte) ([]wire.Frame, error) {
	return t.reasm.Feed(chunk)
}
