// Package engine runs the bonding event loop.
//
// A single goroutine owns the tunnel registry, the scheduler, the FEC state
// and every counter. Device, link and listener readers run in their own
// goroutines and only post events to the loop; the control API reaches the
// loop through Snapshot, Reset and Reconfigure, which run closures on it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"mlvpn/internal/config"
	"mlvpn/internal/fec"
	"mlvpn/internal/frame"
	"mlvpn/internal/transport"
	"mlvpn/internal/tunnel"
	"mlvpn/internal/wire"
	"mlvpn/internal/wrr"
)

const (
	TickInterval = time.Second
	// RecalcEvery is the number of ticks between weight recalculations.
	RecalcEvery = 5
	// FlushRetry is how soon queues are flushed again after a link would
	// have blocked.
	FlushRetry = 10 * time.Millisecond

	eventQueueLen  = 1024
	deviceQueueLen = 256
	linkReadSize   = 65536
)

var ErrStopped = errors.New("engine: stopped")

// Device is the local virtual interface.
type Device interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Name() string
	Mode() frame.Mode
}

// Resolver turns a host name into addresses. In privilege-separated mode it
// is the monitor client.
type Resolver interface {
	GetAddrInfo(host string, port int) ([]netip.AddrPort, error)
}

// ScriptRunner runs the status script.
type ScriptRunner interface {
	RunScript(args ...string) error
}

type DialFunc func(ctx context.Context, dc transport.DialConfig) (transport.Conn, error)

type Options struct {
	Config   *config.Config
	Device   Device
	Resolver Resolver
	// Scripts is nil when no status_command is configured.
	Scripts ScriptRunner
	TLS     *transport.TLS
	// Sockets holds server listeners opened before privileges were dropped,
	// keyed by tunnel name. Missing ones are opened on demand.
	Sockets map[string]*ServerSocket
	Log     *zap.SugaredLogger

	// Dial and Now default to transport.Dial and time.Now.
	Dial DialFunc
	Now  func() time.Time
}

type Engine struct {
	cfg      *config.Config
	dev      Device
	resolver Resolver
	tls      *transport.TLS
	log      *zap.SugaredLogger
	dial     DialFunc
	now      func() time.Time

	reg     *tunnel.Registry
	sched   *wrr.Scheduler
	sockets map[int]*ServerSocket
	allowed map[int][]netip.Addr
	fecEnc  *fec.Encoder
	fecDec  *fec.Decoder
	hooks   *hookRunner

	introspect bool
	ticks      uint64
	started    time.Time

	ctx      context.Context
	events   chan any
	deviceIn chan []byte
	ctl      chan func()
	stopped  chan struct{}
	flushT   *time.Timer
	flushSet bool

	noTunnel  uint64
	devErrors uint64
	dropped   uint64
}

// New builds the engine and its tunnels. Peer restrictions of server tunnels
// are resolved here, so New may block on name resolution.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil || opts.Device == nil || opts.Resolver == nil || opts.Log == nil {
		return nil, errors.New("engine: config, device, resolver and logger are required")
	}
	e := &Engine{
		cfg:      opts.Config,
		dev:      opts.Device,
		resolver: opts.Resolver,
		tls:      opts.TLS,
		log:      opts.Log.Named("engine"),
		dial:     opts.Dial,
		now:      opts.Now,
		ctx:      context.Background(),
		reg:      tunnel.NewRegistry(),
		sockets:  make(map[int]*ServerSocket),
		allowed:  make(map[int][]netip.Addr),
		events:   make(chan any, eventQueueLen),
		deviceIn: make(chan []byte, deviceQueueLen),
		ctl:      make(chan func()),
		stopped:  make(chan struct{}),
	}
	if e.dial == nil {
		e.dial = transport.Dial
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.introspect = e.cfg.Introspection()
	if opts.Scripts != nil {
		e.hooks = newHookRunner(opts.Scripts, e.log)
	}
	if e.cfg.FEC.Enabled() {
		var err error
		if e.fecEnc, err = fec.NewEncoder(e.cfg.FEC.DataShards, e.cfg.FEC.ParityShards); err != nil {
			return nil, err
		}
		if e.fecDec, err = fec.NewDecoder(e.cfg.FEC.DataShards, e.cfg.FEC.ParityShards); err != nil {
			return nil, err
		}
	}

	allowed := resolvePeers(e.resolver, e.cfg.Tunnels, e.log)
	for _, tc := range e.cfg.Tunnels {
		t := tunnel.New(tc)
		if _, err := e.reg.Add(t); err != nil {
			return nil, err
		}
		if a, ok := allowed[tc.Name]; ok {
			e.allowed[t.Index] = a
		}
		if s, ok := opts.Sockets[tc.Name]; ok {
			e.sockets[t.Index] = s
		}
	}
	e.sched = wrr.New(e.reg)
	return e, nil
}

// Run drives the loop until ctx is cancelled or the device fails.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	e.started = e.now()
	defer close(e.stopped)
	defer e.shutdown()

	devErr := make(chan error, 1)
	go e.readDevice(devErr)

	e.reg.Each(func(t *tunnel.Tunnel) {
		if !t.Disabled {
			e.listen(t)
		}
	})
	if e.hooks != nil {
		go e.hooks.run(e.stopped)
	}
	e.fire("tuntap_up", e.dev.Name())
	e.log.Infow("engine started", "dev", e.dev.Name(), "mode", e.dev.Mode(), "tunnels", e.reg.Len(),
		"high_priority", e.introspect, "fec", e.fecEnc != nil)

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	e.flushT = time.NewTimer(FlushRetry)
	e.flushT.Stop()
	e.tick(e.now())

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-devErr:
			return fmt.Errorf("device %s: %w", e.dev.Name(), err)
		case pkt := <-e.deviceIn:
			e.outbound(pkt)
		case ev := <-e.events:
			e.handle(ev)
		case fn := <-e.ctl:
			fn()
		case <-ticker.C:
			e.tick(e.now())
		case <-e.flushT.C:
			e.flushSet = false
			e.flushAll()
		}
	}
}

func (e *Engine) readDevice(errc chan<- error) {
	buf := make([]byte, 65536)
	for {
		n, err := e.dev.Read(buf)
		if err != nil {
			select {
			case errc <- err:
			case <-e.stopped:
			}
			return
		}
		if n == 0 {
			continue
		}
		pkt := append([]byte(nil), buf[:n]...)
		select {
		case e.deviceIn <- pkt:
		case <-e.stopped:
			return
		}
	}
}

// post hands an event to the loop. It gives up once the loop has stopped.
func (e *Engine) post(ev any) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.stopped:
		return false
	}
}

// do runs fn on the loop and waits for it to finish.
func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case e.ctl <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-e.stopped:
		return ErrStopped
	}
}

func (e *Engine) armFlush() {
	if e.flushSet || e.flushT == nil {
		return
	}
	e.flushSet = true
	e.flushT.Reset(FlushRetry)
}

func (e *Engine) shutdown() {
	now := e.now()
	bye, _ := wire.Encode(wire.TypeDisconnect, nil)
	e.reg.Each(func(t *tunnel.Tunnel) {
		if t.Status == tunnel.AuthOK && t.Link != nil {
			_, _ = t.Link.Write(bye)
		}
		if t.Link != nil {
			t.StatusDown(now)
		}
	})
	for idx, s := range e.sockets {
		_ = s.Close()
		delete(e.sockets, idx)
	}
	e.log.Infow("engine stopped")
}

// Snapshot is the state reported by the control API.
type Snapshot struct {
	Name          string        `json:"name"`
	Device        string        `json:"device"`
	Mode          string        `json:"mode"`
	Uptime        float64       `json:"uptime_seconds"`
	HighPriority  bool          `json:"high_priority"`
	NoTunnelDrops uint64        `json:"no_tunnel_drops"`
	DeviceErrors  uint64        `json:"device_errors"`
	Dropped       uint64        `json:"dropped"`
	FECRecovered  uint64        `json:"fec_recovered"`
	Tunnels       []tunnel.Info `json:"tunnels"`
}

func (e *Engine) snapshot() Snapshot {
	s := Snapshot{
		Name:          e.cfg.Name,
		Device:        e.dev.Name(),
		Mode:          e.dev.Mode().String(),
		Uptime:        e.now().Sub(e.started).Seconds(),
		HighPriority:  e.introspect,
		NoTunnelDrops: e.noTunnel,
		DeviceErrors:  e.devErrors,
		Dropped:       e.dropped,
		Tunnels:       make([]tunnel.Info, 0, e.reg.Len()),
	}
	if e.fecDec != nil {
		s.FECRecovered = e.fecDec.Recovered
	}
	e.reg.Each(func(t *tunnel.Tunnel) { s.Tunnels = append(s.Tunnels, t.Info()) })
	return s
}

// Snapshot returns a copy of the engine state, taken on the loop.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := e.do(ctx, func() { s = e.snapshot() })
	return s, err
}

var ErrUnknownTunnel = errors.New("engine: unknown tunnel")

// Reset forces the named tunnel down. Client tunnels reconnect after their
// back-off; server tunnels wait for the peer.
func (e *Engine) Reset(ctx context.Context, name string) error {
	var err error
	if derr := e.do(ctx, func() {
		t, ok := e.reg.Lookup(name)
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownTunnel, name)
			return
		}
		e.down(t, "reset by operator", nil)
	}); derr != nil {
		return derr
	}
	return err
}
