package engine

import (
	"context"
	"fmt"
	"net/netip"
	"reflect"
	"time"

	"mlvpn/internal/config"
	"mlvpn/internal/tunnel"
)

// Reconfigure applies a validated snapshot to the running engine. Existing
// tunnels are updated by name, new ones are added and removed ones are
// disabled. Settings that only take effect at startup are logged and kept.
func (e *Engine) Reconfigure(ctx context.Context, next *config.Config) error {
	allowed := resolvePeers(e.resolver, next.Tunnels, e.log)
	var err error
	if derr := e.do(ctx, func() { err = e.apply(next, allowed) }); derr != nil {
		return derr
	}
	return err
}

func (e *Engine) apply(next *config.Config, allowed map[string][]netip.Addr) error {
	changes := config.Diff(e.cfg, next)
	fresh := 0
	for _, c := range changes {
		if _, ok := e.reg.Lookup(c.Name); c.Change == config.Added && !ok {
			fresh++
		}
	}
	if e.reg.Len()+fresh > config.MaxTunnels {
		return fmt.Errorf("reload: %d tunnels would exceed the limit of %d", e.reg.Len()+fresh, config.MaxTunnels)
	}
	e.warnRestart(next)

	now := e.now()
	counts := map[config.Change]int{}
	for _, c := range changes {
		counts[c.Change]++
		switch c.Change {
		case config.Added:
			t, ok := e.reg.Lookup(c.Name)
			if ok {
				t.Apply(c.New)
				t.Disabled = false
				t.Attempts = 0
				t.NextAttempt = time.Time{}
			} else {
				t = tunnel.New(c.New)
				if _, err := e.reg.Add(t); err != nil {
					return err
				}
			}
			e.setAllowed(t, allowed)
			e.listen(t)
		case config.Removed:
			t, ok := e.reg.Lookup(c.Name)
			if !ok {
				continue
			}
			t.Disabled = true
			e.disconnect(t, "removed from configuration")
			e.closeSocket(t)
			delete(e.allowed, t.Index)
		case config.Tuned:
			if t, ok := e.reg.Lookup(c.Name); ok {
				t.Apply(c.New)
				e.setAllowed(t, allowed)
			}
		case config.Rebound:
			t, ok := e.reg.Lookup(c.Name)
			if !ok {
				continue
			}
			e.disconnect(t, "addressing changed")
			e.closeSocket(t)
			t.Apply(c.New)
			t.Attempts = 0
			t.NextAttempt = now
			e.setAllowed(t, allowed)
			e.listen(t)
		}
	}

	e.cfg = reloadable(e.cfg, next)
	e.introspect = e.cfg.Introspection()
	e.sched.Init()
	e.log.Infow("configuration reloaded",
		"added", counts[config.Added], "removed", counts[config.Removed],
		"tuned", counts[config.Tuned], "rebound", counts[config.Rebound])
	return nil
}

// reloadable returns the running snapshot with the settings a reload can
// change taken from next. Everything else keeps its startup value.
func reloadable(running, next *config.Config) *config.Config {
	cfg := *running
	cfg.Tunnels = next.Tunnels
	cfg.HighPriority = next.HighPriority
	cfg.Timeout = next.Timeout
	cfg.Keepalive = next.Keepalive
	cfg.LogLevel = next.LogLevel
	return &cfg
}

// disconnect brings t down if it has a link or a dial in flight.
func (e *Engine) disconnect(t *tunnel.Tunnel, reason string) {
	if t.Link == nil && !t.Dialing && t.Status == tunnel.Disconnected {
		return
	}
	e.down(t, reason, nil)
}

func (e *Engine) listen(t *tunnel.Tunnel) {
	if !t.Server {
		return
	}
	if err := e.ensureSocket(t); err != nil {
		e.log.Errorw("cannot listen", "tunnel", t.Name, "error", err)
	}
}

func (e *Engine) setAllowed(t *tunnel.Tunnel, allowed map[string][]netip.Addr) {
	if a, ok := allowed[t.Name]; ok {
		e.allowed[t.Index] = a
		return
	}
	delete(e.allowed, t.Index)
}

func (e *Engine) warnRestart(next *config.Config) {
	prev := e.cfg
	check := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			e.log.Warnw("setting changed, restart required to apply", "setting", name)
		}
	}
	check("name", prev.Name, next.Name)
	check("interface", prev.Interface, next.Interface)
	check("fec", prev.FEC, next.FEC)
	check("tls", prev.TLS, next.TLS)
	check("control", prev.Control, next.Control)
	check("user", prev.User, next.User)
	check("pidfile", prev.PIDFile, next.PIDFile)
	check("status_command", prev.StatusCommand, next.StatusCommand)
	check("log_file", prev.LogFile, next.LogFile)
}
