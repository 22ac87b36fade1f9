package wrr

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mlvpn/internal/config"
	"mlvpn/internal/tunnel"
)

type nopLink struct{}

func (nopLink) Write(b []byte) (int, error) { return len(b), nil }
func (nopLink) Close() error                { return nil }
func (nopLink) Stream() bool                { return false }
func (nopLink) RemoteAddr() net.Addr        { return nil }

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newRegistry(t *testing.T, weights ...int) *tunnel.Registry {
	reg := tunnel.NewRegistry()
	for i, w := range weights {
		tun := tunnel.New(config.TunnelConfig{
			Name: string(rune('a' + i)), Mode: "client", Encap: "udp",
			Weight: w, Timeout: 30, Keepalive: 10,
		})
		_, err := reg.Add(tun)
		require.NoError(t, err)
	}
	return reg
}

func up(tun *tunnel.Tunnel, now time.Time) {
	tun.LinkUp(now, nopLink{})
	tun.StatusUp(now)
}

func count(t *testing.T, s *Scheduler, n int) map[string]int {
	got := map[string]int{}
	for i := 0; i < n; i++ {
		tun, err := s.Choose()
		require.NoError(t, err)
		got[tun.Name]++
	}
	return got
}

func TestStaticWeightsThreeToOne(t *testing.T) {
	reg := newRegistry(t, 3, 1)
	reg.Each(func(tun *tunnel.Tunnel) { up(tun, t0) })
	s := New(reg)

	got := count(t, s, 400)
	assert.InDelta(t, 300, got["a"], 15)
	assert.InDelta(t, 100, got["b"], 5)
}

func TestChooseIsInterleaved(t *testing.T) {
	reg := newRegistry(t, 3, 1)
	reg.Each(func(tun *tunnel.Tunnel) { up(tun, t0) })
	s := New(reg)

	var seq string
	for i := 0; i < 8; i++ {
		tun, err := s.Choose()
		require.NoError(t, err)
		seq += tun.Name
	}
	assert.Equal(t, "abaaabaa", seq)
}

func TestNoStarvation(t *testing.T) {
	reg := newRegistry(t, 10, 1, 1)
	reg.Each(func(tun *tunnel.Tunnel) { up(tun, t0) })
	s := New(reg)

	first := count(t, s, 12)
	assert.GreaterOrEqual(t, first["b"], 1)
	assert.GreaterOrEqual(t, first["c"], 1)

	got := count(t, s, 1200)
	assert.InDelta(t, 1000, got["a"], 2)
	assert.InDelta(t, 100, got["b"], 2)
	assert.InDelta(t, 100, got["c"], 2)
}

func TestNoTunnelAvailable(t *testing.T) {
	s := New(tunnel.NewRegistry())
	_, err := s.Choose()
	assert.ErrorIs(t, err, ErrNoTunnel)

	reg := newRegistry(t, 1, 1)
	reg.At(0).LinkUp(t0, nopLink{}) // AuthSent only
	s = New(reg)
	_, err = s.Choose()
	assert.ErrorIs(t, err, ErrNoTunnel)
}

func TestOnlyAuthOKChosen(t *testing.T) {
	reg := newRegistry(t, 1, 5, 1, 1)
	up(reg.At(0), t0)
	reg.At(1).LinkUp(t0, nopLink{})
	up(reg.At(3), t0)
	reg.At(3).Disabled = true
	s := New(reg)

	got := count(t, s, 50)
	assert.Equal(t, map[string]int{"a": 50}, got)
}

func TestTimedOutTunnelExcluded(t *testing.T) {
	reg := newRegistry(t, 1, 1)
	a, b := reg.At(0), reg.At(1)
	up(a, t0)
	up(b, t0)
	s := New(reg)

	now := t0.Add(31 * time.Second)
	a.Touch(now, 64)
	reg.Each(func(tun *tunnel.Tunnel) { tun.CheckTimeout(now) })
	require.Equal(t, tunnel.Disconnected, b.Status)

	got := count(t, s, 10)
	assert.Equal(t, map[string]int{"a": 10}, got)
}

func TestRecalcFromSendRate(t *testing.T) {
	reg := newRegistry(t, 1, 1, 1)
	a, b, c := reg.At(0), reg.At(1), reg.At(2)
	up(a, t0)
	up(b, t0)
	s := New(reg)
	s.Recalc(t0)

	a.BytesSent += 9000
	b.BytesSent += 1000
	c.BytesSent += 5000 // not AuthOK, ignored
	s.Recalc(t0.Add(5 * time.Second))

	assert.InDelta(t, 0.9, a.Weight, 1e-9)
	assert.InDelta(t, 0.1, b.Weight, 1e-9)
	assert.Zero(t, c.Weight)

	a.BytesSent += 100000
	s.Recalc(t0.Add(10 * time.Second))
	assert.InDelta(t, 1.0, a.Weight, 1e-9)
	assert.Equal(t, MinShare, b.Weight, "idle AuthOK tunnel keeps a floor share")

	s.Recalc(t0.Add(15 * time.Second))
	assert.InDelta(t, 1.0/3, a.Weight, 1e-9, "all idle falls back to hints")
	assert.InDelta(t, 1.0/3, b.Weight, 1e-9)
}

func TestRecalcKeepsConfiguredRatioWhileLinksKeepUp(t *testing.T) {
	reg := newRegistry(t, 3, 1)
	a, b := reg.At(0), reg.At(1)
	up(a, t0)
	up(b, t0)
	s := New(reg)
	s.Recalc(t0)

	for i := 1; i <= 3; i++ {
		for n := 0; n < 400; n++ {
			tun, err := s.Choose()
			require.NoError(t, err)
			tun.BytesSent += 1000
		}
		s.Recalc(t0.Add(time.Duration(i*5) * time.Second))
		assert.InDelta(t, 0.75, a.Weight, 1e-9, "recalc %d", i)
		assert.InDelta(t, 0.25, b.Weight, 1e-9, "recalc %d", i)
	}

	// b falls behind: its share follows what it actually carried.
	a.BytesSent += 9000
	b.BytesSent += 1000
	s.Recalc(t0.Add(20 * time.Second))
	assert.InDelta(t, 0.9, a.Weight, 1e-9)
	assert.InDelta(t, 0.1, b.Weight, 1e-9)
}

func TestRecalcResetsCreditOfDownTunnel(t *testing.T) {
	reg := newRegistry(t, 1, 1)
	a, b := reg.At(0), reg.At(1)
	up(a, t0)
	up(b, t0)
	s := New(reg)
	for i := 0; i < 3; i++ {
		_, err := s.Choose()
		require.NoError(t, err)
	}
	b.StatusDown(t0)
	s.Recalc(t0.Add(5 * time.Second))
	assert.Zero(t, b.Weight)
	assert.Zero(t, s.credit[1])

	// Back up: picks its hint share again on the next choice.
	up(b, t0.Add(6*time.Second))
	got := count(t, s, 10)
	assert.Equal(t, 5, got["a"])
	assert.Equal(t, 5, got["b"])
}

func TestTunnelAddedAfterInit(t *testing.T) {
	reg := newRegistry(t, 1)
	up(reg.At(0), t0)
	s := New(reg)

	late := tunnel.New(config.TunnelConfig{Name: "late", Encap: "udp", Weight: 1, Timeout: 30, Keepalive: 10})
	_, err := reg.Add(late)
	require.NoError(t, err)
	up(late, t0)

	got := count(t, s, 20)
	assert.Equal(t, 10, got["a"])
	assert.Equal(t, 10, got["late"])
}
