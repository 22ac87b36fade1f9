package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mlvpn/internal/fec"
	"mlvpn/internal/wire"
)

const sampleConfig = `
name: bond
pidfile: /run/mlvpn.pid
user: nobody
log_level: DEBUG
status_command: /etc/mlvpn/updown.sh
interface:
  name: bond0
  mode: tap
  mtu: 1450
control:
  bind: /run/mlvpn.sock
tunnels:
  - name: adsl
    bind_host: if:eth1
    remote_host: vpn.example.net
    remote_port: 5080
    weight: 3
  - name: cable
    encap: tcp
    remote_host: 198.51.100.7
    remote_port: 5081
    timeout: 12
  - name: uplink
    mode: server
    bind_host: 0.0.0.0
    bind_port: 5082
`

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "bond", cfg.Name)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, 10, cfg.Keepalive)
	assert.Equal(t, "tap", cfg.Interface.Mode)
	assert.Equal(t, 1450, cfg.Interface.MTU)
	assert.True(t, cfg.Introspection())
	assert.False(t, cfg.FEC.Enabled())

	require.Len(t, cfg.Tunnels, 3)
	adsl := cfg.Tunnels[0]
	assert.Equal(t, "client", adsl.Mode)
	assert.Equal(t, "udp", adsl.Encap)
	assert.Equal(t, 3, adsl.Weight)
	assert.Equal(t, 30, adsl.Timeout)
	assert.Equal(t, 10, adsl.Keepalive)

	cable := cfg.Tunnels[1]
	assert.Equal(t, "tcp", cable.Encap)
	assert.Equal(t, 1, cable.Weight)
	assert.Equal(t, 12, cable.Timeout)
	assert.Equal(t, 4, cable.Keepalive)

	assert.True(t, cfg.Tunnels[2].Server())
}

func TestParseRejectsWholeSnapshot(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no tunnels", "name: x\n", "at least one tunnel"},
		{"bad mode", "tunnels:\n  - {name: a, mode: peer, remote_host: h, remote_port: 1}\n", "mode must be"},
		{"bad encap", "tunnels:\n  - {name: a, encap: sctp, remote_host: h, remote_port: 1}\n", "encap must be"},
		{"client without remote", "tunnels:\n  - {name: a}\n", "remote_host required"},
		{"client bad port", "tunnels:\n  - {name: a, remote_host: h, remote_port: 70000}\n", "remote_port invalid"},
		{"server without port", "tunnels:\n  - {name: a, mode: server}\n", "bind_port required"},
		{"duplicate", "tunnels:\n  - {name: a, remote_host: h, remote_port: 1}\n  - {name: a, remote_host: h, remote_port: 2}\n", "duplicate name"},
		{"keepalive too long", "tunnels:\n  - {name: a, remote_host: h, remote_port: 1, timeout: 5, keepalive: 5}\n", "keepalive must be shorter"},
		{"unknown field", "bogus: 1\ntunnels:\n  - {name: a, remote_host: h, remote_port: 1}\n", "bogus"},
		{"quic client without ca", "tunnels:\n  - {name: a, encap: quic, remote_host: h, remote_port: 1}\n", "tls.ca_file"},
		{"quic server without cert", "tunnels:\n  - {name: a, encap: quic, mode: server, bind_port: 1}\n", "tls.cert_file"},
		{"bad mtu", "interface: {mtu: 9000}\ntunnels:\n  - {name: a, remote_host: h, remote_port: 1}\n", "interface.mtu"},
		{"bad level", "log_level: loud\ntunnels:\n  - {name: a, remote_host: h, remote_port: 1}\n", "log_level"},
		{"tap with fec at 1500", "interface: {mode: tap, mtu: 1500}\nfec: {data_shards: 4, parity_shards: 1}\ntunnels:\n  - {name: a, remote_host: h, remote_port: 1}\n", "interface.mtu 1500 too large for tap mode (fec=true), max 1490"},
		{"tagged tap at 1500", "interface: {mode: tap, mtu: 1500}\ntunnels:\n  - {name: a, remote_host: h, remote_port: 1}\n", "max 1498"},
		{"timeout too short", "timeout: 1\ntunnels:\n  - {name: a, remote_host: h, remote_port: 1}\n", "timeout must be at least 2 seconds"},
		{"tunnel timeout too short", "tunnels:\n  - {name: a, remote_host: h, remote_port: 1, timeout: 1}\n", "a: timeout must be at least 2 seconds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse(strings.NewReader(tt.yaml))
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseTooManyTunnels(t *testing.T) {
	var b strings.Builder
	b.WriteString("tunnels:\n")
	for i := 0; i <= MaxTunnels; i++ {
		b.WriteString("  - {remote_host: h, remote_port: 1}\n")
	}
	_, err := Parse(strings.NewReader(b.String()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many tunnels")
}

func TestParseFECDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader("fec: {parity_shards: 2}\ntunnels:\n  - {remote_host: h, remote_port: 1}\n"))
	require.NoError(t, err)
	assert.True(t, cfg.FEC.Enabled())
	assert.Equal(t, 10, cfg.FEC.DataShards)
	assert.Equal(t, "tunnel1", cfg.Tunnels[0].Name)
}

func TestMTULimit(t *testing.T) {
	tests := []struct {
		mode string
		fec  bool
		want int
	}{
		{"tun", false, 1500},
		{"tun", true, 1500},
		{"tap", false, 1498},
		{"tap", true, 1490},
	}
	for _, tt := range tests {
		cfg := &Config{Interface: InterfaceConfig{Mode: tt.mode}}
		if tt.fec {
			cfg.FEC = FECConfig{DataShards: 4, ParityShards: 1}
		}
		assert.Equal(t, tt.want, cfg.MTULimit(), "mode=%s fec=%t", tt.mode, tt.fec)
	}
}

func TestLargestTAPFrameFitsWithFEC(t *testing.T) {
	cfg, err := Parse(strings.NewReader("interface: {mode: tap, mtu: 1490}\nfec: {data_shards: 4, parity_shards: 1}\ntunnels:\n  - {remote_host: h, remote_port: 1}\n"))
	require.NoError(t, err)

	enc, err := fec.NewEncoder(cfg.FEC.DataShards, cfg.FEC.ParityShards)
	require.NoError(t, err)
	var parity [][]byte
	for i := 0; i < cfg.FEC.DataShards; i++ {
		data, p, err := enc.Add(make([]byte, cfg.Interface.MTU+TAPHeaderLen))
		require.NoError(t, err)
		_, err = wire.Encode(wire.TypeFECData, data)
		require.NoError(t, err)
		parity = append(parity, p...)
	}
	require.Len(t, parity, 1)
	_, err = wire.Encode(wire.TypeFECParity, parity[0])
	assert.NoError(t, err)
}

func TestTunnelKeepaliveDefaultsBelowShortTimeout(t *testing.T) {
	cfg, err := Parse(strings.NewReader("tunnels:\n  - {remote_host: h, remote_port: 1, timeout: 2}\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Tunnels[0].Keepalive)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mlvpn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bond0", cfg.Interface.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDiff(t *testing.T) {
	prev, err := Parse(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	next, err := Parse(strings.NewReader(`
tunnels:
  - name: adsl
    bind_host: if:eth1
    remote_host: vpn.example.net
    remote_port: 5080
    weight: 5
  - name: cable
    encap: udp
    remote_host: 198.51.100.7
    remote_port: 5081
    timeout: 12
  - name: lte
    remote_host: 203.0.113.9
    remote_port: 5083
`))
	require.NoError(t, err)

	changes := Diff(prev, next)
	got := map[string]Change{}
	for _, c := range changes {
		got[c.Name] = c.Change
	}
	assert.Equal(t, map[string]Change{
		"adsl":   Tuned,
		"cable":  Rebound,
		"lte":    Added,
		"uplink": Removed,
	}, got)

	assert.Empty(t, filterChanged(Diff(prev, prev)))
}

func filterChanged(changes []TunnelChange) []TunnelChange {
	var out []TunnelChange
	for _, c := range changes {
		if c.Change != Unchanged {
			out = append(out, c)
		}
	}
	return out
}
