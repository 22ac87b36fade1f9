// Package config loads the daemon's YAML configuration snapshot.
//
// A snapshot is validated as a whole: Load and Parse either return a fully
// defaulted, valid Config or an error, never a partially applied one.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mlvpn/internal/fec"
	"mlvpn/internal/wire"
)

const (
	// MaxTunnels is the largest number of tunnels a snapshot may declare.
	MaxTunnels = 128

	DefaultTimeout   = 30
	// MinTimeout leaves room for a keepalive strictly shorter than the timeout.
	MinTimeout       = 2
	DefaultMTU       = 1400
	MaxMTU           = 1500
	DefaultLogLevel  = "info"
	DefaultName      = "mlvpn"
	DefaultInterface = "mlvpn0"

	// TAPHeaderLen is the ethernet header of a TAP frame, 802.1Q tag included.
	TAPHeaderLen = 18
)

type Config struct {
	Name          string          `yaml:"name"`
	PIDFile       string          `yaml:"pidfile"`
	User          string          `yaml:"user"`
	LogLevel      string          `yaml:"log_level"`
	LogFile       string          `yaml:"log_file"`
	StatusCommand string          `yaml:"status_command"`
	HighPriority  *bool           `yaml:"high_priority"`
	Timeout       int             `yaml:"timeout"`   // seconds
	Keepalive     int             `yaml:"keepalive"` // seconds
	Interface     InterfaceConfig `yaml:"interface"`
	Control       ControlConfig   `yaml:"control"`
	TLS           TLSConfig       `yaml:"tls"`
	FEC           FECConfig       `yaml:"fec"`
	Tunnels       []TunnelConfig  `yaml:"tunnels"`
}

type InterfaceConfig struct {
	Name string `yaml:"name"`
	Mode string `yaml:"mode"` // tun | tap
	MTU  int    `yaml:"mtu"`
}

type ControlConfig struct {
	// Bind is a unix socket path (starting with "/" or "unix:") or a TCP
	// host:port. Empty disables the control API.
	Bind string `yaml:"bind"`
}

type TLSConfig struct {
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type FECConfig struct {
	DataShards   int `yaml:"data_shards"`
	ParityShards int `yaml:"parity_shards"`
}

// Enabled reports whether parity frames are generated.
func (f FECConfig) Enabled() bool { return f.ParityShards > 0 }

type TunnelConfig struct {
	Name       string `yaml:"name"`
	Mode       string `yaml:"mode"`  // client | server
	Encap      string `yaml:"encap"` // udp | tcp | quic
	BindHost   string `yaml:"bind_host"`
	BindPort   int    `yaml:"bind_port"`
	RemoteHost string `yaml:"remote_host"`
	RemotePort int    `yaml:"remote_port"`
	Weight     int    `yaml:"weight"`
	Timeout    int    `yaml:"timeout"`   // seconds
	Keepalive  int    `yaml:"keepalive"` // seconds
}

func (t TunnelConfig) Server() bool { return t.Mode == "server" }

func (t TunnelConfig) TimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

func (t TunnelConfig) KeepaliveDuration() time.Duration {
	return time.Duration(t.Keepalive) * time.Second
}

// Introspection reports whether frame introspection (and with it the
// high-priority queue) is enabled. It defaults to true.
func (c *Config) Introspection() bool {
	return c.HighPriority == nil || *c.HighPriority
}

// MTULimit is the largest interface MTU whose device frames, FEC shard
// header included, still fit in one link frame.
func (c *Config) MTULimit() int {
	limit := wire.MaxPayload
	if c.Interface.Mode == "tap" {
		limit -= TAPHeaderLen
	}
	if c.FEC.Enabled() {
		limit -= fec.Overhead
	}
	if limit > MaxMTU {
		limit = MaxMTU
	}
	return limit
}

// Tunnel returns the tunnel named name.
func (c *Config) Tunnel(name string) (TunnelConfig, bool) {
	for _, t := range c.Tunnels {
		if t.Name == name {
			return t, true
		}
	}
	return TunnelConfig{}, false
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes and validates a configuration snapshot.
func Parse(r io.Reader) (*Config, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q invalid", c.LogLevel)
	}
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Timeout < MinTimeout {
		return fmt.Errorf("timeout must be at least %d seconds", MinTimeout)
	}
	if c.Keepalive <= 0 {
		c.Keepalive = defaultKeepalive(c.Timeout)
	}

	c.Interface.Mode = strings.ToLower(strings.TrimSpace(c.Interface.Mode))
	if c.Interface.Mode == "" {
		c.Interface.Mode = "tun"
	}
	if c.Interface.Mode != "tun" && c.Interface.Mode != "tap" {
		return fmt.Errorf("interface.mode must be tun or tap")
	}
	if c.Interface.Name == "" {
		c.Interface.Name = DefaultInterface
	}
	if c.Interface.MTU == 0 {
		c.Interface.MTU = DefaultMTU
	}
	if c.Interface.MTU < 576 || c.Interface.MTU > MaxMTU {
		return fmt.Errorf("interface.mtu %d out of range 576-%d", c.Interface.MTU, MaxMTU)
	}

	if c.FEC.ParityShards < 0 || c.FEC.DataShards < 0 {
		return fmt.Errorf("fec shard counts must not be negative")
	}
	if c.FEC.Enabled() {
		if c.FEC.DataShards == 0 {
			c.FEC.DataShards = 10
		}
		if c.FEC.DataShards+c.FEC.ParityShards > 255 {
			return fmt.Errorf("fec data_shards+parity_shards must be <= 255")
		}
	}
	if limit := c.MTULimit(); c.Interface.MTU > limit {
		return fmt.Errorf("interface.mtu %d too large for %s mode (fec=%t), max %d",
			c.Interface.MTU, c.Interface.Mode, c.FEC.Enabled(), limit)
	}

	if len(c.Tunnels) == 0 {
		return fmt.Errorf("at least one tunnel required")
	}
	if len(c.Tunnels) > MaxTunnels {
		return fmt.Errorf("too many tunnels (%d > %d)", len(c.Tunnels), MaxTunnels)
	}
	seen := make(map[string]struct{}, len(c.Tunnels))
	var quicServer, quicClient bool
	for i := range c.Tunnels {
		t := &c.Tunnels[i]
		if err := c.normalizeTunnel(i, t); err != nil {
			return err
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("tunnels[%d]: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = struct{}{}
		if t.Encap == "quic" {
			if t.Server() {
				quicServer = true
			} else {
				quicClient = true
			}
		}
	}

	if quicServer && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file required for quic server tunnels")
	}
	if quicClient {
		if !c.TLS.InsecureSkipVerify && c.TLS.CAFile == "" {
			return fmt.Errorf("tls.ca_file required for quic client tunnels when tls.insecure_skip_verify=false")
		}
		if c.TLS.ServerName == "" {
			c.TLS.ServerName = "mlvpn-server"
		}
	}
	return nil
}

func (c *Config) normalizeTunnel(i int, t *TunnelConfig) error {
	if t.Name == "" {
		t.Name = fmt.Sprintf("tunnel%d", i+1)
	}
	t.Mode = strings.ToLower(strings.TrimSpace(t.Mode))
	if t.Mode == "" {
		t.Mode = "client"
	}
	if t.Mode != "client" && t.Mode != "server" {
		return fmt.Errorf("tunnels[%d] %s: mode must be client or server", i, t.Name)
	}
	t.Encap = strings.ToLower(strings.TrimSpace(t.Encap))
	if t.Encap == "" {
		t.Encap = "udp"
	}
	switch t.Encap {
	case "udp", "tcp", "quic":
	default:
		return fmt.Errorf("tunnels[%d] %s: encap must be udp, tcp or quic", i, t.Name)
	}
	if t.BindPort < 0 || t.BindPort > 65535 {
		return fmt.Errorf("tunnels[%d] %s: bind_port invalid", i, t.Name)
	}
	if t.Server() {
		if t.BindPort == 0 {
			return fmt.Errorf("tunnels[%d] %s: bind_port required for server", i, t.Name)
		}
	} else {
		if t.RemoteHost == "" {
			return fmt.Errorf("tunnels[%d] %s: remote_host required for client", i, t.Name)
		}
		if t.RemotePort <= 0 || t.RemotePort > 65535 {
			return fmt.Errorf("tunnels[%d] %s: remote_port invalid", i, t.Name)
		}
	}
	if t.Weight < 0 {
		return fmt.Errorf("tunnels[%d] %s: weight must not be negative", i, t.Name)
	}
	if t.Weight == 0 {
		t.Weight = 1
	}
	if t.Timeout <= 0 {
		t.Timeout = c.Timeout
	}
	if t.Timeout < MinTimeout {
		return fmt.Errorf("tunnels[%d] %s: timeout must be at least %d seconds", i, t.Name, MinTimeout)
	}
	if t.Keepalive <= 0 {
		t.Keepalive = defaultKeepalive(t.Timeout)
		if c.Keepalive < t.Keepalive {
			t.Keepalive = c.Keepalive
		}
	}
	if t.Keepalive >= t.Timeout {
		return fmt.Errorf("tunnels[%d] %s: keepalive must be shorter than timeout", i, t.Name)
	}
	return nil
}

func defaultKeepalive(timeout int) int {
	k := timeout / 3
	if k < 1 {
		k = 1
	}
	return k
}
