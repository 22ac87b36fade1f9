package cli

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mlvpn/internal/control"
	"mlvpn/internal/engine"
	"mlvpn/internal/logger"
	"mlvpn/internal/tunnel"
)

type stubEngine struct{ resets []string }

func (s *stubEngine) Snapshot(context.Context) (engine.Snapshot, error) {
	return engine.Snapshot{
		Name:   "bond",
		Device: "mlvpn0",
		Mode:   "tun",
		Uptime: 75,
		Tunnels: []tunnel.Info{
			{Name: "adsl", Mode: "client", Encap: "udp", Status: "auth_ok", Remote: "192.0.2.1:5080", Weight: 0.75, BytesSent: 3 << 20},
			{Name: "cable", Mode: "client", Encap: "tcp", Status: "disconnected", Disabled: true},
		},
	}, nil
}

func (s *stubEngine) Reset(_ context.Context, name string) error {
	if name != "adsl" {
		return fmt.Errorf("%w: %s", engine.ErrUnknownTunnel, name)
	}
	s.resets = append(s.resets, name)
	return nil
}

func serveControl(t *testing.T, eng control.Engine) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ctl.sock")
	ln, err := control.Listen(path)
	require.NoError(t, err)
	s := control.New(eng, logger.Nop())
	go s.Serve(ln)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommands(t *testing.T) {
	root := NewRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = c.Hidden
	}
	assert.Contains(t, names, "run")
	assert.Contains(t, names, "status")
	assert.Contains(t, names, "reset")
	assert.True(t, names["worker"], "worker must be hidden")

	for _, flag := range []string{"config", "user", "pidfile", "name", "verbose", "debug"} {
		assert.NotNil(t, root.Flags().Lookup(flag), flag)
	}
	v := root.Flags().ShorthandLookup("v")
	require.NotNil(t, v)
	assert.Equal(t, "verbose", v.Name)
}

func TestStatusCommand(t *testing.T) {
	path := serveControl(t, &stubEngine{})
	out, err := execute(t, "status", "--control", path)
	require.NoError(t, err)
	assert.Contains(t, out, "bond on mlvpn0 (tun), up 1m15s")
	assert.Contains(t, out, "adsl")
	assert.Contains(t, out, "192.0.2.1:5080")
	assert.Contains(t, out, "3.0 MiB")
	assert.Contains(t, out, "disconnected (disabled)")
}

func TestResetCommand(t *testing.T) {
	eng := &stubEngine{}
	path := serveControl(t, eng)

	out, err := execute(t, "reset", "adsl", "--control", path)
	require.NoError(t, err)
	assert.Contains(t, out, "tunnel adsl reset")
	assert.Equal(t, []string{"adsl"}, eng.resets)

	_, err = execute(t, "reset", "lte", "--control", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tunnel")
}

func TestStatusUnreachable(t *testing.T) {
	_, err := execute(t, "status", "--control", filepath.Join(t.TempDir(), "missing.sock"))
	assert.Error(t, err)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "2.0 GiB", formatBytes(2<<30))
}
