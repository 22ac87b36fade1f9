package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLevelAndFields(t *testing.T) {
	var buf bytes.Buffer
	log, level := New(Config{Level: "warn", Console: &buf})

	log.Named("engine").Infow("hidden", "tunnel", "adsl")
	log.Named("engine").Warnw("link lost", "tunnel", "adsl")
	require.NoError(t, log.Sync())

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN]")
	assert.Contains(t, out, "engine")
	assert.Contains(t, out, "link lost")
	assert.Contains(t, out, "tunnel")
	assert.Contains(t, out, "adsl")

	level.SetLevel(zapcore.DebugLevel)
	log.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestNewUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log, level := New(Config{Level: "chatty", Console: &buf})
	assert.Equal(t, zapcore.InfoLevel, level.Level())
	log.Debug("no")
	log.Info("yes")
	assert.NotContains(t, buf.String(), "no\n")
	assert.Contains(t, buf.String(), "yes")
}

func TestReopenableSwap(t *testing.T) {
	dir := t.TempDir()
	first, err := os.Create(filepath.Join(dir, "a.log"))
	require.NoError(t, err)
	second, err := os.Create(filepath.Join(dir, "b.log"))
	require.NoError(t, err)

	sink := NewReopenable(first)
	var console bytes.Buffer
	log, _ := New(Config{Level: "info", Console: &console, File: sink})

	log.Info("before rotation")
	require.NoError(t, sink.Swap(second))
	log.Info("after rotation")
	require.NoError(t, sink.Close())

	a, err := os.ReadFile(filepath.Join(dir, "a.log"))
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(dir, "b.log"))
	require.NoError(t, err)

	assert.Contains(t, string(a), "before rotation")
	assert.NotContains(t, string(a), "after rotation")
	assert.Contains(t, string(b), "after rotation")

	// Writes after Close are discarded instead of failing.
	n, err := sink.Write([]byte("late"))
	assert.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mlvpn.log")
	lj := NewRotatingFile(path)
	log, _ := New(Config{Level: "info", Console: &bytes.Buffer{}, File: lj})
	log.Info("rotating sink")
	require.NoError(t, lj.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "rotating sink")
}
