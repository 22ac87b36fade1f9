package tuntap

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mlvpn/internal/frame"
)

type pipeOpener struct {
	r, w    *os.File
	gotMode string
	gotName string
	gotMTU  int
	fail    bool
}

func (p *pipeOpener) OpenTun(mode, name string, mtu int) (*os.File, string, error) {
	p.gotMode, p.gotName, p.gotMTU = mode, name, mtu
	if p.fail {
		return nil, "", errors.New("permission denied")
	}
	return p.w, name + "0", nil
}

func TestOpen(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	o := &pipeOpener{r: r, w: w}

	dev, err := Open(o, frame.ModeTAP, "mlvpn", 1400)
	require.NoError(t, err)
	defer dev.Close()

	assert.Equal(t, "tap", o.gotMode)
	assert.Equal(t, "mlvpn", o.gotName)
	assert.Equal(t, 1400, o.gotMTU)
	assert.Equal(t, "mlvpn0", dev.Name())
	assert.Equal(t, frame.ModeTAP, dev.Mode())
	assert.Equal(t, 1422, dev.BufferSize())

	n, err := dev.Write([]byte("packet"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	buf := make([]byte, 16)
	n, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "packet", string(buf[:n]))
}

func TestOpenFailure(t *testing.T) {
	_, err := Open(&pipeOpener{fail: true}, frame.ModeTUN, "mlvpn", 1400)
	assert.ErrorContains(t, err, "permission denied")
}
