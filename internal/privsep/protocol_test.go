package privsep

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestEncoding(t *testing.T) {
	b, err := newRequest(OpGetAddrInfo, "host", "80").MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 2, 0, 4, 'h', 'o', 's', 't', 0, 2, '8', '0'}, b)

	req, err := ParseRequest(b)
	require.NoError(t, err)
	assert.Equal(t, OpGetAddrInfo, req.Op)
	assert.Equal(t, [][]byte{[]byte("host"), []byte("80")}, req.Args)
}

func TestParseRequestMalformed(t *testing.T) {
	tests := map[string][]byte{
		"empty":            {},
		"no argc":          {1},
		"argc mismatch":    {byte(OpOpenConfig), 2, 0, 1, 'a'},
		"short length":     {byte(OpOpenConfig), 1, 0},
		"field overflow":   {byte(OpOpenConfig), 1, 0, 5, 'a'},
		"wrong arity":      {byte(OpSetRunningState), 1, 0, 1, 'a'},
		"trailing garbage": {byte(OpSetRunningState), 0, 7},
	}
	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRequest(b)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}

	// Unknown ops are well formed; the monitor answers them with a failure.
	req, err := ParseRequest([]byte{200, 0})
	require.NoError(t, err)
	assert.Equal(t, Op(200), req.Op)
}

func TestReplyEncoding(t *testing.T) {
	b, err := failReply(CodeNotPermitted, "nope").MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 1, 0, 4, 'n', 'o', 'p', 'e'}, b)

	r, err := ParseReply(b)
	require.NoError(t, err)
	assert.False(t, r.OK)
	assert.ErrorIs(t, r.Err(OpOpenTun), ErrNotPermitted)
	assert.EqualError(t, r.Err(OpOpenTun), "privsep open_tun: nope")

	b, err = okReply("mlvpn0").MarshalBinary()
	require.NoError(t, err)
	r, err = ParseReply(b)
	require.NoError(t, err)
	assert.True(t, r.OK)
	assert.NoError(t, r.Err(OpOpenTun))
	assert.Equal(t, [][]byte{[]byte("mlvpn0")}, r.Values)

	_, err = ParseReply([]byte{1, 0, 0})
	assert.ErrorIs(t, err, ErrMalformed)
}
