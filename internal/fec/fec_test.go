package fec

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func packets(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		// Different lengths so padding is exercised.
		out[i] = bytes.Repeat([]byte{byte('a' + i)}, 40+i*17)
	}
	return out
}

type encoded struct {
	data   [][]byte
	parity [][]byte
}

func encodeAll(t *testing.T, enc *Encoder, pkts [][]byte) encoded {
	var e encoded
	for _, p := range pkts {
		d, par, err := enc.Add(p)
		require.NoError(t, err)
		e.data = append(e.data, d)
		e.parity = append(e.parity, par...)
	}
	return e
}

func deliver(t *testing.T, dec *Decoder, e encoded, drop map[int]bool) [][]byte {
	var got [][]byte
	for i, d := range e.data {
		if drop[i] {
			continue
		}
		out, err := dec.Data(t0, d)
		require.NoError(t, err)
		got = append(got, out...)
	}
	for _, p := range e.parity {
		out, err := dec.Parity(t0, p)
		require.NoError(t, err)
		got = append(got, out...)
	}
	return got
}

func TestNoLoss(t *testing.T) {
	enc, err := NewEncoder(4, 2)
	require.NoError(t, err)
	dec, err := NewDecoder(4, 2)
	require.NoError(t, err)

	pkts := packets(4)
	e := encodeAll(t, enc, pkts)
	require.Len(t, e.parity, 2)
	assert.Equal(t, 0, enc.Pending())

	got := deliver(t, dec, e, nil)
	assert.Equal(t, pkts, got)
	assert.Zero(t, dec.Recovered)
}

func TestRecoverLostData(t *testing.T) {
	tests := []struct {
		drop      map[int]bool
		recovered int
	}{
		{map[int]bool{1: true}, 1},
		{map[int]bool{0: true, 3: true}, 2},
		{map[int]bool{0: true, 1: true, 2: true}, 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.drop), func(t *testing.T) {
			enc, err := NewEncoder(4, 2)
			require.NoError(t, err)
			dec, err := NewDecoder(4, 2)
			require.NoError(t, err)

			pkts := packets(4)
			got := deliver(t, dec, encodeAll(t, enc, pkts), tt.drop)
			assert.Len(t, got, 4-len(tt.drop)+tt.recovered)
			assert.Equal(t, uint64(tt.recovered), dec.Recovered)
			if tt.recovered == len(tt.drop) {
				assert.ElementsMatch(t, pkts, got)
			}
		})
	}
}

func TestPartialGroupFlush(t *testing.T) {
	enc, err := NewEncoder(8, 2)
	require.NoError(t, err)
	dec, err := NewDecoder(8, 2)
	require.NoError(t, err)

	pkts := packets(3)
	e := encodeAll(t, enc, pkts)
	assert.Empty(t, e.parity)
	assert.Equal(t, 3, enc.Pending())

	parity, err := enc.Flush()
	require.NoError(t, err)
	require.Len(t, parity, 2)
	e.parity = parity

	got := deliver(t, dec, e, map[int]bool{2: true})
	assert.ElementsMatch(t, pkts, got)
	assert.Equal(t, uint64(1), dec.Recovered)

	none, err := enc.Flush()
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestNeverDeliversTwice(t *testing.T) {
	enc, err := NewEncoder(3, 1)
	require.NoError(t, err)
	dec, err := NewDecoder(3, 1)
	require.NoError(t, err)

	pkts := packets(3)
	e := encodeAll(t, enc, pkts)

	got := deliver(t, dec, e, map[int]bool{0: true})
	assert.ElementsMatch(t, pkts, got)

	// The lost shard shows up late, and a duplicate of another arrives.
	late, err := dec.Data(t0, e.data[0])
	require.NoError(t, err)
	assert.Empty(t, late)
	dup, err := dec.Data(t0, e.data[1])
	require.NoError(t, err)
	assert.Empty(t, dup)
}

func TestParityBeforeData(t *testing.T) {
	enc, err := NewEncoder(2, 1)
	require.NoError(t, err)
	dec, err := NewDecoder(2, 1)
	require.NoError(t, err)

	pkts := packets(2)
	e := encodeAll(t, enc, pkts)

	out, err := dec.Parity(t0, e.parity[0])
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = dec.Data(t0, e.data[1])
	require.NoError(t, err)
	assert.Equal(t, [][]byte{pkts[1], pkts[0]}, out)
}

func TestGroupsAreIndependent(t *testing.T) {
	enc, err := NewEncoder(2, 1)
	require.NoError(t, err)
	dec, err := NewDecoder(2, 1)
	require.NoError(t, err)

	pkts := packets(4)
	e := encodeAll(t, enc, pkts)
	require.Len(t, e.parity, 2)

	got := deliver(t, dec, e, map[int]bool{0: true, 3: true})
	assert.ElementsMatch(t, pkts, got)
	assert.Equal(t, 2, dec.Groups())
}

func TestGC(t *testing.T) {
	enc, err := NewEncoder(4, 1)
	require.NoError(t, err)
	dec, err := NewDecoder(4, 1)
	require.NoError(t, err)

	d, _, err := enc.Add([]byte("x"))
	require.NoError(t, err)
	_, err = dec.Data(t0, d)
	require.NoError(t, err)

	assert.Equal(t, 0, dec.GC(t0.Add(GroupTTL)))
	assert.Equal(t, 1, dec.GC(t0.Add(GroupTTL+time.Millisecond)))
	assert.Equal(t, 0, dec.Groups())
}

func TestMalformedShards(t *testing.T) {
	dec, err := NewDecoder(4, 2)
	require.NoError(t, err)

	_, err = dec.Data(t0, []byte{0, 0})
	assert.ErrorIs(t, err, ErrShort)

	_, err = dec.Data(t0, []byte{0, 0, 0, 1, 9, 4, 0, 1, 'x'})
	assert.ErrorIs(t, err, ErrBadShard)

	_, err = dec.Parity(t0, []byte{0, 0, 0, 1, 1, 4, 0, 0})
	assert.ErrorIs(t, err, ErrBadShard, "parity index inside the data range")

	_, err = dec.Data(t0, []byte{0, 0, 0, 1, 0, 4, 0, 9, 'x'})
	assert.Error(t, err, "length prefix beyond shard")

	_, err = NewEncoder(0, 1)
	assert.Error(t, err)
	_, err = NewDecoder(200, 100)
	assert.Error(t, err)
}
