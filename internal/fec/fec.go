// Package fec adds Reed-Solomon parity across the bond.
//
// Outgoing packets are grouped K at a time. Each packet is sent immediately
// as a data shard; once the group is complete (or flushed early) M parity
// shards follow. The receiving side delivers data shards as they arrive and,
// when a data shard of a group is lost, rebuilds it as soon as any K shards of
// that group are present.
//
// Shard payload layout, carried inside FECData / FECParity frames:
//
//	[group seq u32][shard index u8][group data count u8][shard]
//
// A data shard is [packet length u16][packet]. Parity shards have the length
// of the longest data shard of their group; shorter data shards are
// zero-padded to that length before encoding and reconstruction.
package fec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/reedsolomon"
)

const (
	HeaderLen = 6
	// GroupTTL is how long an incomplete receive group is kept.
	GroupTTL = 2 * time.Second

	lenPrefix = 2
	// Overhead is what a data shard adds to the packet it carries.
	Overhead = HeaderLen + lenPrefix
)

var (
	ErrShort    = errors.New("fec: short shard")
	ErrBadShard = errors.New("fec: shard index out of range")
)

type header struct {
	seq   uint32
	idx   uint8
	count uint8
}

func putHeader(b []byte, h header) {
	binary.BigEndian.PutUint32(b[0:4], h.seq)
	b[4] = h.idx
	b[5] = h.count
}

func parseHeader(b []byte) (header, []byte, error) {
	if len(b) < HeaderLen {
		return header{}, nil, ErrShort
	}
	return header{
		seq:   binary.BigEndian.Uint32(b[0:4]),
		idx:   b[4],
		count: b[5],
	}, b[HeaderLen:], nil
}

func newCodec(k, m int) (reedsolomon.Encoder, error) {
	if k < 1 || m < 1 || k+m > 255 {
		return nil, fmt.Errorf("fec: invalid shard counts %d+%d", k, m)
	}
	enc, err := reedsolomon.New(k, m)
	if err != nil {
		return nil, fmt.Errorf("fec: encoder: %w", err)
	}
	return enc, nil
}

// Encoder builds data and parity shards for outgoing packets.
type Encoder struct {
	k, m  int
	enc   reedsolomon.Encoder
	seq   uint32
	group [][]byte
}

func NewEncoder(k, m int) (*Encoder, error) {
	enc, err := newCodec(k, m)
	if err != nil {
		return nil, err
	}
	return &Encoder{k: k, m: m, enc: enc, group: make([][]byte, 0, k)}, nil
}

// Add wraps pkt as the next data shard. When pkt completes its group the
// parity shards are returned as well.
func (e *Encoder) Add(pkt []byte) (data []byte, parity [][]byte, err error) {
	if len(pkt) > 0xFFFF {
		return nil, nil, fmt.Errorf("fec: packet too large (%d)", len(pkt))
	}
	shard := make([]byte, lenPrefix+len(pkt))
	binary.BigEndian.PutUint16(shard, uint16(len(pkt)))
	copy(shard[lenPrefix:], pkt)

	data = make([]byte, HeaderLen+len(shard))
	putHeader(data, header{seq: e.seq, idx: uint8(len(e.group)), count: uint8(e.k)})
	copy(data[HeaderLen:], shard)
	e.group = append(e.group, shard)

	if len(e.group) == e.k {
		parity, err = e.Flush()
	}
	return data, parity, err
}

// Flush closes the current group, returning its parity shards. Missing data
// shards of a partial group count as empty.
func (e *Encoder) Flush() ([][]byte, error) {
	n := len(e.group)
	if n == 0 {
		return nil, nil
	}
	defer func() {
		e.group = e.group[:0]
		e.seq++
	}()

	maxLen := 0
	for _, s := range e.group {
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}
	shards := make([][]byte, e.k+e.m)
	for i := range shards {
		shards[i] = make([]byte, maxLen)
		if i < n {
			copy(shards[i], e.group[i])
		}
	}
	if err := e.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("fec: encode group %d: %w", e.seq, err)
	}

	out := make([][]byte, e.m)
	for j := 0; j < e.m; j++ {
		p := make([]byte, HeaderLen+maxLen)
		putHeader(p, header{seq: e.seq, idx: uint8(e.k + j), count: uint8(n)})
		copy(p[HeaderLen:], shards[e.k+j])
		out[j] = p
	}
	return out, nil
}

// Pending returns the number of data shards in the open group.
func (e *Encoder) Pending() int { return len(e.group) }
