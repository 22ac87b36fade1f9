package fec

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/klauspost/reedsolomon"
)

type rxGroup struct {
	shards    [][]byte // nil = not received
	delivered []bool
	count     int // data shards in the group, 0 until a parity shard says
	maxLen    int
	created   time.Time
	done      bool
}

// Decoder delivers data shards and rebuilds lost ones. It is not safe for
// concurrent use.
type Decoder struct {
	k, m   int
	enc    reedsolomon.Encoder
	groups map[uint32]*rxGroup

	Recovered uint64
	Failed    uint64
}

func NewDecoder(k, m int) (*Decoder, error) {
	enc, err := newCodec(k, m)
	if err != nil {
		return nil, err
	}
	return &Decoder{k: k, m: m, enc: enc, groups: make(map[uint32]*rxGroup)}, nil
}

func (d *Decoder) group(seq uint32, now time.Time) *rxGroup {
	g := d.groups[seq]
	if g == nil {
		g = &rxGroup{
			shards:    make([][]byte, d.k+d.m),
			delivered: make([]bool, d.k),
			created:   now,
		}
		d.groups[seq] = g
	}
	return g
}

// Data handles a data shard payload and returns the packets to deliver: the
// shard's own packet, unless it was already rebuilt, plus any packets its
// arrival made recoverable.
func (d *Decoder) Data(now time.Time, payload []byte) ([][]byte, error) {
	h, shard, err := parseHeader(payload)
	if err != nil {
		return nil, err
	}
	if int(h.idx) >= d.k {
		return nil, ErrBadShard
	}
	pkt, err := unwrap(shard)
	if err != nil {
		return nil, err
	}
	g := d.group(h.seq, now)
	var out [][]byte
	if !g.delivered[h.idx] {
		g.delivered[h.idx] = true
		out = append(out, pkt)
	}
	if g.shards[h.idx] == nil {
		g.shards[h.idx] = append([]byte(nil), shard...)
	}
	return append(out, d.tryRecover(h.seq, g)...), nil
}

// Parity handles a parity shard payload and returns any packets it allowed to
// rebuild.
func (d *Decoder) Parity(now time.Time, payload []byte) ([][]byte, error) {
	h, shard, err := parseHeader(payload)
	if err != nil {
		return nil, err
	}
	if int(h.idx) < d.k || int(h.idx) >= d.k+d.m || h.count == 0 || int(h.count) > d.k {
		return nil, ErrBadShard
	}
	g := d.group(h.seq, now)
	g.count = int(h.count)
	g.maxLen = len(shard)
	if g.shards[h.idx] == nil {
		g.shards[h.idx] = append([]byte(nil), shard...)
	}
	return d.tryRecover(h.seq, g), nil
}

func (d *Decoder) tryRecover(seq uint32, g *rxGroup) [][]byte {
	if g.done || g.count == 0 {
		return nil
	}
	missing := 0
	have := d.k - g.count // absent tail of a partial group is known to be empty
	for i, s := range g.shards {
		if i < g.count && s == nil {
			missing++
		}
		if s != nil && (i < g.count || i >= d.k) {
			have++
		}
	}
	if missing == 0 {
		g.done = true
		return nil
	}
	if have < d.k {
		return nil
	}
	g.done = true

	shards := make([][]byte, d.k+d.m)
	for i, s := range g.shards {
		switch {
		case i >= g.count && i < d.k:
			shards[i] = make([]byte, g.maxLen)
		case s == nil:
		case len(s) > g.maxLen:
			d.Failed++
			return nil
		default:
			shards[i] = make([]byte, g.maxLen)
			copy(shards[i], s)
		}
	}
	if err := d.enc.ReconstructData(shards); err != nil {
		d.Failed++
		return nil
	}

	var out [][]byte
	for i := 0; i < g.count; i++ {
		if g.shards[i] != nil || g.delivered[i] {
			continue
		}
		pkt, err := unwrap(shards[i])
		if err != nil {
			d.Failed++
			continue
		}
		g.delivered[i] = true
		out = append(out, pkt)
		d.Recovered++
	}
	return out
}

// GC forgets groups older than GroupTTL and returns how many were dropped.
func (d *Decoder) GC(now time.Time) int {
	n := 0
	for seq, g := range d.groups {
		if now.Sub(g.created) > GroupTTL {
			delete(d.groups, seq)
			n++
		}
	}
	return n
}

// Groups returns the number of groups currently tracked.
func (d *Decoder) Groups() int { return len(d.groups) }

func unwrap(shard []byte) ([]byte, error) {
	if len(shard) < lenPrefix {
		return nil, ErrShort
	}
	n := int(binary.BigEndian.Uint16(shard))
	if lenPrefix+n > len(shard) {
		return nil, fmt.Errorf("fec: shard length %d exceeds %d", n, len(shard)-lenPrefix)
	}
	return append([]byte(nil), shard[lenPrefix:lenPrefix+n]...), nil
}
