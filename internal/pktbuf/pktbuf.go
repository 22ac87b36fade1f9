// Package pktbuf implements the fixed-capacity packet queue used for tunnel
// send buffers.
//
// A Buffer is a ring of pre-allocated slots. Each slot holds one
// length-prefixed payload of at most SlotSize bytes. Pushing onto a full
// buffer fails immediately; the buffer never grows and never blocks.
package pktbuf

import (
	"encoding/binary"
	"errors"
)

const (
	// Capacity is the number of slots in a default buffer.
	Capacity = 128
	// SlotSize is the largest payload a slot can hold (MTU plus encapsulation).
	SlotSize = 1520

	lenPrefix = 2
)

var (
	ErrFull     = errors.New("pktbuf: buffer full")
	ErrTooLarge = errors.New("pktbuf: payload exceeds slot size")
)

type Buffer struct {
	slots [][]byte
	head  int
	count int
}

func New() *Buffer {
	return NewWithCapacity(Capacity)
}

// NewWithCapacity allocates a buffer with n slots. n < 1 is treated as 1.
func NewWithCapacity(n int) *Buffer {
	if n < 1 {
		n = 1
	}
	b := &Buffer{slots: make([][]byte, n)}
	for i := range b.slots {
		b.slots[i] = make([]byte, lenPrefix+SlotSize)
	}
	return b
}

// Push copies p into the next free slot.
func (b *Buffer) Push(p []byte) error {
	if len(p) > SlotSize {
		return ErrTooLarge
	}
	if b.count == len(b.slots) {
		return ErrFull
	}
	slot := b.slots[(b.head+b.count)%len(b.slots)]
	binary.BigEndian.PutUint16(slot[:lenPrefix], uint16(len(p)))
	copy(slot[lenPrefix:], p)
	b.count++
	return nil
}

// Pop removes the oldest payload and returns a copy of it.
func (b *Buffer) Pop() ([]byte, bool) {
	p, ok := b.Peek()
	if !ok {
		return nil, false
	}
	b.head = (b.head + 1) % len(b.slots)
	b.count--
	return p, true
}

// Peek returns a copy of the oldest payload without removing it.
func (b *Buffer) Peek() ([]byte, bool) {
	if b.count == 0 {
		return nil, false
	}
	slot := b.slots[b.head]
	n := binary.BigEndian.Uint16(slot[:lenPrefix])
	out := make([]byte, n)
	copy(out, slot[lenPrefix:lenPrefix+int(n)])
	return out, true
}

func (b *Buffer) Len() int { return b.count }

func (b *Buffer) Cap() int { return len(b.slots) }

func (b *Buffer) Full() bool { return b.count == len(b.slots) }

// Reset drops every queued payload and reports how many were dropped.
func (b *Buffer) Reset() int {
	n := b.count
	b.head = 0
	b.count = 0
	return n
}
