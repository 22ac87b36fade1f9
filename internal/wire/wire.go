// Package wire is the frame format spoken on every tunnel link.
//
// Wire protocol:
//
//	[magic 0xED][type u8][length u16 big endian][payload (length bytes)]
//
// Datagram links (UDP, QUIC) carry exactly one frame per datagram. Stream
// links (TCP) carry a sequence of frames and are re-framed by a Reassembler.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	Magic uint8 = 0xED

	HeaderLen = 4
	// MaxFrame is the largest encoded frame; it fits one packet buffer slot.
	MaxFrame = 1520
	// MaxPayload is the largest payload a single frame can carry.
	MaxPayload = MaxFrame - HeaderLen
)

// Type of a link frame.
type Type uint8

const (
	TypeData       Type = 0x01
	TypeAuth       Type = 0x02
	TypeAuthOK     Type = 0x03
	TypeKeepalive  Type = 0x04
	TypeDisconnect Type = 0x05
	TypeFECData    Type = 0x06
	TypeFECParity  Type = 0x07
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeAuth:
		return "auth"
	case TypeAuthOK:
		return "auth-ok"
	case TypeKeepalive:
		return "keepalive"
	case TypeDisconnect:
		return "disconnect"
	case TypeFECData:
		return "fec-data"
	case TypeFECParity:
		return "fec-parity"
	default:
		return fmt.Sprintf("type(0x%02x)", uint8(t))
	}
}

func (t Type) valid() bool {
	return t >= TypeData && t <= TypeFECParity
}

var (
	ErrShort    = errors.New("wire: short frame")
	ErrBadMagic = errors.New("wire: bad magic")
	ErrBadType  = errors.New("wire: unknown frame type")
	ErrTooLong  = errors.New("wire: payload too long")
)

// Frame is one decoded link frame. Payload aliases the decoded buffer.
type Frame struct {
	Type    Type
	Payload []byte
}

// Encode returns a newly allocated frame carrying payload.
func Encode(typ Type, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrTooLong
	}
	buf := make([]byte, HeaderLen+len(payload))
	putHeader(buf, typ, len(payload))
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

func putHeader(buf []byte, typ Type, n int) {
	buf[0] = Magic
	buf[1] = uint8(typ)
	binary.BigEndian.PutUint16(buf[2:4], uint16(n))
}

// header validates the 4-byte header at the start of b and returns the
// frame type and payload length.
func header(b []byte) (Type, int, error) {
	if len(b) < HeaderLen {
		return 0, 0, ErrShort
	}
	if b[0] != Magic {
		return 0, 0, ErrBadMagic
	}
	typ := Type(b[1])
	if !typ.valid() {
		return 0, 0, fmt.Errorf("%w: 0x%02x", ErrBadType, b[1])
	}
	n := int(binary.BigEndian.Uint16(b[2:4]))
	if n > MaxPayload {
		return 0, 0, ErrTooLong
	}
	return typ, n, nil
}

// Decode parses one complete frame from a datagram. Trailing bytes beyond
// the declared length are ignored.
func Decode(b []byte) (Frame, error) {
	typ, n, err := header(b)
	if err != nil {
		return Frame{}, err
	}
	if len(b) < HeaderLen+n {
		return Frame{}, ErrShort
	}
	return Frame{Type: typ, Payload: b[HeaderLen : HeaderLen+n]}, nil
}
