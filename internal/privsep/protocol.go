// Package privsep splits the daemon into a privileged monitor and an
// unprivileged worker.
//
// The two talk over a SOCK_SEQPACKET socket pair, one message per request
// and one per reply. A request is
//
//	[op u8][argc u8]{[len u16][arg]}
//
// and a reply is
//
//	[status u8][code u16][len u16][message]{[len u16][value]}
//
// Replies that hand over a descriptor carry it as SCM_RIGHTS ancillary data.
// All integers are big endian.
package privsep

import (
	"encoding/binary"
	"errors"
	"fmt"
)

type Op uint8

const (
	OpOpenConfig Op = iota + 1
	OpOpenTun
	OpOpenLog
	OpGetAddrInfo
	OpSetRunningState
	OpInitScript
	OpRunScript
)

func (o Op) String() string {
	switch o {
	case OpOpenConfig:
		return "open_config"
	case OpOpenTun:
		return "open_tun"
	case OpOpenLog:
		return "open_log"
	case OpGetAddrInfo:
		return "getaddrinfo"
	case OpSetRunningState:
		return "set_running_state"
	case OpInitScript:
		return "init_script"
	case OpRunScript:
		return "run_script"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// argc returns the number of arguments op takes, or -1 for a variable count.
func (o Op) argc() (int, bool) {
	switch o {
	case OpOpenConfig, OpOpenLog, OpInitScript:
		return 1, true
	case OpOpenTun:
		return 3, true
	case OpGetAddrInfo:
		return 2, true
	case OpSetRunningState:
		return 0, true
	case OpRunScript:
		return -1, true
	default:
		return 0, false
	}
}

// MaxMessage is the largest request or reply accepted on the channel.
const MaxMessage = 8192

// Reply codes.
const (
	CodeOK uint16 = iota
	CodeNotPermitted
	CodeUnknownOp
	CodeFailed
)

var (
	ErrMalformed    = errors.New("privsep: malformed message")
	ErrNotPermitted = errors.New("privsep: operation not permitted")
	ErrUnknownOp    = errors.New("privsep: unknown operation")
	ErrFailed       = errors.New("privsep: operation failed")
	ErrNoDescriptor = errors.New("privsep: reply carries no descriptor")
)

type Request struct {
	Op   Op
	Args [][]byte
}

func newRequest(op Op, args ...string) Request {
	r := Request{Op: op, Args: make([][]byte, len(args))}
	for i, a := range args {
		r.Args[i] = []byte(a)
	}
	return r
}

func (r Request) MarshalBinary() ([]byte, error) {
	if len(r.Args) > 0xFF {
		return nil, fmt.Errorf("privsep: too many arguments (%d)", len(r.Args))
	}
	b := []byte{byte(r.Op), byte(len(r.Args))}
	var err error
	for _, a := range r.Args {
		if b, err = appendField(b, a); err != nil {
			return nil, err
		}
	}
	if len(b) > MaxMessage {
		return nil, fmt.Errorf("privsep: request too large (%d)", len(b))
	}
	return b, nil
}

// ParseRequest decodes a request. Any framing problem, and a known op called
// with the wrong number of arguments, is ErrMalformed.
func ParseRequest(b []byte) (Request, error) {
	if len(b) < 2 {
		return Request{}, ErrMalformed
	}
	r := Request{Op: Op(b[0])}
	argc := int(b[1])
	fields, err := parseFields(b[2:], argc)
	if err != nil {
		return Request{}, err
	}
	r.Args = fields
	if want, known := r.Op.argc(); known && want >= 0 && want != argc {
		return Request{}, ErrMalformed
	}
	return r, nil
}

type Reply struct {
	OK      bool
	Code    uint16
	Message string
	Values  [][]byte
}

func okReply(values ...string) Reply {
	r := Reply{OK: true, Values: make([][]byte, len(values))}
	for i, v := range values {
		r.Values[i] = []byte(v)
	}
	return r
}

func failReply(code uint16, format string, args ...any) Reply {
	return Reply{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (r Reply) MarshalBinary() ([]byte, error) {
	b := make([]byte, 3, 64)
	if r.OK {
		b[0] = 1
	}
	binary.BigEndian.PutUint16(b[1:3], r.Code)
	var err error
	if b, err = appendField(b, []byte(r.Message)); err != nil {
		return nil, err
	}
	for _, v := range r.Values {
		if b, err = appendField(b, v); err != nil {
			return nil, err
		}
	}
	if len(b) > MaxMessage {
		return nil, fmt.Errorf("privsep: reply too large (%d)", len(b))
	}
	return b, nil
}

func ParseReply(b []byte) (Reply, error) {
	if len(b) < 5 {
		return Reply{}, ErrMalformed
	}
	r := Reply{OK: b[0] == 1, Code: binary.BigEndian.Uint16(b[1:3])}
	fields, err := parseFields(b[3:], -1)
	if err != nil {
		return Reply{}, err
	}
	r.Message = string(fields[0])
	r.Values = fields[1:]
	return r, nil
}

// Err converts a failed reply into an error matching one of the package
// sentinels.
func (r Reply) Err(op Op) error {
	if r.OK {
		return nil
	}
	return &OpError{Op: op, Code: r.Code, Message: r.Message}
}

type OpError struct {
	Op      Op
	Code    uint16
	Message string
}

func (e *OpError) Error() string {
	return fmt.Sprintf("privsep %s: %s", e.Op, e.Message)
}

func (e *OpError) Is(target error) bool {
	switch e.Code {
	case CodeNotPermitted:
		return target == ErrNotPermitted
	case CodeUnknownOp:
		return target == ErrUnknownOp
	default:
		return target == ErrFailed
	}
}

func appendField(b, f []byte) ([]byte, error) {
	if len(f) > 0xFFFF {
		return nil, fmt.Errorf("privsep: field too large (%d)", len(f))
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(f)))
	return append(b, f...), nil
}

// parseFields reads length-prefixed fields until b is consumed. With n >= 0
// exactly n fields must be present.
func parseFields(b []byte, n int) ([][]byte, error) {
	var out [][]byte
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, ErrMalformed
		}
		l := int(binary.BigEndian.Uint16(b))
		if len(b) < 2+l {
			return nil, ErrMalformed
		}
		out = append(out, append([]byte(nil), b[2:2+l]...))
		b = b[2+l:]
	}
	if n >= 0 && len(out) != n {
		return nil, ErrMalformed
	}
	if n < 0 && len(out) == 0 {
		return nil, ErrMalformed
	}
	return out, nil
}
