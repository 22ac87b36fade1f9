package wire

import "errors"

// ReassemblyBufferSize is the capacity of a stream reassembly buffer.
const ReassemblyBufferSize = 4096

var ErrOverrun = errors.New("wire: reassembly buffer overrun")

// Reassembler rebuilds frames out of a byte stream. It is owned by a single
// tunnel and needs no locking.
type Reassembler struct {
	buf []byte
	len int
}

func NewReassembler() *Reassembler {
	return NewReassemblerSize(ReassemblyBufferSize)
}

// NewReassemblerSize returns a reassembler with a buffer of n bytes.
func NewReassemblerSize(n int) *Reassembler {
	return &Reassembler{buf: make([]byte, n)}
}

// Feed appends chunk to the buffer and returns every complete frame found.
// Returned payloads are copies; leftover bytes stay buffered for the next
// call. Any error means the stream is corrupt and the connection must be
// dropped.
func (r *Reassembler) Feed(chunk []byte) ([]Frame, error) {
	var frames []Frame
	for len(chunk) > 0 {
		n := copy(r.buf[r.len:], chunk)
		r.len += n
		chunk = chunk[n:]

		var err error
		frames, err = r.extract(frames)
		if err != nil {
			return frames, err
		}
		if len(chunk) > 0 && r.len == len(r.buf) {
			return frames, ErrOverrun
		}
	}
	return frames, nil
}

func (r *Reassembler) extract(frames []Frame) ([]Frame, error) {
	off := 0
	for r.len-off >= HeaderLen {
		typ, n, err := header(r.buf[off:r.len])
		if err != nil {
			return frames, err
		}
		if r.len-off < HeaderLen+n {
			break
		}
		payload := make([]byte, n)
		copy(payload, r.buf[off+HeaderLen:off+HeaderLen+n])
		frames = append(frames, Frame{Type: typ, Payload: payload})
		off += HeaderLen + n
	}
	if off > 0 {
		copy(r.buf, r.buf[off:r.len])
		r.len -= off
	}
	return frames, nil
}

// Buffered returns the number of bytes waiting for a frame boundary.
func (r *Reassembler) Buffered() int { return r.len }

func (r *Reassembler) Reset() { r.len = 0 }
