package tunnel

import (
	"errors"
	"net"
	"os"
)

// Enqueue stores an encoded frame on the normal or the high-priority queue.
// A full queue rejects the frame and counts it as lost.
func (t *Tunnel) Enqueue(frame []byte, highPriority bool) error {
	q := t.queue
	if highPriority {
		q = t.hpQueue
	}
	if err := q.Push(frame); err != nil {
		t.Loss++
		return ErrQueueFull
	}
	return nil
}

// Dequeue returns the next frame to send. The high-priority queue is always
// drained first.
func (t *Tunnel) Dequeue() ([]byte, bool) {
	if b, ok := t.hpQueue.Pop(); ok {
		return b, true
	}
	return t.queue.Pop()
}

// Queued returns the number of frames waiting on both queues.
func (t *Tunnel) Queued() int {
	return t.queue.Len() + t.hpQueue.Len()
}

// HighPriorityQueued returns the number of frames on the high-priority queue.
func (t *Tunnel) HighPriorityQueued() int {
	return t.hpQueue.Len()
}

// Pending reports whether a partially written frame is waiting.
func (t *Tunnel) Pending() bool { return len(t.pending) > 0 }

// Flush writes queued frames to the link until the queues are empty or the
// link would block. Whatever a stream link did not accept is kept and written
// first on the next flush, so frames are never interleaved. A non-nil error
// means the link is broken and the tunnel must go down.
func (t *Tunnel) Flush() (int, error) {
	if t.Link == nil {
		return 0, nil
	}
	sent := 0
	for {
		frame := t.pending
		if frame == nil {
			var ok bool
			frame, ok = t.Dequeue()
			if !ok {
				return sent, nil
			}
		}
		n, err := t.Link.Write(frame)
		if err != nil && n < len(frame) {
			if !wouldBlock(err) {
				return sent, err
			}
			if t.Link.Stream() {
				t.pending = frame[n:]
				t.BytesSent += uint64(n)
			} else {
				t.pending = frame
			}
			return sent, nil
		}
		t.pending = nil
		t.PacketsSent++
		t.BytesSent += uint64(len(frame))
		sent++
	}
}

func wouldBlock(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
