// Package wrr picks the tunnel that carries the next outgoing packet.
//
// Selection is smooth weighted round-robin: on every call each eligible
// tunnel earns credit equal to its weight, the tunnel holding the most credit
// wins and pays back the total eligible weight. Over any window every tunnel
// with a positive weight gets its proportional share, and low-weight tunnels
// are interleaved instead of being served in bursts.
package wrr

import (
	"errors"
	"time"

	"mlvpn/internal/tunnel"
)

// MinShare is the smallest weight an AuthOK tunnel is given by Recalc, so an
// idle link keeps receiving enough traffic to measure it.
const MinShare = 0.05

var ErrNoTunnel = errors.New("wrr: no tunnel available")

type Scheduler struct {
	reg *tunnel.Registry

	credit   []float64
	prevSent []uint64
	cursor   int
	lastCalc time.Time
}

func New(reg *tunnel.Registry) *Scheduler {
	s := &Scheduler{reg: reg}
	s.Init()
	return s
}

// Init assigns every tunnel its configured weight share and resets the
// cursor and all credits.
func (s *Scheduler) Init() {
	n := s.reg.Len()
	s.credit = make([]float64, n)
	s.prevSent = make([]uint64, n)
	s.cursor = 0
	s.lastCalc = time.Time{}
	s.reg.Each(func(t *tunnel.Tunnel) {
		t.Weight = s.hintShare(t)
		s.prevSent[t.Index] = t.BytesSent
	})
}

// grow makes room for tunnels added to the registry after Init. Weights go
// back to the configured shares until the next Recalc.
func (s *Scheduler) grow() {
	if len(s.credit) == s.reg.Len() {
		return
	}
	for len(s.credit) < s.reg.Len() {
		t := s.reg.At(len(s.credit))
		s.credit = append(s.credit, 0)
		s.prevSent = append(s.prevSent, t.BytesSent)
	}
	s.reg.Each(func(t *tunnel.Tunnel) { t.Weight = s.hintShare(t) })
}

func eligible(t *tunnel.Tunnel) bool {
	return t.Status == tunnel.AuthOK && !t.Disabled
}

func (s *Scheduler) hintShare(t *tunnel.Tunnel) float64 {
	total := 0
	s.reg.Each(func(t *tunnel.Tunnel) {
		if !t.Disabled {
			total += hint(t)
		}
	})
	if total == 0 {
		return 0
	}
	return float64(hint(t)) / float64(total)
}

func hint(t *tunnel.Tunnel) int {
	if t.WeightHint < 1 {
		return 1
	}
	return t.WeightHint
}

// Choose returns the next AuthOK tunnel, or ErrNoTunnel when there is none.
func (s *Scheduler) Choose() (*tunnel.Tunnel, error) {
	s.grow()
	n := s.reg.Len()
	if n == 0 {
		return nil, ErrNoTunnel
	}
	best := -1
	total := 0.0
	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		t := s.reg.At(idx)
		if !eligible(t) {
			continue
		}
		w := t.Weight
		if w <= 0 {
			// Came up since the last Recalc.
			w = s.hintShare(t)
			t.Weight = w
		}
		s.credit[idx] += w
		total += w
		if best < 0 || s.credit[idx] > s.credit[best] {
			best = idx
		}
	}
	if best < 0 {
		return nil, ErrNoTunnel
	}
	s.credit[best] -= total
	s.cursor = (best + 1) % n
	return s.reg.At(best), nil
}

// Recalc derives new weights from the bytes each tunnel sent since the
// previous call. AuthOK tunnels share 1.0 in proportion to their send rate,
// with MinShare as a floor. Traffic follows the current weights, so the
// configured ratio carries over until a link falls behind it. When nothing
// was sent the configured hints are used. Other tunnels get weight 0 and lose
// their accumulated credit.
func (s *Scheduler) Recalc(now time.Time) {
	s.grow()
	n := s.reg.Len()
	elapsed := now.Sub(s.lastCalc).Seconds()
	first := s.lastCalc.IsZero() || elapsed <= 0
	s.lastCalc = now

	rates := make([]float64, n)
	sum := 0.0
	for i := 0; i < n; i++ {
		t := s.reg.At(i)
		delta := t.BytesSent - s.prevSent[i]
		s.prevSent[i] = t.BytesSent
		if !eligible(t) || first {
			continue
		}
		rates[i] = float64(delta) / elapsed
		sum += rates[i]
	}

	for i := 0; i < n; i++ {
		t := s.reg.At(i)
		if !eligible(t) {
			t.Weight = 0
			s.credit[i] = 0
			continue
		}
		if sum == 0 {
			t.Weight = s.hintShare(t)
			continue
		}
		w := rates[i] / sum
		if w < MinShare {
			w = MinShare
		}
		t.Weight = w
	}
}

// Forget clears the credit of the tunnel at index i, used when it goes down
// between two Recalc runs.
func (s *Scheduler) Forget(i int) {
	s.grow()
	if i >= 0 && i < len(s.credit) {
		s.credit[i] = 0
	}
}
