package projection

import (
	"math"
	"time"
)

const (
	DefaultSmoothingTau = 150 * time.Millisecond

	// DefaultSnapDistance is the jump, in normalized screen units, beyond
	// which a marker is moved immediately instead of eased.
	DefaultSnapDistance = 2.0
)

type smoothed struct {
	x, y float64
	at   time.Time
	seen uint64
}

// Smoother eases each entity's screen position toward its latest projection
// with a first-order lag of time constant Tau. The step depends only on the
// elapsed time, so a repeat call at the same instant returns the same value.
// It is not safe for concurrent use.
type Smoother struct {
	Tau          time.Duration
	SnapDistance float64

	state map[uint32]*smoothed
	pass  uint64
}

func NewSmoother(tau time.Duration) *Smoother {
	if tau <= 0 {
		tau = DefaultSmoothingTau
	}
	return &Smoother{Tau: tau, SnapDistance: DefaultSnapDistance, state: make(map[uint32]*smoothed)}
}

// Begin starts a processing pass. Entities not smoothed before the next
// Prune are forgotten.
func (s *Smoother) Begin() { s.pass++ }

// Smooth returns the eased coordinates for id.
func (s *Smoother) Smooth(id uint32, x, y float64, at time.Time) (float64, float64) {
	st, ok := s.state[id]
	if !ok {
		s.state[id] = &smoothed{x: x, y: y, at: at, seen: s.pass}
		return x, y
	}
	st.seen = s.pass
	if math.Hypot(x-st.x, y-st.y) > s.SnapDistance {
		st.x, st.y, st.at = x, y, at
		return x, y
	}
	dt := at.Sub(st.at)
	if dt <= 0 {
		return st.x, st.y
	}
	alpha := 1 - math.Exp(-dt.Seconds()/s.Tau.Seconds())
	st.x += alpha * (x - st.x)
	st.y += alpha * (y - st.y)
	st.at = at
	return st.x, st.y
}

// Prune forgets entities that were not smoothed during the current pass.
func (s *Smoother) Prune() {
	for id, st := range s.state {
		if st.seen != s.pass {
			delete(s.state, id)
		}
	}
}

func (s *Smoother) Len() int { return len(s.state) }
