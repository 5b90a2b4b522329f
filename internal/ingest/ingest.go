// Package ingest is the landing zone for host sensor callbacks. Every method
// is an O(1) in-place update so platform threads never wait on the fusion
// loop; the engine drains the store once per tick.
package ingest

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"meshar/internal/geo"
)

const (
	// MaxGyroGap is the largest accepted gap between two gyro samples.
	MaxGyroGap = 100 * time.Millisecond

	radToDeg = 180.0 / math.Pi
)

// Sample is one tri-axial reading.
//
// Accelerometer in m/s², magnetometer in µT, gyroscope in rad/s.
type Sample struct {
	Vec r3.Vec
	At  time.Time
}

func (s Sample) Valid() bool { return !s.At.IsZero() }

// Fix is a GPS fix as reported by the host location service.
type Fix struct {
	LatDeg    float64
	LonDeg    float64
	AltM      float64
	HorizAccM float64
	At        time.Time
}

// Drained is what a tick consumes from the store.
type Drained struct {
	Accel Sample
	Mag   Sample

	// GyroDeltaDeg is the integrated rotation since the previous drain,
	// X=roll, Y=pitch, Z=heading, in degrees.
	GyroDeltaDeg r3.Vec
	GyroSamples  int

	Fix    Fix
	HasFix bool
}

type Counters struct {
	Accel        uint64 `json:"accel"`
	Mag          uint64 `json:"mag"`
	Gyro         uint64 `json:"gyro"`
	GyroRejected uint64 `json:"gyro_rejected"`
	Fixes        uint64 `json:"fixes"`
}

// Store keeps only the latest accel/mag samples, the pending gyro rotation
// and the newest unconsumed fix.
type Store struct {
	mu sync.Mutex

	accel Sample
	mag   Sample

	lastGyroAt time.Time
	gyroDelta  r3.Vec
	gyroN      int

	fix    Fix
	hasFix bool

	counters Counters
}

func NewStore() *Store { return &Store{} }

func (s *Store) OnAccel(v r3.Vec, at time.Time) {
	if !finite(v) {
		return
	}
	s.mu.Lock()
	s.accel = Sample{Vec: v, At: at}
	s.counters.Accel++
	s.mu.Unlock()
}

func (s *Store) OnMag(v r3.Vec, at time.Time) {
	if !finite(v) {
		return
	}
	s.mu.Lock()
	s.mag = Sample{Vec: v, At: at}
	s.counters.Mag++
	s.mu.Unlock()
}

// OnGyro integrates one angular-rate sample (rad/s). The sample is dropped
// when the gap to the previous gyro sample is outside (0, MaxGyroGap]; it
// still becomes the reference for the next sample so integration resumes
// cleanly after a stall.
func (s *Store) OnGyro(rate r3.Vec, at time.Time) {
	if !finite(rate) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Gyro++

	prev := s.lastGyroAt
	if prev.IsZero() || at.After(prev) {
		s.lastGyroAt = at
	}
	if prev.IsZero() {
		s.counters.GyroRejected++
		return
	}
	dt := at.Sub(prev)
	if dt <= 0 || dt > MaxGyroGap {
		s.counters.GyroRejected++
		return
	}
	s.gyroDelta = r3.Add(s.gyroDelta, r3.Scale(dt.Seconds()*radToDeg, rate))
	s.gyroN++
}

func (s *Store) OnFix(f Fix) {
	if math.IsNaN(f.LatDeg) || math.IsNaN(f.LonDeg) {
		return
	}
	s.mu.Lock()
	s.fix = f
	s.hasFix = true
	s.counters.Fixes++
	s.mu.Unlock()
}

// Drain returns the current state and resets the pending gyro rotation and
// the new-fix flag.
func (s *Store) Drain() Drained {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Drained{
		Accel:        s.accel,
		Mag:          s.mag,
		GyroDeltaDeg: s.gyroDelta,
		GyroSamples:  s.gyroN,
		Fix:          s.fix,
		HasFix:       s.hasFix,
	}
	s.gyroDelta = r3.Vec{}
	s.gyroN = 0
	s.hasFix = false
	return out
}

func (s *Store) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

func finite(v r3.Vec) bool {
	for _, c := range [3]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// Gate is the distance filter a host location service applies: a fix is
// passed on when it moved at least MinDistanceM from the last passed fix, or
// when MaxInterval has elapsed so a stationary user still gets fresh
// accuracy. It is not safe for concurrent use.
type Gate struct {
	MinDistanceM float64
	MaxInterval  time.Duration

	last Fix
	have bool
}

func (g *Gate) Allow(f Fix) bool {
	if !g.have {
		g.last, g.have = f, true
		return true
	}
	if !f.At.After(g.last.At) {
		return false
	}
	moved := geo.Haversine(
		geo.Point{LatDeg: g.last.LatDeg, LonDeg: g.last.LonDeg},
		geo.Point{LatDeg: f.LatDeg, LonDeg: f.LonDeg},
	)
	if moved >= g.MinDistanceM || (g.MaxInterval > 0 && f.At.Sub(g.last.At) >= g.MaxInterval) {
		g.last = f
		return true
	}
	return false
}
