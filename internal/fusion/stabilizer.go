package fusion

import (
	"math"

	"meshar/internal/geo"
)

const (
	DefaultDeadbandDeg  = 0.5
	DefaultConfirmTicks = 2
)

// Stabilizer is a heading dead-band with hysteresis. Changes at or above the
// dead-band pass immediately; smaller changes only pass once they have kept
// the same direction for ConfirmTicks consecutive updates, so oscillation
// around a value is held while a slow genuine turn still gets through.
type Stabilizer struct {
	DeadbandDeg  float64
	ConfirmTicks int

	held     float64
	have     bool
	lastSign int
	streak   int
}

func NewStabilizer(deadbandDeg float64, confirmTicks int) *Stabilizer {
	if deadbandDeg < 0 {
		deadbandDeg = DefaultDeadbandDeg
	}
	if confirmTicks <= 0 {
		confirmTicks = DefaultConfirmTicks
	}
	return &Stabilizer{DeadbandDeg: deadbandDeg, ConfirmTicks: confirmTicks}
}

func (s *Stabilizer) Update(headingDeg float64) float64 {
	headingDeg = geo.Wrap360(headingDeg)
	if !s.have {
		s.held = headingDeg
		s.have = true
		return s.held
	}

	d := geo.Wrap180(headingDeg - s.held)
	if math.Abs(d) >= s.DeadbandDeg {
		s.accept(headingDeg)
		return s.held
	}

	sign := 0
	switch {
	case d > 0:
		sign = 1
	case d < 0:
		sign = -1
	}
	if sign == 0 {
		s.streak = 0
		return s.held
	}
	if sign == s.lastSign {
		s.streak++
	} else {
		s.lastSign = sign
		s.streak = 1
	}
	if s.streak >= s.ConfirmTicks {
		s.accept(headingDeg)
	}
	return s.held
}

func (s *Stabilizer) accept(v float64) {
	s.held = v
	s.streak = 0
	s.lastSign = 0
}
