// Package sim generates a deterministic demo world: the user's own position
// and a slowly turning device as host sensor feeds, plus mesh nodes that
// orbit nearby while their batteries run down.
package sim

import (
	"math"
	"time"

	"meshar/internal/geo"
	"meshar/internal/ingest"
)

// Ownship walks a figure-eight around Center that stays within RadiusM.
type Ownship struct {
	Center    geo.Point
	RadiusM   float64
	Period    time.Duration
	HorizAccM float64
}

func (s Ownship) withDefaults() Ownship {
	if s.RadiusM <= 0 {
		s.RadiusM = 50
	}
	if s.Period <= 0 {
		s.Period = 5 * time.Minute
	}
	if s.HorizAccM <= 0 {
		s.HorizAccM = 4
	}
	return s
}

// Position returns the point and course over ground at now. The phase is
// taken from absolute time so separate runs agree.
func (s Ownship) Position(now time.Time) (geo.Point, float64) {
	s = s.withDefaults()
	phase := float64(now.UnixNano()%s.Period.Nanoseconds()) / float64(s.Period.Nanoseconds())

	//	east  = R cos(w)
	//	north = R/2 sin(2w)
	w := 2 * math.Pi * phase
	east := s.RadiusM * math.Cos(w)
	north := 0.5 * s.RadiusM * math.Sin(2*w)
	p := geo.Translate(s.Center, north, east)
	p.AltM = s.Center.AltM

	ve := -math.Sin(w)
	vn := math.Cos(2 * w)
	return p, geo.Wrap360(geo.Deg(math.Atan2(ve, vn)))
}

func (s Ownship) FixAt(now time.Time) ingest.Fix {
	p, _ := s.Position(now)
	return ingest.Fix{LatDeg: p.LatDeg, LonDeg: p.LonDeg, AltM: p.AltM, HorizAccM: s.withDefaults().HorizAccM, At: now}
}
