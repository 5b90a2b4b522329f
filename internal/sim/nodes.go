package sim

import (
	"fmt"
	"math"
	"time"

	"meshar/internal/engine"
	"meshar/internal/geo"
)

// NodeIDBase is the first simulated node ID; node i is NodeIDBase+i+1.
const NodeIDBase uint32 = 0x51A00000

// Nodes orbits Count mesh nodes around Center. Every fifth node stops
// reporting at Start so staleness alerts have something to show.
type Nodes struct {
	Center         geo.Point
	Count          int
	RadiusM        float64
	Period         time.Duration
	DrainPctPerMin float64
	Start          time.Time
}

func (n Nodes) Records(now time.Time) []engine.EntityRecord {
	if n.Count <= 0 {
		return nil
	}
	radius := n.RadiusM
	if radius <= 0 {
		radius = 800
	}
	period := n.Period
	if period <= 0 {
		period = 4 * time.Minute
	}
	start := n.Start
	if start.IsZero() || start.After(now) {
		start = now
	}
	elapsedMin := now.Sub(start).Minutes()

	phase := float64(now.UnixNano()%period.Nanoseconds()) / float64(period.Nanoseconds())
	out := make([]engine.EntityRecord, 0, n.Count)
	for i := 0; i < n.Count; i++ {
		theta := 2*math.Pi*phase + 2*math.Pi*float64(i)/float64(n.Count)
		r := radius * (1 - 0.15*float64(i%3))
		p := geo.Translate(n.Center, r*math.Cos(theta), r*math.Sin(theta))
		alt := n.Center.AltM + float64(i-n.Count/2)*5

		battery := int(math.Round(geo.Clamp(100-n.DrainPctPerMin*elapsedMin*(1+0.5*float64(i)), 0, 100)))
		heard := now
		if i%5 == 4 {
			heard = start
			// A silent node stays where it was last heard.
			p = geo.Translate(n.Center, r, 0)
		}
		lat, lon := p.LatDeg, p.LonDeg
		out = append(out, engine.EntityRecord{
			ID:         NodeIDBase + uint32(i) + 1,
			Name:       fmt.Sprintf("SIM-%02d", i+1),
			LatDeg:     &lat,
			LonDeg:     &lon,
			AltM:       &alt,
			BatteryPct: &battery,
			LastHeard:  &heard,
		})
	}
	return out
}
