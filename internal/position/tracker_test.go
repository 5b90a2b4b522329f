package position

import (
	"math"
	"testing"
	"time"

	"meshar/internal/geo"
)

func TestTracker_VelocityFromFiniteDifference(t *testing.T) {
	tr := NewTracker(0)
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	start := geo.Point{LatDeg: 45, LonDeg: -122}
	tr.Update(start.LatDeg, start.LonDeg, 100, 5, t0)

	next := geo.Translate(start, 10, 5)
	p := tr.Update(next.LatDeg, next.LonDeg, 100, 5, t0.Add(2*time.Second))
	if math.Abs(p.VelNorthMPS-5) > 1e-6 || math.Abs(p.VelEastMPS-2.5) > 1e-6 {
		t.Fatalf("vel n=%v e=%v", p.VelNorthMPS, p.VelEastMPS)
	}
}

func TestTracker_VelocityGuard(t *testing.T) {
	tr := NewTracker(0)
	t0 := time.Unix(1000, 0)
	tr.Update(45, -122, 0, 5, t0)
	moved := geo.Translate(geo.Point{LatDeg: 45, LonDeg: -122}, 100, 0)

	// 30 s gap: velocity is not recomputed.
	p := tr.Update(moved.LatDeg, moved.LonDeg, 0, 5, t0.Add(30*time.Second))
	if p.SpeedMPS() != 0 {
		t.Fatalf("speed=%v want 0", p.SpeedMPS())
	}
	// Same timestamp: not recomputed either.
	p = tr.Update(45, -122, 0, 5, t0.Add(30*time.Second))
	if p.SpeedMPS() != 0 {
		t.Fatalf("speed=%v want 0", p.SpeedMPS())
	}
}

func TestTracker_HistoryCapped(t *testing.T) {
	tr := NewTracker(100)
	t0 := time.Unix(0, 0)
	for i := 0; i < 150; i++ {
		tr.Update(45, -122+float64(i)*1e-5, 0, 5, t0.Add(time.Duration(i)*time.Second))
	}
	if tr.Len() != 100 {
		t.Fatalf("len=%d want 100", tr.Len())
	}
	h := tr.History()
	if !h[0].At.Equal(t0.Add(50 * time.Second)) {
		t.Fatalf("oldest=%v", h[0].At)
	}
}
