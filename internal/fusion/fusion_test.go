package fusion

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"meshar/internal/geo"
)

func magForHeading(h float64) r3.Vec {
	// Level device, 30 µT horizontal, 40 µT down.
	return r3.Vec{X: 30 * math.Cos(geo.Rad(h)), Y: -30 * math.Sin(geo.Rad(h)), Z: -40}
}

var level = r3.Vec{Z: StandardGravity}

func TestAttitudeIntegrate_WrapsHeading(t *testing.T) {
	var a Attitude
	for i := 0; i < 100; i++ {
		a = a.Integrate(r3.Vec{Z: 400 * 0.01})
	}
	if math.Abs(a.HeadingDeg-40) > 1e-6 {
		t.Fatalf("heading=%v want 40", a.HeadingDeg)
	}
}

func TestAttitudeIntegrate_ClampsPitchRoll(t *testing.T) {
	a := Attitude{}.Integrate(r3.Vec{X: -500, Y: 200})
	if a.PitchDeg != 90 {
		t.Fatalf("pitch=%v want 90", a.PitchDeg)
	}
	if a.RollDeg != -180 {
		t.Fatalf("roll=%v want -180", a.RollDeg)
	}
}

func TestTiltFromAccel(t *testing.T) {
	p, r := TiltFromAccel(level)
	if math.Abs(p) > 1e-9 || math.Abs(r) > 1e-9 {
		t.Fatalf("level pitch=%v roll=%v", p, r)
	}
	// Nose down 30°: gravity gains a +X component.
	g := StandardGravity
	p, _ = TiltFromAccel(r3.Vec{X: g * math.Sin(geo.Rad(30)), Z: g * math.Cos(geo.Rad(30))})
	if math.Abs(p+30) > 1e-9 {
		t.Fatalf("pitch=%v want -30", p)
	}
	_, r = TiltFromAccel(r3.Vec{Y: g * math.Sin(geo.Rad(20)), Z: g * math.Cos(geo.Rad(20))})
	if math.Abs(r-20) > 1e-9 {
		t.Fatalf("roll=%v want 20", r)
	}
}

func TestTiltCompensatedHeading_Level(t *testing.T) {
	for _, h := range []float64{0, 45, 90, 180, 270, 359} {
		got := TiltCompensatedHeading(magForHeading(h), 0, 0)
		if math.Abs(geo.Wrap180(got-h)) > 1e-6 {
			t.Fatalf("heading=%v want %v", got, h)
		}
		if got < 0 || got >= 360 {
			t.Fatalf("heading out of range: %v", got)
		}
	}
}

func TestBlendHeading_ShortestPathAcrossNorth(t *testing.T) {
	got := BlendHeading(359, 1, DefaultGyroWeight)
	if math.Abs(got-359.04) > 1e-9 {
		t.Fatalf("got=%v want 359.04", got)
	}
	got = BlendHeading(1, 359, DefaultGyroWeight)
	if math.Abs(got-0.96) > 1e-9 {
		t.Fatalf("got=%v want 0.96", got)
	}
}

func TestFilter_ContinuousAcrossNorthWithinOneTick(t *testing.T) {
	f := NewFilter(DefaultConfig())
	t0 := time.Unix(0, 0)
	var out Orientation
	for i := 0; i < 200; i++ {
		out = f.Step(Input{Accel: level, HaveAccel: true, Mag: magForHeading(359), HaveMag: true}, t0)
	}
	if math.Abs(geo.Wrap180(out.HeadingDeg-359)) > 0.5 {
		t.Fatalf("settled heading=%v want ≈359", out.HeadingDeg)
	}

	out = f.Step(Input{Accel: level, HaveAccel: true, Mag: magForHeading(1), HaveMag: true}, t0)
	if d := math.Abs(geo.Wrap180(out.HeadingDeg - 0)); d > 2 {
		t.Fatalf("heading snapped to %v after crossing north", out.HeadingDeg)
	}
}

func TestFilter_OutputRangesWithoutSamples(t *testing.T) {
	f := NewFilter(DefaultConfig())
	for i := 0; i < 50; i++ {
		out := f.Step(Input{GyroDeltaDeg: r3.Vec{X: 50, Y: 50, Z: 50}}, time.Unix(int64(i), 0))
		if out.HeadingDeg < 0 || out.HeadingDeg >= 360 {
			t.Fatalf("heading=%v", out.HeadingDeg)
		}
		if out.PitchDeg < -90 || out.PitchDeg > 90 {
			t.Fatalf("pitch=%v", out.PitchDeg)
		}
		if out.RollDeg < -180 || out.RollDeg > 180 {
			t.Fatalf("roll=%v", out.RollDeg)
		}
		if out.Accuracy != 0 {
			t.Fatalf("accuracy=%v want 0 without references", out.Accuracy)
		}
	}
}

func TestFilter_GyroResyncedToBlend(t *testing.T) {
	f := NewFilter(DefaultConfig())
	f.Step(Input{Accel: level, HaveAccel: true, Mag: magForHeading(90), HaveMag: true}, time.Unix(0, 0))
	f.Step(Input{Accel: level, HaveAccel: true, Mag: magForHeading(90), HaveMag: true, GyroDeltaDeg: r3.Vec{Z: 10}}, time.Unix(0, 0))
	g := f.GyroAttitude()
	// 0.98*100 + 0.02*90
	if math.Abs(g.HeadingDeg-99.8) > 1e-9 {
		t.Fatalf("gyro heading=%v want 99.8", g.HeadingDeg)
	}
}

func TestKalman_ReducesVarianceAndConverges(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	k := NewKalman(DefaultProcessNoise, DefaultMeasurementNoise, DefaultInitialError)

	const target = 12.0
	raw := make([]float64, 1000)
	smoothed := make([]float64, 1000)
	for i := range raw {
		raw[i] = target + rng.NormFloat64()
		smoothed[i] = k.Update(raw[i])
	}
	// Skip the seed sample, which equals the raw input.
	rawVar := stat.Variance(raw[1:], nil)
	outVar := stat.Variance(smoothed[1:], nil)
	if outVar > 0.5*rawVar {
		t.Fatalf("variance raw=%v smoothed=%v", rawVar, outVar)
	}

	prev := math.Abs(k.Estimate() - target)
	for i := 0; i < 100; i++ {
		k.Update(target)
		d := math.Abs(k.Estimate() - target)
		if d > prev+1e-12 {
			t.Fatalf("step %d diverged: %v > %v", i, d, prev)
		}
		prev = d
	}
	if prev > 1e-3 {
		t.Fatalf("did not converge: residual=%v", prev)
	}
}

func TestAngleKalman_WrapsAcrossNorth(t *testing.T) {
	k := NewAngleKalman(DefaultProcessNoise, DefaultMeasurementNoise, DefaultInitialError)
	k.Update(358)
	for i := 0; i < 20; i++ {
		v := k.Update(2)
		if d := math.Abs(geo.Wrap180(v - 0)); d > 2.01 {
			t.Fatalf("estimate wandered to %v", v)
		}
	}
}

func TestStabilizer(t *testing.T) {
	s := NewStabilizer(0.5, 2)
	s.Update(100)

	// Sub-threshold oscillation is held.
	for i := 0; i < 10; i++ {
		v := 100.2
		if i%2 == 1 {
			v = 99.8
		}
		if got := s.Update(v); got != 100 {
			t.Fatalf("oscillation leaked: %v", got)
		}
	}

	// A genuine jump passes immediately.
	if got := s.Update(105); got != 105 {
		t.Fatalf("jump held at %v", got)
	}

	// A slow drift passes within two ticks.
	if got := s.Update(105.2); got != 105 {
		t.Fatalf("first drift tick should hold, got %v", got)
	}
	if got := s.Update(105.4); got != 105.4 {
		t.Fatalf("second drift tick should pass, got %v", got)
	}
}

func TestAccuracy(t *testing.T) {
	if got := Accuracy(level, true, magForHeading(0), true); math.Abs(got-1) > 1e-9 {
		t.Fatalf("ideal accuracy=%v want 1", got)
	}
	if got := Accuracy(r3.Vec{}, false, r3.Vec{}, false); got != 0 {
		t.Fatalf("no sensors accuracy=%v", got)
	}
	got := Accuracy(r3.Vec{Z: 30}, true, r3.Vec{X: 500}, true)
	if got < 0 || got > 1 {
		t.Fatalf("accuracy out of range: %v", got)
	}
	if got := Accuracy(level, true, r3.Vec{}, false); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("accel only accuracy=%v want 0.5", got)
	}
}
