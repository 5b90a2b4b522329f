// Package fusion turns raw inertial and magnetic samples into a stabilized
// heading/pitch/roll estimate.
//
// Each tick the gyro-integrated attitude is blended with the accelerometer
// tilt and the tilt-compensated magnetometer heading (complementary filter),
// smoothed per axis by a scalar Kalman filter, and the heading is passed
// through a dead-band stabilizer.
package fusion

import (
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"meshar/internal/geo"
)

const (
	DefaultGyroWeight = 0.98

	StandardGravity = 9.8

	// Plausible Earth field magnitude band in µT.
	MinEarthFieldUT = 20.0
	MaxEarthFieldUT = 70.0
)

// Orientation is the fused device attitude.
type Orientation struct {
	HeadingDeg float64   `json:"heading_deg"`
	PitchDeg   float64   `json:"pitch_deg"`
	RollDeg    float64   `json:"roll_deg"`
	Accuracy   float64   `json:"accuracy"`
	At         time.Time `json:"at"`
}

// Normalize enforces the output ranges: heading in [0,360), pitch in
// [-90,90], roll in [-180,180], accuracy in [0,1].
func (o Orientation) Normalize() Orientation {
	o.HeadingDeg = geo.Wrap360(o.HeadingDeg)
	o.PitchDeg = geo.Clamp(o.PitchDeg, -90, 90)
	o.RollDeg = geo.Clamp(o.RollDeg, -180, 180)
	o.Accuracy = geo.Clamp(o.Accuracy, 0, 1)
	return o
}

// Attitude is the gyro-integrated running estimate.
type Attitude struct {
	HeadingDeg float64
	PitchDeg   float64
	RollDeg    float64
}

// Integrate adds a rotation in degrees (X=roll, Y=pitch, Z=heading).
func (a Attitude) Integrate(deltaDeg r3.Vec) Attitude {
	return Attitude{
		HeadingDeg: geo.Wrap360(a.HeadingDeg + deltaDeg.Z),
		PitchDeg:   geo.Clamp(a.PitchDeg+deltaDeg.Y, -90, 90),
		RollDeg:    geo.Clamp(a.RollDeg+deltaDeg.X, -180, 180),
	}
}

// TiltFromAccel returns pitch and roll in degrees from a gravity vector.
func TiltFromAccel(a r3.Vec) (pitchDeg, rollDeg float64) {
	pitch := math.Atan2(-a.X, math.Hypot(a.Y, a.Z))
	roll := math.Atan2(a.Y, a.Z)
	return geo.Deg(pitch), geo.Deg(roll)
}

// TiltCompensatedHeading projects the magnetometer vector onto the
// horizontal plane using the given tilt and returns the heading in [0,360).
func TiltCompensatedHeading(m r3.Vec, pitchDeg, rollDeg float64) float64 {
	p := geo.Rad(pitchDeg)
	r := geo.Rad(rollDeg)
	sp, cp := math.Sin(p), math.Cos(p)
	sr, cr := math.Sin(r), math.Cos(r)

	xH := m.X*cp + m.Y*sr*sp + m.Z*cr*sp
	yH := m.Y*cr - m.Z*sr
	return geo.Wrap360(geo.Deg(math.Atan2(-yH, xH)))
}

// BlendHeading mixes a gyro heading with an absolute heading along the
// shortest arc.
func BlendHeading(gyroDeg, absDeg, gyroWeight float64) float64 {
	d := geo.Wrap180(absDeg - gyroDeg)
	return geo.Wrap360(gyroDeg + (1-gyroWeight)*d)
}

func blendLinear(gyro, abs, gyroWeight float64) float64 {
	return gyroWeight*gyro + (1-gyroWeight)*abs
}

// Accuracy scores how trustworthy the absolute references are: half from
// how close |accel| is to 1 g, half from whether |mag| sits in the Earth
// field band. Missing sensors score zero for their half.
func Accuracy(accel r3.Vec, haveAccel bool, mag r3.Vec, haveMag bool) float64 {
	accelScore := 0.0
	if haveAccel {
		dev := math.Abs(r3.Norm(accel) - StandardGravity)
		accelScore = geo.Clamp(1-dev/(StandardGravity/2), 0, 1)
	}
	magScore := 0.0
	if haveMag {
		n := r3.Norm(mag)
		switch {
		case n >= MinEarthFieldUT && n <= MaxEarthFieldUT:
			magScore = 1
		case n < MinEarthFieldUT:
			magScore = geo.Clamp(1-(MinEarthFieldUT-n)/MinEarthFieldUT, 0, 1)
		default:
			magScore = geo.Clamp(1-(n-MaxEarthFieldUT)/MaxEarthFieldUT, 0, 1)
		}
	}
	return geo.Clamp(0.5*accelScore+0.5*magScore, 0, 1)
}

type Config struct {
	GyroWeight       float64
	ProcessNoise     float64
	MeasurementNoise float64
	InitialError     float64
	DeadbandDeg      float64
	ConfirmTicks     int
}

func DefaultConfig() Config {
	return Config{
		GyroWeight:       DefaultGyroWeight,
		ProcessNoise:     DefaultProcessNoise,
		MeasurementNoise: DefaultMeasurementNoise,
		InitialError:     DefaultInitialError,
		DeadbandDeg:      DefaultDeadbandDeg,
		ConfirmTicks:     DefaultConfirmTicks,
	}
}

// Input is everything one tick consumes.
type Input struct {
	Accel     r3.Vec
	HaveAccel bool
	Mag       r3.Vec
	HaveMag   bool

	// GyroDeltaDeg is the rotation integrated since the previous tick
	// (X=roll, Y=pitch, Z=heading).
	GyroDeltaDeg r3.Vec
}

// Filter is the per-tick fusion state. It is not safe for concurrent use;
// the engine owns it from a single goroutine.
type Filter struct {
	cfg Config

	gyro   Attitude
	seeded bool

	heading *AngleKalman
	pitch   *Kalman
	roll    *Kalman
	stab    *Stabilizer

	last Orientation
}

func NewFilter(cfg Config) *Filter {
	if cfg.GyroWeight <= 0 || cfg.GyroWeight >= 1 {
		cfg.GyroWeight = DefaultGyroWeight
	}
	return &Filter{
		cfg:     cfg,
		heading: NewAngleKalman(cfg.ProcessNoise, cfg.MeasurementNoise, cfg.InitialError),
		pitch:   NewKalman(cfg.ProcessNoise, cfg.MeasurementNoise, cfg.InitialError),
		roll:    NewKalman(cfg.ProcessNoise, cfg.MeasurementNoise, cfg.InitialError),
		stab:    NewStabilizer(cfg.DeadbandDeg, cfg.ConfirmTicks),
	}
}

// Step advances the filter by one tick and returns the new orientation.
// It produces a value even when no new samples arrived.
func (f *Filter) Step(in Input, at time.Time) Orientation {
	var absPitch, absRoll, absHeading float64
	haveTilt := in.HaveAccel && r3.Norm(in.Accel) > 0
	haveHeading := false
	if haveTilt {
		absPitch, absRoll = TiltFromAccel(in.Accel)
		if in.HaveMag && r3.Norm(in.Mag) > 0 {
			absHeading = TiltCompensatedHeading(in.Mag, absPitch, absRoll)
			haveHeading = true
		}
	}

	if !f.seeded && haveTilt {
		f.gyro.PitchDeg = absPitch
		f.gyro.RollDeg = absRoll
		if haveHeading {
			f.gyro.HeadingDeg = absHeading
		}
		f.seeded = true
	}

	g := f.gyro.Integrate(in.GyroDeltaDeg)
	blended := g
	w := f.cfg.GyroWeight
	if haveHeading {
		blended.HeadingDeg = BlendHeading(g.HeadingDeg, absHeading, w)
	}
	if haveTilt {
		blended.PitchDeg = geo.Clamp(blendLinear(g.PitchDeg, absPitch, w), -90, 90)
		blended.RollDeg = geo.Clamp(blendLinear(g.RollDeg, absRoll, w), -180, 180)
	}
	// Re-sync so gyro drift cannot accumulate beyond one tick.
	f.gyro = blended

	out := Orientation{
		HeadingDeg: f.stab.Update(f.heading.Update(blended.HeadingDeg)),
		PitchDeg:   f.pitch.Update(blended.PitchDeg),
		RollDeg:    f.roll.Update(blended.RollDeg),
		Accuracy:   Accuracy(in.Accel, in.HaveAccel, in.Mag, in.HaveMag),
		At:         at,
	}.Normalize()
	f.last = out
	return out
}

func (f *Filter) Last() Orientation { return f.last }

// GyroAttitude exposes the running gyro accumulator.
func (f *Filter) GyroAttitude() Attitude { return f.gyro }
