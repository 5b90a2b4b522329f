// Package calibration keeps the slow-moving estimates the projector depends
// on: compass quality, camera field of view, local magnetic declination and a
// coarse GPS accuracy bucket.
package calibration

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"

	"meshar/internal/fusion"
	"meshar/internal/geo"
)

type CompassStatus string

const (
	CompassUnknown    CompassStatus = "unknown"
	CompassUnreliable CompassStatus = "unreliable"
	CompassLow        CompassStatus = "low"
	CompassMedium     CompassStatus = "medium"
	CompassHigh       CompassStatus = "high"
)

type GPSAccuracy string

const (
	GPSUnknown GPSAccuracy = "unknown"
	GPSPoor    GPSAccuracy = "poor"
	GPSLow     GPSAccuracy = "low"
	GPSMedium  GPSAccuracy = "medium"
	GPSHigh    GPSAccuracy = "high"
)

const (
	DefaultHFOVDeg = 60.0
	DefaultAspectW = 4.0
	DefaultAspectH = 3.0

	windowSize = 120
)

type State struct {
	Compass        CompassStatus `json:"compass"`
	HFOVDeg        float64       `json:"hfov_deg"`
	VFOVDeg        float64       `json:"vfov_deg"`
	DeclinationDeg float64       `json:"declination_deg"`
	GPS            GPSAccuracy   `json:"gps"`
}

type Config struct {
	// HFOVDeg is the camera horizontal field of view. Zero uses the default.
	HFOVDeg float64
	// AspectW:AspectH is the camera frame aspect, used to derive VFOV.
	AspectW float64
	AspectH float64
	// DeclinationOverrideDeg, when set, replaces the modelled declination.
	DeclinationOverrideDeg *float64
}

// Estimator is safe for concurrent use. The engine feeds magnetometer
// magnitudes from its fast tick and re-evaluates the compass bucket on the
// slow tick.
type Estimator struct {
	mu sync.Mutex

	cfg   Config
	state State

	mags  []float64
	next  int
	count int
}

func NewEstimator(cfg Config) *Estimator {
	if cfg.HFOVDeg <= 0 || cfg.HFOVDeg >= 180 {
		cfg.HFOVDeg = DefaultHFOVDeg
	}
	if cfg.AspectW <= 0 || cfg.AspectH <= 0 {
		cfg.AspectW, cfg.AspectH = DefaultAspectW, DefaultAspectH
	}
	e := &Estimator{cfg: cfg, mags: make([]float64, windowSize)}
	e.state = State{
		Compass: CompassUnknown,
		HFOVDeg: cfg.HFOVDeg,
		VFOVDeg: VerticalFOV(cfg.HFOVDeg, cfg.AspectW, cfg.AspectH),
		GPS:     GPSUnknown,
	}
	if cfg.DeclinationOverrideDeg != nil {
		e.state.DeclinationDeg = *cfg.DeclinationOverrideDeg
	}
	return e
}

// VerticalFOV derives the vertical field of view from the horizontal one and
// the frame aspect ratio (w:h) assuming a rectilinear lens.
func VerticalFOV(hfovDeg, aspectW, aspectH float64) float64 {
	if aspectW <= 0 || aspectH <= 0 {
		return hfovDeg
	}
	half := math.Tan(geo.Rad(hfovDeg) / 2)
	return 2 * geo.Deg(math.Atan(half*aspectH/aspectW))
}

// ObserveMag records one magnetometer magnitude in µT.
func (e *Estimator) ObserveMag(magnitudeUT float64) {
	if e == nil || math.IsNaN(magnitudeUT) || magnitudeUT <= 0 {
		return
	}
	e.mu.Lock()
	e.mags[e.next] = magnitudeUT
	e.next = (e.next + 1) % len(e.mags)
	if e.count < len(e.mags) {
		e.count++
	}
	e.mu.Unlock()
}

// Evaluate recomputes the compass bucket from the magnitude window: out of the
// Earth-field band is unreliable; inside it, the relative spread decides.
func (e *Estimator) Evaluate() CompassStatus {
	if e == nil {
		return CompassUnknown
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Compass = compassFromWindow(e.mags[:e.count])
	return e.state.Compass
}

func compassFromWindow(mags []float64) CompassStatus {
	if len(mags) < 2 {
		return CompassUnknown
	}
	mean, std := stat.MeanStdDev(mags, nil)
	if mean < fusion.MinEarthFieldUT || mean > fusion.MaxEarthFieldUT {
		return CompassUnreliable
	}
	spread := std / mean
	switch {
	case spread < 0.05:
		return CompassHigh
	case spread < 0.15:
		return CompassMedium
	default:
		return CompassLow
	}
}

// UpdateFix refreshes declination and the GPS accuracy bucket.
func (e *Estimator) UpdateFix(latDeg, lonDeg, horizAccM float64) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg.DeclinationOverrideDeg == nil && (geo.Point{LatDeg: latDeg, LonDeg: lonDeg}).Valid() {
		e.state.DeclinationDeg = Declination(latDeg, lonDeg)
	}
	e.state.GPS = BucketGPS(horizAccM)
}

func BucketGPS(horizAccM float64) GPSAccuracy {
	switch {
	case horizAccM <= 0 || math.IsNaN(horizAccM):
		return GPSUnknown
	case horizAccM <= 5:
		return GPSHigh
	case horizAccM <= 15:
		return GPSMedium
	case horizAccM <= 50:
		return GPSLow
	default:
		return GPSPoor
	}
}

func (e *Estimator) State() State {
	if e == nil {
		return State{Compass: CompassUnknown, GPS: GPSUnknown, HFOVDeg: DefaultHFOVDeg}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}
