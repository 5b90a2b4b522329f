package fusion

import "meshar/internal/geo"

const (
	DefaultProcessNoise     = 0.01
	DefaultMeasurementNoise = 0.1
	DefaultInitialError     = 1.0
)

// Kalman is a scalar random-walk Kalman filter.
type Kalman struct {
	ProcessNoise     float64
	MeasurementNoise float64

	estimate float64
	err      float64
	seeded   bool
}

func NewKalman(processNoise, measurementNoise, initialError float64) *Kalman {
	if processNoise <= 0 {
		processNoise = DefaultProcessNoise
	}
	if measurementNoise <= 0 {
		measurementNoise = DefaultMeasurementNoise
	}
	if initialError <= 0 {
		initialError = DefaultInitialError
	}
	return &Kalman{ProcessNoise: processNoise, MeasurementNoise: measurementNoise, err: initialError}
}

// Update runs one predict/update step. The first measurement seeds the
// estimate so the filter does not crawl up from zero.
func (k *Kalman) Update(measurement float64) float64 {
	if !k.seeded {
		k.estimate = measurement
		k.seeded = true
	}
	return k.step(measurement - k.estimate)
}

func (k *Kalman) step(innovation float64) float64 {
	k.err += k.ProcessNoise
	gain := k.err / (k.err + k.MeasurementNoise)
	k.estimate += gain * innovation
	k.err *= 1 - gain
	return k.estimate
}

func (k *Kalman) Estimate() float64 { return k.estimate }
func (k *Kalman) Error() float64    { return k.err }

// AngleKalman is a Kalman filter on a circular quantity in degrees. The
// innovation is taken along the shortest arc so the estimate never swings
// through 180° when the input crosses 0°/360°.
type AngleKalman struct {
	Kalman
}

func NewAngleKalman(processNoise, measurementNoise, initialError float64) *AngleKalman {
	return &AngleKalman{Kalman: *NewKalman(processNoise, measurementNoise, initialError)}
}

func (k *AngleKalman) Update(measurementDeg float64) float64 {
	if !k.seeded {
		k.estimate = geo.Wrap360(measurementDeg)
		k.seeded = true
	}
	k.step(geo.Wrap180(measurementDeg - k.estimate))
	k.estimate = geo.Wrap360(k.estimate)
	return k.estimate
}
