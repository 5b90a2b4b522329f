// Package geo holds the small amount of spherical-earth math the engine needs:
// great-circle distance, initial bearing, a flat local-meters approximation
// for short baselines and the angle wrapping helpers shared by every stage.
package geo

import "math"

const (
	// EarthRadiusM is the mean Earth radius used by the Haversine formula.
	EarthRadiusM = 6371000.0

	// MetersPerDegLat is the flat-earth scale used for finite differences.
	MetersPerDegLat = 111320.0

	degToRad = math.Pi / 180.0
	radToDeg = 180.0 / math.Pi
)

// Point is a geographic position. AltM is meters above the reference
// ellipsoid (or MSL, whichever the source reports; the engine only uses
// differences).
type Point struct {
	LatDeg float64 `json:"lat_deg"`
	LonDeg float64 `json:"lon_deg"`
	AltM   float64 `json:"alt_m"`
}

// Valid reports whether p looks like a real fix. The null island (0,0) is
// treated as "no position", mirroring how mesh nodes report an unset fix.
func (p Point) Valid() bool {
	if math.IsNaN(p.LatDeg) || math.IsNaN(p.LonDeg) || math.IsInf(p.LatDeg, 0) || math.IsInf(p.LonDeg, 0) {
		return false
	}
	if p.LatDeg == 0 && p.LonDeg == 0 {
		return false
	}
	return p.LatDeg >= -90 && p.LatDeg <= 90 && p.LonDeg >= -180 && p.LonDeg <= 180
}

func Rad(deg float64) float64 { return deg * degToRad }
func Deg(rad float64) float64 { return rad * radToDeg }

// Haversine returns the great-circle distance in meters between a and b.
func Haversine(a, b Point) float64 {
	lat1 := Rad(a.LatDeg)
	lat2 := Rad(b.LatDeg)
	dLat := Rad(b.LatDeg - a.LatDeg)
	dLon := Rad(b.LonDeg - a.LonDeg)

	s := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	if s > 1 {
		s = 1
	}
	return 2 * EarthRadiusM * math.Atan2(math.Sqrt(s), math.Sqrt(1-s))
}

// Bearing returns the initial great-circle bearing from a to b in [0,360).
func Bearing(a, b Point) float64 {
	lat1 := Rad(a.LatDeg)
	lat2 := Rad(b.LatDeg)
	dLon := Rad(b.LonDeg - a.LonDeg)

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	return Wrap360(Deg(math.Atan2(y, x)))
}

// OffsetMeters converts the displacement from a to b into local north/east
// meters using 111 320 m per degree of latitude and cos(latitude) for
// longitude. Only meaningful for short baselines.
func OffsetMeters(a, b Point) (northM, eastM float64) {
	northM = (b.LatDeg - a.LatDeg) * MetersPerDegLat
	eastM = (b.LonDeg - a.LonDeg) * MetersPerDegLat * math.Cos(Rad(a.LatDeg))
	return northM, eastM
}

// Translate moves p by the given north/east meters using the same flat
// approximation as OffsetMeters.
func Translate(p Point, northM, eastM float64) Point {
	out := p
	out.LatDeg = p.LatDeg + northM/MetersPerDegLat
	c := math.Cos(Rad(p.LatDeg))
	if math.Abs(c) > 1e-9 {
		out.LonDeg = p.LonDeg + eastM/(MetersPerDegLat*c)
	}
	return out
}

// Wrap360 reduces deg into [0,360).
func Wrap360(deg float64) float64 {
	v := math.Mod(deg, 360)
	if v < 0 {
		v += 360
	}
	if v >= 360 {
		v = 0
	}
	return v
}

// Wrap180 reduces deg into [-180,180].
func Wrap180(deg float64) float64 {
	v := math.Mod(deg+180, 360)
	if v < 0 {
		v += 360
	}
	return v - 180
}

func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
