package calibration

import (
	"math"

	"meshar/internal/geo"
)

// Degree-1 IGRF-13 Gauss coefficients for epoch 2020.0, in nT.
const (
	igrfG10 = -29404.8
	igrfG11 = -1450.9
	igrfH11 = 4652.5
)

// Declination returns the magnetic declination in degrees (east positive)
// from the tilted-dipole part of the geomagnetic field. This is coarse: where
// the non-dipole field is strong the error reaches 10-15°, which is what
// Config.DeclinationOverrideDeg is for.
func Declination(latDeg, lonDeg float64) float64 {
	theta := geo.Rad(90 - latDeg) // colatitude
	phi := geo.Rad(lonDeg)

	st, ct := math.Sin(theta), math.Cos(theta)
	sp, cp := math.Sin(phi), math.Cos(phi)

	// North (X) and east (Y) components at the surface.
	x := -igrfG10*st + (igrfG11*cp+igrfH11*sp)*ct
	y := igrfG11*sp - igrfH11*cp
	if x == 0 && y == 0 {
		return 0
	}
	return geo.Deg(math.Atan2(y, x))
}
