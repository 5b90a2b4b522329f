// Package projection maps geographic positions into the user's frame: first
// a world projection (distance, bearing, elevation, local ENU), then a screen
// projection against the current orientation and field of view.
package projection

import (
	"math"

	"meshar/internal/geo"
)

const (
	// MinDistanceM is the closest an entity may be and still be projected.
	// Anything nearer has no meaningful bearing.
	MinDistanceM = 0.01

	DefaultMinSize       = 20.0
	DefaultMaxSize       = 80.0
	DefaultOpacityFloor  = 0.3
	DefaultFadeDistanceM = 50_000.0

	depthScaleM = 1000.0
)

// World is a target position relative to the user.
type World struct {
	DistanceM    float64 `json:"distance_m"`
	BearingDeg   float64 `json:"bearing_deg"`
	ElevationDeg float64 `json:"elevation_deg"`
	EastM        float64 `json:"east_m"`
	NorthM       float64 `json:"north_m"`
	UpM          float64 `json:"up_m"`
}

// ProjectWorld projects target relative to user. A target without altitude
// is placed at the user's altitude. ok is false for invalid coordinates and
// for targets closer than MinDistanceM.
func ProjectWorld(user, target geo.Point, targetHasAlt bool) (World, bool) {
	if !user.Valid() || !target.Valid() {
		return World{}, false
	}
	if !targetHasAlt {
		target.AltM = user.AltM
	}
	d := geo.Haversine(user, target)
	if !(d >= MinDistanceM) || math.IsInf(d, 0) {
		return World{}, false
	}
	brg := geo.Bearing(user, target)
	up := target.AltM - user.AltM
	b := geo.Rad(brg)
	return World{
		DistanceM:    d,
		BearingDeg:   brg,
		ElevationDeg: geo.Deg(math.Atan2(up, d)),
		EastM:        d * math.Sin(b),
		NorthM:       d * math.Cos(b),
		UpM:          up,
	}, true
}

// View is the camera state a screen projection is computed against.
type View struct {
	HeadingDeg     float64
	PitchDeg       float64
	DeclinationDeg float64
	HFOVDeg        float64
	VFOVDeg        float64
}

// Style bounds the derived marker size and opacity.
type Style struct {
	MinSize       float64
	MaxSize       float64
	OpacityFloor  float64
	FadeDistanceM float64
}

func DefaultStyle() Style {
	return Style{
		MinSize:       DefaultMinSize,
		MaxSize:       DefaultMaxSize,
		OpacityFloor:  DefaultOpacityFloor,
		FadeDistanceM: DefaultFadeDistanceM,
	}
}

func (s Style) normalized() Style {
	def := DefaultStyle()
	if s.MinSize <= 0 {
		s.MinSize = def.MinSize
	}
	if s.MaxSize < s.MinSize {
		s.MaxSize = math.Max(def.MaxSize, s.MinSize)
	}
	if s.OpacityFloor <= 0 || s.OpacityFloor > 1 {
		s.OpacityFloor = def.OpacityFloor
	}
	if s.FadeDistanceM <= 0 {
		s.FadeDistanceM = def.FadeDistanceM
	}
	return s
}

// Screen is a target in normalized screen-angle coordinates. X and Y are in
// [-1,1] while in view and grow beyond that off screen.
type Screen struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	InView bool    `json:"in_view"`

	OffLeft  bool `json:"off_left,omitempty"`
	OffRight bool `json:"off_right,omitempty"`
	OffAbove bool `json:"off_above,omitempty"`
	OffBelow bool `json:"off_below,omitempty"`

	RelAngleDeg     float64 `json:"rel_angle_deg"`
	RelElevationDeg float64 `json:"rel_elevation_deg"`

	Depth   float64 `json:"depth"`
	Size    float64 `json:"size"`
	Opacity float64 `json:"opacity"`
}

// ProjectScreen places a world projection on screen.
func ProjectScreen(w World, v View, style Style) Screen {
	style = style.normalized()
	hHalf := halfFOV(v.HFOVDeg)
	vHalf := halfFOV(v.VFOVDeg)

	rel := geo.Wrap180(w.BearingDeg - (v.HeadingDeg + v.DeclinationDeg))
	relEl := w.ElevationDeg - v.PitchDeg

	s := Screen{
		X:               rel / hHalf,
		Y:               -relEl / vHalf,
		RelAngleDeg:     rel,
		RelElevationDeg: relEl,
		OffLeft:         rel < -hHalf,
		OffRight:        rel > hHalf,
		OffAbove:        relEl > vHalf,
		OffBelow:        relEl < -vHalf,
	}
	s.InView = !s.OffLeft && !s.OffRight && !s.OffAbove && !s.OffBelow

	d := math.Max(w.DistanceM, 0)
	s.Depth = 1 / (1 + d/depthScaleM)
	s.Size = geo.Clamp(style.MinSize+(style.MaxSize-style.MinSize)*s.Depth, style.MinSize, style.MaxSize)
	fade := math.Min(d/style.FadeDistanceM, 1)
	s.Opacity = geo.Clamp(1-(1-style.OpacityFloor)*fade, style.OpacityFloor, 1)
	return s
}

func halfFOV(fovDeg float64) float64 {
	if !(fovDeg > 0) || fovDeg > 360 {
		fovDeg = 60
	}
	return fovDeg / 2
}
