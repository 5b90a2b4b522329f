// Package position tracks the user's own GPS fix and a finite-difference
// velocity estimate.
package position

import (
	"math"
	"time"

	"meshar/internal/geo"
)

const (
	DefaultHistory = 100

	// MaxVelocityGap bounds the fix spacing used for velocity.
	MaxVelocityGap = 10 * time.Second
)

type UserPosition struct {
	LatDeg      float64   `json:"lat_deg"`
	LonDeg      float64   `json:"lon_deg"`
	AltM        float64   `json:"alt_m"`
	HorizAccM   float64   `json:"horiz_acc_m"`
	VelNorthMPS float64   `json:"vel_north_mps"`
	VelEastMPS  float64   `json:"vel_east_mps"`
	At          time.Time `json:"at"`
}

func (p UserPosition) Point() geo.Point {
	return geo.Point{LatDeg: p.LatDeg, LonDeg: p.LonDeg, AltM: p.AltM}
}

// SpeedMPS is the horizontal ground speed.
func (p UserPosition) SpeedMPS() float64 {
	return math.Hypot(p.VelNorthMPS, p.VelEastMPS)
}

type Tracker struct {
	max     int
	history []UserPosition
}

func NewTracker(maxHistory int) *Tracker {
	if maxHistory <= 0 {
		maxHistory = DefaultHistory
	}
	return &Tracker{max: maxHistory}
}

// Update accepts a new fix and returns the resulting position. Velocity is
// recomputed only when the previous fix is between 0 and 10 s old; otherwise
// the previous velocity carries over.
func (t *Tracker) Update(latDeg, lonDeg, altM, horizAccM float64, at time.Time) UserPosition {
	next := UserPosition{LatDeg: latDeg, LonDeg: lonDeg, AltM: altM, HorizAccM: horizAccM, At: at}
	if prev, ok := t.Last(); ok {
		next.VelNorthMPS = prev.VelNorthMPS
		next.VelEastMPS = prev.VelEastMPS
		dt := at.Sub(prev.At)
		if dt > 0 && dt <= MaxVelocityGap {
			n, e := geo.OffsetMeters(prev.Point(), next.Point())
			next.VelNorthMPS = n / dt.Seconds()
			next.VelEastMPS = e / dt.Seconds()
		}
	}

	t.history = append(t.history, next)
	if over := len(t.history) - t.max; over > 0 {
		t.history = append(t.history[:0], t.history[over:]...)
	}
	return next
}

func (t *Tracker) Last() (UserPosition, bool) {
	if len(t.history) == 0 {
		return UserPosition{}, false
	}
	return t.history[len(t.history)-1], true
}

func (t *Tracker) History() []UserPosition {
	return append([]UserPosition(nil), t.history...)
}

func (t *Tracker) Len() int { return len(t.history) }
