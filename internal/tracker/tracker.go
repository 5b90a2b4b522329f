// Package tracker keeps per-node memory across processing cycles: a bounded
// position history, a finite-difference velocity, a linear dead-reckoning
// prediction and first/last observation times.
package tracker

import (
	"math"
	"sort"
	"time"

	"meshar/internal/geo"
)

const (
	DefaultHistoryCap        = 50
	DefaultPredictionHorizon = 30 * time.Second
	DefaultNewWindow         = 5 * time.Minute
	DefaultMovingThreshold   = 0.5 // m/s
	DefaultMaxVelocityGap    = 60 * time.Second
	DefaultMaxEntities       = 500
	DefaultTTL               = 2 * time.Hour
)

// Record is one node as supplied by the caller for a processing cycle. All
// fields except ID are optional.
type Record struct {
	ID         uint32     `json:"id"`
	LatDeg     *float64   `json:"lat_deg,omitempty"`
	LonDeg     *float64   `json:"lon_deg,omitempty"`
	AltM       *float64   `json:"alt_m,omitempty"`
	BatteryPct *int       `json:"battery_pct,omitempty"`
	SignalDB   *float64   `json:"signal_db,omitempty"`
	LastHeard  *time.Time `json:"last_heard,omitempty"`
	// PositionAt is when the coordinates were reported. Sources that hear
	// a node through other packets set it so only real position reports
	// become history samples.
	PositionAt *time.Time `json:"position_at,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// Position returns the record's coordinates when both are present, finite
// and not the (0,0) placeholder.
func (r Record) Position() (geo.Point, bool) {
	if r.LatDeg == nil || r.LonDeg == nil {
		return geo.Point{}, false
	}
	p := geo.Point{LatDeg: *r.LatDeg, LonDeg: *r.LonDeg}
	if r.AltM != nil && !math.IsNaN(*r.AltM) && !math.IsInf(*r.AltM, 0) {
		p.AltM = *r.AltM
	}
	return p, p.Valid()
}

func (r Record) HasAltitude() bool {
	return r.AltM != nil && !math.IsNaN(*r.AltM) && !math.IsInf(*r.AltM, 0)
}

type Sample struct {
	Point  geo.Point `json:"point"`
	HasAlt bool      `json:"has_alt"`
	At     time.Time `json:"at"`
}

type Entity struct {
	ID           uint32
	FirstSeen    time.Time
	LastObserved time.Time
	Record       Record

	VelNorthMPS float64
	VelEastMPS  float64

	Predicted     geo.Point
	HasPrediction bool

	history []Sample
}

// Latest returns the newest position sample.
func (e *Entity) Latest() (Sample, bool) {
	if e == nil || len(e.history) == 0 {
		return Sample{}, false
	}
	return e.history[len(e.history)-1], true
}

func (e *Entity) History() []Sample {
	if e == nil {
		return nil
	}
	return append([]Sample(nil), e.history...)
}

func (e *Entity) SpeedMPS() float64 {
	if e == nil {
		return 0
	}
	return math.Hypot(e.VelNorthMPS, e.VelEastMPS)
}

type Config struct {
	HistoryCap        int
	PredictionHorizon time.Duration
	NewWindow         time.Duration
	MovingThreshold   float64
	MaxVelocityGap    time.Duration

	// MaxEntities bounds the table; the least recently observed entity is
	// evicted first.
	MaxEntities int
	// TTL drops entities not observed for this long. Zero disables it.
	TTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		HistoryCap:        DefaultHistoryCap,
		PredictionHorizon: DefaultPredictionHorizon,
		NewWindow:         DefaultNewWindow,
		MovingThreshold:   DefaultMovingThreshold,
		MaxVelocityGap:    DefaultMaxVelocityGap,
		MaxEntities:       DefaultMaxEntities,
		TTL:               DefaultTTL,
	}
}

// Options are the per-cycle runtime switches.
type Options struct {
	Tracking   bool
	Prediction bool
}

// Tracker is the entity table. It is owned by a single goroutine.
type Tracker struct {
	cfg      Config
	entities map[uint32]*Entity
	evicted  uint64
}

func New(cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = def.HistoryCap
	}
	if cfg.PredictionHorizon <= 0 {
		cfg.PredictionHorizon = def.PredictionHorizon
	}
	if cfg.NewWindow <= 0 {
		cfg.NewWindow = def.NewWindow
	}
	if cfg.MovingThreshold <= 0 {
		cfg.MovingThreshold = def.MovingThreshold
	}
	if cfg.MaxVelocityGap <= 0 {
		cfg.MaxVelocityGap = def.MaxVelocityGap
	}
	if cfg.MaxEntities <= 0 {
		cfg.MaxEntities = def.MaxEntities
	}
	if cfg.TTL < 0 {
		cfg.TTL = 0
	}
	return &Tracker{cfg: cfg, entities: make(map[uint32]*Entity)}
}

func (t *Tracker) Config() Config { return t.cfg }

// Observe folds one record into the table and returns the updated entity,
// or nil when the record has no usable position.
//
// The sample time is the record's position time when present, then its
// last-heard time, otherwise now. A sample is appended only when it is strictly newer than the latest
// one, which keeps the history monotonic and makes repeated identical input
// a no-op.
func (t *Tracker) Observe(now time.Time, rec Record, opts Options) *Entity {
	pos, ok := rec.Position()
	if !ok {
		return nil
	}

	e, exists := t.entities[rec.ID]
	if !exists {
		e = &Entity{ID: rec.ID, FirstSeen: now}
		t.entities[rec.ID] = e
	}
	e.Record = rec
	e.LastObserved = now

	at := now
	switch {
	case rec.PositionAt != nil && !rec.PositionAt.IsZero():
		at = *rec.PositionAt
	case rec.LastHeard != nil && !rec.LastHeard.IsZero():
		at = *rec.LastHeard
	}
	s := Sample{Point: pos, HasAlt: rec.HasAltitude(), At: at}

	last, hasLast := e.Latest()
	if !hasLast || s.At.After(last.At) {
		if opts.Tracking {
			e.history = append(e.history, s)
			if over := len(e.history) - t.cfg.HistoryCap; over > 0 {
				e.history = append(e.history[:0], e.history[over:]...)
			}
			t.updateVelocity(e)
		} else {
			e.history = append(e.history[:0], s)
			e.VelNorthMPS, e.VelEastMPS = 0, 0
		}
	}

	e.HasPrediction = false
	if opts.Tracking && opts.Prediction {
		if latest, ok := e.Latest(); ok {
			horizon := t.cfg.PredictionHorizon.Seconds()
			e.Predicted = geo.Translate(latest.Point, e.VelNorthMPS*horizon, e.VelEastMPS*horizon)
			e.HasPrediction = true
		}
	}

	if !exists {
		t.enforceCapacity(rec.ID)
	}
	return e
}

func (t *Tracker) updateVelocity(e *Entity) {
	n := len(e.history)
	if n < 2 {
		return
	}
	prev, cur := e.history[n-2], e.history[n-1]
	dt := cur.At.Sub(prev.At)
	if dt <= 0 || dt > t.cfg.MaxVelocityGap {
		// Too stale to say anything about current motion.
		e.VelNorthMPS, e.VelEastMPS = 0, 0
		return
	}
	north, east := geo.OffsetMeters(prev.Point, cur.Point)
	e.VelNorthMPS = north / dt.Seconds()
	e.VelEastMPS = east / dt.Seconds()
}

// IsNew reports whether the entity is still within the new-node window.
func (t *Tracker) IsNew(e *Entity, now time.Time) bool {
	return e != nil && now.Sub(e.FirstSeen) < t.cfg.NewWindow
}

// IsMoving reports whether the speed exceeds the moving threshold.
func (t *Tracker) IsMoving(e *Entity) bool {
	return e != nil && e.SpeedMPS() > t.cfg.MovingThreshold
}

func (t *Tracker) Get(id uint32) (*Entity, bool) {
	e, ok := t.entities[id]
	return e, ok
}

func (t *Tracker) Len() int { return len(t.entities) }

func (t *Tracker) Evicted() uint64 { return t.evicted }

// All returns the entities ordered by ID.
func (t *Tracker) All() []*Entity {
	out := make([]*Entity, 0, len(t.entities))
	for _, e := range t.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Expire removes entities not observed within TTL and returns how many were
// dropped.
func (t *Tracker) Expire(now time.Time) int {
	if t.cfg.TTL <= 0 {
		return 0
	}
	cutoff := now.Add(-t.cfg.TTL)
	n := 0
	for id, e := range t.entities {
		if e.LastObserved.Before(cutoff) {
			delete(t.entities, id)
			n++
		}
	}
	t.evicted += uint64(n)
	return n
}

// enforceCapacity evicts least recently observed entities, never keep.
func (t *Tracker) enforceCapacity(keep uint32) {
	for len(t.entities) > t.cfg.MaxEntities {
		var oldestID uint32
		var oldestAt time.Time
		first := true
		for id, e := range t.entities {
			if id == keep {
				continue
			}
			if first || e.LastObserved.Before(oldestAt) || (e.LastObserved.Equal(oldestAt) && id < oldestID) {
				oldestID = id
				oldestAt = e.LastObserved
				first = false
			}
		}
		if first {
			return
		}
		delete(t.entities, oldestID)
		t.evicted++
	}
}
