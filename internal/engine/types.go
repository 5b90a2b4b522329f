package engine

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"meshar/internal/calibration"
	"meshar/internal/fusion"
	"meshar/internal/geo"
	"meshar/internal/ingest"
	"meshar/internal/position"
	"meshar/internal/projection"
	"meshar/internal/threat"
	"meshar/internal/tick"
	"meshar/internal/tracker"
)

var (
	// ErrNoSensors is returned by Start when no motion or location feed could
	// be acquired. The engine is not started; the caller may retry.
	ErrNoSensors = errors.New("engine: no sensor feed available")

	// ErrStopped is returned by operations on an engine that has been stopped.
	ErrStopped = errors.New("engine: stopped")

	// ErrNotStarted is returned by Process before Start succeeded.
	ErrNotStarted = errors.New("engine: not started")
)

const (
	DefaultFastInterval   = 16 * time.Millisecond
	DefaultSweepInterval  = 5 * time.Second
	DefaultMotionPeriod   = 16 * time.Millisecond
	DefaultDistanceFilter = 1.0 // m

	DefaultMaxDistanceM   = 10_000.0
	DefaultClusterRadiusM = 50.0
)

// EntityRecord is one mesh node as supplied for a processing cycle.
type EntityRecord = tracker.Record

// MotionSink receives raw samples: accelerometer in m/s², gyroscope in rad/s,
// magnetometer in µT. Implementations must return quickly.
type MotionSink interface {
	OnAccel(v r3.Vec, at time.Time)
	OnGyro(rate r3.Vec, at time.Time)
	OnMag(v r3.Vec, at time.Time)
}

type LocationSink interface {
	OnFix(f ingest.Fix)
}

// Subscription is a live registration with a host feed.
type Subscription interface {
	Unsubscribe()
}

// MotionRequest is what the engine asks of the inertial/magnetic host feed.
type MotionRequest struct {
	Period time.Duration
}

// LocationRequest is what the engine asks of the host location service.
type LocationRequest struct {
	HighAccuracy    bool
	DistanceFilterM float64
}

type MotionSource interface {
	SubscribeMotion(req MotionRequest, sink MotionSink) (Subscription, error)
}

type LocationSource interface {
	SubscribeLocation(req LocationRequest, sink LocationSink) (Subscription, error)
}

// Sources are the host collaborators. Either feed may be nil; Clock defaults
// to wall time.
type Sources struct {
	Motion   MotionSource
	Location LocationSource
	Clock    tick.Source
}

// Settings is the runtime configuration. Changes apply on the next
// processing cycle.
type Settings struct {
	// MaxDistanceM hides entities farther than this. Zero disables the limit.
	MaxDistanceM float64 `json:"max_distance_m"`
	// HFOVDeg/VFOVDeg override the calibrated field of view when non-zero.
	HFOVDeg        float64 `json:"hfov_deg"`
	VFOVDeg        float64 `json:"vfov_deg"`
	ClusterRadiusM float64 `json:"cluster_radius_m"`
	Prediction     bool    `json:"prediction"`
	Tracking       bool    `json:"tracking"`
}

func DefaultSettings() Settings {
	return Settings{
		MaxDistanceM:   DefaultMaxDistanceM,
		ClusterRadiusM: DefaultClusterRadiusM,
		Prediction:     true,
		Tracking:       true,
	}
}

func (s Settings) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"max_distance_m", s.MaxDistanceM},
		{"hfov_deg", s.HFOVDeg},
		{"vfov_deg", s.VFOVDeg},
		{"cluster_radius_m", s.ClusterRadiusM},
	} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) || f.v < 0 {
			return fmt.Errorf("engine: %s must be a non-negative number", f.name)
		}
	}
	if s.HFOVDeg >= 180 {
		return fmt.Errorf("engine: hfov_deg must be below 180")
	}
	if s.VFOVDeg >= 180 {
		return fmt.Errorf("engine: vfov_deg must be below 180")
	}
	return nil
}

type Config struct {
	FastInterval  time.Duration
	SweepInterval time.Duration

	MotionPeriod    time.Duration
	DistanceFilterM float64

	Fusion      fusion.Config
	Calibration calibration.Config
	Tracker     tracker.Config
	Threat      threat.Config
	Style       projection.Style

	SmoothingTau    time.Duration
	PositionHistory int

	Settings Settings
}

func DefaultConfig() Config {
	return Config{
		FastInterval:    DefaultFastInterval,
		SweepInterval:   DefaultSweepInterval,
		MotionPeriod:    DefaultMotionPeriod,
		DistanceFilterM: DefaultDistanceFilter,
		Fusion:          fusion.DefaultConfig(),
		Tracker:         tracker.DefaultConfig(),
		Threat:          threat.DefaultConfig(),
		Style:           projection.DefaultStyle(),
		SmoothingTau:    projection.DefaultSmoothingTau,
		PositionHistory: position.DefaultHistory,
		Settings:        DefaultSettings(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FastInterval <= 0 {
		c.FastInterval = def.FastInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.MotionPeriod <= 0 {
		c.MotionPeriod = def.MotionPeriod
	}
	if c.DistanceFilterM <= 0 {
		c.DistanceFilterM = def.DistanceFilterM
	}
	if c.Fusion == (fusion.Config{}) {
		c.Fusion = def.Fusion
	}
	if c.SmoothingTau <= 0 {
		c.SmoothingTau = def.SmoothingTau
	}
	if c.PositionHistory <= 0 {
		c.PositionHistory = def.PositionHistory
	}
	if c.Settings.Validate() != nil {
		c.Settings = def.Settings
	}
	return c
}

// EntityView is one projected entity in a processing cycle's output.
type EntityView struct {
	ID         uint32     `json:"id"`
	Name       string     `json:"name,omitempty"`
	BatteryPct *int       `json:"battery_pct,omitempty"`
	SignalDB   *float64   `json:"signal_db,omitempty"`
	LastHeard  *time.Time `json:"last_heard,omitempty"`

	Position    geo.Point `json:"position"`
	HasAltitude bool      `json:"has_altitude"`

	World  projection.World  `json:"world"`
	Screen projection.Screen `json:"screen"`
	// SmoothX/SmoothY are the eased screen coordinates for rendering.
	SmoothX float64 `json:"smooth_x"`
	SmoothY float64 `json:"smooth_y"`

	VelNorthMPS float64    `json:"vel_north_mps"`
	VelEastMPS  float64    `json:"vel_east_mps"`
	Predicted   *geo.Point `json:"predicted,omitempty"`

	New    bool         `json:"new"`
	Moving bool         `json:"moving"`
	Threat threat.Level `json:"threat"`
}

// ClusterView is a group of nearby entities. It only exists for the cycle
// that produced it.
type ClusterView struct {
	Members  []uint32          `json:"members"`
	Centroid geo.Point         `json:"centroid"`
	World    projection.World  `json:"world"`
	Screen   projection.Screen `json:"screen"`
}

// Frame is the result of one processing cycle. Entities are in ascending
// distance order.
type Frame struct {
	At          time.Time          `json:"at"`
	Orientation fusion.Orientation `json:"orientation"`
	HaveUser    bool               `json:"have_user"`
	Entities    []EntityView       `json:"entities"`
	Clusters    []ClusterView      `json:"clusters"`
	// Skipped counts records dropped for missing or invalid coordinates,
	// zero distance or the distance limit.
	Skipped int `json:"skipped"`
}

type Diagnostics struct {
	Running bool `json:"running"`

	Ticks  uint64 `json:"ticks"`
	Cycles uint64 `json:"cycles"`
	Sweeps uint64 `json:"sweeps"`

	Ingest ingest.Counters `json:"ingest"`

	Tracked      int    `json:"tracked"`
	Evicted      uint64 `json:"evicted"`
	ActiveAlerts int    `json:"active_alerts"`
	FeedDrops    uint64 `json:"feed_drops"`

	// SourceErrors are host feed failures seen at the last Start.
	SourceErrors []string `json:"source_errors,omitempty"`
}
