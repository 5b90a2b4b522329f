package sim

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"meshar/internal/engine"
	"meshar/internal/feed"
	"meshar/internal/geo"
	"meshar/internal/ingest"
	"meshar/internal/tick"
)

const standardGravity = 9.80665

// FixSource is a simulated position track.
type FixSource interface {
	FixAt(now time.Time) ingest.Fix
}

type HostConfig struct {
	Path FixSource
	// TurnDegPerSec spins the simulated device about its vertical axis.
	TurnDegPerSec float64
	FixInterval   time.Duration
	MotionPeriod  time.Duration
	// FieldHorizUT and FieldDownUT shape the simulated Earth field.
	FieldHorizUT float64
	FieldDownUT  float64
}

type locationSink struct {
	sink engine.LocationSink
	gate ingest.Gate
}

// Host plays the part of the device's sensor and location services: a level
// device turning at a constant rate and a fix stream from Path. It
// implements engine.MotionSource and engine.LocationSource.
type Host struct {
	cfg   HostConfig
	clock tick.Source
	start time.Time

	motion   feed.Sinks[engine.MotionSink]
	location feed.Sinks[*locationSink]

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

func NewHost(cfg HostConfig, clock tick.Source) *Host {
	if clock == nil {
		clock = tick.Wall{}
	}
	if cfg.FixInterval <= 0 {
		cfg.FixInterval = time.Second
	}
	if cfg.MotionPeriod <= 0 {
		cfg.MotionPeriod = 16 * time.Millisecond
	}
	if cfg.FieldHorizUT == 0 && cfg.FieldDownUT == 0 {
		cfg.FieldHorizUT, cfg.FieldDownUT = 20, 45
	}
	return &Host{
		cfg:    cfg,
		clock:  clock,
		start:  clock.Now(),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (h *Host) SubscribeMotion(req engine.MotionRequest, sink engine.MotionSink) (engine.Subscription, error) {
	if h == nil || sink == nil {
		return nil, fmt.Errorf("sim: motion sink is nil")
	}
	return h.motion.Add(sink), nil
}

func (h *Host) SubscribeLocation(req engine.LocationRequest, sink engine.LocationSink) (engine.Subscription, error) {
	if h == nil || sink == nil {
		return nil, fmt.Errorf("sim: location sink is nil")
	}
	if h.cfg.Path == nil {
		return nil, fmt.Errorf("sim: no ownship path")
	}
	return h.location.Add(&locationSink{
		sink: sink,
		gate: ingest.Gate{MinDistanceM: req.DistanceFilterM, MaxInterval: 5 * time.Second},
	}), nil
}

// HeadingAt is the simulated magnetic heading.
func (h *Host) HeadingAt(now time.Time) float64 {
	return geo.Wrap360(h.cfg.TurnDegPerSec * now.Sub(h.start).Seconds())
}

// Start runs the sensor loops until ctx is done or Close is called.
func (h *Host) Start(ctx context.Context) error {
	if h == nil {
		return fmt.Errorf("sim: host is nil")
	}
	h.startOnce.Do(func() {
		motion := h.clock.NewTicker(h.cfg.MotionPeriod)
		fixes := h.clock.NewTicker(h.cfg.FixInterval)
		log.Printf("sim: host sensors running turn=%.1f deg/s", h.cfg.TurnDegPerSec)
		go h.run(ctx, motion, fixes)
	})
	return nil
}

func (h *Host) Close() {
	if h == nil {
		return
	}
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.startOnce.Do(func() { close(h.done) })
	<-h.done
}

func (h *Host) run(ctx context.Context, motion, fixes tick.Ticker) {
	defer func() {
		motion.Stop()
		fixes.Stop()
		close(h.done)
	}()
	h.emitFix(h.clock.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case now := <-motion.C():
			h.emitMotion(now)
		case now := <-fixes.C():
			h.emitFix(now)
		}
	}
}

func (h *Host) emitMotion(now time.Time) {
	hd := geo.Rad(h.HeadingAt(now))
	accel := r3.Vec{Z: standardGravity}
	gyro := r3.Vec{Z: geo.Rad(h.cfg.TurnDegPerSec)}
	mag := r3.Vec{
		X: h.cfg.FieldHorizUT * math.Cos(hd),
		Y: -h.cfg.FieldHorizUT * math.Sin(hd),
		Z: -h.cfg.FieldDownUT,
	}
	h.motion.Each(func(s engine.MotionSink) {
		s.OnAccel(accel, now)
		s.OnGyro(gyro, now)
		s.OnMag(mag, now)
	})
}

func (h *Host) emitFix(now time.Time) {
	if h.cfg.Path == nil {
		return
	}
	fix := h.cfg.Path.FixAt(now)
	h.location.Each(func(ls *locationSink) {
		if ls.gate.Allow(fix) {
			ls.sink.OnFix(fix)
		}
	})
}
