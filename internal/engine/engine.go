// Package engine runs the sensor-fusion and spatial-tracking pipeline.
//
// All mutable state is owned by one scheduler goroutine. Host sensor and
// location callbacks only store the latest sample; the fast tick fuses
// orientation and folds in GPS fixes, the slow tick sweeps for alerts, and
// Process runs a caller-driven entity cycle on the same goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"meshar/internal/calibration"
	"meshar/internal/feed"
	"meshar/internal/fusion"
	"meshar/internal/position"
	"meshar/internal/threat"
	"meshar/internal/tick"
)

type lifecycle int

const (
	stateIdle lifecycle = iota
	stateRunning
	stateStopped
)

// Feeds are the output channels. Published slices are shared between
// subscribers and must be treated as read-only.
type Feeds struct {
	Orientation *feed.Broadcaster[fusion.Orientation]
	Position    *feed.Broadcaster[position.UserPosition]
	Entities    *feed.Broadcaster[[]EntityView]
	Clusters    *feed.Broadcaster[[]ClusterView]
	Alerts      *feed.Broadcaster[[]threat.Alert]
}

type processReq struct {
	records []EntityRecord
	reply   chan Frame
}

type Engine struct {
	cfg     Config
	sources Sources
	clock   tick.Source
	core    *core
	feeds   Feeds
	reqs    chan processReq

	mu           sync.RWMutex
	state        lifecycle
	settings     Settings
	orientation  fusion.Orientation
	haveOrient   bool
	position     position.UserPosition
	havePosition bool
	diag         Diagnostics
	sourceErrs   []string
	stopCh       chan struct{}
	done         chan struct{}
	stopOnce     sync.Once
}

func New(cfg Config, src Sources) *Engine {
	cfg = cfg.withDefaults()
	if src.Clock == nil {
		src.Clock = tick.Wall{}
	}
	return &Engine{
		cfg:      cfg,
		sources:  src,
		clock:    src.Clock,
		core:     newCore(cfg),
		settings: cfg.Settings,
		reqs:     make(chan processReq),
		feeds: Feeds{
			Orientation: feed.NewBroadcaster[fusion.Orientation](),
			Position:    feed.NewBroadcaster[position.UserPosition](),
			Entities:    feed.NewBroadcaster[[]EntityView](),
			Clusters:    feed.NewBroadcaster[[]ClusterView](),
			Alerts:      feed.NewBroadcaster[[]threat.Alert](),
		},
	}
}

func (e *Engine) Feeds() Feeds {
	if e == nil {
		return Feeds{}
	}
	return e.feeds
}

// Start subscribes to the host feeds and starts both tickers. It is a no-op
// when already running. A feed that cannot be acquired is logged once and
// reported in Diagnostics; if none can, Start returns ErrNoSensors and the
// engine stays idle so the caller may retry.
func (e *Engine) Start(ctx context.Context) error {
	if e == nil {
		return fmt.Errorf("engine: engine is nil")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case stateRunning:
		return nil
	case stateStopped:
		return ErrStopped
	}

	var subs []Subscription
	var errs []error
	if e.sources.Motion == nil {
		errs = append(errs, errors.New("motion: no source configured"))
	} else if sub, err := e.sources.Motion.SubscribeMotion(MotionRequest{Period: e.cfg.MotionPeriod}, e.core.store); err != nil {
		errs = append(errs, fmt.Errorf("motion: %w", err))
	} else {
		subs = append(subs, sub)
	}
	if e.sources.Location == nil {
		errs = append(errs, errors.New("location: no source configured"))
	} else if sub, err := e.sources.Location.SubscribeLocation(LocationRequest{HighAccuracy: true, DistanceFilterM: e.cfg.DistanceFilterM}, e.core.store); err != nil {
		errs = append(errs, fmt.Errorf("location: %w", err))
	} else {
		subs = append(subs, sub)
	}

	e.sourceErrs = e.sourceErrs[:0]
	for _, err := range errs {
		log.Printf("engine: %v", err)
		e.sourceErrs = append(e.sourceErrs, err.Error())
	}
	if len(subs) == 0 {
		return fmt.Errorf("%w: %w", ErrNoSensors, errors.Join(errs...))
	}

	fast := e.clock.NewTicker(e.cfg.FastInterval)
	slow := e.clock.NewTicker(e.cfg.SweepInterval)
	e.stopCh = make(chan struct{})
	e.done = make(chan struct{})
	e.state = stateRunning
	go e.run(ctx, fast, slow, subs, e.stopCh, e.done)
	log.Printf("engine: started (tick=%s sweep=%s feeds=%d)", e.cfg.FastInterval, e.cfg.SweepInterval, len(subs))
	return nil
}

// Stop unsubscribes from every host feed and stops both tickers before it
// returns. It is idempotent; a stopped engine cannot be restarted.
func (e *Engine) Stop() {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.state != stateRunning {
		e.mu.Unlock()
		return
	}
	stopCh, done := e.stopCh, e.done
	e.mu.Unlock()

	e.stopOnce.Do(func() { close(stopCh) })
	<-done
}

// Close stops the engine and closes every output feed.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.Stop()
	e.mu.Lock()
	if e.state == stateIdle {
		e.state = stateStopped
	}
	e.mu.Unlock()
	e.feeds.Orientation.Close()
	e.feeds.Position.Close()
	e.feeds.Entities.Close()
	e.feeds.Clusters.Close()
	e.feeds.Alerts.Close()
}

func (e *Engine) run(ctx context.Context, fast, slow tick.Ticker, subs []Subscription, stopCh, done chan struct{}) {
	defer close(done)
	defer func() {
		fast.Stop()
		slow.Stop()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		e.mu.Lock()
		e.state = stateStopped
		e.mu.Unlock()
		log.Printf("engine: stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-fast.C():
			o, pos, fixed := e.core.tick(e.clock.Now())
			e.mu.Lock()
			e.orientation, e.haveOrient = o, true
			if fixed {
				e.position, e.havePosition = pos, true
			}
			e.diag = e.core.diagnostics()
			e.mu.Unlock()
			e.feeds.Orientation.Publish(o)
			if fixed {
				e.feeds.Position.Publish(pos)
			}
		case <-slow.C():
			alerts := e.core.sweep(e.clock.Now())
			e.mu.Lock()
			e.diag = e.core.diagnostics()
			e.mu.Unlock()
			if len(alerts) > 0 {
				e.feeds.Alerts.Publish(alerts)
			}
		case req := <-e.reqs:
			frame := e.core.process(e.clock.Now(), req.records, e.Settings())
			e.mu.Lock()
			e.diag = e.core.diagnostics()
			e.mu.Unlock()
			req.reply <- frame
			e.feeds.Entities.Publish(frame.Entities)
			e.feeds.Clusters.Publish(frame.Clusters)
		}
	}
}

// Process runs one entity-processing cycle against the current fused state
// and returns its frame. The entity and cluster feeds receive the same data.
func (e *Engine) Process(ctx context.Context, records []EntityRecord) (Frame, error) {
	if e == nil {
		return Frame{}, fmt.Errorf("engine: engine is nil")
	}
	e.mu.RLock()
	state, done := e.state, e.done
	e.mu.RUnlock()
	switch state {
	case stateIdle:
		return Frame{}, ErrNotStarted
	case stateStopped:
		return Frame{}, ErrStopped
	}

	req := processReq{records: append([]EntityRecord(nil), records...), reply: make(chan Frame, 1)}
	select {
	case e.reqs <- req:
	case <-done:
		return Frame{}, ErrStopped
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
	select {
	case f := <-req.reply:
		return f, nil
	case <-done:
		select {
		case f := <-req.reply:
			return f, nil
		default:
			return Frame{}, ErrStopped
		}
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (e *Engine) Settings() Settings {
	if e == nil {
		return DefaultSettings()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

// SetSettings replaces the runtime settings. They apply from the next
// processing cycle.
func (e *Engine) SetSettings(s Settings) error {
	if e == nil {
		return fmt.Errorf("engine: engine is nil")
	}
	if err := s.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.settings = s
	e.mu.Unlock()
	return nil
}

// Orientation returns the latest fused orientation.
func (e *Engine) Orientation() (fusion.Orientation, bool) {
	if e == nil {
		return fusion.Orientation{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.orientation, e.haveOrient
}

// Position returns the latest user position.
func (e *Engine) Position() (position.UserPosition, bool) {
	if e == nil {
		return position.UserPosition{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.position, e.havePosition
}

func (e *Engine) Calibration() calibration.State {
	if e == nil {
		return calibration.State{Compass: calibration.CompassUnknown, GPS: calibration.GPSUnknown}
	}
	return e.core.calib.State()
}

func (e *Engine) Diagnostics() Diagnostics {
	if e == nil {
		return Diagnostics{}
	}
	e.mu.RLock()
	d := e.diag
	d.Running = e.state == stateRunning
	d.SourceErrors = append([]string(nil), e.sourceErrs...)
	e.mu.RUnlock()
	d.Ingest = e.core.store.Counters()
	d.FeedDrops = e.feeds.Orientation.Dropped() + e.feeds.Position.Dropped() +
		e.feeds.Entities.Dropped() + e.feeds.Clusters.Dropped() + e.feeds.Alerts.Dropped()
	return d
}

// Tracked is the number of entities in the table after the last cycle.
func (e *Engine) Tracked() int {
	if e == nil {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.diag.Tracked
}
