package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"meshar/internal/calibration"
	"meshar/internal/config"
	"meshar/internal/engine"
	"meshar/internal/geo"
	"meshar/internal/gps"
	"meshar/internal/imu"
	"meshar/internal/indicator"
	"meshar/internal/meshfeed"
	"meshar/internal/replay"
	"meshar/internal/sim"
	"meshar/internal/tick"
	"meshar/internal/udp"
	"meshar/internal/web"
)

// startRetry is how long run waits before reopening the sensors and
// retrying an engine that found no sensor feed.
var startRetry = 5 * time.Second

const scenarioDir = "configs/scenarios"

type recordSource func(now time.Time) []engine.EntityRecord

// app owns every long-running piece of the process.
type app struct {
	cfg        config.Config
	configPath string
	mode       string
	clock      tick.Source

	engine *engine.Engine
	gps    *gps.Service
	imu    *imu.Service
	host   *sim.Host
	mesh   *meshfeed.Client
	alerts *udp.Broadcaster
	led    *indicator.Service

	meshLog    *replay.Writer
	meshReplay []replay.Record
	replayed   *meshfeed.Store
	loop       bool

	records []recordSource
}

func run(ctx context.Context, opts runOptions) error {
	logs := web.NewLogBuffer(2000)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	cfg, configPath, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if opts.listen != "" {
		cfg.Web.Listen = opts.listen
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(cfg, configPath, opts, tick.Wall{})
	if err != nil {
		return err
	}
	defer a.close()

	log.Printf("meshar starting mode=%s listen=%s", a.mode, cfg.Web.Listen)
	a.startDrivers(ctx)
	go func() {
		if err := a.startEngine(ctx); err != nil && ctx.Err() == nil {
			log.Printf("engine: start failed: %v", err)
			cancel()
		}
	}()
	go a.processLoop(ctx)
	a.startAlertSinks(ctx)

	err = web.Serve(ctx, cfg.Web.Listen, web.Handler(a.routes(logs)))
	log.Printf("meshar stopping")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loadConfig reads opts.configPath. A missing file is tolerated in demo
// mode so the simulator runs out of the box; settings are then not saved.
func loadConfig(opts runOptions) (config.Config, string, error) {
	cfg, err := config.Load(opts.configPath)
	if err == nil {
		return cfg, opts.configPath, nil
	}
	if errors.Is(err, os.ErrNotExist) && (opts.demo || opts.scenario != "") {
		log.Printf("config: %s not found, using defaults", opts.configPath)
		return config.Default(), "", nil
	}
	return config.Config{}, "", fmt.Errorf("config load failed: %w", err)
}

func newApp(cfg config.Config, configPath string, opts runOptions, clock tick.Source) (*app, error) {
	a := &app{cfg: cfg, configPath: configPath, clock: clock, loop: opts.loop}
	start := clock.Now()
	center := geo.Point{LatDeg: cfg.Sim.Ownship.CenterLatDeg, LonDeg: cfg.Sim.Ownship.CenterLonDeg, AltM: cfg.Sim.Ownship.AltM}

	var path sim.FixSource
	switch {
	case opts.scenario != "":
		script, err := sim.LoadScenarioScript(opts.scenario)
		if err != nil {
			return nil, err
		}
		scn, err := sim.NewScenario(script)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", opts.scenario, err)
		}
		pb := sim.Playback{Scenario: scn, Start: start, Loop: opts.loop}
		path = pb
		a.records = append(a.records, pb.Records)
		a.mode = "scenario"
	case opts.demo || cfg.Sim.Ownship.Enable:
		path = sim.Ownship{Center: center, RadiusM: cfg.Sim.Ownship.RadiusM, Period: cfg.Sim.Ownship.Period}
		a.mode = "demo"
	default:
		a.mode = "live"
	}

	var src engine.Sources
	src.Clock = clock
	if path != nil {
		a.host = sim.NewHost(sim.HostConfig{
			Path:          path,
			TurnDegPerSec: cfg.Sim.Ownship.TurnDegPerSec,
			MotionPeriod:  cfg.Engine.TickInterval,
		}, clock)
		src.Motion, src.Location = a.host, a.host
	} else {
		if cfg.GPS.Enable {
			a.gps = gps.New(gps.Config{
				Enable:   true,
				Source:   cfg.GPS.Source,
				GPSDAddr: cfg.GPS.GPSDAddr,
				Device:   cfg.GPS.Device,
				Baud:     cfg.GPS.Baud,
			})
			src.Location = a.gps
		}
		if cfg.IMU.Enable {
			a.imu = imu.New(imu.Config{
				Enable:       true,
				I2CBus:       cfg.IMU.I2CBus,
				IMUAddr:      cfg.IMU.IMUAddr,
				PollInterval: cfg.IMU.PollInterval,
			})
			src.Motion = a.imu
		}
	}

	if opts.scenario == "" && (opts.demo || cfg.Sim.Nodes.Enable) {
		nodes := sim.Nodes{
			Center:         center,
			Count:          cfg.Sim.Nodes.Count,
			RadiusM:        cfg.Sim.Nodes.RadiusM,
			Period:         cfg.Sim.Nodes.Period,
			DrainPctPerMin: cfg.Sim.Nodes.DrainPctPerMin,
			Start:          start,
		}
		a.records = append(a.records, nodes.Records)
	}
	switch {
	case opts.meshReplay != "":
		recs, err := replay.ReadFile(opts.meshReplay)
		if err != nil {
			return nil, fmt.Errorf("mesh replay: %w", err)
		}
		a.meshReplay = recs
		a.replayed = meshfeed.NewStore(meshfeed.StoreConfig{MaxNodes: cfg.Mesh.MaxNodes, TTL: cfg.Mesh.NodeTTL})
		a.records = append(a.records, a.replayed.Snapshot)
	case cfg.Mesh.Enable:
		mc := meshfeed.Config{
			Enable:         true,
			Addr:           cfg.Mesh.Addr,
			ReconnectDelay: cfg.Mesh.ReconnectDelay,
			NodeTTL:        cfg.Mesh.NodeTTL,
			MaxNodes:       cfg.Mesh.MaxNodes,
		}
		if opts.meshRecord != "" {
			w, err := replay.CreateWriter(opts.meshRecord, clock.Now())
			if err != nil {
				return nil, fmt.Errorf("mesh record: %w", err)
			}
			a.meshLog = w
			mc.Tap = a.recordLine
		}
		a.mesh = meshfeed.New(mc)
		a.records = append(a.records, func(time.Time) []engine.EntityRecord { return a.mesh.Nodes() })
	}

	if dest := strings.TrimSpace(cfg.UDP.Dest); dest != "" {
		b, err := udp.NewBroadcaster(dest)
		if err != nil {
			return nil, fmt.Errorf("udp: %w", err)
		}
		a.alerts = b
	}

	if cfg.Indicator.Enable {
		sev, err := indicator.ParseSeverity(cfg.Indicator.MinSeverity)
		if err != nil {
			return nil, fmt.Errorf("indicator: %w", err)
		}
		a.led = indicator.New(indicator.Config{
			Enable:      true,
			Pin:         cfg.Indicator.GPIOPin,
			MinSeverity: sev,
			HoldFor:     cfg.Indicator.HoldFor,
		})
	}

	a.engine = engine.New(engineConfig(cfg), src)
	return a, nil
}

func engineConfig(cfg config.Config) engine.Config {
	e := cfg.Engine
	ec := engine.DefaultConfig()
	ec.FastInterval = e.TickInterval
	ec.SweepInterval = e.SweepInterval
	ec.MotionPeriod = e.TickInterval
	ec.Calibration = calibration.Config{
		HFOVDeg:                e.FOV.HorizontalDeg,
		AspectW:                e.FOV.AspectW,
		AspectH:                e.FOV.AspectH,
		DeclinationOverrideDeg: e.DeclinationDeg,
	}
	ec.Tracker.MaxEntities = e.MaxEntities
	ec.Tracker.TTL = e.EntityTTL
	ec.Settings = web.SettingsFromConfig(cfg)
	if ec.Settings.VFOVDeg == 0 && e.FOV.VerticalDeg > 0 {
		ec.Settings.VFOVDeg = e.FOV.VerticalDeg
	}
	return ec
}

// startDrivers starts the host feeds. A driver that fails is logged and left
// for the engine to report as an unavailable feed.
func (a *app) startDrivers(ctx context.Context) {
	if a.host != nil {
		_ = a.host.Start(ctx)
	}
	a.startSensors(ctx)
	if a.mesh != nil {
		if err := a.mesh.Start(ctx); err != nil {
			log.Printf("meshfeed init failed: %v", err)
		}
	}
	if a.replayed != nil {
		go func() {
			if err := a.playMesh(ctx, nil); err != nil && ctx.Err() == nil {
				log.Printf("mesh replay: %v", err)
			}
		}()
	}
}

// startSensors opens the live GPS and IMU. Both are no-ops once running, so
// it is safe to call again on every engine start retry.
func (a *app) startSensors(ctx context.Context) {
	if a.gps != nil {
		if err := a.gps.Start(ctx); err != nil {
			log.Printf("gps init failed: %v", err)
		}
	}
	if a.imu != nil {
		if err := a.imu.Start(ctx); err != nil {
			log.Printf("imu init failed: %v", err)
		}
	}
}

func (a *app) recordLine(line []byte, at time.Time) {
	if err := a.meshLog.WriteLine(at, line); err != nil {
		log.Printf("mesh record: %v", err)
	}
}

// playMesh feeds recorded bridge lines into the replay store, stamping each
// with the current clock.
func (a *app) playMesh(ctx context.Context, sleeper replay.Sleeper) error {
	log.Printf("mesh replay: %d records loop=%v", len(a.meshReplay), a.loop)
	return replay.Play(ctx, a.meshReplay, 1, a.loop, sleeper, func(line []byte) error {
		u, ok, err := meshfeed.ParseLine(line, a.clock.Now())
		if err != nil {
			log.Printf("mesh replay: skip line: %v", err)
			return nil
		}
		if ok {
			a.replayed.Apply(u)
		}
		return nil
	})
}

// startAlertSinks attaches the UDP forwarder and the GPIO indicator to the
// alert feed.
func (a *app) startAlertSinks(ctx context.Context) {
	alerts := a.engine.Feeds().Alerts
	if a.alerts != nil {
		_, ch := alerts.Subscribe(16)
		go udp.Forward(ctx, a.alerts, ch, nil)
	}
	if a.led != nil {
		id, ch := alerts.Subscribe(16)
		if err := a.led.Start(ctx, ch); err != nil {
			log.Printf("indicator init failed: %v", err)
			alerts.Unsubscribe(id)
		}
	}
}

// startEngine retries while no sensor feed is available, reopening the
// sensors before each attempt.
func (a *app) startEngine(ctx context.Context) error {
	for first := true; ; first = false {
		if !first {
			a.startSensors(ctx)
		}
		err := a.engine.Start(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, engine.ErrNoSensors) {
			return err
		}
		log.Printf("engine: %v, retrying in %s", err, startRetry)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(startRetry):
		}
	}
}

func (a *app) collect(now time.Time) []engine.EntityRecord {
	var out []engine.EntityRecord
	for _, src := range a.records {
		out = append(out, src(now)...)
	}
	return out
}

// processOnce runs one processing cycle. It reports false once the engine
// has stopped.
func (a *app) processOnce(ctx context.Context, now time.Time) bool {
	_, err := a.engine.Process(ctx, a.collect(now))
	switch {
	case err == nil, errors.Is(err, engine.ErrNotStarted):
		return true
	case errors.Is(err, engine.ErrStopped), errors.Is(err, context.Canceled):
		return false
	default:
		log.Printf("engine: process: %v", err)
		return true
	}
}

func (a *app) processLoop(ctx context.Context) {
	t := a.clock.NewTicker(a.cfg.Engine.ProcessInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C():
			if !a.processOnce(ctx, now) {
				return
			}
		}
	}
}

func (a *app) routes(logs *web.LogBuffer) web.Routes {
	status := web.NewStatus()
	udpDest := ""
	if a.alerts != nil {
		udpDest = a.alerts.Dest()
	}
	status.SetStatic(a.mode, udpDest)
	status.SetEngine(a.engine)
	if a.gps != nil {
		status.AddSource("gps", func() any { return a.gps.Snapshot() })
	}
	if a.imu != nil {
		status.AddSource("imu", func() any { return a.imu.Snapshot() })
	}
	if a.mesh != nil {
		status.AddSource("mesh", func() any { return a.mesh.Status() })
	}
	if a.alerts != nil {
		status.AddSource("udp", func() any { return a.alerts.Stats() })
	}
	if a.led != nil {
		status.AddSource("indicator", func() any { return a.led.Snapshot() })
	}

	rt := web.Routes{
		Status:   status,
		Settings: web.SettingsStore{ConfigPath: a.configPath, Engine: a.engine},
		Logs:     logs,
		Streams:  web.NewStreams(a.engine.Feeds()),

		ScenarioDir: scenarioDir,
	}
	if a.imu != nil {
		rt.IMU = a.imu
	}
	return rt
}

func (a *app) close() {
	a.engine.Close()
	a.host.Close()
	a.imu.Close()
	a.gps.Close()
	a.mesh.Close()
	a.led.Close()
	if err := a.meshLog.Close(); err != nil {
		log.Printf("mesh record: close: %v", err)
	}
	if a.alerts != nil {
		_ = a.alerts.Close()
	}
}
