package engine

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"meshar/internal/calibration"
	"meshar/internal/cluster"
	"meshar/internal/fusion"
	"meshar/internal/geo"
	"meshar/internal/ingest"
	"meshar/internal/position"
	"meshar/internal/projection"
	"meshar/internal/threat"
	"meshar/internal/tracker"
)

// core is all mutable engine state. It has no locking of its own: the
// scheduler goroutine is its only caller once the engine runs, and tests
// drive it directly.
type core struct {
	cfg Config

	store    *ingest.Store
	filter   *fusion.Filter
	calib    *calibration.Estimator
	own      *position.Tracker
	entities *tracker.Tracker
	smoother *projection.Smoother
	sweeper  *threat.Sweeper

	lastMagAt time.Time
	user      position.UserPosition
	haveUser  bool

	ticks, cycles, sweeps uint64
}

func newCore(cfg Config) *core {
	cfg = cfg.withDefaults()
	return &core{
		cfg:      cfg,
		store:    ingest.NewStore(),
		filter:   fusion.NewFilter(cfg.Fusion),
		calib:    calibration.NewEstimator(cfg.Calibration),
		own:      position.NewTracker(cfg.PositionHistory),
		entities: tracker.New(cfg.Tracker),
		smoother: projection.NewSmoother(cfg.SmoothingTau),
		sweeper:  threat.NewSweeper(cfg.Threat),
	}
}

// tick is the fast-rate step: drain the ingest store, fuse a new orientation
// and fold in any new GPS fix. fixed is true when a new position resulted.
func (c *core) tick(now time.Time) (o fusion.Orientation, pos position.UserPosition, fixed bool) {
	c.ticks++
	d := c.store.Drain()

	in := fusion.Input{
		Accel:        d.Accel.Vec,
		HaveAccel:    d.Accel.Valid(),
		Mag:          d.Mag.Vec,
		HaveMag:      d.Mag.Valid(),
		GyroDeltaDeg: d.GyroDeltaDeg,
	}
	if in.HaveMag && d.Mag.At.After(c.lastMagAt) {
		c.lastMagAt = d.Mag.At
		c.calib.ObserveMag(r3.Norm(d.Mag.Vec))
	}
	o = c.filter.Step(in, now)

	if d.HasFix && (geo.Point{LatDeg: d.Fix.LatDeg, LonDeg: d.Fix.LonDeg}).Valid() {
		at := d.Fix.At
		if at.IsZero() {
			at = now
		}
		pos = c.own.Update(d.Fix.LatDeg, d.Fix.LonDeg, d.Fix.AltM, d.Fix.HorizAccM, at)
		c.calib.UpdateFix(d.Fix.LatDeg, d.Fix.LonDeg, d.Fix.HorizAccM)
		c.user, c.haveUser = pos, true
		fixed = true
	}
	return o, pos, fixed
}

func (c *core) view(s Settings) projection.View {
	cal := c.calib.State()
	o := c.filter.Last()
	v := projection.View{
		HeadingDeg:     o.HeadingDeg,
		PitchDeg:       o.PitchDeg,
		DeclinationDeg: cal.DeclinationDeg,
		HFOVDeg:        cal.HFOVDeg,
		VFOVDeg:        cal.VFOVDeg,
	}
	if s.HFOVDeg > 0 {
		aw, ah := c.aspect()
		v.HFOVDeg = s.HFOVDeg
		v.VFOVDeg = calibration.VerticalFOV(s.HFOVDeg, aw, ah)
	}
	if s.VFOVDeg > 0 {
		v.VFOVDeg = s.VFOVDeg
	}
	return v
}

func (c *core) aspect() (w, h float64) {
	w, h = c.cfg.Calibration.AspectW, c.cfg.Calibration.AspectH
	if w <= 0 || h <= 0 {
		return calibration.DefaultAspectW, calibration.DefaultAspectH
	}
	return w, h
}

// process runs one entity cycle: track, project, cluster, classify.
func (c *core) process(now time.Time, recs []EntityRecord, s Settings) Frame {
	c.cycles++
	c.entities.Expire(now)

	opts := tracker.Options{Tracking: s.Tracking, Prediction: s.Tracking && s.Prediction}
	frame := Frame{At: now, Orientation: c.filter.Last(), HaveUser: c.haveUser}
	v := c.view(s)
	user := c.user.Point()

	c.smoother.Begin()
	for _, rec := range recs {
		e := c.entities.Observe(now, rec, opts)
		if e == nil {
			frame.Skipped++
			continue
		}
		if !c.haveUser {
			continue
		}
		view, ok := c.project(e, user, v, now, s)
		if !ok {
			frame.Skipped++
			continue
		}
		frame.Entities = append(frame.Entities, view)
	}
	c.smoother.Prune()

	sort.SliceStable(frame.Entities, func(i, j int) bool {
		a, b := frame.Entities[i], frame.Entities[j]
		if a.World.DistanceM != b.World.DistanceM {
			return a.World.DistanceM < b.World.DistanceM
		}
		return a.ID < b.ID
	})
	frame.Clusters = c.clusters(frame.Entities, user, v, s.ClusterRadiusM)
	return frame
}

func (c *core) project(e *tracker.Entity, user geo.Point, v projection.View, now time.Time, s Settings) (EntityView, bool) {
	latest, ok := e.Latest()
	if !ok {
		return EntityView{}, false
	}
	w, ok := projection.ProjectWorld(user, latest.Point, latest.HasAlt)
	if !ok {
		return EntityView{}, false
	}
	if s.MaxDistanceM > 0 && w.DistanceM > s.MaxDistanceM {
		return EntityView{}, false
	}
	sc := projection.ProjectScreen(w, v, c.cfg.Style)
	sx, sy := c.smoother.Smooth(e.ID, sc.X, sc.Y, now)

	pos := latest.Point
	if !latest.HasAlt {
		pos.AltM = user.AltM
	}
	out := EntityView{
		ID:          e.ID,
		Name:        e.Record.Name,
		BatteryPct:  e.Record.BatteryPct,
		SignalDB:    e.Record.SignalDB,
		LastHeard:   e.Record.LastHeard,
		Position:    pos,
		HasAltitude: latest.HasAlt,
		World:       w,
		Screen:      sc,
		SmoothX:     sx,
		SmoothY:     sy,
		VelNorthMPS: e.VelNorthMPS,
		VelEastMPS:  e.VelEastMPS,
		New:         c.entities.IsNew(e, now),
		Moving:      c.entities.IsMoving(e),
	}
	if e.HasPrediction {
		p := e.Predicted
		out.Predicted = &p
	}
	out.Threat = threat.Classify(c.cfg.Threat, c.subject(e, now), now)
	return out, true
}

func (c *core) clusters(views []EntityView, user geo.Point, v projection.View, radiusM float64) []ClusterView {
	items := make([]cluster.Item, 0, len(views))
	for _, ev := range views {
		items = append(items, cluster.Item{
			ID:        ev.ID,
			Point:     ev.Position,
			DistanceM: ev.World.DistanceM,
			EastM:     ev.World.EastM,
			NorthM:    ev.World.NorthM,
		})
	}
	groups := cluster.Greedy(items, radiusM)
	if len(groups) == 0 {
		return nil
	}
	out := make([]ClusterView, 0, len(groups))
	for _, g := range groups {
		cv := ClusterView{Members: g.IDs, Centroid: g.Centroid}
		if w, ok := projection.ProjectWorld(user, g.Centroid, true); ok {
			cv.World = w
			cv.Screen = projection.ProjectScreen(w, v, c.cfg.Style)
		}
		out = append(out, cv)
	}
	return out
}

func (c *core) subject(e *tracker.Entity, now time.Time) threat.Subject {
	return threat.Subject{
		ID:         e.ID,
		Name:       e.Record.Name,
		FirstSeen:  e.FirstSeen,
		LastHeard:  e.Record.LastHeard,
		BatteryPct: e.Record.BatteryPct,
		IsNew:      c.entities.IsNew(e, now),
		Moving:     c.entities.IsMoving(e),
		SpeedMPS:   e.SpeedMPS(),
	}
}

// sweep is the slow-rate step: refresh the compass bucket and evaluate
// alert conditions over the whole entity table.
func (c *core) sweep(now time.Time) []threat.Alert {
	c.sweeps++
	c.calib.Evaluate()
	all := c.entities.All()
	subjects := make([]threat.Subject, 0, len(all))
	for _, e := range all {
		subjects = append(subjects, c.subject(e, now))
	}
	return c.sweeper.Sweep(subjects, now)
}

func (c *core) diagnostics() Diagnostics {
	return Diagnostics{
		Ticks:        c.ticks,
		Cycles:       c.cycles,
		Sweeps:       c.sweeps,
		Ingest:       c.store.Counters(),
		Tracked:      c.entities.Len(),
		Evicted:      c.entities.Evicted(),
		ActiveAlerts: c.sweeper.Active(),
	}
}
