package web

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"meshar/internal/calibration"
	"meshar/internal/engine"
	"meshar/internal/fusion"
	"meshar/internal/position"
)

// EngineStatus is the read side of the engine the status page reports.
type EngineStatus interface {
	Orientation() (fusion.Orientation, bool)
	Position() (position.UserPosition, bool)
	Calibration() calibration.State
	Diagnostics() engine.Diagnostics
}

type Status struct {
	startUnixNano int64
	mode          atomic.Value // string
	udpDest       atomic.Value // string

	mu      sync.RWMutex
	engine  EngineStatus
	sources map[string]func() any
}

func NewStatus() *Status {
	s := &Status{sources: make(map[string]func() any)}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.mode.Store("")
	s.udpDest.Store("")
	return s
}

// SetStatic records values fixed for the life of the process. Empty strings
// leave the current value.
func (s *Status) SetStatic(mode string, udpDest string) {
	if mode != "" {
		s.mode.Store(mode)
	}
	if udpDest != "" {
		s.udpDest.Store(udpDest)
	}
}

func (s *Status) SetEngine(e EngineStatus) {
	s.mu.Lock()
	s.engine = e
	s.mu.Unlock()
}

// AddSource registers a named snapshot func (gps, imu, mesh, ...). It is
// called on every status request and must be cheap.
func (s *Status) AddSource(name string, fn func() any) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.sources[name] = fn
	s.mu.Unlock()
}

type StatusSnapshot struct {
	Service   string `json:"service"`
	NowUTC    string `json:"now_utc"`
	UptimeSec int64  `json:"uptime_sec"`
	Mode      string `json:"mode"`
	UDPDest   string `json:"udp_dest,omitempty"`

	Orientation *fusion.Orientation    `json:"orientation,omitempty"`
	Position    *position.UserPosition `json:"position,omitempty"`
	Calibration *calibration.State     `json:"calibration,omitempty"`
	Diagnostics *engine.Diagnostics    `json:"diagnostics,omitempty"`
	Tracked     int                    `json:"tracked"`

	Sources map[string]any `json:"sources"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:   "meshar",
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(start).Seconds()),
		Mode:      s.mode.Load().(string),
		UDPDest:   s.udpDest.Load().(string),
		Sources:   map[string]any{},
	}

	s.mu.RLock()
	eng := s.engine
	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	fns := make([]func() any, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		fns = append(fns, s.sources[name])
	}
	s.mu.RUnlock()

	for i, name := range names {
		snap.Sources[name] = fns[i]()
	}
	if eng == nil {
		return snap
	}
	if o, ok := eng.Orientation(); ok {
		snap.Orientation = &o
	}
	if p, ok := eng.Position(); ok {
		snap.Position = &p
	}
	cal := eng.Calibration()
	snap.Calibration = &cal
	diag := eng.Diagnostics()
	snap.Diagnostics = &diag
	snap.Tracked = diag.Tracked
	return snap
}
