package sim

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"meshar/internal/engine"
	"meshar/internal/geo"
	"meshar/internal/ingest"
)

// ScenarioScript is a keyframed demo, replayed deterministically.
//
//	version: 1
//	duration: 10m
//	ownship:
//	  horiz_acc_m: 5
//	  keyframes:
//	    - {t: 0s, lat_deg: 47.6062, lon_deg: -122.3321, alt_m: 50}
//	nodes:
//	  - id: 0x1001
//	    name: Ridge
//	    keyframes:
//	      - {t: 0s, lat_deg: 47.61, lon_deg: -122.33, battery_pct: 80}
//	      - {t: 5m, lat_deg: 47.62, lon_deg: -122.33, battery_pct: 40, silent: true}
//
// Keyframes must be sorted by t. Duration defaults to the last keyframe.
type ScenarioScript struct {
	Version  int             `yaml:"version"`
	Duration time.Duration   `yaml:"duration"`
	Ownship  ScenarioOwnship `yaml:"ownship"`
	Nodes    []ScenarioNode  `yaml:"nodes"`
}

type ScenarioOwnship struct {
	HorizAccM float64    `yaml:"horiz_acc_m"`
	Keyframes []Keyframe `yaml:"keyframes"`
}

type ScenarioNode struct {
	ID        uint32     `yaml:"id"`
	Name      string     `yaml:"name"`
	Keyframes []Keyframe `yaml:"keyframes"`
}

// Keyframe is a timed state. BatteryPct and Silent only apply to nodes; a
// silent node is not heard from until a later audible keyframe.
type Keyframe struct {
	T          time.Duration `yaml:"t"`
	LatDeg     float64       `yaml:"lat_deg"`
	LonDeg     float64       `yaml:"lon_deg"`
	AltM       float64       `yaml:"alt_m"`
	BatteryPct *int          `yaml:"battery_pct,omitempty"`
	Silent     bool          `yaml:"silent,omitempty"`
}

// Scenario is a validated script.
type Scenario struct {
	script   ScenarioScript
	duration time.Duration
}

func LoadScenarioScript(path string) (ScenarioScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ScenarioScript{}, err
	}
	return ParseScenarioScriptYAML(b)
}

// ParseScenarioScriptYAML rejects unknown keys.
func ParseScenarioScriptYAML(b []byte) (ScenarioScript, error) {
	var s ScenarioScript
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return ScenarioScript{}, fmt.Errorf("sim: scenario: %w", err)
	}
	return s, nil
}

func NewScenario(script ScenarioScript) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported scenario version %d", script.Version)
	}
	if len(script.Ownship.Keyframes) == 0 {
		return nil, fmt.Errorf("ownship.keyframes is required")
	}
	if err := validateKeyframes("ownship", script.Ownship.Keyframes); err != nil {
		return nil, err
	}

	seen := make(map[uint32]bool, len(script.Nodes))
	for i, n := range script.Nodes {
		if n.ID == 0 {
			return nil, fmt.Errorf("nodes[%d].id is required", i)
		}
		if seen[n.ID] {
			return nil, fmt.Errorf("nodes[%d].id 0x%x is duplicated", i, n.ID)
		}
		seen[n.ID] = true
		if len(n.Keyframes) == 0 {
			return nil, fmt.Errorf("nodes[%d].keyframes is required", i)
		}
		if err := validateKeyframes(fmt.Sprintf("nodes[%d]", i), n.Keyframes); err != nil {
			return nil, err
		}
	}

	dur := script.Duration
	if dur <= 0 {
		dur = maxKeyframeTime(script)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration is required (or derivable from keyframes)")
	}
	return &Scenario{script: script, duration: dur}, nil
}

func (s *Scenario) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return s.duration
}

type NodeState struct {
	ID         uint32
	Name       string
	Position   geo.Point
	BatteryPct *int
	// HeardAt is the elapsed time the node was last audible.
	HeardAt time.Duration
}

type ScenarioState struct {
	Ownship   geo.Point
	HorizAccM float64
	Nodes     []NodeState
}

// StateAt samples the script at elapsed. With loop the timeline wraps at
// Duration; otherwise elapsed is clamped to [0, Duration].
func (s *Scenario) StateAt(elapsed time.Duration, loop bool) ScenarioState {
	if s == nil {
		return ScenarioState{}
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if loop {
		elapsed %= s.duration
	} else if elapsed > s.duration {
		elapsed = s.duration
	}

	acc := s.script.Ownship.HorizAccM
	if acc <= 0 {
		acc = 5
	}
	own, _ := sample(s.script.Ownship.Keyframes, elapsed)
	out := ScenarioState{Ownship: own.point(), HorizAccM: acc}
	for _, n := range s.script.Nodes {
		kf, heard := sample(n.Keyframes, elapsed)
		out.Nodes = append(out.Nodes, NodeState{
			ID:         n.ID,
			Name:       n.Name,
			Position:   kf.point(),
			BatteryPct: kf.BatteryPct,
			HeardAt:    heard,
		})
	}
	return out
}

func (k Keyframe) point() geo.Point {
	return geo.Point{LatDeg: k.LatDeg, LonDeg: k.LonDeg, AltM: k.AltM}
}

// sample interpolates between the keyframes around t. A silent segment
// holds the last audible state instead.
func sample(kfs []Keyframe, t time.Duration) (Keyframe, time.Duration) {
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx == 0 {
		return kfs[0], 0
	}
	k0 := kfs[idx-1]

	heardIdx := idx - 1
	for heardIdx >= 0 && kfs[heardIdx].Silent {
		heardIdx--
	}
	if k0.Silent {
		if heardIdx < 0 {
			return kfs[0], 0
		}
		return kfs[heardIdx], kfs[heardIdx].T
	}
	if idx >= len(kfs) || kfs[idx].Silent {
		return k0, t
	}

	k1 := kfs[idx]
	alpha := 0.0
	if dt := k1.T - k0.T; dt > 0 {
		alpha = geo.Clamp(float64(t-k0.T)/float64(dt), 0, 1)
	}
	out := Keyframe{
		T:      t,
		LatDeg: lerp(k0.LatDeg, k1.LatDeg, alpha),
		LonDeg: lerp(k0.LonDeg, k1.LonDeg, alpha),
		AltM:   lerp(k0.AltM, k1.AltM, alpha),
	}
	switch {
	case k0.BatteryPct != nil && k1.BatteryPct != nil:
		b := int(math.Round(lerp(float64(*k0.BatteryPct), float64(*k1.BatteryPct), alpha)))
		out.BatteryPct = &b
	case k0.BatteryPct != nil:
		b := *k0.BatteryPct
		out.BatteryPct = &b
	}
	return out, t
}

func validateKeyframes(prefix string, kfs []Keyframe) error {
	for i, kf := range kfs {
		if kf.T < 0 {
			return fmt.Errorf("%s.keyframes[%d].t must be >= 0", prefix, i)
		}
		if i > 0 && kf.T < kfs[i-1].T {
			return fmt.Errorf("%s.keyframes must be sorted by t (index %d)", prefix, i)
		}
		if !kf.point().Valid() {
			return fmt.Errorf("%s.keyframes[%d] has an invalid position", prefix, i)
		}
		if kf.BatteryPct != nil && (*kf.BatteryPct < 0 || *kf.BatteryPct > 100) {
			return fmt.Errorf("%s.keyframes[%d].battery_pct must be in [0,100]", prefix, i)
		}
	}
	return nil
}

func maxKeyframeTime(s ScenarioScript) time.Duration {
	var out time.Duration
	for _, kf := range s.Ownship.Keyframes {
		out = max(out, kf.T)
	}
	for _, n := range s.Nodes {
		for _, kf := range n.Keyframes {
			out = max(out, kf.T)
		}
	}
	return out
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// Playback replays a Scenario against wall or synthetic time.
type Playback struct {
	Scenario *Scenario
	Start    time.Time
	Loop     bool
}

func (p Playback) elapsed(now time.Time) time.Duration {
	if p.Start.IsZero() {
		return 0
	}
	return now.Sub(p.Start)
}

func (p Playback) FixAt(now time.Time) ingest.Fix {
	st := p.Scenario.StateAt(p.elapsed(now), p.Loop)
	return ingest.Fix{LatDeg: st.Ownship.LatDeg, LonDeg: st.Ownship.LonDeg, AltM: st.Ownship.AltM, HorizAccM: st.HorizAccM, At: now}
}

// Records reports each node as the mesh would: heard time is the wall time
// of its last audible moment. In loop mode that is within the current lap.
func (p Playback) Records(now time.Time) []engine.EntityRecord {
	el := p.elapsed(now)
	st := p.Scenario.StateAt(el, p.Loop)
	lapStart := now.Add(-el)
	if p.Loop && p.Scenario.Duration() > 0 {
		lapStart = now.Add(-(el % p.Scenario.Duration()))
	}

	out := make([]engine.EntityRecord, 0, len(st.Nodes))
	for _, n := range st.Nodes {
		lat, lon, alt := n.Position.LatDeg, n.Position.LonDeg, n.Position.AltM
		heard := lapStart.Add(n.HeardAt)
		if heard.After(now) {
			heard = now
		}
		rec := engine.EntityRecord{ID: n.ID, Name: n.Name, LatDeg: &lat, LonDeg: &lon, AltM: &alt, LastHeard: &heard}
		if n.BatteryPct != nil {
			b := *n.BatteryPct
			rec.BatteryPct = &b
		}
		out = append(out, rec)
	}
	return out
}
